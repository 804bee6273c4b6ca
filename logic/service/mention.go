package service

import (
	"regexp"

	"github.com/ceyewan/chorus/model"
)

// mentionPattern 匹配 @[显示名](用户ID)
var mentionPattern = regexp.MustCompile(`@\[([^\]]+)\]\(([^)\s]+)\)`)

// MentionCandidate 从文本中解析出的提及
type MentionCandidate struct {
	UserID string
	Name   string
}

// ExtractMentions 解析文本中的提及，按用户去重；同一用户出现多次时以最后一次的名字为准，顺序按首次出现
func ExtractMentions(text string) []MentionCandidate {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	index := make(map[string]int, len(matches))
	out := make([]MentionCandidate, 0, len(matches))
	for _, m := range matches {
		name, userID := m[1], m[2]
		if i, ok := index[userID]; ok {
			out[i].Name = name
			continue
		}
		index[userID] = len(out)
		out = append(out, MentionCandidate{UserID: userID, Name: name})
	}
	return out
}

// FilterMentions 只保留指向房间活跃成员的提及，其余静默丢弃
func FilterMentions(candidates []MentionCandidate, members []*model.RoomMember) []MentionCandidate {
	if len(candidates) == 0 {
		return nil
	}
	active := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.Active() {
			active[m.UserID] = struct{}{}
		}
	}

	valid := make([]MentionCandidate, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := active[c.UserID]; ok {
			valid = append(valid, c)
		}
	}
	return valid
}
