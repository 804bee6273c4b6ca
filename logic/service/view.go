package service

import (
	"context"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
)

// viewBuilder 把消息模型组装为出站视图，附件、提及、发送者按批量查询补齐
// 补齐失败只记日志，返回不带附属数据的视图。
type viewBuilder struct {
	userRepo    repo.UserRepo
	messageRepo repo.MessageRepo
	logger      clog.Logger
}

func (b *viewBuilder) build(ctx context.Context, msgs []*model.Message) []*protocol.MessageView {
	views := make([]*protocol.MessageView, 0, len(msgs))
	if len(msgs) == 0 {
		return views
	}

	ids := make([]int64, 0, len(msgs))
	senderSet := make(map[string]struct{}, len(msgs))
	senders := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		if s := m.Sender(); s != "" {
			if _, ok := senderSet[s]; !ok {
				senderSet[s] = struct{}{}
				senders = append(senders, s)
			}
		}
	}

	attachments, err := b.messageRepo.GetAttachments(ctx, ids)
	if err != nil {
		b.logger.WarnContext(ctx, "failed to load attachments", clog.Error(err))
	}
	mentions, err := b.messageRepo.GetMentions(ctx, ids)
	if err != nil {
		b.logger.WarnContext(ctx, "failed to load mentions", clog.Error(err))
	}
	users, err := b.userRepo.GetUsers(ctx, senders)
	if err != nil {
		b.logger.WarnContext(ctx, "failed to load senders", clog.Error(err))
	}

	attByMsg := make(map[int64][]protocol.AttachmentView)
	for _, a := range attachments {
		if a.MessageID != nil {
			attByMsg[*a.MessageID] = append(attByMsg[*a.MessageID], toAttachmentView(a))
		}
	}
	menByMsg := make(map[int64][]protocol.MentionView)
	for _, m := range mentions {
		menByMsg[m.MessageID] = append(menByMsg[m.MessageID], protocol.MentionView{UserID: m.UserID, Name: m.Name})
	}
	userByID := make(map[string]*model.User, len(users))
	for _, u := range users {
		userByID[u.ID] = u
	}

	for _, m := range msgs {
		v := toMessageView(m)
		v.Attachments = attByMsg[m.ID]
		v.Mentions = menByMsg[m.ID]
		if u, ok := userByID[m.Sender()]; ok {
			v.Sender = toUserView(u)
		}
		views = append(views, v)
	}
	return views
}

func (b *viewBuilder) buildOne(ctx context.Context, msg *model.Message) *protocol.MessageView {
	return b.build(ctx, []*model.Message{msg})[0]
}

func toMessageView(m *model.Message) *protocol.MessageView {
	return &protocol.MessageView{
		ID:          m.ID,
		RoomID:      m.RoomKey(),
		SenderID:    m.Sender(),
		RecipientID: m.Recipient(),
		Type:        string(m.DisplayType()),
		Content:     m.Content,
		ReactionID:  m.ReactionID,
		CreatedAt:   m.CreatedAt.UnixMilli(),
	}
}

func toAttachmentView(a *model.Attachment) protocol.AttachmentView {
	return protocol.AttachmentView{
		ID:     a.ID,
		URL:    a.URL,
		Width:  a.Width,
		Height: a.Height,
		Format: a.Format,
		Size:   a.Size,
	}
}

func toAttachmentViews(atts []*model.Attachment) []protocol.AttachmentView {
	out := make([]protocol.AttachmentView, 0, len(atts))
	for _, a := range atts {
		out = append(out, toAttachmentView(a))
	}
	return out
}

func toUserView(u *model.User) *protocol.UserView {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return &protocol.UserView{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: name,
		Avatar:      u.Avatar,
	}
}

func memberIDs(members []*model.RoomMember) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}

func unionIDs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, id := range l {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
