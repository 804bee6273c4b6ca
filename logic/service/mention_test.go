package service

import (
	"testing"

	"github.com/ceyewan/chorus/model"
	"github.com/stretchr/testify/assert"
)

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []MentionCandidate
	}{
		{"none", "plain text @bob", nil},
		{"single", "hi @[Bob](u-bob)!", []MentionCandidate{{UserID: "u-bob", Name: "Bob"}}},
		{
			"dedupe keeps last name",
			"@[Bob](u-bob) @[Alice](u-alice) @[Bobby](u-bob)",
			[]MentionCandidate{{UserID: "u-bob", Name: "Bobby"}, {UserID: "u-alice", Name: "Alice"}},
		},
		{"unicode name", "@[小明](u-1)", []MentionCandidate{{UserID: "u-1", Name: "小明"}}},
		{"malformed", "@[Bob](u bob) @[](u-x) @[Bob]u-bob", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMentions(tt.text))
		})
	}
}

func TestFilterMentions(t *testing.T) {
	members := []*model.RoomMember{
		{UserID: "alice", Kind: model.MemberOwner},
		{UserID: "bob", Kind: model.MemberBanned},
	}
	got := FilterMentions([]MentionCandidate{
		{UserID: "alice", Name: "A"},
		{UserID: "bob", Name: "B"},
		{UserID: "zed", Name: "Z"},
	}, members)
	assert.Equal(t, []MentionCandidate{{UserID: "alice", Name: "A"}}, got)
	assert.Nil(t, FilterMentions(nil, members))
}
