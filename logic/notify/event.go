package notify

// Kind 通知类型
type Kind string

const (
	// KindMention 被提及
	KindMention Kind = "mention"
	// KindReaction 消息收到表态
	KindReaction Kind = "reaction"
	// KindMessage 离线成员收到新消息
	KindMessage Kind = "message"
)

// Event 发往通知主题的事件，由 task 模块消费
type Event struct {
	Kind         Kind     `json:"kind"`
	RecipientIDs []string `json:"recipient_ids"`
	ActorID      string   `json:"actor_id"`
	RoomID       string   `json:"room_id"`
	MessageID    int64    `json:"message_id"`
	Preview      string   `json:"preview,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}
