package protocol

// ============================================================================
// 入站 payload
// ============================================================================

// JoinRoom 订阅房间事件
type JoinRoom struct {
	RoomID string `json:"room_id" validate:"required,max=80"`
}

// LeaveRoom 取消订阅
type LeaveRoom struct {
	RoomID string `json:"room_id" validate:"required,max=80"`
}

// SendMessage 发送消息。room_id 可以是 self 房间键。
// 内容与附件至少有一项。
type SendMessage struct {
	RoomID        string   `json:"room_id" validate:"required,max=80"`
	Type          string   `json:"type,omitempty" validate:"omitempty,oneof=content mention"`
	Content       string   `json:"content,omitempty" validate:"required_without=AttachmentIDs,max=4000"`
	AttachmentIDs []string `json:"attachment_ids,omitempty" validate:"max=10,dive,uuid"`
	RecipientID   string   `json:"recipient_id,omitempty" validate:"omitempty,max=64"`
}

// MarkReceipt 标记送达/已读
type MarkReceipt struct {
	MessageID int64 `json:"message_id" validate:"required,gt=0"`
}

// React 表态
type React struct {
	MessageID int64  `json:"message_id" validate:"required,gt=0"`
	Content   string `json:"content" validate:"required,max=64"`
}

// Unreact 取消表态
type Unreact struct {
	MessageID int64 `json:"message_id" validate:"required,gt=0"`
}

// DeleteMessage 删除消息
type DeleteMessage struct {
	MessageID int64 `json:"message_id" validate:"required,gt=0"`
}

// Typing 正在输入开始/结束
type Typing struct {
	RoomID string `json:"room_id" validate:"required,max=80"`
}

// RoomList 拉取会话列表
type RoomList struct{}

// PresenceQuery 批量查询在线状态
type PresenceQuery struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=100,dive,required,max=64"`
}

// History 拉取历史，before_id 为 0 时从最新开始
type History struct {
	RoomID   string `json:"room_id" validate:"required,max=80"`
	BeforeID int64  `json:"before_id,omitempty" validate:"gte=0"`
	Limit    int    `json:"limit,omitempty" validate:"gte=0,lte=200"`
}

// Ping 应用层心跳
type Ping struct{}

// ============================================================================
// 出站 payload
// ============================================================================

// ErrorPayload error 帧内容
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AttachmentView 附件展示
type AttachmentView struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Width  *int   `json:"width,omitempty"`
	Height *int   `json:"height,omitempty"`
	Format string `json:"format,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// MentionView 提及展示
type MentionView struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// UserView 用户展示属性
type UserView struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

// MessageView 消息展示，message_new 与 history 共用
type MessageView struct {
	ID          int64            `json:"id"`
	RoomID      string           `json:"room_id"`
	SenderID    string           `json:"sender_id,omitempty"`
	Sender      *UserView        `json:"sender,omitempty"`
	RecipientID string           `json:"recipient_id,omitempty"`
	Type        string           `json:"type"`
	Content     string           `json:"content"`
	ReactionID  *int64           `json:"reaction_id,omitempty"`
	Attachments []AttachmentView `json:"attachments,omitempty"`
	Mentions    []MentionView    `json:"mentions,omitempty"`
	CreatedAt   int64            `json:"created_at"`
}

// SendResult send_message 的 ack 内容
type SendResult struct {
	Message   *MessageView `json:"message"`
	Delivered []string     `json:"delivered"`
}

// MessageDeleted message_deleted 内容
type MessageDeleted struct {
	MessageID int64  `json:"message_id"`
	RoomID    string `json:"room_id"`
}

// ReceiptUpdated delivery_updated / read_updated 内容
type ReceiptUpdated struct {
	MessageID int64    `json:"message_id"`
	RoomID    string   `json:"room_id"`
	UserIDs   []string `json:"user_ids"`
}

// ReadResult mark_read 的 ack 内容
type ReadResult struct {
	ReceiptUpdated
	UnreadRooms int64 `json:"unread_rooms"`
}

// ReactionUpdated reaction_updated 内容，reacted/content 只在请求者的 ack 中有意义
type ReactionUpdated struct {
	MessageID int64  `json:"message_id"`
	RoomID    string `json:"room_id"`
	Count     int64  `json:"count"`
	Reacted   bool   `json:"reacted"`
	Content   string `json:"content,omitempty"`
}

// RoomListChanged room_list_changed 内容
type RoomListChanged struct {
	RoomID string `json:"room_id"`
}

// TypingUpdated typing_updated 内容，Users 为当前完整集合
type TypingUpdated struct {
	RoomID  string     `json:"room_id"`
	UserIDs []string   `json:"user_ids"`
	Users   []UserView `json:"users"`
}

// PresenceView presence_changed 与 presence_query 内容
type PresenceView struct {
	UserID     string `json:"user_id"`
	Online     bool   `json:"online"`
	LastSeenAt *int64 `json:"last_seen_at,omitempty"`
}

// GalleryUpdated gallery_updated 内容
type GalleryUpdated struct {
	RoomID      string           `json:"room_id"`
	MessageID   int64            `json:"message_id"`
	Removed     bool             `json:"removed"`
	Attachments []AttachmentView `json:"attachments,omitempty"`
}

// RoomView 会话列表条目
type RoomView struct {
	RoomID      string       `json:"room_id"`
	IsGroup     bool         `json:"is_group"`
	IsSelf      bool         `json:"is_self"`
	Name        string       `json:"name,omitempty"`
	Avatar      string       `json:"avatar,omitempty"`
	Unread      int64        `json:"unread"`
	LastMessage *MessageView `json:"last_message,omitempty"`
}

// HistoryResult history 的 ack 内容
type HistoryResult struct {
	RoomID   string         `json:"room_id"`
	Messages []*MessageView `json:"messages"`
	HasMore  bool           `json:"has_more"`
}

// JoinResult join_room 的 ack 内容，附带房间当前正在输入的用户
type JoinResult struct {
	RoomID string   `json:"room_id"`
	Typing []string `json:"typing"`
}

// RoomResult leave_room / typing 类事件的 ack 内容
type RoomResult struct {
	RoomID string `json:"room_id"`
}
