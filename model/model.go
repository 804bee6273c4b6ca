package model

import (
	"strings"
	"time"
)

// ============================================================================
// 非持久化模型（Redis）
// ============================================================================

// Presence 用户在线状态快照，存储在 Redis 中供跨实例查询
type Presence struct {
	UserID     string    `json:"user_id"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

// ============================================================================
// 持久化模型（PostgreSQL）
// 以下结构体的 GORM tag 是数据库表结构的唯一真相来源 (Single Source of Truth)。
// 表结构通过 `go run main.go -module init` 调用 GORM AutoMigrate 自动创建/更新。
//
// 索引总览：
//
//	表               索引名                   列                                类型       用途
//	──────────────── ─────────────────────── ────────────────────────────────── ────────── ─────────────────────────────────
//	t_user           PK                      id                                 主键       按用户 ID 精确查询
//	t_user           uniq_user_username      username                           唯一       用户名唯一
//	t_room           PK                      id                                 主键       按房间 ID 精确查询
//	t_room_member    PK                      (room_id, user_id)                 复合主键   判断成员资格 / 按房间查成员
//	t_room_member    idx_member_user         user_id                            普通       反查用户加入的所有房间
//	t_message        PK                      id                                 自增主键   按消息 ID 精确查询
//	t_message        idx_msg_room_id         (room_id, id)                      复合       按房间游标分页 / 找最新消息
//	t_message        idx_msg_reaction        reaction_id                        普通       按表态查找回显消息
//	t_reaction       uniq_reaction_msg_user  (message_id, user_id)              唯一复合   同一用户对同一消息只保留一个表态
//	t_delivery       PK                      (message_id, user_id)              复合主键   送达幂等
//	t_read           PK                      (message_id, user_id)              复合主键   已读幂等
//	t_read           idx_read_user           user_id                            普通       计算未读房间数
//	t_last_message   PK                      (user_id, room_key)                复合主键   会话列表排序
//	t_last_message   idx_last_msg_message    message_id                         普通       删除消息时反查指针
//	t_attachment     PK                      id                                 主键       -
//	t_attachment     idx_attachment_message  message_id                         普通       按消息取附件
//	t_mention        PK                      (message_id, user_id)              复合主键   提及去重
//	t_notify_outbox  idx_status_next_retry   (status, next_retry_time)          复合       定时任务轮询待重试通知
//
// ============================================================================

// PresenceVisibility 在线状态可见范围
type PresenceVisibility string

const (
	VisibilityEveryone PresenceVisibility = "everyone"
	VisibilityContacts PresenceVisibility = "contacts"
	VisibilityNobody   PresenceVisibility = "nobody"
)

// User 用户表（由外部身份系统维护，中继只读取展示属性并写在线状态）
type User struct {
	ID                 string             `gorm:"primaryKey;column:id;type:varchar(64);not null"`
	Username           string             `gorm:"column:username;type:varchar(64);not null;uniqueIndex:uniq_user_username"`
	DisplayName        string             `gorm:"column:display_name;type:varchar(64)"`
	Avatar             string             `gorm:"column:avatar;type:varchar(255)"`
	PasswordHash       string             `gorm:"column:password_hash;type:varchar(128)"`
	IsOnline           bool               `gorm:"column:is_online;default:false"`
	LastSeenAt         *time.Time         `gorm:"column:last_seen_at"`
	PresenceVisibility PresenceVisibility `gorm:"column:presence_visibility;type:varchar(16);default:everyone"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Room 房间表（单聊/群聊）。self 房间不落库。
type Room struct {
	ID          string `gorm:"primaryKey;column:id;type:varchar(64);not null"`
	IsGroup     bool   `gorm:"column:is_group;not null;default:false"`
	Name        string `gorm:"column:name;type:varchar(128)"`
	Description string `gorm:"column:description;type:varchar(512)"`
	Avatar      string `gorm:"column:avatar;type:varchar(255)"`
	MaxMembers  int    `gorm:"column:max_members;type:int;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MemberKind 成员身份
type MemberKind string

const (
	MemberOwner  MemberKind = "owner"
	MemberAdmin  MemberKind = "admin"
	MemberNormal MemberKind = "member"
	MemberBanned MemberKind = "banned"
	MemberOld    MemberKind = "old" // 已离开
)

// RoomMember 房间成员表。封禁/离开的记录保留用于历史，不删除。
type RoomMember struct {
	RoomID   string     `gorm:"primaryKey;column:room_id;type:varchar(64);not null"`
	UserID   string     `gorm:"primaryKey;column:user_id;type:varchar(64);not null;index:idx_member_user"`
	Kind     MemberKind `gorm:"column:kind;type:varchar(16);not null;default:member"`
	JoinedAt time.Time  `gorm:"column:joined_at;not null"`
	LeftAt   *time.Time `gorm:"column:left_at"`
	KickedAt *time.Time `gorm:"column:kicked_at"`
}

// Active 成员是否处于可收发状态
func (m *RoomMember) Active() bool {
	return m != nil && m.Kind != MemberBanned && m.LeftAt == nil
}

// MessageType 消息类型
type MessageType string

const (
	TypeContent     MessageType = "content"
	TypeRoomCreated MessageType = "room_created"
	TypeSaved       MessageType = "saved"
	TypeReaction    MessageType = "reaction"
	TypeMention     MessageType = "mention"

	// TypeSelfCreated 仅用于展示：self 空间的创建标记，读取时由 DisplayType 推导
	TypeSelfCreated MessageType = "self_created"
)

// Message 消息表
// RoomID 为空表示 self 房间消息（sender == recipient）。
type Message struct {
	ID          int64       `gorm:"primaryKey;column:id;autoIncrement"`
	RoomID      *string     `gorm:"column:room_id;type:varchar(64);index:idx_msg_room_id,priority:1"`
	SenderID    *string     `gorm:"column:sender_id;type:varchar(64)"`
	RecipientID *string     `gorm:"column:recipient_id;type:varchar(64)"`
	Type        MessageType `gorm:"column:type;type:varchar(16);not null"`
	Content     string      `gorm:"column:content;type:text"`
	ReactionID  *int64      `gorm:"column:reaction_id;index:idx_msg_reaction"`
	CreatedAt   time.Time   `gorm:"index:idx_msg_room_id,priority:2"`
}

// RoomKey 返回消息所属房间的键，self 消息返回 self 房间键
func (m *Message) RoomKey() string {
	if m.RoomID != nil {
		return *m.RoomID
	}
	if m.SenderID != nil {
		return SelfRoomID(*m.SenderID)
	}
	return ""
}

// IsSelf 是否为 self 房间消息
func (m *Message) IsSelf() bool {
	return m.RoomID == nil
}

// Sender 返回发送者 ID，系统消息为空串
func (m *Message) Sender() string {
	if m.SenderID == nil {
		return ""
	}
	return *m.SenderID
}

// Recipient 返回接收者 ID，无接收者为空串
func (m *Message) Recipient() string {
	if m.RecipientID == nil {
		return ""
	}
	return *m.RecipientID
}

// DisplayType 读取时解析展示类型：self 空间的哨兵内容展示为 self_created
func (m *Message) DisplayType() MessageType {
	if m.Type == TypeSaved && m.SenderID != nil && m.Content == SelfSentinel(*m.SenderID) {
		return TypeSelfCreated
	}
	return m.Type
}

// VisibleTo 表态回显消息只对双方可见，其余消息对房间成员可见
func (m *Message) VisibleTo(userID string) bool {
	if m.Type != TypeReaction {
		return true
	}
	return m.Sender() == userID || m.Recipient() == userID
}

// Reaction 表态表，(message_id, user_id) 唯一
type Reaction struct {
	ID        int64     `gorm:"primaryKey;column:id;autoIncrement"`
	MessageID int64     `gorm:"column:message_id;not null;uniqueIndex:uniq_reaction_msg_user,priority:1"`
	UserID    string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uniq_reaction_msg_user,priority:2"`
	Content   string    `gorm:"column:content;type:varchar(64);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Delivery 送达记录，存在即表示已送达
type Delivery struct {
	MessageID int64     `gorm:"primaryKey;column:message_id;autoIncrement:false"`
	UserID    string    `gorm:"primaryKey;column:user_id;type:varchar(64)"`
	CreatedAt time.Time
}

// Read 已读记录，存在即表示已读
type Read struct {
	MessageID int64     `gorm:"primaryKey;column:message_id;autoIncrement:false"`
	UserID    string    `gorm:"primaryKey;column:user_id;type:varchar(64);index:idx_read_user"`
	CreatedAt time.Time
}

// LastMessage 每个成员在每个房间的最新消息指针，用于会话列表排序
type LastMessage struct {
	UserID    string `gorm:"primaryKey;column:user_id;type:varchar(64)"`
	RoomKey   string `gorm:"primaryKey;column:room_key;type:varchar(80)"`
	MessageID int64  `gorm:"column:message_id;not null;index:idx_last_msg_message"`
	UpdatedAt time.Time
}

// Attachment 附件表。先上传（message_id 为空），发送消息时再绑定。
type Attachment struct {
	ID         string `gorm:"primaryKey;column:id;type:varchar(36)"`
	MessageID  *int64 `gorm:"column:message_id;index:idx_attachment_message"`
	UploaderID string `gorm:"column:uploader_id;type:varchar(64);not null"`
	URL        string `gorm:"column:url;type:varchar(512);not null"`
	Path       string `gorm:"column:path;type:varchar(512)"`
	Width      *int   `gorm:"column:width"`
	Height     *int   `gorm:"column:height"`
	Format     string `gorm:"column:format;type:varchar(32)"`
	Size       int64  `gorm:"column:size"`
	CreatedAt  time.Time
}

// Mention 提及记录，(message_id, user_id) 唯一
type Mention struct {
	MessageID int64     `gorm:"primaryKey;column:message_id;autoIncrement:false"`
	UserID    string    `gorm:"primaryKey;column:user_id;type:varchar(64)"`
	Name      string    `gorm:"column:name;type:varchar(64)"`
	CreatedAt time.Time
}

// NotifyOutbox 通知补发表（发布到 MQ 失败时落库，由 Outbox Job 重试）
type NotifyOutbox struct {
	ID            int64     `gorm:"primaryKey;column:id;autoIncrement"`
	Topic         string    `gorm:"column:topic;type:varchar(64);not null"`
	Payload       []byte    `gorm:"column:payload;type:bytea;not null"`
	Status        int       `gorm:"column:status;type:smallint;default:0;index:idx_status_next_retry,priority:1"` // 0-待发送, 1-已发送, 2-失败
	RetryCount    int       `gorm:"column:retry_count;type:int;default:0"`
	NextRetryTime time.Time `gorm:"column:next_retry_time;index:idx_status_next_retry,priority:2"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ============================================================================
// 表名映射
// ============================================================================

func (User) TableName() string         { return "t_user" }
func (Room) TableName() string         { return "t_room" }
func (RoomMember) TableName() string   { return "t_room_member" }
func (Message) TableName() string      { return "t_message" }
func (Reaction) TableName() string     { return "t_reaction" }
func (Delivery) TableName() string     { return "t_delivery" }
func (Read) TableName() string         { return "t_read" }
func (LastMessage) TableName() string  { return "t_last_message" }
func (Attachment) TableName() string   { return "t_attachment" }
func (Mention) TableName() string      { return "t_mention" }
func (NotifyOutbox) TableName() string { return "t_notify_outbox" }

// ============================================================================
// 常量与辅助函数
// ============================================================================

// Outbox 状态
const (
	OutboxStatusPending = 0
	OutboxStatusSent    = 1
	OutboxStatusFailed  = 2
)

const selfRoomPrefix = "self:"

// SelfRoomID 由用户 ID 确定性推导 self 房间 ID
func SelfRoomID(userID string) string {
	return selfRoomPrefix + userID
}

// IsSelfRoom 判断房间 ID 是否为 self 房间，返回其所属用户
func IsSelfRoom(roomID string) (string, bool) {
	if !strings.HasPrefix(roomID, selfRoomPrefix) {
		return "", false
	}
	owner := strings.TrimPrefix(roomID, selfRoomPrefix)
	return owner, owner != ""
}

// SelfSentinel self 空间创建标记内容
func SelfSentinel(userID string) string {
	return selfRoomPrefix + userID + ":created"
}

// AllModels 返回所有需要 AutoMigrate 的模型列表
func AllModels() []any {
	return []any{
		&User{},
		&Room{},
		&RoomMember{},
		&Message{},
		&Reaction{},
		&Delivery{},
		&Read{},
		&LastMessage{},
		&Attachment{},
		&Mention{},
		&NotifyOutbox{},
	}
}
