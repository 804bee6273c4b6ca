package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/genesis/clog"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrAttachmentUnbound 附件不存在、不属于发送者或已绑定到其他消息
	ErrAttachmentUnbound = errors.New("attachment cannot be bound")
)

// UserRepo 定义了用户数据访问接口（用户由外部身份系统创建，中继只读取并维护在线状态）
type UserRepo interface {
	// GetUser 根据 ID 获取用户
	GetUser(ctx context.Context, userID string) (*model.User, error)
	// GetUsers 批量获取用户，不存在的 ID 被忽略
	GetUsers(ctx context.Context, userIDs []string) ([]*model.User, error)
	// SetPresence 持久化在线标记；lastSeen 非空时同时写入最后在线时间
	SetPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time) error
	// Close 释放资源
	Close() error
}

// RoomSummary 会话列表条目。Room 为空表示 self 房间。
type RoomSummary struct {
	RoomKey     string
	Room        *model.Room
	LastMessage *model.Message
	Unread      int64
}

// RoomRepo 定义了房间与成员数据访问接口
type RoomRepo interface {
	// GetRoom 获取房间
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	// GetMember 获取成员记录（包括已封禁、已离开的历史记录）
	GetMember(ctx context.Context, roomID, userID string) (*model.RoomMember, error)
	// GetActiveMembers 获取房间内未封禁且未离开的成员
	GetActiveMembers(ctx context.Context, roomID string) ([]*model.RoomMember, error)
	// GetActiveRoomIDs 获取用户作为活跃成员所在的房间
	GetActiveRoomIDs(ctx context.Context, userID string) ([]string, error)
	// GetRoomPeers 获取与用户至少共享一个活跃房间的其他用户
	GetRoomPeers(ctx context.Context, userID string) ([]string, error)
	// ListRooms 获取用户的会话列表，按最新消息倒序
	ListRooms(ctx context.Context, userID string) ([]*RoomSummary, error)
	// Close 释放资源
	Close() error
}

// DeleteResult 删除消息的级联结果
type DeleteResult struct {
	Attachments []*model.Attachment
	// Repointed 最新消息指针被改写或删除的用户
	Repointed []string
}

// ReactionRemoval 取消表态的结果
type ReactionRemoval struct {
	Removed bool
	// Affected 需要刷新会话视图的用户（表态者与回显消息接收者）
	Affected []string
}

// ReactionSummary 消息表态聚合
type ReactionSummary struct {
	Count   int64
	Reacted bool
	Content string
}

// MessageRepo 定义了消息及其附属记录（送达、已读、表态、提及、附件、最新消息指针）的数据访问接口
type MessageRepo interface {
	// CreateMessage 事务内写入消息、绑定附件、前移成员的最新消息指针
	CreateMessage(ctx context.Context, msg *model.Message, attachmentIDs []string, pointerUserIDs []string) error
	// GetMessage 获取消息
	GetMessage(ctx context.Context, messageID int64) (*model.Message, error)
	// History 按 ID 游标拉取房间历史，beforeID 为 0 时拉取最新，返回 ID 升序
	History(ctx context.Context, roomKey, viewerID string, beforeID int64, limit int) ([]*model.Message, error)
	// DeleteMessage 事务内删除消息并级联清理
	DeleteMessage(ctx context.Context, msg *model.Message) (*DeleteResult, error)

	// MarkDelivered 幂等写入送达记录，返回是否新建
	MarkDelivered(ctx context.Context, messageID int64, userID string) (bool, error)
	// MarkRead 幂等写入已读记录，返回是否新建
	MarkRead(ctx context.Context, messageID int64, userID string) (bool, error)
	// DeliveredUserIDs 获取消息的送达用户
	DeliveredUserIDs(ctx context.Context, messageID int64) ([]string, error)
	// ReadUserIDs 获取消息的已读用户
	ReadUserIDs(ctx context.Context, messageID int64) ([]string, error)
	// FindUndelivered 查找房间内尚未送达给用户的消息（排除建房标记与用户自己发送的消息）
	FindUndelivered(ctx context.Context, roomID, userID string, limit int) ([]*model.Message, error)
	// CountUnreadRooms 统计用户存在未读消息的房间数
	CountUnreadRooms(ctx context.Context, userID string) (int64, error)

	// SaveMentions 幂等写入提及记录
	SaveMentions(ctx context.Context, mentions []*model.Mention) error
	// GetMentions 批量获取提及记录
	GetMentions(ctx context.Context, messageIDs []int64) ([]*model.Mention, error)

	// UpsertReaction 事务内写入表态；echo 非空时替换旧回显消息并前移双方指针
	UpsertReaction(ctx context.Context, reaction *model.Reaction, echo *model.Message) error
	// RemoveReaction 事务内删除表态及其回显消息，并重算受影响用户的指针
	RemoveReaction(ctx context.Context, msg *model.Message, userID string) (*ReactionRemoval, error)
	// GetReactionSummary 获取消息表态聚合
	GetReactionSummary(ctx context.Context, messageID int64, userID string) (*ReactionSummary, error)

	// CreateAttachment 写入未绑定的附件
	CreateAttachment(ctx context.Context, attachment *model.Attachment) error
	// GetAttachments 批量获取消息的附件
	GetAttachments(ctx context.Context, messageIDs []int64) ([]*model.Attachment, error)

	// Close 释放资源
	Close() error
}

// OutboxRepo 定义了通知补发表的数据访问接口
type OutboxRepo interface {
	// SaveOutbox 写入待补发通知
	SaveOutbox(ctx context.Context, outbox *model.NotifyOutbox) error
	// GetPendingOutbox 获取到期的待补发通知
	GetPendingOutbox(ctx context.Context, limit int) ([]*model.NotifyOutbox, error)
	// UpdateOutboxStatus 更新状态
	UpdateOutboxStatus(ctx context.Context, id int64, status int) error
	// UpdateOutboxRetry 更新重试信息
	UpdateOutboxRetry(ctx context.Context, id int64, nextRetry time.Time, count int) error
	// Close 释放资源
	Close() error
}

// PresenceRepo 定义了在线状态缓存接口，通常由 Redis 实现
type PresenceRepo interface {
	// SetOnline 标记用户在线
	SetOnline(ctx context.Context, userID string) error
	// SetOffline 标记用户离线并记录最后在线时间
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
	// GetPresence 获取在线状态快照，未命中返回 ErrNotFound
	GetPresence(ctx context.Context, userID string) (*model.Presence, error)
	// IsOnline 查询在线集合
	IsOnline(ctx context.Context, userID string) (bool, error)
	// Close 释放资源
	Close() error
}

// Option 配置 Repo 的选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// newLogger 根据选项创建带命名空间的 logger，未提供时默认不输出
func newLogger(namespace string, opts []Option) (clog.Logger, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger != nil {
		return o.logger.WithNamespace(namespace), nil
	}
	logger, err := clog.New(&clog.Config{
		Level:  "info",
		Format: "json",
		Output: "/dev/null",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create default logger: %w", err)
	}
	return logger.WithNamespace(namespace), nil
}
