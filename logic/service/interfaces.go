package service

import (
	"context"

	"github.com/ceyewan/chorus/logic/notify"
)

// Emitter 扇出出口，由 relay/push 实现
// 不可达的用户直接跳过，不排队也不重试。
type Emitter interface {
	// ToUsers 推送给指定用户的所有连接
	ToUsers(ctx context.Context, userIDs []string, event string, payload any)
	// ToRoom 推送给订阅了房间、且用户仍在 members 中的连接
	// 订阅只在 join_room 时校验，被封禁或已离开的成员靠 members 过滤。
	ToRoom(ctx context.Context, roomID string, members []string, event string, payload any)
	// ToAll 推送给除 except 外的所有在线用户
	ToAll(ctx context.Context, event string, payload any, except string)
}

// Reachability 连接注册表的只读视图
type Reachability interface {
	// IsReachable 用户是否至少有一个打开的连接
	IsReachable(userID string) bool
	// UserJoinedRoom 用户是否有连接订阅了房间
	UserJoinedRoom(userID, roomID string) bool
	// OnlineUsers 当前在线用户
	OnlineUsers() []string
}

// Notifier 通知出口，调用方不等待结果
type Notifier interface {
	Notify(ctx context.Context, evt *notify.Event)
}

// BlobRemover 删除附件文件
type BlobRemover interface {
	Remove(ctx context.Context, path string) error
}

// 确保实现了接口
var (
	_ VisibilityPolicy = (*MemberPolicy)(nil)
)
