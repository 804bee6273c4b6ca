package connection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/genesis/clog"
	"github.com/cespare/xxhash/v2"
)

const (
	shardCount  = 64
	stripeCount = 256
)

// ErrConnNotFound 连接未注册或已注销
var ErrConnNotFound = errors.New("connection not registered")

// Hooks 用户级上下线回调，在该用户的条带锁内执行
// 同一用户的首连/末连转换因此是串行的，回调内不要再调用 Register / Unregister。
type Hooks struct {
	OnOnline  func(ctx context.Context, userID string)
	OnOffline func(ctx context.Context, userID string, at time.Time)
}

type entry struct {
	conn  protocol.Connection
	rooms map[string]struct{}
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*entry
}

type groupShard struct {
	mu     sync.RWMutex
	groups map[string]map[string]protocol.Connection
}

// Registry 本进程内的连接注册表：连接 → 用户、连接 → 已订阅房间
// 三张索引分别按 key 哈希分片，互不相关的用户与房间可以并行读写。
type Registry struct {
	conns   [shardCount]*connShard
	users   [shardCount]*groupShard
	rooms   [shardCount]*groupShard
	stripes [stripeCount]sync.Mutex

	hooks  Hooks
	count  atomic.Int64
	logger clog.Logger
}

// NewRegistry 创建连接注册表
func NewRegistry(hooks Hooks, logger clog.Logger) *Registry {
	r := &Registry{hooks: hooks, logger: logger}
	for i := 0; i < shardCount; i++ {
		r.conns[i] = &connShard{conns: make(map[string]*entry)}
		r.users[i] = &groupShard{groups: make(map[string]map[string]protocol.Connection)}
		r.rooms[i] = &groupShard{groups: make(map[string]map[string]protocol.Connection)}
	}
	return r
}

func index(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

func (r *Registry) connShard(connID string) *connShard { return r.conns[index(connID, shardCount)] }
func (r *Registry) userShard(userID string) *groupShard {
	return r.users[index(userID, shardCount)]
}
func (r *Registry) roomShard(roomID string) *groupShard {
	return r.rooms[index(roomID, shardCount)]
}
func (r *Registry) stripe(userID string) *sync.Mutex {
	return &r.stripes[index(userID, stripeCount)]
}

// Register 注册连接，返回是否为该用户的第一个连接
func (r *Registry) Register(ctx context.Context, conn protocol.Connection) bool {
	userID := conn.UserID()
	lock := r.stripe(userID)
	lock.Lock()
	defer lock.Unlock()

	cs := r.connShard(conn.ID())
	cs.mu.Lock()
	if _, exists := cs.conns[conn.ID()]; exists {
		cs.mu.Unlock()
		return false
	}
	cs.conns[conn.ID()] = &entry{conn: conn, rooms: make(map[string]struct{})}
	cs.mu.Unlock()

	first := r.userShard(userID).add(userID, conn)
	r.count.Add(1)

	r.logger.DebugContext(ctx, "connection registered",
		clog.String("user_id", userID),
		clog.String("conn_id", conn.ID()),
		clog.Any("first", first))

	if first && r.hooks.OnOnline != nil {
		r.hooks.OnOnline(ctx, userID)
	}
	return first
}

// Unregister 注销连接并退订其全部房间，返回它订阅过的房间
// 重复注销是空操作。用户的最后一个连接注销时触发下线回调。
func (r *Registry) Unregister(ctx context.Context, conn protocol.Connection) []string {
	userID := conn.UserID()
	lock := r.stripe(userID)
	lock.Lock()
	defer lock.Unlock()

	cs := r.connShard(conn.ID())
	cs.mu.Lock()
	e, ok := cs.conns[conn.ID()]
	if ok {
		delete(cs.conns, conn.ID())
	}
	cs.mu.Unlock()
	if !ok {
		return nil
	}

	rooms := make([]string, 0, len(e.rooms))
	for roomID := range e.rooms {
		r.roomShard(roomID).remove(roomID, conn.ID())
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)

	last := r.userShard(userID).remove(userID, conn.ID())
	r.count.Add(-1)

	r.logger.DebugContext(ctx, "connection unregistered",
		clog.String("user_id", userID),
		clog.String("conn_id", conn.ID()),
		clog.Int("rooms", len(rooms)),
		clog.Any("last", last))

	if last && r.hooks.OnOffline != nil {
		r.hooks.OnOffline(ctx, userID, time.Now())
	}
	return rooms
}

// JoinRoom 连接订阅房间，不校验成员资格
func (r *Registry) JoinRoom(connID, roomID string) error {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, ok := cs.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	e.rooms[roomID] = struct{}{}
	r.roomShard(roomID).add(roomID, e.conn)
	return nil
}

// LeaveRoom 连接退订房间，未订阅时是空操作
func (r *Registry) LeaveRoom(connID, roomID string) error {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, ok := cs.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	if _, joined := e.rooms[roomID]; !joined {
		return nil
	}
	delete(e.rooms, roomID)
	r.roomShard(roomID).remove(roomID, connID)
	return nil
}

// Rooms 连接当前订阅的房间
func (r *Registry) Rooms(connID string) []string {
	cs := r.connShard(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	e, ok := cs.conns[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(e.rooms))
	for roomID := range e.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// IsReachable 用户是否至少有一个连接
func (r *Registry) IsReachable(userID string) bool {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.groups[userID]) > 0
}

// ConnectionsFor 用户的全部连接
func (r *Registry) ConnectionsFor(userID string) []protocol.Connection {
	return r.userShard(userID).list(userID)
}

// RoomPeers 订阅了房间的全部连接
func (r *Registry) RoomPeers(roomID string) []protocol.Connection {
	return r.roomShard(roomID).list(roomID)
}

// UserJoinedRoom 用户是否有连接订阅了房间
func (r *Registry) UserJoinedRoom(userID, roomID string) bool {
	for _, conn := range r.ConnectionsFor(userID) {
		cs := r.connShard(conn.ID())
		cs.mu.RLock()
		e, ok := cs.conns[conn.ID()]
		joined := false
		if ok {
			_, joined = e.rooms[roomID]
		}
		cs.mu.RUnlock()
		if joined {
			return true
		}
	}
	return false
}

// OnlineUsers 当前至少有一个连接的用户
func (r *Registry) OnlineUsers() []string {
	users := make([]string, 0)
	for _, us := range r.users {
		us.mu.RLock()
		for userID, conns := range us.groups {
			if len(conns) > 0 {
				users = append(users, userID)
			}
		}
		us.mu.RUnlock()
	}
	sort.Strings(users)
	return users
}

// AllConnections 全部连接快照
func (r *Registry) AllConnections() []protocol.Connection {
	all := make([]protocol.Connection, 0, r.count.Load())
	for _, cs := range r.conns {
		cs.mu.RLock()
		for _, e := range cs.conns {
			all = append(all, e.conn)
		}
		cs.mu.RUnlock()
	}
	return all
}

// Count 当前连接数
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Close 关闭所有连接
func (r *Registry) Close() {
	for _, conn := range r.AllConnections() {
		_ = conn.Close()
	}
}

// add 加入分组，返回分组是否由空变为非空
func (s *groupShard) add(key string, conn protocol.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[key]
	if !ok {
		group = make(map[string]protocol.Connection)
		s.groups[key] = group
	}
	group[conn.ID()] = conn
	return len(group) == 1
}

// remove 移出分组，返回分组是否因此变空
func (s *groupShard) remove(key, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[key]
	if !ok {
		return false
	}
	if _, exists := group[connID]; !exists {
		return false
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(s.groups, key)
		return true
	}
	return false
}

func (s *groupShard) list(key string) []protocol.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group := s.groups[key]
	out := make([]protocol.Connection, 0, len(group))
	for _, conn := range group {
		out = append(out, conn)
	}
	return out
}
