package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/genesis/clog"
	"github.com/cespare/xxhash/v2"
)

const typingShards = 64

// typingEntry 正在输入的用户
type typingEntry struct {
	user      protocol.UserView
	startedAt time.Time
}

type typingShard struct {
	mu    sync.Mutex
	rooms map[string]map[string]typingEntry // room_id -> user_id -> entry
}

// TypingAggregator 按房间聚合正在输入的用户，仅存内存
// 房间按 key 哈希分片，每个分片独立加锁。
type TypingAggregator struct {
	shards  [typingShards]*typingShard
	guard   *Guard
	emitter Emitter
	logger  clog.Logger
}

// NewTypingAggregator 创建输入状态聚合器
func NewTypingAggregator(guard *Guard, emitter Emitter, logger clog.Logger) *TypingAggregator {
	t := &TypingAggregator{guard: guard, emitter: emitter, logger: logger}
	for i := range t.shards {
		t.shards[i] = &typingShard{rooms: make(map[string]map[string]typingEntry)}
	}
	return t
}

func (t *TypingAggregator) shard(roomID string) *typingShard {
	return t.shards[xxhash.Sum64String(roomID)%typingShards]
}

// Start 标记用户开始输入，先校验成员资格
func (t *TypingAggregator) Start(ctx context.Context, roomID string, who *Identity) error {
	if _, err := t.guard.Require(ctx, who.ID, roomID); err != nil {
		return err
	}

	sh := t.shard(roomID)
	sh.mu.Lock()
	set, ok := sh.rooms[roomID]
	if !ok {
		set = make(map[string]typingEntry)
		sh.rooms[roomID] = set
	}
	set[who.ID] = typingEntry{
		user: protocol.UserView{
			ID:          who.ID,
			Username:    who.Username,
			DisplayName: who.DisplayName,
			Avatar:      who.Avatar,
		},
		startedAt: time.Now(),
	}
	snapshot := snapshotOf(roomID, set)
	sh.mu.Unlock()

	t.emitter.ToRoom(ctx, roomID, t.guard.Audience(ctx, roomID), protocol.EventTypingUpdated, snapshot)
	return nil
}

// Stop 标记用户结束输入；集合为空时删除房间条目。不校验成员资格。
func (t *TypingAggregator) Stop(ctx context.Context, roomID, userID string) {
	sh := t.shard(roomID)
	sh.mu.Lock()
	set := sh.rooms[roomID]
	delete(set, userID)
	if len(set) == 0 {
		delete(sh.rooms, roomID)
	}
	snapshot := snapshotOf(roomID, set)
	sh.mu.Unlock()

	t.emitter.ToRoom(ctx, roomID, t.guard.Audience(ctx, roomID), protocol.EventTypingUpdated, snapshot)
}

// StopAll 清理断开连接的用户在给定房间里的输入状态，只对确实在输入的房间广播
func (t *TypingAggregator) StopAll(ctx context.Context, userID string, roomIDs []string) {
	for _, roomID := range roomIDs {
		if t.isTyping(roomID, userID) {
			t.Stop(ctx, roomID, userID)
		}
	}
}

// Snapshot 当前正在输入的用户
func (t *TypingAggregator) Snapshot(roomID string) []string {
	sh := t.shard(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return snapshotOf(roomID, sh.rooms[roomID]).UserIDs
}

func (t *TypingAggregator) isTyping(roomID, userID string) bool {
	sh := t.shard(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.rooms[roomID][userID]
	return ok
}

// snapshotOf 按开始时间排序，调用方持有分片锁
func snapshotOf(roomID string, set map[string]typingEntry) *protocol.TypingUpdated {
	entries := make([]typingEntry, 0, len(set))
	for _, e := range set {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].startedAt.Equal(entries[j].startedAt) {
			return entries[i].user.ID < entries[j].user.ID
		}
		return entries[i].startedAt.Before(entries[j].startedAt)
	})

	out := &protocol.TypingUpdated{
		RoomID:  roomID,
		UserIDs: make([]string, 0, len(entries)),
		Users:   make([]protocol.UserView, 0, len(entries)),
	}
	for _, e := range entries {
		out.UserIDs = append(out.UserIDs, e.user.ID)
		out.Users = append(out.Users, e.user)
	}
	return out
}
