package connection

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	userID string

	mu   sync.Mutex
	sent []*protocol.Envelope
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) UserID() string     { return c.userID }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:0" }
func (c *fakeConn) Close() error       { return nil }
func (c *fakeConn) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

type hookRecorder struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		OnOnline: func(_ context.Context, userID string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.online = append(h.online, userID)
		},
		OnOffline: func(_ context.Context, userID string, _ time.Time) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.offline = append(h.offline, userID)
		},
	}
}

func TestRegistry_TwoTabsPresence(t *testing.T) {
	rec := &hookRecorder{}
	r := NewRegistry(rec.hooks(), clog.Discard())
	ctx := context.Background()

	tab1 := newFakeConn("c1", "alice")
	tab2 := newFakeConn("c2", "alice")

	assert.True(t, r.Register(ctx, tab1))
	assert.False(t, r.Register(ctx, tab2))
	assert.Equal(t, []string{"alice"}, rec.online)
	assert.Equal(t, 2, r.Count())

	r.Unregister(ctx, tab1)
	assert.Empty(t, rec.offline, "one tab still open")
	assert.True(t, r.IsReachable("alice"))

	r.Unregister(ctx, tab2)
	assert.Equal(t, []string{"alice"}, rec.offline)
	assert.False(t, r.IsReachable("alice"))
	assert.Equal(t, 0, r.Count())

	// 重复注销是空操作
	assert.Nil(t, r.Unregister(ctx, tab2))
	assert.Len(t, rec.offline, 1)
}

func TestRegistry_RoomSubscriptions(t *testing.T) {
	r := NewRegistry(Hooks{}, clog.Discard())
	ctx := context.Background()

	a1 := newFakeConn("a1", "alice")
	a2 := newFakeConn("a2", "alice")
	b1 := newFakeConn("b1", "bob")
	r.Register(ctx, a1)
	r.Register(ctx, a2)
	r.Register(ctx, b1)

	require.NoError(t, r.JoinRoom("a1", "room-1"))
	require.NoError(t, r.JoinRoom("b1", "room-1"))
	require.NoError(t, r.JoinRoom("b1", "room-2"))
	assert.ErrorIs(t, r.JoinRoom("missing", "room-1"), ErrConnNotFound)

	assert.Len(t, r.RoomPeers("room-1"), 2)
	assert.True(t, r.UserJoinedRoom("alice", "room-1"))
	assert.False(t, r.UserJoinedRoom("alice", "room-2"))
	assert.Equal(t, []string{"room-1", "room-2"}, r.Rooms("b1"))

	require.NoError(t, r.LeaveRoom("a1", "room-1"))
	require.NoError(t, r.LeaveRoom("a1", "room-1"))
	assert.False(t, r.UserJoinedRoom("alice", "room-1"))
	assert.Len(t, r.RoomPeers("room-1"), 1)

	rooms := r.Unregister(ctx, b1)
	assert.Equal(t, []string{"room-1", "room-2"}, rooms)
	assert.Empty(t, r.RoomPeers("room-1"))
	assert.Empty(t, r.RoomPeers("room-2"))

	assert.Equal(t, []string{"alice"}, r.OnlineUsers())
	assert.Len(t, r.ConnectionsFor("alice"), 2)
	assert.Len(t, r.AllConnections(), 2)
}

func TestRegistry_ConcurrentTransitions(t *testing.T) {
	rec := &hookRecorder{}
	r := NewRegistry(rec.hooks(), clog.Discard())
	ctx := context.Background()

	const users, tabs = 20, 5
	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for c := 0; c < tabs; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				conn := newFakeConn(fmt.Sprintf("u%d-c%d", u, c), fmt.Sprintf("user-%d", u))
				r.Register(ctx, conn)
				_ = r.JoinRoom(conn.ID(), "lobby")
				r.Unregister(ctx, conn)
			}(u, c)
		}
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.OnlineUsers())
	assert.Empty(t, r.RoomPeers("lobby"))
	// 每次上线都恰好对应一次下线
	assert.Equal(t, len(rec.online), len(rec.offline))
	assert.GreaterOrEqual(t, len(rec.online), users)
}
