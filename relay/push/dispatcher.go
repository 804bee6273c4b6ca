package push

import (
	"context"
	"time"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/chorus/relay/observability"
	"github.com/ceyewan/genesis/clog"
)

// Directory 连接查找
type Directory interface {
	ConnectionsFor(userID string) []protocol.Connection
	RoomPeers(roomID string) []protocol.Connection
	AllConnections() []protocol.Connection
}

// Dispatcher 把服务层的广播写入本进程内的连接
// 帧只编码一次；投递是非阻塞的，连接缓冲满或已关闭时丢弃该帧，不重试。
type Dispatcher struct {
	dir    Directory
	logger clog.Logger
}

// NewDispatcher 创建扇出分发器
func NewDispatcher(dir Directory, logger clog.Logger) *Dispatcher {
	return &Dispatcher{dir: dir, logger: logger}
}

var _ service.Emitter = (*Dispatcher)(nil)

// ToUsers 推送给指定用户的所有连接
func (d *Dispatcher) ToUsers(ctx context.Context, userIDs []string, event string, payload any) {
	if len(userIDs) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(userIDs))
	conns := make([]protocol.Connection, 0, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		conns = append(conns, d.dir.ConnectionsFor(id)...)
	}
	d.deliver(ctx, "users", conns, event, payload)
}

// ToRoom 推送给订阅了房间的连接，用户不在 members 中的连接被跳过
func (d *Dispatcher) ToRoom(ctx context.Context, roomID string, members []string, event string, payload any) {
	if len(members) == 0 {
		return
	}
	allowed := make(map[string]struct{}, len(members))
	for _, id := range members {
		allowed[id] = struct{}{}
	}
	peers := d.dir.RoomPeers(roomID)
	conns := peers[:0]
	for _, c := range peers {
		if _, ok := allowed[c.UserID()]; ok {
			conns = append(conns, c)
		}
	}
	d.deliver(ctx, "room", conns, event, payload)
}

// ToAll 推送给除 except 外的所有连接
func (d *Dispatcher) ToAll(ctx context.Context, event string, payload any, except string) {
	all := d.dir.AllConnections()
	conns := all[:0]
	for _, c := range all {
		if c.UserID() != except {
			conns = append(conns, c)
		}
	}
	d.deliver(ctx, "all", conns, event, payload)
}

func (d *Dispatcher) deliver(ctx context.Context, scope string, conns []protocol.Connection, event string, payload any) {
	if len(conns) == 0 {
		return
	}
	start := time.Now()

	env, err := protocol.NewEnvelope(event, 0, payload)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to encode broadcast",
			clog.String("event", event),
			clog.Error(err))
		return
	}

	sent, failed := 0, 0
	for _, conn := range conns {
		if err := conn.Send(env); err != nil {
			failed++
			d.logger.WarnContext(ctx, "dropped frame",
				clog.String("event", event),
				clog.String("user_id", conn.UserID()),
				clog.String("conn_id", conn.ID()),
				clog.Error(err))
			continue
		}
		sent++
	}

	observability.RecordFanout(ctx, scope, time.Since(start), sent, failed)
	d.logger.DebugContext(ctx, "broadcast dispatched",
		clog.String("event", event),
		clog.String("scope", scope),
		clog.Int("sent", sent),
		clog.Int("failed", failed))
}
