package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/genesis/clog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// Settings 单个连接的读写参数
type Settings struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// Conn 表示一个 WebSocket 连接
// 入站帧在 readPump 中按到达顺序逐个处理，出站帧经发送缓冲由 writePump 写出。
type Conn struct {
	id         string
	identity   *service.Identity
	conn       *websocket.Conn
	send       chan *protocol.Envelope
	logger     clog.Logger
	handler    protocol.Handler
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	remoteAddr string
	settings   Settings

	onClose func(*Conn)
}

// NewConn 创建新的连接，ctx 携带会话级 trace 信息
func NewConn(
	ctx context.Context,
	identity *service.Identity,
	conn *websocket.Conn,
	handler protocol.Handler,
	settings Settings,
	onClose func(*Conn),
	logger clog.Logger,
) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	return &Conn{
		id:         uuid.NewString(),
		identity:   identity,
		conn:       conn,
		send:       make(chan *protocol.Envelope, sendBufferSize),
		logger:     logger,
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
		remoteAddr: conn.RemoteAddr().String(),
		settings:   settings,
		onClose:    onClose,
	}
}

// ID 实现 protocol.Connection 接口
func (c *Conn) ID() string {
	return c.id
}

// UserID 实现 protocol.Connection 接口
func (c *Conn) UserID() string {
	return c.identity.ID
}

// Identity 连接建立时解析出的身份
func (c *Conn) Identity() *service.Identity {
	return c.identity
}

// RemoteAddr 实现 protocol.Connection 接口
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Send 实现 protocol.Connection 接口
func (c *Conn) Send(env *protocol.Envelope) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("connection closed")
	}
	select {
	case c.send <- env:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close 实现 protocol.Connection 接口
// 发送缓冲不关闭，writePump 通过 ctx 感知退出，避免并发 Send 写入已关闭的 channel。
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return nil
}

// Done 连接关闭后返回
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Run 启动连接的读写协程
func (c *Conn) Run() {
	go c.writePump()
	go c.readPump()
}

// readPump 从 WebSocket 读取消息
func (c *Conn) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.settings.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error",
					clog.String("user_id", c.UserID()),
					clog.String("conn_id", c.id),
					clog.Error(err))
			}
			return
		}
		// 任何入站帧都视为存活信号
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongTimeout))

		req, seq, err := protocol.Decode(message)
		if err != nil {
			c.handler.HandleInvalid(c.ctx, c, seq, err)
			continue
		}

		if err := c.handler.HandleRequest(c.ctx, c, req); err != nil {
			c.logger.Error("failed to handle request",
				clog.String("user_id", c.UserID()),
				clog.String("event", req.Event),
				clog.Error(err))
		}
	}
}

// writePump 向 WebSocket 写入消息
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case env := <-c.send:
			data, err := protocol.Encode(env)
			if err != nil {
				c.logger.Error("failed to encode envelope",
					clog.String("user_id", c.UserID()),
					clog.String("event", env.Event),
					clog.Error(err))
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("failed to write message",
					clog.String("user_id", c.UserID()),
					clog.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
