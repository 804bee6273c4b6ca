package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/chorus/relay/connection"
	"github.com/ceyewan/chorus/relay/middleware"
	"github.com/ceyewan/chorus/relay/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WSConfig WebSocket 配置
type WSConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64 // KB
	PingInterval    int   // 秒
	PongTimeout     int   // 秒
}

// DefaultWSConfig 默认 WebSocket 配置
func DefaultWSConfig() *WSConfig {
	return &WSConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64,
		PingInterval:    30,
		PongTimeout:     60,
	}
}

// Sweeper 连接建立后的补送达
type Sweeper interface {
	Sweep(ctx context.Context, userID string) (int, error)
}

// TypingStopper 连接断开时清理输入状态
type TypingStopper interface {
	StopAll(ctx context.Context, userID string, roomIDs []string)
}

// WebSocket 处理 WebSocket 握手与连接生命周期
type WebSocket struct {
	auth     middleware.Authenticator
	registry *connection.Registry
	handler  protocol.Handler
	sweeper  Sweeper
	typing   TypingStopper
	upgrader *websocket.Upgrader
	config   *WSConfig
	logger   clog.Logger
}

// NewWebSocket 创建 WebSocket 处理器
func NewWebSocket(
	auth middleware.Authenticator,
	registry *connection.Registry,
	handler protocol.Handler,
	sweeper Sweeper,
	typing TypingStopper,
	cfg *WSConfig,
	logger clog.Logger,
) *WebSocket {
	if cfg == nil {
		cfg = DefaultWSConfig()
	}
	return &WebSocket{
		auth:     auth,
		registry: registry,
		handler:  handler,
		sweeper:  sweeper,
		typing:   typing,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// 凭证在握手时校验，不依赖 Origin
				return true
			},
		},
		config: cfg,
		logger: logger,
	}
}

// Handle 处理 WebSocket 握手，凭证可以放在 Authorization 头或 ?token= 中
// 校验失败时拒绝升级，不会创建任何连接状态。
func (ws *WebSocket) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	identity, err := ws.auth.Validate(ctx, middleware.Credential(c))
	if err != nil {
		observability.RecordAuthRejected(ctx)
		ws.logger.WarnContext(ctx, "websocket connection rejected",
			clog.String("remote_addr", c.Request.RemoteAddr),
			clog.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    string(service.CodeUnauthenticated),
			"message": service.MessageOf(err),
		})
		return
	}

	wsConn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ws.logger.ErrorContext(ctx, "failed to upgrade websocket",
			clog.String("user_id", identity.ID),
			clog.Error(err))
		return
	}

	// 连接级 Context 只保留 trace 信息，不随 HTTP 请求结束而取消
	connCtx := middleware.WithTraceID(context.WithoutCancel(ctx), middleware.GetTraceID(ctx))
	conn := connection.NewConn(connCtx, identity, wsConn, ws.handler, connection.Settings{
		MaxMessageSize: ws.config.MaxMessageSize * 1024,
		PingInterval:   time.Duration(ws.config.PingInterval) * time.Second,
		PongTimeout:    time.Duration(ws.config.PongTimeout) * time.Second,
	}, ws.onClose, ws.logger)

	ws.registry.Register(connCtx, conn)
	observability.RecordConnectionEstablished(connCtx)
	observability.SetConnectionsActive(connCtx, ws.registry.Count())

	conn.Run()

	ws.logger.InfoContext(connCtx, "websocket connection established",
		clog.String("user_id", identity.ID),
		clog.String("conn_id", conn.ID()),
		clog.String("remote_addr", conn.RemoteAddr()))

	// 每个新连接都触发一次补送达
	go func() {
		if _, err := ws.sweeper.Sweep(connCtx, identity.ID); err != nil {
			ws.logger.WarnContext(connCtx, "undelivered sweep failed",
				clog.String("user_id", identity.ID),
				clog.Error(err))
		}
	}()
}

// onClose 注销连接并清理该连接相关的输入状态
func (ws *WebSocket) onClose(conn *connection.Conn) {
	ctx := context.Background()
	rooms := ws.registry.Unregister(ctx, conn)
	if len(rooms) > 0 {
		ws.typing.StopAll(ctx, conn.UserID(), rooms)
	}
	observability.SetConnectionsActive(ctx, ws.registry.Count())

	ws.logger.Info("websocket connection closed",
		clog.String("user_id", conn.UserID()),
		clog.String("conn_id", conn.ID()),
		clog.Int("rooms", len(rooms)))
}
