package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ceyewan/chorus/pkg/health"
	"github.com/ceyewan/chorus/relay/api"
	"github.com/ceyewan/chorus/relay/middleware"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
)

const slowRequestThreshold = 500 * time.Millisecond

// Routes 路由依赖
type Routes struct {
	WebSocket *api.WebSocket
	API       *api.HTTPAPI
	Auth      middleware.Authenticator
	Probe     *health.Probe

	// Limiter 为空时不限流
	Limiter  middleware.Limiter
	IPLimit  ratelimit.Limit
	APILimit ratelimit.Limit

	// BlobPrefix 与 BlobDir 同时设置时挂载附件静态目录
	BlobPrefix string
	BlobDir    string
}

// HTTPServer HTTP 与 WebSocket 共用一个端口
type HTTPServer struct {
	addr   string
	logger clog.Logger
	router *gin.Engine
	server *http.Server
}

// NewHTTPServer 创建 HTTP 服务并注册全部路由
func NewHTTPServer(addr string, routes *Routes, logger clog.Logger) *HTTPServer {
	router := gin.New()

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.SlowQueryDetector(logger, slowRequestThreshold))

	var limits *middleware.RateLimitConfig
	if routes.Limiter != nil {
		limits = middleware.NewRateLimitConfig(routes.Limiter, logger)
		router.Use(limits.GlobalIP(routes.IPLimit))
	}

	if routes.Probe != nil {
		routes.Probe.Register(router)
	}

	// WebSocket 握手自己校验凭证，失败返回 401 而不是升级
	router.GET("/ws", routes.WebSocket.Handle)

	group := router.Group("/api", middleware.RequireAuth(routes.Auth, logger))
	if limits != nil {
		group.Use(limits.UserBased(routes.APILimit))
	}
	routes.API.Register(group)

	if routes.BlobPrefix != "" && routes.BlobDir != "" {
		router.Static(routes.BlobPrefix, routes.BlobDir)
	}

	return &HTTPServer{
		addr:   addr,
		logger: logger,
		router: router,
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler 返回路由，便于测试直接驱动
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，阻塞直到关闭
func (s *HTTPServer) Start() error {
	s.logger.Info("http server started", clog.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止 HTTP 服务
// 已升级的 WebSocket 连接不受 Shutdown 管理，由连接注册表负责关闭。
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
