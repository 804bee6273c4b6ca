package health

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
)

const checkTimeout = time.Second

// CheckFunc 依赖检查，返回 nil 表示可用
type CheckFunc func(ctx context.Context) error

// Probe 维护进程的存活与就绪状态
// 就绪要求：SetReady(true)、未进入关闭流程、所有依赖检查通过。
type Probe struct {
	ready    atomic.Bool
	shutdown atomic.Bool

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewProbe 创建探针
func NewProbe() *Probe {
	return &Probe{checks: make(map[string]CheckFunc)}
}

// SetReady 设置就绪状态
func (p *Probe) SetReady(ready bool) {
	p.ready.Store(ready)
}

// SetShutdown 标记进入关闭流程，之后 /ready 一律返回 503
func (p *Probe) SetShutdown(shutdown bool) {
	p.shutdown.Store(shutdown)
}

// AddCheck 注册一个依赖检查，同名覆盖
func (p *Probe) AddCheck(name string, check CheckFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[name] = check
}

// Ready 计算当前就绪状态，返回失败的依赖名
func (p *Probe) Ready(ctx context.Context) (bool, []string) {
	if !p.ready.Load() || p.shutdown.Load() {
		return false, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var failed []string
	for name, check := range p.checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return len(failed) == 0, failed
}

// Register 挂载 /health 与 /ready
func (p *Probe) Register(routes gin.IRoutes) {
	routes.GET("/health", p.liveness)
	routes.GET("/ready", p.readiness)
}

func (p *Probe) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (p *Probe) readiness(c *gin.Context) {
	ok, failed := p.Ready(c.Request.Context())
	if !ok {
		body := gin.H{"status": "not_ready"}
		if len(failed) > 0 {
			body["failed"] = failed
		}
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Server 独立的健康检查服务，给没有业务 HTTP 端口的进程使用
type Server struct {
	logger clog.Logger
	probe  *Probe
	server *http.Server

	mu      sync.Mutex
	started bool
}

// NewServer 创建健康检查服务
func NewServer(addr string, logger clog.Logger) *Server {
	probe := NewProbe()

	router := gin.New()
	router.Use(gin.Recovery())
	probe.Register(router)

	return &Server{
		logger: logger,
		probe:  probe,
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
			IdleTimeout:  5 * time.Second,
		},
	}
}

// Probe 返回探针
func (s *Server) Probe() *Probe {
	return s.probe
}

// Start 监听端口并在后台提供服务，重复调用无副作用
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	s.started = true
	s.logger.Info("health server starting", clog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", clog.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务
func (s *Server) Stop(ctx context.Context) error {
	s.probe.SetShutdown(true)
	return s.server.Shutdown(ctx)
}
