package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/chorus/blob"
	"github.com/ceyewan/chorus/logic/job"
	"github.com/ceyewan/chorus/logic/notify"
	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/chorus/pkg/health"
	"github.com/ceyewan/chorus/relay/api"
	"github.com/ceyewan/chorus/relay/config"
	"github.com/ceyewan/chorus/relay/connection"
	"github.com/ceyewan/chorus/relay/handler"
	"github.com/ceyewan/chorus/relay/observability"
	"github.com/ceyewan/chorus/relay/push"
	"github.com/ceyewan/chorus/relay/server"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/ratelimit"
)

// Relay 单进程聊天中继的生命周期管理器
type Relay struct {
	config *config.Config
	logger clog.Logger

	httpServer  *server.HTTPServer
	healthProbe *health.Probe

	resources *resources
	ctx       context.Context
	cancel    context.CancelFunc
}

// resources 内部资源聚合，方便统一关闭
type resources struct {
	postgresConn connector.PostgreSQLConnector
	redisConn    connector.RedisConnector
	natsConn     connector.NATSConnector
	database     db.DB
	mqClient     mq.Client

	userRepo     repo.UserRepo
	roomRepo     repo.RoomRepo
	messageRepo  repo.MessageRepo
	outboxRepo   repo.OutboxRepo
	presenceRepo repo.PresenceRepo

	registry    *connection.Registry
	publisher   *notify.Publisher
	outboxRelay *job.OutboxRelay
}

// New 创建 Relay 实例
func New() (*Relay, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		config:    cfg,
		resources: &resources{},
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := r.initComponents(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// initComponents 初始化所有组件
func (r *Relay) initComponents() error {
	// 1. 可观测性
	obs := r.config.Observability
	if err := observability.Init(&observability.Config{
		ServiceName: r.config.GetServiceName(),
		Trace: observability.TraceConfig{
			Disable:  obs.Trace.Disable,
			Endpoint: obs.Trace.Endpoint,
			Insecure: obs.Trace.Insecure,
			Sampler:  obs.Trace.Sampler,
		},
		Metrics: observability.MetricsConfig{
			Port:          obs.Metrics.Port,
			Path:          obs.Metrics.Path,
			EnableRuntime: obs.Metrics.EnableRuntime,
		},
	}); err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	// 2. Logger
	logger, err := observability.NewLogger(&r.config.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	r.logger = logger

	// 3. 外部连接
	if err := r.initBaseResources(); err != nil {
		return err
	}

	// 4. 仓储
	if err := r.initRepos(); err != nil {
		return err
	}

	// 5. 通知出口
	if err := r.initNotify(); err != nil {
		return err
	}

	// 6. 业务服务与接口
	return r.initServers()
}

// initBaseResources 初始化 PostgreSQL、Redis、NATS
func (r *Relay) initBaseResources() error {
	res := r.resources

	postgresConn, err := connector.NewPostgreSQL(&r.config.Postgres, connector.WithLogger(r.logger))
	if err != nil {
		return fmt.Errorf("postgres init: %w", err)
	}
	res.postgresConn = postgresConn
	if err := postgresConn.Connect(r.ctx); err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}

	database, err := db.New(&db.Config{Driver: "postgresql"},
		db.WithPostgreSQLConnector(postgresConn),
		db.WithLogger(r.logger))
	if err != nil {
		return fmt.Errorf("db init: %w", err)
	}
	res.database = database

	redisConn, err := connector.NewRedis(&r.config.Redis, connector.WithLogger(r.logger))
	if err != nil {
		return fmt.Errorf("redis init: %w", err)
	}
	res.redisConn = redisConn
	if err := redisConn.Connect(r.ctx); err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}

	if r.config.Notify.Disable {
		r.logger.Warn("notification publishing disabled, nats not connected")
		return nil
	}

	natsConn, err := connector.NewNATS(&r.config.NATS, connector.WithLogger(r.logger))
	if err != nil {
		return fmt.Errorf("nats init: %w", err)
	}
	res.natsConn = natsConn
	if err := natsConn.Connect(r.ctx); err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	mqClient, err := mq.New(natsConn, &mq.Config{Driver: mq.DriverNatsCore}, mq.WithLogger(r.logger))
	if err != nil {
		return fmt.Errorf("mq init: %w", err)
	}
	res.mqClient = mqClient
	return nil
}

// initRepos 初始化仓储层
func (r *Relay) initRepos() error {
	res := r.resources
	opt := repo.WithLogger(r.logger)

	var err error
	if res.userRepo, err = repo.NewUserRepo(res.database, opt); err != nil {
		return fmt.Errorf("user repo: %w", err)
	}
	if res.roomRepo, err = repo.NewRoomRepo(res.database, opt); err != nil {
		return fmt.Errorf("room repo: %w", err)
	}
	if res.messageRepo, err = repo.NewMessageRepo(res.database, opt); err != nil {
		return fmt.Errorf("message repo: %w", err)
	}
	if res.outboxRepo, err = repo.NewOutboxRepo(res.database, opt); err != nil {
		return fmt.Errorf("outbox repo: %w", err)
	}
	if res.presenceRepo, err = repo.NewPresenceRepo(res.redisConn, opt); err != nil {
		return fmt.Errorf("presence repo: %w", err)
	}
	return nil
}

// initNotify 初始化通知发布与 outbox 补偿
func (r *Relay) initNotify() error {
	res := r.resources
	if res.mqClient == nil {
		return nil
	}
	topic := r.config.Notify.GetTopic()
	res.publisher = notify.NewPublisher(res.mqClient, res.outboxRepo, topic, r.logger)
	res.outboxRelay = job.NewOutboxRelay(res.outboxRepo, res.mqClient, r.config.Outbox.GetTickerTime(), r.logger)
	return nil
}

// initServers 组装服务层、连接注册表与 HTTP 接口
func (r *Relay) initServers() error {
	res := r.resources

	// 注册表的上下线回调需要 presence，而 presence 又依赖注册表做可达性判断
	var presence *service.PresenceService
	res.registry = connection.NewRegistry(connection.Hooks{
		OnOnline: func(ctx context.Context, userID string) {
			if err := presence.OnOnline(ctx, userID); err != nil {
				r.logger.ErrorContext(ctx, "presence online transition failed",
					clog.String("user_id", userID), clog.Error(err))
			}
		},
		OnOffline: func(ctx context.Context, userID string, at time.Time) {
			if err := presence.OnOffline(ctx, userID, at); err != nil {
				r.logger.ErrorContext(ctx, "presence offline transition failed",
					clog.String("user_id", userID), clog.Error(err))
			}
		},
	}, r.logger)

	dispatcher := push.NewDispatcher(res.registry, r.logger)

	blobs, err := blob.NewStore(r.config.Blob.GetDir(), r.config.Blob.GetURLPrefix(), r.config.Blob.GetMaxSize(), r.logger)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	var notifier service.Notifier
	if res.publisher != nil {
		notifier = res.publisher
	}

	guard := service.NewGuard(res.roomRepo, r.logger)
	gate := service.NewIdentityGate(res.userRepo, r.config.Auth.Secret, r.config.Auth.Issuer, r.logger)
	messages := service.NewMessageService(guard, res.userRepo, res.roomRepo, res.messageRepo,
		res.registry, dispatcher, notifier, blobs, r.logger)
	presence = service.NewPresenceService(res.userRepo, res.roomRepo, res.messageRepo, res.presenceRepo,
		res.registry, dispatcher, service.NewMemberPolicy(res.roomRepo), r.logger)
	rooms := service.NewRoomService(res.userRepo, res.roomRepo, res.messageRepo, r.logger)
	typing := service.NewTypingAggregator(guard, dispatcher, r.logger)
	uploads := service.NewAttachmentService(res.messageRepo, blobs, r.logger)

	limiter, err := ratelimit.New(&ratelimit.Config{
		Driver: ratelimit.DriverStandalone,
	}, ratelimit.WithLogger(r.logger))
	if err != nil {
		return fmt.Errorf("ratelimit init: %w", err)
	}

	rl := r.config.RateLimit
	eventHandler := handler.New(messages, presence, rooms, typing, guard, res.registry, r.logger,
		handler.WithRateLimit(limiter, ratelimit.Limit{Rate: rl.GetEventRate(), Burst: rl.GetEventBurst()}))

	ws := r.config.WSConfig
	wsHandler := api.NewWebSocket(gate, res.registry, eventHandler, presence, typing, &api.WSConfig{
		ReadBufferSize:  ws.ReadBufferSize,
		WriteBufferSize: ws.WriteBufferSize,
		MaxMessageSize:  int64(ws.MaxMessageSize),
		PingInterval:    ws.PingInterval,
		PongTimeout:     ws.PongTimeout,
	}, r.logger)

	r.healthProbe = health.NewProbe()
	r.healthProbe.AddCheck("postgres", func(ctx context.Context) error {
		sqlDB, err := res.database.DB(ctx).DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	r.healthProbe.AddCheck("redis", func(ctx context.Context) error {
		return res.redisConn.GetClient().Ping(ctx).Err()
	})

	ipLimit := ratelimit.Limit{Rate: rl.GetIPRate(), Burst: rl.GetIPBurst()}
	r.httpServer = server.NewHTTPServer(r.config.GetHTTPAddr(), &server.Routes{
		WebSocket:  wsHandler,
		API:        api.NewHTTPAPI(rooms, messages, presence, uploads, r.logger),
		Auth:       gate,
		Probe:      r.healthProbe,
		Limiter:    limiter,
		IPLimit:    ipLimit,
		APILimit:   ipLimit,
		BlobPrefix: blobs.URLPrefix(),
		BlobDir:    blobs.Dir(),
	}, r.logger)

	return nil
}

// Run 启动后台任务与 HTTP 服务
func (r *Relay) Run() error {
	r.logger.Info("starting relay servers...")
	r.healthProbe.SetReady(false)
	r.healthProbe.SetShutdown(false)

	if r.resources.outboxRelay != nil {
		go r.resources.outboxRelay.Start(r.ctx)
	}

	go func() {
		if err := r.httpServer.Start(); err != nil {
			r.logger.Error("http server failed", clog.Error(err))
			r.cancel()
		}
	}()

	r.healthProbe.SetReady(true)
	r.logger.Info("relay started",
		clog.String("service", r.config.GetServiceName()),
		clog.String("addr", r.config.GetHTTPAddr()))
	return nil
}

// Done 在 HTTP 服务异常退出时关闭
func (r *Relay) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Close 优雅关闭资源
func (r *Relay) Close() error {
	if r.logger != nil {
		r.logger.Info("shutting down relay...")
	}
	if r.healthProbe != nil {
		r.healthProbe.SetReady(false)
		r.healthProbe.SetShutdown(true)
	}
	r.cancel()

	// 1. 停止接收新连接
	if r.httpServer != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.httpServer.Stop(httpCtx); err != nil && r.logger != nil {
			r.logger.Warn("http server shutdown failed", clog.Error(err))
		}
		httpCancel()
	}

	// 2. 关闭连接与外部资源（带超时控制）
	res := r.resources
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if res.registry != nil {
			res.registry.Close()
		}
		// 等待进行中的通知写完 outbox
		if res.publisher != nil {
			res.publisher.Wait()
		}
		if res.natsConn != nil {
			res.natsConn.Close()
		}
		if res.presenceRepo != nil {
			res.presenceRepo.Close()
		}
		if res.redisConn != nil {
			res.redisConn.Close()
		}
		if res.database != nil {
			res.database.Close()
		}
		if res.postgresConn != nil {
			res.postgresConn.Close()
		}
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		if r.logger != nil {
			r.logger.Warn("resource shutdown timed out after 10s, some connections may not be closed cleanly")
		}
	}

	// 3. 可观测性
	if err := observability.Shutdown(context.Background()); err != nil && r.logger != nil {
		r.logger.Error("observability shutdown failed", clog.Error(err))
	}
	return nil
}
