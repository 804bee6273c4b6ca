package task

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/chorus/pkg/health"
	"github.com/ceyewan/chorus/task/consumer"
	"github.com/ceyewan/chorus/task/sink"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"
)

const (
	sinkLog   = "log"
	sinkInbox = "inbox"
)

// Task 通知消费服务
type Task struct {
	config *Config
	logger clog.Logger

	// 基础组件
	natsConn  connector.NATSConnector
	redisConn connector.RedisConnector
	mqClient  mq.Client

	// 业务组件
	consumer     *consumer.Consumer
	healthServer *health.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 Task 实例（内部加载配置）
func New() (*Task, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig 使用给定配置创建 Task 实例
func NewWithConfig(cfg *Config) (*Task, error) {
	logger, err := clog.New(&cfg.Log, clog.WithTraceContext())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := t.initComponents(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// initComponents 初始化连接、落地方式与消费者
func (t *Task) initComponents() error {
	var err error

	t.natsConn, err = connector.NewNATS(&t.config.NATS, connector.WithLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create nats connector")
	}
	if err := t.natsConn.Connect(t.ctx); err != nil {
		return xerrors.Wrapf(err, "failed to connect to nats")
	}

	t.mqClient, err = mq.New(t.natsConn, &mq.Config{Driver: mq.DriverNatsCore}, mq.WithLogger(t.logger))
	if err != nil {
		return xerrors.Wrapf(err, "failed to create mq client")
	}

	target, err := t.initSink()
	if err != nil {
		return err
	}

	c := t.config.Consumer
	t.consumer = consumer.NewConsumer(t.mqClient, target, consumer.Config{
		Topic:         c.GetTopic(),
		QueueGroup:    c.GetQueueGroup(),
		MaxRetry:      c.GetMaxRetry(),
		RetryInterval: c.GetRetryInterval(),
	}, t.logger)

	t.healthServer = health.NewServer(t.config.GetHealthAddr(), t.logger)
	return nil
}

// initSink 按配置选择落地方式，默认写日志
func (t *Task) initSink() (consumer.Sink, error) {
	switch t.config.Sink {
	case "", sinkLog:
		return sink.NewLogSink(t.logger), nil
	case sinkInbox:
		var err error
		t.redisConn, err = connector.NewRedis(&t.config.Redis, connector.WithLogger(t.logger))
		if err != nil {
			return nil, xerrors.Wrapf(err, "failed to create redis connector")
		}
		if err := t.redisConn.Connect(t.ctx); err != nil {
			return nil, xerrors.Wrapf(err, "failed to connect to redis")
		}
		return sink.NewInboxSink(t.redisConn.GetClient(), t.logger), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", t.config.Sink)
	}
}

// Run 启动健康检查与消费者，不阻塞
func (t *Task) Run() error {
	t.logger.Info("starting task service", clog.String("service", t.config.GetServiceName()))

	if err := t.healthServer.Start(); err != nil {
		return xerrors.Wrapf(err, "failed to start health server")
	}

	if err := t.consumer.Start(); err != nil {
		t.logger.Error("failed to start consumer", clog.Error(err))
		return err
	}

	t.healthServer.Probe().SetReady(true)
	t.logger.Info("task service started")
	return nil
}

// Close 关闭 Task 服务
func (t *Task) Close() error {
	t.logger.Info("shutting down task service")
	t.cancel()

	if t.healthServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := t.healthServer.Stop(ctx); err != nil {
			t.logger.Warn("health server shutdown failed", clog.Error(err))
		}
		cancel()
	}

	if t.consumer != nil {
		t.consumer.Stop()
	}

	if t.natsConn != nil {
		t.natsConn.Close()
	}
	if t.redisConn != nil {
		t.redisConn.Close()
	}

	t.logger.Info("task service stopped")
	return nil
}
