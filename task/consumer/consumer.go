package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/ceyewan/chorus/logic/notify"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/ceyewan/genesis/xerrors"
)

// Sink 通知事件的落地方
type Sink interface {
	Deliver(ctx context.Context, evt *notify.Event) error
}

// errMalformed 无法解析的消息，不重试
var errMalformed = errors.New("malformed notification")

// Consumer 通知主题的队列组消费者
type Consumer struct {
	mqClient mq.Client
	sink     Sink
	config   Config
	logger   clog.Logger

	subscription mq.Subscription
	ctx          context.Context
	cancel       context.CancelFunc
}

// Config 消费者配置
type Config struct {
	Topic         string
	QueueGroup    string
	MaxRetry      int
	RetryInterval time.Duration
}

// NewConsumer 创建消费者
func NewConsumer(mqClient mq.Client, sink Sink, config Config, logger clog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	if config.MaxRetry <= 0 {
		config.MaxRetry = 1
	}

	return &Consumer{
		mqClient: mqClient,
		sink:     sink,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 订阅主题，同一队列组内的多个实例分摊消息
func (c *Consumer) Start() error {
	c.logger.Info("starting consumer",
		clog.String("topic", c.config.Topic),
		clog.String("queue_group", c.config.QueueGroup))

	sub, err := c.mqClient.QueueSubscribe(c.ctx, c.config.Topic, c.config.QueueGroup, c.handleMessage)
	if err != nil {
		return xerrors.Wrapf(err, "failed to subscribe to topic %s", c.config.Topic)
	}

	c.subscription = sub
	c.logger.Info("consumer started")
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg mq.Message) error {
	err := c.handle(ctx, msg.Data())
	switch {
	case err == nil, errors.Is(err, errMalformed):
		// 无法解析的消息直接 Ack，避免反复投递
		msg.Ack()
		return nil
	default:
		msg.Nak()
		return err
	}
}

// handle 解析并投递一条通知
func (c *Consumer) handle(ctx context.Context, data []byte) error {
	evt, err := notify.Decode(data)
	if err != nil {
		c.logger.Error("failed to decode notification", clog.Error(err))
		return errMalformed
	}

	if err := c.deliverWithRetry(ctx, evt); err != nil {
		c.logger.Error("failed to deliver notification after retries",
			clog.String("kind", string(evt.Kind)),
			clog.Int64("message_id", evt.MessageID),
			clog.Error(err))
		return err
	}

	c.logger.Debug("notification delivered",
		clog.String("kind", string(evt.Kind)),
		clog.Int64("message_id", evt.MessageID),
		clog.Int("recipients", len(evt.RecipientIDs)))
	return nil
}

func (c *Consumer) deliverWithRetry(ctx context.Context, evt *notify.Event) error {
	var lastErr error
	for i := 0; i < c.config.MaxRetry; i++ {
		if i > 0 {
			c.logger.Warn("retrying notification",
				clog.Int64("message_id", evt.MessageID),
				clog.Int("attempt", i+1),
				clog.Int("max_retry", c.config.MaxRetry))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(c.config.RetryInterval):
			}
		}

		if lastErr = c.sink.Deliver(ctx, evt); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")
	c.cancel()

	if c.subscription != nil {
		if err := c.subscription.Unsubscribe(); err != nil {
			c.logger.Error("failed to unsubscribe", clog.Error(err))
		}
	}

	c.logger.Info("consumer stopped")
	return nil
}
