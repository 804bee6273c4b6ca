package job

import (
	"context"
	"time"

	"github.com/ceyewan/chorus/logic/notify"
	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
)

const (
	BatchSize  = 100
	MaxRetries = 5
	TickerTime = time.Second
)

// OutboxRelay 扫描通知补发表，把发布失败的通知重新投递到 MQ
type OutboxRelay struct {
	outboxRepo repo.OutboxRepo
	publish    notify.PublishFunc
	interval   time.Duration
	logger     clog.Logger
}

// NewOutboxRelay 创建补发任务，interval 为 0 时使用 TickerTime
func NewOutboxRelay(outboxRepo repo.OutboxRepo, mqClient mq.Client, interval time.Duration, logger clog.Logger) *OutboxRelay {
	return newOutboxRelay(outboxRepo, func(ctx context.Context, topic string, data []byte) error {
		return mqClient.Publish(ctx, topic, data)
	}, interval, logger)
}

func newOutboxRelay(outboxRepo repo.OutboxRepo, publish notify.PublishFunc, interval time.Duration, logger clog.Logger) *OutboxRelay {
	if interval <= 0 {
		interval = TickerTime
	}
	return &OutboxRelay{
		outboxRepo: outboxRepo,
		publish:    publish,
		interval:   interval,
		logger:     logger.WithNamespace("outbox_relay"),
	}
}

// Start 启动补发任务，阻塞直到 ctx 取消
func (j *OutboxRelay) Start(ctx context.Context) {
	j.logger.Info("starting outbox relay job", clog.Duration("interval", j.interval))
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("outbox relay job stopped")
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						j.logger.Error("panic in outbox relay job", clog.Any("panic", r))
					}
				}()
				j.processPending(ctx)
			}()
		}
	}
}

func (j *OutboxRelay) processPending(ctx context.Context) {
	items, err := j.outboxRepo.GetPendingOutbox(ctx, BatchSize)
	if err != nil {
		j.logger.Error("failed to get pending outbox", clog.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}

	j.logger.Debug("processing pending outbox", clog.Int("count", len(items)))
	for _, item := range items {
		j.relay(ctx, item)
	}
}

func (j *OutboxRelay) relay(ctx context.Context, item *model.NotifyOutbox) {
	if err := j.publish(ctx, item.Topic, item.Payload); err != nil {
		j.logger.Warn("failed to relay notify event",
			clog.Int64("id", item.ID),
			clog.String("topic", item.Topic),
			clog.Error(err))

		// 平方退避
		retryCount := item.RetryCount + 1
		if retryCount > MaxRetries {
			_ = j.outboxRepo.UpdateOutboxStatus(ctx, item.ID, model.OutboxStatusFailed)
			j.logger.Error("notify event reached max retries, marked as failed", clog.Int64("id", item.ID))
			return
		}

		nextRetry := time.Now().Add(time.Duration(retryCount*retryCount) * time.Second)
		_ = j.outboxRepo.UpdateOutboxRetry(ctx, item.ID, nextRetry, retryCount)
		return
	}

	if err := j.outboxRepo.UpdateOutboxStatus(ctx, item.ID, model.OutboxStatusSent); err != nil {
		j.logger.Error("failed to update status after relay",
			clog.Int64("id", item.ID),
			clog.Error(err))
	}
}
