package notify

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/mq"
	"github.com/goccy/go-json"
)

// DefaultTopic 通知主题
const DefaultTopic = "chorus.notify"

const publishTimeout = 5 * time.Second

// PublishFunc 发布原始数据到主题
type PublishFunc func(ctx context.Context, topic string, data []byte) error

// Publisher 把通知事件异步发布到 MQ，发布失败时写入 outbox 由后台任务补发
type Publisher struct {
	publish PublishFunc
	outbox  repo.OutboxRepo
	topic   string
	logger  clog.Logger

	wg sync.WaitGroup
}

// NewPublisher 基于 MQ 客户端创建发布器，outbox 为空时失败事件只记日志
func NewPublisher(client mq.Client, outbox repo.OutboxRepo, topic string, logger clog.Logger) *Publisher {
	return NewPublisherFunc(func(ctx context.Context, topic string, data []byte) error {
		return client.Publish(ctx, topic, data)
	}, outbox, topic, logger)
}

// NewPublisherFunc 使用自定义发布函数创建发布器
func NewPublisherFunc(publish PublishFunc, outbox repo.OutboxRepo, topic string, logger clog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		publish: publish,
		outbox:  outbox,
		topic:   topic,
		logger:  logger.WithNamespace("notify"),
	}
}

// Notify 异步发布，不阻塞调用方
func (p *Publisher) Notify(ctx context.Context, evt *Event) {
	if evt == nil || len(evt.RecipientIDs) == 0 {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("failed to marshal notify event", clog.Error(err))
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// 使用独立的超时 context，避免受到请求 context 取消的影响
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		if err := p.publish(pubCtx, p.topic, data); err != nil {
			p.logger.Warn("failed to publish notify event",
				clog.String("kind", string(evt.Kind)),
				clog.Int64("msg_id", evt.MessageID),
				clog.Error(err))
			p.fallback(pubCtx, data)
			return
		}
		p.logger.Debug("notify event published",
			clog.String("kind", string(evt.Kind)),
			clog.Int64("msg_id", evt.MessageID))
	}()
}

func (p *Publisher) fallback(ctx context.Context, data []byte) {
	if p.outbox == nil {
		return
	}
	if err := p.outbox.SaveOutbox(ctx, &model.NotifyOutbox{
		Topic:   p.topic,
		Payload: data,
		Status:  model.OutboxStatusPending,
	}); err != nil {
		p.logger.Error("failed to save notify outbox", clog.Error(err))
	}
}

// Wait 等待进行中的发布完成
func (p *Publisher) Wait() {
	p.wg.Wait()
}

// Decode 解析通知事件
func Decode(data []byte) (*Event, error) {
	evt := &Event{}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, err
	}
	return evt, nil
}
