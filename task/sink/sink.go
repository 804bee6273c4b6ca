// Package sink 通知事件的落地实现
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/chorus/logic/notify"
	"github.com/ceyewan/genesis/clog"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	inboxPrefix = "chorus:inbox:"
	inboxSize   = 100
	inboxTTL    = 7 * 24 * time.Hour
)

// LogSink 以结构化日志记录通知
type LogSink struct {
	logger clog.Logger
}

// NewLogSink 创建日志落地
func NewLogSink(logger clog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Deliver 实现 consumer.Sink
func (s *LogSink) Deliver(ctx context.Context, evt *notify.Event) error {
	s.logger.InfoContext(ctx, "notification",
		clog.String("kind", string(evt.Kind)),
		clog.String("actor_id", evt.ActorID),
		clog.String("room_id", evt.RoomID),
		clog.Int64("message_id", evt.MessageID),
		clog.Any("recipient_ids", evt.RecipientIDs),
		clog.String("preview", evt.Preview))
	return nil
}

// InboxSink 每个接收者在 Redis 中维护一个定长列表，最新的在前
type InboxSink struct {
	client redis.Cmdable
	logger clog.Logger
}

// NewInboxSink 创建收件箱落地
func NewInboxSink(client redis.Cmdable, logger clog.Logger) *InboxSink {
	return &InboxSink{client: client, logger: logger}
}

// InboxKey 用户收件箱的键
func InboxKey(userID string) string {
	return inboxPrefix + userID
}

// Deliver 实现 consumer.Sink，所有接收者在一个 pipeline 内写入
func (s *InboxSink) Deliver(ctx context.Context, evt *notify.Event) error {
	if len(evt.RecipientIDs) == 0 {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, uid := range evt.RecipientIDs {
		key := InboxKey(uid)
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, inboxSize-1)
		pipe.Expire(ctx, key, inboxTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write inbox: %w", err)
	}
	return nil
}

// List 读取收件箱，最新的在前
func (s *InboxSink) List(ctx context.Context, userID string, limit int) ([]*notify.Event, error) {
	if limit <= 0 || limit > inboxSize {
		limit = inboxSize
	}
	raw, err := s.client.LRange(ctx, InboxKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	out := make([]*notify.Event, 0, len(raw))
	for _, item := range raw {
		evt, err := notify.Decode([]byte(item))
		if err != nil {
			s.logger.WarnContext(ctx, "skip malformed inbox entry",
				clog.String("user_id", userID), clog.Error(err))
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}
