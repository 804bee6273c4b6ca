package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
)

// outboxRepo 实现 OutboxRepo 接口
type outboxRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewOutboxRepo 创建 OutboxRepo 实例
func NewOutboxRepo(database db.DB, opts ...Option) (OutboxRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	logger, err := newLogger("outbox_repo", opts)
	if err != nil {
		return nil, err
	}
	return &outboxRepo{db: database, logger: logger}, nil
}

// SaveOutbox 写入待补发通知
func (r *outboxRepo) SaveOutbox(ctx context.Context, outbox *model.NotifyOutbox) error {
	if outbox == nil {
		return fmt.Errorf("outbox cannot be nil")
	}
	if outbox.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if outbox.NextRetryTime.IsZero() {
		outbox.NextRetryTime = time.Now()
	}

	if err := r.db.DB(ctx).Create(outbox).Error; err != nil {
		r.logger.Error("写入通知补发表失败",
			clog.String("topic", outbox.Topic),
			clog.Error(err))
		return fmt.Errorf("failed to save outbox: %w", err)
	}
	return nil
}

// GetPendingOutbox 获取到期的待补发通知
func (r *outboxRepo) GetPendingOutbox(ctx context.Context, limit int) ([]*model.NotifyOutbox, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []*model.NotifyOutbox
	if err := r.db.DB(ctx).Where("status = ? AND next_retry_time <= ?", model.OutboxStatusPending, time.Now()).
		Order("id ASC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to get pending outbox: %w", err)
	}
	return items, nil
}

// UpdateOutboxStatus 更新状态
func (r *outboxRepo) UpdateOutboxStatus(ctx context.Context, id int64, status int) error {
	if err := r.db.DB(ctx).Model(&model.NotifyOutbox{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update outbox status: %w", err)
	}
	return nil
}

// UpdateOutboxRetry 更新重试信息
func (r *outboxRepo) UpdateOutboxRetry(ctx context.Context, id int64, nextRetry time.Time, count int) error {
	if err := r.db.DB(ctx).Model(&model.NotifyOutbox{}).Where("id = ?", id).Updates(map[string]any{
		"next_retry_time": nextRetry,
		"retry_count":     count,
	}).Error; err != nil {
		return fmt.Errorf("failed to update outbox retry: %w", err)
	}
	return nil
}

// Close 释放资源
func (r *outboxRepo) Close() error {
	r.logger.Info("关闭 OutboxRepo")
	return nil
}
