package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm"
)

// userRepo 实现 UserRepo 接口
type userRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewUserRepo 创建 UserRepo 实例
func NewUserRepo(database db.DB, opts ...Option) (UserRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	logger, err := newLogger("user_repo", opts)
	if err != nil {
		return nil, err
	}
	return &userRepo{db: database, logger: logger}, nil
}

// GetUser 根据 ID 获取用户
func (r *userRepo) GetUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}

	var user model.User
	if err := r.db.DB(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		r.logger.Error("获取用户失败",
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetUsers 批量获取用户（避免 N+1 查询）
func (r *userRepo) GetUsers(ctx context.Context, userIDs []string) ([]*model.User, error) {
	if len(userIDs) == 0 {
		return []*model.User{}, nil
	}

	var users []*model.User
	if err := r.db.DB(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		r.logger.Error("批量获取用户失败",
			clog.Int("count", len(userIDs)),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	return users, nil
}

// SetPresence 持久化在线标记与最后在线时间
func (r *userRepo) SetPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time) error {
	if userID == "" {
		return fmt.Errorf("user_id cannot be empty")
	}

	updates := map[string]any{"is_online": online}
	if lastSeen != nil {
		updates["last_seen_at"] = *lastSeen
	}

	result := r.db.DB(ctx).Model(&model.User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		r.logger.Error("更新在线状态失败",
			clog.String("user_id", userID),
			clog.Any("online", online),
			clog.Error(result.Error))
		return fmt.Errorf("failed to set presence: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// Close 释放资源
func (r *userRepo) Close() error {
	r.logger.Info("关闭 UserRepo")
	return nil
}
