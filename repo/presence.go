package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/genesis/cache"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/redis/go-redis/v9"
)

const (
	presencePrefix    = "chorus:presence:"
	presenceOnlineSet = "chorus:presence:online"
	// 快照过期时间，防止实例崩溃后残留在线状态
	presenceTTL = 24 * time.Hour
)

// 确保 presenceRepo 实现了 PresenceRepo 接口
var _ PresenceRepo = (*presenceRepo)(nil)

// presenceRepo PresenceRepo 的 Redis 实现
// 快照通过 genesis cache 存储，在线集合直接使用 go-redis 客户端维护。
type presenceRepo struct {
	cache  cache.Cache
	client redis.Cmdable
	logger clog.Logger
}

// NewPresenceRepo 创建 PresenceRepo 实例
func NewPresenceRepo(redisConn connector.RedisConnector, opts ...Option) (PresenceRepo, error) {
	if redisConn == nil {
		return nil, fmt.Errorf("redis connector cannot be nil")
	}
	logger, err := newLogger("presence_repo", opts)
	if err != nil {
		return nil, err
	}

	cacheInstance, err := cache.New(&cache.Config{
		Driver:     cache.DriverRedis,
		Prefix:     presencePrefix,
		Serializer: "json",
	}, cache.WithRedisConnector(redisConn), cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache instance: %w", err)
	}

	return &presenceRepo{
		cache:  cacheInstance,
		client: redisConn.GetClient(),
		logger: logger,
	}, nil
}

// SetOnline 标记用户在线
func (r *presenceRepo) SetOnline(ctx context.Context, userID string) error {
	return r.write(ctx, &model.Presence{
		UserID:    userID,
		Online:    true,
		UpdatedAt: time.Now().UnixMilli(),
	})
}

// SetOffline 标记用户离线并记录最后在线时间
func (r *presenceRepo) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	return r.write(ctx, &model.Presence{
		UserID:     userID,
		Online:     false,
		LastSeenAt: lastSeen,
		UpdatedAt:  time.Now().UnixMilli(),
	})
}

func (r *presenceRepo) write(ctx context.Context, p *model.Presence) error {
	if p.UserID == "" {
		return fmt.Errorf("user_id cannot be empty")
	}

	if err := r.cache.Set(ctx, r.buildUserKey(p.UserID), p, presenceTTL); err != nil {
		r.logger.ErrorContext(ctx, "写入在线状态快照失败",
			clog.String("user_id", p.UserID),
			clog.Error(err))
		return fmt.Errorf("failed to set presence: %w", err)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if p.Online {
			pipe.SAdd(ctx, presenceOnlineSet, p.UserID)
		} else {
			pipe.SRem(ctx, presenceOnlineSet, p.UserID)
		}
		return nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "更新在线集合失败",
			clog.String("user_id", p.UserID),
			clog.Error(err))
		return fmt.Errorf("failed to update online set: %w", err)
	}

	r.logger.DebugContext(ctx, "在线状态已更新",
		clog.String("user_id", p.UserID),
		clog.Any("online", p.Online))
	return nil
}

// GetPresence 获取在线状态快照
func (r *presenceRepo) GetPresence(ctx context.Context, userID string) (*model.Presence, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}

	// cache.Get 返回错误时视为未命中，调用方回退到数据库
	var p model.Presence
	if err := r.cache.Get(ctx, r.buildUserKey(userID), &p); err != nil {
		r.logger.DebugContext(ctx, "在线状态快照未命中",
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("presence %s: %w", userID, ErrNotFound)
	}
	return &p, nil
}

// IsOnline 查询在线集合
func (r *presenceRepo) IsOnline(ctx context.Context, userID string) (bool, error) {
	online, err := r.client.SIsMember(ctx, presenceOnlineSet, userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query online set: %w", err)
	}
	return online, nil
}

// buildUserKey 构建用户快照的 key（不含前缀，前缀由 cache 组件添加）
func (r *presenceRepo) buildUserKey(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// Close 关闭资源
func (r *presenceRepo) Close() error {
	if r.cache != nil {
		return r.cache.Close()
	}
	return nil
}
