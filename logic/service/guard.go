package service

import (
	"context"
	"errors"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
)

// Decision 成员资格判定结果
type Decision struct {
	Allowed bool
	// Self 目标是 self 房间
	Self bool
	// Member 房间成员记录，self 房间或非成员时为空
	Member *model.RoomMember
}

// Guard 房间成员守卫，每次都回源查询，不缓存成员关系
type Guard struct {
	roomRepo repo.RoomRepo
	logger   clog.Logger
}

// NewGuard 创建成员守卫
func NewGuard(roomRepo repo.RoomRepo, logger clog.Logger) *Guard {
	return &Guard{roomRepo: roomRepo, logger: logger}
}

// CanAct 判断用户能否在房间内操作
func (g *Guard) CanAct(ctx context.Context, userID, roomID string) (Decision, error) {
	if owner, ok := model.IsSelfRoom(roomID); ok {
		return Decision{Allowed: owner == userID, Self: true}, nil
	}

	member, err := g.roomRepo.GetMember(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Decision{}, nil
		}
		g.logger.Error("failed to check membership",
			clog.String("user_id", userID),
			clog.String("room_id", roomID),
			clog.Error(err))
		return Decision{}, storageError(err, "membership of %s in %s", userID, roomID)
	}
	return Decision{Allowed: member.Active(), Member: member}, nil
}

// Require 与 CanAct 相同，拒绝时返回 forbidden
func (g *Guard) Require(ctx context.Context, userID, roomID string) (Decision, error) {
	d, err := g.CanAct(ctx, userID, roomID)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		g.logger.Debug("membership check denied",
			clog.String("user_id", userID),
			clog.String("room_id", roomID))
		return d, forbidden("not an active member of this room")
	}
	return d, nil
}

// Audience 房间当前的活跃成员，房间广播只投递给他们
// self 房间只有拥有者；查询失败时返回空，本次广播跳过。
func (g *Guard) Audience(ctx context.Context, roomID string) []string {
	return activeAudience(ctx, g.roomRepo, roomID, g.logger)
}

func activeAudience(ctx context.Context, roomRepo repo.RoomRepo, roomID string, logger clog.Logger) []string {
	if owner, ok := model.IsSelfRoom(roomID); ok {
		return []string{owner}
	}
	members, err := roomRepo.GetActiveMembers(ctx, roomID)
	if err != nil {
		logger.WarnContext(ctx, "failed to load room audience",
			clog.String("room_id", roomID),
			clog.Error(err))
		return nil
	}
	return memberIDs(members)
}
