package service

import (
	"context"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
)

// RoomService 会话列表
type RoomService struct {
	userRepo repo.UserRepo
	roomRepo repo.RoomRepo
	views    *viewBuilder
	logger   clog.Logger
}

// NewRoomService 创建会话列表服务
func NewRoomService(userRepo repo.UserRepo, roomRepo repo.RoomRepo, messageRepo repo.MessageRepo, logger clog.Logger) *RoomService {
	return &RoomService{
		userRepo: userRepo,
		roomRepo: roomRepo,
		views:    &viewBuilder{userRepo: userRepo, messageRepo: messageRepo, logger: logger},
		logger:   logger,
	}
}

// ListRooms 获取用户的会话列表，按各自的最新消息指针倒序
// 单聊房间没有名字时展示对方的名字。
func (s *RoomService) ListRooms(ctx context.Context, userID string) ([]*protocol.RoomView, error) {
	summaries, err := s.roomRepo.ListRooms(ctx, userID)
	if err != nil {
		return nil, storageError(err, "rooms of %s", userID)
	}

	lasts := make([]*model.Message, 0, len(summaries))
	for _, sum := range summaries {
		if sum.LastMessage != nil {
			lasts = append(lasts, sum.LastMessage)
		}
	}
	lastViews := make(map[int64]*protocol.MessageView, len(lasts))
	for _, v := range s.views.build(ctx, lasts) {
		lastViews[v.ID] = v
	}

	views := make([]*protocol.RoomView, 0, len(summaries))
	for _, sum := range summaries {
		v := &protocol.RoomView{RoomID: sum.RoomKey, Unread: sum.Unread}
		if sum.LastMessage != nil {
			v.LastMessage = lastViews[sum.LastMessage.ID]
		}
		if sum.Room == nil {
			v.IsSelf = true
		} else {
			v.IsGroup = sum.Room.IsGroup
			v.Name = sum.Room.Name
			v.Avatar = sum.Room.Avatar
			if !sum.Room.IsGroup && v.Name == "" {
				s.fillPeer(ctx, v, userID)
			}
		}
		views = append(views, v)
	}
	return views, nil
}

// fillPeer 单聊使用对方的名字和头像，失败只记日志
func (s *RoomService) fillPeer(ctx context.Context, v *protocol.RoomView, userID string) {
	members, err := s.roomRepo.GetActiveMembers(ctx, v.RoomID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load direct room members", clog.String("room_id", v.RoomID), clog.Error(err))
		return
	}
	for _, m := range members {
		if m.UserID == userID {
			continue
		}
		u, err := s.userRepo.GetUser(ctx, m.UserID)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to load direct room peer", clog.String("user_id", m.UserID), clog.Error(err))
			return
		}
		peer := toUserView(u)
		v.Name = peer.DisplayName
		v.Avatar = peer.Avatar
		return
	}
}
