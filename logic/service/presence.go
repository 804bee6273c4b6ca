package service

import (
	"context"
	"errors"
	"time"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
)

const sweepBatch = 500

// VisibilityPolicy 决定谁能看到用户的在线状态
type VisibilityPolicy interface {
	// Filter 从 viewers 中筛出可以看到 subject 在线状态的用户
	Filter(ctx context.Context, subject *model.User, viewers []string) ([]string, error)
}

// MemberPolicy 按用户的 presence_visibility 设置过滤：
// everyone 所有人可见，contacts 仅共享活跃房间的用户可见，nobody 仅本人可见。
type MemberPolicy struct {
	roomRepo repo.RoomRepo
}

// NewMemberPolicy 创建默认可见性策略
func NewMemberPolicy(roomRepo repo.RoomRepo) *MemberPolicy {
	return &MemberPolicy{roomRepo: roomRepo}
}

// Filter 实现 VisibilityPolicy
func (p *MemberPolicy) Filter(ctx context.Context, subject *model.User, viewers []string) ([]string, error) {
	out := make([]string, 0, len(viewers))
	switch subject.PresenceVisibility {
	case model.VisibilityNobody:
		for _, v := range viewers {
			if v == subject.ID {
				out = append(out, v)
			}
		}
		return out, nil
	case model.VisibilityContacts:
		peers, err := p.roomRepo.GetRoomPeers(ctx, subject.ID)
		if err != nil {
			return nil, err
		}
		allowed := make(map[string]struct{}, len(peers)+1)
		allowed[subject.ID] = struct{}{}
		for _, id := range peers {
			allowed[id] = struct{}{}
		}
		for _, v := range viewers {
			if _, ok := allowed[v]; ok {
				out = append(out, v)
			}
		}
		return out, nil
	default:
		return append(out, viewers...), nil
	}
}

// PresenceService 在线状态：上下线状态机、广播、重连补送达、查询
type PresenceService struct {
	userRepo     repo.UserRepo
	roomRepo     repo.RoomRepo
	messageRepo  repo.MessageRepo
	presenceRepo repo.PresenceRepo
	reach        Reachability
	emitter      Emitter
	policy       VisibilityPolicy
	logger       clog.Logger
}

// NewPresenceService 创建在线状态服务
// presenceRepo 可以为空（不写 Redis 快照）；policy 为空时状态对所有在线用户公开。
func NewPresenceService(
	userRepo repo.UserRepo,
	roomRepo repo.RoomRepo,
	messageRepo repo.MessageRepo,
	presenceRepo repo.PresenceRepo,
	reach Reachability,
	emitter Emitter,
	policy VisibilityPolicy,
	logger clog.Logger,
) *PresenceService {
	return &PresenceService{
		userRepo:     userRepo,
		roomRepo:     roomRepo,
		messageRepo:  messageRepo,
		presenceRepo: presenceRepo,
		reach:        reach,
		emitter:      emitter,
		policy:       policy,
		logger:       logger,
	}
}

// OnOnline 用户第一个连接建立
func (s *PresenceService) OnOnline(ctx context.Context, userID string) error {
	if err := s.userRepo.SetPresence(ctx, userID, true, nil); err != nil {
		return storageError(err, "presence of %s", userID)
	}
	if s.presenceRepo != nil {
		if err := s.presenceRepo.SetOnline(ctx, userID); err != nil {
			s.logger.WarnContext(ctx, "failed to cache presence", clog.String("user_id", userID), clog.Error(err))
		}
	}

	s.logger.InfoContext(ctx, "user online", clog.String("user_id", userID))
	s.broadcast(ctx, userID, &protocol.PresenceView{UserID: userID, Online: true})
	return nil
}

// OnOffline 用户最后一个连接断开，记录最后在线时间
func (s *PresenceService) OnOffline(ctx context.Context, userID string, at time.Time) error {
	if err := s.userRepo.SetPresence(ctx, userID, false, &at); err != nil {
		return storageError(err, "presence of %s", userID)
	}
	if s.presenceRepo != nil {
		if err := s.presenceRepo.SetOffline(ctx, userID, at); err != nil {
			s.logger.WarnContext(ctx, "failed to cache presence", clog.String("user_id", userID), clog.Error(err))
		}
	}

	seen := at.UnixMilli()
	s.logger.InfoContext(ctx, "user offline", clog.String("user_id", userID))
	s.broadcast(ctx, userID, &protocol.PresenceView{UserID: userID, Online: false, LastSeenAt: &seen})
	return nil
}

func (s *PresenceService) broadcast(ctx context.Context, userID string, view *protocol.PresenceView) {
	if s.policy == nil {
		s.emitter.ToAll(ctx, protocol.EventPresenceChanged, view, userID)
		return
	}

	subject, err := s.userRepo.GetUser(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load presence subject", clog.String("user_id", userID), clog.Error(err))
		return
	}
	viewers := make([]string, 0)
	for _, id := range s.reach.OnlineUsers() {
		if id != userID {
			viewers = append(viewers, id)
		}
	}
	allowed, err := s.policy.Filter(ctx, subject, viewers)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to apply presence policy", clog.String("user_id", userID), clog.Error(err))
		return
	}
	if len(allowed) > 0 {
		s.emitter.ToUsers(ctx, allowed, protocol.EventPresenceChanged, view)
	}
}

// Sweep 重连补送达：对用户所在的每个活跃房间，找出未送达给他的消息，
// 若消息发送者当前有连接订阅了该房间，则写入送达记录并向房间广播。
// 返回新写入的送达记录数。
func (s *PresenceService) Sweep(ctx context.Context, userID string) (int, error) {
	roomIDs, err := s.roomRepo.GetActiveRoomIDs(ctx, userID)
	if err != nil {
		return 0, storageError(err, "rooms of %s", userID)
	}

	marked := 0
	for _, roomID := range roomIDs {
		var audience []string
		msgs, err := s.messageRepo.FindUndelivered(ctx, roomID, userID, sweepBatch)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to find undelivered messages",
				clog.String("room_id", roomID),
				clog.String("user_id", userID),
				clog.Error(err))
			continue
		}
		for _, msg := range msgs {
			if !s.reach.UserJoinedRoom(msg.Sender(), roomID) {
				continue
			}
			created, err := s.messageRepo.MarkDelivered(ctx, msg.ID, userID)
			if err != nil {
				s.logger.WarnContext(ctx, "failed to mark delivered in sweep",
					clog.Int64("msg_id", msg.ID),
					clog.Error(err))
				continue
			}
			if !created {
				continue
			}
			marked++
			ids, err := s.messageRepo.DeliveredUserIDs(ctx, msg.ID)
			if err != nil {
				s.logger.WarnContext(ctx, "failed to load deliveries", clog.Int64("msg_id", msg.ID), clog.Error(err))
				continue
			}
			if audience == nil {
				audience = activeAudience(ctx, s.roomRepo, roomID, s.logger)
			}
			s.emitter.ToRoom(ctx, roomID, audience, protocol.EventDeliveryUpdated, &protocol.ReceiptUpdated{
				MessageID: msg.ID,
				RoomID:    roomID,
				UserIDs:   ids,
			})
		}
	}

	if marked > 0 {
		s.logger.InfoContext(ctx, "undelivered sweep completed",
			clog.String("user_id", userID),
			clog.Int("marked", marked))
	}
	return marked, nil
}

// Query 查询在线状态；不可见的用户一律显示为离线且没有最后在线时间
func (s *PresenceService) Query(ctx context.Context, viewerID string, userIDs []string) ([]*protocol.PresenceView, error) {
	users, err := s.userRepo.GetUsers(ctx, userIDs)
	if err != nil {
		return nil, storageError(err, "users")
	}

	views := make([]*protocol.PresenceView, 0, len(users))
	for _, u := range users {
		visible := u.ID == viewerID || s.policy == nil
		if !visible {
			allowed, err := s.policy.Filter(ctx, u, []string{viewerID})
			if err != nil {
				return nil, storageError(err, "presence policy of %s", u.ID)
			}
			visible = len(allowed) > 0
		}
		if !visible {
			views = append(views, &protocol.PresenceView{UserID: u.ID})
			continue
		}
		views = append(views, s.snapshot(ctx, u))
	}
	return views, nil
}

// snapshot 在线与否只看本进程注册表；存储里的在线标记在进程崩溃后可能残留，只取最后在线时间。
// 最后在线时间优先读 Redis 快照，未命中回退到数据库。
func (s *PresenceService) snapshot(ctx context.Context, u *model.User) *protocol.PresenceView {
	view := &protocol.PresenceView{UserID: u.ID, Online: s.reach.IsReachable(u.ID)}
	if u.LastSeenAt != nil {
		seen := u.LastSeenAt.UnixMilli()
		view.LastSeenAt = &seen
	}
	if s.presenceRepo == nil {
		return view
	}

	p, err := s.presenceRepo.GetPresence(ctx, u.ID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			s.logger.WarnContext(ctx, "failed to read cached presence", clog.String("user_id", u.ID), clog.Error(err))
		}
		return view
	}
	if !p.LastSeenAt.IsZero() {
		seen := p.LastSeenAt.UnixMilli()
		view.LastSeenAt = &seen
	}
	return view
}
