package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"gorm.io/gorm"
)

// activeMemberCond 活跃成员过滤条件：未封禁且未离开
const activeMemberCond = "kind <> 'banned' AND left_at IS NULL"

// roomRepo 实现 RoomRepo 接口
type roomRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewRoomRepo 创建 RoomRepo 实例
func NewRoomRepo(database db.DB, opts ...Option) (RoomRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	logger, err := newLogger("room_repo", opts)
	if err != nil {
		return nil, err
	}
	return &roomRepo{db: database, logger: logger}, nil
}

// GetRoom 获取房间
func (r *roomRepo) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id cannot be empty")
	}

	var room model.Room
	if err := r.db.DB(ctx).Where("id = ?", roomID).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
		}
		r.logger.Error("获取房间失败",
			clog.String("room_id", roomID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return &room, nil
}

// GetMember 获取成员记录
func (r *roomRepo) GetMember(ctx context.Context, roomID, userID string) (*model.RoomMember, error) {
	if roomID == "" || userID == "" {
		return nil, fmt.Errorf("room_id or user_id cannot be empty")
	}

	var member model.RoomMember
	if err := r.db.DB(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).First(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("member %s in room %s: %w", userID, roomID, ErrNotFound)
		}
		r.logger.Error("获取成员失败",
			clog.String("room_id", roomID),
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &member, nil
}

// GetActiveMembers 获取房间内的活跃成员
func (r *roomRepo) GetActiveMembers(ctx context.Context, roomID string) ([]*model.RoomMember, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id cannot be empty")
	}

	var members []*model.RoomMember
	if err := r.db.DB(ctx).Where("room_id = ?", roomID).
		Where(activeMemberCond).
		Order("joined_at ASC").
		Find(&members).Error; err != nil {
		r.logger.Error("获取活跃成员失败",
			clog.String("room_id", roomID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get active members: %w", err)
	}
	return members, nil
}

// GetActiveRoomIDs 获取用户作为活跃成员所在的房间
func (r *roomRepo) GetActiveRoomIDs(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}

	var roomIDs []string
	if err := r.db.DB(ctx).Model(&model.RoomMember{}).
		Where("user_id = ?", userID).
		Where(activeMemberCond).
		Pluck("room_id", &roomIDs).Error; err != nil {
		r.logger.Error("获取用户房间失败",
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get active rooms: %w", err)
	}
	return roomIDs, nil
}

// GetRoomPeers 获取与用户共享活跃房间的其他用户
func (r *roomRepo) GetRoomPeers(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}

	sql := `
		SELECT DISTINCT peer.user_id
		FROM t_room_member me
		INNER JOIN t_room_member peer ON peer.room_id = me.room_id
		WHERE me.user_id = ?
		  AND me.kind <> 'banned' AND me.left_at IS NULL
		  AND peer.kind <> 'banned' AND peer.left_at IS NULL
		  AND peer.user_id <> ?
	`
	var peers []string
	if err := r.db.DB(ctx).Raw(sql, userID, userID).Pluck("user_id", &peers).Error; err != nil {
		r.logger.Error("获取房间同伴失败",
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get room peers: %w", err)
	}
	return peers, nil
}

// ListRooms 获取用户的会话列表
// 排序依据为每个成员自己的最新消息指针，没有指针的房间排在最后。
func (r *roomRepo) ListRooms(ctx context.Context, userID string) ([]*RoomSummary, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}
	gormDB := r.db.DB(ctx)

	// 1. 活跃成员关系
	roomIDs, err := r.GetActiveRoomIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	rooms := make([]*model.Room, 0, len(roomIDs))
	if len(roomIDs) > 0 {
		if err := gormDB.Where("id IN ?", roomIDs).Find(&rooms).Error; err != nil {
			r.logger.Error("获取房间详情失败",
				clog.String("user_id", userID),
				clog.Error(err))
			return nil, fmt.Errorf("failed to get rooms: %w", err)
		}
	}

	// 2. 最新消息指针（含 self 房间）
	var pointers []*model.LastMessage
	if err := gormDB.Where("user_id = ?", userID).Find(&pointers).Error; err != nil {
		r.logger.Error("获取最新消息指针失败",
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get last message pointers: %w", err)
	}
	pointerByRoom := make(map[string]int64, len(pointers))
	messageIDs := make([]int64, 0, len(pointers))
	for _, p := range pointers {
		pointerByRoom[p.RoomKey] = p.MessageID
		messageIDs = append(messageIDs, p.MessageID)
	}

	messageByID := make(map[int64]*model.Message, len(messageIDs))
	if len(messageIDs) > 0 {
		var messages []*model.Message
		if err := gormDB.Where("id IN ?", messageIDs).Find(&messages).Error; err != nil {
			r.logger.Error("获取最新消息失败",
				clog.String("user_id", userID),
				clog.Error(err))
			return nil, fmt.Errorf("failed to get last messages: %w", err)
		}
		for _, m := range messages {
			messageByID[m.ID] = m
		}
	}

	// 3. 每个房间的未读数
	unread, err := r.unreadByRoom(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]*RoomSummary, 0, len(rooms)+1)
	for _, room := range rooms {
		summaries = append(summaries, &RoomSummary{
			RoomKey:     room.ID,
			Room:        room,
			LastMessage: messageByID[pointerByRoom[room.ID]],
			Unread:      unread[room.ID],
		})
	}
	selfKey := model.SelfRoomID(userID)
	if id, ok := pointerByRoom[selfKey]; ok {
		summaries = append(summaries, &RoomSummary{
			RoomKey:     selfKey,
			LastMessage: messageByID[id],
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return lastID(summaries[i]) > lastID(summaries[j])
	})
	return summaries, nil
}

// unreadByRoom 统计每个房间中对用户可见、非本人发送且未读的消息数
func (r *roomRepo) unreadByRoom(ctx context.Context, userID string) (map[string]int64, error) {
	type row struct {
		RoomID string
		Total  int64
	}
	sql := `
		SELECT m.room_id AS room_id, COUNT(*) AS total
		FROM t_message m
		INNER JOIN t_room_member rm ON rm.room_id = m.room_id AND rm.user_id = ?
		LEFT JOIN t_read rd ON rd.message_id = m.id AND rd.user_id = ?
		WHERE rd.message_id IS NULL
		  AND rm.kind <> 'banned' AND rm.left_at IS NULL
		  AND m.type <> 'room_created'
		  AND (m.sender_id IS NULL OR m.sender_id <> ?)
		  AND (m.type <> 'reaction' OR m.recipient_id = ?)
		GROUP BY m.room_id
	`
	var rows []*row
	if err := r.db.DB(ctx).Raw(sql, userID, userID, userID, userID).Scan(&rows).Error; err != nil {
		r.logger.Error("统计未读失败",
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to count unread: %w", err)
	}

	result := make(map[string]int64, len(rows))
	for _, rw := range rows {
		result[rw.RoomID] = rw.Total
	}
	return result, nil
}

func lastID(s *RoomSummary) int64 {
	if s.LastMessage == nil {
		return 0
	}
	return s.LastMessage.ID
}

// Close 释放资源
func (r *roomRepo) Close() error {
	r.logger.Info("关闭 RoomRepo")
	return nil
}
