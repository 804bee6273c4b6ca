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
	"gorm.io/gorm/clause"
)

// messageRepo 实现 MessageRepo 接口
type messageRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewMessageRepo 创建 MessageRepo 实例
func NewMessageRepo(database db.DB, opts ...Option) (MessageRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	logger, err := newLogger("message_repo", opts)
	if err != nil {
		return nil, err
	}
	return &messageRepo{db: database, logger: logger}, nil
}

// CreateMessage 事务内写入消息
// 步骤：锁房间行 → 写消息 → 绑定附件 → 前移成员指针。任一步失败整体回滚。
// 锁房间行使同一房间的消息 ID 顺序与事务提交顺序一致。
func (r *messageRepo) CreateMessage(ctx context.Context, msg *model.Message, attachmentIDs []string, pointerUserIDs []string) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.Type == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if msg.RoomID == nil && msg.SenderID == nil {
		return fmt.Errorf("self message requires sender_id")
	}

	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		// 1. 锁房间
		if err := lockRoom(tx, msg.RoomID); err != nil {
			return err
		}

		// 2. 写消息
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}

		// 3. 绑定附件（只允许绑定发送者本人上传且尚未绑定的附件）
		if len(attachmentIDs) > 0 {
			result := tx.Model(&model.Attachment{}).
				Where("id IN ? AND uploader_id = ? AND message_id IS NULL", attachmentIDs, msg.Sender()).
				Update("message_id", msg.ID)
			if result.Error != nil {
				return fmt.Errorf("failed to bind attachments: %w", result.Error)
			}
			if result.RowsAffected != int64(len(attachmentIDs)) {
				return fmt.Errorf("bound %d of %d attachments: %w", result.RowsAffected, len(attachmentIDs), ErrAttachmentUnbound)
			}
		}

		// 4. 前移最新消息指针
		return advancePointers(tx, pointerUserIDs, msg.RoomKey(), msg.ID)
	})
	if err != nil {
		r.logger.Error("保存消息失败",
			clog.String("room_key", msg.RoomKey()),
			clog.String("sender_id", msg.Sender()),
			clog.Error(err))
		return err
	}

	r.logger.Debug("保存消息成功",
		clog.String("room_key", msg.RoomKey()),
		clog.Int64("msg_id", msg.ID),
		clog.Int("pointers", len(pointerUserIDs)))
	return nil
}

// GetMessage 获取消息
func (r *messageRepo) GetMessage(ctx context.Context, messageID int64) (*model.Message, error) {
	if messageID <= 0 {
		return nil, fmt.Errorf("msg_id must be positive")
	}

	var msg model.Message
	if err := r.db.DB(ctx).Where("id = ?", messageID).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
		}
		r.logger.Error("获取消息失败",
			clog.Int64("msg_id", messageID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// History 拉取历史消息
// 语义：
//   - beforeID == 0: 拉取房间“最近”的 limit 条消息
//   - beforeID > 0: 拉取 id < beforeID 的历史消息
//
// 返回顺序统一为 id 升序，方便前端直接渲染。
func (r *messageRepo) History(ctx context.Context, roomKey, viewerID string, beforeID int64, limit int) ([]*model.Message, error) {
	if roomKey == "" {
		return nil, fmt.Errorf("room_key cannot be empty")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := visibleScope(r.db.DB(ctx), roomKey, viewerID)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}

	var messages []*model.Message
	if err := query.Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		r.logger.Error("拉取历史消息失败",
			clog.String("room_key", roomKey),
			clog.Int64("before_id", beforeID),
			clog.Int("limit", limit),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get history messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteMessage 事务内删除消息
// 级联范围：消息本身、其表态派生的回显消息，以及它们的送达/已读/提及记录、
// 表态记录、附件记录；指向这些消息的最新消息指针改指向剩余的最新可见消息，没有则删除。
func (r *messageRepo) DeleteMessage(ctx context.Context, msg *model.Message) (*DeleteResult, error) {
	if msg == nil || msg.ID <= 0 {
		return nil, fmt.Errorf("message cannot be empty")
	}

	result := &DeleteResult{}
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := lockRoom(tx, msg.RoomID); err != nil {
			return err
		}

		// 1. 收集表态回显消息
		var reactionIDs []int64
		if err := tx.Model(&model.Reaction{}).Where("message_id = ?", msg.ID).Pluck("id", &reactionIDs).Error; err != nil {
			return fmt.Errorf("failed to get reactions: %w", err)
		}
		doomed := []int64{msg.ID}
		if len(reactionIDs) > 0 {
			var echoIDs []int64
			if err := tx.Model(&model.Message{}).Where("reaction_id IN ?", reactionIDs).Pluck("id", &echoIDs).Error; err != nil {
				return fmt.Errorf("failed to get reaction messages: %w", err)
			}
			doomed = append(doomed, echoIDs...)
		}

		// 2. 附件
		if err := tx.Where("message_id = ?", msg.ID).Find(&result.Attachments).Error; err != nil {
			return fmt.Errorf("failed to get attachments: %w", err)
		}

		// 3. 改写指针
		repointed, err := repointAway(tx, msg.RoomKey(), doomed)
		if err != nil {
			return err
		}
		result.Repointed = repointed

		// 4. 级联删除
		if err := purgeMessages(tx, doomed); err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", msg.ID).Delete(&model.Reaction{}).Error; err != nil {
			return fmt.Errorf("failed to delete reactions: %w", err)
		}
		if err := tx.Where("message_id = ?", msg.ID).Delete(&model.Attachment{}).Error; err != nil {
			return fmt.Errorf("failed to delete attachments: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("删除消息失败",
			clog.Int64("msg_id", msg.ID),
			clog.Error(err))
		return nil, err
	}

	r.logger.Debug("删除消息成功",
		clog.Int64("msg_id", msg.ID),
		clog.Int("attachments", len(result.Attachments)),
		clog.Int("repointed", len(result.Repointed)))
	return result, nil
}

// MarkDelivered 幂等写入送达记录
func (r *messageRepo) MarkDelivered(ctx context.Context, messageID int64, userID string) (bool, error) {
	res := r.db.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Delivery{MessageID: messageID, UserID: userID})
	if res.Error != nil {
		r.logger.Error("写入送达记录失败",
			clog.Int64("msg_id", messageID),
			clog.String("user_id", userID),
			clog.Error(res.Error))
		return false, fmt.Errorf("failed to mark delivered: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkRead 幂等写入已读记录
func (r *messageRepo) MarkRead(ctx context.Context, messageID int64, userID string) (bool, error) {
	res := r.db.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Read{MessageID: messageID, UserID: userID})
	if res.Error != nil {
		r.logger.Error("写入已读记录失败",
			clog.Int64("msg_id", messageID),
			clog.String("user_id", userID),
			clog.Error(res.Error))
		return false, fmt.Errorf("failed to mark read: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeliveredUserIDs 获取送达用户
func (r *messageRepo) DeliveredUserIDs(ctx context.Context, messageID int64) ([]string, error) {
	var ids []string
	if err := r.db.DB(ctx).Model(&model.Delivery{}).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to get deliveries: %w", err)
	}
	return ids, nil
}

// ReadUserIDs 获取已读用户
func (r *messageRepo) ReadUserIDs(ctx context.Context, messageID int64) ([]string, error) {
	var ids []string
	if err := r.db.DB(ctx).Model(&model.Read{}).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to get reads: %w", err)
	}
	return ids, nil
}

// FindUndelivered 查找房间内尚未送达给用户的消息
func (r *messageRepo) FindUndelivered(ctx context.Context, roomID, userID string, limit int) ([]*model.Message, error) {
	if roomID == "" || userID == "" {
		return nil, fmt.Errorf("room_id or user_id cannot be empty")
	}
	if limit <= 0 {
		limit = 200
	}

	var messages []*model.Message
	err := r.db.DB(ctx).Table("t_message m").
		Select("m.*").
		Joins("LEFT JOIN t_delivery d ON d.message_id = m.id AND d.user_id = ?", userID).
		Where("m.room_id = ? AND d.message_id IS NULL", roomID).
		Where("m.type <> ?", model.TypeRoomCreated).
		Where("(m.sender_id IS NULL OR m.sender_id <> ?)", userID).
		Where("(m.type <> ? OR m.recipient_id = ?)", model.TypeReaction, userID).
		Order("m.id ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		r.logger.Error("查询未送达消息失败",
			clog.String("room_id", roomID),
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to find undelivered: %w", err)
	}
	return messages, nil
}

// CountUnreadRooms 统计用户存在未读消息的房间数（全局角标）
func (r *messageRepo) CountUnreadRooms(ctx context.Context, userID string) (int64, error) {
	sql := `
		SELECT COUNT(DISTINCT m.room_id)
		FROM t_message m
		INNER JOIN t_room_member rm ON rm.room_id = m.room_id AND rm.user_id = ?
		LEFT JOIN t_read rd ON rd.message_id = m.id AND rd.user_id = ?
		WHERE rd.message_id IS NULL
		  AND rm.kind <> 'banned' AND rm.left_at IS NULL
		  AND m.type <> 'room_created'
		  AND (m.sender_id IS NULL OR m.sender_id <> ?)
		  AND (m.type <> 'reaction' OR m.recipient_id = ?)
	`
	var count int64
	if err := r.db.DB(ctx).Raw(sql, userID, userID, userID, userID).Scan(&count).Error; err != nil {
		r.logger.Error("统计未读房间失败",
			clog.String("user_id", userID),
			clog.Error(err))
		return 0, fmt.Errorf("failed to count unread rooms: %w", err)
	}
	return count, nil
}

// SaveMentions 幂等写入提及记录
func (r *messageRepo) SaveMentions(ctx context.Context, mentions []*model.Mention) error {
	if len(mentions) == 0 {
		return nil
	}
	if err := r.db.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&mentions).Error; err != nil {
		r.logger.Error("写入提及记录失败",
			clog.Int("count", len(mentions)),
			clog.Error(err))
		return fmt.Errorf("failed to save mentions: %w", err)
	}
	return nil
}

// GetMentions 批量获取提及记录
func (r *messageRepo) GetMentions(ctx context.Context, messageIDs []int64) ([]*model.Mention, error) {
	if len(messageIDs) == 0 {
		return []*model.Mention{}, nil
	}
	var mentions []*model.Mention
	if err := r.db.DB(ctx).Where("message_id IN ?", messageIDs).Find(&mentions).Error; err != nil {
		return nil, fmt.Errorf("failed to get mentions: %w", err)
	}
	return mentions, nil
}

// UpsertReaction 事务内写入表态
// 同一 (message_id, user_id) 只保留一条，重复表态覆盖内容。
// echo 非空时：先删除该表态之前的回显消息，再写入新回显并前移表态者与接收者的指针。
func (r *messageRepo) UpsertReaction(ctx context.Context, reaction *model.Reaction, echo *model.Message) error {
	if reaction == nil || reaction.MessageID <= 0 || reaction.UserID == "" {
		return fmt.Errorf("reaction cannot be empty")
	}

	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if echo != nil {
			if err := lockRoom(tx, echo.RoomID); err != nil {
				return err
			}
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
		}).Create(reaction).Error; err != nil {
			return fmt.Errorf("failed to upsert reaction: %w", err)
		}
		// ON CONFLICT 分支下以库中记录为准
		if err := tx.Where("message_id = ? AND user_id = ?", reaction.MessageID, reaction.UserID).
			First(reaction).Error; err != nil {
			return fmt.Errorf("failed to reload reaction: %w", err)
		}

		if echo == nil {
			return nil
		}

		var staleIDs []int64
		if err := tx.Model(&model.Message{}).Where("reaction_id = ?", reaction.ID).Pluck("id", &staleIDs).Error; err != nil {
			return fmt.Errorf("failed to get stale reaction messages: %w", err)
		}
		if len(staleIDs) > 0 {
			if err := purgeMessages(tx, staleIDs); err != nil {
				return err
			}
		}

		echo.ReactionID = &reaction.ID
		if err := tx.Create(echo).Error; err != nil {
			return fmt.Errorf("failed to save reaction message: %w", err)
		}

		// 回显消息 ID 必然大于旧回显，前移即覆盖
		users := uniqueStrings([]string{echo.Sender(), echo.Recipient()})
		return advancePointers(tx, users, echo.RoomKey(), echo.ID)
	})
	if err != nil {
		r.logger.Error("写入表态失败",
			clog.Int64("msg_id", reaction.MessageID),
			clog.String("user_id", reaction.UserID),
			clog.Error(err))
		return err
	}
	return nil
}

// RemoveReaction 事务内删除表态及其回显消息，并把双方指针重算为剩余的最新可见消息
func (r *messageRepo) RemoveReaction(ctx context.Context, msg *model.Message, userID string) (*ReactionRemoval, error) {
	if msg == nil || userID == "" {
		return nil, fmt.Errorf("message or user_id cannot be empty")
	}

	removal := &ReactionRemoval{}
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := lockRoom(tx, msg.RoomID); err != nil {
			return err
		}

		var reaction model.Reaction
		if err := tx.Where("message_id = ? AND user_id = ?", msg.ID, userID).First(&reaction).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("failed to get reaction: %w", err)
		}

		var echoes []*model.Message
		if err := tx.Where("reaction_id = ?", reaction.ID).Find(&echoes).Error; err != nil {
			return fmt.Errorf("failed to get reaction messages: %w", err)
		}

		affected := []string{userID}
		echoIDs := make([]int64, 0, len(echoes))
		for _, e := range echoes {
			echoIDs = append(echoIDs, e.ID)
			if e.Recipient() != "" {
				affected = append(affected, e.Recipient())
			}
		}
		if len(echoIDs) > 0 {
			if err := purgeMessages(tx, echoIDs); err != nil {
				return err
			}
		}
		if err := tx.Delete(&reaction).Error; err != nil {
			return fmt.Errorf("failed to delete reaction: %w", err)
		}

		removal.Removed = true
		removal.Affected = uniqueStrings(affected)
		return recomputePointers(tx, removal.Affected, msg.RoomKey(), nil)
	})
	if err != nil {
		r.logger.Error("取消表态失败",
			clog.Int64("msg_id", msg.ID),
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, err
	}
	return removal, nil
}

// GetReactionSummary 获取表态聚合
func (r *messageRepo) GetReactionSummary(ctx context.Context, messageID int64, userID string) (*ReactionSummary, error) {
	gormDB := r.db.DB(ctx)
	summary := &ReactionSummary{}
	if err := gormDB.Model(&model.Reaction{}).Where("message_id = ?", messageID).Count(&summary.Count).Error; err != nil {
		return nil, fmt.Errorf("failed to count reactions: %w", err)
	}

	var mine model.Reaction
	err := gormDB.Where("message_id = ? AND user_id = ?", messageID, userID).First(&mine).Error
	switch {
	case err == nil:
		summary.Reacted = true
		summary.Content = mine.Content
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to get own reaction: %w", err)
	}
	return summary, nil
}

// CreateAttachment 写入未绑定的附件
func (r *messageRepo) CreateAttachment(ctx context.Context, attachment *model.Attachment) error {
	if attachment == nil || attachment.ID == "" {
		return fmt.Errorf("attachment id cannot be empty")
	}
	if err := r.db.DB(ctx).Create(attachment).Error; err != nil {
		r.logger.Error("保存附件失败",
			clog.String("attachment_id", attachment.ID),
			clog.Error(err))
		return fmt.Errorf("failed to save attachment: %w", err)
	}
	return nil
}

// GetAttachments 批量获取消息附件
func (r *messageRepo) GetAttachments(ctx context.Context, messageIDs []int64) ([]*model.Attachment, error) {
	if len(messageIDs) == 0 {
		return []*model.Attachment{}, nil
	}
	var attachments []*model.Attachment
	if err := r.db.DB(ctx).Where("message_id IN ?", messageIDs).
		Order("created_at ASC").
		Find(&attachments).Error; err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	return attachments, nil
}

// Close 释放资源
func (r *messageRepo) Close() error {
	r.logger.Info("关闭 MessageRepo")
	// db 实例由外部管理，这里不需要关闭
	return nil
}

// ============================================================================
// 事务内辅助函数
// ============================================================================

// lockRoom 对房间行加排他锁；self 房间没有行，直接跳过
func lockRoom(tx *gorm.DB, roomID *string) error {
	if roomID == nil {
		return nil
	}
	var room model.Room
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Where("id = ?", *roomID).
		First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("room %s: %w", *roomID, ErrNotFound)
		}
		return fmt.Errorf("failed to lock room: %w", err)
	}
	return nil
}

// visibleScope 限定房间范围及查看者可见性（表态回显只对双方可见）
func visibleScope(tx *gorm.DB, roomKey, viewerID string) *gorm.DB {
	q := tx.Model(&model.Message{})
	if owner, ok := model.IsSelfRoom(roomKey); ok {
		q = q.Where("room_id IS NULL AND sender_id = ?", owner)
	} else {
		q = q.Where("room_id = ?", roomKey)
	}
	return q.Where("(type <> ? OR sender_id = ? OR recipient_id = ?)", model.TypeReaction, viewerID, viewerID)
}

// advancePointers 把用户的指针前移到 messageID，只前进不后退
func advancePointers(tx *gorm.DB, userIDs []string, roomKey string, messageID int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]*model.LastMessage, 0, len(userIDs))
	for _, uid := range userIDs {
		rows = append(rows, &model.LastMessage{UserID: uid, RoomKey: roomKey, MessageID: messageID, UpdatedAt: now})
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "room_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"message_id", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("t_last_message.message_id < excluded.message_id"),
		}},
	}).Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to upsert last message: %w", err)
	}
	return nil
}

// recomputePointers 把用户的指针重算为房间内剩余的最新可见消息，没有则删除指针
func recomputePointers(tx *gorm.DB, userIDs []string, roomKey string, exclude []int64) error {
	now := time.Now()
	for _, uid := range userIDs {
		q := visibleScope(tx, roomKey, uid)
		if len(exclude) > 0 {
			q = q.Where("id NOT IN ?", exclude)
		}
		var latest model.Message
		err := q.Order("id DESC").Limit(1).First(&latest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Where("user_id = ? AND room_key = ?", uid, roomKey).Delete(&model.LastMessage{}).Error; err != nil {
				return fmt.Errorf("failed to delete last message: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to find latest message: %w", err)
		}
		row := &model.LastMessage{UserID: uid, RoomKey: roomKey, MessageID: latest.ID, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "room_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"message_id", "updated_at"}),
		}).Create(row).Error; err != nil {
			return fmt.Errorf("failed to repoint last message: %w", err)
		}
	}
	return nil
}

// repointAway 把指向 doomed 中任一消息的指针改指向剩余的最新可见消息
func repointAway(tx *gorm.DB, roomKey string, doomed []int64) ([]string, error) {
	var userIDs []string
	if err := tx.Model(&model.LastMessage{}).
		Where("room_key = ? AND message_id IN ?", roomKey, doomed).
		Pluck("user_id", &userIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to get last message pointers: %w", err)
	}
	if len(userIDs) == 0 {
		return nil, nil
	}
	if err := recomputePointers(tx, userIDs, roomKey, doomed); err != nil {
		return nil, err
	}
	return userIDs, nil
}

// purgeMessages 删除消息及其送达/已读/提及记录，以及仍指向它们的指针
func purgeMessages(tx *gorm.DB, ids []int64) error {
	for _, m := range []any{&model.Delivery{}, &model.Read{}, &model.Mention{}, &model.LastMessage{}} {
		if err := tx.Where("message_id IN ?", ids).Delete(m).Error; err != nil {
			return fmt.Errorf("failed to purge %T: %w", m, err)
		}
	}
	if err := tx.Where("id IN ?", ids).Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
