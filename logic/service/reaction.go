package service

import (
	"context"

	"github.com/ceyewan/chorus/logic/notify"
	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/genesis/clog"
)

// ReactionOutcome 表态/取消表态的结果
type ReactionOutcome struct {
	// Summary 对请求者的表态聚合
	Summary *protocol.ReactionUpdated
	// Affected 会话视图需要刷新的用户
	Affected []string
}

// React 对消息表态，同一用户对同一消息只保留一个表态
// 表态者不是原消息发送者时，生成一条发给原发送者的表态消息并替换旧的那条。
func (s *MessageService) React(ctx context.Context, userID string, messageID int64, content string) (*ReactionOutcome, error) {
	msg, err := s.reactionTarget(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, invalid("reaction content is empty", nil)
	}

	reaction := &model.Reaction{MessageID: msg.ID, UserID: userID, Content: content}
	var echo *model.Message
	original := msg.Sender()
	if original != "" && original != userID && !msg.IsSelf() {
		echo = &model.Message{
			RoomID:      msg.RoomID,
			SenderID:    &userID,
			RecipientID: &original,
			Type:        model.TypeReaction,
			Content:     content,
		}
	}

	if err := s.messageRepo.UpsertReaction(ctx, reaction, echo); err != nil {
		s.logger.Error("failed to upsert reaction",
			clog.Int64("msg_id", msg.ID),
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, storageError(err, "reaction on %d", msg.ID)
	}

	affected := []string{userID}
	if echo != nil {
		affected = append(affected, original)
	}
	summary, err := s.reactionSummary(ctx, msg, userID)
	if err != nil {
		return nil, err
	}

	s.emitReaction(ctx, msg, summary.Count, affected)
	if echo != nil {
		s.emitter.ToUsers(ctx, affected, protocol.EventMessageNew, s.views.buildOne(ctx, echo))
		if s.notifier != nil {
			s.notifier.Notify(ctx, &notify.Event{
				Kind:         notify.KindReaction,
				RecipientIDs: []string{original},
				ActorID:      userID,
				RoomID:       msg.RoomKey(),
				MessageID:    msg.ID,
				Preview:      content,
				CreatedAt:    echo.CreatedAt.UnixMilli(),
			})
		}
	}

	return &ReactionOutcome{Summary: summary, Affected: affected}, nil
}

// Unreact 取消表态并删除对应的表态消息
func (s *MessageService) Unreact(ctx context.Context, userID string, messageID int64) (*ReactionOutcome, error) {
	msg, err := s.reactionTarget(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	removal, err := s.messageRepo.RemoveReaction(ctx, msg, userID)
	if err != nil {
		s.logger.Error("failed to remove reaction",
			clog.Int64("msg_id", msg.ID),
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, storageError(err, "reaction on %d", msg.ID)
	}

	summary, err := s.reactionSummary(ctx, msg, userID)
	if err != nil {
		return nil, err
	}

	affected := removal.Affected
	if removal.Removed {
		s.emitReaction(ctx, msg, summary.Count, affected)
	}
	return &ReactionOutcome{Summary: summary, Affected: affected}, nil
}

func (s *MessageService) reactionTarget(ctx context.Context, userID string, messageID int64) (*model.Message, error) {
	msg, err := s.messageRepo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storageError(err, "message %d", messageID)
	}
	if _, err := s.guard.Require(ctx, userID, msg.RoomKey()); err != nil {
		return nil, err
	}
	if msg.Type == model.TypeReaction || msg.Type == model.TypeRoomCreated {
		return nil, invalid("this message cannot be reacted to", nil)
	}
	return msg, nil
}

func (s *MessageService) reactionSummary(ctx context.Context, msg *model.Message, userID string) (*protocol.ReactionUpdated, error) {
	sum, err := s.messageRepo.GetReactionSummary(ctx, msg.ID, userID)
	if err != nil {
		return nil, storageError(err, "reactions of %d", msg.ID)
	}
	return &protocol.ReactionUpdated{
		MessageID: msg.ID,
		RoomID:    msg.RoomKey(),
		Count:     sum.Count,
		Reacted:   sum.Reacted,
		Content:   sum.Content,
	}, nil
}

// emitReaction 广播聚合计数（不含个人字段），并通知受影响用户刷新会话列表
func (s *MessageService) emitReaction(ctx context.Context, msg *model.Message, count int64, affected []string) {
	payload := &protocol.ReactionUpdated{MessageID: msg.ID, RoomID: msg.RoomKey(), Count: count}
	if msg.IsSelf() {
		s.emitter.ToUsers(ctx, []string{msg.Sender()}, protocol.EventReactionUpdated, payload)
	} else {
		s.emitter.ToRoom(ctx, msg.RoomKey(), s.guard.Audience(ctx, msg.RoomKey()), protocol.EventReactionUpdated, payload)
	}
	s.emitter.ToUsers(ctx, affected, protocol.EventRoomListChanged, &protocol.RoomListChanged{RoomID: msg.RoomKey()})
}
