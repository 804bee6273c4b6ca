package service

import (
	"context"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/genesis/clog"
)

// ReceiptResult 送达/已读的聚合结果
type ReceiptResult struct {
	MessageID int64
	RoomKey   string
	// UserIDs 当前全部送达（或已读）的用户
	UserIDs []string
	// UnreadRooms 调用者仍有未读消息的房间数，仅 MarkRead 填充
	UnreadRooms int64
}

// MarkDelivered 幂等标记送达，重复调用返回相同的聚合
func (s *MessageService) MarkDelivered(ctx context.Context, userID string, messageID int64) (*ReceiptResult, error) {
	msg, err := s.receiptTarget(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	ids, err := s.markDelivered(ctx, msg, userID)
	if err != nil {
		return nil, err
	}
	return &ReceiptResult{MessageID: msg.ID, RoomKey: msg.RoomKey(), UserIDs: ids}, nil
}

// MarkRead 幂等标记已读；已读隐含送达，先补齐送达记录
func (s *MessageService) MarkRead(ctx context.Context, userID string, messageID int64) (*ReceiptResult, error) {
	msg, err := s.receiptTarget(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.markDelivered(ctx, msg, userID); err != nil {
		return nil, err
	}

	created, err := s.messageRepo.MarkRead(ctx, msg.ID, userID)
	if err != nil {
		return nil, storageError(err, "read receipt of %d", msg.ID)
	}
	ids, err := s.messageRepo.ReadUserIDs(ctx, msg.ID)
	if err != nil {
		return nil, storageError(err, "read receipts of %d", msg.ID)
	}
	unread, err := s.messageRepo.CountUnreadRooms(ctx, userID)
	if err != nil {
		return nil, storageError(err, "unread rooms of %s", userID)
	}

	if created {
		s.emitReceipt(ctx, msg, protocol.EventReadUpdated, ids)
		s.logger.DebugContext(ctx, "message read",
			clog.Int64("msg_id", msg.ID),
			clog.String("user_id", userID))
	}
	return &ReceiptResult{MessageID: msg.ID, RoomKey: msg.RoomKey(), UserIDs: ids, UnreadRooms: unread}, nil
}

// receiptTarget 加载消息并校验成员资格；已离开的成员不能再补标记
func (s *MessageService) receiptTarget(ctx context.Context, userID string, messageID int64) (*model.Message, error) {
	msg, err := s.messageRepo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storageError(err, "message %d", messageID)
	}
	if _, err := s.guard.Require(ctx, userID, msg.RoomKey()); err != nil {
		return nil, err
	}
	if !msg.VisibleTo(userID) {
		return nil, storageError(errNotVisible(messageID), "message %d", messageID)
	}
	return msg, nil
}

func (s *MessageService) markDelivered(ctx context.Context, msg *model.Message, userID string) ([]string, error) {
	created, err := s.messageRepo.MarkDelivered(ctx, msg.ID, userID)
	if err != nil {
		return nil, storageError(err, "delivery of %d", msg.ID)
	}
	ids, err := s.messageRepo.DeliveredUserIDs(ctx, msg.ID)
	if err != nil {
		return nil, storageError(err, "deliveries of %d", msg.ID)
	}
	if created {
		s.emitReceipt(ctx, msg, protocol.EventDeliveryUpdated, ids)
	}
	return ids, nil
}

func (s *MessageService) emitReceipt(ctx context.Context, msg *model.Message, event string, ids []string) {
	payload := &protocol.ReceiptUpdated{MessageID: msg.ID, RoomID: msg.RoomKey(), UserIDs: ids}
	if msg.IsSelf() {
		s.emitter.ToUsers(ctx, []string{msg.Sender()}, event, payload)
		return
	}
	s.emitter.ToRoom(ctx, msg.RoomKey(), s.guard.Audience(ctx, msg.RoomKey()), event, payload)
}
