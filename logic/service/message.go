package service

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/ceyewan/chorus/logic/notify"
	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	previewRunes        = 80
)

// SendInput 发送消息的输入
type SendInput struct {
	RoomID        string
	Type          model.MessageType
	Content       string
	AttachmentIDs []string
	RecipientID   string
}

// SendResult 发送结果
type SendResult struct {
	Message *model.Message
	View    *protocol.MessageView
	// Delivered 本次新写入送达记录的用户
	Delivered []string
	// Audience 扇出对象（活跃成员，self 房间为发送者本人）
	Audience []string
}

// DeleteOutcome 删除结果
type DeleteOutcome struct {
	MessageID          int64
	RoomKey            string
	Audience           []string
	RemovedAttachments []string
}

// MessageService 消息生命周期：发送、送达/已读、表态、删除、历史
type MessageService struct {
	guard       *Guard
	userRepo    repo.UserRepo
	roomRepo    repo.RoomRepo
	messageRepo repo.MessageRepo
	reach       Reachability
	emitter     Emitter
	notifier    Notifier
	blobs       BlobRemover
	views       *viewBuilder
	logger      clog.Logger
}

// NewMessageService 创建消息服务，notifier 与 blobs 可以为空
func NewMessageService(
	guard *Guard,
	userRepo repo.UserRepo,
	roomRepo repo.RoomRepo,
	messageRepo repo.MessageRepo,
	reach Reachability,
	emitter Emitter,
	notifier Notifier,
	blobs BlobRemover,
	logger clog.Logger,
) *MessageService {
	return &MessageService{
		guard:       guard,
		userRepo:    userRepo,
		roomRepo:    roomRepo,
		messageRepo: messageRepo,
		reach:       reach,
		emitter:     emitter,
		notifier:    notifier,
		blobs:       blobs,
		views:       &viewBuilder{userRepo: userRepo, messageRepo: messageRepo, logger: logger},
		logger:      logger,
	}
}

// Send 发送消息
// 主路径（消息、附件绑定、指针）在一个事务内完成；送达、提及、通知属于尽力而为的尾部，失败不回滚消息。
func (s *MessageService) Send(ctx context.Context, senderID string, in *SendInput) (*SendResult, error) {
	decision, err := s.guard.Require(ctx, senderID, in.RoomID)
	if err != nil {
		return nil, err
	}
	if decision.Self {
		return s.sendSelf(ctx, senderID, in)
	}
	if in.Content == "" && len(in.AttachmentIDs) == 0 {
		return nil, invalid("message has no content", nil)
	}

	room, err := s.roomRepo.GetRoom(ctx, in.RoomID)
	if err != nil {
		return nil, storageError(err, "room %s", in.RoomID)
	}
	members, err := s.roomRepo.GetActiveMembers(ctx, in.RoomID)
	if err != nil {
		return nil, storageError(err, "members of %s", in.RoomID)
	}

	msgType := in.Type
	if msgType == "" {
		msgType = model.TypeContent
	}
	if msgType != model.TypeContent && msgType != model.TypeMention {
		return nil, invalid("unsupported message type", nil)
	}
	recipient, err := ResolveRecipient(room, members, senderID, msgType, in.RecipientID)
	if err != nil {
		return nil, invalid("recipient is not an active member", err)
	}

	msg := &model.Message{
		RoomID:   &room.ID,
		SenderID: &senderID,
		Type:     msgType,
		Content:  in.Content,
	}
	if recipient != "" {
		msg.RecipientID = &recipient
	}

	audience := memberIDs(members)
	if err := s.messageRepo.CreateMessage(ctx, msg, in.AttachmentIDs, audience); err != nil {
		return nil, s.createError(err, in.RoomID)
	}

	s.logger.InfoContext(ctx, "message created",
		clog.Int64("msg_id", msg.ID),
		clog.String("room_id", room.ID),
		clog.String("sender_id", senderID),
		clog.Int("audience", len(audience)))

	// 尽力而为的尾部
	delivered, offline := s.deliverReachable(ctx, msg, audience)
	mentioned := s.saveMentions(ctx, msg, members)

	view := s.views.buildOne(ctx, msg)
	s.emitter.ToRoom(ctx, room.ID, audience, protocol.EventMessageNew, view)
	s.emitter.ToUsers(ctx, audience, protocol.EventRoomListChanged, &protocol.RoomListChanged{RoomID: room.ID})
	if len(view.Attachments) > 0 {
		s.emitter.ToRoom(ctx, room.ID, audience, protocol.EventGalleryUpdated, &protocol.GalleryUpdated{
			RoomID:      room.ID,
			MessageID:   msg.ID,
			Attachments: view.Attachments,
		})
	}
	if len(delivered) > 0 {
		s.emitter.ToRoom(ctx, room.ID, audience, protocol.EventDeliveryUpdated, &protocol.ReceiptUpdated{
			MessageID: msg.ID,
			RoomID:    room.ID,
			UserIDs:   delivered,
		})
	}

	if len(mentioned) > 0 {
		s.notify(ctx, notify.KindMention, mentioned, msg)
	}
	if len(offline) > 0 {
		s.notify(ctx, notify.KindMessage, offline, msg)
	}

	return &SendResult{Message: msg, View: view, Delivered: delivered, Audience: audience}, nil
}

// sendSelf self 房间消息：没有房间行，送达立即记录，不处理提及
func (s *MessageService) sendSelf(ctx context.Context, senderID string, in *SendInput) (*SendResult, error) {
	if in.Content == "" && len(in.AttachmentIDs) == 0 {
		return nil, invalid("message has no content", nil)
	}

	msg := &model.Message{
		SenderID:    &senderID,
		RecipientID: &senderID,
		Type:        model.TypeSaved,
		Content:     in.Content,
	}
	audience := []string{senderID}
	if err := s.messageRepo.CreateMessage(ctx, msg, in.AttachmentIDs, audience); err != nil {
		return nil, s.createError(err, in.RoomID)
	}

	delivered := audience
	if _, err := s.messageRepo.MarkDelivered(ctx, msg.ID, senderID); err != nil {
		s.logger.WarnContext(ctx, "failed to record self delivery",
			clog.Int64("msg_id", msg.ID),
			clog.Error(err))
		delivered = nil
	}

	view := s.views.buildOne(ctx, msg)
	s.emitter.ToUsers(ctx, audience, protocol.EventMessageNew, view)
	s.emitter.ToUsers(ctx, audience, protocol.EventRoomListChanged, &protocol.RoomListChanged{RoomID: msg.RoomKey()})
	if len(view.Attachments) > 0 {
		s.emitter.ToUsers(ctx, audience, protocol.EventGalleryUpdated, &protocol.GalleryUpdated{
			RoomID:      msg.RoomKey(),
			MessageID:   msg.ID,
			Attachments: view.Attachments,
		})
	}

	return &SendResult{Message: msg, View: view, Delivered: delivered, Audience: audience}, nil
}

// deliverReachable 为在线的其他成员写入送达记录，返回新送达的用户与离线用户
func (s *MessageService) deliverReachable(ctx context.Context, msg *model.Message, audience []string) (delivered, offline []string) {
	for _, uid := range audience {
		if uid == msg.Sender() {
			continue
		}
		if !s.reach.IsReachable(uid) {
			offline = append(offline, uid)
			continue
		}
		created, err := s.messageRepo.MarkDelivered(ctx, msg.ID, uid)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to record delivery",
				clog.Int64("msg_id", msg.ID),
				clog.String("user_id", uid),
				clog.Error(err))
			continue
		}
		if created {
			delivered = append(delivered, uid)
		}
	}
	return delivered, offline
}

// saveMentions 解析并持久化提及，返回被提及的用户（不含发送者）
func (s *MessageService) saveMentions(ctx context.Context, msg *model.Message, members []*model.RoomMember) []string {
	valid := FilterMentions(ExtractMentions(msg.Content), members)
	if len(valid) == 0 {
		return nil
	}

	rows := make([]*model.Mention, 0, len(valid))
	notified := make([]string, 0, len(valid))
	for _, c := range valid {
		rows = append(rows, &model.Mention{MessageID: msg.ID, UserID: c.UserID, Name: c.Name})
		if c.UserID != msg.Sender() {
			notified = append(notified, c.UserID)
		}
	}
	if err := s.messageRepo.SaveMentions(ctx, rows); err != nil {
		s.logger.WarnContext(ctx, "failed to save mentions",
			clog.Int64("msg_id", msg.ID),
			clog.Error(err))
		return nil
	}
	return notified
}

func (s *MessageService) notify(ctx context.Context, kind notify.Kind, recipients []string, msg *model.Message) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, &notify.Event{
		Kind:         kind,
		RecipientIDs: recipients,
		ActorID:      msg.Sender(),
		RoomID:       msg.RoomKey(),
		MessageID:    msg.ID,
		Preview:      preview(msg.Content),
		CreatedAt:    time.Now().UnixMilli(),
	})
}

func (s *MessageService) createError(err error, roomID string) error {
	if errors.Is(err, repo.ErrAttachmentUnbound) {
		return invalid("attachments cannot be bound to this message", err)
	}
	s.logger.Error("failed to create message",
		clog.String("room_id", roomID),
		clog.Error(err))
	return storageError(err, "room %s", roomID)
}

// Delete 删除消息，只有发送者可以删除
// 越权时不做任何修改；附件文件在事务提交后尽力删除。
func (s *MessageService) Delete(ctx context.Context, userID string, messageID int64) (*DeleteOutcome, error) {
	msg, err := s.messageRepo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storageError(err, "message %d", messageID)
	}
	if msg.Sender() != userID {
		return nil, forbidden("only the sender can delete this message")
	}

	roomKey := msg.RoomKey()
	audience := []string{userID}
	if !msg.IsSelf() {
		members, err := s.roomRepo.GetActiveMembers(ctx, *msg.RoomID)
		if err != nil {
			return nil, storageError(err, "members of %s", roomKey)
		}
		audience = memberIDs(members)
	}

	result, err := s.messageRepo.DeleteMessage(ctx, msg)
	if err != nil {
		s.logger.Error("failed to delete message",
			clog.Int64("msg_id", messageID),
			clog.Error(err))
		return nil, storageError(err, "message %d", messageID)
	}

	removed := make([]string, 0, len(result.Attachments))
	for _, a := range result.Attachments {
		removed = append(removed, a.ID)
		if s.blobs == nil || a.Path == "" {
			continue
		}
		if err := s.blobs.Remove(ctx, a.Path); err != nil {
			s.logger.WarnContext(ctx, "failed to remove attachment blob",
				clog.String("attachment_id", a.ID),
				clog.Error(err))
		}
	}

	deleted := &protocol.MessageDeleted{MessageID: messageID, RoomID: roomKey}
	changed := &protocol.RoomListChanged{RoomID: roomKey}
	if msg.IsSelf() {
		s.emitter.ToUsers(ctx, audience, protocol.EventMessageDeleted, deleted)
	} else {
		s.emitter.ToRoom(ctx, roomKey, audience, protocol.EventMessageDeleted, deleted)
	}
	s.emitter.ToUsers(ctx, unionIDs(audience, result.Repointed), protocol.EventRoomListChanged, changed)
	if len(removed) > 0 {
		gallery := &protocol.GalleryUpdated{RoomID: roomKey, MessageID: messageID, Removed: true}
		if msg.IsSelf() {
			s.emitter.ToUsers(ctx, audience, protocol.EventGalleryUpdated, gallery)
		} else {
			s.emitter.ToRoom(ctx, roomKey, audience, protocol.EventGalleryUpdated, gallery)
		}
	}

	s.logger.InfoContext(ctx, "message deleted",
		clog.Int64("msg_id", messageID),
		clog.String("room_id", roomKey),
		clog.Int("attachments", len(removed)))

	return &DeleteOutcome{
		MessageID:          messageID,
		RoomKey:            roomKey,
		Audience:           audience,
		RemovedAttachments: removed,
	}, nil
}

// History 按游标拉取历史
func (s *MessageService) History(ctx context.Context, userID, roomID string, beforeID int64, limit int) (*protocol.HistoryResult, error) {
	if _, err := s.guard.Require(ctx, userID, roomID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	// 多取一条判断是否还有更早的消息
	msgs, err := s.messageRepo.History(ctx, roomID, userID, beforeID, limit+1)
	if err != nil {
		return nil, storageError(err, "history of %s", roomID)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[1:]
	}

	return &protocol.HistoryResult{
		RoomID:   roomID,
		Messages: s.views.build(ctx, msgs),
		HasMore:  hasMore,
	}, nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	return string([]rune(content)[:previewRunes]) + "…"
}
