// Package handler 把解码后的入站事件分派到服务层，并向请求方回送 ack / error。
// 广播由服务层经 Emitter 完成，这里只负责请求方自己的那一帧。
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/chorus/relay/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"go.opentelemetry.io/otel/attribute"
)

// Messages 消息生命周期
type Messages interface {
	Send(ctx context.Context, senderID string, in *service.SendInput) (*service.SendResult, error)
	Delete(ctx context.Context, userID string, messageID int64) (*service.DeleteOutcome, error)
	History(ctx context.Context, userID, roomID string, beforeID int64, limit int) (*protocol.HistoryResult, error)
	MarkDelivered(ctx context.Context, userID string, messageID int64) (*service.ReceiptResult, error)
	MarkRead(ctx context.Context, userID string, messageID int64) (*service.ReceiptResult, error)
	React(ctx context.Context, userID string, messageID int64, content string) (*service.ReactionOutcome, error)
	Unreact(ctx context.Context, userID string, messageID int64) (*service.ReactionOutcome, error)
}

// Presence 在线状态查询
type Presence interface {
	Query(ctx context.Context, viewerID string, userIDs []string) ([]*protocol.PresenceView, error)
}

// Rooms 会话列表
type Rooms interface {
	ListRooms(ctx context.Context, userID string) ([]*protocol.RoomView, error)
}

// Typing 输入状态
type Typing interface {
	Start(ctx context.Context, roomID string, who *service.Identity) error
	StopAll(ctx context.Context, userID string, roomIDs []string)
	Snapshot(roomID string) []string
}

// Guard 成员资格校验
type Guard interface {
	Require(ctx context.Context, userID, roomID string) (service.Decision, error)
}

// Subscriptions 连接的房间订阅
type Subscriptions interface {
	JoinRoom(connID, roomID string) error
	LeaveRoom(connID, roomID string) error
}

// Limiter 限流器，由 genesis ratelimit 实现
type Limiter interface {
	Allow(ctx context.Context, key string, limit ratelimit.Limit) (bool, error)
}

// identified 能提供完整身份的连接
type identified interface {
	Identity() *service.Identity
}

// Handler 实现 protocol.Handler
type Handler struct {
	messages Messages
	presence Presence
	rooms    Rooms
	typing   Typing
	guard    Guard
	subs     Subscriptions
	limiter  Limiter
	limit    ratelimit.Limit
	logger   clog.Logger
}

// Option Handler 选项
type Option func(*Handler)

// WithRateLimit 按用户对入站事件限流，ping 不计入
func WithRateLimit(limiter Limiter, limit ratelimit.Limit) Option {
	return func(h *Handler) {
		h.limiter = limiter
		h.limit = limit
	}
}

// New 创建事件处理器
func New(
	messages Messages,
	presence Presence,
	rooms Rooms,
	typing Typing,
	guard Guard,
	subs Subscriptions,
	logger clog.Logger,
	opts ...Option,
) *Handler {
	h := &Handler{
		messages: messages,
		presence: presence,
		rooms:    rooms,
		typing:   typing,
		guard:    guard,
		subs:     subs,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ protocol.Handler = (*Handler)(nil)

// HandleInvalid 回送 validation_failed
func (h *Handler) HandleInvalid(ctx context.Context, conn protocol.Connection, seq int64, err error) {
	h.logger.DebugContext(ctx, "invalid frame",
		clog.String("user_id", conn.UserID()),
		clog.Int64("seq", seq),
		clog.Error(err))

	message := "invalid payload"
	if errors.Is(err, protocol.ErrUnknownEvent) {
		message = "unknown event"
	}
	h.reply(ctx, conn, protocol.CreateError(seq, string(service.CodeValidationFailed), message))
}

// HandleRequest 分派一条入站事件
// 业务错误转换为 error 帧并返回 nil；只有回送失败才返回错误。
func (h *Handler) HandleRequest(ctx context.Context, conn protocol.Connection, req *protocol.Request) error {
	if req.Event == protocol.EventPing {
		return conn.Send(protocol.CreatePong(req.Seq))
	}

	ctx, end := observability.StartSpan(ctx, "ws."+req.Event,
		attribute.String("user_id", conn.UserID()),
		attribute.Int64("seq", req.Seq))
	defer end()
	start := time.Now()

	if !h.allow(ctx, conn) {
		observability.RecordRateLimited(ctx)
		observability.RecordEvent(ctx, req.Event, time.Since(start), true)
		return conn.Send(protocol.CreateError(req.Seq, string(service.CodeRateLimited), "too many events"))
	}

	result, err := h.dispatch(ctx, conn, req)
	observability.RecordEvent(ctx, req.Event, time.Since(start), err != nil)
	if err != nil {
		return conn.Send(h.errorFrame(ctx, conn, req, err))
	}

	ack, err := protocol.CreateAck(req.Seq, result)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to encode ack", clog.String("event", req.Event), clog.Error(err))
		return conn.Send(protocol.CreateError(req.Seq, string(service.CodeInternal), "internal error"))
	}
	return conn.Send(ack)
}

func (h *Handler) allow(ctx context.Context, conn protocol.Connection) bool {
	if h.limiter == nil {
		return true
	}
	allowed, err := h.limiter.Allow(ctx, "ws:user:"+conn.UserID(), h.limit)
	if err != nil {
		// 限流器故障时放行
		h.logger.ErrorContext(ctx, "event ratelimit check failed", clog.Error(err))
		return true
	}
	if !allowed {
		h.logger.WarnContext(ctx, "event rate limit exceeded", clog.String("user_id", conn.UserID()))
	}
	return allowed
}

func (h *Handler) errorFrame(ctx context.Context, conn protocol.Connection, req *protocol.Request, err error) *protocol.Envelope {
	code := service.CodeOf(err)
	switch code {
	case service.CodeInternal, service.CodeStorageUnavailable:
		h.logger.ErrorContext(ctx, "event failed",
			clog.String("event", req.Event),
			clog.String("user_id", conn.UserID()),
			clog.Error(err))
	default:
		h.logger.DebugContext(ctx, "event rejected",
			clog.String("event", req.Event),
			clog.String("user_id", conn.UserID()),
			clog.String("code", string(code)))
	}
	return protocol.CreateError(req.Seq, string(code), service.MessageOf(err))
}

func (h *Handler) dispatch(ctx context.Context, conn protocol.Connection, req *protocol.Request) (any, error) {
	userID := conn.UserID()

	switch p := req.Payload.(type) {
	case *protocol.JoinRoom:
		return h.joinRoom(ctx, conn, p.RoomID)

	case *protocol.LeaveRoom:
		if err := h.subs.LeaveRoom(conn.ID(), p.RoomID); err != nil {
			return nil, service.NewError(service.CodeInternal, "connection is closing", err)
		}
		h.typing.StopAll(ctx, userID, []string{p.RoomID})
		return &protocol.RoomResult{RoomID: p.RoomID}, nil

	case *protocol.SendMessage:
		res, err := h.messages.Send(ctx, userID, &service.SendInput{
			RoomID:        p.RoomID,
			Type:          model.MessageType(p.Type),
			Content:       p.Content,
			AttachmentIDs: p.AttachmentIDs,
			RecipientID:   p.RecipientID,
		})
		if err != nil {
			return nil, err
		}
		h.typing.StopAll(ctx, userID, []string{p.RoomID})
		return &protocol.SendResult{Message: res.View, Delivered: res.Delivered}, nil

	case *protocol.MarkReceipt:
		if req.Event == protocol.EventMarkRead {
			res, err := h.messages.MarkRead(ctx, userID, p.MessageID)
			if err != nil {
				return nil, err
			}
			return &protocol.ReadResult{
				ReceiptUpdated: protocol.ReceiptUpdated{MessageID: res.MessageID, RoomID: res.RoomKey, UserIDs: res.UserIDs},
				UnreadRooms:    res.UnreadRooms,
			}, nil
		}
		res, err := h.messages.MarkDelivered(ctx, userID, p.MessageID)
		if err != nil {
			return nil, err
		}
		return &protocol.ReceiptUpdated{MessageID: res.MessageID, RoomID: res.RoomKey, UserIDs: res.UserIDs}, nil

	case *protocol.React:
		res, err := h.messages.React(ctx, userID, p.MessageID, p.Content)
		if err != nil {
			return nil, err
		}
		return res.Summary, nil

	case *protocol.Unreact:
		res, err := h.messages.Unreact(ctx, userID, p.MessageID)
		if err != nil {
			return nil, err
		}
		return res.Summary, nil

	case *protocol.DeleteMessage:
		res, err := h.messages.Delete(ctx, userID, p.MessageID)
		if err != nil {
			return nil, err
		}
		return &protocol.MessageDeleted{MessageID: res.MessageID, RoomID: res.RoomKey}, nil

	case *protocol.Typing:
		if req.Event == protocol.EventTypingStart {
			if err := h.typing.Start(ctx, p.RoomID, identityOf(conn)); err != nil {
				return nil, err
			}
		} else {
			h.typing.StopAll(ctx, userID, []string{p.RoomID})
		}
		return &protocol.RoomResult{RoomID: p.RoomID}, nil

	case *protocol.RoomList:
		return h.rooms.ListRooms(ctx, userID)

	case *protocol.PresenceQuery:
		return h.presence.Query(ctx, userID, p.UserIDs)

	case *protocol.History:
		return h.messages.History(ctx, userID, p.RoomID, p.BeforeID, p.Limit)

	default:
		return nil, service.NewError(service.CodeValidationFailed, "unknown event",
			fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, req.Event))
	}
}

// joinRoom 校验成员资格后订阅房间，非成员不做任何改动
func (h *Handler) joinRoom(ctx context.Context, conn protocol.Connection, roomID string) (*protocol.JoinResult, error) {
	if _, err := h.guard.Require(ctx, conn.UserID(), roomID); err != nil {
		return nil, err
	}
	if err := h.subs.JoinRoom(conn.ID(), roomID); err != nil {
		return nil, service.NewError(service.CodeInternal, "connection is closing", err)
	}

	h.logger.DebugContext(ctx, "room joined",
		clog.String("user_id", conn.UserID()),
		clog.String("room_id", roomID),
		clog.String("conn_id", conn.ID()))

	typing := h.typing.Snapshot(roomID)
	if typing == nil {
		typing = []string{}
	}
	return &protocol.JoinResult{RoomID: roomID, Typing: typing}, nil
}

func (h *Handler) reply(ctx context.Context, conn protocol.Connection, env *protocol.Envelope) {
	if err := conn.Send(env); err != nil {
		h.logger.WarnContext(ctx, "failed to reply",
			clog.String("user_id", conn.UserID()),
			clog.String("event", env.Event),
			clog.Error(err))
	}
}

func identityOf(conn protocol.Connection) *service.Identity {
	if c, ok := conn.(identified); ok && c.Identity() != nil {
		return c.Identity()
	}
	return &service.Identity{ID: conn.UserID(), DisplayName: conn.UserID()}
}
