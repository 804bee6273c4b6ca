// Package protocol 定义 WebSocket 上的 JSON 信封格式与事件变体。
//
// 每一帧都是 {event, seq, data}：event 决定 data 的结构，seq 由客户端生成，
// 服务端在 ack / error 中原样带回，广播类事件的 seq 为 0。
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// 入站事件
const (
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
	EventSendMessage   = "send_message"
	EventMarkDelivered = "mark_delivered"
	EventMarkRead      = "mark_read"
	EventReact         = "react"
	EventUnreact       = "unreact"
	EventDeleteMessage = "delete_message"
	EventTypingStart   = "typing_start"
	EventTypingStop    = "typing_stop"
	EventRoomList      = "room_list"
	EventPresenceQuery = "presence_query"
	EventHistory       = "history"
	EventPing          = "ping"
)

// 出站事件
const (
	EventAck             = "ack"
	EventError           = "error"
	EventMessageNew      = "message_new"
	EventMessageDeleted  = "message_deleted"
	EventDeliveryUpdated = "delivery_updated"
	EventReadUpdated     = "read_updated"
	EventReactionUpdated = "reaction_updated"
	EventRoomListChanged = "room_list_changed"
	EventTypingUpdated   = "typing_updated"
	EventPresenceChanged = "presence_changed"
	EventGalleryUpdated  = "gallery_updated"
	EventPong            = "pong"
)

var (
	// ErrUnknownEvent 未注册的事件名
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload 帧格式或字段校验失败
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope 线上传输的帧
type Envelope struct {
	Event string          `json:"event"`
	Seq   int64           `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Request 解码并校验后的入站事件，Payload 为对应事件的具体类型指针
type Request struct {
	Event   string
	Seq     int64
	Payload any
}

// Connection 表示一个客户端连接的抽象
type Connection interface {
	// ID 连接唯一标识
	ID() string
	// UserID 连接所属用户
	UserID() string
	// Send 非阻塞投递，缓冲区满或连接已关闭时返回错误
	Send(env *Envelope) error
	// Close 关闭连接
	Close() error
	// RemoteAddr 获取远程地址
	RemoteAddr() string
}

// Handler 处理入站事件的接口
type Handler interface {
	// HandleRequest 处理一条解码成功的事件
	HandleRequest(ctx context.Context, conn Connection, req *Request) error
	// HandleInvalid 处理解码失败的帧，seq 尽力解析，解析不到为 0
	HandleInvalid(ctx context.Context, conn Connection, seq int64, err error)
}

var validate = validator.New()

// requestFactories 事件名到 payload 构造函数的映射，未列出的事件一律拒绝
var requestFactories = map[string]func() any{
	EventJoinRoom:      func() any { return &JoinRoom{} },
	EventLeaveRoom:     func() any { return &LeaveRoom{} },
	EventSendMessage:   func() any { return &SendMessage{} },
	EventMarkDelivered: func() any { return &MarkReceipt{} },
	EventMarkRead:      func() any { return &MarkReceipt{} },
	EventReact:         func() any { return &React{} },
	EventUnreact:       func() any { return &Unreact{} },
	EventDeleteMessage: func() any { return &DeleteMessage{} },
	EventTypingStart:   func() any { return &Typing{} },
	EventTypingStop:    func() any { return &Typing{} },
	EventRoomList:      func() any { return &RoomList{} },
	EventPresenceQuery: func() any { return &PresenceQuery{} },
	EventHistory:       func() any { return &History{} },
	EventPing:          func() any { return &Ping{} },
}

// Decode 解析一帧并校验 payload
// 返回错误时 seq 仍尽量给出，便于回送 error 帧。
func Decode(data []byte) (*Request, int64, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	factory, ok := requestFactories[env.Event]
	if !ok {
		return nil, env.Seq, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	payload := factory()
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return nil, env.Seq, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := validate.Struct(payload); err != nil {
		return nil, env.Seq, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return &Request{Event: env.Event, Seq: env.Seq, Payload: payload}, env.Seq, nil
}

// NewEnvelope 编码 payload 并构造出站帧，payload 为 nil 时不带 data
func NewEnvelope(event string, seq int64, payload any) (*Envelope, error) {
	env := &Envelope{Event: event, Seq: seq}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Encode 将帧编码为字节流
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// CreateAck 创建确认帧
func CreateAck(seq int64, result any) (*Envelope, error) {
	return NewEnvelope(EventAck, seq, result)
}

// CreateError 创建错误帧
func CreateError(seq int64, code, message string) *Envelope {
	env, err := NewEnvelope(EventError, seq, &ErrorPayload{Code: code, Message: message})
	if err != nil {
		// ErrorPayload 只包含字符串，编码不会失败
		return &Envelope{Event: EventError, Seq: seq}
	}
	return env
}

// CreatePong 创建心跳响应
func CreatePong(seq int64) *Envelope {
	return &Envelope{Event: EventPong, Seq: seq}
}
