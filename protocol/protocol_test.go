package protocol

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr error
		wantSeq int64
		check   func(t *testing.T, req *Request)
	}{
		{
			name:    "发送消息",
			frame:   `{"event":"send_message","seq":7,"data":{"room_id":"r1","content":"hi"}}`,
			wantSeq: 7,
			check: func(t *testing.T, req *Request) {
				p, ok := req.Payload.(*SendMessage)
				require.True(t, ok)
				assert.Equal(t, "r1", p.RoomID)
				assert.Equal(t, "hi", p.Content)
			},
		},
		{
			name:    "只有附件的消息",
			frame:   `{"event":"send_message","seq":8,"data":{"room_id":"r1","attachment_ids":["6f1c2d1e-8a4b-4c3d-9e2f-0a1b2c3d4e5f"]}}`,
			wantSeq: 8,
		},
		{
			name:    "内容与附件都为空",
			frame:   `{"event":"send_message","seq":9,"data":{"room_id":"r1"}}`,
			wantErr: ErrInvalidPayload,
			wantSeq: 9,
		},
		{
			name:    "附件 ID 格式错误",
			frame:   `{"event":"send_message","seq":10,"data":{"room_id":"r1","attachment_ids":["nope"]}}`,
			wantErr: ErrInvalidPayload,
			wantSeq: 10,
		},
		{
			name:    "未知事件",
			frame:   `{"event":"shutdown","seq":3}`,
			wantErr: ErrUnknownEvent,
			wantSeq: 3,
		},
		{
			name:    "非法 JSON",
			frame:   `{"event":`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "心跳无 data",
			frame:   `{"event":"ping","seq":1}`,
			wantSeq: 1,
			check: func(t *testing.T, req *Request) {
				assert.IsType(t, &Ping{}, req.Payload)
			},
		},
		{
			name:    "消息 ID 缺失",
			frame:   `{"event":"mark_read","seq":2,"data":{}}`,
			wantErr: ErrInvalidPayload,
			wantSeq: 2,
		},
		{
			name:    "历史条数超限",
			frame:   `{"event":"history","seq":4,"data":{"room_id":"r1","limit":1000}}`,
			wantErr: ErrInvalidPayload,
			wantSeq: 4,
		},
		{
			name:    "在线状态查询",
			frame:   `{"event":"presence_query","seq":5,"data":{"user_ids":["a","b"]}}`,
			wantSeq: 5,
			check: func(t *testing.T, req *Request) {
				p := req.Payload.(*PresenceQuery)
				assert.Equal(t, []string{"a", "b"}, p.UserIDs)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, seq, err := Decode([]byte(tt.frame))
			assert.Equal(t, tt.wantSeq, seq)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, req)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, req)
			}
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventTypingUpdated, 0, &TypingUpdated{RoomID: "r1", UserIDs: []string{"alice"}})
	require.NoError(t, err)

	data, err := Encode(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EventTypingUpdated, decoded["event"])
	_, hasSeq := decoded["seq"]
	assert.False(t, hasSeq)
	assert.Equal(t, "r1", decoded["data"].(map[string]any)["room_id"])

	errEnv := CreateError(12, "forbidden", "not a member")
	data, err = Encode(errEnv)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"error","seq":12,"data":{"code":"forbidden","message":"not a member"}}`, string(data))

	assert.Equal(t, EventPong, CreatePong(3).Event)
}
