package api

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/chorus/relay/connection"
	"github.com/ceyewan/chorus/relay/middleware"
	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAuth struct{}

func (stubAuth) Validate(_ context.Context, credential string) (*service.Identity, error) {
	credential = strings.TrimPrefix(credential, "Bearer ")
	if credential == "alice-token" {
		return &service.Identity{ID: "alice", DisplayName: "Alice"}, nil
	}
	return nil, service.NewError(service.CodeUnauthenticated, "invalid credential", nil)
}

type stubServices struct {
	mu        sync.Mutex
	swept     []string
	stopped   []string
	uploaded  string
	historyID string
	beforeID  int64
}

func (s *stubServices) ListRooms(_ context.Context, userID string) ([]*protocol.RoomView, error) {
	return []*protocol.RoomView{{RoomID: "room-1", IsGroup: true, Name: "general"}}, nil
}

func (s *stubServices) History(_ context.Context, _, roomID string, beforeID int64, _ int) (*protocol.HistoryResult, error) {
	if roomID == "secret" {
		return nil, service.NewError(service.CodeForbidden, "not an active member of this room", nil)
	}
	s.historyID, s.beforeID = roomID, beforeID
	return &protocol.HistoryResult{RoomID: roomID, Messages: []*protocol.MessageView{}}, nil
}

func (s *stubServices) Query(_ context.Context, _ string, ids []string) ([]*protocol.PresenceView, error) {
	out := make([]*protocol.PresenceView, 0, len(ids))
	for _, id := range ids {
		out = append(out, &protocol.PresenceView{UserID: id})
	}
	return out, nil
}

func (s *stubServices) Upload(_ context.Context, uploaderID, filename string, r io.Reader) (*protocol.AttachmentView, error) {
	data, _ := io.ReadAll(r)
	s.uploaded = uploaderID + ":" + filename + ":" + string(data)
	return &protocol.AttachmentView{ID: "att-1", URL: "/blobs/" + filename, Size: int64(len(data))}, nil
}

func (s *stubServices) Sweep(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swept = append(s.swept, userID)
	return 0, nil
}

func (s *stubServices) StopAll(_ context.Context, userID string, roomIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, roomIDs...)
}

func (s *stubServices) sweptUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.swept...)
}

// pongHandler 只应答 ping，其余事件回送 ack
type pongHandler struct{ registry *connection.Registry }

func (h pongHandler) HandleRequest(_ context.Context, conn protocol.Connection, req *protocol.Request) error {
	if req.Event == protocol.EventPing {
		return conn.Send(protocol.CreatePong(req.Seq))
	}
	if p, ok := req.Payload.(*protocol.JoinRoom); ok {
		_ = h.registry.JoinRoom(conn.ID(), p.RoomID)
	}
	ack, _ := protocol.CreateAck(req.Seq, nil)
	return conn.Send(ack)
}

func (pongHandler) HandleInvalid(_ context.Context, conn protocol.Connection, seq int64, _ error) {
	_ = conn.Send(protocol.CreateError(seq, string(service.CodeValidationFailed), "invalid payload"))
}

func newHTTPRouter(svc *stubServices) *gin.Engine {
	r := gin.New()
	group := r.Group("/api", middleware.RequireAuth(stubAuth{}, clog.Discard()))
	NewHTTPAPI(svc, svc, svc, svc, clog.Discard()).Register(group)
	return r
}

func do(r http.Handler, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer alice-token")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHTTPAPI_Rooms(t *testing.T) {
	r := newHTTPRouter(&stubServices{})

	w := do(r, http.MethodGet, "/api/rooms", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Rooms []*protocol.RoomView `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "general", body.Rooms[0].Name)
}

func TestHTTPAPI_History(t *testing.T) {
	svc := &stubServices{}
	r := newHTTPRouter(svc)

	w := do(r, http.MethodGet, "/api/rooms/room-1/messages?before_id=77&limit=10", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "room-1", svc.historyID)
	assert.Equal(t, int64(77), svc.beforeID)

	w = do(r, http.MethodGet, "/api/rooms/room-1/messages?before_id=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/rooms/secret/messages", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "forbidden")
}

func TestHTTPAPI_Presence(t *testing.T) {
	r := newHTTPRouter(&stubServices{})

	w := do(r, http.MethodGet, "/api/presence?user_ids=bob,%20carol,", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Presence []*protocol.PresenceView `json:"presence"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Presence, 2)
	assert.Equal(t, "carol", body.Presence[1].UserID)

	w = do(r, http.MethodGet, "/api/presence", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPAPI_Upload(t *testing.T) {
	svc := &stubServices{}
	r := newHTTPRouter(svc)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "hello.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("hi"))
	require.NoError(t, mw.Close())

	w := do(r, http.MethodPost, "/api/attachments", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "alice:hello.txt:hi", svc.uploaded)

	w = do(r, http.MethodPost, "/api/attachments", strings.NewReader(""), "text/plain")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, StatusOf(service.CodeUnauthenticated))
	assert.Equal(t, http.StatusNotFound, StatusOf(service.CodeNotFound))
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(service.CodeStorageUnavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(service.CodeInternal))
}

func TestWebSocket_Lifecycle(t *testing.T) {
	svc := &stubServices{}
	reg := connection.NewRegistry(connection.Hooks{}, clog.Discard())
	ws := NewWebSocket(stubAuth{}, reg, pongHandler{registry: reg}, svc, svc, nil, clog.Discard())

	r := gin.New()
	r.GET("/ws", ws.Handle)
	srv := httptest.NewServer(r)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("rejects bad credential", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url+"?token=wrong", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, 0, reg.Count())
	})

	t.Run("ping pong and cleanup", func(t *testing.T) {
		client, _, err := websocket.DefaultDialer.Dial(url+"?token=alice-token", nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return reg.IsReachable("alice") }, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return len(svc.sweptUsers()) == 1 }, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"join_room","seq":1,"data":{"room_id":"room-1"}}`)))
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping","seq":2}`)))

		var ack, pong protocol.Envelope
		require.NoError(t, client.ReadJSON(&ack))
		require.NoError(t, client.ReadJSON(&pong))
		assert.Equal(t, protocol.EventAck, ack.Event)
		assert.Equal(t, protocol.EventPong, pong.Event)
		assert.Equal(t, int64(2), pong.Seq)
		assert.True(t, reg.UserJoinedRoom("alice", "room-1"))

		require.NoError(t, client.Close())
		require.Eventually(t, func() bool { return reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool { return !reg.UserJoinedRoom("alice", "room-1") }, 2*time.Second, 10*time.Millisecond)

		require.Eventually(t, func() bool {
			svc.mu.Lock()
			defer svc.mu.Unlock()
			return len(svc.stopped) == 1 && svc.stopped[0] == "room-1"
		}, 2*time.Second, 10*time.Millisecond)
	})
}
