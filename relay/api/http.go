package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/chorus/protocol"
	"github.com/ceyewan/chorus/relay/middleware"
	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
)

const maxPresenceIDs = 100

// RoomLister 会话列表
type RoomLister interface {
	ListRooms(ctx context.Context, userID string) ([]*protocol.RoomView, error)
}

// HistoryReader 历史消息
type HistoryReader interface {
	History(ctx context.Context, userID, roomID string, beforeID int64, limit int) (*protocol.HistoryResult, error)
}

// PresenceReader 在线状态查询
type PresenceReader interface {
	Query(ctx context.Context, viewerID string, userIDs []string) ([]*protocol.PresenceView, error)
}

// Uploader 附件上传
type Uploader interface {
	Upload(ctx context.Context, uploaderID, filename string, r io.Reader) (*protocol.AttachmentView, error)
}

// HTTPAPI 需要认证的 REST 接口，与 WebSocket 事件共用服务层
type HTTPAPI struct {
	rooms    RoomLister
	history  HistoryReader
	presence PresenceReader
	uploads  Uploader
	logger   clog.Logger
}

// NewHTTPAPI 创建 REST 接口
func NewHTTPAPI(rooms RoomLister, history HistoryReader, presence PresenceReader, uploads Uploader, logger clog.Logger) *HTTPAPI {
	return &HTTPAPI{
		rooms:    rooms,
		history:  history,
		presence: presence,
		uploads:  uploads,
		logger:   logger,
	}
}

// Register 注册路由，group 上应已挂载认证中间件
func (a *HTTPAPI) Register(group gin.IRoutes) {
	group.GET("/rooms", a.listRooms)
	group.GET("/rooms/:id/messages", a.roomHistory)
	group.GET("/presence", a.queryPresence)
	group.POST("/attachments", a.upload)
}

func (a *HTTPAPI) listRooms(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	rooms, err := a.rooms.ListRooms(c.Request.Context(), userID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (a *HTTPAPI) roomHistory(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var beforeID int64
	if v := c.Query("before_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			a.fail(c, service.NewError(service.CodeValidationFailed, "invalid before_id", err))
			return
		}
		beforeID = id
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.fail(c, service.NewError(service.CodeValidationFailed, "invalid limit", err))
			return
		}
		limit = n
	}

	res, err := a.history.History(c.Request.Context(), userID, c.Param("id"), beforeID, limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// queryPresence GET /presence?user_ids=a,b,c
func (a *HTTPAPI) queryPresence(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	ids := make([]string, 0)
	for _, id := range strings.Split(c.Query("user_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || len(ids) > maxPresenceIDs {
		a.fail(c, service.NewError(service.CodeValidationFailed, "user_ids must list 1 to 100 ids", nil))
		return
	}

	views, err := a.presence.Query(c.Request.Context(), userID, ids)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": views})
}

// upload POST /attachments，multipart 字段名为 file
func (a *HTTPAPI) upload(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	fh, err := c.FormFile("file")
	if err != nil {
		a.fail(c, service.NewError(service.CodeValidationFailed, "missing file", err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		a.fail(c, service.NewError(service.CodeValidationFailed, "unreadable file", err))
		return
	}
	defer f.Close()

	view, err := a.uploads.Upload(c.Request.Context(), userID, fh.Filename, f)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (a *HTTPAPI) fail(c *gin.Context, err error) {
	code := service.CodeOf(err)
	if code == service.CodeInternal || code == service.CodeStorageUnavailable {
		a.logger.ErrorContext(c.Request.Context(), "request failed",
			clog.String("path", c.Request.URL.Path),
			clog.Error(err))
	}
	c.AbortWithStatusJSON(StatusOf(code), gin.H{
		"code":    string(code),
		"message": service.MessageOf(err),
	})
}

// StatusOf 业务错误分类到 HTTP 状态码
func StatusOf(code service.Code) int {
	switch code {
	case service.CodeUnauthenticated:
		return http.StatusUnauthorized
	case service.CodeForbidden:
		return http.StatusForbidden
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeValidationFailed:
		return http.StatusBadRequest
	case service.CodeRateLimited:
		return http.StatusTooManyRequests
	case service.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
