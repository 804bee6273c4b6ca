package middleware

import (
	"context"
	"time"

	"github.com/ceyewan/chorus/relay/observability"
	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TraceIDKey Context 中 trace_id 的键
	TraceIDKey = "trace_id"
	// TraceIDHeader HTTP header 中 trace_id 的键
	TraceIDHeader = "X-Trace-ID"
	// RequestIDHeader HTTP header 中 request_id 的键
	RequestIDHeader = "X-Request-ID"
)

type traceKey struct{}

// WithTraceID 把 trace_id 写入 Context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// GetTraceID 从 Context 中获取 TraceID，优先使用 OTEL Span 的 TraceID
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if traceID, ok := ctx.Value(traceKey{}).(string); ok {
		return traceID
	}
	return ""
}

// Logger 返回一个请求日志中间件
// 为每个请求开启 Span，负责 trace_id 的生成和注入，并记录 HTTP 指标
func Logger(logger clog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx, end := observability.StartSpan(c.Request.Context(), "http "+c.Request.Method+" "+path)
		defer end()

		traceID := GetTraceID(ctx)
		if traceID == "" {
			traceID = c.GetHeader(TraceIDHeader)
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}
		ctx = WithTraceID(ctx, traceID)
		c.Set(TraceIDKey, traceID)
		c.Header(TraceIDHeader, traceID)
		c.Request = c.Request.WithContext(ctx)

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		observability.RecordHTTPRequest(ctx, path, status, latency)

		fields := []clog.Field{
			clog.String("request_id", requestID),
			clog.String("method", c.Request.Method),
			clog.String("path", c.Request.URL.Path),
			clog.Int("status", status),
			clog.String("client_ip", c.ClientIP()),
			clog.Duration("latency", latency),
		}
		if userID, ok := GetUserID(c); ok {
			fields = append(fields, clog.String("user_id", userID))
		}

		switch {
		case status >= 500:
			logger.ErrorContext(ctx, "server error", fields...)
		case status >= 400:
			logger.WarnContext(ctx, "client error", fields...)
		default:
			logger.InfoContext(ctx, "request", fields...)
		}
	}
}

// SlowQueryDetector 当请求超过指定阈值时记录警告日志
func SlowQueryDetector(logger clog.Logger, threshold time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if latency := time.Since(start); latency > threshold {
			logger.WarnContext(c.Request.Context(), "slow request detected",
				clog.String("path", c.Request.URL.Path),
				clog.String("method", c.Request.Method),
				clog.Duration("latency", latency),
				clog.Int("status", c.Writer.Status()))
		}
	}
}
