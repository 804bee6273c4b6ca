// Package observability 提供 Relay 服务的可观测性支持
// 包括 Trace（分布式追踪）和 Metrics（指标收集）
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

// TracerName Tracer 名称
const TracerName = "chorus-relay"

// Config 可观测性配置
type Config struct {
	ServiceName string
	Trace       TraceConfig
	Metrics     MetricsConfig
}

// TraceConfig 链路追踪配置
type TraceConfig struct {
	Disable  bool
	Endpoint string
	Insecure bool
	Sampler  float64
}

// MetricsConfig 指标收集配置
type MetricsConfig struct {
	Port          int
	Path          string
	EnableRuntime bool
}

var (
	meter     metrics.Meter
	traceOnce sync.Once
	shutdown  func(context.Context) error

	// WebSocket
	connectionsActive metrics.Gauge
	connectionsTotal  metrics.Counter
	authRejected      metrics.Counter

	// 入站事件
	eventsTotal       metrics.Counter
	eventErrors       metrics.Counter
	eventDuration     metrics.Histogram
	eventsRateLimited metrics.Counter

	// 扇出
	fanoutDuration metrics.Histogram
	fanoutFrames   metrics.Counter
	fanoutFailed   metrics.Counter

	// HTTP
	httpRequestsTotal   metrics.Counter
	httpRequestDuration metrics.Histogram
	httpErrorsTotal     metrics.Counter
)

// Init 初始化可观测性组件
func Init(cfg *Config) error {
	var initErr error

	traceOnce.Do(func() {
		shutdownFunc, err := initTrace(cfg)
		if err != nil {
			initErr = fmt.Errorf("init trace: %w", err)
			return
		}
		shutdown = shutdownFunc

		meter, err = initMetrics(cfg)
		if err != nil {
			initErr = fmt.Errorf("init metrics: %w", err)
			return
		}

		initBusinessMetrics()
	})

	return initErr
}

// Shutdown 优雅关闭
func Shutdown(ctx context.Context) error {
	var firstErr error
	if shutdown != nil {
		if err := shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if meter != nil {
		if err := meter.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func serviceName(cfg *Config) string {
	if cfg.ServiceName == "" {
		return "chorus-relay"
	}
	return cfg.ServiceName
}

// initTrace 初始化 Trace
func initTrace(cfg *Config) (func(context.Context) error, error) {
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	if cfg.Trace.Disable {
		// 只生成 TraceID 不上报
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(serviceName(cfg)),
			)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagator)
		return tp.Shutdown, nil
	}

	endpoint := cfg.Trace.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	sampler := cfg.Trace.Sampler
	if sampler == 0 {
		sampler = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(5 * time.Second),
	}
	if cfg.Trace.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName(cfg))),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampler))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	return tp.Shutdown, nil
}

// initMetrics 初始化 Metrics
func initMetrics(cfg *Config) (metrics.Meter, error) {
	metricsCfg := &metrics.Config{
		ServiceName:   serviceName(cfg),
		Port:          cfg.Metrics.Port,
		Path:          cfg.Metrics.Path,
		EnableRuntime: cfg.Metrics.EnableRuntime,
	}
	if metricsCfg.Port == 0 {
		metricsCfg.Port = 9092
	}
	if metricsCfg.Path == "" {
		metricsCfg.Path = "/metrics"
	}

	return metrics.New(metricsCfg)
}

// initBusinessMetrics 初始化业务指标
func initBusinessMetrics() {
	connectionsActive, _ = meter.Gauge(
		"relay_websocket_connections_active",
		"Current number of active WebSocket connections",
	)
	connectionsTotal, _ = meter.Counter(
		"relay_websocket_connections_total",
		"Total number of WebSocket connections established",
	)
	authRejected, _ = meter.Counter(
		"relay_websocket_auth_rejected_total",
		"Total number of WebSocket handshakes rejected by the identity gate",
	)

	eventsTotal, _ = meter.Counter(
		"relay_events_total",
		"Total number of inbound events by name",
	)
	eventErrors, _ = meter.Counter(
		"relay_event_errors_total",
		"Total number of inbound events answered with an error frame",
	)
	eventDuration, _ = meter.Histogram(
		"relay_event_duration_seconds",
		"Inbound event handling latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}),
	)
	eventsRateLimited, _ = meter.Counter(
		"relay_events_rate_limited_total",
		"Total number of inbound events rejected by the rate limiter",
	)

	fanoutDuration, _ = meter.Histogram(
		"relay_fanout_duration_seconds",
		"Fan-out latency per broadcast",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1}),
	)
	fanoutFrames, _ = meter.Counter(
		"relay_fanout_frames_total",
		"Total number of frames queued to connections",
	)
	fanoutFailed, _ = meter.Counter(
		"relay_fanout_failed_total",
		"Total number of frames dropped because a connection was closed or full",
	)

	httpRequestsTotal, _ = meter.Counter(
		"relay_http_requests_total",
		"Total number of HTTP requests",
	)
	httpRequestDuration, _ = meter.Histogram(
		"relay_http_request_duration_seconds",
		"HTTP request latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}),
	)
	httpErrorsTotal, _ = meter.Counter(
		"relay_http_errors_total",
		"Total number of HTTP errors",
	)
}

// StartSpan 开始一个新的 Span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func() {
		span.End()
	}
}

// SetConnectionsActive 设置当前活跃连接数
func SetConnectionsActive(ctx context.Context, count int) {
	if connectionsActive != nil {
		connectionsActive.Set(ctx, float64(count))
	}
}

// RecordConnectionEstablished 记录新建连接
func RecordConnectionEstablished(ctx context.Context) {
	if connectionsTotal != nil {
		connectionsTotal.Inc(ctx)
	}
}

// RecordAuthRejected 记录被拒绝的握手
func RecordAuthRejected(ctx context.Context) {
	if authRejected != nil {
		authRejected.Inc(ctx)
	}
}

// RecordEvent 记录一次入站事件及其处理耗时
func RecordEvent(ctx context.Context, event string, duration time.Duration, failed bool) {
	label := metrics.L("event", event)
	if eventsTotal != nil {
		eventsTotal.Inc(ctx, label)
	}
	if eventDuration != nil {
		eventDuration.Record(ctx, duration.Seconds(), label)
	}
	if failed && eventErrors != nil {
		eventErrors.Inc(ctx, label)
	}
}

// RecordRateLimited 记录被限流的入站事件
func RecordRateLimited(ctx context.Context) {
	if eventsRateLimited != nil {
		eventsRateLimited.Inc(ctx)
	}
}

// RecordFanout 记录一次扇出
func RecordFanout(ctx context.Context, scope string, duration time.Duration, sent, failed int) {
	label := metrics.L("scope", scope)
	if fanoutDuration != nil {
		fanoutDuration.Record(ctx, duration.Seconds(), label)
	}
	if fanoutFrames != nil {
		for i := 0; i < sent; i++ {
			fanoutFrames.Inc(ctx, label)
		}
	}
	if fanoutFailed != nil {
		for i := 0; i < failed; i++ {
			fanoutFailed.Inc(ctx, label)
		}
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(ctx context.Context, path string, status int, duration time.Duration) {
	label := metrics.L("path", path)
	if httpRequestsTotal != nil {
		httpRequestsTotal.Inc(ctx, label)
	}
	if httpRequestDuration != nil {
		httpRequestDuration.Record(ctx, duration.Seconds(), label)
	}
	if status >= 400 && httpErrorsTotal != nil {
		httpErrorsTotal.Inc(ctx, label, metrics.L("status", fmt.Sprintf("%d", status)))
	}
}

// NewLogger 创建带有 Trace Context 的 Logger
func NewLogger(cfg *clog.Config) (clog.Logger, error) {
	return clog.New(cfg, clog.WithTraceContext())
}
