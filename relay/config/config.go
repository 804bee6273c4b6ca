package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
)

// Config Relay 服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name     string `mapstructure:"name"`      // 服务名称
		Host     string `mapstructure:"host"`      // 服务主机名（环境变量 HOSTNAME）
		HTTPPort int    `mapstructure:"http_port"` // HTTP / WebSocket 端口
	} `mapstructure:"service"`

	// 基础组件配置
	Log      clog.Config                `mapstructure:"log"`      // 日志配置
	Postgres connector.PostgreSQLConfig `mapstructure:"postgres"` // PostgreSQL 配置
	Redis    connector.RedisConfig      `mapstructure:"redis"`    // Redis 配置
	NATS     connector.NATSConfig       `mapstructure:"nats"`     // NATS 配置

	// 认证配置
	Auth AuthConfig `mapstructure:"auth"`

	// WebSocket 配置
	WSConfig WSConfig `mapstructure:"ws_config"`

	// 附件存储配置
	Blob BlobConfig `mapstructure:"blob"`

	// 通知配置
	Notify NotifyConfig `mapstructure:"notify"`

	// Outbox 配置
	Outbox OutboxConfig `mapstructure:"outbox"`

	// 限流配置
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// 可观测性配置
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// AuthConfig 凭证校验配置
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`    // HS256 签名密钥
	Issuer   string        `mapstructure:"issuer"`    // 期望的 iss，为空不校验
	TokenTTL time.Duration `mapstructure:"token_ttl"` // 开发凭证有效期
}

// GetTokenTTL 获取开发凭证有效期，默认 24 小时
func (c *AuthConfig) GetTokenTTL() time.Duration {
	if c.TokenTTL <= 0 {
		return 24 * time.Hour
	}
	return c.TokenTTL
}

// WSConfig WebSocket 相关配置
type WSConfig struct {
	ReadBufferSize  int `mapstructure:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize int `mapstructure:"write_buffer_size"` // 写缓冲区大小
	MaxMessageSize  int `mapstructure:"max_message_size"`  // 最大消息大小（KB）
	PingInterval    int `mapstructure:"ping_interval"`     // 心跳间隔（秒）
	PongTimeout     int `mapstructure:"pong_timeout"`      // 心跳超时（秒）
}

// BlobConfig 本地附件存储
type BlobConfig struct {
	Dir       string `mapstructure:"dir"`        // 存储目录
	URLPrefix string `mapstructure:"url_prefix"` // 对外访问前缀
	MaxSize   int64  `mapstructure:"max_size"`   // 单个文件上限（字节）
}

// GetDir 获取存储目录，默认 ./data/blobs
func (c *BlobConfig) GetDir() string {
	if c.Dir == "" {
		return "./data/blobs"
	}
	return c.Dir
}

// GetURLPrefix 获取访问前缀，默认 /blobs
func (c *BlobConfig) GetURLPrefix() string {
	if c.URLPrefix == "" {
		return "/blobs"
	}
	return "/" + strings.Trim(c.URLPrefix, "/")
}

// GetMaxSize 获取单文件上限，默认 10MB
func (c *BlobConfig) GetMaxSize() int64 {
	if c.MaxSize <= 0 {
		return 10 << 20
	}
	return c.MaxSize
}

// NotifyConfig 通知投递配置
type NotifyConfig struct {
	Disable bool   `mapstructure:"disable"` // 关闭后不连接 NATS，也不启动 outbox
	Topic   string `mapstructure:"topic"`   // 发布主题
}

// GetTopic 获取通知主题，默认 chorus.notify
func (c *NotifyConfig) GetTopic() string {
	if c.Topic == "" {
		return "chorus.notify"
	}
	return c.Topic
}

// OutboxConfig Outbox Job 配置
type OutboxConfig struct {
	TickerTime time.Duration `mapstructure:"ticker_time"` // 扫描间隔
}

// GetTickerTime 获取扫描间隔，默认 1 秒
func (c *OutboxConfig) GetTickerTime() time.Duration {
	if c.TickerTime <= 0 {
		return time.Second
	}
	return c.TickerTime
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	EventRate  float64 `mapstructure:"event_rate"`  // 每个用户每秒允许的入站事件
	EventBurst int     `mapstructure:"event_burst"` // 入站事件突发容量
	IPRate     float64 `mapstructure:"ip_rate"`     // 每个 IP 每秒允许的 HTTP 请求
	IPBurst    int     `mapstructure:"ip_burst"`    // HTTP 请求突发容量
}

// GetEventRate 默认 20/s
func (c *RateLimitConfig) GetEventRate() float64 {
	if c.EventRate <= 0 {
		return 20
	}
	return c.EventRate
}

// GetEventBurst 默认 40
func (c *RateLimitConfig) GetEventBurst() int {
	if c.EventBurst <= 0 {
		return 40
	}
	return c.EventBurst
}

// GetIPRate 默认 50/s
func (c *RateLimitConfig) GetIPRate() float64 {
	if c.IPRate <= 0 {
		return 50
	}
	return c.IPRate
}

// GetIPBurst 默认 100
func (c *RateLimitConfig) GetIPBurst() int {
	if c.IPBurst <= 0 {
		return 100
	}
	return c.IPBurst
}

// ObservabilityConfig 可观测性配置
type ObservabilityConfig struct {
	Trace struct {
		Disable  bool    `mapstructure:"disable"`  // 是否禁用 Trace 上报
		Endpoint string  `mapstructure:"endpoint"` // OTLP 端点，例如 "localhost:4317"
		Insecure bool    `mapstructure:"insecure"` // 是否使用不安全连接
		Sampler  float64 `mapstructure:"sampler"`  // 采样率（0-1）
	} `mapstructure:"trace"`
	Metrics struct {
		Port          int    `mapstructure:"port"`           // Prometheus 暴露端口
		Path          string `mapstructure:"path"`           // Prometheus 暴露路径
		EnableRuntime bool   `mapstructure:"enable_runtime"` // 是否启用运行时指标
	} `mapstructure:"metrics"`
}

// GetHost 获取服务主机名，优先使用配置，其次环境变量 HOSTNAME，最后 "localhost"
func (c *Config) GetHost() string {
	if c.Service.Host != "" {
		return c.Service.Host
	}
	if host := os.Getenv("HOSTNAME"); host != "" {
		return host
	}
	return "localhost"
}

// GetServiceName 获取服务名称
func (c *Config) GetServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return "chorus-relay"
}

// GetHTTPPort 获取 HTTP 端口
func (c *Config) GetHTTPPort() int {
	if c.Service.HTTPPort > 0 && c.Service.HTTPPort < 65536 {
		return c.Service.HTTPPort
	}
	return 8080
}

// GetHTTPAddr 获取 HTTP 绑定地址
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.GetHTTPPort())
}

// Load 创建并加载 Relay 配置
// 配置加载顺序：环境变量 > .env > relay.{env}.yaml > relay.yaml
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "relay",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "CHORUS",
	})
	if err != nil {
		return nil, err
	}

	if err := loader.Load(context.Background()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if os.Getenv("CHORUS_DEBUG_CONFIG") == "true" {
		dumpConfig(&cfg)
	}

	return &cfg, nil
}

// dumpConfig 以 JSON 格式打印配置（脱敏敏感字段）
func dumpConfig(cfg *Config) {
	sanitized := *cfg
	if sanitized.Postgres.Password != "" {
		sanitized.Postgres.Password = "***"
	}
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "***"
	}
	if sanitized.NATS.Password != "" {
		sanitized.NATS.Password = "***"
	}
	if sanitized.Auth.Secret != "" {
		sanitized.Auth.Secret = "***"
	}

	data, _ := json.MarshalIndent(sanitized, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== Relay Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
