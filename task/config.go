package task

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
)

// Config Task 服务配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name       string `mapstructure:"name"`        // 服务名称
		HealthPort int    `mapstructure:"health_port"` // 健康检查端口
	} `mapstructure:"service"`

	// 基础组件配置
	Log   clog.Config           `mapstructure:"log"`   // 日志配置
	Redis connector.RedisConfig `mapstructure:"redis"` // Redis 配置，仅 inbox sink 使用
	NATS  connector.NATSConfig  `mapstructure:"nats"`  // NATS 配置

	// 消费者配置
	Consumer ConsumerConfig `mapstructure:"consumer"`

	// 通知落地方式：log 或 inbox
	Sink string `mapstructure:"sink"`
}

// ConsumerConfig MQ 消费者配置
type ConsumerConfig struct {
	Topic         string        `mapstructure:"topic"`          // 订阅的主题
	QueueGroup    string        `mapstructure:"queue_group"`    // 队列组名称
	MaxRetry      int           `mapstructure:"max_retry"`      // 最大尝试次数
	RetryInterval time.Duration `mapstructure:"retry_interval"` // 重试间隔
}

// GetTopic 默认与 relay 的通知主题一致
func (c *ConsumerConfig) GetTopic() string {
	if c.Topic != "" {
		return c.Topic
	}
	return "chorus.notify"
}

// GetQueueGroup 获取队列组名称
func (c *ConsumerConfig) GetQueueGroup() string {
	if c.QueueGroup != "" {
		return c.QueueGroup
	}
	return "chorus-task"
}

// GetMaxRetry 默认 3 次
func (c *ConsumerConfig) GetMaxRetry() int {
	if c.MaxRetry <= 0 {
		return 3
	}
	return c.MaxRetry
}

// GetRetryInterval 默认 1 秒
func (c *ConsumerConfig) GetRetryInterval() time.Duration {
	if c.RetryInterval <= 0 {
		return time.Second
	}
	return c.RetryInterval
}

// GetServiceName 获取服务名称
func (c *Config) GetServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return "chorus-task"
}

// GetHealthAddr 获取健康检查绑定地址
func (c *Config) GetHealthAddr() string {
	port := c.Service.HealthPort
	if port <= 0 || port > 65535 {
		port = 8090
	}
	return fmt.Sprintf(":%d", port)
}

// Load 加载 Task 配置
// 配置加载顺序：环境变量 > .env > task.{env}.yaml > task.yaml
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "task",
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
	return &cfg, nil
}
