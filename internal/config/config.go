package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AgentGuard/pkg/logger"
)

// Config 描述了 guardd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Runs      RunsConfig      `yaml:"runs"`
	Events    EventsConfig    `yaml:"events"`
	Emergency EmergencyConfig `yaml:"emergency"`
	Tools     ToolsConfig     `yaml:"tools"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Logging   logger.Config   `yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address          string `yaml:"address"`
	MetricsAddress   string `yaml:"metrics_address"`
	DefaultLicense   string `yaml:"default_license"`
	KeepAliveSeconds int    `yaml:"keepalive_seconds"`
}

// KeepAlive 返回 SSE 心跳间隔。
func (s ServerConfig) KeepAlive() time.Duration {
	return time.Duration(s.KeepAliveSeconds) * time.Second
}

// RunsConfig 描述计划执行的并发度与历史存储。
type RunsConfig struct {
	Workers   int         `yaml:"workers"`
	QueueSize int         `yaml:"queue_size"`
	Backlog   int         `yaml:"backlog"`
	Store     StoreConfig `yaml:"store"`
}

// StoreConfig 选择运行历史的存储后端。
type StoreConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// EventsConfig 控制运行事件向外部消息系统的镜像。
type EventsConfig struct {
	Driver           string         `yaml:"driver"`
	Buffer           int            `yaml:"buffer"`
	PublishTimeoutMs int            `yaml:"publish_timeout_ms"`
	Redis            RedisConfig    `yaml:"redis"`
	RabbitMQ         RabbitMQConfig `yaml:"rabbitmq"`
	NATS             NATSConfig     `yaml:"nats"`
}

// RedisConfig 描述 Redis 发布通道。
type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// RabbitMQConfig 描述 RabbitMQ 交换机。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// NATSConfig 描述 NATS 主题前缀。
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// EmergencyConfig 指定应急开关文件的位置，为空时只读取环境变量。
type EmergencyConfig struct {
	KillSwitchFile string `yaml:"kill_switch_file"`
}

// ToolsConfig 选择注册的工具集合。
type ToolsConfig struct {
	Profile           string `yaml:"profile"`
	Shell             string `yaml:"shell"`
	TerminalTimeoutMs int    `yaml:"terminal_timeout_ms"`
}

// AlertingConfig 配置告警渠道，审计日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Default 返回仅包含默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// ApplyEnv 使用 AGENTGUARD_* 环境变量覆盖部分字段。
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup("AGENTGUARD_ADDRESS"); ok && strings.TrimSpace(v) != "" {
		c.Server.Address = strings.TrimSpace(v)
	}
	if v, ok := lookup("AGENTGUARD_DEFAULT_LICENSE"); ok && strings.TrimSpace(v) != "" {
		c.Server.DefaultLicense = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup("AGENTGUARD_WORKERS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.Runs.Workers = n
		}
	}
	if v, ok := lookup("AGENTGUARD_KILL_SWITCH_FILE"); ok {
		c.Emergency.KillSwitchFile = strings.TrimSpace(v)
	}
	if v, ok := lookup("AGENTGUARD_LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		c.Logging.Level = strings.TrimSpace(v)
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:5055"
	}
	if c.Server.DefaultLicense == "" {
		c.Server.DefaultLicense = "starter"
	}
	if c.Server.KeepAliveSeconds <= 0 {
		c.Server.KeepAliveSeconds = 15
	}

	if c.Runs.Workers <= 0 {
		c.Runs.Workers = 4
	}
	if c.Runs.QueueSize <= 0 {
		c.Runs.QueueSize = 256
	}
	if c.Runs.Backlog <= 0 {
		c.Runs.Backlog = 256
	}
	if c.Runs.Store.Driver == "" {
		c.Runs.Store.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 1024
	}
	if c.Events.PublishTimeoutMs <= 0 {
		c.Events.PublishTimeoutMs = 2000
	}
	if c.Events.Redis.ChannelPrefix == "" {
		c.Events.Redis.ChannelPrefix = "agentguard:runs"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "agentguard.runs"
	}
	if c.Events.NATS.SubjectPrefix == "" {
		c.Events.NATS.SubjectPrefix = "agentguard.runs"
	}

	if c.Emergency.KillSwitchFile != "" && !filepath.IsAbs(c.Emergency.KillSwitchFile) && baseDir != "" {
		c.Emergency.KillSwitchFile = filepath.Join(baseDir, c.Emergency.KillSwitchFile)
	}

	if c.Tools.Profile == "" {
		c.Tools.Profile = "standard"
	}
	if c.Tools.Shell == "" {
		c.Tools.Shell = "/bin/sh"
	}
	if c.Tools.TerminalTimeoutMs <= 0 {
		c.Tools.TerminalTimeoutMs = 60_000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) && baseDir != "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}
