package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了执行服务在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig  `json:"server"`
	Storage      StorageConfig `json:"storage"`
	MessageQueue QueueConfig   `json:"message_queue"`
	Chain        ChainConfig   `json:"chain"`
	Handler      HandlerConfig `json:"handler"`
	Auth         AuthConfig    `json:"auth"`
	Log          LogConfig     `json:"log"`
	Runtime      RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述消息与执行日志的持久化后端。
type StorageConfig struct {
	MessageStore MessageStoreConfig `json:"message_store"`
	Journal      JournalConfig      `json:"journal"`
}

// MessageStoreConfig 描述消息存储的驱动与连接信息。
type MessageStoreConfig struct {
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
	Retries int    `json:"retries"`
}

// JournalConfig 描述执行日志存储的驱动与连接信息。
type JournalConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述消息队列的驱动配置。
type QueueConfig struct {
	Driver   string              `json:"driver"`
	Worker   int                 `json:"worker"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ChainConfig 包含访问区块链节点所需的 RPC 地址与预检开关。
type ChainConfig struct {
	ConfigPath   string `json:"config_path"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
	Preflight    bool   `json:"preflight"`
}

// HandlerConfig 描述执行器自身的身份地址。
type HandlerConfig struct {
	Address string `json:"address"`
}

// AuthConfig 描述 API 的认证方式。
type AuthConfig struct {
	Mode  string       `json:"mode"`
	Store string       `json:"store"`
	DSN   string       `json:"dsn"`
	JWT   JWTConfig    `json:"jwt"`
	Seeds []SeedConfig `json:"seeds"`
}

// SeedConfig 描述初始账号与权限。
type SeedConfig struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// JWTConfig 描述本地 JWT 签发参数。
type JWTConfig struct {
	Secret     string `json:"secret"`
	Issuer     string `json:"issuer"`
	AccessTTL  int64  `json:"access_ttl_seconds"`
	RefreshTTL int64  `json:"refresh_ttl_seconds"`
}

// LogConfig 描述日志输出方式。
type LogConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志的轮转策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.MessageStore.Driver == "" {
		c.Storage.MessageStore.Driver = "memory"
	}
	if c.Storage.MessageStore.Retries <= 0 {
		c.Storage.MessageStore.Retries = 3
	}
	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "memory"
	}

	if c.MessageQueue.Driver == "" {
		c.MessageQueue.Driver = "memory"
	}
	if c.MessageQueue.Worker <= 0 {
		c.MessageQueue.Worker = 1
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Store == "" {
		c.Auth.Store = "memory"
	}

	if c.Chain.ConfigPath != "" && !filepath.IsAbs(c.Chain.ConfigPath) {
		c.Chain.ConfigPath = filepath.Join(baseDir, c.Chain.ConfigPath)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
