package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Token     TokenConfig     `yaml:"token"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Models    ModelsConfig    `yaml:"models"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	KeyProtection bool   `yaml:"key_protection"` // 是否启用 API Key 认证
	KeyFile       string `yaml:"key_file"`       // API Key 配置文件路径
}

// TokenConfig Token 存储与池配置
type TokenConfig struct {
	StorageType    string `yaml:"storage_type"` // sqlite | memory | file | redis
	DBPath         string `yaml:"db_path"`
	StoragePath    string `yaml:"storage_path"` // 文件存储目录
	ErrorThreshold int    `yaml:"error_threshold"`
	MaxRetries     int    `yaml:"max_retries"`
	CleanupSpec    string `yaml:"cleanup_spec"` // cron 表达式
}

// UpstreamConfig 上游接口配置
type UpstreamConfig struct {
	BaseURL              string  `yaml:"base_url"`
	ConnectTimeout       int     `yaml:"connect_timeout"`        // 秒
	ReadTimeout          int     `yaml:"read_timeout"`           // 秒
	MaxRetries           int     `yaml:"max_retries"`            // 请求级重试预算
	InitialRetryDelayMs  int     `yaml:"initial_retry_delay_ms"` // 退避初始延迟
	MaxRetryDelayMs      int     `yaml:"max_retry_delay_ms"`     // 退避上限
	EmptyResponseTimeout float64 `yaml:"empty_response_timeout"` // 秒，空流超时
}

// RateLimitConfig 限速配置
type RateLimitConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxRate    int  `yaml:"max_rate"`    // 窗口内最大请求数
	TimeWindow int  `yaml:"time_window"` // 窗口大小（秒）
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ModelsConfig 模型配置
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig 单个模型配置
type ModelConfig struct {
	ID              string `yaml:"id"`
	Description     string `yaml:"description"`
	ThinkingEnabled bool   `yaml:"thinking_enabled"`
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default 返回全默认值配置（用于无配置文件启动和测试）
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.KeyFile == "" {
		cfg.Server.KeyFile = ".KEY"
	}
	if cfg.Token.StorageType == "" {
		cfg.Token.StorageType = "sqlite"
	}
	if cfg.Token.DBPath == "" {
		cfg.Token.DBPath = "./data/tokens.db"
	}
	if cfg.Token.StoragePath == "" {
		cfg.Token.StoragePath = ".unlimited"
	}
	if cfg.Token.ErrorThreshold == 0 {
		cfg.Token.ErrorThreshold = 3
	}
	if cfg.Token.MaxRetries == 0 {
		cfg.Token.MaxRetries = 3
	}
	if cfg.Token.CleanupSpec == "" {
		cfg.Token.CleanupSpec = "@every 10m"
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://app.unlimitedai.chat"
	}
	if cfg.Upstream.ConnectTimeout == 0 {
		cfg.Upstream.ConnectTimeout = 10
	}
	if cfg.Upstream.ReadTimeout == 0 {
		cfg.Upstream.ReadTimeout = 180
	}
	if cfg.Upstream.MaxRetries == 0 {
		cfg.Upstream.MaxRetries = 3
	}
	if cfg.Upstream.InitialRetryDelayMs == 0 {
		cfg.Upstream.InitialRetryDelayMs = 100
	}
	if cfg.Upstream.MaxRetryDelayMs == 0 {
		cfg.Upstream.MaxRetryDelayMs = 5000
	}
	if cfg.Upstream.EmptyResponseTimeout == 0 {
		cfg.Upstream.EmptyResponseTimeout = 5.0
	}
	if cfg.RateLimit.MaxRate == 0 {
		cfg.RateLimit.MaxRate = 10
	}
	if cfg.RateLimit.TimeWindow == 0 {
		cfg.RateLimit.TimeWindow = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if len(cfg.Models.Available) == 0 {
		cfg.Models.Available = []ModelConfig{
			{ID: "chat-model-reasoning", Description: "推理模型"},
			{ID: "chat-model-reasoning-thinking", Description: "推理模型（展示思考过程）", ThinkingEnabled: true},
		}
	}
	if cfg.Models.Default == "" {
		cfg.Models.Default = cfg.Models.Available[0].ID
	}
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	switch c.Token.StorageType {
	case "sqlite", "memory", "file", "redis":
	default:
		return fmt.Errorf("unknown token storage type: %q", c.Token.StorageType)
	}
	if c.RateLimit.MaxRate < 0 || c.RateLimit.TimeWindow < 0 {
		return fmt.Errorf("rate limit values must be non-negative")
	}
	for _, m := range c.Models.Available {
		if m.ID == "" {
			return fmt.Errorf("model entry missing id")
		}
	}
	return nil
}

// ModelIDs 返回全部可用模型 ID
func (c *Config) ModelIDs() []string {
	ids := make([]string, 0, len(c.Models.Available))
	for _, m := range c.Models.Available {
		ids = append(ids, m.ID)
	}
	return ids
}

// ModelByID 按 ID 查找模型配置
func (c *Config) ModelByID(id string) (ModelConfig, bool) {
	for _, m := range c.Models.Available {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// EmptyTimeout 空流超时时长
func (c *Config) EmptyTimeout() time.Duration {
	return time.Duration(c.Upstream.EmptyResponseTimeout * float64(time.Second))
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
