package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是 feedrelay 的顶层配置结构。
type Config struct {
	Gitter   GitterConfig   `yaml:"gitter"`
	Feeds    []FeedConfig   `yaml:"feeds"`
	Relay    RelayConfig    `yaml:"relay"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// 条件请求缓存的存储方式。
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
)

// GitterConfig Gitter API 配置。
type GitterConfig struct {
	APIURL    string `yaml:"api_url"`
	Token     string `yaml:"token"`
	Requester string `yaml:"requester"` // 作为 User-Agent 发送
	Timeout   int    `yaml:"timeout"`   // 秒
	Cache     string `yaml:"cache"`     // none, memory, sqlite, redis
}

// FeedConfig 单个订阅源及其转发目标聊天室。
type FeedConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	RoomID string `yaml:"room_id"`
	// Tag 出现在消息标题行里，如 python-trio。
	Tag string `yaml:"tag"`
}

// RelayConfig 轮询与转发配置。
type RelayConfig struct {
	IntervalMinutes int     `yaml:"interval_minutes"`
	SummaryLen      int     `yaml:"summary_len"`
	PostPerSecond   float64 `yaml:"post_per_second"`
	PostBurst       int     `yaml:"post_burst"`
}

// Interval 返回轮询间隔。
func (r RelayConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// DatabaseConfig SQLite 配置。
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

// ServerConfig 健康检查与指标 HTTP 服务配置。
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// Load 读取 YAML 配置文件并返回 Config。
// 支持 ${VAR_NAME} 形式的环境变量展开，例如 ${GITTER_TOKEN}。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	return cfg, nil
}

// Parse 解析 YAML 内容并填充默认值。
func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), os.Getenv)

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)
	return cfg, nil
}

// Validate 检查运行所必需的配置项。
func (c *Config) Validate() error {
	errs := []error{c.ValidateClient()}
	if len(c.Feeds) == 0 {
		errs = append(errs, errors.New("至少需要配置一个订阅源"))
	}
	for i, f := range c.Feeds {
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("feeds[%d].url 未设置", i))
		}
		if f.RoomID == "" {
			errs = append(errs, fmt.Errorf("feeds[%d].room_id 未设置", i))
		}
	}
	return errors.Join(errs...)
}

// ValidateClient 只检查访问 API 所需的配置项，不要求配置订阅源。
func (c *Config) ValidateClient() error {
	var errs []error
	if c.Gitter.Token == "" {
		errs = append(errs, errors.New("gitter.token 未设置"))
	}
	switch c.Gitter.Cache {
	case CacheNone, CacheMemory, CacheSQLite, CacheRedis:
	default:
		errs = append(errs, fmt.Errorf("不支持的缓存类型: %s", c.Gitter.Cache))
	}
	if c.Gitter.Cache == CacheRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("使用 redis 缓存时必须设置 redis.addr"))
	}
	return errors.Join(errs...)
}

// setDefaults 为未设置的配置项填充默认值。
func setDefaults(cfg *Config) {
	if cfg.Gitter.APIURL == "" {
		cfg.Gitter.APIURL = "https://api.gitter.im"
	}
	if cfg.Gitter.Requester == "" {
		cfg.Gitter.Requester = "trio-gitter-bot"
	}
	if cfg.Gitter.Timeout == 0 {
		cfg.Gitter.Timeout = 10
	}
	if cfg.Gitter.Cache == "" {
		cfg.Gitter.Cache = CacheMemory
	}
	// 去除 token 两端可能的空白（环境变量展开后常见）
	cfg.Gitter.Token = strings.TrimSpace(cfg.Gitter.Token)

	for i := range cfg.Feeds {
		f := &cfg.Feeds[i]
		f.RoomID = strings.TrimSpace(f.RoomID)
		if f.Name == "" {
			f.Name = f.URL
		}
	}

	if cfg.Relay.IntervalMinutes == 0 {
		cfg.Relay.IntervalMinutes = 10
	}
	if cfg.Relay.SummaryLen == 0 {
		cfg.Relay.SummaryLen = 200
	}
	if cfg.Relay.PostPerSecond == 0 {
		cfg.Relay.PostPerSecond = 1
	}
	if cfg.Relay.PostBurst == 0 {
		cfg.Relay.PostBurst = 1
	}

	cfg.Database.Path = expandHome(cfg.Database.Path)
	if cfg.Database.Path == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			cfg.Database.Path = filepath.Join(home, ".feedrelay", "feedrelay.db")
		} else {
			cfg.Database.Path = "./feedrelay.db"
		}
	}

	if cfg.Redis.TTLHours == 0 {
		cfg.Redis.TTLHours = 24
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.File = expandHome(cfg.Log.File)
}

// expandHome 展开 ~/ 前缀，Go 不会自动处理。
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		return path
	}
	return filepath.Join(home, path[2:])
}
