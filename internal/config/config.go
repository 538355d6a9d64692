package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如 CHATSYNC_AUTH_SECRET 覆盖 auth.secret
const EnvPrefix = "CHATSYNC"

type Config struct {
	App        AppConfig        `mapstructure:"app" yaml:"app"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Translate  TranslateConfig  `mapstructure:"translate" yaml:"translate"`
	Typing     TypingConfig     `mapstructure:"typing" yaml:"typing"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Workers    WorkersConfig    `mapstructure:"workers" yaml:"workers"`
	Seed       SeedConfig       `mapstructure:"seed" yaml:"seed"`
}

type AppConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	NodeID   int64  `mapstructure:"node_id" yaml:"node_id"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

type LogConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	TLSCert     string `mapstructure:"tls_cert" yaml:"tls_cert"`
	TLSKey      string `mapstructure:"tls_key" yaml:"tls_key"`
	SelfSigned  bool   `mapstructure:"self_signed" yaml:"self_signed"`
	ReadLimit   int64  `mapstructure:"read_limit" yaml:"read_limit"`
	WriteBuffer int    `mapstructure:"write_buffer" yaml:"write_buffer"`
}

type AuthConfig struct {
	Secret       string        `mapstructure:"secret" yaml:"secret"`
	AccessExpire time.Duration `mapstructure:"access_expire" yaml:"access_expire"`
	Issuer       string        `mapstructure:"issuer" yaml:"issuer"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // memory | postgres
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Name            string        `mapstructure:"name" yaml:"name"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	URL           string        `mapstructure:"url" yaml:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
}

type TranslateConfig struct {
	Provider        string        `mapstructure:"provider" yaml:"provider"` // none | ollama | openai | anthropic
	Model           string        `mapstructure:"model" yaml:"model"`
	OllamaHost      string        `mapstructure:"ollama_host" yaml:"ollama_host"`
	OpenAIAPIKey    string        `mapstructure:"openai_api_key" yaml:"openai_api_key"`
	AnthropicAPIKey string        `mapstructure:"anthropic_api_key" yaml:"anthropic_api_key"`
	RateLimit       int           `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateWindow      time.Duration `mapstructure:"rate_window" yaml:"rate_window"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Limiter         string        `mapstructure:"limiter" yaml:"limiter"` // memory | redis
}

type TypingConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type ConnectionConfig struct {
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
}

type WorkersConfig struct {
	Count     int `mapstructure:"count" yaml:"count"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

type SeedConfig struct {
	Identities []SeedIdentity `mapstructure:"identities" yaml:"identities"`
}

// SeedIdentity 开发环境预置的已验证身份
type SeedIdentity struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Name     string `mapstructure:"name" yaml:"name"`
	Language string `mapstructure:"language" yaml:"language"`
	Avatar   string `mapstructure:"avatar" yaml:"avatar"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "chatsync")
	v.SetDefault("app.node_id", 1)
	v.SetDefault("app.log_level", "info")

	v.SetDefault("log.file", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.self_signed", false)
	v.SetDefault("server.read_limit", 8192)
	v.SetDefault("server.write_buffer", 1024)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.access_expire", 24*time.Hour)
	v.SetDefault("auth.issuer", "chatsync")

	v.SetDefault("store.driver", "memory")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "chatsync")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("translate.provider", "none")
	v.SetDefault("translate.model", "")
	v.SetDefault("translate.ollama_host", "http://localhost:11434")
	v.SetDefault("translate.openai_api_key", "")
	v.SetDefault("translate.anthropic_api_key", "")
	v.SetDefault("translate.rate_limit", 12)
	v.SetDefault("translate.rate_window", time.Minute)
	v.SetDefault("translate.timeout", 2*time.Second)
	v.SetDefault("translate.limiter", "memory")

	v.SetDefault("typing.ttl", 3*time.Second)
	v.SetDefault("typing.sweep_interval", 5*time.Second)

	v.SetDefault("connection.queue_size", 256)
	v.SetDefault("connection.heartbeat_timeout", 90*time.Second)
	v.SetDefault("connection.heartbeat_interval", 30*time.Second)

	v.SetDefault("workers.count", 8)
	v.SetDefault("workers.queue_size", 1024)
}

// Load 从指定路径加载配置，path 为空时只使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Translate.Provider {
	case "none", "ollama", "openai", "anthropic":
	default:
		return fmt.Errorf("unknown translate.provider %q", c.Translate.Provider)
	}
	switch c.Translate.Limiter {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("translate.limiter redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown translate.limiter %q", c.Translate.Limiter)
	}
	if c.Translate.RateLimit <= 0 || c.Translate.RateWindow <= 0 {
		return fmt.Errorf("translate.rate_limit and translate.rate_window must be positive")
	}
	if c.Typing.TTL <= 0 || c.Typing.SweepInterval <= 0 {
		return fmt.Errorf("typing.ttl and typing.sweep_interval must be positive")
	}
	return nil
}

// Redacted 返回隐藏了密钥的副本
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "******"
	}
	c.Auth.Secret = mask(c.Auth.Secret)
	c.Database.Password = mask(c.Database.Password)
	c.Redis.Password = mask(c.Redis.Password)
	c.Translate.OpenAIAPIKey = mask(c.Translate.OpenAIAPIKey)
	c.Translate.AnthropicAPIKey = mask(c.Translate.AnthropicAPIKey)
	return c
}

// Dump 以 YAML 输出配置（密钥已隐藏）
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
