package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 CHATSYNC_AUTH_JWT_SECRET
const EnvPrefix = "CHATSYNC"

// Config 全局配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Client   ClientConfig   `mapstructure:"client"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Listen       string   `mapstructure:"listen"`
	Mode         string   `mapstructure:"mode"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DatabaseConfig 数据库配置，driver 可选 mysql / postgres / sqlite
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	Charset      string `mapstructure:"charset"`
	SSLMode      string `mapstructure:"sslmode"`
	Path         string `mapstructure:"path"` // sqlite 文件路径
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// AuthConfig 令牌配置
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// RealtimeConfig websocket 推送配置
type RealtimeConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Directory string            `mapstructure:"directory"`
	Rotation  LogRotationConfig `mapstructure:"rotation"`
	Level     string            `mapstructure:"level"`
}

// LogRotationConfig 日志切割
type LogRotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// ClientConfig chatctl 使用的客户端配置
type ClientConfig struct {
	BaseURL           string          `mapstructure:"base_url"`
	TokenFile         string          `mapstructure:"token_file"`
	RequestCeiling    time.Duration   `mapstructure:"request_ceiling"`
	CallTimeout       time.Duration   `mapstructure:"call_timeout"`
	HistoryLimit      int             `mapstructure:"history_limit"`
	MembershipRetries int             `mapstructure:"membership_retries"`
	RetryBackoff      time.Duration   `mapstructure:"retry_backoff"`
	LoginURL          string          `mapstructure:"login_url"`
	Reconnect         ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig 实时通道断线重连
type ReconnectConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

var cfg *Config

// Load reads .env, then the optional config file, then CHATSYNC_* overrides.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Printf("Using config file: %s", v.ConfigFileUsed())
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg = c
	return c, nil
}

// Get 返回已加载的配置
func Get() *Config {
	if cfg == nil {
		log.Fatal("Configuration not initialized, call Load() first")
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8082")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.username", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "chat_sync")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "chat-sync.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("realtime.ping_interval", "10s")
	v.SetDefault("realtime.pong_timeout", "15s")
	v.SetDefault("realtime.send_buffer", 64)

	v.SetDefault("logger.directory", "logs")
	v.SetDefault("logger.rotation.max_size", 10)
	v.SetDefault("logger.rotation.max_backups", 30)
	v.SetDefault("logger.rotation.max_age", 90)
	v.SetDefault("logger.rotation.compress", true)
	v.SetDefault("logger.level", "INFO")

	v.SetDefault("client.base_url", "http://127.0.0.1:8082")
	v.SetDefault("client.token_file", "")
	v.SetDefault("client.request_ceiling", "10s")
	v.SetDefault("client.call_timeout", "8s")
	v.SetDefault("client.history_limit", 200)
	v.SetDefault("client.membership_retries", 3)
	v.SetDefault("client.retry_backoff", "100ms")
	v.SetDefault("client.login_url", "/login")
	v.SetDefault("client.reconnect.attempts", 3)
	v.SetDefault("client.reconnect.backoff", "1s")
}
