package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	JWT        JWTConfig        `mapstructure:"jwt" yaml:"jwt"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Notify     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`                       // postgres, sqlite
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`                             // 优先于 host/port 等字段
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"sslmode" yaml:"sslmode"`
	TimeZone        string        `mapstructure:"timezone" yaml:"timezone"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// ConnString 返回 gorm 可直接使用的连接串
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	if strings.EqualFold(d.Driver, "sqlite") {
		if d.Name == "" {
			return "automator.db"
		}
		return d.Name
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode, d.TimeZone)
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in" yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`           // json, text
	Output     string `mapstructure:"output" yaml:"output"`           // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int                   `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int                   `mapstructure:"burst" yaml:"burst"`
	Paths             []PathRateLimitConfig `mapstructure:"paths" yaml:"paths"` // 按路径前缀覆盖，先匹配先用
	WhitelistIPs      []string              `mapstructure:"whitelist_ips" yaml:"whitelist_ips"`
}

type PathRateLimitConfig struct {
	Prefix            string `mapstructure:"prefix" yaml:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int    `mapstructure:"burst" yaml:"burst"`
}

// AutomationConfig 规则引擎调度参数
type AutomationConfig struct {
	SchedulerEnabled bool          `mapstructure:"scheduler_enabled" yaml:"scheduler_enabled"`
	TickInterval     time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	TickTimeout      time.Duration `mapstructure:"tick_timeout" yaml:"tick_timeout"`
	ActionTimeout    time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency"`
	Timezone         string        `mapstructure:"timezone" yaml:"timezone"`
}

type NotifyConfig struct {
	SlackWebhookURL string               `mapstructure:"slack_webhook_url" yaml:"slack_webhook_url"`
	EmailRelayURL   string               `mapstructure:"email_relay_url" yaml:"email_relay_url"`
	EmailAPIKey     string               `mapstructure:"email_api_key" yaml:"email_api_key"`
	Timeout         time.Duration        `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries      int                  `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay      time.Duration        `mapstructure:"retry_delay" yaml:"retry_delay"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests" yaml:"half_open_max_requests"`
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// Load 在默认配置之上叠加 viper 中读取到的配置
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BindEnv 将所有已知配置键绑定到 <PREFIX>_<SECTION>_<KEY> 环境变量，
// 例如 AUTOMATOR_AUTOMATION_TICK_INTERVAL。
func BindEnv(v *viper.Viper, prefix string) error {
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	raw, err := yaml.Marshal(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("unmarshal defaults: %w", err)
	}
	for _, key := range flattenKeys("", tree) {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

func flattenKeys(prefix string, tree map[string]interface{}) []string {
	var keys []string
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			keys = append(keys, flattenKeys(key, sub)...)
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Validate 检查调度相关的关键参数
func (c *Config) Validate() error {
	if c.Automation.TickInterval <= 0 {
		return fmt.Errorf("automation.tick_interval must be positive")
	}
	if c.Automation.Concurrency <= 0 {
		return fmt.Errorf("automation.concurrency must be positive")
	}
	if c.Automation.ActionTimeout <= 0 {
		return fmt.Errorf("automation.action_timeout must be positive")
	}
	if c.Automation.Timezone != "" {
		if _, err := time.LoadLocation(c.Automation.Timezone); err != nil {
			return fmt.Errorf("automation.timezone: %w", err)
		}
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q not supported", c.Database.Driver)
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "automator",
			SSLMode:         "disable",
			TimeZone:        "UTC",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/automator.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "automator",
			},
		},
		Security: SecurityConfig{
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
				Burst:             10,
				Paths: []PathRateLimitConfig{
					{Prefix: "/hooks/", RequestsPerMinute: 30, Burst: 5},
				},
			},
		},
		Automation: AutomationConfig{
			SchedulerEnabled: true,
			TickInterval:     5 * time.Minute,
			TickTimeout:      4 * time.Minute,
			ActionTimeout:    10 * time.Second,
			Concurrency:      8,
			Timezone:         "UTC",
		},
		Notify: NotifyConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 2,
			RetryDelay: 500 * time.Millisecond,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "automator.",
		},
	}
}
