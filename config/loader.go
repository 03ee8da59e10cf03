// =============================================================================
// 📦 AgentGate 配置加载器
// =============================================================================
// 配置优先级: 默认值 → YAML 文件 → 环境变量(AGENTGATE_*) → 验证器
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentgate.yaml").
//	    WithValidator((*config.Config).Validate).
//	    Load()
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 环境变量前缀
const DefaultEnvPrefix = "AGENTGATE"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentGate 的完整配置
type Config struct {
	Server         ServerConfig         `yaml:"server" env:"SERVER"`
	Auth           AuthConfig           `yaml:"auth" env:"AUTH"`
	Database       DatabaseConfig       `yaml:"database" env:"DATABASE"`
	Redis          RedisConfig          `yaml:"redis" env:"REDIS"`
	Log            LogConfig            `yaml:"log" env:"LOG"`
	Telemetry      TelemetryConfig      `yaml:"telemetry" env:"TELEMETRY"`
	Metrics        MetricsConfig        `yaml:"metrics" env:"METRICS"`
	Approval       ApprovalConfig       `yaml:"approval" env:"APPROVAL"`
	Retry          RetryConfig          `yaml:"retry" env:"RETRY"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`
	TimeoutMonitor TimeoutMonitorConfig `yaml:"timeout_monitor" env:"TIMEOUT_MONITOR"`
	Telegram       TelegramConfig       `yaml:"telegram" env:"TELEGRAM"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// AuthConfig 接口鉴权
type AuthConfig struct {
	// APIKeys 允许调用审批接口的 agent 密钥，为空时不校验
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWTSecret 人工覆盖（resolve）接口使用的 HS256 密钥
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// AdminRole JWT roles 声明中必须包含的角色
	AdminRole string `yaml:"admin_role" env:"ADMIN_ROLE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 时为文件路径
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns        int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns        int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	// AutoMigrate serve 启动时自动建表
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig Redis 配置，用于跨实例的会话通知
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	Addr          string `yaml:"addr" env:"ADDR"`
	Password      string `yaml:"password" env:"PASSWORD"`
	DB            int    `yaml:"db" env:"DB"`
	PoolSize      int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns  int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	ChannelPrefix string `yaml:"channel_prefix" env:"CHANNEL_PREFIX"`
	// TLS 连接托管 Redis 时开启
	TLS bool `yaml:"tls" env:"TLS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig OpenTelemetry 配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Path      string `yaml:"path" env:"PATH"`
}

// ApprovalConfig 审批超时配置
type ApprovalConfig struct {
	DefaultTimeout    time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	MinTimeout        time.Duration `yaml:"min_timeout" env:"MIN_TIMEOUT"`
	MaxTimeout        time.Duration `yaml:"max_timeout" env:"MAX_TIMEOUT"`
	AwaitPollInterval time.Duration `yaml:"await_poll_interval" env:"AWAIT_POLL_INTERVAL"`
	// MaxAwait 单次 await 长轮询的最长等待
	MaxAwait time.Duration `yaml:"max_await" env:"MAX_AWAIT"`
}

// RetryConfig 通知重试配置
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Jitter      bool          `yaml:"jitter" env:"JITTER"`
}

// CircuitBreakerConfig 通知渠道熔断配置
type CircuitBreakerConfig struct {
	FailureRateThreshold        float64       `yaml:"failure_rate_threshold" env:"FAILURE_RATE_THRESHOLD"`
	ConsecutiveFailureThreshold int           `yaml:"consecutive_failure_threshold" env:"CONSECUTIVE_FAILURE_THRESHOLD"`
	MinimumThroughput           int           `yaml:"minimum_throughput" env:"MINIMUM_THROUGHPUT"`
	SamplingWindow              time.Duration `yaml:"sampling_window" env:"SAMPLING_WINDOW"`
	BreakDuration               time.Duration `yaml:"break_duration" env:"BREAK_DURATION"`
	CallTimeout                 time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
}

// TimeoutMonitorConfig 超时扫描配置
type TimeoutMonitorConfig struct {
	ScanInterval             time.Duration `yaml:"scan_interval" env:"SCAN_INTERVAL"`
	MaxConcurrentResolutions int           `yaml:"max_concurrent_resolutions" env:"MAX_CONCURRENT_RESOLUTIONS"`
	BatchSize                int           `yaml:"batch_size" env:"BATCH_SIZE"`
}

// Telegram 入站模式
const (
	TelegramModeWebhook = "webhook"
	TelegramModePoll    = "poll"
)

// TelegramConfig Telegram 渠道配置
type TelegramConfig struct {
	Token   string `yaml:"token" env:"TOKEN"`
	ChatID  string `yaml:"chat_id" env:"CHAT_ID"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Mode: webhook 或 poll
	Mode           string        `yaml:"mode" env:"MODE"`
	WebhookURL     string        `yaml:"webhook_url" env:"WEBHOOK_URL"`
	WebhookSecret  string        `yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
	AllowedUsers   []int64       `yaml:"allowed_users" env:"ALLOWED_USERS"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	PollTimeout    time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
}

// Enabled 配置了 token 即启用
func (t TelegramConfig) Enabled() bool {
	return strings.TrimSpace(t.Token) != ""
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在时沿用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		value, ok := l.lookupEnv(envKey)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔
		parts := splitList(value)
		switch field.Type().Elem().Kind() {
		case reflect.String:
			field.Set(reflect.ValueOf(parts))
		case reflect.Int64:
			ids := make([]int64, 0, len(parts))
			for _, p := range parts {
				id, err := strconv.ParseInt(p, 10, 64)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			field.Set(reflect.ValueOf(ids))
		}
	}
	return nil
}

func splitList(value string) []string {
	raw := strings.Split(value, ",")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// Load 读取配置文件并做完整校验
func Load(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
