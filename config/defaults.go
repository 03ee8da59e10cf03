// =============================================================================
// 📦 AgentGate 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:         DefaultServerConfig(),
		Auth:           DefaultAuthConfig(),
		Database:       DefaultDatabaseConfig(),
		Redis:          DefaultRedisConfig(),
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
		Metrics:        DefaultMetricsConfig(),
		Approval:       DefaultApprovalConfig(),
		Retry:          DefaultRetryConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		TimeoutMonitor: DefaultTimeoutMonitorConfig(),
		Telegram:       DefaultTelegramConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    2 * time.Minute,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultAuthConfig 返回默认鉴权配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		JWTIssuer: "agentgate",
		AdminRole: "approver",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "agentgate",
		Name:                "agentgate",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     time.Hour,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置（默认关闭）
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MinIdleConns:  2,
		ChannelPrefix: "agentgate:session:",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentgate",
		SampleRate:   0.1,
		Insecure:     true,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Path: "/metrics",
	}
}

// DefaultApprovalConfig 默认 30 分钟，允许 1~120 分钟
func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{
		DefaultTimeout:    30 * time.Minute,
		MinTimeout:        time.Minute,
		MaxTimeout:        120 * time.Minute,
		AwaitPollInterval: 5 * time.Second,
		MaxAwait:          90 * time.Second,
	}
}

// DefaultRetryConfig 3 次尝试，退避 1s/2s/4s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    16 * time.Second,
		Jitter:      true,
	}
}

// DefaultCircuitBreakerConfig 返回默认熔断配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureRateThreshold:        0.5,
		ConsecutiveFailureThreshold: 5,
		MinimumThroughput:           10,
		SamplingWindow:              30 * time.Second,
		BreakDuration:               30 * time.Second,
	}
}

// DefaultTimeoutMonitorConfig 返回默认超时扫描配置
func DefaultTimeoutMonitorConfig() TimeoutMonitorConfig {
	return TimeoutMonitorConfig{
		ScanInterval:             30 * time.Second,
		MaxConcurrentResolutions: 10,
		BatchSize:                500,
	}
}

// DefaultTelegramConfig 返回默认 Telegram 配置
func DefaultTelegramConfig() TelegramConfig {
	return TelegramConfig{
		BaseURL:        "https://api.telegram.org",
		Mode:           TelegramModeWebhook,
		RequestTimeout: 10 * time.Second,
		PollTimeout:    30 * time.Second,
	}
}
