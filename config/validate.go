package config

import (
	"fmt"
	"strings"
)

// Validate 校验配置取值范围，返回全部问题
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		add("invalid server.http_port %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		add("invalid server.metrics_port %d", c.Server.MetricsPort)
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		add("server.metrics_port must differ from http_port")
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps must not be negative")
	}

	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		add("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Database.Name == "" {
		add("database.name is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr is required when redis is enabled")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("invalid log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("invalid log.format %q", c.Log.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			add("telemetry.otlp_endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			add("telemetry.sample_rate must be within [0,1]")
		}
	}

	a := c.Approval
	if a.MinTimeout <= 0 {
		add("approval.min_timeout must be positive")
	}
	if a.MaxTimeout < a.MinTimeout {
		add("approval.max_timeout must be >= min_timeout")
	}
	if a.DefaultTimeout < a.MinTimeout || a.DefaultTimeout > a.MaxTimeout {
		add("approval.default_timeout must be within [min_timeout, max_timeout]")
	}
	if a.AwaitPollInterval <= 0 {
		add("approval.await_poll_interval must be positive")
	}
	if a.MaxAwait <= 0 {
		add("approval.max_await must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be >= 1")
	}
	if c.Retry.BaseDelay <= 0 {
		add("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry.max_delay must be >= base_delay")
	}

	cb := c.CircuitBreaker
	if cb.FailureRateThreshold <= 0 || cb.FailureRateThreshold > 1 {
		add("circuit_breaker.failure_rate_threshold must be within (0,1]")
	}
	if cb.ConsecutiveFailureThreshold < 1 {
		add("circuit_breaker.consecutive_failure_threshold must be >= 1")
	}
	if cb.MinimumThroughput < 1 {
		add("circuit_breaker.minimum_throughput must be >= 1")
	}
	if cb.SamplingWindow <= 0 || cb.BreakDuration <= 0 {
		add("circuit_breaker.sampling_window and break_duration must be positive")
	}

	tm := c.TimeoutMonitor
	if tm.ScanInterval <= 0 {
		add("timeout_monitor.scan_interval must be positive")
	}
	if tm.MaxConcurrentResolutions < 1 {
		add("timeout_monitor.max_concurrent_resolutions must be >= 1")
	}
	if tm.BatchSize < 1 {
		add("timeout_monitor.batch_size must be >= 1")
	}

	if c.Telegram.Enabled() {
		if c.Telegram.ChatID == "" {
			add("telegram.chat_id is required")
		}
		switch c.Telegram.Mode {
		case TelegramModeWebhook:
			if c.Telegram.WebhookSecret == "" {
				add("telegram.webhook_secret is required in webhook mode")
			}
		case TelegramModePoll:
		default:
			add("invalid telegram.mode %q", c.Telegram.Mode)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
