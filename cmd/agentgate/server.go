package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/api/handlers"
	"github.com/BaSui01/agentgate/config"
	"github.com/BaSui01/agentgate/escalation"
	"github.com/BaSui01/agentgate/internal/database"
	"github.com/BaSui01/agentgate/internal/metrics"
	"github.com/BaSui01/agentgate/internal/server"
	"github.com/BaSui01/agentgate/internal/telemetry"
	"github.com/BaSui01/agentgate/internal/tlsutil"
	"github.com/BaSui01/agentgate/notification"
	"github.com/BaSui01/agentgate/resilience/circuitbreaker"
	"github.com/BaSui01/agentgate/resilience/retry"
)

// webhookPath Telegram webhook 入口
const webhookPath = "/telegram/webhook"

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装 AgentGate 的全部组件
type Server struct {
	cfg     *config.Config
	version handlers.VersionInfo
	logger  *zap.Logger

	otel       *telemetry.Providers
	pool       *database.PoolManager
	store      escalation.Store
	collector  *metrics.Collector
	redis      redis.UniversalClient
	sessions   escalation.SessionSubscriber
	processor  *escalation.Processor
	telegram   *notification.TelegramChannel
	dispatcher *notification.Dispatcher
	monitor    *escalation.TimeoutMonitor

	rateLimiterCancel context.CancelFunc
	wg                sync.WaitGroup
}

// NewServer 创建服务器实例，组件在 Run 中初始化
func NewServer(cfg *config.Config, version handlers.VersionInfo, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, version: version, logger: logger}
}

// =============================================================================
// 🔧 组件初始化
// =============================================================================

// init 按依赖顺序构建组件；失败时已创建的资源由 close 释放
func (s *Server) init(ctx context.Context) error {
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, s.version.Version, s.logger)
	if err != nil {
		// 遥测不可用不影响审批
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	s.otel = providers

	s.collector = metrics.NewCollector(s.cfg.Metrics.Namespace, s.logger)

	if err := s.initDatabase(ctx); err != nil {
		return err
	}
	s.store = escalation.NewGormStore(s.pool.DB(), s.logger)

	opts := []escalation.ProcessorOption{
		escalation.WithMetrics(s.collector),
		escalation.WithTracer(s.otel.Tracer("agentgate/escalation")),
	}
	if s.cfg.Redis.Enabled {
		publisher, err := s.initRedis(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, escalation.WithSessionNotifiers(publisher))
		s.sessions = publisher
	}

	a := s.cfg.Approval
	s.processor = escalation.NewProcessor(s.store, nil, escalation.ProcessorConfig{
		DefaultTimeout:    a.DefaultTimeout,
		MinTimeout:        a.MinTimeout,
		MaxTimeout:        a.MaxTimeout,
		AwaitPollInterval: a.AwaitPollInterval,
	}, s.logger, opts...)
	if s.sessions == nil {
		s.sessions = s.processor.Hub()
	}

	if s.cfg.Telegram.Enabled() {
		if err := s.initTelegram(); err != nil {
			return err
		}
	} else {
		s.logger.Warn("telegram not configured, requests resolve only by override or timeout")
	}

	tm := s.cfg.TimeoutMonitor
	s.monitor = escalation.NewTimeoutMonitor(s.processor, s.processor.Queue(), escalation.MonitorConfig{
		ScanInterval:             tm.ScanInterval,
		MaxConcurrentResolutions: tm.MaxConcurrentResolutions,
		BatchSize:                tm.BatchSize,
	}, s.logger, escalation.WithMonitorMetrics(s.collector))

	// 重启后以存储为准恢复队列 gauge
	if err := s.processor.Queue().Sync(ctx); err != nil {
		s.logger.Warn("failed to sync queue size", zap.Error(err))
	}
	return nil
}

func (s *Server) initDatabase(ctx context.Context) error {
	db := s.cfg.Database
	dialector, err := database.Dialector(db.Driver, db.DSN())
	if err != nil {
		return err
	}

	poolCfg := database.DefaultPoolConfig()
	if db.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = db.MaxOpenConns
	}
	if db.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = db.MaxIdleConns
	}
	if db.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = db.ConnMaxLifetime
	}
	if db.HealthCheckInterval > 0 {
		poolCfg.HealthCheckInterval = db.HealthCheckInterval
	}

	s.pool, err = database.Open(ctx, dialector, poolCfg, s.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if db.AutoMigrate {
		if err := s.pool.Migrate(ctx, escalation.Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}
	s.logger.Info("Database connected", zap.String("driver", db.Driver), zap.Bool("auto_migrate", db.AutoMigrate))
	return nil
}

func (s *Server) initRedis(ctx context.Context) (*escalation.RedisSessionPublisher, error) {
	rc := s.cfg.Redis
	opts := &redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
	}
	if rc.TLS {
		opts.TLSConfig = tlsutil.RedisConfig(rc.Addr)
	}
	client := redis.NewClient(opts)
	s.redis = client

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", rc.Addr, err)
	}

	s.logger.Info("Redis connected", zap.String("addr", rc.Addr))
	return escalation.NewRedisSessionPublisher(client, rc.ChannelPrefix, s.logger), nil
}

func (s *Server) initTelegram() error {
	tg := s.cfg.Telegram
	channel, err := notification.NewTelegramChannel(notification.TelegramConfig{
		Token:          tg.Token,
		ChatID:         tg.ChatID,
		BaseURL:        tg.BaseURL,
		WebhookSecret:  tg.WebhookSecret,
		AllowedUsers:   tg.AllowedUsers,
		RequestTimeout: tg.RequestTimeout,
		PollTimeout:    tg.PollTimeout,
	}, nil, s.logger)
	if err != nil {
		return fmt.Errorf("telegram channel: %w", err)
	}

	// 操作员决策与超时扫描、人工覆盖走同一条写路径
	channel.OnDecision(func(ctx context.Context, d notification.Decision) (escalation.ResolveResult, error) {
		return s.processor.Resolve(ctx, d.RequestID, d.Outcome, d.DecidedBy())
	})

	rc, cb := s.cfg.Retry, s.cfg.CircuitBreaker
	s.dispatcher = notification.NewDispatcher(channel, s.store, notification.DispatcherConfig{
		Retry: &retry.RetryPolicy{
			MaxAttempts: rc.MaxAttempts,
			BaseDelay:   rc.BaseDelay,
			MaxDelay:    rc.MaxDelay,
			Jitter:      rc.Jitter,
		},
		Breaker: &circuitbreaker.Config{
			ConsecutiveFailureThreshold: cb.ConsecutiveFailureThreshold,
			FailureRateThreshold:        cb.FailureRateThreshold,
			MinimumThroughput:           cb.MinimumThroughput,
			SamplingWindow:              cb.SamplingWindow,
			BreakDuration:               cb.BreakDuration,
			CallTimeout:                 cb.CallTimeout,
		},
	}, s.collector, s.logger, notification.WithDispatcherTracer(s.otel.Tracer("agentgate/notification")))

	s.processor.SetNotifier(s.dispatcher)
	s.telegram = channel
	s.logger.Info("Telegram channel enabled", zap.String("mode", tg.Mode))
	return nil
}

// =============================================================================
// 🌐 路由
// =============================================================================

// routes 构建 API 端口的路由与中间件链
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(s.version, s.logger)
	health.RegisterCheck(handlers.CheckFunc{CheckName: "database", Fn: s.pool.Ping})
	health.RegisterCheck(handlers.MonitorCheck(s.monitor.Healthy))
	if s.redis != nil {
		health.RegisterCheck(handlers.CheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}})
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion)

	// 智能体接口使用 API key，人工覆盖使用管理员 JWT
	agent := APIKeyAuth(s.cfg.Auth.APIKeys, s.logger)
	admin := AdminJWTAuth(s.cfg.Auth, s.logger)

	approvals := handlers.NewApprovalHandler(s.processor, s.cfg.Approval.MaxAwait, s.logger)
	mux.Handle("POST /api/v1/approvals", agent(http.HandlerFunc(approvals.HandleCreate)))
	mux.Handle("GET /api/v1/approvals", agent(http.HandlerFunc(approvals.HandleList)))
	mux.Handle("GET /api/v1/approvals/{id}", agent(http.HandlerFunc(approvals.HandleGet)))
	mux.Handle("GET /api/v1/approvals/{id}/await", agent(http.HandlerFunc(approvals.HandleAwait)))
	mux.Handle("POST /api/v1/approvals/{id}/redispatch", agent(http.HandlerFunc(approvals.HandleRedispatch)))
	mux.Handle("POST /api/v1/approvals/{id}/resolve", admin(http.HandlerFunc(approvals.HandleResolve)))

	sessions := handlers.NewSessionHandler(s.sessions, nil, s.logger)
	mux.Handle("GET /api/v1/sessions/{ref}/events", agent(http.HandlerFunc(sessions.HandleEvents)))

	diag := &handlers.DiagnosticsHandler{
		Metrics: s.collector,
		Monitor: s.monitor,
		Pool:    s.pool,
		Logger:  s.logger,
	}
	if s.dispatcher != nil {
		diag.Breaker = s.dispatcher
	}
	mux.Handle("GET /api/v1/diagnostics", agent(http.HandlerFunc(diag.HandleDiagnostics)))

	if s.telegram != nil && s.cfg.Telegram.Mode == config.TelegramModeWebhook {
		mux.Handle(webhookPath, s.telegram.WebhookHandler())
	}

	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

// metricsRoutes Metrics 端口只暴露 Prometheus 文本
func (s *Server) metricsRoutes() http.Handler {
	path := s.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, s.collector.Handler())
	return mux
}

// =============================================================================
// 🚀 运行
// =============================================================================

// Run 初始化组件并阻塞到 ctx 结束，随后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	if err := s.init(ctx); err != nil {
		return err
	}

	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start timeout monitor: %w", err)
	}
	if err := s.startTelegramInbound(ctx); err != nil {
		return err
	}

	sc := s.cfg.Server
	managers := []*server.Manager{
		server.NewManager("api", s.routes(), server.Config{
			Addr:              ":" + strconv.Itoa(sc.HTTPPort),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       sc.ReadTimeout,
			// await 长轮询需要比 max_await 更长的写超时
			WriteTimeout:    max(sc.WriteTimeout, s.cfg.Approval.MaxAwait+10*time.Second),
			IdleTimeout:     sc.IdleTimeout,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: sc.ShutdownTimeout,
		}, s.logger),
	}
	if sc.MetricsPort > 0 {
		managers = append(managers, server.NewManager("metrics", s.metricsRoutes(), server.Config{
			Addr:              ":" + strconv.Itoa(sc.MetricsPort),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       sc.ReadTimeout,
			WriteTimeout:      sc.WriteTimeout,
			ShutdownTimeout:   sc.ShutdownTimeout,
		}, s.logger))
	}

	s.logger.Info("All servers starting",
		zap.Int("http_port", sc.HTTPPort),
		zap.Int("metrics_port", sc.MetricsPort),
		zap.Bool("telegram", s.telegram != nil),
		zap.Bool("redis", s.redis != nil),
	)
	return server.Run(ctx, managers...)
}

// startTelegramInbound webhook 模式注册回调地址，poll 模式启动长轮询
func (s *Server) startTelegramInbound(ctx context.Context) error {
	if s.telegram == nil {
		return nil
	}

	tg := s.cfg.Telegram
	switch tg.Mode {
	case config.TelegramModePoll:
		if err := s.telegram.DeleteWebhook(ctx); err != nil {
			s.logger.Warn("failed to delete telegram webhook before polling", zap.Error(err))
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.telegram.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("telegram polling stopped", zap.Error(err))
			}
		}()
	default:
		if tg.WebhookURL == "" {
			s.logger.Warn("telegram.webhook_url not set, assuming webhook is registered externally")
			return nil
		}
		if err := s.telegram.SetWebhook(ctx, tg.WebhookURL); err != nil {
			return fmt.Errorf("register telegram webhook: %w", err)
		}
	}
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// close 逆序释放资源，可在部分初始化后调用
func (s *Server) close() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.wg.Wait()

	if s.processor != nil {
		if err := s.processor.Close(ctx); err != nil {
			s.logger.Warn("in-flight notifications cancelled", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("database close error", zap.Error(err))
		}
	}
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
