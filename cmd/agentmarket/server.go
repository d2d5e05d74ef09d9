package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/agentmarket/access"
	"github.com/BaSui01/agentmarket/api"
	"github.com/BaSui01/agentmarket/api/handlers"
	"github.com/BaSui01/agentmarket/config"
	"github.com/BaSui01/agentmarket/conversation"
	"github.com/BaSui01/agentmarket/internal/cache"
	"github.com/BaSui01/agentmarket/internal/database"
	"github.com/BaSui01/agentmarket/internal/metrics"
	"github.com/BaSui01/agentmarket/internal/server"
	"github.com/BaSui01/agentmarket/internal/telemetry"
	"github.com/BaSui01/agentmarket/ledger"
	"github.com/BaSui01/agentmarket/llm"
	llmcache "github.com/BaSui01/agentmarket/llm/cache"
	"github.com/BaSui01/agentmarket/llm/circuitbreaker"
	"github.com/BaSui01/agentmarket/llm/idempotency"
	"github.com/BaSui01/agentmarket/llm/providers"
	"github.com/BaSui01/agentmarket/llm/providers/openaicompat"
	"github.com/BaSui01/agentmarket/llm/tokenizer"
	"github.com/BaSui01/agentmarket/pipeline"
	"github.com/BaSui01/agentmarket/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有进程内全部组件，负责按依赖顺序启动与反向关闭
type Server struct {
	cfg    *config.Config
	db     *gorm.DB
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 基础设施
	telemetry *telemetry.Providers
	collector *metrics.Collector
	pool      *database.PoolManager
	redis     *cache.Manager

	orchestrator *pipeline.Orchestrator

	// Handlers
	healthHandler  *handlers.HealthHandler
	agentHandler   *handlers.AgentHandler
	accountHandler *handlers.AccountHandler
	modelsHandler  *handlers.ModelsHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, db *gorm.DB, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		db:     db,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 遥测与指标
	s.initObservability()

	// 2. 数据库连接池与 Redis
	if err := s.initInfrastructure(); err != nil {
		return fmt.Errorf("failed to init infrastructure: %w", err)
	}

	// 3. 领域组件与 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 4. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. Metrics 服务器
	if s.cfg.Server.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis_enabled", s.redis != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initObservability() {
	tp, err := telemetry.Init(s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry, using noop providers", zap.Error(err))
		tp = &telemetry.Providers{}
	}
	s.telemetry = tp
	s.collector = metrics.NewCollector("agentmarket", s.logger)
}

func (s *Server) initInfrastructure() error {
	dbCfg := s.cfg.Database
	pool, err := database.NewPoolManager(s.db, dbCfg.Driver, database.PoolConfig{
		MaxIdleConns:        dbCfg.MaxIdleConns,
		MaxOpenConns:        dbCfg.MaxOpenConns,
		ConnMaxLifetime:     dbCfg.ConnMaxLifetime,
		ConnMaxIdleTime:     dbCfg.ConnMaxIdleTime,
		HealthCheckInterval: dbCfg.HealthCheckInterval,
	}, s.collector, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool

	if !s.cfg.Redis.Enabled {
		s.logger.Info("Redis disabled: completion cache is local only, request replay is off")
		return nil
	}
	rc := s.cfg.Redis
	mgr, err := cache.NewManager(cache.Config{
		Addr:                rc.Addr,
		Password:            rc.Password,
		DB:                  rc.DB,
		MaxRetries:          rc.MaxRetries,
		PoolSize:            rc.PoolSize,
		MinIdleConns:        rc.MinIdleConns,
		TLSEnabled:          rc.TLSEnabled,
		HealthCheckInterval: rc.HealthCheckInterval,
	}, s.logger)
	if err != nil {
		return err
	}
	s.redis = mgr
	return nil
}

// initHandlers 按依赖顺序装配领域组件
func (s *Server) initHandlers() error {
	db := s.pool.DB()

	// Redis 可选：关闭时补全缓存退化为本地 LRU，幂等重放关闭
	var (
		rdb     = s.redisClient()
		replays idempotency.Manager
	)
	if rdb != nil {
		replays = idempotency.NewRedisManager(rdb, "", s.logger)
	}

	cc := s.cfg.Cache
	completions := llmcache.NewMultiLevelCache(rdb, llmcache.Config{
		LocalMaxSize: cc.LocalMaxSize,
		LocalTTL:     cc.LocalTTL,
		EnableLocal:  cc.LocalEnabled,
		EnableRedis:  rdb != nil,
		OpTimeout:    cc.OpTimeout,
	}, s.logger, llmcache.WithRecorder(s.collector))

	// 上游 Provider：OpenAI 兼容协议 → 连接阶段重试 → 熔断
	lc := s.cfg.LLM
	upstream := openaicompat.New(openaicompat.Config{
		ProviderName: lc.Provider,
		APIKey:       lc.APIKey,
		BaseURL:      lc.BaseURL,
		Timeout:      lc.Timeout,
	}, s.logger)
	retry := providers.DefaultRetryConfig()
	retry.MaxRetries = lc.MaxRetries
	var provider llm.Provider = providers.NewRetryableProvider(upstream, retry, s.logger)
	if lc.BreakerThreshold > 0 {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Threshold:    lc.BreakerThreshold,
			ResetTimeout: lc.BreakerResetTimeout,
		}, s.logger)
		provider = providers.NewBreakerProvider(provider, breaker)
	}

	// 账本、访问控制与仓储
	book := ledger.New(db, s.logger, ledger.WithRecorder(s.collector), ledger.WithTransactor(s.pool))
	gate := access.New(db, book, access.Config{CreatorShare: s.cfg.Billing.CreatorShare}, s.logger,
		access.WithTransactor(s.pool))

	pc := s.cfg.Pipeline
	orch, err := pipeline.New(pipeline.Deps{
		Agents:        store.NewAgentRepo(db),
		Users:         store.NewUserRepo(db),
		Conversations: conversation.NewStore(db, s.logger),
		Access:        gate,
		Ledger:        book,
		Cache:         completions,
		Provider:      provider,
		Replays:       replays,
		Tokens:        tokenizer.NewRegistry(),
		Metrics:       s.collector,
		Tracer:        s.telemetry.Tracer(),
		Meter:         s.telemetry.Meter(),
		Logger:        s.logger,
	}, pipeline.Config{
		HistoryLimit:      pc.HistoryLimit,
		HistoryTokenLimit: pc.HistoryTokenLimit,
		MaxInputChars:     pc.MaxInputChars,
		ProviderTimeout:   pc.ProviderTimeout,
		CacheTTL:          cc.TTL,
		ReplayTTL:         pc.ReplayTTL,
		PersistTimeout:    pc.PersistTimeout,
		Rates: pipeline.Rates{
			Default: s.cfg.Billing.DefaultRate,
			Table:   s.cfg.Billing.Rates,
		},
	})
	if err != nil {
		return err
	}
	s.orchestrator = orch

	catalog := llmcache.NewModelCatalog(provider, completions, cc.ModelListTTL, s.logger)

	s.agentHandler = handlers.NewAgentHandler(orch, gate, s.logger,
		handlers.WithWebSocketOrigins(s.cfg.Server.CORSAllowedOrigins...))
	s.accountHandler = handlers.NewAccountHandler(book, s.logger)
	s.modelsHandler = handlers.NewModelsHandler(catalog, s.logger)

	s.healthHandler = handlers.NewHealthHandler(api.VersionInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}, s.logger)
	s.healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "database", Fn: s.pool.Ping})
	if s.redis != nil {
		s.healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "redis", Fn: s.redis.Ping})
	}

	s.logger.Info("Handlers initialized", zap.String("provider", provider.Name()))
	return nil
}

func (s *Server) redisClient() redis.UniversalClient {
	if s.redis == nil {
		return nil
	}
	return s.redis.Client()
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// skipAuthPaths 不需要 JWT 的路径
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/version"}

// routes 注册全部路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion)

	// Agent 运行与市场
	mux.HandleFunc("POST /api/v1/agents/{id}/run", s.agentHandler.HandleRun)
	mux.HandleFunc("POST /api/v1/agents/{id}/stream", s.agentHandler.HandleStream)
	mux.HandleFunc("GET /api/v1/agents/{id}/ws", s.agentHandler.HandleWebSocket)
	mux.HandleFunc("POST /api/v1/agents/{id}/purchase", s.agentHandler.HandlePurchase)
	mux.HandleFunc("GET /api/v1/agents/{id}/access", s.agentHandler.HandleAccess)

	// 当前用户账户
	mux.HandleFunc("GET /api/v1/me/balance", s.accountHandler.HandleBalance)
	mux.HandleFunc("GET /api/v1/me/transactions", s.accountHandler.HandleTransactions)

	// 模型列表
	mux.HandleFunc("GET /api/v1/models", s.modelsHandler.HandleList)

	return mux
}

// startHTTPServer 构建中间件链并启动 API 服务器
func (s *Server) startHTTPServer() error {
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager("api", handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		if err := s.httpManager.WaitForShutdown(context.Background()); err != nil {
			s.logger.Error("HTTP server exited", zap.Error(err))
		}
	}
	s.Shutdown()
}

// Shutdown 先停止接流量，再等待后台缓存写入，最后释放连接
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 停止接收请求；流式请求在 ShutdownTimeout 内排空
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 2. 等待流式运行的异步缓存写入
	if s.orchestrator != nil {
		s.orchestrator.Wait()
	}

	// 3. 释放连接与导出器
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database pool close error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.telemetry.Shutdown(tctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
