// Package main wires the Provider Router, Session Store, Session Acquirer,
// and Token Pool into one HTTP gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oxbow-labs/sessiongate/acquirer"
	"github.com/oxbow-labs/sessiongate/api/handlers"
	"github.com/oxbow-labs/sessiongate/config"
	"github.com/oxbow-labs/sessiongate/internal/metrics"
	"github.com/oxbow-labs/sessiongate/internal/server"
	"github.com/oxbow-labs/sessiongate/internal/telemetry"
	"github.com/oxbow-labs/sessiongate/llm"
	"github.com/oxbow-labs/sessiongate/pool"
	"github.com/oxbow-labs/sessiongate/providers"
	"github.com/oxbow-labs/sessiongate/providers/glm"
	"github.com/oxbow-labs/sessiongate/providers/k2"
	"github.com/oxbow-labs/sessiongate/providers/qwen"
	"github.com/oxbow-labs/sessiongate/router"
	"github.com/oxbow-labs/sessiongate/session"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the gateway's process: one HTTP listener serving the OpenAI-
// compatible API, one metrics listener serving Prometheus, and the Provider
// Router/Session Store/Session Acquirer/Token Pool wiring behind them.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler *handlers.HealthHandler
	chatHandler   *handlers.ChatHandler
	modelsHandler *handlers.ModelsHandler

	metricsCollector *metrics.Collector
	otelProviders    *telemetry.Providers

	browserPool *acquirer.BrowserPool

	wg sync.WaitGroup
}

// NewServer constructs a Server from a loaded, validated config.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start brings up telemetry, builds the Provider Router and its
// dependencies, initializes handlers, and starts both the HTTP and metrics
// listeners.
func (s *Server) Start() error {
	otelProviders, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.otelProviders = otelProviders

	s.metricsCollector = metrics.NewCollector("sessiongate", s.logger)

	chatRouter, err := s.buildRouter()
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	if err := s.initHandlers(chatRouter); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("gateway started",
		zap.Int("http_port", s.cfg.Server.ListenPort),
		zap.Int("metrics_port", s.cfg.Telemetry.MetricsPort),
		zap.Bool("anonymous_mode", s.cfg.Server.AnonymousMode),
	)
	return nil
}

// =============================================================================
// Provider Router wiring
// =============================================================================

// buildRouter constructs the Session Store, one Token Pool + adapter per
// configured provider, the Session Acquirer, and finally the Provider
// Router itself.
func (s *Server) buildRouter() (*router.Router, error) {
	storeCfg, err := s.cfg.Session.SessionStoreConfig()
	if err != nil {
		return nil, fmt.Errorf("session store config: %w", err)
	}
	store, err := session.New(storeCfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	llmProviders := map[string]llm.Provider{
		"glm":  glm.New(providers.GLMConfig{APIKey: s.cfg.Providers.GLM.APIKey, BaseURL: s.cfg.Providers.GLM.BaseURL, Model: s.cfg.Providers.GLM.Model}, s.logger),
		"qwen": qwen.New(providers.QwenConfig{APIKey: s.cfg.Providers.Qwen.APIKey, BaseURL: s.cfg.Providers.Qwen.BaseURL, Model: s.cfg.Providers.Qwen.Model}, s.logger),
		"k2":   k2.New(providers.K2Config{APIKey: s.cfg.Providers.K2.APIKey, BaseURL: s.cfg.Providers.K2.BaseURL, Model: s.cfg.Providers.K2.Model, AllowGuest: s.cfg.Providers.K2.AllowGuest}, s.logger),
	}

	poolCfg := s.cfg.Pool.ToPoolConfig()
	pools := make(map[string]*pool.Pool, len(llmProviders))
	credentialProvider := make(map[string]string, len(llmProviders))
	for providerID := range llmProviders {
		credID := providerID + "-default"
		cred := pool.NewCredential(credID, providerID, 1, 0)
		pools[providerID] = pool.New(providerID, []*pool.Credential{cred}, poolCfg, s.logger)
		credentialProvider[credID] = providerID
	}

	acq, err := s.buildAcquirer()
	if err != nil {
		return nil, fmt.Errorf("acquirer: %w", err)
	}

	acquireFunc := func(ctx context.Context, credentialID string) (session.Bundle, error) {
		providerID, ok := credentialProvider[credentialID]
		if !ok {
			// Ephemeral guest credentials are minted by the Router as
			// "<providerID>:guest" (see router.guestCredential) rather
			// than registered in a pool, so they never land in
			// credentialProvider above.
			providerID = strings.TrimSuffix(credentialID, ":guest")
		}
		return acq.Acquire(ctx, providerID)
	}

	return router.New(router.Config{
		Providers:     llmProviders,
		Pools:         pools,
		Store:         store,
		Acquire:       acquireFunc,
		AnonymousMode: s.cfg.Server.AnonymousMode,
		Logger:        s.logger,
	})
}

// buildAcquirer wires a pooled Chrome browser and the three providers' login
// flows into a Session Acquirer.
func (s *Server) buildAcquirer() (*acquirer.Acquirer, error) {
	browserCfg := acquirer.DefaultBrowserConfig()
	browserCfg.Headless = s.cfg.Acquirer.Headless
	if s.cfg.Acquirer.NavTimeout > 0 {
		browserCfg.Timeout = s.cfg.Acquirer.NavTimeout
	}
	factory := acquirer.NewChromeFactory(browserCfg, s.logger)

	poolCfg := acquirer.DefaultBrowserPoolConfig()
	if s.cfg.Acquirer.PoolSize > 0 {
		poolCfg.MaxSize = s.cfg.Acquirer.PoolSize
	}
	browserPool, err := acquirer.NewBrowserPool(factory, poolCfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("browser pool: %w", err)
	}
	s.browserPool = browserPool

	var solver acquirer.Solver
	if s.cfg.Acquirer.CaptchaAPIKey != "" {
		solver = acquirer.NewHTTPSolver(s.cfg.Acquirer.CaptchaAPIKey, s.cfg.Acquirer.CaptchaService)
	}

	accounts := acquirer.AccountSet{
		"glm":  {Email: s.cfg.Providers.GLM.Email, Password: s.cfg.Providers.GLM.Password},
		"qwen": {Email: s.cfg.Providers.Qwen.Email, Password: s.cfg.Providers.Qwen.Password},
		"k2":   {Email: s.cfg.Providers.K2.Email, Password: s.cfg.Providers.K2.Password},
	}

	return acquirer.New(acquirer.Config{
		Providers:     acquirer.DefaultProviderLogins(accounts),
		Solver:        solver,
		SolverTimeout: 120 * time.Second,
		DefaultTTL:    s.cfg.Session.TTL,
	}, browserPool, s.logger), nil
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) initHandlers(chatRouter *router.Router) error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.chatHandler = handlers.NewChatHandler(chatRouter, s.logger)
	s.modelsHandler = handlers.NewModelsHandler(chatRouter)
	s.logger.Info("handlers initialized")
	return nil
}

// =============================================================================
// HTTP server
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("/v1/chat/completions", s.chatHandler.HandleCompletion)
	mux.HandleFunc("/v1/chat/completions/stream", s.chatHandler.HandleStream)
	mux.HandleFunc("/v1/models", s.modelsHandler.HandleList)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

	ctx := context.Background()
	var handler http.Handler = mux
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		SecurityHeaders(),
		CORS(s.cfg.Server.CORSOrigins),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	}
	if !s.cfg.Server.SkipAuth && !s.cfg.Server.AnonymousMode {
		middlewares = append(middlewares, APIKeyAuth(s.cfg.Server.AuthToken, skipAuthPaths, false, s.logger))
	}
	handler = Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.ListenPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.ListenPort))
	return nil
}

// =============================================================================
// Metrics server
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Telemetry.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Telemetry.MetricsPort))
	return nil
}

// =============================================================================
// Shutdown
// =============================================================================

// WaitForShutdown blocks until the HTTP manager observes a shutdown signal,
// then runs cleanup.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown tears down both listeners and the pooled browsers.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx := context.Background()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.browserPool != nil {
		if err := s.browserPool.Close(); err != nil {
			s.logger.Error("browser pool shutdown error", zap.Error(err))
		}
	}
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info("graceful shutdown completed")
}
