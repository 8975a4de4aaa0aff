// Package server wires the HTTP surface together: middleware, routes,
// collaborators, and lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rugdetector/rugdetector/internal/chain"
	"github.com/rugdetector/rugdetector/internal/config"
	"github.com/rugdetector/rugdetector/internal/features"
	"github.com/rugdetector/rugdetector/internal/gateway"
	"github.com/rugdetector/rugdetector/internal/health"
	"github.com/rugdetector/rugdetector/internal/idgen"
	"github.com/rugdetector/rugdetector/internal/inference"
	"github.com/rugdetector/rugdetector/internal/logging"
	"github.com/rugdetector/rugdetector/internal/metrics"
	"github.com/rugdetector/rugdetector/internal/payment"
	"github.com/rugdetector/rugdetector/internal/pipeline"
	"github.com/rugdetector/rugdetector/internal/ratelimit"
	"github.com/rugdetector/rugdetector/internal/replay"
	"github.com/rugdetector/rugdetector/internal/security"
	"github.com/rugdetector/rugdetector/internal/traces"
	"github.com/rugdetector/rugdetector/internal/usdc"
	"github.com/rugdetector/rugdetector/internal/validation"
	"github.com/rugdetector/rugdetector/internal/zkml"
)

// Server wraps the HTTP server and its collaborators.
type Server struct {
	cfg *config.Config

	chainVerifier *chain.Verifier // nil when a confirmer is injected
	confirmer     payment.Confirmer
	extractor     features.Extractor
	model         inference.Model
	prover        zkml.Prover

	replayCache *replay.Cache
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry

	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	tracesShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithConfirmer injects the chain collaborator, used in tests.
func WithConfirmer(c payment.Confirmer) Option {
	return func(s *Server) { s.confirmer = c }
}

// WithExtractor overrides the feature extractor.
func WithExtractor(e features.Extractor) Option {
	return func(s *Server) { s.extractor = e }
}

// WithModel overrides the inference model.
func WithModel(m inference.Model) Option {
	return func(s *Server) { s.model = m }
}

// WithProver overrides the proof collaborator.
func WithProver(p zkml.Prover) Option {
	return func(s *Server) { s.prover = p }
}

// New builds the server: collaborators, payment stack, middleware, routes.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.confirmer == nil {
		verifier, err := chain.New(chain.Config{
			RPCURL:       cfg.RPCURL,
			ChainID:      cfg.ChainID,
			USDCContract: cfg.USDCContract,
			Recipient:    cfg.ServiceAddress,
		}, chain.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("create chain verifier: %w", err)
		}
		s.chainVerifier = verifier
		s.confirmer = verifier
	}

	if s.extractor == nil {
		s.extractor = features.NewSimulated()
	}
	if s.model == nil {
		s.model = inference.NewLogisticScorer()
	}
	if s.prover == nil {
		s.prover = zkml.NewCommitmentProver(cfg.ModelPath)
	}

	minAmount, ok := usdc.Parse(cfg.MinPayment)
	if !ok {
		return nil, fmt.Errorf("invalid minimum payment %q", cfg.MinPayment)
	}

	s.replayCache = replay.NewCache(cfg.PaymentTTL, 0)
	s.rateLimiter = ratelimit.New(ratelimit.DefaultWindow, map[ratelimit.Class]int{
		ratelimit.ClassGlobal:  cfg.RateLimitPerMinute,
		ratelimit.ClassPayment: cfg.PaymentRateLimitPerMinute,
	})

	payVerifier := payment.NewVerifier(s.replayCache, s.confirmer, minAmount,
		payment.WithLogger(s.logger),
		payment.WithRPCTimeout(cfg.RPCTimeout))

	orchestrator := pipeline.New(s.extractor, s.model, s.prover, pipeline.Timeouts{
		Extract: cfg.ExtractTimeout,
		Infer:   cfg.InferTimeout,
		Prove:   cfg.ProveTimeout,
		Verify:  cfg.VerifyTimeout,
	}, pipeline.WithLogger(s.logger))

	gw := gateway.New(payVerifier, orchestrator, s.rateLimiter, gateway.Challenge{
		Price:       cfg.PriceUSDC,
		Currency:    "USDC",
		Chain:       networkName(cfg.ChainID),
		ChainID:     cfg.ChainID,
		Recipient:   cfg.ServiceAddress,
		Contract:    cfg.USDCContract,
		Description: "Smart contract risk analysis with zkML proof",
	}, gateway.WithLogger(s.logger))

	s.healthReg = health.NewRegistry()
	if s.chainVerifier != nil {
		s.healthReg.Register("rpc", s.chainVerifier.HealthCheck)
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(gw)

	s.healthy.Store(true)
	return s, nil
}

// networkName maps known chain IDs to their common network name.
func networkName(chainID int64) string {
	switch chainID {
	case 1:
		return "ethereum"
	case 8453:
		return "base"
	case 84532:
		return "base-sepolia"
	case 137:
		return "polygon"
	default:
		return fmt.Sprintf("chain-%d", chainID)
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success":    false,
			"error":      "An unexpected error occurred",
			"error_code": "INTERNAL_ERROR",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.rateLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes(gw *gateway.Gateway) {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.POST("/check", gw.HandleCheck)
	s.router.GET("/.well-known/ai-service.json", gw.HandleDiscovery)
	s.router.GET("/", s.infoHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	httpStatus := http.StatusOK
	status := "healthy"
	if !healthy {
		httpStatus = http.StatusServiceUnavailable
		status = "degraded"
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "rugdetector",
		"description": "Payment-gated smart contract risk analysis",
		"version":     "2.0.0",
		"chain":       networkName(s.cfg.ChainID),
		"currency":    "USDC",
		"price":       s.cfg.PriceUSDC,
	})
}

// Run starts the server and blocks until a signal, context
// cancellation, or a listen error.
func (s *Server) Run(ctx context.Context) error {
	shutdownTraces, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute, // proof generation can be slow
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chain", networkName(s.cfg.ChainID),
			"service_address", s.cfg.ServiceAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and its background goroutines.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}
	if s.replayCache != nil {
		s.replayCache.Close()
		s.logger.Info("replay cache closed")
	}
	if s.chainVerifier != nil {
		s.chainVerifier.Close()
		s.logger.Info("chain client closed")
	}
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
