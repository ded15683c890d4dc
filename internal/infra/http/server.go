package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"imgate/internal/config"
	"imgate/internal/domain"
	"imgate/internal/infra/metrics"
	"imgate/internal/infra/ratelimit"
	"imgate/internal/usecase"

	"github.com/gin-gonic/gin"
)

type AccessService interface {
	Check(ctx context.Context, req domain.AccessRequest) (domain.AccessDecision, error)
	Register(ctx context.Context, req domain.AccessRequest) (domain.AccessDecision, error)
}

type DeliveryService interface {
	Deliver(ctx context.Context, req domain.DeliverRequest) (*domain.Delivery, error)
}

type Server struct {
	cfg    config.Config
	r      *gin.Engine
	logger *slog.Logger

	access    AccessService
	delivery  DeliveryService
	purchases usecase.PurchaseLister
	metrics   *metrics.Metrics
	ping      func(ctx context.Context) error

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

type ServerDeps struct {
	Access      AccessService
	Delivery    DeliveryService
	Purchases   usecase.PurchaseLister
	Metrics     *metrics.Metrics
	RateLimiter domain.RateLimiter
	Logger      *slog.Logger
	// Ping reports backing store health for /healthz.
	Ping func(ctx context.Context) error
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), requestTimeout(cfg.RequestTimeout))

	s := &Server{
		cfg:       cfg,
		r:         r,
		logger:    logger,
		access:    deps.Access,
		delivery:  deps.Delivery,
		purchases: deps.Purchases,
		metrics:   deps.Metrics,
		ping:      deps.Ping,
	}
	s.initRateLimit(deps.RateLimiter)
	s.routes()
	return s
}

func (s *Server) initRateLimit(override domain.RateLimiter) {
	if override != nil {
		s.rateLimiter = override
	}
	if s.rateLimiter == nil && s.cfg.RateLimitEnabled() {
		if s.cfg.RedisAddr != "" {
			if limiter, err := s.dialRedisLimiter(); err != nil {
				s.logger.Warn("redis rate limiter unavailable, falling back to per-process limits",
					"redis_addr", s.cfg.RedisAddr, "error", err)
			} else {
				s.rateLimiter = limiter
			}
		}
		if s.rateLimiter == nil {
			s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
				MaxKeys: s.cfg.RateLimitMaxKeys,
			})
		}
	}
	s.rateLimitRequests = s.cfg.RateLimitRequests
	s.rateLimitWindow = s.cfg.RateLimitWindow
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) dialRedisLimiter() (*ratelimit.RedisLimiter, error) {
	limiter, err := ratelimit.NewRedisLimiter(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := limiter.Ping(ctx); err != nil {
		_ = limiter.Close()
		return nil, err
	}
	return limiter, nil
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.r.Group("/v1")
	{
		v1.GET("/download", s.handleDownload)
		v1.GET("/access", s.handleAccess)
		v1.GET("/purchases", s.handleListPurchases)
		v1.POST("/purchases", s.handleRegisterPurchase)
		v1.POST("/manifest/parse", s.handleParseManifest)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) Handler() http.Handler {
	return s.r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}
