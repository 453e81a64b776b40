// Package server exposes health, metrics and recent offers over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sdexindexer/internal/config"
	"sdexindexer/internal/health"
	"sdexindexer/internal/model"
)

const (
	defaultOffersLimit = 50
	maxOffersLimit     = 500
)

// HealthChecker produces a composite report.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// MetricsSource returns the latest background snapshot.
type MetricsSource interface {
	Latest() (health.Snapshot, bool)
}

// OfferLister reads recent offers.
type OfferLister interface {
	ListRecentOffers(ctx context.Context, limit int) ([]model.Offer, error)
}

// Server hosts the gin engine.
type Server struct {
	cfg     config.ServerConfig
	checker HealthChecker
	metrics MetricsSource
	offers  OfferLister
	logger  zerolog.Logger

	engine     *gin.Engine
	httpServer *http.Server
}

// New builds the server and its routes. metrics and offers may be nil.
func New(cfg config.ServerConfig, checker HealthChecker, metrics MetricsSource, offers OfferLister, logger zerolog.Logger) *Server {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		checker: checker,
		metrics: metrics,
		offers:  offers,
		logger:  logger.With().Str("component", "http").Logger(),
	}
	s.engine = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) buildRouter() *gin.Engine {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)
	router.GET("/offers", s.handleOffers)
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.HealthTimeout)
	defer cancel()

	report := s.checker.Check(ctx)
	c.JSON(report.HTTPStatus(), report)
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics sampler not running"})
		return
	}
	snap, ok := s.metrics.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no sample yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sampled_at":          snap.SampledAt,
		"pool":                snap.Pool,
		"pool_utilization":    snap.Pool.Utilization(),
		"database_latency_ms": snap.DatabaseLatencyMS,
		"database_error":      snap.DatabaseError,
		"cache_status":        snap.CacheStatus,
		"cache_latency_ms":    snap.CacheLatencyMS,
	})
}

func (s *Server) handleOffers(c *gin.Context) {
	if s.offers == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "offer store not configured"})
		return
	}

	limit := defaultOffersLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxOffersLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	offers, err := s.offers.ListRecentOffers(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list recent offers failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list offers"})
		return
	}

	out := make([]offerView, 0, len(offers))
	for _, o := range offers {
		out = append(out, newOfferView(o))
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "offers": out})
}

type offerView struct {
	ID                 uint64     `json:"id"`
	Seller             string     `json:"seller"`
	Selling            string     `json:"selling"`
	Buying             string     `json:"buying"`
	Amount             string     `json:"amount"`
	Price              string     `json:"price"`
	PriceN             int32      `json:"price_n"`
	PriceD             int32      `json:"price_d"`
	LastModifiedLedger uint64     `json:"last_modified_ledger"`
	LastModifiedTime   *time.Time `json:"last_modified_time,omitempty"`
}

func newOfferView(o model.Offer) offerView {
	return offerView{
		ID:                 o.ID,
		Seller:             o.Seller,
		Selling:            o.Selling.String(),
		Buying:             o.Buying.String(),
		Amount:             o.Amount,
		Price:              o.PriceDecimal().String(),
		PriceN:             o.PriceN,
		PriceD:             o.PriceD,
		LastModifiedLedger: o.LastModifiedLedger,
		LastModifiedTime:   o.LastModifiedTime,
	}
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
