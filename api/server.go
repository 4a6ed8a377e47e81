package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wippyai/wasm-supervisor/executor"
	"github.com/wippyai/wasm-supervisor/history"
	"github.com/wippyai/wasm-supervisor/metrics"
	"github.com/wippyai/wasm-supervisor/pool"
	"github.com/wippyai/wasm-supervisor/registry"
	"github.com/wippyai/wasm-supervisor/store"
)

const (
	defaultMaxBodyBytes   = 64 << 20
	defaultPrepareTimeout = 5 * time.Minute
)

// Device identifies this node in descriptions and failures.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Arch    string `json:"arch"`
}

// Config tunes the HTTP surface.
type Config struct {
	Device Device
	// MaxSteps bounds the X-Chain-Step a request may carry.
	MaxSteps int
	// Deadline is given to requests that start here without one.
	Deadline time.Duration
	// RateLimit bounds client invocations per second. Chained hops from
	// other nodes are never limited. 0 disables it.
	RateLimit      float64
	RateBurst      int
	MaxBodyBytes   int64
	PrepareTimeout time.Duration
}

// StoreStats reports module store occupancy. *store.Store implements it.
type StoreStats interface {
	Stats() store.Stats
}

// PoolStats reports sandbox pool occupancy. *pool.Pool implements it.
type PoolStats interface {
	Stats() pool.Stats
}

// Server is the node's HTTP surface: deployment management, invocation,
// result files, request history and introspection.
type Server struct {
	cfg      Config
	registry *registry.Registry
	executor *executor.Executor
	history  history.Store
	store    StoreStats
	pool     PoolStats
	metrics  *metrics.Collector
	logger   *zap.Logger
	limiter  *rate.Limiter
	router   *gin.Engine
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHistory serves request history from h.
func WithHistory(h history.Store) Option {
	return func(s *Server) { s.history = h }
}

// WithStats reports store and pool occupancy on /health.
func WithStats(st StoreStats, p PoolStats) Option {
	return func(s *Server) {
		s.store = st
		s.pool = p
	}
}

// New builds the server and its routes.
func New(cfg Config, reg *registry.Registry, exec *executor.Executor, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = defaultPrepareTimeout
	}
	if cfg.Device.Arch == "" {
		cfg.Device.Arch = store.GenericArch
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		executor: exec,
		logger:   zap.NewNop(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "api"))
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Shutdown cancels background deployment preparation and waits for it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare readies a deployment in the background.
func (s *Server) prepare(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PrepareTimeout)
		defer cancel()
		_ = s.executor.Prepare(ctx, id)
	}()
}
