// Package http serves the expense JSON API for a single user.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"expensetracker/internal/cache"
	"expensetracker/internal/log"
	"expensetracker/internal/metrics"
	"expensetracker/internal/middleware/ratelimit"
	"expensetracker/internal/middleware/security"
	"expensetracker/internal/middleware/trace"
	"expensetracker/internal/reader"
	"expensetracker/internal/services"
	"expensetracker/internal/stats"
)

const (
	// statsWaitTimeout bounds how long a month read waits for the first
	// aggregate snapshot.
	statsWaitTimeout = 5 * time.Second
	// liveWaitTimeout bounds how long the current month waits for its first
	// live snapshot.
	liveWaitTimeout = 5 * time.Second
)

// StatsSource is the live aggregate view the handlers answer from.
// *stats.Tracker implements it.
type StatsSource interface {
	reader.StatsSource
	WaitLoaded(ctx context.Context) (stats.View, error)
}

// Deps are the components the server routes to. Reconciler, Metrics and
// Gatherer are optional.
type Deps struct {
	Service    *services.ExpenseService
	Reader     *reader.Reader
	Stats      StatsSource
	Cache      *cache.Manager
	Reconciler *services.Reconciler
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *log.Logger
	// ReconcileOnRead checks every fetched or live month against its
	// aggregate after answering.
	ReconcileOnRead bool
	// WriteLimit caps write requests per client and minute; zero disables
	// limiting.
	WriteLimit int
}

type Server struct {
	http.Server
	deps    Deps
	logger  *log.Logger
	limiter *ratelimit.Limiter

	shutdownOnce sync.Once
}

// NewServer configures routes, returning a ready-to-run http.Server.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Discard()
	}
	if deps.Reconciler == nil {
		deps.Reconciler = services.NewReconciler(deps.Service, deps.Metrics)
	}
	s := &Server{
		deps:   deps,
		logger: logger.WithComponent(log.ComponentHTTP),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(deps.Gatherer))
	}

	write := func(h http.HandlerFunc) http.Handler { return h }
	if deps.WriteLimit > 0 {
		s.limiter = ratelimit.NewLimiter(ratelimit.Config{Limit: deps.WriteLimit, Window: time.Minute})
		limited := s.limiter.Middleware(s.writeRateLimited)
		write = func(h http.HandlerFunc) http.Handler { return limited(h) }
	}

	mux.Handle("POST /api/expenses", write(s.handleCreateExpense))
	mux.Handle("DELETE /api/expenses/{id}", write(s.handleDeleteExpense))
	mux.HandleFunc("GET /api/expenses/recent", s.handleRecent)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stats/trend", s.handleTrend)
	mux.HandleFunc("GET /api/months/{month}", s.handleMonth)
	mux.HandleFunc("GET /api/months/{month}/watch", s.handleWatch)
	mux.HandleFunc("GET /api/months/{month}/budget", s.handleBudget)
	mux.Handle("POST /api/months/{month}/reconcile", write(s.handleReconcile))
	mux.Handle("PUT /api/budget", write(s.handleSetBudget))
	mux.Handle("POST /api/cache/clear", write(s.handleClearCache))

	tracer := trace.NewMiddleware(logger, deps.Metrics)
	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	s.Server = http.Server{
		Addr:              addr,
		Handler:           headers.Middleware(tracer.Middleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Write rate limit exceeded",
		"client_ip", ratelimit.ClientIP(r), log.FieldPath, r.URL.Path)
	writeJSON(w, http.StatusTooManyRequests, errorJSON{Error: "rate limit exceeded"})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once the aggregate subscription has delivered.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	v := s.deps.Stats.View()
	if v.Err != nil || !v.Loaded {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
