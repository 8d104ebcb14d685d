package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	applog "cassa/internal/log"
	"cassa/internal/services"
)

// Config holds the listener settings of the API server.
type Config struct {
	Addr string
	// RateLimit is the number of mutating requests a client may send per minute (default: 60)
	RateLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ReadinessCheck is one dependency checked by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	http.Server
	ledger   *services.Ledger
	gate     *services.ConfirmationGate
	views    *ViewCache
	notifier services.Notifier
	limiter  *rateLimiter
	checks   []ReadinessCheck
	started  time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes, returning a ready-to-run server.
func NewServer(cfg Config, ledger *services.Ledger, gate *services.ConfirmationGate, views *ViewCache, logger *applog.Logger) *Server {
	if views == nil {
		views = NewViewCache(0, 0)
	}
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)

	mux := http.NewServeMux()
	s := &Server{
		Server: http.Server{
			Addr:              cfg.Addr,
			Handler:           applog.Middleware(logger)(mux),
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ledger:  ledger,
		gate:    gate,
		views:   views,
		limiter: newRateLimiter(cfg.RateLimit),
		started: time.Now(),
	}
	go s.limiter.startCleanup(5 * time.Minute)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.Handle("POST /transactions", s.wrap(s.handleCreateTransaction))
	mux.Handle("GET /transactions", s.wrap(s.handleListTransactions))
	mux.Handle("GET /transactions/{id}", s.wrap(s.handleGetTransaction))
	mux.Handle("POST /transactions/{id}/deletion", s.wrap(s.handleRequestDeletion))
	mux.Handle("POST /confirmations/{token}", s.wrap(s.handleConfirm))
	mux.Handle("DELETE /confirmations/{token}", s.wrap(s.handleCancel))
	mux.Handle("GET /balance", s.wrap(s.handleBalance))
	mux.Handle("GET /categories", s.wrap(s.handleCategories))
	mux.Handle("GET /forecast", s.wrap(s.handleForecast))

	return s
}

// SetNotifier publishes summaries of transactions added through the API.
// Deletions are published by the coordinator itself.
func (s *Server) SetNotifier(n services.Notifier) {
	s.notifier = n
}

func (s *Server) AddReadinessCheck(name string, fn func(ctx context.Context) error) {
	s.checks = append(s.checks, ReadinessCheck{Name: name, Check: fn})
}

// Views returns the cache the server reads through, for wiring invalidation.
func (s *Server) Views() *ViewCache {
	return s.views
}

// Shutdown stops background routines and the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// wrap adds a request ID, security headers, rate limiting of mutating
// requests and request logging.
func (s *Server) wrap(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := extractClientIP(r)

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}
		ctx := applog.NewContext(r.Context(), applog.FromContext(r.Context()).With(applog.FieldRequestID, requestID))
		r = r.WithContext(ctx)

		w.Header().Set("X-Request-ID", requestID)
		setSecurityHeaders(w.Header())

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		if isMutating(r.Method) && !s.limiter.allow(clientIP) {
			applog.FromContext(ctx).WithComponent(applog.ComponentRateLimit).WarnContext(ctx, "Rate limit exceeded",
				applog.FieldClientIP, clientIP,
				applog.FieldMethod, r.Method,
				applog.FieldPath, r.URL.Path)
			rw.Header().Set("Retry-After", "60")
			writeError(rw, http.StatusTooManyRequests, "rate limit exceeded, please try again later")
		} else {
			next(rw, r)
		}

		applog.NewStructuredLogger(applog.FromContext(ctx)).LogHTTPEnd(ctx, r, rw.statusCode, time.Since(start).Milliseconds(), clientIP)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
