// Package server exposes the activator as an HTTP service: a demo
// newsletter page with server-activated widgets, an activation API, and
// the subscribe/confirm flow backed by the verifier and the store.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tbleier/capgate/api/schemas"
	"github.com/tbleier/capgate/internal/config"
	"github.com/tbleier/capgate/internal/store"
	"github.com/tbleier/capgate/internal/widget"
)

// Verifier checks a CAPTCHA response token with the provider.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (schemas.VerifyResult, error)
}

// Subscribers is the slice of the store the server needs. A nil value
// disables persistence; subscriptions then only mint confirm tokens.
type Subscribers interface {
	SaveSubscriber(ctx context.Context, email string) (store.Subscriber, bool, error)
	ConfirmSubscriber(ctx context.Context, email string) error
}

// Server hosts the demo site and the activation/subscribe API.
type Server struct {
	cfg      config.ServerConfig
	opts     widget.Options
	logger   *zap.Logger
	verifier Verifier
	subs     Subscribers
	limiter  *rate.Limiter

	httpServer *http.Server
}

// New wires the server. verifier must be non-nil; subs may be nil when no
// database is configured.
func New(cfg *config.Config, verifier Verifier, subs Subscribers, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg.Server,
		opts:     widget.OptionsFromConfig(cfg.Widget),
		logger:   logger.Named("server"),
		verifier: verifier,
		subs:     subs,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Server.SubscribeRPS), cfg.Server.SubscribeBurst),
	}
	return s
}

// Router builds the chi handler tree. Exposed for httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout()))
	r.Use(s.requestLogger)

	r.Get("/", s.handleDemo)
	r.Get("/static/activator.js", s.handleScript)
	r.Get("/healthz", s.handleHealth)
	r.Get("/confirm", s.handleConfirm)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/api/activate", s.handleActivate)
		r.Post("/subscribe", s.handleSubscribe)
	})

	return r
}

// Start runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()

		s.logger.Info("Shutting down HTTP server.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error.", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP server starting.", zap.String("address", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	return nil
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.RequestTimeout > 0 {
		return s.cfg.RequestTimeout
	}
	return 30 * time.Second
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 15 * time.Second
}

// requestLogger logs one line per completed request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("Request served.",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

// rateLimit rejects mutating requests above the configured rate.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
