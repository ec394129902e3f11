// Package httpapi serves the read API over the aggregate, recipient
// registration and a server-sent change stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"shopwatch/internal/engine"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/notifier"
	"shopwatch/internal/registry"
	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

type Config struct {
	Addr         string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// Heartbeat is the SSE keep-alive interval; zero means 15s.
	Heartbeat time.Duration

	// Pprof mounts net/http/pprof under /debug. With PprofToken set, requests need
	// "Authorization: Bearer <token>"; without it only loopback clients are served.
	Pprof      bool
	PprofToken string
}

// StockView is the read side of the engine.
type StockView interface {
	State() *shop.AggregateState
	Category(name string) (shop.CategoryState, bool)
	Feeds() []engine.FeedRecord
	Stats() engine.Stats
}

type Recipients interface {
	Register(ctx context.Context, token, platform string, subs registry.Subscriptions) (registry.Record, error)
	SetSubscriptions(ctx context.Context, id string, subs registry.Subscriptions) error
	Get(ctx context.Context, id string) (registry.Record, error)
	Delete(ctx context.Context, id string) error
	Counts(ctx context.Context) (registry.Counts, error)
}

type History interface {
	History() []notifier.HistoryItem
}

type Deps struct {
	Stock      StockView
	Recipients Recipients // nil disables the recipient endpoints
	History    History    // nil serves an empty list
	Bus        eventbus.Bus
	// Health returns per-component diagnostics for /api/health.
	Health    func(ctx context.Context) map[string]any
	Version   string
	StartTime time.Time
}

type Server struct {
	http *http.Server
	log  logx.Logger
	addr atomic.Value // string
}

func New(cfg Config, d Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(cfg, d, log),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			// WriteTimeout stays zero unless configured: it would cut SSE streams.
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: 1 << 20,
		},
		log: log,
	}
}

// NewRouter builds the handler tree.
func NewRouter(cfg Config, d Deps, log logx.Logger) http.Handler {
	if d.StartTime.IsZero() {
		d.StartTime = time.Now()
	}
	h := &handlers{d: d, log: log, heartbeat: cfg.Heartbeat}
	if h.heartbeat <= 0 {
		h.heartbeat = 15 * time.Second
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.GetHead)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	if cfg.Pprof {
		r.Route("/debug", func(r chi.Router) {
			r.Use(bearerToken(cfg.PprofToken))
			r.Mount("/", middleware.Profiler())
		})
	}

	r.Route("/api", func(r chi.Router) {
		// Streaming route: no request timeout.
		r.Get("/events", h.events)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))
			r.Get("/health", h.health)
			r.Get("/stock", h.stock)
			r.Get("/stock/{category}", h.category)
			r.Get("/feeds", h.feeds)
			r.Get("/notifications", h.notifications)

			r.Route("/recipients", func(r chi.Router) {
				r.Post("/", h.register)
				r.Get("/{id}", h.recipient)
				r.Put("/{id}/subscriptions", h.subscriptions)
				r.Delete("/{id}", h.unregister)
			})
		})
	})
	return r
}

// Start listens and serves until Stop. It returns nil on graceful shutdown.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Listen binds the configured address so bind errors surface before serving.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return nil, fmt.Errorf("http listen %s: %w", s.http.Addr, err)
	}
	s.addr.Store(ln.Addr().String())
	return ln, nil
}

// Addr is the bound address once listening, else the configured one.
func (s *Server) Addr() string {
	if v, ok := s.addr.Load().(string); ok {
		return v
	}
	return s.http.Addr
}

func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}
