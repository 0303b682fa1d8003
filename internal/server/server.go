package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tournevent/shipquote/internal/quote"
	"github.com/tournevent/shipquote/internal/quotecache"
	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/pkg/shipping"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// QuoteService is the orchestrator surface exposed over HTTP.
type QuoteService interface {
	GetQuote(ctx context.Context, in quote.Input) (*quote.Result, error)
	PersistQuote(ctx context.Context, in quote.Input) (*quote.Snapshot, error)
	GetSnapshot(ctx context.Context, id uuid.UUID) (*quote.Snapshot, error)
	Requote(ctx context.Context, id uuid.UUID) (*quote.Snapshot, error)
	SyncModalities(ctx context.Context, env shipping.Environment) ([]shipping.ShippingModality, error)
	SetModalityActive(ctx context.Context, env shipping.Environment, serviceID int, active bool) error
}

// RuleAdmin manages shipping rules.
type RuleAdmin interface {
	ListRules(ctx context.Context) ([]rules.ShippingRule, error)
	CreateRule(ctx context.Context, r *rules.ShippingRule) error
	DeleteRule(ctx context.Context, id int64) error
}

// SettingsAdmin updates administrator settings.
type SettingsAdmin interface {
	SetActiveEnvironment(ctx context.Context, provider string, env shipping.Environment) error
	SetProductionDaysDefault(ctx context.Context, days int) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration.
type Config struct {
	Port int
	// Provider is the carrier whose active environment the settings
	// endpoint changes.
	Provider string
}

// Deps are the collaborators served by the HTTP API. Rules, Settings,
// Health, Sweeper and Gatherer may be nil.
type Deps struct {
	Quotes   QuoteService
	Rules    RuleAdmin
	Settings SettingsAdmin
	Health   Pinger
	Sweeper  *quotecache.Sweeper
	Gatherer prometheus.Gatherer
	Logger   *otelzap.Logger
}

// Server is the HTTP server for the quoting service.
type Server struct {
	cfg      Config
	quotes   QuoteService
	rules    RuleAdmin
	settings SettingsAdmin
	health   Pinger
	sweeper  *quotecache.Sweeper
	gatherer prometheus.Gatherer
	logger   *otelzap.Logger
}

// New creates a new server instance.
func New(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		quotes:   deps.Quotes,
		rules:    deps.Rules,
		settings: deps.Settings,
		health:   deps.Health,
		sweeper:  deps.Sweeper,
		gatherer: deps.Gatherer,
		logger:   deps.Logger,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/quotes", s.handleGetQuote)
		r.Post("/quotes/snapshots", s.handlePersistQuote)
		r.Get("/quotes/snapshots/{id}", s.handleGetSnapshot)
		r.Post("/quotes/snapshots/{id}/requote", s.handleRequote)

		r.Post("/modalities/sync", s.handleSyncModalities)
		r.Put("/modalities/{serviceID}/active", s.handleSetModalityActive)

		if s.rules != nil {
			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Delete("/rules/{id}", s.handleDeleteRule)
		}
		if s.settings != nil {
			r.Put("/settings/environment", s.handleSetEnvironment)
			r.Put("/settings/production-days", s.handleSetProductionDays)
		}
	})
	return r
}

// Run starts the HTTP server and the cache sweeper, blocking until ctx is
// cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting server", zap.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.sweeper != nil {
		g.Go(func() error {
			return s.sweeper.Run(ctx)
		})
	}
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Ctx(r.Context()).Warn("Health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Ctx(r.Context()).Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
