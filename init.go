package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tournevent/shipquote/internal/cep"
	"github.com/tournevent/shipquote/internal/config"
	"github.com/tournevent/shipquote/internal/credentials"
	"github.com/tournevent/shipquote/internal/events"
	"github.com/tournevent/shipquote/internal/quote"
	"github.com/tournevent/shipquote/internal/quotecache"
	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/internal/store/sqlstore"
	"github.com/tournevent/shipquote/internal/telemetry"
	"github.com/tournevent/shipquote/pkg/shipping"
	"github.com/tournevent/shipquote/pkg/shipping/melhorenvio"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// app holds the wired components shared by the CLI commands.
type app struct {
	cfg         *config.Config
	logger      *otelzap.Logger
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
	store       *sqlstore.Store
	cache       quotecache.Store
	publisher   events.Publisher
	credentials *credentials.Manager
	quotes      *quote.Service

	closers []func(context.Context) error
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func initLogger(cfg *config.Config) (*otelzap.Logger, error) {
	return telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
}

func initTracer(ctx context.Context, cfg *config.Config) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.OTELEnabled {
		return nil, func(context.Context) error { return nil }, nil
	}
	return telemetry.InitTracer(ctx, cfg.OTELEndpoint, cfg.ServiceName, cfg.Version)
}

// newApp wires every component. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, logger *otelzap.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(prometheus.DefaultRegisterer),
	}
	defer func() {
		if err != nil {
			a.close(ctx)
		}
	}()

	tracer, shutdown, err := initTracer(ctx, cfg)
	if err != nil {
		logger.Warn("Failed to initialize tracer", zap.Error(err))
	} else {
		a.tracer = tracer
		a.closers = append(a.closers, shutdown)
	}

	a.store, err = sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })

	if a.cache, err = initCache(ctx, cfg); err != nil {
		return nil, err
	}
	if r, ok := a.cache.(*quotecache.Redis); ok {
		a.closers = append(a.closers, func(context.Context) error { return r.Close() })
	}

	a.publisher = initPublisher(cfg, logger)
	a.closers = append(a.closers, func(context.Context) error { return a.publisher.Close() })

	a.credentials = credentials.NewManager(credentials.Config{
		RefreshMargin: cfg.TokenRefreshMargin,
		Providers:     []credentials.Provider{melhorEnvioProvider(cfg)},
	}, a.store, credentials.NewOAuth2Exchanger(cfg.MelhorEnvioTimeout, cfg.MelhorEnvioUserAgent), logger, a.metrics)

	var tokens melhorenvio.TokenSource = a.credentials.TokenSource(melhorenvio.ProviderName)
	if cfg.MelhorEnvioUseMock {
		tokens = staticToken("mock-token")
	}
	carrier := melhorenvio.New(melhorenvio.Config{
		SandboxURL:    cfg.MelhorEnvioSandboxURL,
		ProductionURL: cfg.MelhorEnvioProductionURL,
		UserAgent:     cfg.MelhorEnvioUserAgent,
		Timeout:       cfg.MelhorEnvioTimeout,
		UseMock:       cfg.MelhorEnvioUseMock,
	}, tokens, logger, a.tracer)

	a.quotes = quote.NewService(quote.Config{
		CacheTTL:              cfg.CacheTTL,
		DefaultEnvironment:    shipping.Environment(cfg.DefaultEnvironment),
		DefaultProductionDays: cfg.DefaultProductionDays,
		OriginPostalCode:      cfg.MelhorEnvioOriginPostalCode,
	}, quote.Deps{
		Carrier:     carrier,
		Cache:       a.cache,
		Rules:       rules.NewEngine(a.store, logger),
		Credentials: a.credentials,
		Settings:    a.store,
		Modalities:  a.store,
		Snapshots:   a.store,
		States:      cep.NewViaCEP(cfg.ViaCEPBaseURL, cfg.ViaCEPTimeout),
		Publisher:   a.publisher,
		Logger:      logger,
		Metrics:     a.metrics,
		Tracer:      a.tracer,
	})
	return a, nil
}

func (a *app) close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Error during shutdown", zap.Error(err))
	}
}

func initCache(ctx context.Context, cfg *config.Config) (quotecache.Store, error) {
	switch cfg.CacheBackend {
	case "redis":
		r, err := quotecache.NewRedis(ctx, quotecache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return r, nil
	default:
		return quotecache.NewMemory(), nil
	}
}

func initPublisher(cfg *config.Config, logger *otelzap.Logger) events.Publisher {
	if !cfg.KafkaEnabled {
		return events.Nop{}
	}
	return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
}

func melhorEnvioProvider(cfg *config.Config) credentials.Provider {
	return credentials.Provider{
		Name: melhorenvio.ProviderName,
		TokenURLs: map[shipping.Environment]string{
			shipping.EnvSandbox:    cfg.MelhorEnvioSandboxTokenURL,
			shipping.EnvProduction: cfg.MelhorEnvioProductionTokenURL,
		},
		ClientCredentials: cfg.MelhorEnvioClientCredentials,
		Clients: map[shipping.Environment]credentials.ClientCredentials{
			shipping.EnvSandbox: {
				ClientID:     cfg.MelhorEnvioSandboxClientID,
				ClientSecret: cfg.MelhorEnvioSandboxSecret,
			},
			shipping.EnvProduction: {
				ClientID:     cfg.MelhorEnvioProductionClientID,
				ClientSecret: cfg.MelhorEnvioProductionSecret,
			},
		},
		OriginPostalCode: cfg.MelhorEnvioOriginPostalCode,
	}
}

// staticToken serves a fixed token to the mock API client.
type staticToken string

func (t staticToken) Token(context.Context, shipping.Environment) (string, error) {
	return string(t), nil
}
