package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds all configuration for the service.
type Config struct {
	// Server
	Port      int    `envconfig:"PORT" default:"8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Database
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite3"`
	DatabaseURL    string `envconfig:"DATABASE_URL" default:"file:shipquote.db?cache=shared"`

	// Quote cache
	CacheBackend       string        `envconfig:"CACHE_BACKEND" default:"memory"`
	CacheTTL           time.Duration `envconfig:"CACHE_TTL" default:"5m"`
	CacheSweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"1m"`
	RedisAddr          string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword      string        `envconfig:"REDIS_PASSWORD"`
	RedisDB            int           `envconfig:"REDIS_DB" default:"0"`

	// Melhor Envio
	MelhorEnvioSandboxURL         string        `envconfig:"MELHORENVIO_SANDBOX_URL" default:"https://sandbox.melhorenvio.com.br"`
	MelhorEnvioProductionURL      string        `envconfig:"MELHORENVIO_PRODUCTION_URL" default:"https://melhorenvio.com.br"`
	MelhorEnvioSandboxTokenURL    string        `envconfig:"MELHORENVIO_SANDBOX_TOKEN_URL" default:"https://sandbox.melhorenvio.com.br/oauth/token"`
	MelhorEnvioProductionTokenURL string        `envconfig:"MELHORENVIO_PRODUCTION_TOKEN_URL" default:"https://melhorenvio.com.br/oauth/token"`
	MelhorEnvioSandboxClientID    string        `envconfig:"MELHORENVIO_SANDBOX_CLIENT_ID"`
	MelhorEnvioSandboxSecret      string        `envconfig:"MELHORENVIO_SANDBOX_CLIENT_SECRET"`
	MelhorEnvioProductionClientID string        `envconfig:"MELHORENVIO_PRODUCTION_CLIENT_ID"`
	MelhorEnvioProductionSecret   string        `envconfig:"MELHORENVIO_PRODUCTION_CLIENT_SECRET"`
	MelhorEnvioClientCredentials  bool          `envconfig:"MELHORENVIO_CLIENT_CREDENTIALS" default:"false"`
	MelhorEnvioUserAgent          string        `envconfig:"MELHORENVIO_USER_AGENT" default:"shipquote (contato@tournevent.com.br)"`
	MelhorEnvioOriginPostalCode   string        `envconfig:"MELHORENVIO_ORIGIN_POSTAL_CODE"`
	MelhorEnvioTimeout            time.Duration `envconfig:"MELHORENVIO_TIMEOUT" default:"30s"`
	MelhorEnvioUseMock            bool          `envconfig:"MELHORENVIO_USE_MOCK" default:"false"`
	TokenRefreshMargin            time.Duration `envconfig:"TOKEN_REFRESH_MARGIN" default:"5m"`

	// Quoting
	DefaultEnvironment    string `envconfig:"DEFAULT_ENVIRONMENT" default:"sandbox"`
	DefaultProductionDays int    `envconfig:"DEFAULT_PRODUCTION_DAYS" default:"0"`

	// Postal code lookup
	ViaCEPBaseURL string        `envconfig:"VIACEP_BASE_URL" default:"https://viacep.com.br"`
	ViaCEPTimeout time.Duration `envconfig:"VIACEP_TIMEOUT" default:"5s"`

	// Events
	KafkaEnabled bool   `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC" default:"shipquote.events"`

	// Telemetry
	OTELEnabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OTELEndpoint string `envconfig:"OTEL_ENDPOINT" default:"http://localhost:4318"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"shipquote"`
	Version      string `envconfig:"SERVICE_VERSION" default:"0.0.1"`
}

// Load reads configuration from environment variables. Variables found in
// the optional dotenv files are added to the environment first without
// overriding what is already set.
func Load(dotenv ...string) (*Config, error) {
	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, name := range dotenv {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("CACHE_BACKEND must be memory or redis, got %q", c.CacheBackend)
	}
	switch c.DefaultEnvironment {
	case "sandbox", "production":
	default:
		return fmt.Errorf("DEFAULT_ENVIRONMENT must be sandbox or production, got %q", c.DefaultEnvironment)
	}
	if c.DefaultProductionDays < 0 {
		return errors.New("DEFAULT_PRODUCTION_DAYS must not be negative")
	}
	if c.CacheTTL <= 0 {
		return errors.New("CACHE_TTL must be positive")
	}
	return nil
}

// Attributes returns OpenTelemetry attributes for this configuration.
func (c *Config) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
		attribute.String("database.driver", c.DatabaseDriver),
		attribute.String("cache.backend", c.CacheBackend),
		attribute.Bool("melhorenvio.mock", c.MelhorEnvioUseMock),
		attribute.Bool("kafka.enabled", c.KafkaEnabled),
	}
}
