// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	NATS      NATSConfig
	Redis     RedisConfig
	Reference ReferenceConfig
	RateLimit RateLimitConfig
}

type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME,default=be-bvas-bills"`
	Version     string `env:"SERVICE_VERSION,default=dev"`
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
}

type ServerConfig struct {
	Port            int           `env:"HTTP_PORT,default=8080"`
	GRPCPort        int           `env:"GRPC_PORT,default=9090"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=15s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT,default=60s"`
	RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=20s"`
	CORSOrigins     string        `env:"CORS_ALLOWED_ORIGINS,default=*"`
}

// DatabaseConfig mirrors the pool settings of the AP services. Driver "memory"
// runs the service on the in-process store.
type DatabaseConfig struct {
	Driver         string        `env:"DATABASE_DRIVER,default=postgres"`
	Host           string        `env:"DB_HOST,default=localhost"`
	Port           int           `env:"DB_PORT,default=5432"`
	User           string        `env:"DB_USER,default=postgres"`
	Password       string        `env:"DB_PASSWORD"`
	Database       string        `env:"DB_NAME,default=bvas"`
	SSLMode        string        `env:"DB_SSLMODE,default=disable"`
	MaxConns       int32         `env:"DB_MAX_CONNS,default=10"`
	MinConns       int32         `env:"DB_MIN_CONNS,default=1"`
	MaxConnTime    time.Duration `env:"DB_MAX_CONN_LIFETIME,default=30m"`
	MaxIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME,default=5m"`
	HealthCheck    time.Duration `env:"DB_HEALTH_CHECK_PERIOD,default=30s"`
	MigrateOnStart bool          `env:"DB_MIGRATE_ON_START,default=true"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	Issuer    string `env:"JWT_ISSUER"`
}

type NATSConfig struct {
	URL           string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX,default=notifications.bvas"`
}

type RedisConfig struct {
	Addr         string        `env:"REDIS_ADDR"`
	Password     string        `env:"REDIS_PASSWORD"`
	DB           int           `env:"REDIS_DB,default=0"`
	DashboardTTL time.Duration `env:"DASHBOARD_CACHE_TTL,default=30s"`
}

type ReferenceConfig struct {
	BaseURL string        `env:"REFERENCE_BASE_URL"`
	Timeout time.Duration `env:"REFERENCE_TIMEOUT,default=5s"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `env:"RATE_LIMIT_RPS,default=20"`
	Burst             int     `env:"RATE_LIMIT_BURST,default=40"`
}

// Load reads an optional .env file and decodes the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.Server.Port)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Auth.JWTSecret == "" && !c.IsDevelopment() {
		return errors.New("JWT_SECRET is required outside development")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// IsDevelopment reports whether the service runs in a local environment.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.Service.Environment)
	return env == "development" || env == "local" || env == "test"
}

// DSN builds the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.Database,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

// AllowedOrigins splits the comma-separated CORS origin list.
func (s ServerConfig) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(s.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
