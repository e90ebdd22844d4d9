package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
	DriverMemory   = "memory"

	// jwtSecretMinLen keeps HS256 keys at least as long as the hash output.
	jwtSecretMinLen = 32
)

// Config holds all environment-based configuration for the auth service.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	Port        string `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage backend: postgres, bolt or memory.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"10m"`
	RunMigrations     bool          `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"false"`

	BoltPath string `env:"BOLT_PATH" envDefault:"data/auth.db"`

	// When set, revocations and the login limiter live in Redis.
	RedisURL string `env:"REDIS_URL"`

	JWTSecret        string        `env:"JWT_SECRET"`
	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL  time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	ExpectedAudience string        `env:"EXPECTED_AUDIENCE"`

	LoginRateLimitMax    int           `env:"LOGIN_RATE_LIMIT_MAX" envDefault:"10"`
	LoginRateLimitWindow time.Duration `env:"LOGIN_RATE_LIMIT_WINDOW" envDefault:"1m"`
	// Proxies in front of the service that append to X-Forwarded-For. Zero
	// ignores the header and keys the limiter on the peer address.
	TrustedProxyHops int `env:"TRUSTED_PROXY_HOPS" envDefault:"0"`

	// Per client_id lockout after repeated failed secrets.
	LoginMaxAttempts      int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LoginLockDuration     time.Duration `env:"LOGIN_LOCK_DURATION" envDefault:"15m"`
	LoginAttemptRetention time.Duration `env:"LOGIN_ATTEMPT_RETENTION" envDefault:"24h"`

	SentryDSN      string `env:"SENTRY_DSN"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`

	CronSecret            string        `env:"CRON_SECRET"`
	RefreshTokenRetention time.Duration `env:"REFRESH_TOKEN_RETENTION" envDefault:"336h"`
	CleanupBatchSize      int           `env:"CLEANUP_BATCH_SIZE" envDefault:"500"`
	MaintenanceScope      string        `env:"MAINTENANCE_SCOPE" envDefault:"auth:maintenance"`

	// Optional client provisioned at startup.
	BootstrapClientID     string   `env:"BOOTSTRAP_CLIENT_ID"`
	BootstrapClientSecret string   `env:"BOOTSTRAP_CLIENT_SECRET"`
	BootstrapClientScopes []string `env:"BOOTSTRAP_CLIENT_SCOPES" envSeparator:","`
}

// Load parses the environment, reading .env first when loadDotEnv is set.
func Load(loadDotEnv bool) (*Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < jwtSecretMinLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", jwtSecretMinLen)
	}

	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case DriverBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required when STORE_DRIVER=bolt")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}

	if c.LoginMaxAttempts <= 0 || c.LoginLockDuration <= 0 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS and LOGIN_LOCK_DURATION must be positive")
	}
	if c.TrustedProxyHops < 0 {
		return fmt.Errorf("TRUSTED_PROXY_HOPS must not be negative")
	}

	if (c.BootstrapClientID == "") != (c.BootstrapClientSecret == "") {
		return fmt.Errorf("BOOTSTRAP_CLIENT_ID and BOOTSTRAP_CLIENT_SECRET must be set together")
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}
