package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	Attestation  AttestationConfig
	Jobs         JobsConfig
	Square       SquareConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"NEARHAND_APP_ENV" required:"true"`
	Port         string `envconfig:"NEARHAND_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"NEARHAND_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"NEARHAND_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"NEARHAND_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"NEARHAND_DB_DSN"`
	Driver string `envconfig:"NEARHAND_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"NEARHAND_DB_HOST"`
	LegacyPort     int    `envconfig:"NEARHAND_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"NEARHAND_DB_USER"`
	LegacyPassword string `envconfig:"NEARHAND_DB_PASSWORD"`
	LegacyName     string `envconfig:"NEARHAND_DB_NAME"`
	LegacySSLMode  string `envconfig:"NEARHAND_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"NEARHAND_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"NEARHAND_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"NEARHAND_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"NEARHAND_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"NEARHAND_REDIS_URL" required:"true"`
	Address      string        `envconfig:"NEARHAND_REDIS_ADDR"`
	Password     string        `envconfig:"NEARHAND_REDIS_PASSWORD"`
	DB           int           `envconfig:"NEARHAND_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"NEARHAND_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"NEARHAND_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"NEARHAND_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"NEARHAND_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"NEARHAND_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"NEARHAND_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"NEARHAND_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"NEARHAND_JWT_EXPIRATION_MINUTES" default:"60"`
}

// RateLimitConfig is the role -> limit table plus window for the fixed-window
// limiter. DefaultLimit applies to unauthenticated or unknown callers and is
// always enforced.
type RateLimitConfig struct {
	Window        time.Duration `envconfig:"NEARHAND_RATE_LIMIT_WINDOW" default:"1m"`
	DefaultLimit  int           `envconfig:"NEARHAND_RATE_LIMIT_DEFAULT" default:"60"`
	ConsumerLimit int           `envconfig:"NEARHAND_RATE_LIMIT_CONSUMER" default:"120"`
	ProviderLimit int           `envconfig:"NEARHAND_RATE_LIMIT_PROVIDER" default:"240"`
	AdminLimit    int           `envconfig:"NEARHAND_RATE_LIMIT_ADMIN" default:"600"`
	FailOpen      bool          `envconfig:"NEARHAND_RATE_LIMIT_FAIL_OPEN" default:"true"`
}

type AttestationConfig struct {
	Enforce            bool   `envconfig:"NEARHAND_ATTESTATION_ENFORCE" default:"false"`
	DevBypass          bool   `envconfig:"NEARHAND_ATTESTATION_DEV_BYPASS" default:"false"`
	AndroidPackageName string `envconfig:"NEARHAND_ATTESTATION_ANDROID_PACKAGE"`
	AppleKeyID         string `envconfig:"NEARHAND_ATTESTATION_APPLE_KEY_ID"`
	AppleTeamID        string `envconfig:"NEARHAND_ATTESTATION_APPLE_TEAM_ID"`
	AppleKeyPEM        string `envconfig:"NEARHAND_ATTESTATION_APPLE_KEY_PEM"`
}

type JobsConfig struct {
	PollInterval       time.Duration `envconfig:"NEARHAND_JOBS_POLL_INTERVAL" default:"2s"`
	BackoffBase        time.Duration `envconfig:"NEARHAND_JOBS_BACKOFF_BASE" default:"30s"`
	BackoffCap         time.Duration `envconfig:"NEARHAND_JOBS_BACKOFF_CAP" default:"10m"`
	StaleLockAfter     time.Duration `envconfig:"NEARHAND_JOBS_STALE_LOCK_AFTER" default:"5m"`
	HeartbeatInterval  time.Duration `envconfig:"NEARHAND_JOBS_HEARTBEAT_INTERVAL" default:"30s"`
	Concurrency        int           `envconfig:"NEARHAND_JOBS_CONCURRENCY" default:"4"`
	DefaultMaxAttempts int           `envconfig:"NEARHAND_JOBS_DEFAULT_MAX_ATTEMPTS" default:"5"`
}

type SquareConfig struct {
	AccessToken   string `envconfig:"NEARHAND_SQUARE_ACCESS_TOKEN"`
	WebhookSecret string `envconfig:"NEARHAND_SQUARE_WEBHOOK_SECRET"`
	Env           string `envconfig:"NEARHAND_SQUARE_ENV" default:"sandbox"`
	LocationID    string `envconfig:"NEARHAND_SQUARE_LOCATION_ID"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type GCPConfig struct {
	ProjectID string `envconfig:"NEARHAND_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	EntitlementTopic string `envconfig:"NEARHAND_PUBSUB_ENTITLEMENT_TOPIC" default:"nh-entitlement-events"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"NEARHAND_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
