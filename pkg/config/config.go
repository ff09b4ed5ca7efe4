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
	Provider     ProviderConfig
	Webhook      WebhookConfig
	Worker       WorkerConfig
	Reconcile    ReconcileConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
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
	Env          string `envconfig:"VAULTPAY_APP_ENV" required:"true"`
	Port         string `envconfig:"VAULTPAY_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"VAULTPAY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"VAULTPAY_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"VAULTPAY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"VAULTPAY_DB_DSN"`
	Driver string `envconfig:"VAULTPAY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"VAULTPAY_DB_HOST"`
	LegacyPort     int    `envconfig:"VAULTPAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"VAULTPAY_DB_USER"`
	LegacyPassword string `envconfig:"VAULTPAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"VAULTPAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"VAULTPAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"VAULTPAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"VAULTPAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"VAULTPAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"VAULTPAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"VAULTPAY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"VAULTPAY_REDIS_ADDR"`
	Password     string        `envconfig:"VAULTPAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"VAULTPAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"VAULTPAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"VAULTPAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"VAULTPAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"VAULTPAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"VAULTPAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type ProviderConfig struct {
	BaseURL        string        `envconfig:"VAULTPAY_PROVIDER_BASE_URL"`
	APIKey         string        `envconfig:"VAULTPAY_PROVIDER_API_KEY"`
	RequestTimeout time.Duration `envconfig:"VAULTPAY_PROVIDER_REQUEST_TIMEOUT" default:"10s"`
}

type WebhookConfig struct {
	// Hex-encoded ed25519 public key published by the provider.
	PublicKeyHex string        `envconfig:"VAULTPAY_WEBHOOK_PUBLIC_KEY" required:"true"`
	Tolerance    time.Duration `envconfig:"VAULTPAY_WEBHOOK_TOLERANCE" default:"5m"`
}

type WorkerConfig struct {
	BatchSize      int `envconfig:"VAULTPAY_WORKER_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"VAULTPAY_WORKER_POLL_MS" default:"500"`
}

type ReconcileConfig struct {
	Interval       time.Duration `envconfig:"VAULTPAY_RECONCILE_INTERVAL" default:"15m"`
	StuckThreshold time.Duration `envconfig:"VAULTPAY_RECONCILE_STUCK_THRESHOLD" default:"30m"`
	BatchSize      int           `envconfig:"VAULTPAY_RECONCILE_BATCH_SIZE" default:"100"`
	LockTTL        time.Duration `envconfig:"VAULTPAY_RECONCILE_LOCK_TTL" default:"10m"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"VAULTPAY_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"VAULTPAY_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"VAULTPAY_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"VAULTPAY_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"VAULTPAY_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	TransactionTopic        string `envconfig:"VAULTPAY_PUBSUB_TRANSACTION_TOPIC" default:"vp-transaction-events"`
	TransactionSubscription string `envconfig:"VAULTPAY_PUBSUB_TRANSACTION_SUBSCRIPTION"`
}

type BigQueryConfig struct {
	Dataset           string `envconfig:"VAULTPAY_BIGQUERY_DATASET" default:"vaultpay"`
	TransactionsTable string `envconfig:"VAULTPAY_BIGQUERY_TRANSACTIONS_TABLE" default:"transaction_facts"`
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
