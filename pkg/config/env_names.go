package config

// Environment variable names shared by Load, tests, and the migrate tool.
const (
	EnvPrefix = "VAULTPAY"

	AppEnvDev  = "dev"
	AppEnvProd = "production"

	EnvAppEnv   = "VAULTPAY_APP_ENV"
	EnvPort     = "VAULTPAY_APP_PORT"
	EnvLogLevel = "VAULTPAY_LOG_LEVEL"

	EnvDBDSN  = "VAULTPAY_DB_DSN"
	EnvDBHost = "VAULTPAY_DB_HOST"
	EnvDBUser = "VAULTPAY_DB_USER"
	EnvDBName = "VAULTPAY_DB_NAME"

	EnvRedisURL = "VAULTPAY_REDIS_URL"

	EnvWebhookPublicKey = "VAULTPAY_WEBHOOK_PUBLIC_KEY"

	EnvGCPProjectID = "VAULTPAY_GCP_PROJECT_ID"

	EnvPubSubTransactionTopic = "VAULTPAY_PUBSUB_TRANSACTION_TOPIC"
	EnvPubSubTransactionSub   = "VAULTPAY_PUBSUB_TRANSACTION_SUBSCRIPTION"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
