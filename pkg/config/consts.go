package config

// EnvPrefix is applied by envconfig to fields without explicit tags.
const EnvPrefix = "nearhand"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "NEARHAND_DB_DSN"
	EnvDBHost = "NEARHAND_DB_HOST"
	EnvDBUser = "NEARHAND_DB_USER"
	EnvDBName = "NEARHAND_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
