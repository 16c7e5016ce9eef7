package config

import "github.com/kelseyhightower/envconfig"

type MigrateConfig struct {
	// Destination
	RoomID             string `envconfig:"ROOM_ID" required:"true"`
	DestinationBaseURL string `envconfig:"DESTINATION_BASE_URL" required:"true"`
	TokenURL           string `envconfig:"TOKEN_URL" required:"true"`

	// Inputs / state
	ExportPath      string `envconfig:"EXPORT_PATH" required:"true"`
	CheckpointDSN   string `envconfig:"CHECKPOINT_DSN" required:"true"`
	CredentialsPath string `envconfig:"CREDENTIALS_PATH" required:"true"`
	Realm           string `envconfig:"REALM"`

	// Formatting
	Timezone string `envconfig:"TIMEZONE" default:"UTC"`
	Locale   string `envconfig:"LOCALE" default:"en-US"`

	// Delivery behavior
	PacingMs             int   `envconfig:"PACING_MS" default:"100"`
	ErrorBudget          int   `envconfig:"ERROR_BUDGET" default:"5"`
	RetryAfterFallbackMs int   `envconfig:"RETRY_AFTER_FALLBACK_MS" default:"5000"`
	HTTPTimeoutSeconds   int   `envconfig:"HTTP_TIMEOUT_SECONDS" default:"30"`
	IncludeDeleted       bool  `envconfig:"INCLUDE_DELETED" default:"false"`
	SpillThresholdBytes  int64 `envconfig:"SPILL_THRESHOLD_BYTES" default:"8388608"`

	// Breaker guards against a destination that fails at the transport level;
	// it never sees 4xx/5xx status outcomes.
	BreakerConsecutiveFailures uint32 `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"10"`

	// Observability
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadMigrate() MigrateConfig {
	var cfg MigrateConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
