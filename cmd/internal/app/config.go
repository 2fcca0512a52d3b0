package app

import "time"

// Config holds the process-level settings. Component settings (sessions, chat,
// gateway, api, relay) are loaded by their own packages.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// DatabaseURL selects Postgres persistence. Empty means in-memory stores.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// AutoMigrate creates the schema and tables on startup.
	AutoMigrate bool

	// ReadinessRequireDB makes /readyz return 503 unless Postgres is configured and reachable.
	ReadinessRequireDB bool

	MetricsEnabled bool
}

// LoadConfig reads Config from DESK_* environment variables.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  envString("DESK_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  envString("DESK_LOG_LEVEL", "info"),
		LogFormat: envString("DESK_LOG_FORMAT", "json"),

		ReadHeaderTimeout: envDuration("DESK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       envDuration("DESK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      envDuration("DESK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       envDuration("DESK_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    envInt("DESK_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   envDuration("DESK_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: envString("DESK_DATABASE_URL", ""),
		DBMaxConns:  envInt32("DESK_DB_MAX_CONNS", 10),
		DBMinConns:  envInt32("DESK_DB_MIN_CONNS", 0),
		DBSchema:    envString("DESK_DB_SCHEMA", "desk"),
		AutoMigrate: envBool("DESK_DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: envBool("DESK_READINESS_REQUIRE_DB", false),
		MetricsEnabled:     envBool("DESK_METRICS_ENABLED", true),
	}
}
