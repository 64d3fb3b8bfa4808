package config

import "time"

type Config struct {
	AppName                       string `env:"APP_NAME" env-default:"campod"`
	Port                          int    `env:"PORT" env-default:"3000"`
	LogLevel                      string `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool   `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int    `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int    `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int    `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	StartupMaxAttempts            int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Local store (embedded SQLite)
	// Path to the database file
	DatabasePath string `env:"DB_PATH" env-default:"campo.db"`
	// Max open connections; the store is a single file, one writer is plenty
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"1"`
	// Busy timeout handed to the sqlite driver
	DatabaseBusyTimeout time.Duration `env:"DB_BUSY_TIMEOUT" env-default:"5s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/sqlite"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Remote backend (per-table REST store)
	RemoteBaseURL string `env:"REMOTE_BASE_URL" env-default:""`
	// API key sent on every request
	RemoteAPIKey string `env:"REMOTE_API_KEY" env-default:""`
	// Request timeout for backend calls
	RemoteTimeout time.Duration `env:"REMOTE_TIMEOUT" env-default:"30s"`

	// Sync settings
	// Maximum attempts before an outbox item is dead-lettered
	SyncMaxRetries int `env:"SYNC_MAX_RETRIES" env-default:"5"`
	// Safety-net drain interval while online
	SyncDrainInterval time.Duration `env:"SYNC_DRAIN_INTERVAL" env-default:"5m"`

	// Connectivity settings
	// How often the observer probes the backend
	ConnectivityProbeInterval time.Duration `env:"CONNECTIVITY_PROBE_INTERVAL" env-default:"15s"`
	// Probe timeout
	ConnectivityProbeTimeout time.Duration `env:"CONNECTIVITY_PROBE_TIMEOUT" env-default:"5s"`

	// Cache warmer settings
	// Interval between opportunistic warm passes
	WarmerInterval time.Duration `env:"WARMER_INTERVAL" env-default:"10m"`
	// Rows fetched per page
	WarmerPageSize int `env:"WARMER_PAGE_SIZE" env-default:"500"`
	// Enable/disable the warmer
	WarmerEnabled bool `env:"WARMER_ENABLED" env-default:"true"`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP transport, "grpc" or "http"
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
}
