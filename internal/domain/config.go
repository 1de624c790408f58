package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	Study       StudyConfig      `mapstructure:"study"`
	Backend     BackendConfig    `mapstructure:"backend"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Resilience  ResilienceConfig `mapstructure:"resilience"`
	Runner      RunnerConfig     `mapstructure:"runner"`
	Results     ResultsConfig    `mapstructure:"results"`
	Output      OutputConfig     `mapstructure:"output"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Server      ServerConfig     `mapstructure:"server"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// StudyConfig locates the static study inputs: reference dates and codelists.
type StudyConfig struct {
	DatesFile        string `mapstructure:"dates_file"`
	CodelistManifest string `mapstructure:"codelist_manifest"`
	CodelistDir      string `mapstructure:"codelist_dir"`
}

// BackendConfig selects the clinical data backend behind the event store.
type BackendConfig struct {
	Type       string `mapstructure:"type"` // "sqlite", "postgres"
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig represents patient history cache configuration
type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MemoryItems int           `mapstructure:"memory_items"`
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// ResilienceConfig controls throttling and circuit breaking around the backend.
type ResilienceConfig struct {
	RateLimit        float64       `mapstructure:"rate_limit"` // fetches per second, 0 disables
	Burst            int           `mapstructure:"burst"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// RunnerConfig controls the cohort worker pool.
type RunnerConfig struct {
	Workers         int  `mapstructure:"workers"`
	IncludeInternal bool `mapstructure:"include_internal"`
}

// ResultsConfig selects where per-patient rows are persisted.
type ResultsConfig struct {
	Driver     string `mapstructure:"driver"` // "", "sqlite", "postgres"
	SQLitePath string `mapstructure:"sqlite_path"`
	URL        string `mapstructure:"url"`
}

// OutputConfig controls the flat file export.
type OutputConfig struct {
	Format string `mapstructure:"format"` // "csv", "jsonl"
	Path   string `mapstructure:"path"`
}

// KafkaConfig configures the optional result publisher.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
