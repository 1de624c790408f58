// Package config loads the extractor configuration, the reference dates file
// and the logger settings.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. JCVI_COHORT_RUNNER_WORKERS.
const EnvPrefix = "JCVI_COHORT"

// Manager loads configuration using Viper
type Manager struct {
	v          *viper.Viper
	configFile string
	config     *domain.Config
}

// NewManager loads configuration from configFile, or from config.yaml in the
// usual search paths when configFile is empty. A missing config.yaml is not
// an error; defaults and environment variables apply.
func NewManager(configFile string) (*Manager, error) {
	m := &Manager{configFile: configFile}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/jcvi-cohort/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || m.configFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Study inputs
	v.SetDefault("study.dates_file", "analysis/dates.json")
	v.SetDefault("study.codelist_manifest", "codelists/codelists.yaml")
	v.SetDefault("study.codelist_dir", "")

	// Clinical data backend
	v.SetDefault("backend.type", "sqlite")
	v.SetDefault("backend.sqlite_path", "data/events.db")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "jcvi_cohort")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "30m")
	v.SetDefault("database.migrations_path", "")

	// Cache defaults
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.memory_items", 10000)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")

	// Backend protection
	v.SetDefault("resilience.rate_limit", 0)
	v.SetDefault("resilience.burst", 10)
	v.SetDefault("resilience.max_requests", 3)
	v.SetDefault("resilience.interval", "60s")
	v.SetDefault("resilience.timeout", "30s")
	v.SetDefault("resilience.failure_threshold", 5)

	v.SetDefault("runner.workers", 4)
	v.SetDefault("runner.include_internal", false)

	v.SetDefault("results.driver", "")
	v.SetDefault("results.sqlite_path", "output/results.db")
	v.SetDefault("results.url", "")

	v.SetDefault("output.format", "csv")
	v.SetDefault("output.path", "output/input.csv")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "jcvi-cohort-rows")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func (m *Manager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Study.DatesFile == "" {
		return fmt.Errorf("study dates file is required")
	}
	if config.Study.CodelistManifest == "" {
		return fmt.Errorf("codelist manifest is required")
	}

	switch config.Backend.Type {
	case "sqlite":
		if config.Backend.SQLitePath == "" {
			return fmt.Errorf("backend sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("invalid backend type: %q", config.Backend.Type)
	}

	if config.Cache.Enabled && config.Cache.MemoryItems <= 0 {
		return fmt.Errorf("cache memory_items must be positive")
	}

	if config.Runner.Workers <= 0 {
		return fmt.Errorf("runner workers must be positive, got %d", config.Runner.Workers)
	}

	switch config.Results.Driver {
	case "":
	case "sqlite":
		if config.Results.SQLitePath == "" {
			return fmt.Errorf("results sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if config.Results.URL == "" {
			return fmt.Errorf("results url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid results driver: %q", config.Results.Driver)
	}

	switch config.Output.Format {
	case "csv", "jsonl", "json":
	default:
		return fmt.Errorf("invalid output format: %q", config.Output.Format)
	}

	if config.Kafka.Enabled {
		if len(config.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
		if config.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic is required when kafka is enabled")
		}
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// DatabaseURL returns the postgres:// URL for the configured database, as
// expected by the migration runner.
func (m *Manager) DatabaseURL() string {
	return DatabaseURL(m.config.Database)
}

// DatabaseURL formats db as a postgres:// URL.
func DatabaseURL(db domain.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:     "/" + db.Database,
		RawQuery: url.Values{"sslmode": []string{db.SSLMode}}.Encode(),
	}
	if db.Password != "" {
		u.User = url.UserPassword(db.Username, db.Password)
	} else if db.Username != "" {
		u.User = url.User(db.Username)
	}
	return u.String()
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}
