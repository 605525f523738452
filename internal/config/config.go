// Package config provides configuration management for the filter engine.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pincer-filter-engine/internal/domain"
)

// Manager loads and validates the engine configuration using Viper.
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager. path optionally names
// an explicit config file; when empty the usual search paths apply.
func NewManager(path string) (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(path); err != nil {
		return nil, domain.NewConfigError("failed to load configuration", err)
	}
	return m, nil
}

// loadConfig loads configuration from file, environment and defaults.
func (m *Manager) loadConfig(path string) error {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/pincer-engine/")
	}

	viper.SetEnvPrefix("PINCER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// The config file is optional; defaults and environment variables
	// suffice for a local sqlite-to-csv run.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values.
func (m *Manager) setDefaults() {
	// Data source defaults
	viper.SetDefault("data_source.driver", "sqlite")
	viper.SetDefault("data_source.path", "./extract.db")
	viper.SetDefault("data_source.host", "localhost")
	viper.SetDefault("data_source.port", 5432)
	viper.SetDefault("data_source.database", "clinical_extract")
	viper.SetDefault("data_source.username", "postgres")
	viper.SetDefault("data_source.password", "")
	viper.SetDefault("data_source.ssl_mode", "disable")
	viper.SetDefault("data_source.max_conns", 10)
	viper.SetDefault("data_source.min_conns", 2)
	viper.SetDefault("data_source.conn_max_lifetime", "5m")

	// Catalog and code set locations
	viper.SetDefault("codesets.dir", "./codesets")
	viper.SetDefault("catalog.path", "./config/catalog.yaml")

	// Engine defaults; an empty snapshot_date derives the horizon from
	// the latest dated record in the extract.
	viper.SetDefault("engine.workers", 0)
	viper.SetDefault("engine.snapshot_date", "")
	viper.SetDefault("engine.cache_size", 0)

	// Output defaults
	viper.SetDefault("output.driver", "csv")
	viper.SetDefault("output.path", "./output/matches.csv")
	viper.SetDefault("output.database", "pincer_results")
	viper.SetDefault("output.host", "localhost")
	viper.SetDefault("output.port", 5432)
	viper.SetDefault("output.username", "postgres")
	viper.SetDefault("output.password", "")
	viper.SetDefault("output.ssl_mode", "disable")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// GetConfig returns the complete configuration.
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDataSourceConfig returns the timeline source configuration.
func (m *Manager) GetDataSourceConfig() *domain.DataSourceConfig {
	return &m.config.DataSource
}

// GetOutputConfig returns the sink configuration.
func (m *Manager) GetOutputConfig() *domain.OutputConfig {
	return &m.config.Output
}

// GetEngineConfig returns the batch run configuration.
func (m *Manager) GetEngineConfig() *domain.EngineConfig {
	return &m.config.Engine
}

// SnapshotDate parses the configured observation horizon. The zero time
// with a nil error means "derive from the input".
func (m *Manager) SnapshotDate() (time.Time, error) {
	raw := m.config.Engine.SnapshotDate
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		return time.Time{}, domain.NewConfigError(
			fmt.Sprintf("invalid engine.snapshot_date %q", raw), err)
	}
	return d, nil
}

// Validate validates the configuration.
func (m *Manager) Validate() error {
	config := m.config

	switch config.DataSource.Driver {
	case "sqlite":
		if config.DataSource.Path == "" {
			return domain.NewConfigError("data_source.path is required for the sqlite driver", nil)
		}
	case "postgres":
		if config.DataSource.Host == "" {
			return domain.NewConfigError("data_source.host is required for the postgres driver", nil)
		}
		if config.DataSource.Database == "" {
			return domain.NewConfigError("data_source.database is required for the postgres driver", nil)
		}
		if config.DataSource.Username == "" {
			return domain.NewConfigError("data_source.username is required for the postgres driver", nil)
		}
	default:
		return domain.NewConfigError(
			fmt.Sprintf("unknown data_source.driver %q (want sqlite or postgres)", config.DataSource.Driver), nil)
	}

	switch config.Output.Driver {
	case "csv", "sqlite":
		if config.Output.Path == "" {
			return domain.NewConfigError("output.path is required", nil)
		}
	case "postgres":
		if config.Output.Host == "" || config.Output.Database == "" {
			return domain.NewConfigError("output.host and output.database are required for the postgres driver", nil)
		}
	default:
		return domain.NewConfigError(
			fmt.Sprintf("unknown output.driver %q (want csv, sqlite or postgres)", config.Output.Driver), nil)
	}

	if config.CodeSets.Dir == "" {
		return domain.NewConfigError("codesets.dir is required", nil)
	}
	if config.Catalog.Path == "" {
		return domain.NewConfigError("catalog.path is required", nil)
	}

	if _, err := m.SnapshotDate(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return domain.NewConfigError(fmt.Sprintf("invalid log level: %s", config.Logging.Level), nil)
	}

	return nil
}

// GetOutputConnectionString returns a lib/pq connection string for the
// postgres output driver.
func (m *Manager) GetOutputConnectionString() string {
	out := m.config.Output
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		out.Host, out.Port, out.Username, out.Password, out.Database, out.SSLMode)
}
