package domain

import "time"

// Configuration Models

// Config represents the main engine configuration.
type Config struct {
	DataSource DataSourceConfig `mapstructure:"data_source"`
	CodeSets   CodeSetsConfig   `mapstructure:"codesets"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Output     OutputConfig     `mapstructure:"output"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DataSourceConfig selects and parameterizes the timeline source adapter.
// Driver is one of "sqlite" or "postgres"; the adapter is a typed
// implementation chosen here, never a table-name template.
type DataSourceConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"` // sqlite file
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CodeSetsConfig locates the code set data files.
type CodeSetsConfig struct {
	Dir string `mapstructure:"dir"`
}

// CatalogConfig locates the filter catalog definition.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig controls the batch run itself. SnapshotDate fixes the
// observation horizon for open-ended hazards; when empty the executor
// derives it from the latest dated record in the store, which keeps
// repeated runs on unchanged input byte-identical.
type EngineConfig struct {
	Workers      int    `mapstructure:"workers"`
	SnapshotDate string `mapstructure:"snapshot_date"`
	CacheSize    int    `mapstructure:"cache_size"`
}

// OutputConfig selects the FilterMatch sink.
type OutputConfig struct {
	Driver   string `mapstructure:"driver"` // csv, sqlite or postgres
	Path     string `mapstructure:"path"`   // csv or sqlite file
	Database string `mapstructure:"database"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
