package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestManager_Defaults(t *testing.T) {
	m, err := NewManager(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	cfg := m.GetConfig()
	assert.Equal(t, "sqlite", cfg.DataSource.Driver)
	assert.Equal(t, "csv", cfg.Output.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 0, cfg.Engine.Workers)

	// Empty snapshot date means derive from input.
	snap, err := m.SnapshotDate()
	require.NoError(t, err)
	assert.True(t, snap.IsZero())
}

func TestManager_FileOverrides(t *testing.T) {
	body := `
data_source:
  driver: postgres
  host: db.internal
  database: extract
  username: engine
engine:
  workers: 8
  snapshot_date: "2021-01-01"
output:
  driver: sqlite
  path: /var/lib/pincer/results.db
logging:
  level: debug
`
	m, err := NewManager(writeConfig(t, body))
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, "postgres", m.GetDataSourceConfig().Driver)
	assert.Equal(t, "db.internal", m.GetDataSourceConfig().Host)
	assert.Equal(t, 8, m.GetEngineConfig().Workers)
	assert.Equal(t, "sqlite", m.GetOutputConfig().Driver)

	snap, err := m.SnapshotDate()
	require.NoError(t, err)
	assert.Equal(t, "2021-01-01", snap.Format("2006-01-02"))
}

func TestManager_ValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown data source driver", "data_source:\n  driver: oracle\n"},
		{"unknown output driver", "output:\n  driver: parquet\n"},
		{"bad snapshot date", "engine:\n  snapshot_date: soon\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"postgres source without host", "data_source:\n  driver: postgres\n  host: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(writeConfig(t, tt.body))
			require.NoError(t, err)
			assert.Error(t, m.Validate())
		})
	}
}

func TestManager_EnvOverride(t *testing.T) {
	t.Setenv("PINCER_LOGGING_LEVEL", "debug")
	m, err := NewManager(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", m.GetConfig().Logging.Level)
}

func TestManager_OutputConnectionString(t *testing.T) {
	body := `
output:
  driver: postgres
  host: db.internal
  port: 5433
  database: pincer_results
  username: sink
  password: secret
  ssl_mode: require
`
	m, err := NewManager(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t,
		"host=db.internal port=5433 user=sink password=secret dbname=pincer_results sslmode=require",
		m.GetOutputConnectionString())
}
