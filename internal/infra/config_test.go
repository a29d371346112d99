package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  url: postgres://localhost/storeops
scheduler:
  interval: 30s
  workers: 8
  members: [a, b]
engine:
  run_timeout: 2m
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, []string{"a", "b"}, cfg.Scheduler.Members)
	assert.Equal(t, 2*time.Minute, cfg.Engine.RunTimeout)
	// дефолты сохранились
	assert.Equal(t, 30*time.Second, cfg.Engine.ActionTimeout)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: info\n"), 0o600))
	t.Setenv("LOGGER_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestConfig_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: postgres\n"), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "database.url")
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	assert.NoError(t, err)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestWatchConfig_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  interval: 30s\n"), 0o600))

	changed := make(chan *Config, 16)
	cfg, err := WatchConfig(path, zap.NewNop(), func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)

	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  interval: 45s\n"), 0o600))

	// Запись может прийти двумя событиями, ждем итоговое значение
	deadline := time.After(5 * time.Second)
	for {
		select {
		case next := <-changed:
			if next.Scheduler.Interval == 45*time.Second {
				return
			}
		case <-deadline:
			t.Fatal("config change not delivered")
		}
	}
}
