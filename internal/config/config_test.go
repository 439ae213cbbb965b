package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.Equal(t, DriverFile, cfg.StoreDriver)
	require.Equal(t, 500*time.Millisecond, cfg.SchedulerInterval)
	require.Equal(t, 72, cfg.BackupKeep)
	require.True(t, cfg.RecoverOnStart)
	require.Equal(t, ":8080", cfg.Address())
}

func TestLoadFromEnvAndDotenv(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(dotenv, []byte("STORE_DRIVER=redis\nREDIS_URL=redis://localhost:6379/0\n"), 0o600))
	t.Setenv("PORT", ":9090")
	t.Setenv("SCHEDULER_INTERVAL", "250ms")
	t.Cleanup(func() {
		os.Unsetenv("STORE_DRIVER")
		os.Unsetenv("REDIS_URL")
	})

	cfg, err := Load(dotenv)
	require.NoError(t, err)
	require.Equal(t, DriverRedis, cfg.StoreDriver)
	require.Equal(t, ":9090", cfg.Address())
	require.Equal(t, 250*time.Millisecond, cfg.SchedulerInterval)
}

func TestLoadRejectsIncompleteDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)

	t.Setenv("STORE_DRIVER", "etcd")
	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}
