package server

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/maibot/chatpoints/internal/config"
	"github.com/maibot/chatpoints/internal/infra"
	"github.com/maibot/chatpoints/internal/ledger"
)

func decimalOf(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		AppName:           "chatpoints-test",
		Port:              "0",
		StoreDriver:       config.DriverFile,
		DataDir:           filepath.Join(dir, "data"),
		SettingsPath:      filepath.Join(dir, "settings.yaml"),
		SchedulerInterval: 10 * time.Millisecond,
		BackupDir:         filepath.Join(dir, "backups"),
		BackupKeep:        3,
		RecoverOnStart:    true,
	}
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	logger := zaptest.NewLogger(t)
	res, err := infra.Open(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })

	srv, err := New(ctx, cfg, res, clock.New(), logger)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))

	resp, err := srv.App().Test(httptest.NewRequest(fiber.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	_, err = srv.Coordinator.AdjustBalance(ctx, "alice", ledger.KeyPoints, decimalOf(12), false)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))

	// A restart sees the persisted balance.
	again, err := New(ctx, cfg, res, clock.New(), logger)
	require.NoError(t, err)
	require.True(t, again.Coordinator.Balance("alice").Balances.Get(ledger.KeyPoints).Equal(decimalOf(12)))
}

func TestStartReleasesStrandedReservations(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.StoreDriver = config.DriverMemory
	logger := zaptest.NewLogger(t)
	res, err := infra.Open(ctx, cfg, logger)
	require.NoError(t, err)

	// The first process never reaches its window deadline.
	first, err := New(ctx, cfg, res, clock.NewMock(), logger)
	require.NoError(t, err)
	_, err = first.Coordinator.AdjustBalance(ctx, "alice", ledger.KeyPoints, decimalOf(20), false)
	require.NoError(t, err)
	_, err = first.Coordinator.PlaceRouletteStake(ctx, "#lobby", "alice", decimalOf(5), false)
	require.NoError(t, err)

	// Simulate a crash: the window is lost, the reservation was persisted.
	second, err := New(ctx, cfg, res, clock.New(), logger)
	require.NoError(t, err)
	require.True(t, second.Coordinator.Balance("alice").Balances.Get(ledger.Reserved(ledger.KeyRoulette)).Equal(decimalOf(5)))
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() { _ = second.Shutdown(context.Background()) })
	require.True(t, second.Coordinator.Balance("alice").Balances.Get(ledger.KeyPoints).Equal(decimalOf(20)))

}
