package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type account struct {
	Points int `json:"points"`
}

func TestSaveLoadNestedPaths(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s, err := Open(ctx, backend, "ledger", zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "accounts.alice", account{Points: 10}))
	require.NoError(t, s.Save(ctx, "accounts.bob.points", 3))

	var alice account
	found, err := s.Load("accounts.alice", &alice)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 10, alice.Points)

	var bob account
	found, err = s.Load("accounts.bob", &bob)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 3, bob.Points)

	found, err = s.Load("accounts.carol", &bob)
	require.NoError(t, err)
	require.False(t, found)

	// Writing below a leaf that was stored whole keeps its siblings.
	require.NoError(t, s.Save(ctx, "accounts.alice.bonus", 1))
	var raw map[string]int
	_, err = s.Load("accounts.alice", &raw)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"points": 10, "bonus": 1}, raw)

	reopened, err := Open(ctx, backend, "ledger", zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = reopened.Load("accounts.alice", &raw)
	require.NoError(t, err)
	require.Equal(t, 10, raw["points"])
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, NewMemoryBackend(), "bets", zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "bets.final", map[string]bool{"closed": false}))
	require.NoError(t, s.Delete(ctx, "bets.final"))

	var v map[string]bool
	found, err := s.Load("bets.final", &v)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, s.Delete(ctx, "bets.missing"))
}

func TestPersistenceFailureKeepsStateAndRetries(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s, err := Open(ctx, backend, "ledger", zaptest.NewLogger(t))
	require.NoError(t, err)

	backend.FailSaves(errors.New("disk full"))
	err = s.Save(ctx, "accounts.alice.points", 5)
	require.ErrorIs(t, err, ErrPersistence)
	require.True(t, s.Dirty())

	var points int
	found, err := s.Load("accounts.alice.points", &points)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 5, points)

	backend.FailSaves(nil)
	require.NoError(t, s.Flush(ctx))
	require.False(t, s.Dirty())

	reopened, err := Open(ctx, backend, "ledger", zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = reopened.Load("accounts.alice.points", &points)
	require.NoError(t, err)
	require.Equal(t, 5, points)
}

func TestLegacyDocumentIsMigrated(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	backend.Put("ledger", []byte(`{"accounts":{"alice":{"p":12,"chattip":2}}}`))

	s, err := Open(ctx, backend, "ledger", zaptest.NewLogger(t), WithMigrations(RenameKey("accounts", "p", "points")))
	require.NoError(t, err)

	var alice map[string]int
	_, err = s.Load("accounts.alice", &alice)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"points": 12, "chattip": 2}, alice)

	raw, err := backend.Load(ctx, "ledger")
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, 1, env.Version)
}

func TestNewerDocumentVersionIsRejected(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Put("ledger", []byte(`{"version":3,"data":{}}`))

	_, err := Open(context.Background(), backend, "ledger", zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestBackendsRoundTrip(t *testing.T) {
	ctx := context.Background()

	fileBackend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	sqliteBackend, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "data", "economy.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteBackend.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backends := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   fileBackend,
		"sqlite": sqliteBackend,
		"redis":  NewRedisBackend(client, ""),
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			missing, err := backend.Load(ctx, "absent")
			require.NoError(t, err)
			require.Nil(t, missing)

			s, err := Open(ctx, backend, "scheduler", zaptest.NewLogger(t))
			require.NoError(t, err)
			require.NoError(t, s.Save(ctx, "queue.seq", 7))
			require.NoError(t, s.Save(ctx, "queue.seq", 8))

			reopened, err := Open(ctx, backend, "scheduler", zaptest.NewLogger(t))
			require.NoError(t, err)
			var seq int
			found, err := reopened.Load("queue.seq", &seq)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, 8, seq)
		})
	}
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "economy.sqlite")

	first, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, "ledger", []byte(`{"version":0,"data":{}}`)))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer second.Close()

	var count int
	require.NoError(t, second.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	require.Equal(t, 1, count)

	payload, err := second.Load(ctx, "ledger")
	require.NoError(t, err)
	require.JSONEq(t, `{"version":0,"data":{}}`, string(payload))
}
