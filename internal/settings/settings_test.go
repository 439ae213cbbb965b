package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseOverridesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
house_id: MaiBot
cooldowns:
  chatgames: 30s
discounts:
  Alice: 4s
  mallory: -10s
ignored: [Spammer]
roulette:
  window: 15s
levels:
  base: 50
`))
	require.NoError(t, err)
	require.Equal(t, "maibot", c.HouseID)
	require.Equal(t, 30*time.Second, c.CooldownFor("chatgames"))
	require.Equal(t, 5*time.Second, c.CooldownFor("chattip"))
	require.Equal(t, 5*time.Second, c.CooldownFor("unknown"))
	require.Equal(t, 4*time.Second, c.DiscountFor("ALICE"))
	require.Zero(t, c.DiscountFor("mallory"))
	require.True(t, c.IsIgnored("spammer"))
	require.Equal(t, 15*time.Second, c.Roulette.Window)
	require.Equal(t, 60*time.Second, c.Roulette.MaxDuration)
	require.Equal(t, 2, c.Roulette.NoContestMaxParticipants)
	require.Equal(t, "50", c.LevelCurve().Base.String())
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("roulette:\n  window: 90s\n"))
	require.Error(t, err)
	_, err = Parse([]byte("showdown:\n  max_players: 60\n"))
	require.ErrorContains(t, err, "max_players")
	_, err = Parse([]byte("showdown:\n  min_players: 1\n"))
	require.Error(t, err)
	_, err = Parse([]byte("house_id: [broken"))
	require.Error(t, err)
}

func TestHolderReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("house_id: bot\n"), 0o600))

	h, err := NewHolder(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, "bot", h.Current().HouseID)

	require.NoError(t, os.WriteFile(path, []byte("showdown:\n  rounds: 0\n"), 0o600))
	require.Error(t, h.Reload())
	require.Equal(t, "bot", h.Current().HouseID)
}

func TestHolderMissingFileUsesDefaults(t *testing.T) {
	h, err := NewHolder(filepath.Join(t.TempDir(), "absent.yaml"), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, Default().HouseID, h.Current().HouseID)
}

func TestHolderWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("house_id: first\n"), 0o600))

	h, err := NewHolder(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("house_id: second\n"), 0o600))
	require.Eventually(t, func() bool {
		return h.Current().HouseID == "second"
	}, 5*time.Second, 20*time.Millisecond)
}
