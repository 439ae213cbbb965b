package wagering

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maibot/chatpoints/internal/eventlog"
	"github.com/maibot/chatpoints/internal/ledger"
)

func TestRestoreRefusesRunningGames(t *testing.T) {
	h := newHarness(t, fixedRandom(0.5))
	ctx := context.Background()
	h.seed("a", 100)

	_, err := h.c.Restore(ctx, "blackjack")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(10), false)
	require.NoError(t, err)
	_, err = h.c.Restore(ctx, ledger.KeyRoulette)
	require.ErrorIs(t, err, ErrGameInProgress)

	_, err = h.c.CreateBet(ctx, "#chan", "finals", "", []string{"x"})
	require.NoError(t, err)
	_, err = h.c.Restore(ctx, ledger.KeyBet)
	require.ErrorIs(t, err, ErrGameInProgress)

	released, err := h.c.Restore(ctx, ledger.KeyPoker)
	require.NoError(t, err)
	require.Empty(t, released)
}

func TestRestoreReleasesReservations(t *testing.T) {
	h := newHarness(t, fixedRandom(0.5))
	ctx := context.Background()
	h.seed("a", 1)
	ledger.SeedBalance(h.ledger, "a", ledger.Reserved(ledger.KeyRoulette), pts(9))
	ledger.SeedBalance(h.ledger, "b", ledger.Reserved(ledger.KeyRoulette), pts(4))

	released, err := h.c.Restore(ctx, ledger.KeyRoulette)
	require.NoError(t, err)
	require.Len(t, released, 2)
	h.requireBalance("a", ledger.KeyPoints, 10)
	h.requireBalance("b", ledger.KeyPoints, 4)
	require.NotContains(t, h.ledger.Get("a"), ledger.Reserved(ledger.KeyRoulette))
	require.Len(t, h.events.Events(eventlog.KindRestore), 1)
}

func TestRecoverStrandedKeepsBetReservations(t *testing.T) {
	h := newHarness(t, fixedRandom(0.5))
	ctx := context.Background()
	ledger.SeedBalance(h.ledger, "a", ledger.Reserved(ledger.KeyRoulette), pts(10))
	ledger.SeedBalance(h.ledger, "a", ledger.Reserved(ledger.KeyPoker), pts(5))
	ledger.SeedBalance(h.ledger, "a", ledger.Reserved(ledger.KeyBet), pts(7))

	released, err := h.c.RecoverStranded(ctx)
	require.NoError(t, err)
	require.True(t, released["a"].Equal(pts(15)))
	h.requireBalance("a", ledger.KeyPoints, 15)
	h.requireBalance("a", ledger.Reserved(ledger.KeyBet), 7)
}

func TestTeardownRefundsRoulette(t *testing.T) {
	h := newHarness(t, fixedRandom(0.5))
	ctx := context.Background()
	h.seed("a", 100)
	h.seed("b", 100)

	_, err := h.c.Teardown(ctx, "#chan")
	require.ErrorIs(t, err, ErrNoActiveGame)

	_, err = h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(10), false)
	require.NoError(t, err)
	_, err = h.c.PlaceRouletteStake(ctx, "#chan", "b", pts(20), false)
	require.NoError(t, err)

	refunded, err := h.c.Teardown(ctx, "#chan")
	require.NoError(t, err)
	require.True(t, refunded["a"].Equal(pts(10)))
	require.True(t, refunded["b"].Equal(pts(20)))
	h.requireBalance("a", ledger.KeyPoints, 100)
	h.requireBalance("b", ledger.KeyPoints, 100)

	h.clk.Add(time.Minute)
	require.Zero(t, h.events.Len())

	// A torn-down round leaves no cooldown behind.
	_, err = h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(1), false)
	require.NoError(t, err)
}

func TestTeardownRefundsShowdown(t *testing.T) {
	h := newHarness(t, fixedRandom(0.5))
	ctx := context.Background()
	seatPlayers(t, h, "#poker", "p1", "p2")
	_, err := h.c.StartShowdown(ctx, "#poker", "p1")
	require.NoError(t, err)
	_, err = h.c.CallShowdown(ctx, "#poker", "p1")
	require.NoError(t, err)

	refunded, err := h.c.Teardown(ctx, "#poker")
	require.NoError(t, err)
	require.True(t, refunded["p1"].Equal(pts(10)))
	h.requireBalance("p1", ledger.KeyPoints, 100)
	h.requireBalance("p2", ledger.KeyPoints, 100)

	// The pending round timeout finds no table.
	h.clk.Add(2 * time.Minute)
	h.worker.RunDue(ctx)
	require.Empty(t, h.events.Events(eventlog.KindShowdown))
}
