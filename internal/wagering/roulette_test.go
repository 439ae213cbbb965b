package wagering

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/maibot/chatpoints/internal/eventlog"
	"github.com/maibot/chatpoints/internal/ledger"
)

func TestHouseStake(t *testing.T) {
	require.True(t, HouseStake(pts(40), 0.5, 50).Equal(pts(0.5)))
	require.True(t, HouseStake(pts(100), 0.5, 50).Equal(pts(2.5)))
	require.True(t, HouseStake(pts(149), 0.5, 50).Equal(pts(2.5)))
}

func TestPickWeightedWalksInOrder(t *testing.T) {
	stakes := []Stake{{ID: "a", Amount: pts(10)}, {ID: "b", Amount: pts(30)}, {ID: "house", Amount: pts(0.5)}}
	require.Equal(t, "b", PickWeighted(fixedRandom(0.95), stakes))
	require.Equal(t, "a", PickWeighted(fixedRandom(0), stakes))
	require.Equal(t, "house", PickWeighted(fixedRandom(0.999), stakes))
	require.Equal(t, "", PickWeighted(fixedRandom(0.5), nil))
}

func TestPickWeightedDistribution(t *testing.T) {
	stakes := []Stake{{ID: "a", Amount: pts(10)}, {ID: "b", Amount: pts(30)}, {ID: "c", Amount: pts(55)}, {ID: "house", Amount: pts(5)}}
	rng := rand.New(rand.NewPCG(42, 1337))
	const draws = 100_000

	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		counts[PickWeighted(rng, stakes)]++
	}
	total := sumStakes(stakes).InexactFloat64()
	for _, s := range stakes {
		want := s.Amount.InexactFloat64() / total
		got := float64(counts[s.ID]) / draws
		require.InDeltaf(t, want, got, 0.01, "participant %s", s.ID)
	}
}

func TestPickWeightedMatchesStakeShares(t *testing.T) {
	stakes := []Stake{{ID: "A", Amount: pts(10)}, {ID: "B", Amount: pts(20)}, {ID: "C", Amount: pts(30)}}
	rng := rand.New(rand.NewPCG(2024, 10))
	const draws = 100_000

	counts := map[string]int{}
	for range draws {
		counts[PickWeighted(rng, stakes)]++
	}
	for id, want := range map[string]float64{"A": 1.0 / 6, "B": 2.0 / 6, "C": 3.0 / 6} {
		require.InDeltaf(t, want, float64(counts[id])/draws, 0.01, "participant %s", id)
	}
}

func TestRouletteChannelIsCaseInsensitive(t *testing.T) {
	h := newHarness(t, fixedRandom(0.95))
	ctx := context.Background()
	h.seed("a", 100)
	h.seed("b", 100)

	res, err := h.c.PlaceRouletteStake(ctx, "#Chan", "a", pts(10), false)
	require.NoError(t, err)
	require.True(t, res.Opened)
	require.Equal(t, "#chan", res.Channel)
	res, err = h.c.PlaceRouletteStake(ctx, "#chan", "b", pts(30), false)
	require.NoError(t, err)
	require.False(t, res.Opened)

	refunded, err := h.c.Teardown(ctx, "#CHAN")
	require.NoError(t, err)
	require.Len(t, refunded, 2)
	h.requireBalance("a", ledger.KeyPoints, 100)
	h.requireBalance("b", ledger.KeyPoints, 100)
}

func TestRouletteSettlement(t *testing.T) {
	h := newHarness(t, fixedRandom(0.95))
	ctx := context.Background()
	h.seed("a", 100)
	h.seed("b", 100)

	res, err := h.c.PlaceRouletteStake(ctx, "#chan", "A", pts(10), false)
	require.NoError(t, err)
	require.True(t, res.Opened)
	res, err = h.c.PlaceRouletteStake(ctx, "#chan", "b", pts(30), false)
	require.NoError(t, err)
	require.False(t, res.Opened)
	h.requireBalance("a", ledger.Reserved(ledger.KeyRoulette), 10)

	h.clk.Add(time.Minute)
	require.Eventually(t, func() bool { return len(h.events.Events(eventlog.KindRoulette)) == 1 }, time.Second, 5*time.Millisecond)

	h.requireBalance("a", ledger.KeyPoints, 90)
	h.requireBalance("b", ledger.KeyPoints, 110)
	h.requireBalance("a", ledger.Reserved(ledger.KeyRoulette), 0)
	h.requireBalance("b", ledger.Reserved(ledger.KeyRoulette), 0)
	h.requireBalance("b", ledger.KeyRoulette, 10)
	h.requireBalance("a", ledger.KeyRoulette, -10)

	var result eventlog.GameResult
	require.NoError(t, h.events.Events(eventlog.KindRoulette)[0].Decode(&result))
	require.Equal(t, "b", result.Winner)
	require.Len(t, result.Bets, 2)
	require.NotContains(t, result.Bets, "house")
	require.True(t, result.Bets["a"].Equal(pts(10)))

	// The channel cooldown restarts at settlement.
	_, err = h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(1), false)
	var cd *CooldownError
	require.ErrorAs(t, err, &cd)
	require.Equal(t, cmdGames, cd.Command)

	h.clk.Add(time.Hour)
	_, err = h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(1), false)
	require.NoError(t, err)
}

func TestRouletteNoContestRefund(t *testing.T) {
	h := newHarness(t, fixedRandom(0.1))
	ctx := context.Background()
	h.seed("a", 50)

	_, err := h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(10), false)
	require.NoError(t, err)
	_, err = h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(5), false)
	require.NoError(t, err)
	h.requireBalance("a", ledger.KeyPoints, 35)

	h.clk.Add(time.Minute)
	require.Eventually(t, func() bool { return len(h.events.Events(eventlog.KindRouletteVoid)) == 1 }, time.Second, 5*time.Millisecond)

	h.requireBalance("a", ledger.KeyPoints, 50)
	h.requireBalance("a", ledger.Reserved(ledger.KeyRoulette), 0)
	h.requireBalance("a", ledger.KeyRoulette, 0)
	require.Empty(t, h.events.Events(eventlog.KindRoulette))
	require.False(t, h.ledger.Exists("house"))
}

func TestRouletteHouseWinsLoneStake(t *testing.T) {
	h := newHarness(t, fixedRandom(0.999))
	ctx := context.Background()
	h.seed("a", 10)

	_, err := h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(0), true)
	require.NoError(t, err)
	h.clk.Add(time.Minute)
	require.Eventually(t, func() bool { return len(h.events.Events(eventlog.KindRoulette)) == 1 }, time.Second, 5*time.Millisecond)

	h.requireBalance("a", ledger.KeyPoints, 0)
	h.requireBalance("house", ledger.KeyPoints, 10)
	h.requireBalance("house", ledger.KeyRoulette, 10)
}

func TestRouletteStakeExtendsWindow(t *testing.T) {
	h := newHarness(t, fixedRandom(0.5))
	ctx := context.Background()
	h.seed("a", 1000)
	h.seed("b", 1000)
	start := h.clk.Now()

	res, err := h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(3), false)
	require.NoError(t, err)
	require.Equal(t, 23*time.Second, res.Deadline.Sub(start))

	res, err = h.c.PlaceRouletteStake(ctx, "#chan", "b", pts(500), false)
	require.NoError(t, err)
	require.Equal(t, 33*time.Second, res.Deadline.Sub(start))

	for i := 0; i < 5; i++ {
		res, err = h.c.PlaceRouletteStake(ctx, "#chan", "b", pts(100), false)
		require.NoError(t, err)
	}
	require.Equal(t, 60*time.Second, res.Deadline.Sub(start))
}

func TestRouletteRejections(t *testing.T) {
	h := newHarness(t, fixedRandom(0.5))
	ctx := context.Background()
	cfg := *h.settings.Current()
	cfg.Ignored = []string{"troll"}
	h.settings.Swap(&cfg)
	h.seed("a", 5)
	h.seed("troll", 100)

	_, err := h.c.PlaceRouletteStake(ctx, "#chan", "troll", pts(5), false)
	require.ErrorIs(t, err, ErrIgnored)
	h.seed("house", 100)
	_, err = h.c.PlaceRouletteStake(ctx, "#chan", "House", pts(5), false)
	require.ErrorIs(t, err, ErrIgnored)
	h.requireBalance("house", ledger.KeyPoints, 100)
	_, err = h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(0), false)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = h.c.PlaceRouletteStake(ctx, "#chan", "a", pts(6), false)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.False(t, h.c.windows.Active("#chan"))

	h.seed("p1", 100)
	_, err = h.c.JoinShowdown(ctx, "#poker", "p1")
	require.NoError(t, err)
	_, err = h.c.PlaceRouletteStake(ctx, "#poker", "a", pts(1), false)
	require.ErrorIs(t, err, ErrGameInProgress)
}

func TestConcurrentStakesConservePoints(t *testing.T) {
	h := newHarness(t, rand.New(rand.NewPCG(7, 11)))
	ctx := context.Background()
	players := []string{"a", "b", "c", "d", "e", "f"}
	for _, p := range players {
		h.seed(p, 500)
	}
	channels := []string{"#one", "#two", "#three"}

	var wg sync.WaitGroup
	for i, p := range players {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = h.c.PlaceRouletteStake(ctx, channels[(i+j)%len(channels)], p, pts(float64(j%7+1)), false)
			}
		}(i, p)
	}
	wg.Wait()

	h.clk.Add(2 * time.Minute)
	require.Eventually(t, func() bool {
		return h.ledger.Total(ledger.Reserved(ledger.KeyRoulette)).IsZero()
	}, time.Second, 5*time.Millisecond)

	humans := decimal.Zero
	for _, p := range players {
		humans = humans.Add(h.points(p))
	}
	house := h.points("house")
	require.True(t, humans.Add(house).Equal(pts(500*float64(len(players)))), "humans=%s house=%s", humans, house)
	require.Zero(t, math.Abs(h.ledger.Total(ledger.KeyRoulette).InexactFloat64()))
}
