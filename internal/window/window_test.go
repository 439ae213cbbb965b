package window

import (
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type expiry struct {
	mu     sync.Mutex
	calls  int
	inputs []Input
}

func (e *expiry) fn(_ string, inputs []Input) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.inputs = inputs
}

func (e *expiry) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestOpenIsNoOpWhenActive(t *testing.T) {
	clk := clock.NewMock()
	a := New(clk, zaptest.NewLogger(t))
	var e expiry
	require.True(t, a.Open("#c", 20*time.Second, 60*time.Second, e.fn))
	require.False(t, a.Open("#c", time.Second, time.Second, e.fn))
	deadline, ok := a.Deadline("#c")
	require.True(t, ok)
	require.Equal(t, 20*time.Second, deadline.Sub(clk.Now()))
}

func TestAddInputWithoutWindow(t *testing.T) {
	a := New(clock.NewMock(), zaptest.NewLogger(t))
	_, err := a.AddInput("#c", "alice", decimal.NewFromInt(1), time.Second)
	require.ErrorIs(t, err, ErrNoWindow)
}

func TestExtensionIsBounded(t *testing.T) {
	clk := clock.NewMock()
	a := New(clk, zaptest.NewLogger(t))
	var e expiry
	opened := clk.Now()
	require.True(t, a.Open("#c", 20*time.Second, 60*time.Second, e.fn, WithMaxExtension(10*time.Second)))

	deadline, err := a.AddInput("#c", "a", decimal.NewFromInt(3), 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, 23*time.Second, deadline.Sub(opened))

	deadline, err = a.AddInput("#c", "b", decimal.NewFromInt(500), 500*time.Second)
	require.NoError(t, err)
	require.Equal(t, 33*time.Second, deadline.Sub(opened))

	for i := 0; i < 10; i++ {
		deadline, err = a.AddInput("#c", "c", decimal.NewFromInt(50), 50*time.Second)
		require.NoError(t, err)
		require.False(t, deadline.After(opened.Add(60*time.Second)))
	}
	require.Equal(t, 60*time.Second, deadline.Sub(opened))
	require.Len(t, a.Inputs("#c"), 12)
}

func TestFiresExactlyOnceAfterDeadline(t *testing.T) {
	clk := clock.NewMock()
	a := New(clk, zaptest.NewLogger(t))
	var e expiry
	require.True(t, a.Open("#c", 20*time.Second, 60*time.Second, e.fn))
	_, err := a.AddInput("#c", "a", decimal.NewFromInt(10), 10*time.Second)
	require.NoError(t, err)
	_, err = a.AddInput("#c", "b", decimal.NewFromInt(30), 10*time.Second)
	require.NoError(t, err)

	clk.Add(25 * time.Second)
	require.False(t, a.IsMature("#c", clk.Now()))
	require.Zero(t, e.count())

	clk.Add(15 * time.Second)
	require.Eventually(t, func() bool { return e.count() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, a.Active("#c"))

	clk.Add(time.Minute)
	require.Equal(t, 1, e.count())
	e.mu.Lock()
	require.Len(t, e.inputs, 2)
	require.Equal(t, "a", e.inputs[0].Participant)
	require.Equal(t, "b", e.inputs[1].Participant)
	e.mu.Unlock()

	require.True(t, a.Open("#c", time.Second, time.Second, e.fn))
}

func TestIsMature(t *testing.T) {
	clk := clock.NewMock()
	a := New(clk, zaptest.NewLogger(t))
	require.True(t, a.Open("#c", 20*time.Second, 60*time.Second, nil))
	require.False(t, a.IsMature("#c", clk.Now()))
	require.True(t, a.IsMature("#c", clk.Now().Add(20*time.Second)))
	require.False(t, a.IsMature("#other", clk.Now().Add(time.Hour)))
}

func TestCancelPreventsFiring(t *testing.T) {
	clk := clock.NewMock()
	a := New(clk, zaptest.NewLogger(t))
	var e expiry
	require.True(t, a.Open("#c", time.Second, time.Second, e.fn))
	_, err := a.AddInput("#c", "a", decimal.NewFromInt(1), 0)
	require.NoError(t, err)

	inputs, ok := a.Cancel("#c")
	require.True(t, ok)
	require.Len(t, inputs, 1)

	clk.Add(time.Minute)
	require.Zero(t, e.count())
	_, ok = a.Cancel("#c")
	require.False(t, ok)
}
