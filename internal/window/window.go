// Package window collects weighted inputs per channel during an extendable
// time window and hands them over exactly once when the window matures.
package window

import (
	"errors"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoWindow is returned when adding to a channel without an open window.
var ErrNoWindow = errors.New("no open window")

// Input is one contribution to a window.
type Input struct {
	Participant string          `json:"participant"`
	Weight      decimal.Decimal `json:"weight"`
	At          time.Time       `json:"at"`
}

// ExpireFunc receives a matured window's inputs in insertion order. It runs
// on a timer goroutine without any accumulator lock held.
type ExpireFunc func(channel string, inputs []Input)

type state struct {
	openedAt     time.Time
	deadline     time.Time
	maxDeadline  time.Time
	maxExtension time.Duration
	inputs       []Input
	onExpire     ExpireFunc
	timer        *clock.Timer
	gen          uint64
}

// Accumulator tracks at most one window per channel.
type Accumulator struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string]*state
	logger  *zap.Logger
}

func New(clk clock.Clock, logger *zap.Logger) *Accumulator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accumulator{clock: clk, windows: map[string]*state{}, logger: logger.Named("window")}
}

// OpenOption customises a window.
type OpenOption func(*state)

// WithMaxExtension caps how far a single input may push the deadline.
func WithMaxExtension(d time.Duration) OpenOption {
	return func(s *state) { s.maxExtension = d }
}

// Open starts a window on channel that matures after initial, extendable up
// to maxDuration after opening. It reports false, changing nothing, when a
// window is already active.
func (a *Accumulator) Open(channel string, initial, maxDuration time.Duration, onExpire ExpireFunc, opts ...OpenOption) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.windows[channel]; ok {
		return false
	}
	now := a.clock.Now()
	if maxDuration < initial {
		maxDuration = initial
	}
	s := &state{
		openedAt:    now,
		deadline:    now.Add(initial),
		maxDeadline: now.Add(maxDuration),
		onExpire:    onExpire,
	}
	for _, opt := range opts {
		opt(s)
	}
	a.windows[channel] = s
	a.armLocked(channel, s, now)
	a.logger.Debug("window opened", zap.String("channel", channel), zap.Time("deadline", s.deadline))
	return true
}

// AddInput appends an input and pushes the deadline by extend, bounded by the
// window's maximum extension and its maximum duration. It returns the
// resulting deadline.
func (a *Accumulator) AddInput(channel, participant string, weight decimal.Decimal, extend time.Duration) (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.windows[channel]
	if !ok {
		return time.Time{}, ErrNoWindow
	}
	now := a.clock.Now()
	s.inputs = append(s.inputs, Input{Participant: participant, Weight: weight, At: now})

	if s.maxExtension > 0 {
		extend = min(extend, s.maxExtension)
	}
	if extend > 0 {
		next := s.deadline.Add(extend)
		if next.After(s.maxDeadline) {
			next = s.maxDeadline
		}
		if next.After(s.deadline) {
			s.deadline = next
			a.armLocked(channel, s, now)
		}
	}
	return s.deadline, nil
}

// IsMature reports whether channel's window has reached its deadline at now.
func (a *Accumulator) IsMature(channel string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.windows[channel]
	return ok && !now.Before(s.deadline)
}

// Deadline returns the current deadline of channel's window.
func (a *Accumulator) Deadline(channel string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.windows[channel]
	if !ok {
		return time.Time{}, false
	}
	return s.deadline, true
}

// Active reports whether channel has an open window.
func (a *Accumulator) Active(channel string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.windows[channel]
	return ok
}

// Inputs returns a copy of channel's inputs.
func (a *Accumulator) Inputs(channel string) []Input {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.windows[channel]
	if !ok {
		return nil
	}
	return append([]Input(nil), s.inputs...)
}

// Cancel removes channel's window without firing it and returns its inputs.
func (a *Accumulator) Cancel(channel string) ([]Input, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.windows[channel]
	if !ok {
		return nil, false
	}
	delete(a.windows, channel)
	if s.timer != nil {
		s.timer.Stop()
	}
	return s.inputs, true
}

func (a *Accumulator) armLocked(channel string, s *state, now time.Time) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = a.clock.AfterFunc(s.deadline.Sub(now), func() { a.fire(channel, gen) })
}

func (a *Accumulator) fire(channel string, gen uint64) {
	a.mu.Lock()
	s, ok := a.windows[channel]
	if !ok || s.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.windows, channel)
	a.mu.Unlock()

	a.logger.Debug("window matured", zap.String("channel", channel), zap.Int("inputs", len(s.inputs)))
	if s.onExpire != nil {
		s.onExpire(channel, s.inputs)
	}
}
