// Package wagering coordinates every game-affecting command: stakes,
// settlements, tips, penalties, proposition bets and the showdown table.
package wagering

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/cooldown"
	"github.com/maibot/chatpoints/internal/eventlog"
	"github.com/maibot/chatpoints/internal/ledger"
	"github.com/maibot/chatpoints/internal/scheduler"
	"github.com/maibot/chatpoints/internal/settings"
	"github.com/maibot/chatpoints/internal/store"
	"github.com/maibot/chatpoints/internal/window"
)

const cmdGames = "chatgames"

// RandomSource yields uniform values in [0, 1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

type phase int

const (
	phaseIdle phase = iota
	phaseWindowOpen
	phaseSettling
	phaseTable
)

type channelGame struct {
	game  string
	phase phase
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Ledger    *ledger.Ledger
	Events    *eventlog.Log
	Cooldowns *cooldown.Gate
	Windows   *window.Accumulator
	Scheduler *scheduler.Worker
	Settings  *settings.Holder
	Bets      *store.Store
	Clock     clock.Clock
	Random    RandomSource
	Logger    *zap.Logger
}

// Coordinator serialises all game-affecting commands behind one mutex.
// Timer and scheduler callbacks take the same mutex.
type Coordinator struct {
	mu sync.Mutex

	ledger    *ledger.Ledger
	events    *eventlog.Log
	cooldowns *cooldown.Gate
	windows   *window.Accumulator
	scheduler *scheduler.Worker
	settings  *settings.Holder
	bets      *betBook
	clock     clock.Clock
	rng       RandomSource
	logger    *zap.Logger

	channels map[string]*channelGame
	tables   map[string]*table
}

// New wires a coordinator and binds its scheduler callbacks.
func New(deps Deps) (*Coordinator, error) {
	if deps.Ledger == nil || deps.Events == nil || deps.Settings == nil {
		return nil, errors.New("wagering: ledger, events and settings are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Random == nil {
		deps.Random = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Windows == nil {
		deps.Windows = window.New(deps.Clock, deps.Logger)
	}
	if deps.Cooldowns == nil {
		deps.Cooldowns = cooldown.New(deps.Settings)
	}

	c := &Coordinator{
		ledger:    deps.Ledger,
		events:    deps.Events,
		cooldowns: deps.Cooldowns,
		windows:   deps.Windows,
		scheduler: deps.Scheduler,
		settings:  deps.Settings,
		clock:     deps.Clock,
		rng:       deps.Random,
		logger:    deps.Logger.Named("wagering"),
		channels:  map[string]*channelGame{},
		tables:    map[string]*table{},
	}
	if deps.Bets != nil {
		book, err := loadBetBook(deps.Bets)
		if err != nil {
			return nil, err
		}
		c.bets = book
	}
	if c.scheduler != nil {
		c.scheduler.Handle(kindShowdownTimeout, c.onShowdownTimeout)
	}
	return c, nil
}

// withLock runs fn while holding the coordinator mutex.
func (c *Coordinator) withLock(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

// BalanceView is an account snapshot with its level.
type BalanceView struct {
	ID       string          `json:"id"`
	Balances ledger.Snapshot `json:"balances"`
	Level    int             `json:"level"`
	ToNext   decimal.Decimal `json:"to_next"`
}

// Balance returns the account's balances and level. Unknown accounts are
// reported empty at level one.
func (c *Coordinator) Balance(id string) BalanceView {
	id = ledger.NormalizeID(id)
	level, toNext := c.ledger.LevelFor(id, c.settings.Current().LevelCurve())
	return BalanceView{ID: id, Balances: c.ledger.Get(id), Level: level, ToNext: toNext}
}

// ReserveStake moves amount (or everything, when all is set) from the
// account's points into game's reserved key and returns what moved. Only
// games that Restore can release are accepted.
func (c *Coordinator) ReserveStake(ctx context.Context, id string, amount decimal.Decimal, all bool, game string) (decimal.Decimal, error) {
	if !isRestorable(game) {
		return decimal.Zero, fmt.Errorf("game %s: %w", game, ErrNotFound)
	}
	var moved decimal.Decimal
	err := c.withLock(func() error {
		var err error
		moved, err = c.reserveLocked(ctx, id, amount, all, game)
		return err
	})
	return moved, err
}

// reserveLocked reserves whole points only; an all-in reserves the integer
// part of the balance.
func (c *Coordinator) reserveLocked(ctx context.Context, id string, amount decimal.Decimal, all bool, game string) (decimal.Decimal, error) {
	if c.settings.Current().IsIgnored(id) {
		return decimal.Zero, ErrIgnored
	}
	if all {
		amount = c.ledger.Get(id).Get(ledger.KeyPoints).Floor()
		if amount.LessThan(decimal.NewFromInt(1)) {
			return decimal.Zero, ledger.ErrInsufficientFunds
		}
	} else {
		amount = amount.Floor()
		if amount.LessThan(decimal.NewFromInt(1)) {
			return decimal.Zero, ErrInvalidAmount
		}
	}
	moved, err := c.ledger.TransferBetweenKeys(ctx, id, ledger.KeyPoints, ledger.Reserved(game), amount, ledger.Strict)
	if err != nil && !errors.Is(err, store.ErrPersistence) {
		return decimal.Zero, fmt.Errorf("reserve %s for %s: %w", amount, game, err)
	}
	return moved, err
}

// AdjustBalance changes one key of an account directly.
func (c *Coordinator) AdjustBalance(ctx context.Context, id, key string, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := c.withLock(func() error {
		var err error
		balance, err = c.ledger.Adjust(ctx, id, key, delta, allowNegative)
		return err
	})
	return balance, err
}

// MergeAccounts folds source into target, e.g. after a rename.
func (c *Coordinator) MergeAccounts(ctx context.Context, target, source string) error {
	return c.withLock(func() error {
		var w warnings
		if err := w.keep(c.ledger.Merge(ctx, target, source)); err != nil {
			return err
		}
		_, err := c.events.Append(ctx, eventlog.KindMerge, map[string]string{
			"target": ledger.NormalizeID(target),
			"source": ledger.NormalizeID(source),
		})
		if err := w.keep(err); err != nil {
			return err
		}
		return w.err
	})
}

// checkCooldown consults the gate without restarting the timer.
func (c *Coordinator) checkCooldown(cmd, target, caller string) error {
	if remaining := c.cooldowns.Check(cmd, target, caller, c.clock.Now(), false); remaining > 0 {
		return &CooldownError{Command: cmd, RetryAfter: remaining}
	}
	return nil
}

// normalizeChannel keys windows, tables and cooldowns the same way.
func normalizeChannel(channel string) string {
	return ledger.NormalizeID(channel)
}

func (c *Coordinator) gameIn(channel string) *channelGame {
	return c.channels[channel]
}

// warnings collects persistence failures so an operation can finish and
// still report that its result is not yet durable.
type warnings struct {
	err error
}

// keep swallows persistence errors and returns any other error.
func (w *warnings) keep(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrPersistence) {
		if w.err == nil {
			w.err = err
		}
		return nil
	}
	return err
}

func errIsWarning(err error) bool {
	return err != nil && errors.Is(err, store.ErrPersistence)
}
