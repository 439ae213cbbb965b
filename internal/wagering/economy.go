package wagering

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/eventlog"
	"github.com/maibot/chatpoints/internal/ledger"
	"github.com/maibot/chatpoints/internal/store"
)

const cmdTip = "chattip"

// TipResult describes a completed tip. Quiet is set when the channel's tip
// cooldown was still running; the reply should then go to the giver privately.
type TipResult struct {
	Giver  string          `json:"giver"`
	Taker  string          `json:"taker"`
	Points decimal.Decimal `json:"points"`
	Quiet  bool            `json:"quiet"`
}

// Tip moves up to amount points (everything when all is set, the configured
// default when amount is zero) from giver to taker and records the tip
// subtotal on both sides.
func (c *Coordinator) Tip(ctx context.Context, channel, giver, taker string, amount decimal.Decimal, all bool) (TipResult, error) {
	giver, taker = ledger.NormalizeID(giver), ledger.NormalizeID(taker)
	var res TipResult
	err := c.withLock(func() error {
		policy := c.settings.Current()
		if policy.IsIgnored(giver) {
			return ErrIgnored
		}
		if giver == taker || taker == "" {
			return ErrInvalidAmount
		}
		mode := ledger.Partial
		switch {
		case all:
			mode = ledger.All
		case amount.IsZero():
			amount = decimal.NewFromFloat(policy.Tips.Default)
		case amount.IsNegative():
			amount = amount.Abs()
		}
		amount = amount.Floor()
		if !all && amount.LessThan(decimal.NewFromInt(1)) {
			return ErrInvalidAmount
		}
		quiet := c.cooldowns.Check(cmdTip, channel, giver, c.clock.Now(), false) > 0

		var w warnings
		moved, err := c.ledger.Transfer(ctx, giver, taker, ledger.KeyPoints, ledger.KeyPoints, amount, mode)
		if err := w.keep(err); err != nil {
			return err
		}
		if moved.LessThan(decimal.NewFromInt(1)) {
			if moved.IsPositive() {
				_, err := c.ledger.Transfer(ctx, taker, giver, ledger.KeyPoints, ledger.KeyPoints, moved, ledger.Strict)
				if err := w.keep(err); err != nil {
					return err
				}
			}
			return ledger.ErrInsufficientFunds
		}
		_, err = c.ledger.TransferMany(ctx, taker, []ledger.Contribution{{ID: giver, Amount: moved}}, ledger.KeyTip, ledger.KeyTip, ledger.Strict, true)
		if err := w.keep(err); err != nil {
			return err
		}
		_, err = c.events.Append(ctx, eventlog.KindTip, map[string]any{
			"channel": channel,
			"giver":   giver,
			"taker":   taker,
			"points":  moved,
		})
		if err := w.keep(err); err != nil {
			return err
		}
		if !quiet {
			c.cooldowns.Touch(cmdTip, channel, c.clock.Now())
		}
		res = TipResult{Giver: giver, Taker: taker, Points: moved, Quiet: quiet}
		return w.err
	})
	return res, err
}

// Penalty kinds.
const (
	PenaltySlap = eventlog.KindSlap
	PenaltyKick = eventlog.KindKick
)

// PenaltyResult reports what was taken.
type PenaltyResult struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target"`
	Removed decimal.Decimal `json:"removed"`
}

// Penalize removes up to amount points from target, never below zero. A
// zero amount uses the configured penalty for kind.
func (c *Coordinator) Penalize(ctx context.Context, kind, by, target string, amount decimal.Decimal) (PenaltyResult, error) {
	target = ledger.NormalizeID(target)
	var res PenaltyResult
	err := c.withLock(func() error {
		policy := c.settings.Current()
		if amount.IsZero() {
			switch kind {
			case PenaltyKick:
				amount = decimal.NewFromFloat(policy.Penalty.Kick)
			case PenaltySlap:
				amount = decimal.NewFromFloat(policy.Penalty.Slap)
			default:
				return ErrInvalidAmount
			}
		}
		if !amount.IsPositive() {
			return ErrInvalidAmount
		}

		var w warnings
		removed, err := c.ledger.Deduct(ctx, target, ledger.KeyPoints, amount)
		if err := w.keep(err); err != nil {
			return err
		}
		_, err = c.events.Append(ctx, kind, map[string]any{
			"by":     ledger.NormalizeID(by),
			"target": target,
			"points": removed,
		})
		if err := w.keep(err); err != nil {
			return err
		}
		res = PenaltyResult{Kind: kind, Target: target, Removed: removed}
		return w.err
	})
	return res, err
}

// ActivityResult reports balances after an activity credit.
type ActivityResult struct {
	ID      string          `json:"id"`
	Points  decimal.Decimal `json:"points"`
	Level   int             `json:"level"`
	Channel decimal.Decimal `json:"channel_points"`
}

// RecordActivity credits points earned by chatting. The account is
// credited when the channel earns activity; the channel's own aggregate
// account is always credited.
func (c *Coordinator) RecordActivity(ctx context.Context, id, channel string, points decimal.Decimal) (ActivityResult, error) {
	id = ledger.NormalizeID(id)
	if !points.IsPositive() {
		return ActivityResult{}, ErrInvalidAmount
	}
	var res ActivityResult
	err := c.withLock(func() error {
		var err error
		res, err = c.recordActivityLocked(ctx, id, channel, points)
		return err
	})
	if errors.Is(err, store.ErrPersistence) {
		c.logger.Warn("activity not persisted", zap.String("account", id), zap.Error(err))
	}
	return res, err
}

func (c *Coordinator) recordActivityLocked(ctx context.Context, id, channel string, points decimal.Decimal) (ActivityResult, error) {
	policy := c.settings.Current()
	if policy.IsIgnored(id) {
		return ActivityResult{}, ErrIgnored
	}

	var w warnings
	res := ActivityResult{ID: id}
	if policy.EarnsActivity(channel) {
		balance, err := c.ledger.Adjust(ctx, id, ledger.KeyPoints, points, false)
		if err := w.keep(err); err != nil {
			return res, err
		}
		res.Points = balance
	} else {
		res.Points = c.ledger.Get(id).Get(ledger.KeyPoints)
	}
	if strings.HasPrefix(channel, "#") {
		balance, err := c.ledger.Adjust(ctx, channel, ledger.KeyPoints, points, false)
		if err := w.keep(err); err != nil {
			return res, err
		}
		res.Channel = balance
	}
	res.Level, _ = ledger.Level(res.Points, policy.LevelCurve())
	return res, w.err
}

// Ladder returns the top n accounts by key. The house and ignored accounts
// are left out.
func (c *Coordinator) Ladder(key string, n int) []ledger.Standing {
	policy := c.settings.Current()
	all := c.ledger.Top(key, 0)
	out := make([]ledger.Standing, 0, min(len(all), max(n, 0)))
	for _, row := range all {
		if row.ID == policy.HouseID || policy.IsIgnored(row.ID) || strings.HasPrefix(row.ID, "#") {
			continue
		}
		out = append(out, row)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// GameStats aggregates settled games of kind (roulette or showdown).
func (c *Coordinator) GameStats(kind string, filter eventlog.StatsFilter) (eventlog.GameStats, bool) {
	filter.Player = ledger.NormalizeID(filter.Player)
	return c.events.Stats(kind, filter)
}
