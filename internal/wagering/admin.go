package wagering

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/eventlog"
	"github.com/maibot/chatpoints/internal/ledger"
)

// Games whose reservations can be restored.
var restorableGames = []string{gameRoulette, gameBet, gameShowdown}

// Restore moves every account's reserved balance of game back to points.
// It refuses while a game of that kind is running, and for proposition
// bets while any bet is still open.
func (c *Coordinator) Restore(ctx context.Context, game string) (map[string]decimal.Decimal, error) {
	var released map[string]decimal.Decimal
	err := c.withLock(func() error {
		if !isRestorable(game) {
			return fmt.Errorf("game %s: %w", game, ErrNotFound)
		}
		for _, g := range c.channels {
			if g.game == game {
				return ErrGameInProgress
			}
		}
		if game == gameBet && c.bets != nil && len(c.bets.bets) > 0 {
			return ErrGameInProgress
		}
		var err error
		released, err = c.restoreLocked(ctx, game)
		return err
	})
	return released, err
}

func (c *Coordinator) restoreLocked(ctx context.Context, game string) (map[string]decimal.Decimal, error) {
	var w warnings
	released, err := c.ledger.ReleaseAll(ctx, ledger.Reserved(game), ledger.KeyPoints)
	if err := w.keep(err); err != nil {
		return nil, err
	}
	if len(released) > 0 {
		_, err = c.events.Append(ctx, eventlog.KindRestore, map[string]any{"game": game, "released": released})
		if err := w.keep(err); err != nil {
			return released, err
		}
	}
	return released, w.err
}

// RecoverStranded releases reservations left behind by games that were
// running when the process stopped. Windows and tables live in memory, so
// at startup any roulette or showdown reservation is stranded. Proposition
// bets are persisted and keep their reservations.
func (c *Coordinator) RecoverStranded(ctx context.Context) (map[string]decimal.Decimal, error) {
	total := map[string]decimal.Decimal{}
	err := c.withLock(func() error {
		var w warnings
		for _, game := range []string{gameRoulette, gameShowdown} {
			released, err := c.restoreLocked(ctx, game)
			if err := w.keep(err); err != nil {
				return err
			}
			for id, amt := range released {
				total[id] = total[id].Add(amt)
			}
		}
		return w.err
	})
	if len(total) > 0 {
		c.logger.Info("released stranded reservations", zap.Int("accounts", len(total)))
	}
	return total, err
}

// Teardown aborts the game running in channel and refunds its stakes.
func (c *Coordinator) Teardown(ctx context.Context, channel string) (map[string]decimal.Decimal, error) {
	channel = normalizeChannel(channel)
	refunded := map[string]decimal.Decimal{}
	err := c.withLock(func() error {
		g := c.gameIn(channel)
		if g == nil {
			return ErrNoActiveGame
		}
		var (
			game  string
			items []ledger.Contribution
		)
		switch g.game {
		case gameRoulette:
			game = gameRoulette
			inputs, _ := c.windows.Cancel(channel)
			items = toContributions(aggregateStakes(inputs))
		case gameShowdown:
			game = gameShowdown
			if t := c.tables[channel]; t != nil {
				for _, s := range t.seats {
					items = append(items, ledger.Contribution{ID: s.id, Amount: s.contributed})
				}
			}
			delete(c.tables, channel)
		}
		delete(c.channels, channel)

		var w warnings
		for _, it := range items {
			if !it.Amount.IsPositive() {
				continue
			}
			moved, err := c.ledger.TransferBetweenKeys(ctx, it.ID, ledger.Reserved(game), ledger.KeyPoints, it.Amount, ledger.Partial)
			if err := w.keep(err); err != nil {
				return err
			}
			refunded[it.ID] = refunded[it.ID].Add(moved)
		}
		c.logger.Info("game torn down", zap.String("channel", channel), zap.String("game", game), zap.Int("refunded", len(refunded)))
		return w.err
	})
	return refunded, err
}

// ReloadSettings re-reads the settings file.
func (c *Coordinator) ReloadSettings() error {
	return c.settings.Reload()
}

func isRestorable(game string) bool {
	for _, g := range restorableGames {
		if g == game {
			return true
		}
	}
	return false
}
