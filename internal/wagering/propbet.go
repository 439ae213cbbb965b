package wagering

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/eventlog"
	"github.com/maibot/chatpoints/internal/ledger"
	"github.com/maibot/chatpoints/internal/store"
)

const (
	gameBet     = ledger.KeyBet
	documentBet = "bets"
	payoutScale = 4
)

// Wager is one stake on an option of a proposition bet.
type Wager struct {
	ID      string          `json:"id"`
	Account string          `json:"account"`
	Option  string          `json:"option"`
	Amount  decimal.Decimal `json:"amount"`
	At      time.Time       `json:"at"`
}

// Bet is a proposition bet with named options.
type Bet struct {
	Name        string    `json:"name"`
	Channel     string    `json:"channel"`
	Description string    `json:"description"`
	Options     []string  `json:"options"`
	Wagers      []Wager   `json:"wagers"`
	Closed      bool      `json:"closed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Pool returns the total wagered per option.
func (b Bet) Pool() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(b.Options))
	for _, o := range b.Options {
		out[o] = decimal.Zero
	}
	for _, w := range b.Wagers {
		out[w.Option] = out[w.Option].Add(w.Amount)
	}
	return out
}

func (b Bet) hasOption(option string) bool {
	for _, o := range b.Options {
		if o == option {
			return true
		}
	}
	return false
}

// Payout is what one account received when a bet ended.
type Payout struct {
	Account string          `json:"account"`
	Staked  decimal.Decimal `json:"staked"`
	Won     decimal.Decimal `json:"won"`
}

// BetResult describes an ended bet.
type BetResult struct {
	Name     string   `json:"name"`
	Winner   string   `json:"winner"`
	Refunded bool     `json:"refunded"`
	Payouts  []Payout `json:"payouts"`
}

// betBook persists open bets in their own document.
type betBook struct {
	doc  *store.Store
	bets map[string]*Bet
}

func loadBetBook(doc *store.Store) (*betBook, error) {
	bets := map[string]*Bet{}
	if _, err := doc.Load(documentBet, &bets); err != nil {
		return nil, fmt.Errorf("load bets: %w", err)
	}
	return &betBook{doc: doc, bets: bets}, nil
}

func (b *betBook) save(ctx context.Context) error {
	return b.doc.Save(ctx, documentBet, b.bets)
}

func betKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (c *Coordinator) book() (*betBook, error) {
	if c.bets == nil {
		return nil, fmt.Errorf("proposition bets: %w", ErrNotFound)
	}
	return c.bets, nil
}

// Bets lists open bets ordered by creation.
func (c *Coordinator) Bets() []Bet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bets == nil {
		return nil
	}
	out := make([]Bet, 0, len(c.bets.bets))
	for _, b := range c.bets.bets {
		cp := *b
		cp.Options = append([]string(nil), b.Options...)
		cp.Wagers = append([]Wager(nil), b.Wagers...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CreateBet opens a new proposition bet.
func (c *Coordinator) CreateBet(ctx context.Context, channel, name, description string, options []string) (Bet, error) {
	var created Bet
	err := c.withLock(func() error {
		book, err := c.book()
		if err != nil {
			return err
		}
		key := betKey(name)
		if key == "" {
			return fmt.Errorf("bet name: %w", ErrInvalidAmount)
		}
		if _, ok := book.bets[key]; ok {
			return fmt.Errorf("bet %s: %w", key, ErrAlreadyExists)
		}
		bet := &Bet{
			Name:        key,
			Channel:     channel,
			Description: description,
			CreatedAt:   c.clock.Now().UTC(),
		}
		for _, o := range options {
			if o = betKey(o); o != "" && !bet.hasOption(o) {
				bet.Options = append(bet.Options, o)
			}
		}
		book.bets[key] = bet
		created = *bet
		return book.save(ctx)
	})
	return created, err
}

// AddBetOptions adds options to an open bet.
func (c *Coordinator) AddBetOptions(ctx context.Context, name string, options []string) (Bet, error) {
	var updated Bet
	err := c.withLock(func() error {
		bet, book, err := c.openBetLocked(name)
		if err != nil {
			return err
		}
		for _, o := range options {
			o = betKey(o)
			if o == "" {
				continue
			}
			if bet.hasOption(o) {
				return fmt.Errorf("option %s: %w", o, ErrAlreadyExists)
			}
			bet.Options = append(bet.Options, o)
		}
		updated = *bet
		return book.save(ctx)
	})
	return updated, err
}

// PlaceWager reserves a stake on option of an open bet.
func (c *Coordinator) PlaceWager(ctx context.Context, name, option, id string, amount decimal.Decimal, all bool) (Wager, error) {
	id = ledger.NormalizeID(id)
	var placed Wager
	err := c.withLock(func() error {
		bet, book, err := c.openBetLocked(name)
		if err != nil {
			return err
		}
		option = betKey(option)
		if !bet.hasOption(option) {
			return fmt.Errorf("option %s: %w", option, ErrNotFound)
		}

		var w warnings
		moved, err := c.reserveLocked(ctx, id, amount, all, gameBet)
		if err := w.keep(err); err != nil {
			return err
		}
		placed = Wager{ID: uuid.NewString(), Account: id, Option: option, Amount: moved, At: c.clock.Now().UTC()}
		bet.Wagers = append(bet.Wagers, placed)
		if err := w.keep(book.save(ctx)); err != nil {
			return err
		}
		return w.err
	})
	return placed, err
}

// CloseBet stops accepting wagers.
func (c *Coordinator) CloseBet(ctx context.Context, name string) (Bet, error) {
	var closed Bet
	err := c.withLock(func() error {
		book, err := c.book()
		if err != nil {
			return err
		}
		bet, ok := book.bets[betKey(name)]
		if !ok {
			return fmt.Errorf("bet %s: %w", name, ErrNotFound)
		}
		bet.Closed = true
		closed = *bet
		return book.save(ctx)
	})
	return closed, err
}

// EndBet settles a bet pari-mutuel: winners get their stake back plus a
// share of the losing stakes proportional to what they wagered. Without
// winning wagers everyone is refunded.
func (c *Coordinator) EndBet(ctx context.Context, name, winningOption string) (BetResult, error) {
	var res BetResult
	err := c.withLock(func() error {
		book, err := c.book()
		if err != nil {
			return err
		}
		key := betKey(name)
		bet, ok := book.bets[key]
		if !ok {
			return fmt.Errorf("bet %s: %w", name, ErrNotFound)
		}
		winningOption = betKey(winningOption)
		if !bet.hasOption(winningOption) {
			return fmt.Errorf("option %s: %w", winningOption, ErrNotFound)
		}

		var w warnings
		payouts, refunded, err := c.payBetLocked(ctx, bet, winningOption, &w)
		if err != nil {
			return err
		}
		delete(book.bets, key)
		if err := w.keep(book.save(ctx)); err != nil {
			return err
		}
		res = BetResult{Name: key, Winner: winningOption, Refunded: refunded, Payouts: payouts}
		_, err = c.events.Append(ctx, eventlog.KindBet, res)
		if err := w.keep(err); err != nil {
			return err
		}
		c.logger.Info("bet ended", zap.String("bet", key), zap.String("winner", winningOption), zap.Bool("refunded", refunded))
		return w.err
	})
	return res, err
}

func (c *Coordinator) payBetLocked(ctx context.Context, bet *Bet, winningOption string, w *warnings) ([]Payout, bool, error) {
	reserved := ledger.Reserved(gameBet)
	staked := map[string]decimal.Decimal{}
	winners := map[string]decimal.Decimal{}
	var order []string
	for _, wg := range bet.Wagers {
		if _, seen := staked[wg.Account]; !seen {
			order = append(order, wg.Account)
		}
		staked[wg.Account] = staked[wg.Account].Add(wg.Amount)
		if wg.Option == winningOption {
			winners[wg.Account] = winners[wg.Account].Add(wg.Amount)
		}
	}

	won := map[string]decimal.Decimal{}
	refunded := len(winners) == 0
	if refunded {
		for _, id := range order {
			_, err := c.ledger.TransferBetweenKeys(ctx, id, reserved, ledger.KeyPoints, staked[id], ledger.Partial)
			if err := w.keep(err); err != nil {
				return nil, false, err
			}
		}
	} else {
		winnerTotal := decimal.Zero
		var winnerOrder []string
		for _, id := range order {
			if amt, ok := winners[id]; ok {
				winnerTotal = winnerTotal.Add(amt)
				winnerOrder = append(winnerOrder, id)
			}
		}
		for _, id := range order {
			// Each account's stake on the winning option returns to it; the
			// rest is split among winners by their share of the winning pool.
			own := winners[id]
			if own.IsPositive() {
				_, err := c.ledger.TransferBetweenKeys(ctx, id, reserved, ledger.KeyPoints, own, ledger.Partial)
				if err := w.keep(err); err != nil {
					return nil, false, err
				}
			}
			lost := staked[id].Sub(own)
			if !lost.IsPositive() {
				continue
			}
			remaining := lost
			for i, winner := range winnerOrder {
				share := lost.Mul(winners[winner]).DivRound(winnerTotal, payoutScale)
				if i == len(winnerOrder)-1 {
					share = remaining
				}
				remaining = remaining.Sub(share)
				if !share.IsPositive() {
					continue
				}
				_, err := c.ledger.Transfer(ctx, id, winner, reserved, ledger.KeyPoints, share, ledger.Partial)
				if err := w.keep(err); err != nil {
					return nil, false, err
				}
				_, err = c.ledger.TransferMany(ctx, winner, []ledger.Contribution{{ID: id, Amount: share}}, ledger.KeyBet, ledger.KeyBet, ledger.Strict, true)
				if err := w.keep(err); err != nil {
					return nil, false, err
				}
				won[winner] = won[winner].Add(share)
			}
		}
	}

	payouts := make([]Payout, 0, len(order))
	for _, id := range order {
		payouts = append(payouts, Payout{Account: id, Staked: staked[id], Won: won[id]})
	}
	return payouts, refunded, nil
}

func (c *Coordinator) openBetLocked(name string) (*Bet, *betBook, error) {
	book, err := c.book()
	if err != nil {
		return nil, nil, err
	}
	bet, ok := book.bets[betKey(name)]
	if !ok {
		return nil, nil, fmt.Errorf("bet %s: %w", name, ErrNotFound)
	}
	if bet.Closed {
		return nil, nil, fmt.Errorf("bet %s: %w", bet.Name, ErrBetClosed)
	}
	return bet, book, nil
}
