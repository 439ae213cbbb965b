package wagering

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/eventlog"
	"github.com/maibot/chatpoints/internal/ledger"
	"github.com/maibot/chatpoints/internal/scheduler"
	"github.com/maibot/chatpoints/internal/settings"
)

const (
	gameShowdown        = ledger.KeyPoker
	kindShowdownTimeout = "showdown.round-timeout"
)

// Card is a playing card. Ranks run 2..14 (ace high); suits break ties
// in the order clubs, diamonds, hearts, spades.
type Card struct {
	Rank int `json:"rank"`
	Suit int `json:"suit"`
}

func (c Card) beats(o Card) bool {
	if c.Rank != o.Rank {
		return c.Rank > o.Rank
	}
	return c.Suit > o.Suit
}

func (c Card) String() string {
	const ranks = "23456789TJQKA"
	const suits = "cdhs"
	if c.Rank < 2 || c.Rank > 14 || c.Suit < 0 || c.Suit > 3 {
		return "??"
	}
	return string(ranks[c.Rank-2]) + string(suits[c.Suit])
}

type seat struct {
	id          string
	card        Card
	contributed decimal.Decimal
	folded      bool
	acted       bool
}

type table struct {
	id      string
	channel string
	seats   []*seat
	started bool
	round   int
}

func (t *table) seat(id string) *seat {
	for _, s := range t.seats {
		if s.id == id {
			return s
		}
	}
	return nil
}

func (t *table) active() []*seat {
	var out []*seat
	for _, s := range t.seats {
		if !s.folded {
			out = append(out, s)
		}
	}
	return out
}

// TableView is the public state of a showdown table.
type TableView struct {
	Channel string          `json:"channel"`
	Players []string        `json:"players"`
	Folded  []string        `json:"folded"`
	Started bool            `json:"started"`
	Round   int             `json:"round"`
	Pot     decimal.Decimal `json:"pot"`
	// Cards is filled for the requesting player only, and for everyone once dealt on Start.
	Cards map[string]string `json:"cards,omitempty"`
	// Result is set once the table settled.
	Result *ShowdownResult `json:"result,omitempty"`
}

// ShowdownResult is the settlement of a table.
type ShowdownResult struct {
	Channel string                     `json:"channel"`
	Winner  string                     `json:"winner"`
	Card    string                     `json:"card"`
	Bets    map[string]decimal.Decimal `json:"bets"`
}

type timeoutPayload struct {
	Channel string `json:"channel"`
	Table   string `json:"table"`
	Round   int    `json:"round"`
}

func (c *Coordinator) view(t *table) TableView {
	v := TableView{Channel: t.channel, Started: t.started, Round: t.round, Pot: decimal.Zero}
	for _, s := range t.seats {
		v.Players = append(v.Players, s.id)
		if s.folded {
			v.Folded = append(v.Folded, s.id)
		}
		v.Pot = v.Pot.Add(s.contributed)
	}
	return v
}

// JoinShowdown seats id at the channel's table, creating it if needed, and
// reserves the ante.
func (c *Coordinator) JoinShowdown(ctx context.Context, channel, id string) (TableView, error) {
	channel, id = normalizeChannel(channel), ledger.NormalizeID(id)
	var v TableView
	err := c.withLock(func() error {
		cfg := c.settings.Current().Showdown
		if g := c.gameIn(channel); g != nil && g.game != gameShowdown {
			return ErrGameInProgress
		}
		t := c.tables[channel]
		if t == nil {
			if err := c.checkCooldown(cmdGames, channel, id); err != nil {
				return err
			}
		} else {
			if t.started {
				return ErrGameInProgress
			}
			if t.seat(id) != nil {
				return fmt.Errorf("seat %s: %w", id, ErrAlreadyExists)
			}
			if len(t.seats) >= min(cfg.MaxPlayers, settings.MaxShowdownSeats) {
				return ErrGameInProgress
			}
		}

		var w warnings
		ante := decimal.NewFromFloat(cfg.Ante)
		moved, err := c.reserveLocked(ctx, id, ante, false, gameShowdown)
		if err := w.keep(err); err != nil {
			return err
		}
		if t == nil {
			t = &table{id: uuid.NewString(), channel: channel}
			c.tables[channel] = t
			c.channels[channel] = &channelGame{game: gameShowdown, phase: phaseTable}
		}
		t.seats = append(t.seats, &seat{id: id, contributed: moved})
		v = c.view(t)
		return w.err
	})
	return v, err
}

// StartShowdown deals one card to each seated player and opens round one.
func (c *Coordinator) StartShowdown(ctx context.Context, channel, id string) (TableView, error) {
	channel, id = normalizeChannel(channel), ledger.NormalizeID(id)
	var v TableView
	err := c.withLock(func() error {
		cfg := c.settings.Current().Showdown
		t := c.tables[channel]
		if t == nil {
			return ErrNoActiveGame
		}
		if t.seat(id) == nil {
			return fmt.Errorf("player %s: %w", id, ErrNotFound)
		}
		if t.started {
			return ErrGameInProgress
		}
		if len(t.seats) < cfg.MinPlayers {
			return ErrNotEnoughPlayers
		}

		deck := shuffledDeck(c.rng)
		if len(t.seats) > len(deck) {
			return fmt.Errorf("%d seats for a %d-card deck: %w", len(t.seats), len(deck), ErrGameInProgress)
		}
		for i, s := range t.seats {
			s.card = deck[i]
		}
		t.started = true
		v.Cards = map[string]string{}
		for _, s := range t.seats {
			v.Cards[s.id] = s.card.String()
		}
		err := c.openRoundLocked(ctx, t, 1)
		cards := v.Cards
		v = c.view(t)
		v.Cards = cards
		return err
	})
	return v, err
}

// CallShowdown keeps id in the current round by reserving one more ante.
func (c *Coordinator) CallShowdown(ctx context.Context, channel, id string) (TableView, error) {
	return c.actShowdown(ctx, channel, id, true)
}

// FoldShowdown drops id from the table; its contributions stay in the pot.
func (c *Coordinator) FoldShowdown(ctx context.Context, channel, id string) (TableView, error) {
	return c.actShowdown(ctx, channel, id, false)
}

// Showdown returns the table in channel, revealing only viewer's card.
func (c *Coordinator) Showdown(channel, viewer string) (TableView, error) {
	channel, viewer = normalizeChannel(channel), ledger.NormalizeID(viewer)
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[channel]
	if t == nil {
		return TableView{}, ErrNoActiveGame
	}
	v := c.view(t)
	if s := t.seat(viewer); s != nil && t.started {
		v.Cards = map[string]string{viewer: s.card.String()}
	}
	return v, nil
}

func (c *Coordinator) actShowdown(ctx context.Context, channel, id string, call bool) (TableView, error) {
	channel, id = normalizeChannel(channel), ledger.NormalizeID(id)
	var v TableView
	err := c.withLock(func() error {
		t := c.tables[channel]
		if t == nil || !t.started {
			return ErrNoActiveGame
		}
		s := t.seat(id)
		if s == nil || s.folded {
			return fmt.Errorf("player %s: %w", id, ErrNotFound)
		}
		if s.acted {
			return fmt.Errorf("player %s already acted in round %d: %w", id, t.round, ErrAlreadyExists)
		}

		var w warnings
		if call {
			ante := decimal.NewFromFloat(c.settings.Current().Showdown.Ante)
			moved, err := c.ledger.TransferBetweenKeys(ctx, id, ledger.KeyPoints, ledger.Reserved(gameShowdown), ante, ledger.Strict)
			if err := w.keep(err); err != nil {
				return err
			}
			s.contributed = s.contributed.Add(moved)
		} else {
			s.folded = true
		}
		s.acted = true

		v = c.view(t)
		res, err := c.advanceLocked(ctx, t, false)
		if err := w.keep(err); err != nil {
			return err
		}
		if res != nil {
			v.Result = res
		}
		return w.err
	})
	return v, err
}

// advanceLocked moves the table on once every active player acted (or
// unconditionally on timeout, folding those who did not act). It settles
// the table when one player is left or the last round finished.
func (c *Coordinator) advanceLocked(ctx context.Context, t *table, timedOut bool) (*ShowdownResult, error) {
	active := t.active()
	if len(active) > 1 {
		pending := 0
		for _, s := range active {
			if !s.acted {
				pending++
			}
		}
		if pending > 0 && !timedOut {
			return nil, nil
		}
		// On timeout the silent players fold, unless nobody acted at all;
		// then the remaining hands go straight to the showdown.
		if timedOut && pending < len(active) {
			for _, s := range active {
				if !s.acted {
					s.folded = true
				}
			}
			active = t.active()
		} else if timedOut {
			return c.settleShowdownLocked(ctx, t)
		}
	}

	rounds := c.settings.Current().Showdown.Rounds
	if len(active) <= 1 || t.round >= rounds {
		return c.settleShowdownLocked(ctx, t)
	}
	return nil, c.openRoundLocked(ctx, t, t.round+1)
}

func (c *Coordinator) openRoundLocked(ctx context.Context, t *table, round int) error {
	t.round = round
	for _, s := range t.seats {
		s.acted = false
	}
	if c.scheduler == nil {
		return nil
	}
	timeout := c.settings.Current().Showdown.RoundTimeout
	_, err := c.scheduler.ScheduleAt(ctx, c.clock.Now().Add(timeout), kindShowdownTimeout, timeoutPayload{
		Channel: t.channel,
		Table:   t.id,
		Round:   round,
	})
	return err
}

func (c *Coordinator) onShowdownTimeout(ctx context.Context, rec scheduler.Record) error {
	var p timeoutPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return fmt.Errorf("decode timeout: %w", err)
	}
	return c.withLock(func() error {
		t := c.tables[p.Channel]
		if t == nil || t.id != p.Table || t.round != p.Round {
			c.logger.Debug("stale showdown timeout", zap.String("channel", p.Channel), zap.Int("round", p.Round))
			return nil
		}
		c.logger.Info("showdown round timed out", zap.String("channel", p.Channel), zap.Int("round", p.Round))
		_, err := c.advanceLocked(ctx, t, true)
		if errIsWarning(err) {
			c.logger.Warn("showdown timeout not persisted", zap.Error(err))
			return nil
		}
		return err
	})
}

func (c *Coordinator) settleShowdownLocked(ctx context.Context, t *table) (*ShowdownResult, error) {
	delete(c.tables, t.channel)
	delete(c.channels, t.channel)
	defer c.cooldowns.Touch(cmdGames, t.channel, c.clock.Now())

	var winner *seat
	for _, s := range t.active() {
		if winner == nil || s.card.beats(winner.card) {
			winner = s
		}
	}
	if winner == nil {
		return nil, ErrNoActiveGame
	}

	bets := map[string]decimal.Decimal{}
	contributions := make([]ledger.Contribution, 0, len(t.seats))
	for _, s := range t.seats {
		bets[s.id] = s.contributed
		contributions = append(contributions, ledger.Contribution{ID: s.id, Amount: s.contributed})
	}

	var w warnings
	reserved := ledger.Reserved(gameShowdown)
	_, err := c.ledger.TransferMany(ctx, winner.id, contributions, reserved, ledger.KeyPoints, ledger.Partial, false)
	if err := w.keep(err); err != nil {
		return nil, err
	}
	_, err = c.ledger.TransferMany(ctx, winner.id, contributions, ledger.KeyPoker, ledger.KeyPoker, ledger.Strict, true)
	if err := w.keep(err); err != nil {
		return nil, err
	}
	res := &ShowdownResult{Channel: t.channel, Winner: winner.id, Card: winner.card.String(), Bets: bets}
	_, err = c.events.Append(ctx, eventlog.KindShowdown, eventlog.GameResult{Channel: t.channel, Winner: winner.id, Bets: bets})
	if err := w.keep(err); err != nil {
		return res, err
	}
	c.logger.Info("showdown settled", zap.String("channel", t.channel), zap.String("winner", winner.id), zap.String("card", res.Card))
	return res, w.err
}

func shuffledDeck(rng RandomSource) []Card {
	deck := make([]Card, 0, 52)
	for suit := 0; suit < 4; suit++ {
		for rank := 2; rank <= 14; rank++ {
			deck = append(deck, Card{Rank: rank, Suit: suit})
		}
	}
	for i := len(deck) - 1; i > 0; i-- {
		j := int(rng.Float64() * float64(i+1))
		if j > i {
			j = i
		}
		deck[i], deck[j] = deck[j], deck[i]
	}
	return deck
}
