package wagering

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/eventlog"
	"github.com/maibot/chatpoints/internal/ledger"
	"github.com/maibot/chatpoints/internal/window"
)

const gameRoulette = ledger.KeyRoulette

// Stake is one participant's total in a draw.
type Stake struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
}

// StakeResult describes an accepted roulette stake.
type StakeResult struct {
	Channel  string          `json:"channel"`
	ID       string          `json:"id"`
	Amount   decimal.Decimal `json:"amount"`
	Opened   bool            `json:"opened"`
	Deadline time.Time       `json:"deadline"`
}

// RouletteOutcome describes a settled or voided round.
type RouletteOutcome struct {
	Channel    string          `json:"channel"`
	Winner     string          `json:"winner"`
	Stakes     []Stake         `json:"stakes"`
	HouseStake decimal.Decimal `json:"house_stake"`
	Pot        decimal.Decimal `json:"pot"`
	Voided     bool            `json:"voided"`
}

// PlaceRouletteStake reserves the stake and opens or joins the channel's
// roulette window. Each stake extends the window by one second per point,
// bounded by the configured maximum extension and duration.
func (c *Coordinator) PlaceRouletteStake(ctx context.Context, channel, id string, amount decimal.Decimal, all bool) (StakeResult, error) {
	channel, id = normalizeChannel(channel), ledger.NormalizeID(id)
	var res StakeResult
	err := c.withLock(func() error {
		policy := c.settings.Current()
		cfg := policy.Roulette
		if g := c.gameIn(channel); g != nil && g.game != gameRoulette {
			return ErrGameInProgress
		}
		// The house always joins with its own free stake.
		if policy.IsIgnored(id) || id == policy.HouseID {
			return ErrIgnored
		}
		if err := c.checkCooldown(cmdGames, channel, id); err != nil {
			return err
		}

		var w warnings
		moved, err := c.reserveLocked(ctx, id, amount, all, gameRoulette)
		if err := w.keep(err); err != nil {
			return err
		}

		opened := c.windows.Open(channel, cfg.Window, cfg.MaxDuration, c.onRouletteExpire, window.WithMaxExtension(cfg.MaxExtension))
		if opened {
			c.channels[channel] = &channelGame{game: gameRoulette, phase: phaseWindowOpen}
			c.logger.Info("roulette opened", zap.String("channel", channel), zap.String("by", id))
		}
		extend := time.Duration(moved.IntPart()) * time.Second
		deadline, err := c.windows.AddInput(channel, id, moved, extend)
		if err != nil {
			// The window cannot vanish while we hold the lock; undo the reservation anyway.
			_, _ = c.ledger.TransferBetweenKeys(ctx, id, ledger.Reserved(gameRoulette), ledger.KeyPoints, moved, ledger.Partial)
			return err
		}
		res = StakeResult{Channel: channel, ID: id, Amount: moved, Opened: opened, Deadline: deadline}
		return w.err
	})
	return res, err
}

func (c *Coordinator) onRouletteExpire(channel string, inputs []window.Input) {
	ctx := context.Background()
	err := c.withLock(func() error {
		if g := c.gameIn(channel); g != nil {
			g.phase = phaseSettling
		}
		_, err := c.settleRoulette(ctx, channel, inputs)
		// A stake placed between maturity and now opened a fresh window.
		if !c.windows.Active(channel) {
			delete(c.channels, channel)
		} else if g := c.gameIn(channel); g != nil {
			g.phase = phaseWindowOpen
		}
		if errIsWarning(err) {
			c.logger.Warn("roulette settlement not persisted", zap.String("channel", channel), zap.Error(err))
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Error("roulette settlement failed", zap.String("channel", channel), zap.Error(err))
	}
}

// settleRoulette draws the winner and moves the reserved stakes. The house
// joins every round for free with base + floor(total/divisor).
func (c *Coordinator) settleRoulette(ctx context.Context, channel string, inputs []window.Input) (RouletteOutcome, error) {
	ctxSettings := c.settings.Current()
	cfg := ctxSettings.Roulette
	house := ctxSettings.HouseID

	stakes := aggregateStakes(inputs)
	total := sumStakes(stakes)
	houseStake := HouseStake(total, cfg.HouseBase, cfg.HouseDivisor)
	draw := addStake(stakes, house, houseStake)
	winner := PickWeighted(c.rng, draw)

	out := RouletteOutcome{
		Channel:    channel,
		Winner:     winner,
		Stakes:     stakes,
		HouseStake: houseStake,
		Pot:        total,
	}
	log := c.logger.With(zap.String("channel", channel), zap.String("winner", winner), zap.Stringer("pot", total))

	var w warnings
	defer c.cooldowns.Touch(cmdGames, channel, c.clock.Now())

	if len(draw) <= cfg.NoContestMaxParticipants && winner != house {
		out.Voided = true
		for _, s := range stakes {
			_, err := c.ledger.TransferBetweenKeys(ctx, s.ID, ledger.Reserved(gameRoulette), ledger.KeyPoints, s.Amount, ledger.Partial)
			if err := w.keep(err); err != nil {
				return out, err
			}
		}
		_, err := c.events.Append(ctx, eventlog.KindRouletteVoid, eventlog.GameResult{Channel: channel, Bets: stakeMap(stakes)})
		if err := w.keep(err); err != nil {
			return out, err
		}
		log.Info("roulette voided without competition")
		return out, w.err
	}

	contributions := toContributions(stakes)
	_, err := c.ledger.TransferMany(ctx, winner, contributions, ledger.Reserved(gameRoulette), ledger.KeyPoints, ledger.Strict, false)
	if err := w.keep(err); err != nil {
		return out, err
	}
	_, err = c.ledger.TransferMany(ctx, winner, contributions, ledger.KeyRoulette, ledger.KeyRoulette, ledger.Strict, true)
	if err := w.keep(err); err != nil {
		return out, err
	}
	_, err = c.events.Append(ctx, eventlog.KindRoulette, eventlog.GameResult{Channel: channel, Winner: winner, Bets: stakeMap(stakes)})
	if err := w.keep(err); err != nil {
		return out, err
	}
	log.Info("roulette settled", zap.Stringer("house_stake", houseStake))
	return out, w.err
}

// HouseStake returns base + floor(total/divisor).
func HouseStake(total decimal.Decimal, base, divisor float64) decimal.Decimal {
	if divisor <= 0 {
		return decimal.NewFromFloat(base)
	}
	return decimal.NewFromFloat(base).Add(total.Div(decimal.NewFromFloat(divisor)).Floor())
}

// PickWeighted draws v uniformly from [0, total) and walks the stakes in
// order subtracting each amount; the first participant reaching v <= 0
// wins. Rounding leftovers fall to the last participant.
func PickWeighted(rng RandomSource, stakes []Stake) string {
	if len(stakes) == 0 {
		return ""
	}
	total := sumStakes(stakes)
	v := decimal.NewFromFloat(rng.Float64()).Mul(total)
	for _, s := range stakes {
		v = v.Sub(s.Amount)
		if !v.IsPositive() {
			return s.ID
		}
	}
	return stakes[len(stakes)-1].ID
}

// aggregateStakes sums inputs per participant, keeping first-seen order.
func aggregateStakes(inputs []window.Input) []Stake {
	index := map[string]int{}
	var stakes []Stake
	for _, in := range inputs {
		i, ok := index[in.Participant]
		if !ok {
			index[in.Participant] = len(stakes)
			stakes = append(stakes, Stake{ID: in.Participant, Amount: in.Weight})
			continue
		}
		stakes[i].Amount = stakes[i].Amount.Add(in.Weight)
	}
	return stakes
}

func addStake(stakes []Stake, id string, amount decimal.Decimal) []Stake {
	out := make([]Stake, 0, len(stakes)+1)
	merged := false
	for _, s := range stakes {
		if s.ID == id {
			s.Amount = s.Amount.Add(amount)
			merged = true
		}
		out = append(out, s)
	}
	if !merged {
		out = append(out, Stake{ID: id, Amount: amount})
	}
	return out
}

func sumStakes(stakes []Stake) decimal.Decimal {
	total := decimal.Zero
	for _, s := range stakes {
		total = total.Add(s.Amount)
	}
	return total
}

func stakeMap(stakes []Stake) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(stakes))
	for _, s := range stakes {
		out[s.ID] = s.Amount
	}
	return out
}

func toContributions(stakes []Stake) []ledger.Contribution {
	out := make([]ledger.Contribution, 0, len(stakes))
	for _, s := range stakes {
		out = append(out, ledger.Contribution{ID: s.ID, Amount: s.Amount})
	}
	return out
}
