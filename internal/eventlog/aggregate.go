package eventlog

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GameResult is the payload of settled pooled games (roulette, showdown).
// Bets excludes the house.
type GameResult struct {
	Channel string                     `json:"channel"`
	Winner  string                     `json:"winner"`
	Bets    map[string]decimal.Decimal `json:"bets"`
}

// Pot is the sum of all bets.
func (r GameResult) Pot() decimal.Decimal {
	sum := decimal.Zero
	for _, b := range r.Bets {
		sum = sum.Add(b)
	}
	return sum
}

// StatsFilter narrows the games considered by Stats.
type StatsFilter struct {
	Player     string
	MinPlayers int
}

// GameStats aggregates settled games of one kind.
type GameStats struct {
	Games         int             `json:"games"`
	TotalPoints   decimal.Decimal `json:"total_points"`
	AveragePoints decimal.Decimal `json:"average_points"`
	HighestPot    decimal.Decimal `json:"highest_pot"`
	HighestWinner string          `json:"highest_winner"`
	// Best return on investment: pot won over the winner's own bet.
	ROIWinner string          `json:"roi_winner"`
	ROIReturn decimal.Decimal `json:"roi_return"`
	ROIBet    decimal.Decimal `json:"roi_bet"`
	ROIRatio  decimal.Decimal `json:"roi_ratio"`

	// Filled only when filtering by player.
	Wins int             `json:"wins,omitempty"`
	Net  decimal.Decimal `json:"net"`
}

// Stats aggregates the settled games of kind matching filter. It reports
// false when no game matches.
func (l *Log) Stats(kind string, filter StatsFilter) (GameStats, bool) {
	var st GameStats
	for _, ev := range l.Events(kind) {
		var res GameResult
		if err := ev.Decode(&res); err != nil {
			l.logger.Debug("skipping undecodable event", zap.Uint64("seq", ev.Seq), zap.Error(err))
			continue
		}
		if len(res.Bets) < filter.MinPlayers {
			continue
		}
		if filter.Player != "" {
			if _, played := res.Bets[filter.Player]; !played && res.Winner != filter.Player {
				continue
			}
		}

		pot := res.Pot()
		st.Games++
		st.TotalPoints = st.TotalPoints.Add(pot)
		if pot.GreaterThan(st.HighestPot) {
			st.HighestPot = pot
			st.HighestWinner = res.Winner
		}
		if bet, ok := res.Bets[res.Winner]; ok && bet.IsPositive() {
			ratio := pot.Div(bet)
			if ratio.GreaterThan(st.ROIRatio) {
				st.ROIRatio = ratio.Round(2)
				st.ROIWinner = res.Winner
				st.ROIReturn = pot
				st.ROIBet = bet
			}
		}

		if filter.Player != "" {
			own := res.Bets[filter.Player]
			if res.Winner == filter.Player {
				st.Wins++
				st.Net = st.Net.Add(pot.Sub(own))
			} else {
				st.Net = st.Net.Sub(own)
			}
		}
	}
	if st.Games == 0 {
		return st, false
	}
	st.AveragePoints = st.TotalPoints.Div(decimal.NewFromInt(int64(st.Games))).Round(2)
	return st, true
}
