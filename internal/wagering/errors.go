package wagering

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoActiveGame is returned for game actions in a channel without a running game.
	ErrNoActiveGame = errors.New("no active game")

	// ErrAlreadyExists reports a duplicate bet, option or table seat.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound reports an unknown bet, option or player.
	ErrNotFound = errors.New("not found")

	// ErrGameInProgress rejects starting or joining while a different game
	// (or a started table) occupies the channel.
	ErrGameInProgress = errors.New("another game is in progress")

	// ErrInvalidAmount rejects stakes below one point and malformed amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrIgnored rejects commands from ignored accounts.
	ErrIgnored = errors.New("account is ignored")

	// ErrBetClosed rejects wagers on a closed proposition bet.
	ErrBetClosed = errors.New("bet is closed")

	// ErrNotEnoughPlayers rejects starting a table below the minimum seat count.
	ErrNotEnoughPlayers = errors.New("not enough players")
)

// CooldownError reports a command rejected by the cooldown gate.
type CooldownError struct {
	Command    string
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s on cooldown, retry in %s", e.Command, e.RetryAfter.Round(time.Second))
}
