package ledger

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds occurs when the source balance cannot cover a
	// strict debit and negative balances are not allowed.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound indicates the referenced account has never been written.
	ErrNotFound = errors.New("account not found")

	// ErrInvalidAmount rejects zero or negative transfer amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Balance keys.
const (
	KeyPoints       = "points"
	KeyTip          = "chattip"
	KeyRoulette     = "chatroulette"
	KeyBet          = "chatbet"
	KeyPoker        = "chatpoker"
	reservedSuffix  = "-reserved"
	documentAccount = "accounts"
)

// Reserved returns the escrow key used by a game, e.g. "chatroulette-reserved".
func Reserved(game string) string {
	return game + reservedSuffix
}

// IsReserved reports whether key is an escrow key.
func IsReserved(key string) bool {
	return strings.HasSuffix(key, reservedSuffix)
}

// Mode selects how a debit larger than the available balance is handled.
type Mode int

const (
	// Strict fails (or skips, for multi-party transfers) when funds are short.
	Strict Mode = iota
	// Partial moves whatever is available, up to the requested amount.
	Partial
	// All ignores the requested amount and moves the full available balance.
	All
)

func (m Mode) String() string {
	switch m {
	case Partial:
		return "partial"
	case All:
		return "all"
	default:
		return "strict"
	}
}

// Snapshot is a copy of one account's balances by key.
type Snapshot map[string]decimal.Decimal

// Get returns the balance under key, zero when absent.
func (s Snapshot) Get(key string) decimal.Decimal {
	return s[key]
}

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Contribution is one debit of a multi-party transfer.
type Contribution struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
}

// Standing is one ladder row.
type Standing struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

// LevelCurve describes the cumulative level thresholds: level 1 starts at
// zero and each next level costs Base*Growth^(level-1) more points.
type LevelCurve struct {
	Base   decimal.Decimal
	Growth float64
}

// NormalizeID canonicalises account ids. Chat nicknames are case-insensitive.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
