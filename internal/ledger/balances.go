package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/store"
)

// Ledger holds every account's multi-key balances and persists them to its
// document after each mutation.
//
// Mutations that committed in memory but failed to persist return their
// result together with an error wrapping store.ErrPersistence.
type Ledger struct {
	mu       sync.RWMutex
	doc      *store.Store
	accounts map[string]Snapshot
	logger   *zap.Logger
}

// Migrations upgrades older ledger documents. Legacy documents stored the
// spendable balance under "p".
func Migrations() []store.Migration {
	return []store.Migration{
		store.RenameKey(documentAccount, "p", KeyPoints),
	}
}

// New loads the ledger from doc.
func New(doc *store.Store, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accounts := map[string]Snapshot{}
	if _, err := doc.Load(documentAccount, &accounts); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	return &Ledger{
		doc:      doc,
		accounts: accounts,
		logger:   logger.Named("ledger"),
	}, nil
}

// Get returns a copy of the account's balances. Unknown accounts yield an
// empty snapshot and are not created.
func (l *Ledger) Get(id string) Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[NormalizeID(id)]
	if !ok {
		return Snapshot{}
	}
	return acct.clone()
}

// Exists reports whether the account has ever been written.
func (l *Ledger) Exists(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[NormalizeID(id)]
	return ok
}

// Adjust adds delta (which may be negative) to one key and returns the new balance.
func (l *Ledger) Adjust(ctx context.Context, id, key string, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, error) {
	id = NormalizeID(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.balanceLocked(id, key).Add(delta)
	if next.IsNegative() && !allowNegative {
		return decimal.Zero, ErrInsufficientFunds
	}
	l.setLocked(id, key, next)
	return next, l.persistLocked(ctx)
}

// Deduct removes up to amount from key, never going below zero, and returns
// what was actually removed.
func (l *Ledger) Deduct(ctx context.Context, id, key string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	id = NormalizeID(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := decimal.Min(amount, decimal.Max(l.balanceLocked(id, key), decimal.Zero))
	if removed.IsZero() {
		return removed, nil
	}
	l.setLocked(id, key, l.balanceLocked(id, key).Sub(removed))
	return removed, l.persistLocked(ctx)
}

// TransferBetweenKeys moves funds between two keys of the same account.
func (l *Ledger) TransferBetweenKeys(ctx context.Context, id, fromKey, toKey string, amount decimal.Decimal, mode Mode) (decimal.Decimal, error) {
	return l.Transfer(ctx, id, id, fromKey, toKey, amount, mode)
}

// Transfer moves funds from one account's key to another account's key.
// Amount is ignored when mode is All.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID, fromKey, toKey string, amount decimal.Decimal, mode Mode) (decimal.Decimal, error) {
	if mode != All && !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	fromID, toID = NormalizeID(fromID), NormalizeID(toID)

	l.mu.Lock()
	defer l.mu.Unlock()

	moved, ok := clampDebit(l.balanceLocked(fromID, fromKey), amount, mode)
	if !ok {
		return decimal.Zero, ErrInsufficientFunds
	}
	if moved.IsZero() {
		return moved, nil
	}
	l.setLocked(fromID, fromKey, l.balanceLocked(fromID, fromKey).Sub(moved))
	l.setLocked(toID, toKey, l.balanceLocked(toID, toKey).Add(moved))
	return moved, l.persistLocked(ctx)
}

// TransferMany moves each contribution from the contributor's fromKey to the
// winner's toKey in one step. Under Strict a short contributor is skipped;
// under Partial whatever is available moves. With allowNegative every amount
// moves in full. The returned total was removed from contributors and added
// to the winner.
func (l *Ledger) TransferMany(ctx context.Context, winner string, contributions []Contribution, fromKey, toKey string, mode Mode, allowNegative bool) (decimal.Decimal, error) {
	winner = NormalizeID(winner)

	l.mu.Lock()
	defer l.mu.Unlock()

	total := decimal.Zero
	for _, c := range contributions {
		id := NormalizeID(c.ID)
		if mode != All && !c.Amount.IsPositive() {
			continue
		}
		have := l.balanceLocked(id, fromKey)
		moved := c.Amount
		if !allowNegative {
			var ok bool
			moved, ok = clampDebit(have, c.Amount, mode)
			if !ok {
				l.logger.Debug("skipping short contributor",
					zap.String("account", id),
					zap.String("key", fromKey),
					zap.Stringer("wanted", c.Amount),
					zap.Stringer("available", have))
				continue
			}
		}
		if moved.IsZero() {
			continue
		}
		l.setLocked(id, fromKey, have.Sub(moved))
		l.setLocked(winner, toKey, l.balanceLocked(winner, toKey).Add(moved))
		total = total.Add(moved)
	}
	if total.IsZero() {
		return total, nil
	}
	return total, l.persistLocked(ctx)
}

// ReleaseAll moves every account's fromKey balance to toKey and removes the
// emptied key. It returns what was released per account.
func (l *Ledger) ReleaseAll(ctx context.Context, fromKey, toKey string) (map[string]decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := map[string]decimal.Decimal{}
	for id, acct := range l.accounts {
		amount, ok := acct[fromKey]
		if !ok {
			continue
		}
		delete(acct, fromKey)
		if amount.IsZero() {
			continue
		}
		acct[toKey] = acct[toKey].Add(amount)
		released[id] = amount
	}
	if len(released) == 0 {
		return released, nil
	}
	l.logger.Info("released balances", zap.String("from", fromKey), zap.String("to", toKey), zap.Int("accounts", len(released)))
	return released, l.persistLocked(ctx)
}

// Merge adds every balance of source into target and removes source.
func (l *Ledger) Merge(ctx context.Context, target, source string) error {
	target, source = NormalizeID(target), NormalizeID(source)
	if target == source {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.accounts[source]
	if !ok {
		return fmt.Errorf("merge %s: %w", source, ErrNotFound)
	}
	for key, v := range src {
		l.setLocked(target, key, l.balanceLocked(target, key).Add(v))
	}
	delete(l.accounts, source)
	l.logger.Info("merged accounts", zap.String("target", target), zap.String("source", source))
	return l.persistLocked(ctx)
}

// LevelFor returns the account's level on curve, computed from its points,
// and how many points remain until the next level.
func (l *Ledger) LevelFor(id string, curve LevelCurve) (int, decimal.Decimal) {
	return Level(l.Get(id).Get(KeyPoints), curve)
}

// Level walks the cumulative threshold curve.
func Level(points decimal.Decimal, curve LevelCurve) (int, decimal.Decimal) {
	const maxLevel = 10_000
	if !curve.Base.IsPositive() || curve.Growth <= 0 {
		return 1, decimal.Zero
	}
	level := 1
	next := curve.Base
	for points.GreaterThanOrEqual(next) && level < maxLevel {
		level++
		step := curve.Base.Mul(decimal.NewFromFloat(math.Pow(curve.Growth, float64(level-1))))
		next = next.Add(step)
	}
	return level, next.Sub(points)
}

// Top returns up to n accounts ordered by their key balance, highest first.
func (l *Ledger) Top(key string, n int) []Standing {
	l.mu.RLock()
	rows := make([]Standing, 0, len(l.accounts))
	for id, acct := range l.accounts {
		if v, ok := acct[key]; ok {
			rows = append(rows, Standing{ID: id, Balance: v})
		}
	}
	l.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if c := rows[i].Balance.Cmp(rows[j].Balance); c != 0 {
			return c > 0
		}
		return rows[i].ID < rows[j].ID
	})
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// Total sums key across all accounts.
func (l *Ledger) Total(key string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, acct := range l.accounts {
		sum = sum.Add(acct[key])
	}
	return sum
}

// Accounts lists every known account id.
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Ledger) balanceLocked(id, key string) decimal.Decimal {
	return l.accounts[id][key]
}

func (l *Ledger) setLocked(id, key string, v decimal.Decimal) {
	acct, ok := l.accounts[id]
	if !ok {
		acct = Snapshot{}
		l.accounts[id] = acct
	}
	acct[key] = v
}

func (l *Ledger) persistLocked(ctx context.Context) error {
	if err := l.doc.Save(ctx, documentAccount, l.accounts); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// clampDebit decides how much of amount may leave a balance of have.
func clampDebit(have, amount decimal.Decimal, mode Mode) (decimal.Decimal, bool) {
	available := decimal.Max(have, decimal.Zero)
	switch mode {
	case All:
		return available, true
	case Partial:
		return decimal.Min(amount, available), true
	default:
		if have.LessThan(amount) {
			return decimal.Zero, false
		}
		return amount, true
	}
}
