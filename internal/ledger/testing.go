package ledger

import "github.com/shopspring/decimal"

// SeedBalance is a test helper that sets a balance without persisting it.
func SeedBalance(l *Ledger, id, key string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(NormalizeID(id), key, amount)
}
