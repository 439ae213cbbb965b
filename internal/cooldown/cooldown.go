// Package cooldown rate-limits commands per target with per-caller discounts.
package cooldown

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/maibot/chatpoints/internal/ledger"
	"github.com/maibot/chatpoints/internal/settings"
)

type key struct {
	cmd    string
	target string
}

// Gate tracks when each (command, target) pair was last allowed. Cooldown
// lengths and discounts come from the current settings snapshot.
type Gate struct {
	settings *settings.Holder
	last     *xsync.Map[key, time.Time]
}

func New(h *settings.Holder) *Gate {
	return &Gate{settings: h, last: xsync.NewMap[key, time.Time]()}
}

// Check returns how long the caller must still wait before cmd may run
// against target; zero permits. When permitted and update is set, the
// timer is restarted at now.
//
// remaining = cooldown(cmd) - (now - last(cmd, target)) - discount(caller)
func (g *Gate) Check(cmd, target, caller string, now time.Time, update bool) time.Duration {
	policy := g.settings.Current()
	length := policy.CooldownFor(cmd)
	discount := policy.DiscountFor(caller)

	var remaining time.Duration
	g.last.Compute(key{cmd, normalize(target)}, func(last time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded {
			remaining = length - now.Sub(last) - discount
		}
		if remaining > 0 || !update {
			return last, xsync.CancelOp
		}
		return now, xsync.UpdateOp
	})
	return max(remaining, 0)
}

// Touch restarts the timer of (cmd, target) unconditionally.
func (g *Gate) Touch(cmd, target string, now time.Time) {
	g.last.Store(key{cmd, normalize(target)}, now)
}

// Reset forgets the timer of (cmd, target).
func (g *Gate) Reset(cmd, target string) {
	g.last.Delete(key{cmd, normalize(target)})
}

func normalize(target string) string {
	return ledger.NormalizeID(target)
}
