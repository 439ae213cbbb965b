// Package eventlog keeps the append-only history of economic events and the
// aggregates read from it.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/store"
)

// Event kinds.
const (
	KindRoulette     = "chatroulette"
	KindRouletteVoid = "chatroulette-void"
	KindTip          = "chattip"
	KindSlap         = "chatslap"
	KindKick         = "kick"
	KindBet          = "chatbet"
	KindShowdown     = "chatpoker"
	KindMerge        = "merge"
	KindRestore      = "restore"
)

const documentEvents = "events"

// Event is one immutable entry of the log.
type Event struct {
	Seq     uint64          `json:"seq"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Log is the append-only event log.
type Log struct {
	mu        sync.RWMutex
	doc       *store.Store
	events    []Event
	clock     clock.Clock
	notifiers []Notifier
	logger    *zap.Logger
}

// New loads the log from doc. Notifiers receive each appended event after
// it was recorded; their failures never fail an append.
func New(doc *store.Store, clk clock.Clock, logger *zap.Logger, notifiers ...Notifier) (*Log, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var events []Event
	if _, err := doc.Load(documentEvents, &events); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return &Log{
		doc:       doc,
		events:    events,
		clock:     clk,
		notifiers: notifiers,
		logger:    logger.Named("eventlog"),
	}, nil
}

// Append records an event. The returned event is valid even when the error
// wraps store.ErrPersistence.
func (l *Log) Append(ctx context.Context, kind string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	l.mu.Lock()
	ev := Event{
		Seq:     uint64(len(l.events)) + 1,
		Kind:    kind,
		Payload: raw,
		At:      l.clock.Now().UTC(),
	}
	if n := len(l.events); n > 0 && l.events[n-1].Seq >= ev.Seq {
		ev.Seq = l.events[n-1].Seq + 1
	}
	l.events = append(l.events, ev)
	saveErr := l.doc.Save(ctx, documentEvents, l.events)
	l.mu.Unlock()

	for _, n := range l.notifiers {
		if err := n.Send(ctx, ev); err != nil {
			l.logger.Warn("event notification failed", zap.String("kind", kind), zap.Uint64("seq", ev.Seq), zap.Error(err))
		}
	}
	if saveErr != nil {
		return ev, fmt.Errorf("persist event %s: %w", kind, saveErr)
	}
	return ev, nil
}

// Events returns the events of the given kinds in append order; no kinds
// means all events.
func (l *Log) Events(kinds ...string) []Event {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, len(l.events))
	for _, ev := range l.events {
		if len(want) == 0 || want[ev.Kind] {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
