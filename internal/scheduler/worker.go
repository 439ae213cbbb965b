package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/store"
)

// HandlerFunc runs a due record.
type HandlerFunc func(ctx context.Context, rec Record) error

// Worker drains due records from a Queue on a single goroutine.
type Worker struct {
	queue    *Queue
	handlers *xsync.Map[string, HandlerFunc]
	clock    clock.Clock
	interval time.Duration
	wake     chan struct{}
	logger   *zap.Logger
}

// NewWorker binds a worker to q. The worker wakes at the earliest of the
// poll interval, the next due record, or a newly scheduled record.
func NewWorker(q *Queue, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Worker {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    q,
		handlers: xsync.NewMap[string, HandlerFunc](),
		clock:    clk,
		interval: interval,
		wake:     make(chan struct{}, 1),
		logger:   logger.Named("scheduler"),
	}
}

// Handle binds fn to records of kind. Binding again replaces the handler.
func (w *Worker) Handle(kind string, fn HandlerFunc) {
	w.handlers.Store(kind, fn)
}

// ScheduleAt queues a callback of kind at due with a JSON-encodable payload.
func (w *Worker) ScheduleAt(ctx context.Context, due time.Time, kind string, payload any) (Record, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Record{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}
	rec, err := w.queue.Add(ctx, Record{Due: due, Kind: kind, Payload: raw})
	if err != nil && !errors.Is(err, store.ErrPersistence) {
		return Record{}, err
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return rec, err
}

// ScheduleAfter is ScheduleAt relative to the worker's clock.
func (w *Worker) ScheduleAfter(ctx context.Context, d time.Duration, kind string, payload any) (Record, error) {
	return w.ScheduleAt(ctx, w.clock.Now().Add(d), kind, payload)
}

// Run processes due records until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("scheduler started", zap.Int("pending", w.queue.Len()), zap.Duration("interval", w.interval))
	for {
		_, err := w.runDue(ctx)

		wait := w.interval
		if due, ok := w.queue.NextDue(); ok && err == nil {
			if d := due.Sub(w.clock.Now()); d < wait {
				wait = max(d, time.Millisecond)
			}
		}
		select {
		case <-ctx.Done():
			w.logger.Info("scheduler stopped", zap.Int("pending", w.queue.Len()))
			return nil
		case <-w.wake:
		case <-w.clock.After(wait):
		}
	}
}

// RunDue pops and dispatches every record due now and returns how many ran.
// A record whose removal cannot be persisted is left queued and not run;
// the next poll retries it.
func (w *Worker) RunDue(ctx context.Context) int {
	ran, _ := w.runDue(ctx)
	return ran
}

func (w *Worker) runDue(ctx context.Context) (int, error) {
	ran := 0
	for ctx.Err() == nil {
		rec, ok, err := w.queue.popReady(ctx, w.clock.Now())
		if err != nil {
			w.logger.Warn("queue removal not persisted, deferring due records", zap.Error(err))
			return ran, err
		}
		if !ok {
			return ran, nil
		}
		w.dispatch(ctx, rec)
		ran++
	}
	return ran, nil
}

func (w *Worker) dispatch(ctx context.Context, rec Record) {
	log := w.logger.With(zap.String("kind", rec.Kind), zap.Uint64("seq", rec.Seq), zap.Time("due", rec.Due))
	fn, ok := w.handlers.Load(rec.Kind)
	if !ok {
		log.Warn("no handler bound, dropping record")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	if err := fn(ctx, rec); err != nil {
		log.Warn("callback failed", zap.Error(err))
		return
	}
	log.Debug("callback done")
}
