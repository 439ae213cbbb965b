// Package backup periodically flushes the documents and keeps timestamped
// snapshots of them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/renameio"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/store"
)

const stampLayout = "20060102T150405Z"

// Job snapshots a set of documents into dir, one subdirectory per run,
// keeping the newest keep runs. keep 0 keeps everything.
type Job struct {
	dir    string
	keep   int
	docs   []*store.Store
	clock  clock.Clock
	logger *zap.Logger
}

func New(dir string, keep int, clk clock.Clock, logger *zap.Logger, docs ...*store.Store) *Job {
	if clk == nil {
		clk = clock.New()
	}
	return &Job{dir: dir, keep: keep, docs: docs, clock: clk, logger: logger.Named("backup")}
}

// Run retries pending writes, then writes a snapshot of every document.
// A failed flush does not stop the snapshot; the in-memory state is what
// gets saved.
func (j *Job) Run(ctx context.Context) (string, error) {
	var errs []error
	for _, doc := range j.docs {
		if err := doc.Flush(ctx); err != nil {
			j.logger.Warn("flush failed", zap.String("document", doc.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}

	target := filepath.Join(j.dir, j.clock.Now().UTC().Format(stampLayout))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	for _, doc := range j.docs {
		payload, err := doc.Export()
		if err != nil {
			errs = append(errs, fmt.Errorf("export %s: %w", doc.Name(), err))
			continue
		}
		if err := renameio.WriteFile(filepath.Join(target, doc.Name()+".json"), payload, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write %s snapshot: %w", doc.Name(), err))
		}
	}
	if err := j.prune(); err != nil {
		errs = append(errs, err)
	}
	j.logger.Debug("snapshot written", zap.String("dir", target), zap.Int("documents", len(j.docs)))
	return target, errors.Join(errs...)
}

// Snapshots lists snapshot directories, oldest first.
func (j *Job) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(stampLayout, e.Name()); err != nil {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

func (j *Job) prune() error {
	if j.keep <= 0 {
		return nil
	}
	snaps, err := j.Snapshots()
	if err != nil {
		return err
	}
	for len(snaps) > j.keep {
		if err := os.RemoveAll(filepath.Join(j.dir, snaps[0])); err != nil {
			return fmt.Errorf("prune snapshot %s: %w", snaps[0], err)
		}
		snaps = snaps[1:]
	}
	return nil
}

// Schedule registers the job on a seconds-resolution cron. The caller
// starts and stops the returned scheduler.
func (j *Job) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(spec, func() {
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := j.Run(rctx); err != nil {
			j.logger.Warn("backup incomplete", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule backup %q: %w", spec, err)
	}
	return c, nil
}
