package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrPersistence marks a failed write to the durable backend. The in-memory
// document keeps the mutation and stays dirty until a later save succeeds.
var ErrPersistence = errors.New("persistence failure")

// Backend stores whole encoded documents by name.
type Backend interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, payload []byte) error
}

// Store is a named nested key-path document held in memory and rewritten to
// its backend on every mutation.
type Store struct {
	mu         sync.Mutex
	name       string
	backend    Backend
	logger     *zap.Logger
	migrations []Migration
	root       map[string]any
	dirty      bool
}

// Option customises Open.
type Option func(*Store)

// WithMigrations registers the ordered migrations for this document. The
// document version equals the number of migrations.
func WithMigrations(migrations ...Migration) Option {
	return func(s *Store) {
		s.migrations = append(s.migrations, migrations...)
	}
}

// Open loads the named document from the backend, applying pending migrations.
func Open(ctx context.Context, backend Backend, name string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("store %s: backend is required", name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		name:    name,
		backend: backend,
		logger:  logger.Named("store").With(zap.String("document", name)),
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := backend.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	root, from, err := decode(raw, s.migrations)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	s.root = root

	if len(raw) > 0 && from < len(s.migrations) {
		s.logger.Info("document migrated", zap.Int("from", from), zap.Int("to", len(s.migrations)))
		s.dirty = true
		if err := s.flushLocked(ctx); err != nil {
			s.logger.Warn("persist migrated document", zap.Error(err))
		}
	}
	return s, nil
}

// Name returns the document name.
func (s *Store) Name() string { return s.name }

// Load decodes the value at path into v. It reports false when nothing is stored there.
func (s *Store) Load(path string, v any) (bool, error) {
	s.mu.Lock()
	node, ok := lookup(s.root, splitPath(path))
	var (
		raw []byte
		err error
	)
	if ok {
		raw, err = json.Marshal(node)
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("encode %s/%s: %w", s.name, path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", s.name, path, err)
	}
	return true, nil
}

// Save stores v at path and synchronously rewrites the document. A returned
// error wrapping ErrPersistence means the value is kept in memory only.
func (s *Store) Save(ctx context.Context, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", s.name, path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = setPath(s.root, splitPath(path), json.RawMessage(raw))
	s.dirty = true
	return s.flushLocked(ctx)
}

// Delete removes the value at path and rewrites the document.
func (s *Store) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !deletePath(s.root, splitPath(path)) {
		return nil
	}
	s.dirty = true
	return s.flushLocked(ctx)
}

// Flush retries a pending write left behind by an earlier persistence failure.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.flushLocked(ctx)
}

// Dirty reports whether the in-memory document differs from the backend.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Export returns the encoded document as it would be written to the backend.
func (s *Store) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encode(s.root, len(s.migrations))
}

func (s *Store) flushLocked(ctx context.Context) error {
	payload, err := encode(s.root, len(s.migrations))
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.name, err)
	}
	if err := s.backend.Save(ctx, s.name, payload); err != nil {
		s.logger.Warn("document save failed, keeping in-memory state", zap.Error(err))
		return fmt.Errorf("%w: save %s: %w", ErrPersistence, s.name, err)
	}
	s.dirty = false
	return nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, ".")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func lookup(root map[string]any, parts []string) (any, bool) {
	if len(parts) == 0 {
		return root, true
	}
	var cur any = root
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(root map[string]any, parts []string, value json.RawMessage) map[string]any {
	if root == nil {
		root = map[string]any{}
	}
	if len(parts) == 0 {
		var replaced map[string]any
		if err := json.Unmarshal(value, &replaced); err == nil && replaced != nil {
			return replaced
		}
		return root
	}
	cur := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := asMap(cur[p])
		if !ok {
			next = map[string]any{}
		}
		cur[p] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return root
}

func deletePath(root map[string]any, parts []string) bool {
	if len(parts) == 0 {
		return false
	}
	cur := root
	for _, p := range parts[:len(parts)-1] {
		next, ok := asMap(cur[p])
		if !ok {
			return false
		}
		cur[p] = next
		cur = next
	}
	last := parts[len(parts)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}

// asMap returns branch nodes, decoding raw leaves that hold JSON objects so
// nested paths can be addressed after a leaf was written as a whole.
func asMap(node any) (map[string]any, bool) {
	switch n := node.(type) {
	case map[string]any:
		return n, true
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(n, &m); err != nil || m == nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}
