// Package kvstore provides the durable key/value store the plan queue
// service persists its queue, history, and running-item slot to. It exposes
// named ordered lists (read whole, length, replace whole) and plain string
// values, backed by an embedded BadgerDB instance via BadgerHold — the same
// storage dependency the teacher repository uses for its internal store.
package kvstore

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// Store is the durable KV store contract the plan queue service relies on.
// Every method is safe for concurrent use; callers above (the plan queue
// service) still serialize logical read-modify-write sequences themselves,
// since a single operation here does not span a multi-step invariant.
type Store interface {
	// ListAll returns a copy of the named list in order, front to back.
	ListAll(ctx context.Context, list string) ([]string, error)
	// ListLen returns the number of entries in the named list.
	ListLen(ctx context.Context, list string) (int, error)
	// ListReplace atomically overwrites the named list with values.
	ListReplace(ctx context.Context, list string, values []string) error

	// Get returns the string value stored under key, or "" if unset.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key if present; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying database handle.
	Close() error
}

// listRecord is the BadgerHold document backing one named ordered list.
type listRecord struct {
	Name  string `badgerhold:"key"`
	Items []string
}

// kvRecord is the BadgerHold document backing one named string value.
type kvRecord struct {
	Key   string `badgerhold:"key"`
	Value string
}

// badgerStore implements Store over an embedded BadgerHold database.
type badgerStore struct {
	db     *badgerhold.Store
	logger *common.Logger
	mu     sync.Mutex // guards read-modify-write of listRecord documents
}

// Open creates or opens the durable store at path.
func Open(logger *common.Logger, path string) (Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create kv store directory %s: %w", path, err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil

	db, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store at %s: %w", path, err)
	}

	logger.Debug().Str("path", path).Msg("kv store opened")
	return &badgerStore{db: db, logger: logger}, nil
}

func (s *badgerStore) getList(list string) ([]string, error) {
	var rec listRecord
	err := s.db.Get(list, &rec)
	if err == badgerhold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read list %q: %w", list, err)
	}
	return rec.Items, nil
}

func (s *badgerStore) ListAll(_ context.Context, list string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.getList(list)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), items...), nil
}

func (s *badgerStore) ListLen(_ context.Context, list string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.getList(list)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (s *badgerStore) ListReplace(_ context.Context, list string, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := listRecord{Name: list, Items: append([]string(nil), values...)}
	if err := s.db.Upsert(list, &rec); err != nil {
		return fmt.Errorf("failed to write list %q: %w", list, err)
	}
	return nil
}

func (s *badgerStore) Get(_ context.Context, key string) (string, error) {
	var rec kvRecord
	err := s.db.Get(key, &rec)
	if err == badgerhold.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return rec.Value, nil
}

func (s *badgerStore) Set(_ context.Context, key, value string) error {
	rec := kvRecord{Key: key, Value: value}
	if err := s.db.Upsert(key, &rec); err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

func (s *badgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Delete(key, kvRecord{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

func (s *badgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
