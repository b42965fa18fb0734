// Package store keeps a local ledger of submitted fault tasks so that a
// later teardown knows each task's category without guessing it from the
// task description.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/eniac111/faultops/internal/types"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("task record not found")

const keyPrefix = "task:"

// TaskRecord is one submitted task.
type TaskRecord struct {
	ID        string         `json:"id"`
	Category  types.Category `json:"category"`
	Subtype   string         `json:"subtype"`
	Target    string         `json:"target"`
	ParentID  string         `json:"parentId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists task records.
type Store interface {
	Put(ctx context.Context, rec TaskRecord) error
	Get(ctx context.Context, id string) (TaskRecord, error)
	List(ctx context.Context) ([]TaskRecord, error)
	Delete(ctx context.Context, ids ...string) error
	Close() error
}

// Config selects where the ledger lives.
type Config struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// Enabled reports whether a ledger is configured at all.
func (c Config) Enabled() bool { return c.InMemory || c.Path != "" }

// BadgerStore implements Store on Badger.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger routes Badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, args ...interface{})   { l.s.Errorf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...interface{}) { l.s.Warnf(f, args...) }
func (l badgerLogger) Infof(f string, args ...interface{})    { l.s.Debugf(f, args...) }
func (l badgerLogger) Debugf(f string, args ...interface{})   { l.s.Debugf(f, args...) }

// Open opens the ledger described by cfg.
func Open(cfg Config, logger *zap.Logger) (*BadgerStore, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path != "":
		path := filepath.Clean(cfg.Path)
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("creating ledger directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithValueLogFileSize(1 << 20)
	default:
		return nil, errors.New("ledger path is required unless in_memory is set")
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{s: logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

func (s *BadgerStore) Put(_ context.Context, rec TaskRecord) error {
	if rec.ID == "" {
		return errors.New("task record without id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.ID), data)
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (TaskRecord, error) {
	var out TaskRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	return out, err
}

// List returns every record, oldest first.
func (s *BadgerStore) List(_ context.Context) ([]TaskRecord, error) {
	var out []TaskRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec TaskRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes records. Unknown ids are ignored.
func (s *BadgerStore) Delete(_ context.Context, ids ...string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(key(id)); err != nil {
				return err
			}
		}
		return nil
	})
}
