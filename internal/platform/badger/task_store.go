package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ICIJ/datashare-sub004/internal/config"
	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/ICIJ/datashare-sub004/internal/task"
	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// maxConflictRetries bounds the retries of an Update losing a write conflict.
const maxConflictRetries = 64

// TaskStore implements store.TaskStore using Badger.
type TaskStore struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ store.TaskStore = (*TaskStore)(nil)

// Open opens the database described by cfg, in memory when cfg.InMemory is set.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*TaskStore, error) {
	logger = logger.With("component", "badger_task_store")

	path := cfg.Path
	if cfg.InMemory {
		path = ""
	}
	opts := badger.DefaultOptions(path).
		WithInMemory(cfg.InMemory).
		WithLogger(slogBadgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	logger.Info("task store opened", "path", path, "in_memory", cfg.InMemory)
	return &TaskStore{db: db, logger: logger}, nil
}

// Put writes t, replacing any previous record with the same id.
func (s *TaskStore) Put(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(t)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(t.Key(), data)
	}); err != nil {
		return fmt.Errorf("failed to put task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns the record of id.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var t *task.Task
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		t, err = get(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Update applies fn to the record of id in a read-write transaction.
// The transaction is retried when a concurrent writer commits first.
func (s *TaskStore) Update(ctx context.Context, id string, fn store.UpdateFn) (*task.Task, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var updated *task.Task
		err := s.db.Update(func(txn *badger.Txn) error {
			t, err := get(txn, id)
			if err != nil {
				return err
			}
			if err := fn(t); err != nil {
				return err
			}
			data, err := encode(t)
			if err != nil {
				return err
			}
			updated = t
			return txn.Set(t.Key(), data)
		})
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries:
			s.logger.Debug("write conflict, retrying update", "task_id", id, "attempt", attempt+1)
		case errors.Is(err, badger.ErrConflict):
			return nil, fmt.Errorf("%w: task %s: %v", store.ErrTransactionFailed, id, err)
		default:
			return nil, err
		}
	}
}

// List scans every record and returns those matching filter, oldest first.
func (s *TaskStore) List(ctx context.Context, filter store.TaskFilter) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tasks := []*task.Task{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var t task.Task
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &t)
			}); err != nil {
				return store.NewStoreError("task", "list", "cannot decode "+string(item.Key()), err)
			}
			if filter.Matches(&t) {
				tasks = append(tasks, &t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Delete removes the record of id.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
			}
			return err
		}
		return txn.Delete([]byte(id))
	})
}

// Close closes the database.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

func get(txn *badger.Txn, id string) (*task.Task, error) {
	item, err := txn.Get([]byte(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
		}
		return nil, err
	}
	var t task.Task
	if err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &t)
	}); err != nil {
		return nil, store.NewStoreError("task", "get", "cannot decode "+id, err)
	}
	return &t, nil
}

func encode(t *task.Task) ([]byte, error) {
	data, err := msgpack.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	return data, nil
}
