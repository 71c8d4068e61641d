// Package badgerstore keeps property snapshots in an embedded BadgerDB.
//
// Keys are "property/<id>". Values are the raw snapshot blobs.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roomsync/roomsync.go/pkg/logger"
	"github.com/roomsync/roomsync.go/pkg/store"
)

const keyPrefix = "property/"

type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool
	// SyncWrites fsyncs every save.
	SyncWrites bool
	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         logger.Logger
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type Store struct {
	db     *badger.DB
	log    logger.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

var _ store.Store = (*Store)(nil)

// badgerLogger routes badger's printf-style logs into a logger.Logger.
type badgerLogger struct {
	log logger.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, log: logger.OrNop(cfg.Logger)}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func key(propertyID string) []byte {
	return []byte(keyPrefix + propertyID)
}

func (s *Store) Load(ctx context.Context, propertyID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(propertyID))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, false, nil
	case errors.Is(err, badger.ErrDBClosed):
		return nil, false, store.ErrClosed
	case err != nil:
		return nil, false, fmt.Errorf("load %s: %w", propertyID, err)
	}
	return blob, true, nil
}

func (s *Store) Save(ctx context.Context, propertyID string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(propertyID), blob)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return store.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", propertyID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, propertyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(propertyID))
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return store.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", propertyID, err)
	}
	return nil
}

// PropertyIDs lists every property with a saved snapshot.
func (s *Store) PropertyIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids = append(ids, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(ratio)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.Warn("badger value log gc failed", "error", err)
					}
					break
				}
			}
		}
	}
}

func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}
