package cache

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"tilecache/internal/tile"
)

// BadgerStore keeps tile blobs in an embedded BadgerDB keyed by the cache
// key string. Badger keeps no modification time, so Walk reports a zero
// time and the index falls back to key order for recency.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger adapts zap to BadgerDB's Logger interface.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

// OpenBadgerStore opens a database under dir, or an in-memory one when dir is
// empty.
func OpenBadgerStore(dir string, log *zap.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithSyncWrites(false).WithNumVersionsToKeep(1)
	if log != nil {
		opts = opts.WithLogger(&badgerLogger{log: log.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Read(key tile.Key) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key.String()))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	return data, err
}

func (s *BadgerStore) Write(key tile.Key, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key.String()), data)
	})
}

func (s *BadgerStore) Delete(key tile.Key) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key.String()))
	})
}

func (s *BadgerStore) Walk(fn func(key tile.Key, size int64, modTime time.Time) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key, err := tile.ParseKey(string(item.Key()))
			if err != nil {
				continue
			}
			if err := fn(key, item.ValueSize(), time.Time{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Clear() error {
	return s.db.DropAll()
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
