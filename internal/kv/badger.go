package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

// Options configures a badger-backed store.
type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory. Used by tests and ephemeral
	// buckets.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// Badger is a Store backed by BadgerDB.
type Badger struct {
	db *badger.DB
}

// Open opens (creating if needed) a badger database.
func Open(ctx context.Context, opts Options) (*Badger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("kv: data directory is required")
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{}).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Dir, err)
	}
	return &Badger{db: db}, nil
}

// OpenInMemory is shorthand for an in-memory store.
func OpenInMemory() (*Badger, error) {
	return Open(context.Background(), Options{InMemory: true})
}

// View runs fn in a read-only transaction.
func (b *Badger) View(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn, ctx: ctx})
	})
}

// Update runs fn in a read-write transaction, committing if fn returns nil.
func (b *Badger) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn, ctx: ctx})
	})
}

// Size returns the on-disk size of the LSM tree and value log.
func (b *Badger) Size() (lsm, vlog int64) {
	return b.db.Size()
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
	ctx context.Context
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t *badgerTxn) Delete(key []byte) error {
	return t.txn.Delete(key)
}

func (t *badgerTxn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	return t.iterate(opts, func(item *badger.Item) error {
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return fn(item.KeyCopy(nil), val)
	})
}

func (t *badgerTxn) ScanKeys(prefix []byte, fn func(key []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	return t.iterate(opts, func(item *badger.Item) error {
		return fn(item.KeyCopy(nil))
	})
}

func (t *badgerTxn) iterate(opts badger.IteratorOptions, fn func(*badger.Item) error) error {
	it := t.txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		if n%100 == 0 {
			if err := t.ctx.Err(); err != nil {
				return err
			}
		}
		n++
		if err := fn(it.Item()); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Info().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Debug().Str("component", "badger").Msgf(format, args...)
}
