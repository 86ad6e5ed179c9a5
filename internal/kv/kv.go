// Package kv is the durable byte store the bucket is built on: get, set
// and delete of arbitrary keys plus ordered prefix scans, grouped into
// read-only or read-write transactions.
package kv

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Txn.Get when the key is absent.
var ErrKeyNotFound = errors.New("kv: key not found")

// ErrStopScan may be returned from a scan callback to end the scan early
// without an error.
var ErrStopScan = errors.New("kv: stop scan")

// Txn is a consistent view of the store. Writes made through an update
// transaction become visible atomically when the transaction commits.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error

	// Scan calls fn for each key with the given prefix in ascending key
	// order. Key and value slices are owned by fn.
	Scan(prefix []byte, fn func(key, value []byte) error) error

	// ScanKeys is Scan without loading values.
	ScanKeys(prefix []byte, fn func(key []byte) error) error
}

// Store opens transactions. An update function that returns an error
// leaves the store unchanged.
type Store interface {
	View(ctx context.Context, fn func(Txn) error) error
	Update(ctx context.Context, fn func(Txn) error) error
	Close() error
}

// Exists reports whether key is present.
func Exists(txn Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}
