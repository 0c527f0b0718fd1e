// Package kvstore provides the key-value backends behind the local
// continuity cache: an in-memory map, a Pebble database and a single-file
// SQLite database.
package kvstore

import "errors"

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a flat string-keyed byte store. Implementations are safe for
// concurrent use. Set overwrites; Remove of a missing key is not an error.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Close() error
}
