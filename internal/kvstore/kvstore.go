// Package kvstore provides the persistent string slots the history snapshot is
// written to. It plays the role browser local storage plays for a web page: a
// synchronous get/set/remove API over string keys.
package kvstore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned when the backing storage cannot be used.
var ErrUnavailable = errors.New("storage unavailable")

// Store is a synchronous key-value store of strings.
type Store interface {
	// Get returns the value under key. ok is false when the key is missing.
	Get(key string) (value string, ok bool, err error)
	// Set stores value under key, replacing any previous value.
	Set(key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the store for the given backend. path is a directory for the
// file backend and a database file for the sqlite backend.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s (valid: memory, file, sqlite)", backend)
	}
}

// Close closes s when it holds resources.
func Close(s Store) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
