package pidb

import (
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Store is the persistent base store that holds batches and filters.
type Store interface {
	// CreateNamespace opens or creates a namespace.
	CreateNamespace(name string, o *NamespaceOptions) (Namespace, error)
	// Close closes all namespaces and releases the store.
	Close() error
}

// Namespace is a named key space of a Store.
type Namespace interface {
	// Name returns the namespace name.
	Name() string
	// Put stores a value.
	Put(key, value []byte) error
	// Get retrieves a value. It may return an ErrNotFound error.
	Get(key []byte) ([]byte, error)
	// NewIterator returns a cursor over the namespace in key order.
	// The cursor must be released after use.
	NewIterator() Cursor
}

// Cursor iterates over the keys of a namespace.
type Cursor interface {
	// Seek positions the cursor at the first key >= key.
	Seek(key []byte)
	// Valid returns true if the cursor is positioned at an entry.
	Valid() bool
	// Key returns the current key. Keys are only valid until the next cursor move.
	Key() []byte
	// Value returns the current value. Values are only valid until the next cursor move.
	Value() []byte
	// Next advances the cursor.
	Next()
	// Err exposes iteration errors, if any.
	Err() error
	// Release releases the cursor.
	Release()
}

// Supported store engines.
const (
	EngineLevelDB = "leveldb"
	EngineBadger  = "badger"
)

// OpenStore opens a store with the configured engine.
func OpenStore(engine, dir string, logger logrus.FieldLogger) (Store, error) {
	switch engine {
	case "", EngineLevelDB:
		return newLevelDBStore(dir, logger), nil
	case EngineBadger:
		if dir == "" {
			return nil, configError("badger engine requires a directory")
		}
		return newBadgerStore(dir, logger), nil
	}
	return nil, configError("unknown engine %q", engine)
}

func validateNamespaceName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\r\n"+string(filepath.Separator)) {
		return configError("invalid table name %q", name)
	}
	return nil
}
