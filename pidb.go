package pidb

import (
	"fmt"

	"github.com/pkg/errors"
)

// DefaultTable is the name of the namespace that holds batch filters,
// group filters and group member lists. It is always listed in the manifest.
const DefaultTable = "default"

const (
	blockNoCompression     = 0
	blockSnappyCompression = 1
)

// ErrNotFound is returned by lookups when a key cannot be found.
var ErrNotFound = errors.New("pidb: not found")

// ErrCorruption is returned when stored bytes fail to decode into a
// consistent structure.
var ErrCorruption = errors.New("pidb: corruption")

// ErrConfig is returned for malformed or missing configuration and for
// violations of the configured key/field width contract.
var ErrConfig = errors.New("pidb: bad config")

// ErrClosed is returned when the DB is used before Init or after the final Close.
var ErrClosed = errors.New("pidb: is closed")

var (
	errBadCompression = errors.Wrap(ErrCorruption, "bad compression codec")
	errFilterFinished = errors.New("pidb: filter is finished")
)

// StorageError wraps a failure of the underlying base store.
type StorageError struct {
	Op        string // the failed operation, e.g. "put"
	Namespace string // the namespace the operation targeted
	Err       error  // the base store error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("pidb: %s %s: %v", e.Op, e.Namespace, e.Err)
}

// Unwrap returns the base store error.
func (e *StorageError) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors causer interface.
func (e *StorageError) Cause() error { return e.Err }

func storageError(op, namespace string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Namespace: namespace, Err: err}
}

func configError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfig, format, args...)
}

func corruptionError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruption, format, args...)
}

// --------------------------------------------------------------------

// Compression is the compression codec applied to stored batch payloads.
type Compression byte

func (c Compression) isValid() bool {
	return c >= SnappyCompression && c < unknownCompression
}

// Supported compression codecs
const (
	SnappyCompression Compression = iota
	NoCompression
	unknownCompression
)

// Stats are cumulative engine counters.
type Stats struct {
	Inserts         uint64 // accepted inserts
	BatchesFlushed  uint64 // batches written to the base store
	GroupsFinalized uint64 // groups whose aggregate filter was persisted
	Tables          int    // known tables, including DefaultTable
	BatchesFetched  uint64 // batch payloads fetched by lookups
	FalsePositives  uint64 // fetched batches without a matching record
}
