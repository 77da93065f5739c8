// Package storage defines the ordered key-value backends that the tabular
// provider is built on, and implements three of them: Bolt (the default),
// SQLite and a transient in-memory store.
//
// A backend exposes buckets (sorted key-value collections) addressed by a
// root name and an optional nested name. Keys are compared bytewise.
package storage

import (
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrBucketNotFound is returned by Tx.DeleteBucket when the bucket doesn't exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrStoreFull is returned by Tx.Commit when the store would grow past Options.MaxSize.
	ErrStoreFull = errors.New("store is full")

	// ErrTxNotWritable is returned when mutating inside a read-only transaction.
	ErrTxNotWritable = errors.New("tx not writable")

	ErrClosed = errors.New("storage closed")
)

// Storage represents a key-value storage backend.
type Storage interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (Tx, error)
	// Close closes the storage.
	Close() error
}

// Tx represents a storage transaction.
type Tx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns a bucket. Use sub="" for a root bucket, non-empty for a nested bucket.
	// Returns nil if the bucket doesn't exist.
	Bucket(name, sub string) Bucket

	// CreateBucket creates a bucket if it doesn't exist.
	// For sub != "", it must also ensure the root bucket exists.
	CreateBucket(name, sub string) (Bucket, error)

	// DeleteBucket deletes a nested bucket (sub must be non-empty).
	DeleteBucket(name, sub string) error

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times.
	// A recorded Err is returned again.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown / not applicable).
	Size() int64

	// Err returns the first failure that a Get, cursor move or Bucket lookup
	// could not report directly, or nil.
	Err() error
}

// Bucket represents a sorted key-value collection.
type Bucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) []byte

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// Cursor returns a cursor for iteration.
	Cursor() Cursor

	// Stats returns storage-specific bucket statistics.
	// Backends that don't track allocation sizes may return zero values except KeyN.
	Stats() BucketStats

	// KeyCount returns the number of keys in the bucket (best effort).
	KeyCount() int
}

type BucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s BucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// Cursor iterates over a sorted bucket.
type Cursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Last moves to the last key-value pair.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// SeekLast moves to the last key that has the given prefix, or to the
	// last key before where such a key would be.
	SeekLast(prefix []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Prev moves to the previous key-value pair.
	Prev() (key, value []byte)

	// Delete deletes the current key-value pair.
	Delete() error
}

// Engine names a backend implementation.
type Engine string

const (
	EngineBolt   Engine = "bolt"
	EngineSQLite Engine = "sqlite"
	EngineMemory Engine = "memory"
)

// DefaultMaxSize is the default store size cap, 4091 MiB.
const DefaultMaxSize = 4091 << 20

type Options struct {
	// MaxSize caps the size of the store file. Zero means DefaultMaxSize,
	// a negative value disables the cap.
	MaxSize int64

	// NoSync skips fsync on commit. Only suitable for tests.
	NoSync bool

	// InitialMmapSize is passed to Bolt.
	InitialMmapSize int

	// Timeout bounds the wait for the file lock.
	Timeout time.Duration
}

func (o Options) maxSize() int64 {
	if o.MaxSize == 0 {
		return DefaultMaxSize
	}
	return o.MaxSize
}

// Open opens (or, if create is true, creates) a store of the given engine.
// The memory engine ignores the path.
func Open(engine Engine, path string, create bool, opt Options) (Storage, error) {
	switch engine {
	case EngineBolt, "":
		return OpenBolt(path, create, opt)
	case EngineSQLite:
		return OpenSQLite(path, create, opt)
	case EngineMemory:
		return NewMemory(opt), nil
	default:
		return nil, fmt.Errorf("storage: unknown engine %q", engine)
	}
}

// Exists reports whether a store file exists at path.
func Exists(engine Engine, path string) (bool, error) {
	if engine == EngineMemory {
		return false, nil
	}
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if fi.IsDir() {
		return false, fmt.Errorf("storage: %s is a directory", path)
	}
	return true, nil
}
