package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

type boltStorage struct {
	bdb     *bbolt.DB
	maxSize int64
}

// OpenBolt opens a Bolt store. Unless create is set, the file must already exist.
func OpenBolt(path string, create bool, opt Options) (Storage, error) {
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("bolt: %w", err)
		}
	}

	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.Timeout != 0 {
		bopt.Timeout = opt.Timeout
	}
	if opt.NoSync {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.InitialMmapSize != 0 {
		bopt.InitialMmapSize = opt.InitialMmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("bolt: %w", err)
	}
	return &boltStorage{bdb: bdb, maxSize: opt.maxSize()}, nil
}

func (s *boltStorage) BeginTx(writable bool) (Tx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return &boltTx{btx: btx, maxSize: s.maxSize}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltTx struct {
	btx     *bbolt.Tx
	maxSize int64
	written int64 // key and value bytes put by this tx
}

func (tx *boltTx) BoltTx() *bbolt.Tx { return tx.btx }

func (tx *boltTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltTx) Bucket(name, sub string) Bucket {
	root := tx.btx.Bucket(unsafeBytesFromString(name))
	if root == nil {
		return nil
	}
	if sub == "" {
		return boltBucket{tx: tx, b: root}
	}
	leaf := root.Bucket(unsafeBytesFromString(sub))
	if leaf == nil {
		return nil
	}
	return boltBucket{tx: tx, b: leaf}
}

func (tx *boltTx) CreateBucket(name, sub string) (Bucket, error) {
	root, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, translateBoltErr(err)
	}
	if sub == "" {
		return boltBucket{tx: tx, b: root}, nil
	}
	leaf, err := root.CreateBucketIfNotExists([]byte(sub))
	if err != nil {
		return nil, translateBoltErr(err)
	}
	return boltBucket{tx: tx, b: leaf}, nil
}

func (tx *boltTx) DeleteBucket(name, sub string) error {
	if sub == "" {
		return ErrBucketNotFound
	}
	root := tx.btx.Bucket(unsafeBytesFromString(name))
	if root == nil {
		return ErrBucketNotFound
	}
	return translateBoltErr(root.DeleteBucket(unsafeBytesFromString(sub)))
}

// Commit refuses to commit when the current file size plus the bytes put by
// this transaction would exceed the cap. Bolt only allocates pages during
// Commit, so the growth has to be estimated beforehand.
func (tx *boltTx) Commit() error {
	if tx.maxSize > 0 && tx.btx.Writable() {
		if size := tx.btx.Size() + tx.written; size > tx.maxSize {
			_ = tx.btx.Rollback()
			return fmt.Errorf("%w: %d bytes, limit %d", ErrStoreFull, size, tx.maxSize)
		}
	}
	return translateBoltErr(tx.btx.Commit())
}

func (tx *boltTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

func (tx *boltTx) Size() int64 { return tx.btx.Size() }

func (tx *boltTx) Err() error { return nil }

func translateBoltErr(err error) error {
	switch err {
	case bbolt.ErrBucketNotFound:
		return ErrBucketNotFound
	case bbolt.ErrTxNotWritable:
		return ErrTxNotWritable
	default:
		return err
	}
}

type boltBucket struct {
	tx *boltTx
	b  *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte { return b.b.Get(key) }

func (b boltBucket) Put(key, value []byte) error {
	if err := b.b.Put(key, value); err != nil {
		return translateBoltErr(err)
	}
	b.tx.written += int64(len(key) + len(value))
	return nil
}

func (b boltBucket) Delete(key []byte) error { return translateBoltErr(b.b.Delete(key)) }

func (b boltBucket) Cursor() Cursor { return boltCursor{c: b.b.Cursor()} }

func (b boltBucket) Stats() BucketStats {
	s := b.b.Stats()
	return BucketStats{
		KeyN:        s.KeyN,
		LeafInuse:   int64(s.LeafInuse),
		LeafAlloc:   int64(s.LeafAlloc),
		BranchAlloc: int64(s.BranchAlloc),
	}
}

func (b boltBucket) KeyCount() int { return b.b.Stats().KeyN }

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Last() ([]byte, []byte) { return c.c.Last() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c boltCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.c.Last()
	}

	if limit, ok := prefixSuccessor(prefix); ok {
		k, _ := c.c.Seek(limit)
		if k == nil {
			return c.c.Last()
		}
		return c.c.Prev()
	}

	// All-0xFF prefix: fall back to linear scan.
	k, _ := c.c.Seek(prefix)
	if k == nil {
		return c.c.Last()
	}
	for k != nil && bytes.HasPrefix(k, prefix) {
		k, _ = c.c.Next()
	}
	if k == nil {
		return c.c.Last()
	}
	return c.c.Prev()
}

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Prev() ([]byte, []byte) { return c.c.Prev() }

func (c boltCursor) Delete() error { return translateBoltErr(c.c.Delete()) }

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// prefixSuccessor returns the smallest key greater than every key having the
// given prefix. It returns false for an all-0xFF prefix.
func prefixSuccessor(prefix []byte) ([]byte, bool) {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			limit := append([]byte(nil), prefix[:i+1]...)
			limit[i]++
			return limit, true
		}
	}
	return nil, false
}
