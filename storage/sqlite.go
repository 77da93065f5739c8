package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqlitePageSize = 4096

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buckets (
	name TEXT NOT NULL PRIMARY KEY
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS kv (
	bucket TEXT NOT NULL,
	k BLOB NOT NULL,
	v BLOB NOT NULL,
	PRIMARY KEY (bucket, k)
) WITHOUT ROWID;
`

type sqliteStorage struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite-backed store. All buckets live in a single kv
// table keyed by (bucket, key); SQLite compares BLOBs bytewise, so cursors
// see the same key order as Bolt.
//
// The store uses a single connection, so a read transaction must not be open
// while beginning another one from the same goroutine.
func OpenSQLite(path string, create bool, opt Options) (Storage, error) {
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", buildSQLiteDSN(path, opt))
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	// Pragmas are per-connection; keep exactly one connection alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to initialize schema: %w", translateSQLiteErr(err))
	}
	return &sqliteStorage{db: db}, nil
}

func buildSQLiteDSN(path string, opt Options) string {
	timeout := 10 * time.Second
	if opt.Timeout != 0 {
		timeout = opt.Timeout
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("page_size(%d)", sqlitePageSize))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", timeout.Milliseconds()))
	if opt.NoSync {
		q.Add("_pragma", "synchronous(OFF)")
	} else {
		q.Add("_pragma", "synchronous(FULL)")
	}
	if max := opt.maxSize(); max > 0 {
		q.Add("_pragma", fmt.Sprintf("max_page_count(%d)", max/sqlitePageSize))
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func (s *sqliteStorage) BeginTx(writable bool) (Tx, error) {
	stx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: !writable})
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed" {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("sqlite: begin: %w", translateSQLiteErr(err))
	}
	return &sqliteTx{stx: stx, writable: writable}, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

// sqliteTx remembers the first query failure; Get and cursor moves cannot
// report errors, so Err, Commit and Rollback return it instead.
type sqliteTx struct {
	stx      *sql.Tx
	writable bool
	closed   bool
	err      error
}

func (tx *sqliteTx) Writable() bool { return tx.writable }

func (tx *sqliteTx) Err() error { return tx.err }

func (tx *sqliteTx) fail(err error) {
	if tx.err == nil && err != nil {
		tx.err = translateSQLiteErr(err)
	}
}

func (tx *sqliteTx) hasBucket(key string) bool {
	var one int
	err := tx.stx.QueryRow(`SELECT 1 FROM buckets WHERE name = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	} else if err != nil {
		tx.fail(err)
		return false
	}
	return true
}

func (tx *sqliteTx) Bucket(name, sub string) Bucket {
	if tx.closed {
		panic("tx is closed")
	}
	key := memBucketKey(name, sub)
	if !tx.hasBucket(key) {
		return nil
	}
	return &sqliteBucket{tx: tx, name: key}
}

func (tx *sqliteTx) CreateBucket(name, sub string) (Bucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, ErrTxNotWritable
	}
	for _, key := range []string{memBucketKey(name, ""), memBucketKey(name, sub)} {
		if _, err := tx.stx.Exec(`INSERT OR IGNORE INTO buckets (name) VALUES (?)`, key); err != nil {
			return nil, translateSQLiteErr(err)
		}
	}
	return &sqliteBucket{tx: tx, name: memBucketKey(name, sub)}, nil
}

func (tx *sqliteTx) DeleteBucket(name, sub string) error {
	if !tx.writable {
		return ErrTxNotWritable
	}
	if sub == "" {
		return ErrBucketNotFound
	}
	key := memBucketKey(name, sub)
	res, err := tx.stx.Exec(`DELETE FROM buckets WHERE name = ?`, key)
	if err != nil {
		return translateSQLiteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBucketNotFound
	}
	if _, err := tx.stx.Exec(`DELETE FROM kv WHERE bucket = ?`, key); err != nil {
		return translateSQLiteErr(err)
	}
	return nil
}

func (tx *sqliteTx) Commit() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	if tx.err != nil {
		_ = tx.stx.Rollback()
		return tx.err
	}
	if !tx.writable {
		_ = tx.stx.Rollback()
		return ErrTxNotWritable
	}
	return translateSQLiteErr(tx.stx.Commit())
}

func (tx *sqliteTx) Rollback() error {
	if tx.closed {
		return tx.err
	}
	tx.closed = true
	err := tx.stx.Rollback()
	if tx.err != nil {
		return tx.err
	}
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (tx *sqliteTx) Size() int64 {
	var pages int64
	if err := tx.stx.QueryRow(`PRAGMA page_count`).Scan(&pages); err != nil {
		tx.fail(err)
		return 0
	}
	return pages * sqlitePageSize
}

func translateSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code()&0xFF == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %v", ErrStoreFull, err)
	}
	return err
}

type sqliteBucket struct {
	tx   *sqliteTx
	name string
}

func (b *sqliteBucket) Get(key []byte) []byte {
	var v []byte
	err := b.tx.stx.QueryRow(`SELECT v FROM kv WHERE bucket = ? AND k = ?`, b.name, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	} else if err != nil {
		b.tx.fail(err)
		return nil
	}
	if v == nil {
		v = []byte{}
	}
	return v
}

func (b *sqliteBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return ErrTxNotWritable
	}
	if value == nil {
		value = []byte{}
	}
	_, err := b.tx.stx.Exec(`INSERT OR REPLACE INTO kv (bucket, k, v) VALUES (?, ?, ?)`, b.name, key, value)
	return translateSQLiteErr(err)
}

func (b *sqliteBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return ErrTxNotWritable
	}
	_, err := b.tx.stx.Exec(`DELETE FROM kv WHERE bucket = ? AND k = ?`, b.name, key)
	return translateSQLiteErr(err)
}

func (b *sqliteBucket) Cursor() Cursor {
	return &sqliteCursor{b: b}
}

func (b *sqliteBucket) Stats() BucketStats {
	var n, inuse sql.NullInt64
	err := b.tx.stx.QueryRow(`SELECT COUNT(*), SUM(LENGTH(k) + LENGTH(v)) FROM kv WHERE bucket = ?`, b.name).Scan(&n, &inuse)
	if err != nil {
		b.tx.fail(err)
		return BucketStats{}
	}
	return BucketStats{
		KeyN:      int(n.Int64),
		LeafInuse: inuse.Int64,
		LeafAlloc: inuse.Int64,
	}
}

func (b *sqliteBucket) KeyCount() int {
	var n int
	if err := b.tx.stx.QueryRow(`SELECT COUNT(*) FROM kv WHERE bucket = ?`, b.name).Scan(&n); err != nil {
		b.tx.fail(err)
		return 0
	}
	return n
}

// sqliteCursor re-queries on every move, positioned by the current key.
type sqliteCursor struct {
	b     *sqliteBucket
	key   []byte
	valid bool
}

func (c *sqliteCursor) load(query string, args ...any) ([]byte, []byte) {
	var k, v []byte
	err := c.b.tx.stx.QueryRow(query, args...).Scan(&k, &v)
	if errors.Is(err, sql.ErrNoRows) {
		c.valid = false
		return nil, nil
	} else if err != nil {
		c.b.tx.fail(err)
		c.valid = false
		return nil, nil
	}
	if v == nil {
		v = []byte{}
	}
	c.key, c.valid = k, true
	return k, v
}

func (c *sqliteCursor) First() ([]byte, []byte) {
	return c.load(`SELECT k, v FROM kv WHERE bucket = ? ORDER BY k LIMIT 1`, c.b.name)
}

func (c *sqliteCursor) Last() ([]byte, []byte) {
	return c.load(`SELECT k, v FROM kv WHERE bucket = ? ORDER BY k DESC LIMIT 1`, c.b.name)
}

func (c *sqliteCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.load(`SELECT k, v FROM kv WHERE bucket = ? AND k >= ? ORDER BY k LIMIT 1`, c.b.name, nonNil(seek))
}

func (c *sqliteCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	limit, ok := prefixSuccessor(prefix)
	if !ok {
		return c.Last()
	}
	return c.load(`SELECT k, v FROM kv WHERE bucket = ? AND k < ? ORDER BY k DESC LIMIT 1`, c.b.name, limit)
}

func (c *sqliteCursor) Next() ([]byte, []byte) {
	if !c.valid {
		if c.key == nil {
			return c.First()
		}
		return nil, nil
	}
	return c.load(`SELECT k, v FROM kv WHERE bucket = ? AND k > ? ORDER BY k LIMIT 1`, c.b.name, c.key)
}

func (c *sqliteCursor) Prev() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	return c.load(`SELECT k, v FROM kv WHERE bucket = ? AND k < ? ORDER BY k DESC LIMIT 1`, c.b.name, c.key)
}

// Delete removes the current pair. The cursor keeps its position, so Next
// moves to the key following the deleted one.
func (c *sqliteCursor) Delete() error {
	if !c.b.tx.writable {
		return ErrTxNotWritable
	}
	if !c.valid {
		return nil
	}
	_, err := c.b.tx.stx.Exec(`DELETE FROM kv WHERE bucket = ? AND k = ?`, c.b.name, c.key)
	return translateSQLiteErr(err)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
