package provider

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/andreyvit/tabdb/storage"
	"github.com/vmihailenco/msgpack/v5"
)

type Options struct {
	Logger *slog.Logger
}

// KVSession implements Session over a storage backend. It is not safe for
// concurrent use.
type KVSession struct {
	st     storage.Storage
	logger *slog.Logger
	tx     *kvTransaction
	inUse  map[string]int
	closed bool
}

var _ Session = (*KVSession)(nil)

// NewKVSession takes ownership of st; Close closes it.
func NewKVSession(st storage.Storage, opt Options) *KVSession {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KVSession{
		st:     st,
		logger: logger,
		inUse:  make(map[string]int),
	}
}

type catalogEntry struct {
	Created time.Time `msgpack:"t"`
}

func (s *KVSession) view(f func(stx storage.Tx) error) error {
	return s.run(false, f)
}

func (s *KVSession) update(f func(stx storage.Tx) error) error {
	return s.run(true, f)
}

func (s *KVSession) run(writable bool, f func(stx storage.Tx) error) error {
	if s.closed {
		return ErrClosed
	}
	if s.tx != nil {
		return checkTx(s.tx.stx, f(s.tx.stx))
	}
	stx, err := s.st.BeginTx(writable)
	if err != nil {
		return wrapStorageErr(err)
	}
	defer stx.Rollback()
	if err := checkTx(stx, f(stx)); err != nil {
		return err
	}
	if writable {
		return wrapStorageErr(stx.Commit())
	}
	return nil
}

// checkTx returns the storage failure recorded by stx, if any, in place of
// err. A failed lookup reaches the callback as a missing key.
func checkTx(stx storage.Tx, err error) error {
	if serr := stx.Err(); serr != nil {
		return wrapStorageErr(serr)
	}
	return err
}

func (s *KVSession) OpenTable(name string) (*TableDef, error) {
	var def *TableDef
	err := s.view(func(stx storage.Tx) error {
		ts, err := loadTableState(stx, name)
		if err != nil {
			return err
		}
		def = ts.def()
		return nil
	})
	return def, err
}

func (s *KVSession) CreateTable(def *TableDef) error {
	if err := validateTableDef(def); err != nil {
		return err
	}
	return s.update(func(stx storage.Tx) error {
		if cat := stx.Bucket(catalogBucket, ""); cat != nil && cat.Get([]byte(def.Name)) != nil {
			return errorf(CodeTableExists, nil, "table %q already exists", def.Name)
		}
		if stx.Bucket(def.Name, "") != nil {
			return errorf(CodeTableExists, nil, "table %q already exists", def.Name)
		}

		now := time.Now().UTC()
		ts := &tableState{
			Name:          def.Name,
			Columns:       append([]ColumnDef(nil), def.Columns...),
			NextBookmark:  1,
			AutoIncrement: make(map[string]uint32),
			Created:       now,
		}
		if _, err := stx.CreateBucket(def.Name, dataBucket); err != nil {
			return wrapStorageErr(err)
		}
		for _, idx := range def.Indexes {
			is, err := ts.addIndex(cloneIndexDef(idx))
			if err != nil {
				return err
			}
			if _, err := stx.CreateBucket(def.Name, is.bucket()); err != nil {
				return wrapStorageErr(err)
			}
		}
		if err := ts.save(stx); err != nil {
			return err
		}

		cat, err := stx.CreateBucket(catalogBucket, "")
		if err != nil {
			return wrapStorageErr(err)
		}
		raw, err := msgpack.Marshal(&catalogEntry{Created: now})
		if err != nil {
			return errorf(CodeStorage, err, "failed to encode catalog entry")
		}
		if err := cat.Put([]byte(def.Name), raw); err != nil {
			return wrapStorageErr(err)
		}
		s.logger.Debug("provider: created table", "table", def.Name, "columns", len(def.Columns), "indexes", len(def.Indexes))
		return nil
	})
}

func cloneIndexDef(idx IndexDef) IndexDef {
	idx.Columns = append([]string(nil), idx.Columns...)
	return idx
}

func (s *KVSession) CreateIndex(table string, def IndexDef) error {
	if n := s.inUse[strings.ToLower(table)]; n > 0 {
		return errorf(CodeTableInUse, nil, "%s: %d rowsets open", table, n)
	}
	return s.update(func(stx storage.Tx) error {
		ts, err := loadTableState(stx, table)
		if err != nil {
			return err
		}
		if ts.indexNamed(def.Name) != nil {
			return errorf(CodeIndexExists, nil, "%s: index %q already exists", table, def.Name)
		}
		if err := validateIndexDef(ts.def(), def); err != nil {
			return err
		}
		is, err := ts.addIndex(cloneIndexDef(def))
		if err != nil {
			return err
		}
		if _, err := stx.CreateBucket(ts.Name, is.bucket()); err != nil {
			return wrapStorageErr(err)
		}
		if err := s.populateIndex(stx, ts, is); err != nil {
			return err
		}
		return ts.save(stx)
	})
}

// populateIndex adds every existing row to a new index, rewriting the rows
// so that their index key sections include it.
func (s *KVSession) populateIndex(stx storage.Tx, ts *tableState, is *indexState) error {
	start := time.Now()
	data := stx.Bucket(ts.Name, dataBucket)
	if data == nil {
		return errorf(CodeCorrupt, nil, "%s: missing data bucket", ts.Name)
	}

	type pending struct {
		bm  Bookmark
		rec record
	}
	var rows []pending
	c := data.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		bm, ok := decodeBookmarkKey(k)
		if !ok {
			return errorf(CodeCorrupt, dataErrf(k, 0, nil, "invalid bookmark"), "%s", ts.Name)
		}
		var rec record
		if err := rec.decode(bytes.Clone(v)); err != nil {
			return errorf(CodeCorrupt, err, "%s/%d", ts.Name, bm)
		}
		rows = append(rows, pending{bm, rec})
	}

	for _, row := range rows {
		vals, err := row.rec.values(ts.Columns)
		if err != nil {
			return errorf(CodeCorrupt, err, "%s/%d", ts.Name, row.bm)
		}
		if err := s.writeRow(stx, ts, row.bm, row.rec.Index, vals, row.rec.ModCount); err != nil {
			return err
		}
	}
	if len(rows) > 0 {
		s.logger.Info("provider: populated index", "table", ts.Name, "index", is.Name, "rows", len(rows), "ms", time.Since(start).Milliseconds())
	}
	return nil
}

// writeRow checks unique indexes, then replaces the row's index entries and
// record. oldIndex is the index section of the previous record, if any.
func (s *KVSession) writeRow(stx storage.Tx, ts *tableState, bm Bookmark, oldIndex []byte, vals rowValues, modCount uint64) error {
	for i, col := range ts.Columns {
		if vals[i] == nil && !col.Nullable {
			return errorf(CodeNullViolation, nil, "%s.%s: column is not nullable", ts.Name, col.Name)
		}
	}

	rows := make(indexRows, 0, len(ts.Indexes))
	buckets := make(map[uint64]storage.Bucket, len(ts.Indexes))
	for _, is := range ts.Indexes {
		b := stx.Bucket(ts.Name, is.bucket())
		if b == nil {
			return errorf(CodeCorrupt, nil, "%s: missing bucket of index %s", ts.Name, is.Name)
		}
		buckets[is.IndexOrdinal] = b
		key := ts.indexKey(nil, is, vals, bm)
		if is.Unique {
			if err := checkUnique(b, ts, is, key, bm); err != nil {
				return err
			}
		}
		rows = append(rows, indexRow{is.IndexOrdinal, key})
	}
	rows.sort()

	var delErr error
	err := findRemovedIndexKeys(oldIndex, rows, func(ord uint64, key []byte) {
		if b := buckets[ord]; b != nil && delErr == nil {
			delErr = b.Delete(key)
		}
	})
	if err != nil {
		return errorf(CodeCorrupt, err, "%s/%d: invalid index section", ts.Name, bm)
	}
	if delErr != nil {
		return wrapStorageErr(delErr)
	}

	bk := bookmarkKey(bm)
	for _, row := range rows {
		if err := buckets[row.IndexOrd].Put(row.KeyRaw, bk); err != nil {
			return wrapStorageErr(err)
		}
	}

	raw, err := encodeRecord(ts.Columns, vals, modCount, rows)
	if err != nil {
		return errorf(CodeBadValue, err, "%s/%d", ts.Name, bm)
	}
	data := stx.Bucket(ts.Name, dataBucket)
	if data == nil {
		return errorf(CodeCorrupt, nil, "%s: missing data bucket", ts.Name)
	}
	return wrapStorageErr(data.Put(bk, raw))
}

// checkUnique scans the keys that share the new key's column elements. Keys
// containing NULL never conflict.
func checkUnique(b storage.Bucket, ts *tableState, is *indexState, key []byte, bm Bookmark) error {
	tup, err := decodeTuple(key)
	if err != nil {
		return err
	}
	if hasNull(tup) {
		return nil
	}
	cols := tup[:len(tup)-1]
	prefix := key[:cols.prefixLen(len(cols))]

	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		other, ok := decodeBookmarkKey(v)
		if !ok || other == bm {
			continue
		}
		otherTup, err := decodeTuple(k)
		if err != nil {
			return errorf(CodeCorrupt, err, "%s.%s", ts.Name, is.Name)
		}
		if len(otherTup) == len(tup) && otherTup.hasPrefix(cols) {
			return errorf(CodeDuplicateKey, nil, "%s.%s: duplicate key %v (row %d)", ts.Name, is.Name, cols, other)
		}
	}
	return nil
}

func (s *KVSession) OpenRowset(table, index string) (Rowset, error) {
	var rs *rowset
	err := s.view(func(stx storage.Tx) error {
		ts, err := loadTableState(stx, table)
		if err != nil {
			return err
		}
		rs = &rowset{s: s, table: ts.Name}
		if index != "" {
			is := ts.indexNamed(index)
			if is == nil {
				return errorf(CodeIndexNotFound, nil, "%s: index %q not found", table, index)
			}
			rs.index = is.Name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.inUse[strings.ToLower(rs.table)]++
	return rs, nil
}

func (s *KVSession) releaseRowset(table string) {
	key := strings.ToLower(table)
	if s.inUse[key] > 1 {
		s.inUse[key]--
	} else {
		delete(s.inUse, key)
	}
}

func (s *KVSession) Tables() ([]string, error) {
	var names []string
	err := s.view(func(stx storage.Tx) error {
		cat := stx.Bucket(catalogBucket, "")
		if cat == nil {
			return nil
		}
		c := cat.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			names = append(names, string(k))
		}
		return nil
	})
	return names, err
}

func (s *KVSession) TableStats(table string) (TableStats, error) {
	var st TableStats
	err := s.view(func(stx storage.Tx) error {
		ts, err := loadTableState(stx, table)
		if err != nil {
			return err
		}
		st.Table = ts.Name
		if data := stx.Bucket(ts.Name, dataBucket); data != nil {
			bs := data.Stats()
			st.Rows = int64(bs.KeyN)
			st.DataSize = bs.LeafInuse
			st.DataAlloc = bs.TotalAlloc()
		}
		st.IndexRows = make(map[string]int64, len(ts.Indexes))
		st.IndexSize = make(map[string]int64, len(ts.Indexes))
		st.IndexAlloc = make(map[string]int64, len(ts.Indexes))
		for _, is := range ts.Indexes {
			if b := stx.Bucket(ts.Name, is.bucket()); b != nil {
				bs := b.Stats()
				st.IndexRows[is.Name] = int64(bs.KeyN)
				st.IndexSize[is.Name] = bs.LeafInuse
				st.IndexAlloc[is.Name] = bs.TotalAlloc()
			}
		}
		return nil
	})
	return st, err
}

const maxVerifyProblems = 100

func (s *KVSession) Verify(table string) error {
	var problems []error
	report := func(format string, args ...any) {
		if len(problems) < maxVerifyProblems {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	err := s.view(func(stx storage.Tx) error {
		ts, err := loadTableState(stx, table)
		if err != nil {
			return err
		}
		data := stx.Bucket(ts.Name, dataBucket)
		if data == nil {
			return errorf(CodeCorrupt, nil, "%s: missing data bucket", ts.Name)
		}
		idxBuckets := make(map[uint64]storage.Bucket)
		for _, is := range ts.Indexes {
			b := stx.Bucket(ts.Name, is.bucket())
			if b == nil {
				report("index %s: missing bucket", is.Name)
				continue
			}
			idxBuckets[is.IndexOrdinal] = b
		}

		var rows int
		c := data.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rows++
			bm, ok := decodeBookmarkKey(k)
			if !ok {
				report("invalid bookmark key %x", k)
				continue
			}
			if uint64(bm) >= ts.NextBookmark {
				report("row %d: bookmark beyond next bookmark %d", bm, ts.NextBookmark)
			}
			var rec record
			if err := rec.decode(v); err != nil {
				report("row %d: %w", bm, err)
				continue
			}
			vals, err := rec.values(ts.Columns)
			if err != nil {
				report("row %d: %w", bm, err)
				continue
			}
			expected := make(indexRows, 0, len(ts.Indexes))
			for _, is := range ts.Indexes {
				expected = append(expected, indexRow{is.IndexOrdinal, ts.indexKey(nil, is, vals, bm)})
			}
			expected.sort()
			var stored indexRows
			if err := decodeIndexKeys(rec.Index, func(ord uint64, key []byte) {
				stored = append(stored, indexRow{ord, key})
			}); err != nil {
				report("row %d: %w", bm, err)
				continue
			}
			if !sameIndexRows(expected, stored) {
				report("row %d: stale index key section", bm)
			}
			for _, ir := range expected {
				if b := idxBuckets[ir.IndexOrd]; b != nil && b.Get(ir.KeyRaw) == nil {
					report("row %d: missing from index %s", bm, ts.indexByOrdinal(ir.IndexOrd).Name)
				}
			}
		}

		for _, is := range ts.Indexes {
			b := idxBuckets[is.IndexOrdinal]
			if b == nil {
				continue
			}
			var n int
			ic := b.Cursor()
			for k, v := ic.First(); k != nil; k, v = ic.Next() {
				n++
				bm, tup, err := bookmarkFromIndexKey(k)
				if err != nil {
					report("index %s: %w", is.Name, err)
					continue
				}
				if vbm, ok := decodeBookmarkKey(v); !ok || vbm != bm {
					report("index %s: entry %v points to wrong row", is.Name, tup)
				}
				if data.Get(bookmarkKey(bm)) == nil {
					report("index %s: entry %v refers to missing row %d", is.Name, tup, bm)
				}
			}
			if n != rows {
				report("index %s: %d entries, table has %d rows", is.Name, n, rows)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		return errorf(CodeCorrupt, errors.Join(problems...), "%s: %d problem(s)", table, len(problems))
	}
	return nil
}

func sameIndexRows(a, b indexRows) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].IndexOrd != b[i].IndexOrd || !bytes.Equal(a[i].KeyRaw, b[i].KeyRaw) {
			return false
		}
	}
	return true
}

func (s *KVSession) Begin(iso Isolation) (Transaction, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if iso != IsolationSerializable {
		return nil, errorf(CodeTxState, nil, "unsupported isolation level %d", iso)
	}
	if s.tx != nil {
		return nil, errorf(CodeTxState, nil, "transaction already active")
	}
	stx, err := s.st.BeginTx(true)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	s.tx = &kvTransaction{s: s, stx: stx}
	return s.tx, nil
}

// InTransaction reports whether an explicit transaction is active.
func (s *KVSession) InTransaction() bool {
	return s.tx != nil
}

func (s *KVSession) Close() error {
	if s.closed {
		return nil
	}
	if s.tx != nil {
		_ = s.tx.Abort()
	}
	s.closed = true
	return s.st.Close()
}

type kvTransaction struct {
	s    *KVSession
	stx  storage.Tx
	done bool
}

func (t *kvTransaction) finish() error {
	if t.done {
		return errorf(CodeTxState, nil, "transaction already finished")
	}
	t.done = true
	if t.s.tx == t {
		t.s.tx = nil
	}
	return nil
}

func (t *kvTransaction) Commit() error {
	if err := t.finish(); err != nil {
		return err
	}
	return wrapStorageErr(t.stx.Commit())
}

func (t *kvTransaction) Abort() error {
	if err := t.finish(); err != nil {
		return err
	}
	return wrapStorageErr(t.stx.Rollback())
}
