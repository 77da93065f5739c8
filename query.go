package tabdb

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/andreyvit/tabdb/provider"
)

// Query builds a key for one index, one value per key column in index
// order, and is then run once with RunExact or RunRange.
type Query struct {
	db       *DB
	idx      *Index
	key      arena
	consumed bool
}

func (db *DB) BeginQuery(tbl *Table, idx *Index) (*Query, error) {
	if _, err := db.check(tbl); err != nil {
		return nil, err
	}
	if idx == nil || idx.table != tbl {
		return nil, tableErr(tbl, idx, nil, "query", fmt.Errorf("index %v does not belong to the table", idx))
	}
	return &Query{
		db:  db,
		idx: idx,
		key: arena{max: db.opt.MaxRowSize},
	}, nil
}

func (q *Query) Index() *Index {
	return q.idx
}

func (q *Query) append(typ ColumnType, v []byte, encErr error) error {
	if q.consumed {
		return tableErr(q.idx.table, q.idx, nil, "query", ErrQueryConsumed)
	}
	n := q.key.len()
	if n >= len(q.idx.columns) {
		return tableErr(q.idx.table, q.idx, nil, "query", fmt.Errorf("%w: index has %d key columns", ErrBindingRejected, len(q.idx.columns)))
	}
	col := q.idx.columns[n]
	if col.typ != typ {
		return tableErr(q.idx.table, q.idx, col, "query", fmt.Errorf("%w: key column is %v, not %v", ErrBindingRejected, col.typ, typ))
	}
	if encErr != nil {
		return tableErr(q.idx.table, q.idx, col, "query", errors.Join(ErrBindingRejected, encErr))
	}
	return tableErr(q.idx.table, q.idx, col, "query", q.key.add(n+1, typ, v))
}

func (q *Query) AppendDword(v uint32) error {
	return q.append(TypeDword, encodeDword(v), nil)
}

func (q *Query) AppendString(v string) error {
	b, err := encodeString(v)
	return q.append(TypeText, b, err)
}

func (q *Query) AppendBool(v bool) error {
	return q.append(TypeBool, encodeBool(v), nil)
}

func (q *Query) AppendTime(v time.Time) error {
	b, err := encodeTime(v)
	return q.append(TypeTimestamp, b, err)
}

// open consumes the query and returns an index rowset with a key accessor
// over the appended values.
func (q *Query) open() (provider.Rowset, provider.Accessor, error) {
	tbl := q.idx.table
	if q.consumed {
		return nil, nil, tableErr(tbl, q.idx, nil, "query", ErrQueryConsumed)
	}
	q.consumed = true

	if _, err := q.db.changeCursor(tbl); err != nil {
		return nil, nil, err
	}
	if q.key.len() == 0 {
		return nil, nil, tableErr(tbl, q.idx, nil, "query", fmt.Errorf("%w: no key values", ErrBindingRejected))
	}
	if err := q.key.validate(); err != nil {
		return nil, nil, tableErr(tbl, q.idx, nil, "query", err)
	}
	rs, err := q.db.sess.OpenRowset(tbl.name, q.idx.name)
	if err != nil {
		return nil, nil, tableErr(tbl, q.idx, nil, "query", providerErr("OpenRowset", err))
	}
	acc, err := rs.CreateAccessor(provider.AccessorIndexKey, q.key.bindings)
	if err != nil {
		rs.Close()
		return nil, nil, tableErr(tbl, q.idx, nil, "query", providerErr("CreateAccessor", err))
	}
	return rs, acc, nil
}

// RunExact returns the first row whose key equals the appended values, or
// ErrNotFound. A key value over its column size also yields ErrNotFound.
func (q *Query) RunExact() (*Row, error) {
	tbl := q.idx.table
	defer q.key.free()
	rs, acc, err := q.open()
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	defer acc.Release()

	// A key longer than its column cannot be stored, so nothing matches it.
	err = rs.Seek(acc, q.key.buf, provider.SeekFirstEQ)
	if code := provider.CodeOf(err); code == provider.CodeNotFound || code == provider.CodeDataOverflow {
		if q.db.verbose {
			q.db.logf("db: SEEK %s => NOTFOUND", q.idx.FullName())
		}
		return nil, ErrNotFound
	} else if err != nil {
		return nil, tableErr(tbl, q.idx, nil, "seek", providerErr("Seek", err))
	}
	bm, err := rs.GetNextRow()
	if err != nil {
		return nil, tableErr(tbl, q.idx, nil, "seek", providerErr("GetNextRow", err))
	}
	if q.db.verbose {
		q.db.logf("db: SEEK %s => %s/%d", q.idx.FullName(), tbl.name, bm)
	}
	return q.db.newRow(tbl, bm, false), nil
}

// RunRange returns the rows whose leading key columns equal the appended
// values, in index order. An empty result is not an error.
func (q *Query) RunRange() (*Results, error) {
	tbl := q.idx.table
	defer q.key.free()
	rs, acc, err := q.open()
	if err != nil {
		return nil, err
	}
	defer acc.Release()

	var exhausted bool
	if err := rs.SetRange(acc, q.key.buf, provider.RangeMatch); provider.CodeOf(err) == provider.CodeDataOverflow {
		exhausted = true
	} else if err != nil {
		rs.Close()
		return nil, tableErr(tbl, q.idx, nil, "range", providerErr("SetRange", err))
	}
	if q.db.verbose {
		q.db.logf("db: RANGE %s", q.idx.FullName())
	}
	q.db.acquire(tbl)
	return &Results{db: q.db, idx: q.idx, rs: rs, exhausted: exhausted}, nil
}

// Results is a forward-only sequence of rows produced by RunRange. It must
// be closed.
type Results struct {
	db        *DB
	idx       *Index
	rs        provider.Rowset
	exhausted bool
	closed    bool
}

func (r *Results) Index() *Index {
	return r.idx
}

// Next returns the next row, or ErrNotFound once the results are exhausted.
func (r *Results) Next() (*Row, error) {
	tbl := r.idx.table
	if r.closed || r.exhausted {
		return nil, ErrNotFound
	}
	bm, err := r.rs.GetNextRow()
	if provider.CodeOf(err) == provider.CodeEndOfRowset {
		r.exhausted = true
		return nil, ErrNotFound
	} else if err != nil {
		return nil, tableErr(tbl, r.idx, nil, "next", providerErr("GetNextRow", err))
	}
	return r.db.newRow(tbl, bm, false), nil
}

// Rows iterates over the remaining results. Each row is freed when the loop
// body returns, so keep values rather than rows.
func (r *Results) Rows() iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		for {
			row, err := r.Next()
			if errors.Is(err, ErrNotFound) {
				return
			} else if err != nil {
				yield(nil, err)
				return
			}
			more := yield(row, nil)
			row.Free()
			if !more {
				return
			}
		}
	}
}

func (r *Results) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.db.release(r.idx.table)
	return tableErr(r.idx.table, r.idx, nil, "close", providerErr("Close", r.rs.Close()))
}
