package provider

import (
	"bytes"

	"github.com/andreyvit/tabdb/storage"
)

// rowset remembers its position as the last key it returned, so it stays
// valid across transactions.
type rowset struct {
	s     *KVSession
	table string
	index string

	pos       []byte // nil means before the first key
	inclusive bool   // pos itself has not been returned yet

	rangePrefix []byte
	rangeTuple  tuple
	closed      bool
}

func (rs *rowset) check() error {
	if rs.closed {
		return errorf(CodeClosed, nil, "%s: rowset is closed", rs.table)
	}
	return nil
}

func (rs *rowset) state(stx storage.Tx) (*tableState, *indexState, error) {
	ts, err := loadTableState(stx, rs.table)
	if err != nil {
		return nil, nil, err
	}
	if rs.index == "" {
		return ts, nil, nil
	}
	is := ts.indexNamed(rs.index)
	if is == nil {
		return nil, nil, errorf(CodeIndexNotFound, nil, "%s: index %q not found", rs.table, rs.index)
	}
	return ts, is, nil
}

func (rs *rowset) cursorBucket(stx storage.Tx, is *indexState) (storage.Bucket, error) {
	sub := dataBucket
	if is != nil {
		sub = is.bucket()
	}
	b := stx.Bucket(rs.table, sub)
	if b == nil {
		return nil, errorf(CodeCorrupt, nil, "%s: missing bucket %s", rs.table, sub)
	}
	return b, nil
}

func (rs *rowset) CreateAccessor(kind AccessorKind, bindings []Binding) (Accessor, error) {
	if err := rs.check(); err != nil {
		return nil, err
	}
	err := rs.s.view(func(stx storage.Tx) error {
		ts, is, err := rs.state(stx)
		if err != nil {
			return err
		}
		cols, err := accessorColumns(ts, is, kind)
		if err != nil {
			return err
		}
		return validateBindings(kind, cols, bindings)
	})
	if err != nil {
		return nil, err
	}
	return &accessor{kind: kind, rs: rs, bindings: append([]Binding(nil), bindings...)}, nil
}

func accessorColumns(ts *tableState, is *indexState, kind AccessorKind) ([]ColumnDef, error) {
	switch kind {
	case AccessorRowData:
		return ts.Columns, nil
	case AccessorIndexKey:
		if is == nil {
			return nil, errorf(CodeBadBinding, nil, "%s: key accessor requires an index rowset", ts.Name)
		}
		cols := make([]ColumnDef, len(is.colPos))
		for i, pos := range is.colPos {
			cols[i] = ts.Columns[pos]
		}
		return cols, nil
	default:
		return nil, errorf(CodeBadBinding, nil, "invalid accessor kind %d", kind)
	}
}

// useAccessor re-validates an accessor against the current table state.
func (rs *rowset) useAccessor(a Accessor, kind AccessorKind, ts *tableState, is *indexState) (*accessor, []ColumnDef, error) {
	acc, ok := a.(*accessor)
	if !ok || acc.rs != rs {
		return nil, nil, errorf(CodeBadBinding, nil, "%s: accessor belongs to another rowset", rs.table)
	}
	if acc.released {
		return nil, nil, errorf(CodeBadBinding, nil, "%s: accessor has been released", rs.table)
	}
	if acc.kind != kind {
		return nil, nil, errorf(CodeBadBinding, nil, "%s: wrong accessor kind", rs.table)
	}
	cols, err := accessorColumns(ts, is, kind)
	if err != nil {
		return nil, nil, err
	}
	if err := validateBindings(kind, cols, acc.bindings); err != nil {
		return nil, nil, err
	}
	return acc, cols, nil
}

func (rs *rowset) GetNextRow() (Bookmark, error) {
	if err := rs.check(); err != nil {
		return 0, err
	}
	var bm Bookmark
	err := rs.s.view(func(stx storage.Tx) error {
		_, is, err := rs.state(stx)
		if err != nil {
			return err
		}
		b, err := rs.cursorBucket(stx, is)
		if err != nil {
			return err
		}

		c := b.Cursor()
		var k, v []byte
		if rs.pos == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(rs.pos)
			if !rs.inclusive && k != nil && bytes.Equal(k, rs.pos) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			if rs.rangeTuple != nil {
				if !bytes.HasPrefix(k, rs.rangePrefix) {
					break
				}
				tup, err := decodeTuple(k)
				if err != nil {
					return errorf(CodeCorrupt, err, "%s.%s", rs.table, rs.index)
				}
				if !tup.hasPrefix(rs.rangeTuple) {
					continue
				}
			}
			var ok bool
			if is == nil {
				bm, ok = decodeBookmarkKey(k)
			} else {
				bm, ok = decodeBookmarkKey(v)
			}
			if !ok {
				return errorf(CodeCorrupt, dataErrf(k, 0, nil, "invalid bookmark"), "%s", rs.table)
			}
			rs.pos, rs.inclusive = bytes.Clone(k), false
			return nil
		}
		return ErrEndOfRowset
	})
	return bm, err
}

func (rs *rowset) Restart() error {
	if err := rs.check(); err != nil {
		return err
	}
	rs.pos, rs.inclusive = rs.rangePrefix, true
	return nil
}

func (rs *rowset) loadRow(stx storage.Tx, ts *tableState, bm Bookmark) (*record, rowValues, error) {
	data := stx.Bucket(ts.Name, dataBucket)
	if data == nil {
		return nil, nil, errorf(CodeCorrupt, nil, "%s: missing data bucket", ts.Name)
	}
	raw := data.Get(bookmarkKey(bm))
	if raw == nil {
		return nil, nil, errorf(CodeNotFound, nil, "%s: row %d not found", ts.Name, bm)
	}
	rec := new(record)
	if err := rec.decode(bytes.Clone(raw)); err != nil {
		return nil, nil, errorf(CodeCorrupt, err, "%s/%d", ts.Name, bm)
	}
	vals, err := rec.values(ts.Columns)
	if err != nil {
		return nil, nil, errorf(CodeCorrupt, err, "%s/%d", ts.Name, bm)
	}
	return rec, vals, nil
}

func (rs *rowset) GetData(bm Bookmark, a Accessor, buf []byte) error {
	if err := rs.check(); err != nil {
		return err
	}
	return rs.s.view(func(stx storage.Tx) error {
		ts, is, err := rs.state(stx)
		if err != nil {
			return err
		}
		acc, cols, err := rs.useAccessor(a, AccessorRowData, ts, is)
		if err != nil {
			return err
		}
		_, vals, err := rs.loadRow(stx, ts, bm)
		if err != nil {
			return err
		}
		for _, b := range acc.bindings {
			if err := writeValue(cols[b.Ordinal-1], b, vals[b.Ordinal-1], buf); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyBindings(acc *accessor, cols []ColumnDef, vals rowValues, buf []byte) error {
	for _, b := range acc.bindings {
		v, err := readValue(cols[b.Ordinal-1], b, buf)
		if err != nil {
			return err
		}
		vals[b.Ordinal-1] = v
	}
	return nil
}

func (rs *rowset) SetData(bm Bookmark, a Accessor, buf []byte) error {
	if err := rs.check(); err != nil {
		return err
	}
	return rs.s.update(func(stx storage.Tx) error {
		ts, is, err := rs.state(stx)
		if err != nil {
			return err
		}
		acc, cols, err := rs.useAccessor(a, AccessorRowData, ts, is)
		if err != nil {
			return err
		}
		rec, vals, err := rs.loadRow(stx, ts, bm)
		if err != nil {
			return err
		}
		if err := applyBindings(acc, cols, vals, buf); err != nil {
			return err
		}
		if err := bumpAutoIncrement(ts, vals, false); err != nil {
			return err
		}
		if err := rs.s.writeRow(stx, ts, bm, rec.Index, vals, rec.ModCount+1); err != nil {
			return err
		}
		return ts.save(stx)
	})
}

func (rs *rowset) InsertRow(a Accessor, buf []byte) (Bookmark, error) {
	if err := rs.check(); err != nil {
		return 0, err
	}
	var bm Bookmark
	err := rs.s.update(func(stx storage.Tx) error {
		ts, is, err := rs.state(stx)
		if err != nil {
			return err
		}
		acc, cols, err := rs.useAccessor(a, AccessorRowData, ts, is)
		if err != nil {
			return err
		}
		vals := make(rowValues, len(cols))
		if err := applyBindings(acc, cols, vals, buf); err != nil {
			return err
		}
		if err := bumpAutoIncrement(ts, vals, true); err != nil {
			return err
		}

		bm = Bookmark(ts.NextBookmark)
		if bm == 0 {
			bm = 1
		}
		if err := rs.s.writeRow(stx, ts, bm, nil, vals, 1); err != nil {
			return err
		}
		ts.NextBookmark = uint64(bm) + 1
		return ts.save(stx)
	})
	if err != nil {
		return 0, err
	}
	return bm, nil
}

// bumpAutoIncrement advances auto-increment counters past explicitly
// supplied values. With fill set, NULL auto-increment columns receive the
// next counter value.
func bumpAutoIncrement(ts *tableState, vals rowValues, fill bool) error {
	for i, col := range ts.Columns {
		if !col.AutoIncrement {
			continue
		}
		if ts.AutoIncrement == nil {
			ts.AutoIncrement = make(map[string]uint32)
		}
		counter := ts.AutoIncrement[col.Name]
		if vals[i] == nil {
			if !fill {
				continue
			}
			if counter == 0xFFFFFFFF {
				return errorf(CodeDataOverflow, nil, "%s.%s: auto-increment counter exhausted", ts.Name, col.Name)
			}
			counter++
			vals[i] = make([]byte, DwordSize)
			putUintLE(vals[i], counter)
		} else if v := uintLE[uint32](vals[i]); v > counter {
			counter = v
		}
		ts.AutoIncrement[col.Name] = counter
	}
	return nil
}

func (rs *rowset) DeleteRow(bm Bookmark) error {
	if err := rs.check(); err != nil {
		return err
	}
	return rs.s.update(func(stx storage.Tx) error {
		ts, _, err := rs.state(stx)
		if err != nil {
			return err
		}
		rec, _, err := rs.loadRow(stx, ts, bm)
		if err != nil {
			return err
		}
		var delErr error
		err = decodeIndexKeys(rec.Index, func(ord uint64, key []byte) {
			is := ts.indexByOrdinal(ord)
			if is == nil || delErr != nil {
				return // the index no longer exists
			}
			if b := stx.Bucket(ts.Name, is.bucket()); b != nil {
				delErr = b.Delete(key)
			}
		})
		if err != nil {
			return errorf(CodeCorrupt, err, "%s/%d: invalid index section", ts.Name, bm)
		}
		if delErr != nil {
			return wrapStorageErr(delErr)
		}
		return wrapStorageErr(stx.Bucket(ts.Name, dataBucket).Delete(bookmarkKey(bm)))
	})
}

// boundKey decodes the values bound by an index-key accessor, in key order.
func (rs *rowset) boundKey(stx storage.Tx, a Accessor, buf []byte) (*tableState, *indexState, tuple, []byte, error) {
	ts, is, err := rs.state(stx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if is == nil {
		return nil, nil, nil, nil, errorf(CodeBadBinding, nil, "%s: seek requires an index rowset", rs.table)
	}
	acc, cols, err := rs.useAccessor(a, AccessorIndexKey, ts, is)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	vals := make([][]byte, len(acc.bindings))
	for _, b := range acc.bindings {
		v, err := readValue(cols[b.Ordinal-1], b, buf)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		vals[b.Ordinal-1] = v
	}
	tup, raw := ts.keyPrefix(is, vals)
	return ts, is, tup, raw, nil
}

func (rs *rowset) Seek(a Accessor, buf []byte, mode SeekMode) error {
	if err := rs.check(); err != nil {
		return err
	}
	if mode != SeekFirstEQ {
		return errorf(CodeBadBinding, nil, "unsupported seek mode %d", mode)
	}
	return rs.s.view(func(stx storage.Tx) error {
		_, is, tup, raw, err := rs.boundKey(stx, a, buf)
		if err != nil {
			return err
		}
		b, err := rs.cursorBucket(stx, is)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, _ := c.Seek(raw); k != nil && bytes.HasPrefix(k, raw); k, _ = c.Next() {
			ktup, err := decodeTuple(k)
			if err != nil {
				return errorf(CodeCorrupt, err, "%s.%s", rs.table, rs.index)
			}
			if ktup.hasPrefix(tup) {
				rs.pos, rs.inclusive = bytes.Clone(k), true
				return nil
			}
		}
		return errorf(CodeNotFound, nil, "%s.%s: no row with key %v", rs.table, rs.index, tup)
	})
}

func (rs *rowset) SetRange(a Accessor, buf []byte, mode RangeMode) error {
	if err := rs.check(); err != nil {
		return err
	}
	if mode != RangeMatch {
		return errorf(CodeBadBinding, nil, "unsupported range mode %d", mode)
	}
	return rs.s.view(func(stx storage.Tx) error {
		_, _, tup, raw, err := rs.boundKey(stx, a, buf)
		if err != nil {
			return err
		}
		rs.rangeTuple, rs.rangePrefix = tup, raw
		rs.pos, rs.inclusive = raw, true
		return nil
	})
}

func (rs *rowset) Close() error {
	if rs.closed {
		return nil
	}
	rs.closed = true
	rs.s.releaseRowset(rs.table)
	return nil
}
