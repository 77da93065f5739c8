package tabdb

import (
	"errors"
	"time"

	"github.com/andreyvit/tabdb/provider"
)

// Row is a handle to one row of a table: either a pending insert or a
// stored row identified by its bookmark. Values set on a row are staged
// until FinishUpdate. A Row must be freed with Free.
//
// Rows read and write through the table's shared change cursor, so a row
// stays usable after the query or iteration that produced it moves on.
type Row struct {
	db     *DB
	tbl    *Table
	staged arena
	bm     provider.Bookmark
	insert bool
	freed  bool
}

func (db *DB) newRow(tbl *Table, bm provider.Bookmark, insert bool) *Row {
	db.acquire(tbl)
	return &Row{
		db:     db,
		tbl:    tbl,
		staged: arena{max: db.opt.MaxRowSize},
		bm:     bm,
		insert: insert,
	}
}

// PrepareInsert returns a row that is inserted by FinishUpdate.
func (db *DB) PrepareInsert(tbl *Table) (*Row, error) {
	if _, err := db.changeCursor(tbl); err != nil {
		return nil, err
	}
	return db.newRow(tbl, 0, true), nil
}

// FirstRow restarts the table's read cursor and returns its first row, or
// ErrNotFound if the table is empty.
func (db *DB) FirstRow(tbl *Table) (*Row, error) {
	rs, err := db.readCursor(tbl)
	if err != nil {
		return nil, err
	}
	if err := rs.Restart(); err != nil {
		return nil, tableErr(tbl, nil, nil, "first", providerErr("Restart", err))
	}
	return db.nextRow(tbl, rs, "first")
}

// NextRow advances the table's read cursor, returning ErrNotFound after the
// last row.
func (db *DB) NextRow(tbl *Table) (*Row, error) {
	rs, err := db.readCursor(tbl)
	if err != nil {
		return nil, err
	}
	return db.nextRow(tbl, rs, "next")
}

func (db *DB) nextRow(tbl *Table, rs provider.Rowset, op string) (*Row, error) {
	if _, err := db.changeCursor(tbl); err != nil {
		return nil, err
	}
	bm, err := rs.GetNextRow()
	if provider.CodeOf(err) == provider.CodeEndOfRowset {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, tableErr(tbl, nil, nil, op, providerErr("GetNextRow", err))
	}
	return db.newRow(tbl, bm, false), nil
}

func (row *Row) Table() *Table {
	return row.tbl
}

// Bookmark returns the row identifier, or 0 for a row not yet inserted.
func (row *Row) Bookmark() provider.Bookmark {
	return row.bm
}

func (row *Row) IsInserted() bool {
	return !row.insert && row.bm != 0
}

func (row *Row) checkColumn(col *Column, typ ColumnType) error {
	if row.freed {
		return tableErr(row.tbl, nil, col, "", ErrRowFreed)
	}
	if col == nil || col.table != row.tbl {
		return tableErr(row.tbl, nil, col, "", errors.Join(ErrBindingRejected, errors.New("column does not belong to the table")))
	}
	if col.typ != typ {
		return tableErr(row.tbl, nil, col, "", errors.Join(ErrBindingRejected, errors.New("column is "+col.typ.String()+", not "+typ.String())))
	}
	return nil
}

func (row *Row) set(col *Column, typ ColumnType, v []byte, encErr error) error {
	if err := row.checkColumn(col, typ); err != nil {
		return err
	}
	if encErr != nil {
		return tableErr(row.tbl, nil, col, "set", errors.Join(ErrBindingRejected, encErr))
	}
	return tableErr(row.tbl, nil, col, "set", row.staged.add(col.ordinal, typ, v))
}

func (row *Row) SetDword(col *Column, v uint32) error {
	return row.set(col, TypeDword, encodeDword(v), nil)
}

func (row *Row) SetBool(col *Column, v bool) error {
	return row.set(col, TypeBool, encodeBool(v), nil)
}

func (row *Row) SetString(col *Column, v string) error {
	b, err := encodeString(v)
	return row.set(col, TypeText, b, err)
}

// SetBinary stages v. An empty slice stages NULL, same as SetEmpty.
func (row *Row) SetBinary(col *Column, v []byte) error {
	return row.set(col, TypeBinary, v, nil)
}

// SetTime stages t in UTC with millisecond precision.
func (row *Row) SetTime(col *Column, t time.Time) error {
	b, err := encodeTime(t)
	return row.set(col, TypeTimestamp, b, err)
}

// SetEmpty stages NULL.
func (row *Row) SetEmpty(col *Column) error {
	if col == nil {
		return row.checkColumn(col, 0)
	}
	return row.set(col, col.typ, nil, nil)
}

func (row *Row) get(col *Column, typ ColumnType) ([]byte, error) {
	if err := row.checkColumn(col, typ); err != nil {
		return nil, err
	}
	if row.bm == 0 {
		return nil, tableErr(row.tbl, nil, col, "get", ErrNotFound)
	}
	rs, err := row.db.changeCursor(row.tbl)
	if err != nil {
		return nil, err
	}
	v, err := fetch(rs, row.bm, col.ordinal, typ)
	if err == ErrNotFound {
		return nil, err
	}
	return v, tableErr(row.tbl, nil, col, "get", err)
}

// Dword returns the value of a dword column, or ErrNotFound for NULL.
func (row *Row) Dword(col *Column) (uint32, error) {
	v, err := row.get(col, TypeDword)
	if err != nil {
		return 0, err
	}
	u, err := decodeDword(v)
	return u, tableErr(row.tbl, nil, col, "get", err)
}

func (row *Row) Bool(col *Column) (bool, error) {
	v, err := row.get(col, TypeBool)
	if err != nil {
		return false, err
	}
	b, err := decodeBool(v)
	return b, tableErr(row.tbl, nil, col, "get", err)
}

func (row *Row) String(col *Column) (string, error) {
	v, err := row.get(col, TypeText)
	if err != nil {
		return "", err
	}
	s, err := decodeString(v)
	return s, tableErr(row.tbl, nil, col, "get", err)
}

// Binary returns the value of a binary column. A zero-length value is
// stored as NULL and so reads back as ErrNotFound.
func (row *Row) Binary(col *Column) ([]byte, error) {
	return row.get(col, TypeBinary)
}

func (row *Row) Time(col *Column) (time.Time, error) {
	v, err := row.get(col, TypeTimestamp)
	if err != nil {
		return time.Time{}, err
	}
	t, err := decodeTime(v)
	return t, tableErr(row.tbl, nil, col, "get", err)
}

// Value returns the value of any column as uint32, bool, string, []byte or
// time.Time.
func (row *Row) Value(col *Column) (any, error) {
	if col == nil {
		return nil, row.checkColumn(col, 0)
	}
	v, err := row.get(col, col.typ)
	if err != nil {
		return nil, err
	}
	val, err := decodeValue(col.typ, v)
	return val, tableErr(row.tbl, nil, col, "get", err)
}

// FinishUpdate writes the staged values with a single accessor: a pending
// insert becomes a stored row, a stored row is updated in place. Columns
// that were not set keep their values (or are NULL on insert).
func (row *Row) FinishUpdate() error {
	if row.freed {
		return tableErr(row.tbl, nil, nil, "update", ErrRowFreed)
	}
	if !row.insert && row.bm == 0 {
		return tableErr(row.tbl, nil, nil, "update", ErrNotFound)
	}
	if err := row.staged.validate(); err != nil {
		return tableErr(row.tbl, nil, nil, "update", err)
	}
	rs, err := row.db.changeCursor(row.tbl)
	if err != nil {
		return err
	}

	bindings := row.staged.bindings
	if !row.insert && len(bindings) == 0 {
		return nil
	}
	if row.insert && len(bindings) == 0 {
		return tableErr(row.tbl, nil, nil, "insert", errors.Join(ErrBindingRejected, errors.New("no columns set")))
	}
	acc, err := rs.CreateAccessor(provider.AccessorRowData, bindings)
	if err != nil {
		return tableErr(row.tbl, nil, nil, "update", providerErr("CreateAccessor", err))
	}
	defer acc.Release()

	if row.insert {
		bm, err := rs.InsertRow(acc, row.staged.buf)
		if err != nil {
			return tableErr(row.tbl, nil, nil, "insert", providerErr("InsertRow", err))
		}
		if row.db.verbose {
			row.db.logf("db: INSERT %s/%d => %s", row.tbl.name, bm, loggableStaged(row.tbl, &row.staged))
		}
		row.bm, row.insert = bm, false
	} else {
		if err := rs.SetData(row.bm, acc, row.staged.buf); err != nil {
			return tableErr(row.tbl, nil, nil, "update", providerErr("SetData", err))
		}
		if row.db.verbose {
			row.db.logf("db: UPDATE %s/%d => %s", row.tbl.name, row.bm, loggableStaged(row.tbl, &row.staged))
		}
	}
	row.staged.reset()
	return nil
}

// Delete deletes the stored row. The handle still needs to be freed.
func (row *Row) Delete() error {
	if row.freed {
		return tableErr(row.tbl, nil, nil, "delete", ErrRowFreed)
	}
	if row.bm == 0 {
		return tableErr(row.tbl, nil, nil, "delete", ErrNotFound)
	}
	rs, err := row.db.changeCursor(row.tbl)
	if err != nil {
		return err
	}
	if err := rs.DeleteRow(row.bm); err != nil {
		return tableErr(row.tbl, nil, nil, "delete", providerErr("DeleteRow", err))
	}
	if row.db.verbose {
		row.db.logf("db: DELETE %s/%d", row.tbl.name, row.bm)
	}
	row.bm = 0
	row.staged.reset()
	return nil
}

// Free discards staged values and releases the handle. Safe to call twice.
func (row *Row) Free() {
	if row.freed {
		return
	}
	row.freed = true
	row.staged.free()
	row.db.release(row.tbl)
}
