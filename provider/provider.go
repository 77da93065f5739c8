// Package provider defines the cursor-based tabular data provider that the
// tabdb client is written against, and implements it over an ordered
// key-value store (see package storage).
//
// The provider speaks in rowsets, accessors and bindings: a Rowset is a
// positioned cursor over a table (optionally ordered by an index), an
// Accessor describes how column values are laid out in a caller-owned byte
// buffer, and each Binding maps one column to a 4-byte little-endian length
// slot and a value slot inside that buffer. A zero length means NULL.
package provider

import (
	"fmt"
	"strings"
)

// ColumnType is the storage type of a column.
type ColumnType uint8

const (
	TypeDword     ColumnType = iota + 1 // unsigned 32-bit integer, 4 bytes little-endian
	TypeBool                            // 2 bytes, 0xFFFF true, 0x0000 false
	TypeBinary                          // variable-length bytes
	TypeText                            // null-terminated UTF-16LE
	TypeTimestamp                       // 16-byte calendar struct, see TimestampSize
)

// Sizes of fixed-width values on the wire.
const (
	LengthSize    = 4
	DwordSize     = 4
	BoolSize      = 2
	TimestampSize = 16
)

var columnTypeNames = map[ColumnType]string{
	TypeDword:     "dword",
	TypeBool:      "bool",
	TypeBinary:    "binary",
	TypeText:      "text",
	TypeTimestamp: "timestamp",
}

func (t ColumnType) String() string {
	if s, ok := columnTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ColumnType(%d)", uint8(t))
}

func (t ColumnType) Valid() bool {
	_, ok := columnTypeNames[t]
	return ok
}

// FixedSize returns the wire size of fixed-width types, or 0 for variable ones.
func (t ColumnType) FixedSize() int {
	switch t {
	case TypeDword:
		return DwordSize
	case TypeBool:
		return BoolSize
	case TypeTimestamp:
		return TimestampSize
	default:
		return 0
	}
}

func (t ColumnType) IsVariable() bool {
	return t == TypeBinary || t == TypeText
}

func (t ColumnType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid column type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *ColumnType) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for k, v := range columnTypeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	switch s {
	case "string":
		*t = TypeText
	case "int", "uint32", "fixed32":
		*t = TypeDword
	case "time", "systemtime":
		*t = TypeTimestamp
	default:
		return fmt.Errorf("unknown column type %q", string(b))
	}
	return nil
}

// ColumnDef describes a stored column. Size is the maximum number of
// characters for text columns and bytes for binary columns; zero means
// unlimited.
type ColumnDef struct {
	Name          string     `msgpack:"n"`
	Type          ColumnType `msgpack:"t"`
	Size          int        `msgpack:"s,omitempty"`
	Nullable      bool       `msgpack:"null,omitempty"`
	AutoIncrement bool       `msgpack:"ai,omitempty"`
}

func (c ColumnDef) String() string {
	var buf strings.Builder
	buf.WriteString(c.Name)
	buf.WriteByte(':')
	buf.WriteString(c.Type.String())
	if c.Size > 0 {
		fmt.Fprintf(&buf, "(%d)", c.Size)
	}
	if c.Nullable {
		buf.WriteString(" null")
	}
	if c.AutoIncrement {
		buf.WriteString(" autoinc")
	}
	return buf.String()
}

type IndexDef struct {
	Name    string   `msgpack:"n"`
	Columns []string `msgpack:"c"`
	Unique  bool     `msgpack:"u,omitempty"`
}

type TableDef struct {
	Name    string
	Columns []ColumnDef
	Indexes []IndexDef
}

// ColumnIndex returns the 0-based position of the named column, or -1.
func (td *TableDef) ColumnIndex(name string) int {
	for i, c := range td.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

func (td *TableDef) IndexNamed(name string) *IndexDef {
	for i := range td.Indexes {
		if strings.EqualFold(td.Indexes[i].Name, name) {
			return &td.Indexes[i]
		}
	}
	return nil
}

// Bookmark identifies a row within its table. Bookmarks are assigned on
// insert, start at 1 and are never reused.
type Bookmark uint64

// Binding maps one column to a caller buffer. Ordinal is 1-based; ordinal 0
// is the implicit bookmark column and cannot be bound. For index-key
// accessors the ordinal is the 1-based position of the column within the
// index key.
//
// The value length is stored as a 4-byte little-endian integer at
// LengthOffset, and the value bytes at ValueOffset. A read binding with
// MaxLength 0 only reports the length.
type Binding struct {
	Ordinal      int
	Type         ColumnType
	ValueOffset  int
	LengthOffset int
	MaxLength    int
}

func (b Binding) String() string {
	return fmt.Sprintf("#%d:%v@%d/%d<=%d", b.Ordinal, b.Type, b.ValueOffset, b.LengthOffset, b.MaxLength)
}

type AccessorKind int

const (
	AccessorRowData AccessorKind = iota
	AccessorIndexKey
)

type SeekMode int

const (
	// SeekFirstEQ positions the rowset before the first row whose leading
	// index components equal the bound key.
	SeekFirstEQ SeekMode = iota
)

type RangeMode int

const (
	// RangeMatch restricts the rowset to rows whose leading index
	// components equal the bound key.
	RangeMatch RangeMode = iota
)

type Isolation int

const (
	IsolationSerializable Isolation = iota
)

// Session is an open connection to a provider data source.
type Session interface {
	// OpenTable returns the stored definition of a table, or ErrTableNotFound.
	OpenTable(name string) (*TableDef, error)

	// CreateTable creates a table with its indexes. Returns ErrTableExists if
	// a table with this name exists.
	CreateTable(def *TableDef) error

	// CreateIndex adds an index to an existing table and builds it from the
	// existing rows. Fails with ErrIndexExists if the name is taken and with
	// ErrTableInUse while any rowset on the table is open.
	CreateIndex(table string, def IndexDef) error

	// OpenRowset opens a cursor over a table. An empty index name orders
	// rows by bookmark; otherwise rows are ordered by the named index and
	// the rowset supports Seek and SetRange.
	OpenRowset(table, index string) (Rowset, error)

	Tables() ([]string, error)
	TableStats(table string) (TableStats, error)

	// Verify checks record checksums and index consistency of a table.
	Verify(table string) error

	// Begin starts a transaction. Operations issued while it is active run
	// inside it; otherwise each operation runs in its own transaction.
	Begin(iso Isolation) (Transaction, error)

	Close() error
}

type Transaction interface {
	Commit() error
	Abort() error
}

type Rowset interface {
	CreateAccessor(kind AccessorKind, bindings []Binding) (Accessor, error)

	// GetNextRow advances the rowset and returns the bookmark of the next
	// row, or ErrEndOfRowset.
	GetNextRow() (Bookmark, error)

	// Restart positions the rowset before its first row (within the
	// current range, if any).
	Restart() error

	GetData(bm Bookmark, acc Accessor, buf []byte) error
	SetData(bm Bookmark, acc Accessor, buf []byte) error
	InsertRow(acc Accessor, buf []byte) (Bookmark, error)
	DeleteRow(bm Bookmark) error

	// Seek positions the rowset using an index-key accessor. Returns
	// ErrNotFound if no row matches.
	Seek(acc Accessor, buf []byte, mode SeekMode) error

	// SetRange restricts the rowset using an index-key accessor and
	// positions it before the first row of the range.
	SetRange(acc Accessor, buf []byte, mode RangeMode) error

	Close() error
}

type Accessor interface {
	Kind() AccessorKind
	Bindings() []Binding
	Release()
}

type TableStats struct {
	Table      string
	Rows       int64
	DataSize   int64
	DataAlloc  int64
	IndexRows  map[string]int64
	IndexSize  map[string]int64
	IndexAlloc map[string]int64
}

func (ts TableStats) TotalSize() int64 {
	n := ts.DataSize
	for _, v := range ts.IndexSize {
		n += v
	}
	return n
}
