package tabdb

import (
	"fmt"
	"strings"

	"github.com/andreyvit/tabdb/provider"
)

type Table struct {
	schema  *Schema
	name    string
	pos     int // index in schema.tables
	columns []*Column
	indexes []*Index

	columnsByLowerName map[string]*Column
}

// AddTable defines a table with the given columns and indexes and adds it to
// scm. It panics on an invalid definition; use ParseSchema for definitions
// that come from outside the program.
func AddTable(scm *Schema, name string, columns []*Column, indexes []*Index) *Table {
	return must(addTable(scm, name, columns, indexes))
}

func addTable(scm *Schema, name string, columns []*Column, indexes []*Index) (*Table, error) {
	if name == "" || strings.HasPrefix(name, "_") {
		return nil, fmt.Errorf("invalid table name %q", name)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%s: no columns", name)
	}
	if scm.frozen {
		return nil, fmt.Errorf("%s: schema is in use by an open database", name)
	}
	if scm.TableNamed(name) != nil {
		return nil, fmt.Errorf("duplicate table %s", name)
	}
	tbl := &Table{
		name:               name,
		columns:            columns,
		columnsByLowerName: make(map[string]*Column, len(columns)),
	}
	for _, col := range columns {
		if col.table != nil {
			return nil, fmt.Errorf("%s.%s: column already belongs to table %s", name, col.name, col.table.name)
		}
		if !col.typ.Valid() {
			return nil, fmt.Errorf("%s.%s: invalid type %v", name, col.name, col.typ)
		}
		lower := strings.ToLower(col.name)
		if col.name == "" || tbl.columnsByLowerName[lower] != nil {
			return nil, fmt.Errorf("%s: invalid or duplicate column name %q", name, col.name)
		}
		if col.autoInc && col.typ != TypeDword {
			return nil, fmt.Errorf("%s.%s: only dword columns can auto-increment", name, col.name)
		}
		tbl.columnsByLowerName[lower] = col
	}
	keys := make([][]*Column, len(indexes))
	seen := make(map[string]bool, len(indexes))
	for i, idx := range indexes {
		lower := strings.ToLower(idx.name)
		if idx.name == "" || seen[lower] {
			return nil, fmt.Errorf("%s: invalid or duplicate index name %q", name, idx.name)
		}
		seen[lower] = true
		cols, err := idx.resolve(tbl)
		if err != nil {
			return nil, err
		}
		keys[i] = cols
	}

	// Nothing below can fail, so the columns and indexes are only bound to
	// the table once it is valid.
	for i, col := range columns {
		col.table = tbl
		col.ordinal = i + 1
	}
	for i, idx := range indexes {
		idx.table, idx.columns = tbl, keys[i]
	}
	tbl.indexes = indexes
	scm.addTable(tbl)
	return tbl, nil
}

func (tbl *Table) Name() string {
	return tbl.name
}

func (tbl *Table) Schema() *Schema {
	return tbl.schema
}

func (tbl *Table) Columns() []*Column {
	return append([]*Column(nil), tbl.columns...)
}

func (tbl *Table) Column(name string) *Column {
	return tbl.columnsByLowerName[strings.ToLower(name)]
}

func (tbl *Table) Indexes() []*Index {
	return append([]*Index(nil), tbl.indexes...)
}

func (tbl *Table) Index(name string) *Index {
	for _, idx := range tbl.indexes {
		if strings.EqualFold(idx.name, name) {
			return idx
		}
	}
	return nil
}

func (tbl *Table) String() string {
	return tbl.name
}

// def returns the provider definition of the table. Variable-length columns
// declared without a size get defaultSize.
func (tbl *Table) def(defaultSize int) *provider.TableDef {
	td := &provider.TableDef{
		Name:    tbl.name,
		Columns: make([]provider.ColumnDef, len(tbl.columns)),
		Indexes: make([]provider.IndexDef, len(tbl.indexes)),
	}
	for i, col := range tbl.columns {
		td.Columns[i] = col.def(defaultSize)
	}
	for i, idx := range tbl.indexes {
		td.Indexes[i] = idx.def()
	}
	return td
}

type Column struct {
	table    *Table
	name     string
	ordinal  int // 1-based position, 0 is the bookmark
	typ      ColumnType
	size     int
	nullable bool
	autoInc  bool
}

func NewColumn(name string, typ ColumnType) *Column {
	return &Column{name: name, typ: typ}
}

func DwordColumn(name string) *Column {
	return NewColumn(name, TypeDword)
}

func BoolColumn(name string) *Column {
	return NewColumn(name, TypeBool)
}

// TextColumn declares a string column holding up to size characters.
func TextColumn(name string, size int) *Column {
	return NewColumn(name, TypeText).WithSize(size)
}

// BinaryColumn declares a binary column holding up to size bytes.
func BinaryColumn(name string, size int) *Column {
	return NewColumn(name, TypeBinary).WithSize(size)
}

func TimestampColumn(name string) *Column {
	return NewColumn(name, TypeTimestamp)
}

func (col *Column) WithSize(size int) *Column {
	col.size = size
	return col
}

func (col *Column) Nullable() *Column {
	col.nullable = true
	return col
}

func (col *Column) AutoIncrement() *Column {
	col.autoInc = true
	return col
}

func (col *Column) Table() *Table         { return col.table }
func (col *Column) Name() string          { return col.name }
func (col *Column) Ordinal() int          { return col.ordinal }
func (col *Column) Type() ColumnType      { return col.typ }
func (col *Column) Size() int             { return col.size }
func (col *Column) IsNullable() bool      { return col.nullable }
func (col *Column) IsAutoIncrement() bool { return col.autoInc }

func (col *Column) FullName() string {
	if col.table == nil {
		return col.name
	}
	return col.table.name + "." + col.name
}

func (col *Column) String() string {
	return col.FullName()
}

func (col *Column) def(defaultSize int) provider.ColumnDef {
	size := col.size
	if size == 0 && col.typ.IsVariable() {
		size = defaultSize
	}
	return provider.ColumnDef{
		Name:          col.name,
		Type:          col.typ,
		Size:          size,
		Nullable:      col.nullable,
		AutoIncrement: col.autoInc,
	}
}
