package tabdb

import (
	"fmt"

	"github.com/andreyvit/tabdb/provider"
)

type Index struct {
	table       *Table
	name        string
	columnNames []string
	columns     []*Column
	isUnique    bool
}

// AddIndex declares an index over the named columns, in key order. Pass it
// to AddTable.
func AddIndex(name string, columns ...string) *Index {
	return &Index{
		name:        name,
		columnNames: columns,
	}
}

func (idx *Index) Unique() *Index {
	idx.isUnique = true
	return idx
}

// resolve looks up the key columns of idx in tbl.
func (idx *Index) resolve(tbl *Table) ([]*Column, error) {
	if idx.table != nil {
		return nil, fmt.Errorf("%s: index %s already belongs to table %s", tbl.name, idx.name, idx.table.name)
	}
	if len(idx.columnNames) == 0 {
		return nil, fmt.Errorf("%s.%s: index has no columns", tbl.name, idx.name)
	}
	cols := make([]*Column, len(idx.columnNames))
	for i, name := range idx.columnNames {
		col := tbl.Column(name)
		if col == nil {
			return nil, fmt.Errorf("%s.%s: unknown column %q", tbl.name, idx.name, name)
		}
		cols[i] = col
	}
	return cols, nil
}

func (idx *Index) Table() *Table {
	return idx.table
}

func (idx *Index) ShortName() string {
	return idx.name
}

func (idx *Index) FullName() string {
	if idx.table == nil {
		return idx.name
	}
	return idx.table.name + "." + idx.name
}

func (idx *Index) String() string {
	return idx.FullName()
}

func (idx *Index) Columns() []*Column {
	return append([]*Column(nil), idx.columns...)
}

func (idx *Index) IsUnique() bool {
	return idx.isUnique
}

func (idx *Index) def() provider.IndexDef {
	return provider.IndexDef{
		Name:    idx.name,
		Columns: append([]string(nil), idx.columnNames...),
		Unique:  idx.isUnique,
	}
}
