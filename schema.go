package tabdb

import (
	"fmt"
	"strings"

	"github.com/andreyvit/tabdb/provider"
)

type ColumnType = provider.ColumnType

const (
	TypeDword     = provider.TypeDword
	TypeBool      = provider.TypeBool
	TypeBinary    = provider.TypeBinary
	TypeText      = provider.TypeText
	TypeTimestamp = provider.TypeTimestamp
)

// DefaultColumnSize is the width given to text and binary columns declared
// without a size.
const DefaultColumnSize = 255

// Schema is an ordered list of tables. A schema is built before opening a
// database and is read-only afterwards; one schema can serve several
// databases.
type Schema struct {
	tables            []*Table
	tablesByLowerName map[string]*Table
	frozen            bool
}

func (scm *Schema) init() {
	if scm.tablesByLowerName == nil {
		scm.tablesByLowerName = make(map[string]*Table)
	}
}

func (scm *Schema) Tables() []*Table {
	return append([]*Table(nil), scm.tables...)
}

func (scm *Schema) TableNamed(name string) *Table {
	return scm.tablesByLowerName[strings.ToLower(name)]
}

func (scm *Schema) addTable(tbl *Table) {
	scm.init()
	if scm.frozen {
		panic(fmt.Errorf("%s: schema is in use by an open database", tbl.name))
	}
	lower := strings.ToLower(tbl.name)
	if scm.tablesByLowerName[lower] != nil {
		panic(fmt.Errorf("duplicate table %s", tbl.name))
	}
	tbl.schema = scm
	tbl.pos = len(scm.tables)
	scm.tables = append(scm.tables, tbl)
	scm.tablesByLowerName[lower] = tbl
}

// schemaFromDefs builds a schema out of stored table definitions.
func schemaFromDefs(defs []*provider.TableDef) (*Schema, error) {
	scm := &Schema{}
	for _, def := range defs {
		cols := make([]*Column, len(def.Columns))
		for i, cd := range def.Columns {
			col := NewColumn(cd.Name, cd.Type).WithSize(cd.Size)
			if cd.Nullable {
				col.Nullable()
			}
			if cd.AutoIncrement {
				col.AutoIncrement()
			}
			cols[i] = col
		}
		idxs := make([]*Index, len(def.Indexes))
		for i, id := range def.Indexes {
			idxs[i] = AddIndex(id.Name, id.Columns...)
			if id.Unique {
				idxs[i].Unique()
			}
		}
		if _, err := addTable(scm, def.Name, cols, idxs); err != nil {
			return nil, err
		}
	}
	return scm, nil
}
