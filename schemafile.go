package tabdb

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// SchemaFile is the JSON form of a schema:
//
//	{"tables": [{
//	    "name": "Package",
//	    "columns": [{"name": "Id", "type": "text", "size": 72}, {"name": "Size", "type": "dword"}],
//	    "indexes": [{"name": "PackageId", "columns": ["Id"], "unique": true}]
//	}]}
type SchemaFile struct {
	Tables []TableFile `json:"tables"`
}

type TableFile struct {
	Name    string       `json:"name"`
	Columns []ColumnFile `json:"columns"`
	Indexes []IndexFile  `json:"indexes,omitempty"`
}

type ColumnFile struct {
	Name          string     `json:"name"`
	Type          ColumnType `json:"type"`
	Size          int        `json:"size,omitempty"`
	Nullable      bool       `json:"nullable,omitempty"`
	AutoIncrement bool       `json:"autoincrement,omitempty"`
}

type IndexFile struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

func ParseSchema(data []byte) (*Schema, error) {
	var sf SchemaFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	scm := &Schema{}
	for _, tf := range sf.Tables {
		cols := make([]*Column, len(tf.Columns))
		for i, cf := range tf.Columns {
			if cf.Size < 0 {
				return nil, fmt.Errorf("schema: %s.%s: negative size", tf.Name, cf.Name)
			}
			col := NewColumn(cf.Name, cf.Type).WithSize(cf.Size)
			if cf.Nullable {
				col.Nullable()
			}
			if cf.AutoIncrement {
				col.AutoIncrement()
			}
			cols[i] = col
		}
		idxs := make([]*Index, len(tf.Indexes))
		for i, xf := range tf.Indexes {
			idxs[i] = AddIndex(xf.Name, xf.Columns...)
			if xf.Unique {
				idxs[i].Unique()
			}
		}
		if _, err := addTable(scm, tf.Name, cols, idxs); err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
	}
	return scm, nil
}

func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	scm, err := ParseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return scm, nil
}

// SchemaFileOf converts a schema back to its JSON form.
func SchemaFileOf(scm *Schema) *SchemaFile {
	sf := &SchemaFile{}
	for _, tbl := range scm.tables {
		tf := TableFile{Name: tbl.name}
		for _, col := range tbl.columns {
			tf.Columns = append(tf.Columns, ColumnFile{
				Name:          col.name,
				Type:          col.typ,
				Size:          col.size,
				Nullable:      col.nullable,
				AutoIncrement: col.autoInc,
			})
		}
		for _, idx := range tbl.indexes {
			tf.Indexes = append(tf.Indexes, IndexFile{
				Name:    idx.name,
				Columns: append([]string(nil), idx.columnNames...),
				Unique:  idx.isUnique,
			})
		}
		sf.Tables = append(sf.Tables, tf)
	}
	return sf
}
