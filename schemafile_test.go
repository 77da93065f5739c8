package tabdb

import (
	"testing"

	"github.com/goccy/go-json"
)

const packageSchemaJSON = `{"tables": [{
	"name": "Package",
	"columns": [
		{"name": "Id", "type": "text", "size": 72},
		{"name": "Size", "type": "dword"},
		{"name": "Notes", "type": "binary", "nullable": true},
		{"name": "Seq", "type": "dword", "autoincrement": true}
	],
	"indexes": [{"name": "PackageId", "columns": ["Id"], "unique": true}]
}]}`

func TestParseSchema(t *testing.T) {
	scm := must(ParseSchema([]byte(packageSchemaJSON)))
	tbl := scm.TableNamed("Package")
	isnonnil(t, tbl)
	deepEqual(t, tbl.Column("Id").Type(), TypeText)
	deepEqual(t, tbl.Column("Id").Size(), 72)
	deepEqual(t, tbl.Column("Notes").IsNullable(), true)
	deepEqual(t, tbl.Column("Seq").IsAutoIncrement(), true)
	deepEqual(t, tbl.Index("PackageId").IsUnique(), true)

	data := must(json.Marshal(SchemaFileOf(scm)))
	again := must(ParseSchema(data))
	deepEqual(t, SchemaFileOf(again), SchemaFileOf(scm))

	db := setup(t, scm)
	deepEqual(t, db.TableNames(), []string{"Package"})
}

func TestParseSchemaErrors(t *testing.T) {
	for _, s := range []string{
		`{"tables": [{"name": "T", "columns": [{"name": "A", "type": "float"}]}]}`,
		`{"tables": [{"name": "T", "columns": [{"name": "A", "type": "dword"}], "indexes": [{"name": "X", "columns": ["B"]}]}]}`,
		`{"tables": [{"name": "T", "columns": [{"name": "A", "type": "text", "size": -1}]}]}`,
		`{"tables": [{"name": "T", "columns": [{"name": "A", "type": "dword"}]}, {"name": "t", "columns": [{"name": "A", "type": "dword"}]}]}`,
		`{"tables": [`,
	} {
		if _, err := ParseSchema([]byte(s)); err == nil {
			t.Errorf("** ParseSchema(%s) succeeded", s)
		}
	}
}
