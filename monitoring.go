package tabdb

import (
	"errors"

	"github.com/goccy/go-json"

	"github.com/andreyvit/tabdb/provider"
)

type TableStats = provider.TableStats

func (db *DB) TableStats(tbl *Table) (TableStats, error) {
	if _, err := db.check(tbl); err != nil {
		return TableStats{}, err
	}
	st, err := db.sess.TableStats(tbl.name)
	return st, tableErr(tbl, nil, nil, "stats", providerErr("TableStats", err))
}

// loggableStaged renders the staged values of a row as JSON.
func loggableStaged(tbl *Table, a *arena) string {
	m := make(map[string]any, len(a.bindings))
	for _, b := range a.bindings {
		col := tbl.columns[b.Ordinal-1]
		v := a.value(b)
		if v == nil {
			m[col.name] = nil
			continue
		}
		val, err := decodeValue(col.typ, v)
		if err != nil {
			m[col.name] = "<" + err.Error() + ">"
			continue
		}
		m[col.name] = val
	}
	return string(must(json.Marshal(m)))
}

// loggableRow renders all stored values of a row as JSON, NULL columns
// omitted.
func loggableRow(row *Row) (string, error) {
	m := make(map[string]any, len(row.tbl.columns))
	for _, col := range row.tbl.columns {
		v, err := row.Value(col)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return "", err
		}
		m[col.name] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
