package tabdb

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/andreyvit/tabdb/provider"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the contents of every table for debugging. It uses its own
// rowsets and leaves the tables' read cursors alone.
func (db *DB) Dump(f DumpFlags) (string, error) {
	var buf strings.Builder
	for _, tbl := range db.schema.tables {
		if err := db.dumpTable(&buf, f, tbl); err != nil {
			return buf.String(), err
		}
	}
	return buf.String(), nil
}

func (db *DB) dumpTable(w *strings.Builder, f DumpFlags, tbl *Table) error {
	s, err := db.TableStats(tbl)
	if err != nil {
		return err
	}
	prefix := tbl.name

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, s.Rows)
	}
	if f.Contains(DumpStats) {
		var indexRows int64
		for _, n := range s.IndexRows {
			indexRows += n
		}
		fmt.Fprintf(w, "%s.stats: index_rows = %d, data_size = %d, data_alloc = %d, total_size = %d\n", prefix, indexRows, s.DataSize, s.DataAlloc, s.TotalSize())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		err := db.eachBookmark(tbl, nil, func(rowPos int, bm provider.Bookmark) error {
			row := db.newRow(tbl, bm, false)
			defer row.Free()
			data, err := loggableRow(row)
			if err != nil {
				fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", prefix, bm, err)
				return nil
			}
			fmt.Fprintf(w, "%s.%d = %s\n", prefix, bm, data)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if f.Contains(DumpIndices) {
		for _, idx := range tbl.indexes {
			fmt.Fprintln(w, dumpSep2)
			iprefix := prefix + ".i." + idx.name
			unique := ""
			if idx.isUnique {
				unique = " UNIQUE"
			}
			fmt.Fprintf(w, "%s (%d rows)%s\n", iprefix, s.IndexRows[idx.name], unique)
			if !f.Contains(DumpIndexRows) {
				continue
			}
			err := db.eachBookmark(tbl, idx, func(rowPos int, bm provider.Bookmark) error {
				row := db.newRow(tbl, bm, false)
				defer row.Free()
				key := make([]string, len(idx.columns))
				for i, col := range idx.columns {
					v, err := row.Value(col)
					if errors.Is(err, ErrNotFound) {
						key[i] = "NULL"
					} else if err != nil {
						return err
					} else {
						key[i] = fmt.Sprint(v)
					}
				}
				fmt.Fprintf(w, "%s.%d: %s => %d\n", iprefix, rowPos, strings.Join(key, "|"), bm)
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// eachBookmark walks a table in bookmark order, or in index order if idx
// is not nil.
func (db *DB) eachBookmark(tbl *Table, idx *Index, f func(rowPos int, bm provider.Bookmark) error) error {
	if _, err := db.changeCursor(tbl); err != nil {
		return err
	}
	var idxName string
	if idx != nil {
		idxName = idx.name
	}
	rs, err := db.sess.OpenRowset(tbl.name, idxName)
	if err != nil {
		return tableErr(tbl, idx, nil, "dump", providerErr("OpenRowset", err))
	}
	defer rs.Close()
	for pos := 1; ; pos++ {
		bm, err := rs.GetNextRow()
		if provider.CodeOf(err) == provider.CodeEndOfRowset {
			return nil
		} else if err != nil {
			return tableErr(tbl, idx, nil, "dump", providerErr("GetNextRow", err))
		}
		if err := f(pos, bm); err != nil {
			return err
		}
	}
}

// TableNames lists the tables of the schema, sorted.
func (db *DB) TableNames() []string {
	names := make([]string, len(db.schema.tables))
	for i, tbl := range db.schema.tables {
		names[i] = tbl.name
	}
	sort.Strings(names)
	return names
}
