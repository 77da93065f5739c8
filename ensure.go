package tabdb

import (
	"fmt"
	"strings"
	"time"

	"github.com/andreyvit/tabdb/provider"
)

// EnsureSchema makes the store match the database schema: missing tables
// and indexes are created, existing tables are checked column by column.
// Everything happens in one transaction scope, so either the whole schema
// is applied or nothing is. Running it again against an up-to-date store
// only opens and verifies tables.
func (db *DB) EnsureSchema() error {
	start := time.Now()
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	var opened []*Table
	var created, indexed int
	for _, tbl := range db.schema.tables {
		tc, ic, err := db.ensureTable(tbl, &opened)
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				db.logger.Error("tabdb: ensure schema: rollback failed", "err", rerr)
			}
			for _, tbl := range opened {
				if h := db.tables[tbl.pos]; h != nil {
					h.closeCursors()
				}
			}
			return err
		}
		created += tc
		indexed += ic
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tabdb: ensure schema: %w", err)
	}
	if created > 0 || indexed > 0 {
		db.logger.Info("tabdb: schema updated", "tables_created", created, "indexes_created", indexed, "ms", time.Since(start).Milliseconds())
	}
	return nil
}

func (db *DB) ensureTable(tbl *Table, opened *[]*Table) (tablesCreated, indexesCreated int, err error) {
	h, err := db.check(tbl)
	if err != nil {
		return 0, 0, err
	}

	def, err := db.sess.OpenTable(tbl.name)
	if provider.CodeOf(err) == provider.CodeTableNotFound {
		err = db.sess.CreateTable(tbl.def(db.opt.DefaultColumnSize))
		if err != nil {
			return 0, 0, tableErr(tbl, nil, nil, "create", providerErr("CreateTable", err))
		}
		db.tablesCreated.Add(1)
		db.indexesCreated.Add(int64(len(tbl.indexes)))
		if db.verbose {
			db.logf("db: CREATE_TABLE %s (%d columns, %d indexes)", tbl.name, len(tbl.columns), len(tbl.indexes))
		}
		tablesCreated, indexesCreated = 1, len(tbl.indexes)
	} else if err != nil {
		return 0, 0, tableErr(tbl, nil, nil, "open", providerErr("OpenTable", err))
	} else {
		if err := verifyColumns(tbl, def, db.opt.DefaultColumnSize); err != nil {
			return 0, 0, err
		}
		var missing []*Index
		for _, idx := range tbl.indexes {
			stored := def.IndexNamed(idx.name)
			if stored == nil {
				missing = append(missing, idx)
			} else if err := verifyIndex(idx, stored); err != nil {
				return 0, 0, err
			}
		}
		if len(missing) > 0 {
			if h.outstanding > 0 {
				return 0, 0, tableErr(tbl, nil, nil, "create index", ErrTableBusy)
			}
			// Indexes cannot be created while the table has open rowsets.
			if err := h.closeCursors(); err != nil {
				return 0, 0, tableErr(tbl, nil, nil, "close", providerErr("Close", err))
			}
			for _, idx := range missing {
				err := db.sess.CreateIndex(tbl.name, idx.def())
				if provider.CodeOf(err) == provider.CodeIndexExists {
					continue
				} else if err != nil {
					return 0, 0, tableErr(tbl, idx, nil, "create index", providerErr("CreateIndex", err))
				}
				db.indexesCreated.Add(1)
				indexesCreated++
				if db.verbose {
					db.logf("db: CREATE_INDEX %s", idx.FullName())
				}
			}
		}
	}

	if h.change == nil {
		if _, err := db.changeCursor(tbl); err != nil {
			return 0, 0, err
		}
		*opened = append(*opened, tbl)
	}
	return tablesCreated, indexesCreated, nil
}

// verifyColumns checks declared columns against the stored definition by
// position. The store may have extra trailing columns.
func verifyColumns(tbl *Table, def *provider.TableDef, defaultSize int) error {
	for i, col := range tbl.columns {
		if i >= len(def.Columns) {
			return tableErr(tbl, nil, col, "ensure", fmt.Errorf("%w: column missing from the stored table", ErrSchemaConflict))
		}
		stored, declared := def.Columns[i], col.def(defaultSize)
		if !strings.EqualFold(stored.Name, declared.Name) || stored.Type != declared.Type ||
			stored.Size != declared.Size || stored.Nullable != declared.Nullable || stored.AutoIncrement != declared.AutoIncrement {
			return tableErr(tbl, nil, col, "ensure", fmt.Errorf("%w: declared %v, stored %v", ErrSchemaConflict, declared, stored))
		}
	}
	return nil
}

// verifyIndex checks that a stored index has the declared key columns, in
// order, and the same uniqueness.
func verifyIndex(idx *Index, stored *provider.IndexDef) error {
	declared := idx.def()
	same := declared.Unique == stored.Unique && len(declared.Columns) == len(stored.Columns)
	for i := 0; same && i < len(declared.Columns); i++ {
		same = strings.EqualFold(declared.Columns[i], stored.Columns[i])
	}
	if !same {
		return tableErr(idx.table, idx, nil, "ensure", fmt.Errorf("%w: declared %v unique=%v, stored %v unique=%v",
			ErrSchemaConflict, declared.Columns, declared.Unique, stored.Columns, stored.Unique))
	}
	return nil
}
