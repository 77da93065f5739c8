package tabdb

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/andreyvit/tabdb/provider"
	"github.com/andreyvit/tabdb/storage"
)

// DefaultMaxRowSize caps the staging buffer of a single row.
const DefaultMaxRowSize = 16 << 20

type Options struct {
	// Engine selects the storage backend, storage.EngineBolt by default.
	Engine storage.Engine

	// MaxSize caps the store file size (storage.DefaultMaxSize by default,
	// negative to disable).
	MaxSize int64

	// DefaultColumnSize is the width of text and binary columns declared
	// without a size (DefaultColumnSize by default).
	DefaultColumnSize int

	// MaxRowSize caps the staging buffer of rows and queries
	// (DefaultMaxRowSize by default).
	MaxRowSize int

	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int
}

func (opt *Options) setDefaults() {
	if opt.DefaultColumnSize == 0 {
		opt.DefaultColumnSize = DefaultColumnSize
	}
	if opt.MaxRowSize == 0 {
		opt.MaxRowSize = DefaultMaxRowSize
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
}

func (opt *Options) storageOptions() storage.Options {
	return storage.Options{
		MaxSize:         opt.MaxSize,
		NoSync:          opt.IsTesting,
		InitialMmapSize: opt.MmapSize,
	}
}

type DB struct {
	sess    provider.Session
	schema  *Schema
	opt     Options
	logger  *slog.Logger
	verbose bool
	closed  bool

	tables []*tableHandle // by Table.pos
	txn    txState

	commits        atomic.Int64
	aborts         atomic.Int64
	tablesCreated  atomic.Int64
	indexesCreated atomic.Int64
}

// tableHandle holds the provider cursors of one table. The change cursor is
// shared by every row of the table; the read cursor backs FirstRow/NextRow.
type tableHandle struct {
	change      provider.Rowset
	read        provider.Rowset
	outstanding int
}

// Stats counts physical operations performed through a DB.
type Stats struct {
	Commits        int64
	Aborts         int64
	TablesCreated  int64
	IndexesCreated int64
}

// Create creates a new store at path. It fails with ErrStoreExists if the
// file already exists. The schema is not applied; call EnsureSchema.
func Create(path string, schema *Schema, opt Options) (*DB, error) {
	exists, err := storage.Exists(opt.Engine, path)
	if err != nil {
		return nil, fmt.Errorf("tabdb: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("tabdb: %s: %w", path, ErrStoreExists)
	}
	return openStorage(path, true, schema, opt)
}

// Open opens an existing store. It fails with ErrNotFound if there is none.
// A nil schema is discovered from the tables in the store.
func Open(path string, schema *Schema, opt Options) (*DB, error) {
	exists, err := storage.Exists(opt.Engine, path)
	if err != nil {
		return nil, fmt.Errorf("tabdb: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("tabdb: %s: %w", path, ErrNotFound)
	}
	return openStorage(path, false, schema, opt)
}

// EnsureDatabase opens the store at path, creating it if needed, and
// applies the schema.
func EnsureDatabase(path string, schema *Schema, opt Options) (*DB, error) {
	exists, err := storage.Exists(opt.Engine, path)
	if err != nil {
		return nil, fmt.Errorf("tabdb: %w", err)
	}
	db, err := openStorage(path, !exists, schema, opt)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openStorage(path string, create bool, schema *Schema, opt Options) (*DB, error) {
	opt.setDefaults()
	st, err := storage.Open(opt.Engine, path, create, opt.storageOptions())
	if err != nil {
		return nil, fmt.Errorf("tabdb: %w", err)
	}
	sess := provider.NewKVSession(st, provider.Options{Logger: opt.Logger})
	db, err := OpenSession(sess, schema, opt)
	if err != nil {
		sess.Close()
		return nil, err
	}
	return db, nil
}

// OpenSession attaches to an open provider session, which the DB then owns.
func OpenSession(sess provider.Session, schema *Schema, opt Options) (*DB, error) {
	opt.setDefaults()
	if schema == nil {
		var err error
		schema, err = discoverSchema(sess)
		if err != nil {
			return nil, err
		}
	}
	schema.frozen = true
	return &DB{
		sess:    sess,
		schema:  schema,
		opt:     opt,
		logger:  opt.Logger,
		verbose: opt.Verbose,
		tables:  make([]*tableHandle, len(schema.tables)),
	}, nil
}

func discoverSchema(sess provider.Session) (*Schema, error) {
	names, err := sess.Tables()
	if err != nil {
		return nil, providerErr("list tables", err)
	}
	defs := make([]*provider.TableDef, 0, len(names))
	for _, name := range names {
		def, err := sess.OpenTable(name)
		if err != nil {
			return nil, providerErr("open table "+name, err)
		}
		defs = append(defs, def)
	}
	scm, err := schemaFromDefs(defs)
	if err != nil {
		return nil, fmt.Errorf("tabdb: stored schema: %w", err)
	}
	return scm, nil
}

func (db *DB) Schema() *Schema {
	return db.schema
}

func (db *DB) Session() provider.Session {
	return db.sess
}

func (db *DB) Stats() Stats {
	return Stats{
		Commits:        db.commits.Load(),
		Aborts:         db.aborts.Load(),
		TablesCreated:  db.tablesCreated.Load(),
		IndexesCreated: db.indexesCreated.Load(),
	}
}

func (db *DB) logf(format string, args ...any) {
	db.logger.Debug(fmt.Sprintf(format, args...))
}

func (db *DB) check(tbl *Table) (*tableHandle, error) {
	if db.closed {
		return nil, ErrClosed
	}
	if tbl == nil || tbl.schema != db.schema {
		return nil, fmt.Errorf("tabdb: table %v does not belong to the database schema", tbl)
	}
	h := db.tables[tbl.pos]
	if h == nil {
		h = &tableHandle{}
		db.tables[tbl.pos] = h
	}
	return h, nil
}

// changeCursor returns the table's shared row-change cursor, opening it if
// necessary.
func (db *DB) changeCursor(tbl *Table) (provider.Rowset, error) {
	h, err := db.check(tbl)
	if err != nil {
		return nil, err
	}
	if h.change == nil {
		rs, err := db.sess.OpenRowset(tbl.name, "")
		if err != nil {
			return nil, tableErr(tbl, nil, nil, "open", providerErr("OpenRowset", err))
		}
		h.change = rs
	}
	return h.change, nil
}

func (db *DB) readCursor(tbl *Table) (provider.Rowset, error) {
	h, err := db.check(tbl)
	if err != nil {
		return nil, err
	}
	if h.read == nil {
		rs, err := db.sess.OpenRowset(tbl.name, "")
		if err != nil {
			return nil, tableErr(tbl, nil, nil, "open", providerErr("OpenRowset", err))
		}
		h.read = rs
	}
	return h.read, nil
}

func (db *DB) acquire(tbl *Table) {
	db.tables[tbl.pos].outstanding++
}

func (db *DB) release(tbl *Table) {
	if db.closed {
		return
	}
	if h := db.tables[tbl.pos]; h != nil && h.outstanding > 0 {
		h.outstanding--
	}
}

func (h *tableHandle) closeCursors() error {
	var errs []error
	if h.change != nil {
		errs = append(errs, h.change.Close())
		h.change = nil
	}
	if h.read != nil {
		errs = append(errs, h.read.Close())
		h.read = nil
	}
	return errors.Join(errs...)
}

// CloseTable releases the table's cursors; they are reopened on demand.
// Fails with ErrTableBusy while rows or results of the table are
// outstanding.
func (db *DB) CloseTable(tbl *Table) error {
	h, err := db.check(tbl)
	if err != nil {
		return err
	}
	if h.outstanding > 0 {
		return tableErr(tbl, nil, nil, "close", ErrTableBusy)
	}
	return tableErr(tbl, nil, nil, "close", providerErr("Close", h.closeCursors()))
}

// IsTableEmpty reports whether the table has no rows. It restarts the
// table's read cursor, so a FirstRow/NextRow iteration in progress starts
// over.
func (db *DB) IsTableEmpty(tbl *Table) (bool, error) {
	row, err := db.FirstRow(tbl)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	row.Free()
	return false, nil
}

// Verify checks the stored records and indexes of a table.
func (db *DB) Verify(tbl *Table) error {
	if _, err := db.check(tbl); err != nil {
		return err
	}
	return tableErr(tbl, nil, nil, "verify", providerErr("Verify", db.sess.Verify(tbl.name)))
}

// Close closes all cursors, aborts a transaction left open and closes the
// provider session.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	var errs []error
	for _, h := range db.tables {
		if h != nil {
			errs = append(errs, h.closeCursors())
		}
	}
	if db.txn.ptx != nil {
		db.logger.Warn("tabdb: closing with an open transaction, aborting", "depth", db.txn.n.Load())
		errs = append(errs, db.txn.ptx.Abort())
		db.aborts.Add(1)
		db.txn.reset()
	}
	errs = append(errs, db.sess.Close())
	db.closed = true
	db.tables = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("tabdb: closing: %w", err)
	}
	return nil
}
