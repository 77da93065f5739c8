package tabdb

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/andreyvit/tabdb/provider"
	"github.com/andreyvit/tabdb/storage"
)

var (
	basicSchema = &Schema{}

	pkgID        = TextColumn("Id", 72)
	pkgSize      = DwordColumn("Size")
	pkgInstalled = BoolColumn("Installed")
	pkgNotes     = BinaryColumn("Notes", 0).Nullable()
	pkgUpdated   = TimestampColumn("Updated").Nullable()
	packageByID  = AddIndex("PackageId", "Id").Unique()
	packageTable = AddTable(basicSchema, "Package", []*Column{pkgID, pkgSize, pkgInstalled, pkgNotes, pkgUpdated}, []*Index{packageByID})

	fileComponent = TextColumn("Component", 72)
	fileName      = TextColumn("Name", 0)
	fileSeq       = DwordColumn("Seq")
	filesByComp   = AddIndex("ByComponent", "Component", "Seq")
	fileTable     = AddTable(basicSchema, "File", []*Column{fileComponent, fileName, fileSeq}, []*Index{filesByComp})
)

var allEngines = []storage.Engine{storage.EngineBolt, storage.EngineSQLite, storage.EngineMemory}

func TestPackageScenario(t *testing.T) {
	for _, engine := range allEngines {
		t.Run(string(engine), func(t *testing.T) {
			db := setupOpt(t, basicSchema, Options{Engine: engine})

			deepEqual(t, must(db.IsTableEmpty(packageTable)), true)

			tx := must(db.Begin())
			insertPackage(t, db, "A", 100, false)
			ensure(t, tx.Commit())

			deepEqual(t, must(db.IsTableEmpty(packageTable)), false)

			row := lookupPackage(t, db, "A")
			deepEqual(t, must(row.Dword(pkgSize)), uint32(100))
			deepEqual(t, must(row.Bool(pkgInstalled)), false)
			deepEqual(t, must(row.String(pkgID)), "A")

			ensure(t, row.Delete())
			row.Free()

			q := must(db.BeginQuery(packageTable, packageByID))
			ensure(t, q.AppendString("A"))
			_, err := q.RunExact()
			errIs(t, err, ErrNotFound)

			ensure(t, db.Verify(packageTable))
		})
	}
}

func TestCreateOpenErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, basicSchema, Options{IsTesting: true})
	errIs(t, err, ErrNotFound)

	db := must(Create(path, basicSchema, Options{IsTesting: true}))
	ensure(t, db.Close())

	_, err = Create(path, basicSchema, Options{IsTesting: true})
	errIs(t, err, ErrStoreExists)

	db = must(Open(path, basicSchema, Options{IsTesting: true}))
	ensure(t, db.Close())
	ensure(t, db.Close())

	_, err = db.PrepareInsert(packageTable)
	errIs(t, err, ErrClosed)
}

func TestOpenDiscoversSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db := must(EnsureDatabase(path, basicSchema, Options{IsTesting: true}))
	insertPackage(t, db, "A", 100, true)
	ensure(t, db.Close())

	db = must(Open(path, nil, Options{IsTesting: true}))
	defer db.Close()

	deepEqual(t, db.TableNames(), []string{"File", "Package"})
	tbl := db.Schema().TableNamed("package")
	isnonnil(t, tbl)
	isnil(t, db.Schema().TableNamed("nope"))
	deepEqual(t, len(tbl.Columns()), 5)
	deepEqual(t, tbl.Column("Notes").Size(), DefaultColumnSize)
	deepEqual(t, tbl.Column("Notes").IsNullable(), true)
	idx := tbl.Index("PackageId")
	isnonnil(t, idx)
	deepEqual(t, idx.IsUnique(), true)

	q := must(db.BeginQuery(tbl, idx))
	ensure(t, q.AppendString("A"))
	row := must(q.RunExact())
	defer row.Free()
	deepEqual(t, must(row.Dword(tbl.Column("Size"))), uint32(100))
	deepEqual(t, must(row.Bool(tbl.Column("Installed"))), true)
}

func TestUniqueViolation(t *testing.T) {
	db := setup(t, basicSchema)
	insertPackage(t, db, "A", 1, false)

	row := must(db.PrepareInsert(packageTable))
	defer row.Free()
	ensure(t, row.SetString(pkgID, "A"))
	ensure(t, row.SetDword(pkgSize, 2))
	ensure(t, row.SetBool(pkgInstalled, false))
	err := row.FinishUpdate()
	errIs(t, err, ErrProviderFailure)

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("** got %T %v, wanted a ProviderError", err, err)
	}
	deepEqual(t, perr.Code, provider.CodeDuplicateKey)

	var terr *TableError
	if !errors.As(err, &terr) || terr.Table != packageTable {
		t.Errorf("** got %v, wanted a TableError naming Package", err)
	}
}

func TestMissingRequiredColumn(t *testing.T) {
	db := setup(t, basicSchema)
	row := must(db.PrepareInsert(packageTable))
	defer row.Free()
	ensure(t, row.SetString(pkgID, "A"))
	err := row.FinishUpdate()
	errIs(t, err, ErrProviderFailure)
	deepEqual(t, must(db.IsTableEmpty(packageTable)), true)
}

func TestVerboseLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	db := setupOpt(t, basicSchema, Options{Logger: logger, Verbose: true})

	insertPackage(t, db, "A", 100, false)
	row := lookupPackage(t, db, "A")
	row.Free()

	out := buf.String()
	for _, s := range []string{"db: INSERT Package/1", `\"Id\":\"A\"`, "db: SEEK Package.PackageId => Package/1"} {
		if !strings.Contains(out, s) {
			t.Errorf("** log does not contain %q:\n%s", s, out)
		}
	}
}

func TestDump(t *testing.T) {
	db := setup(t, basicSchema)
	insertPackage(t, db, "A", 100, false)
	insertFile(t, db, "C", "f.txt", 1)

	out := must(db.Dump(DumpAll))
	for _, s := range []string{
		"Package (1 rows)",
		`Package.1 = {"Id":"A","Installed":false,"Size":100}`,
		"Package.i.PackageId (1 rows) UNIQUE",
		"Package.i.PackageId.1: A => 1",
		"File.i.ByComponent.1: C|1 => 1",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("** dump does not contain %q:\n%s", s, out)
		}
	}

	st := must(db.TableStats(packageTable))
	deepEqual(t, st.Rows, int64(1))
	deepEqual(t, st.IndexRows["PackageId"], int64(1))
}

func insertPackage(t testing.TB, db *DB, id string, size uint32, installed bool) {
	t.Helper()
	row := must(db.PrepareInsert(packageTable))
	defer row.Free()
	ensure(t, row.SetString(pkgID, id))
	ensure(t, row.SetDword(pkgSize, size))
	ensure(t, row.SetBool(pkgInstalled, installed))
	ensure(t, row.FinishUpdate())
}

func insertFile(t testing.TB, db *DB, comp, name string, seq uint32) {
	t.Helper()
	row := must(db.PrepareInsert(fileTable))
	defer row.Free()
	ensure(t, row.SetString(fileComponent, comp))
	ensure(t, row.SetString(fileName, name))
	ensure(t, row.SetDword(fileSeq, seq))
	ensure(t, row.FinishUpdate())
}

func lookupPackage(t testing.TB, db *DB, id string) *Row {
	t.Helper()
	q := must(db.BeginQuery(packageTable, packageByID))
	ensure(t, q.AppendString(id))
	row, err := q.RunExact()
	if err != nil {
		t.Fatalf("** lookup %q: %v", id, err)
	}
	return row
}

func setup(t testing.TB, schema *Schema) *DB {
	return setupOpt(t, schema, Options{})
}

func setupOpt(t testing.TB, schema *Schema, opt Options) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	t.Logf("DB: %s", path)
	opt.IsTesting = true
	db := must(EnsureDatabase(path, schema, opt))
	t.Cleanup(func() { db.Close() })
	return db
}

func ensure(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** %v", err)
	}
}

func errIs(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Fatalf("** got nil %T, wanted non-nil", a)
	}
}
