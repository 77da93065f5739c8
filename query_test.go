package tabdb

import (
	"strings"
	"testing"
)

func TestRunRange(t *testing.T) {
	for _, engine := range allEngines {
		t.Run(string(engine), func(t *testing.T) {
			db := setupOpt(t, basicSchema, Options{Engine: engine})
			insertFile(t, db, "A", "a3", 3)
			insertFile(t, db, "B", "b1", 1)
			insertFile(t, db, "A", "a1", 1)
			insertFile(t, db, "AB", "ab1", 1)
			insertFile(t, db, "A", "a2", 2)

			q := must(db.BeginQuery(fileTable, filesByComp))
			ensure(t, q.AppendString("A"))
			res := must(q.RunRange())
			var names []string
			for row, err := range res.Rows() {
				ensure(t, err)
				names = append(names, must(row.String(fileName)))
			}
			ensure(t, res.Close())
			deepEqual(t, names, []string{"a1", "a2", "a3"})

			q = must(db.BeginQuery(fileTable, filesByComp))
			ensure(t, q.AppendString("A"))
			ensure(t, q.AppendDword(2))
			res = must(q.RunRange())
			row := must(res.Next())
			deepEqual(t, must(row.String(fileName)), "a2")
			_, err := res.Next()
			errIs(t, err, ErrNotFound)
			ensure(t, res.Close())

			// rows outlive their results
			deepEqual(t, must(row.Dword(fileSeq)), uint32(2))
			row.Free()
		})
	}
}

func TestRunRangeEmpty(t *testing.T) {
	db := setup(t, basicSchema)
	insertFile(t, db, "A", "a1", 1)

	q := must(db.BeginQuery(fileTable, filesByComp))
	ensure(t, q.AppendString("Z"))
	res := must(q.RunRange())
	defer res.Close()
	_, err := res.Next()
	errIs(t, err, ErrNotFound)
	_, err = res.Next()
	errIs(t, err, ErrNotFound)
}

func TestQueryKeyOverColumnSize(t *testing.T) {
	db := setup(t, basicSchema)
	long := strings.Repeat("a", 73)
	insertPackage(t, db, long[:72], 1, false)
	insertFile(t, db, long[:72], "f", 1)

	q := must(db.BeginQuery(packageTable, packageByID))
	ensure(t, q.AppendString(long))
	_, err := q.RunExact()
	errIs(t, err, ErrNotFound)

	q = must(db.BeginQuery(fileTable, filesByComp))
	ensure(t, q.AppendString(long))
	res := must(q.RunRange())
	_, err = res.Next()
	errIs(t, err, ErrNotFound)
	ensure(t, res.Close())

	row := lookupPackage(t, db, long[:72])
	row.Free()
}

func TestQueryMisuse(t *testing.T) {
	db := setup(t, basicSchema)
	insertPackage(t, db, "A", 1, false)

	q := must(db.BeginQuery(packageTable, packageByID))
	errIs(t, q.AppendDword(1), ErrBindingRejected)
	ensure(t, q.AppendString("A"))
	errIs(t, q.AppendString("B"), ErrBindingRejected)
	row := must(q.RunExact())
	row.Free()
	_, err := q.RunExact()
	errIs(t, err, ErrQueryConsumed)
	errIs(t, q.AppendString("A"), ErrQueryConsumed)

	q = must(db.BeginQuery(packageTable, packageByID))
	_, err = q.RunRange()
	errIs(t, err, ErrBindingRejected)

	_, err = db.BeginQuery(packageTable, filesByComp)
	if err == nil {
		t.Errorf("** query with a foreign index succeeded")
	}
}

func TestTableBusy(t *testing.T) {
	db := setup(t, basicSchema)
	insertPackage(t, db, "A", 1, false)

	row := lookupPackage(t, db, "A")
	errIs(t, db.CloseTable(packageTable), ErrTableBusy)
	row.Free()

	q := must(db.BeginQuery(packageTable, packageByID))
	ensure(t, q.AppendString("A"))
	res := must(q.RunRange())
	errIs(t, db.CloseTable(packageTable), ErrTableBusy)
	ensure(t, res.Close())

	ensure(t, db.CloseTable(packageTable))
	row = lookupPackage(t, db, "A")
	row.Free()
}
