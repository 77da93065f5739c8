package tabdb

import (
	"errors"
	"strings"
	"testing"
)

func TestNestedCommit(t *testing.T) {
	db := setup(t, basicSchema)
	base := db.Stats()

	t1 := must(db.Begin())
	t2 := must(db.Begin())
	t3 := must(db.Begin())
	deepEqual(t, t3.Depth(), 3)
	insertPackage(t, db, "A", 1, false)
	ensure(t, t3.Commit())
	ensure(t, t2.Commit())
	deepEqual(t, db.InTransaction(), true)
	ensure(t, t1.Commit())
	deepEqual(t, db.InTransaction(), false)

	st := db.Stats()
	deepEqual(t, st.Commits-base.Commits, int64(1))
	deepEqual(t, st.Aborts-base.Aborts, int64(0))
	deepEqual(t, must(db.IsTableEmpty(packageTable)), false)
}

func TestOuterRollback(t *testing.T) {
	db := setup(t, basicSchema)
	base := db.Stats()

	t1 := must(db.Begin())
	t2 := must(db.Begin())
	t3 := must(db.Begin())
	insertPackage(t, db, "A", 1, false)
	ensure(t, t3.Commit())
	ensure(t, t2.Commit())
	ensure(t, t1.Rollback())

	st := db.Stats()
	deepEqual(t, st.Commits-base.Commits, int64(0))
	deepEqual(t, st.Aborts-base.Aborts, int64(1))
	deepEqual(t, must(db.IsTableEmpty(packageTable)), true)
}

func TestInnerRollbackDoomsTransaction(t *testing.T) {
	db := setup(t, basicSchema)
	base := db.Stats()

	t1 := must(db.Begin())
	insertPackage(t, db, "A", 1, false)
	t2 := must(db.Begin())
	ensure(t, t2.Rollback())
	errIs(t, t1.Commit(), ErrTxAborted)

	st := db.Stats()
	deepEqual(t, st.Commits-base.Commits, int64(0))
	deepEqual(t, st.Aborts-base.Aborts, int64(1))
	deepEqual(t, must(db.IsTableEmpty(packageTable)), true)

	// the next transaction starts clean
	t1 = must(db.Begin())
	insertPackage(t, db, "B", 1, false)
	ensure(t, t1.Commit())
	deepEqual(t, must(db.IsTableEmpty(packageTable)), false)
}

func TestTxMisuse(t *testing.T) {
	db := setup(t, basicSchema)

	t1 := must(db.Begin())
	t2 := must(db.Begin())
	errIs(t, t1.Commit(), ErrTxNotInnermost)
	ensure(t, t2.Commit())
	errIs(t, t2.Commit(), ErrTxDone)
	errIs(t, t2.Rollback(), ErrTxDone)
	ensure(t, t1.Commit())
	deepEqual(t, db.InTransaction(), false)
}

func TestWrite(t *testing.T) {
	db := setup(t, basicSchema)

	ensure(t, db.Write(func(tx *Tx) error {
		insertPackage(t, tx.DB(), "A", 1, false)
		return nil
	}))
	deepEqual(t, must(db.IsTableEmpty(packageTable)), false)

	failure := errors.New("failure")
	err := db.Write(func(tx *Tx) error {
		insertPackage(t, tx.DB(), "B", 1, false)
		return failure
	})
	errIs(t, err, failure)

	err = db.Write(func(tx *Tx) error {
		insertPackage(t, tx.DB(), "C", 1, false)
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Errorf("** got %v, wanted a panic error", err)
	}
	deepEqual(t, db.InTransaction(), false)

	for _, id := range []string{"B", "C"} {
		q := must(db.BeginQuery(packageTable, packageByID))
		ensure(t, q.AppendString(id))
		_, err := q.RunExact()
		errIs(t, err, ErrNotFound)
	}
}
