package tabdb

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/andreyvit/tabdb/provider"
)

// txState is the nesting state of a DB. Only the outermost scope talks to
// the provider: Begin on 0→1, Commit or Abort on 1→0.
type txState struct {
	n      atomic.Int32
	ptx    provider.Transaction
	doomed bool
	scopes []*Tx
}

func (ts *txState) reset() {
	ts.n.Store(0)
	ts.ptx = nil
	ts.doomed = false
	ts.scopes = nil
}

// Tx is one transaction scope. Scopes nest: only the outermost one maps to
// a physical transaction, and a Rollback of any scope aborts the whole
// physical transaction once the outermost scope finishes.
type Tx struct {
	db    *DB
	depth int32
	done  bool
}

// Begin opens a transaction scope. Every scope must be finished with
// exactly one Commit or Rollback, innermost first.
func (db *DB) Begin() (*Tx, error) {
	if db.closed {
		return nil, ErrClosed
	}
	depth := db.txn.n.Add(1)
	if depth == 1 {
		ptx, err := db.sess.Begin(provider.IsolationSerializable)
		if err != nil {
			db.txn.n.Add(-1)
			return nil, providerErr("begin", err)
		}
		db.txn.ptx = ptx
		db.txn.doomed = false
		if db.verbose {
			db.logf("db: BEGIN")
		}
	}
	tx := &Tx{db: db, depth: depth}
	db.txn.scopes = append(db.txn.scopes, tx)
	return tx, nil
}

// InTransaction reports whether a transaction scope is open.
func (db *DB) InTransaction() bool {
	return db.txn.n.Load() > 0
}

func (tx *Tx) DB() *DB {
	return tx.db
}

// Depth is 1 for the outermost scope.
func (tx *Tx) Depth() int {
	return int(tx.depth)
}

// Commit finishes the scope. Committing the outermost scope commits the
// physical transaction, or aborts it and returns ErrTxAborted if any nested
// scope was rolled back.
func (tx *Tx) Commit() error {
	return tx.finish(false)
}

// Rollback finishes the scope and dooms the whole transaction.
func (tx *Tx) Rollback() error {
	return tx.finish(true)
}

func (tx *Tx) finish(rollback bool) error {
	db := tx.db
	if tx.done {
		return ErrTxDone
	}
	if n := len(db.txn.scopes); n == 0 || db.txn.scopes[n-1] != tx {
		return ErrTxNotInnermost
	}
	tx.done = true
	db.txn.scopes[len(db.txn.scopes)-1] = nil
	db.txn.scopes = db.txn.scopes[:len(db.txn.scopes)-1]
	if rollback {
		db.txn.doomed = true
	}

	if db.txn.n.Add(-1) != 0 {
		return nil
	}

	ptx, doomed := db.txn.ptx, db.txn.doomed
	db.txn.reset()
	if doomed {
		db.aborts.Add(1)
		if db.verbose {
			db.logf("db: ABORT")
		}
		if err := ptx.Abort(); err != nil {
			return providerErr("abort", err)
		}
		if !rollback {
			return ErrTxAborted
		}
		return nil
	}
	if err := ptx.Commit(); err != nil {
		db.aborts.Add(1)
		return providerErr("commit", err)
	}
	db.commits.Add(1)
	if db.verbose {
		db.logf("db: COMMIT")
	}
	return nil
}

// Write runs f in a transaction scope, committing if f returns nil and
// rolling back if it fails or panics.
func (db *DB) Write(f func(tx *Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	err = safelyCall(f, tx)
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			db.logger.Error("tabdb: rollback failed", "err", rerr)
		}
		return err
	}
	return tx.Commit()
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}
