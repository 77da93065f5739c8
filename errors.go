package tabdb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andreyvit/tabdb/provider"
)

var (
	// ErrNotFound reports an absent row, column value, table or store. It is
	// a normal outcome of reads and queries.
	ErrNotFound = errors.New("not found")

	// ErrSchemaConflict reports a declared schema that disagrees with the
	// stored one.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrBindingRejected reports that the provider refused a binding or a
	// bound value.
	ErrBindingRejected = errors.New("binding rejected")

	// ErrOutOfMemory reports a row staging buffer that would exceed
	// Options.MaxRowSize.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrProviderFailure covers every other provider error; see ProviderError.
	ErrProviderFailure = errors.New("provider failure")

	ErrTableBusy      = errors.New("table has outstanding rows or results")
	ErrStoreExists    = errors.New("store already exists")
	ErrTxAborted      = errors.New("transaction was rolled back")
	ErrTxDone         = errors.New("transaction scope already finished")
	ErrTxNotInnermost = errors.New("transaction scope is not the innermost one")
	ErrQueryConsumed  = errors.New("query has already been run")
	ErrRowFreed       = errors.New("row has been freed")
	ErrClosed         = errors.New("database is closed")
)

// ProviderError wraps an error returned by the provider. Kind is one of
// ErrNotFound, ErrSchemaConflict, ErrBindingRejected or ErrProviderFailure,
// and both Kind and Err match under errors.Is.
type ProviderError struct {
	Kind error
	Code provider.Code
	Op   string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func providerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	code := provider.CodeOf(err)
	return &ProviderError{
		Kind: errorKind(code),
		Code: code,
		Op:   op,
		Err:  err,
	}
}

func errorKind(code provider.Code) error {
	switch code {
	case provider.CodeNotFound, provider.CodeEndOfRowset, provider.CodeTableNotFound, provider.CodeIndexNotFound:
		return ErrNotFound
	case provider.CodeIndexExists, provider.CodeTableExists:
		return ErrSchemaConflict
	case provider.CodeBadBinding, provider.CodeBadValue, provider.CodeDataOverflow:
		return ErrBindingRejected
	default:
		return ErrProviderFailure
	}
}

// TableError names the table, index and column an operation failed on.
type TableError struct {
	Table  *Table
	Index  *Index
	Column *Column
	Op     string
	Err    error
}

func tableErr(tbl *Table, idx *Index, col *Column, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TableError{tbl, idx, col, op, err}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	if e.Table != nil {
		buf.WriteString(e.Table.Name())
	}
	if e.Index != nil {
		buf.WriteByte('.')
		buf.WriteString(e.Index.ShortName())
	}
	if e.Column != nil {
		buf.WriteByte('[')
		buf.WriteString(e.Column.Name())
		buf.WriteByte(']')
	}
	if e.Op != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Op)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
