package provider

import (
	"errors"
	"fmt"
)

// Code is a provider status code, printed in hex.
type Code uint32

const (
	CodeTableNotFound Code = 0xE0011001
	CodeTableExists   Code = 0xE0011002
	CodeIndexExists   Code = 0xE0011003
	CodeIndexNotFound Code = 0xE0011004
	CodeTableInUse    Code = 0xE0011005
	CodeBadDefinition Code = 0xE0011006

	CodeBadBinding    Code = 0xE0012001
	CodeBadValue      Code = 0xE0012002
	CodeDataOverflow  Code = 0xE0012003
	CodeNullViolation Code = 0xE0012004
	CodeDuplicateKey  Code = 0xE0012005

	CodeNotFound    Code = 0xE0013001
	CodeEndOfRowset Code = 0x00013002

	CodeStoreFull Code = 0xE0014001
	CodeCorrupt   Code = 0xE0014002
	CodeStorage   Code = 0xE0014003
	CodeClosed    Code = 0xE0014004
	CodeTxState   Code = 0xE0014005
)

var codeNames = map[Code]string{
	CodeTableNotFound: "table not found",
	CodeTableExists:   "table already exists",
	CodeIndexExists:   "index already exists",
	CodeIndexNotFound: "index not found",
	CodeTableInUse:    "table in use",
	CodeBadDefinition: "bad definition",
	CodeBadBinding:    "bad binding",
	CodeBadValue:      "bad value",
	CodeDataOverflow:  "data overflow",
	CodeNullViolation: "null violation",
	CodeDuplicateKey:  "duplicate key",
	CodeNotFound:      "not found",
	CodeEndOfRowset:   "end of rowset",
	CodeStoreFull:     "store full",
	CodeCorrupt:       "corrupt data",
	CodeStorage:       "storage failure",
	CodeClosed:        "closed",
	CodeTxState:       "invalid transaction state",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code 0x%08x", uint32(c))
}

var (
	ErrTableNotFound = &Error{Code: CodeTableNotFound}
	ErrTableExists   = &Error{Code: CodeTableExists}
	ErrIndexExists   = &Error{Code: CodeIndexExists}
	ErrIndexNotFound = &Error{Code: CodeIndexNotFound}
	ErrTableInUse    = &Error{Code: CodeTableInUse}
	ErrBadDefinition = &Error{Code: CodeBadDefinition}
	ErrBadBinding    = &Error{Code: CodeBadBinding}
	ErrBadValue      = &Error{Code: CodeBadValue}
	ErrDataOverflow  = &Error{Code: CodeDataOverflow}
	ErrNullViolation = &Error{Code: CodeNullViolation}
	ErrDuplicateKey  = &Error{Code: CodeDuplicateKey}
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrEndOfRowset   = &Error{Code: CodeEndOfRowset}
	ErrStoreFull     = &Error{Code: CodeStoreFull}
	ErrCorrupt       = &Error{Code: CodeCorrupt}
	ErrStorage       = &Error{Code: CodeStorage}
	ErrClosed        = &Error{Code: CodeClosed}
	ErrTxState       = &Error{Code: CodeTxState}
)

// Error is returned by every provider operation. Errors with equal codes
// match under errors.Is, so the Err* values above can be used as sentinels.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func errorf(code Code, err error, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (0x%08x)", msg, e.Err, uint32(e.Code))
	}
	return fmt.Sprintf("%s (0x%08x)", msg, uint32(e.Code))
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Msg == "" && t.Err == nil
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeStorage for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorage
}

// DataError describes a malformed stored record.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}
