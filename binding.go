package tabdb

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/andreyvit/tabdb/provider"
)

// arena stages column values for a provider accessor: a single growing
// buffer of length-prefixed values plus one binding per value. Bindings are
// only appended, so their offsets increase monotonically.
type arena struct {
	buf      []byte
	bindings []provider.Binding
	max      int
}

// add appends v for the given ordinal. A value staged earlier for the same
// ordinal is superseded; its bytes stay in the buffer but are no longer
// bound.
func (a *arena) add(ordinal int, typ provider.ColumnType, v []byte) error {
	need := len(a.buf) + provider.LengthSize + len(v)
	if need > a.max {
		return fmt.Errorf("%w: staging %d bytes would exceed %d", ErrOutOfMemory, need, a.max)
	}
	if a.buf == nil {
		a.buf = getArenaBytes()
	}
	lenOff := len(a.buf)
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(len(v)))
	valOff := len(a.buf)
	a.buf = append(a.buf, v...)

	a.bindings = slices.DeleteFunc(a.bindings, func(b provider.Binding) bool {
		return b.Ordinal == ordinal
	})
	a.bindings = append(a.bindings, provider.Binding{
		Ordinal:      ordinal,
		Type:         typ,
		ValueOffset:  valOff,
		LengthOffset: lenOff,
		MaxLength:    len(v),
	})
	return nil
}

func (a *arena) len() int {
	return len(a.bindings)
}

// value returns the staged bytes of a binding, nil for NULL.
func (a *arena) value(b provider.Binding) []byte {
	n := int(binary.LittleEndian.Uint32(a.buf[b.LengthOffset:]))
	if n == 0 {
		return nil
	}
	return a.buf[b.ValueOffset : b.ValueOffset+n]
}

// validate checks every binding against the current buffer length.
func (a *arena) validate() error {
	for _, b := range a.bindings {
		if b.LengthOffset+provider.LengthSize > len(a.buf) || b.ValueOffset+b.MaxLength > len(a.buf) {
			return fmt.Errorf("%w: binding %v outside %d-byte buffer", ErrBindingRejected, b, len(a.buf))
		}
	}
	return nil
}

func (a *arena) reset() {
	a.buf = a.buf[:0]
	a.bindings = a.bindings[:0]
}

func (a *arena) free() {
	releaseArenaBytes(a.buf)
	a.buf = nil
	a.bindings = nil
}

// fetch reads one column of a row in two steps: a
// length-only binding first, then a binding of exactly the reported length.
// NULL yields ErrNotFound.
func fetch(rs provider.Rowset, bm provider.Bookmark, ordinal int, typ provider.ColumnType) ([]byte, error) {
	lenBuf := make([]byte, provider.LengthSize)
	n, err := getData(rs, bm, provider.Binding{Ordinal: ordinal, Type: typ}, lenBuf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	buf := make([]byte, provider.LengthSize+n)
	b := provider.Binding{
		Ordinal:      ordinal,
		Type:         typ,
		LengthOffset: 0,
		ValueOffset:  provider.LengthSize,
		MaxLength:    n,
	}
	if _, err := getData(rs, bm, b, buf); err != nil {
		return nil, err
	}
	return buf[provider.LengthSize:], nil
}

func getData(rs provider.Rowset, bm provider.Bookmark, b provider.Binding, buf []byte) (int, error) {
	acc, err := rs.CreateAccessor(provider.AccessorRowData, []provider.Binding{b})
	if err != nil {
		return 0, providerErr("CreateAccessor", err)
	}
	defer acc.Release()
	if err := rs.GetData(bm, acc, buf); err != nil {
		return 0, providerErr("GetData", err)
	}
	return int(binary.LittleEndian.Uint32(buf[b.LengthOffset:])), nil
}
