package provider

import (
	"slices"
)

type accessor struct {
	kind     AccessorKind
	rs       *rowset
	bindings []Binding
	released bool
}

func (acc *accessor) Kind() AccessorKind  { return acc.kind }
func (acc *accessor) Bindings() []Binding { return slices.Clone(acc.bindings) }
func (acc *accessor) Release()            { acc.released = true }

// validateBindings checks bindings against the columns they address. For
// index-key accessors cols are the key columns in key order, and the bound
// ordinals must form a prefix 1..k of the key.
func validateBindings(kind AccessorKind, cols []ColumnDef, bindings []Binding) error {
	if len(bindings) == 0 {
		return errorf(CodeBadBinding, nil, "no bindings")
	}
	seen := make([]bool, len(cols)+1)
	for _, b := range bindings {
		if b.Ordinal < 1 || b.Ordinal > len(cols) {
			return errorf(CodeBadBinding, nil, "binding %v: ordinal out of range 1..%d", b, len(cols))
		}
		if seen[b.Ordinal] {
			return errorf(CodeBadBinding, nil, "binding %v: ordinal bound twice", b)
		}
		seen[b.Ordinal] = true
		col := cols[b.Ordinal-1]
		if b.Type != col.Type {
			return errorf(CodeBadBinding, nil, "binding %v: column %s is %v", b, col.Name, col.Type)
		}
		if b.ValueOffset < 0 || b.LengthOffset < 0 || b.MaxLength < 0 {
			return errorf(CodeBadBinding, nil, "binding %v: negative offset or length", b)
		}
		if fs := col.Type.FixedSize(); fs != 0 && b.MaxLength != 0 && b.MaxLength != fs {
			return errorf(CodeBadBinding, nil, "binding %v: %v values are %d bytes", b, col.Type, fs)
		}
	}
	if kind == AccessorIndexKey {
		for i := 1; i <= len(bindings); i++ {
			if !seen[i] {
				return errorf(CodeBadBinding, nil, "key bindings must cover key columns 1..%d, missing %d", len(bindings), i)
			}
		}
	}
	return nil
}

// readValue extracts a bound value from buf and validates it against col.
// A zero length yields nil (NULL).
func readValue(col ColumnDef, b Binding, buf []byte) ([]byte, error) {
	if b.LengthOffset+LengthSize > len(buf) {
		return nil, errorf(CodeBadBinding, nil, "binding %v: length slot outside %d-byte buffer", b, len(buf))
	}
	n := int(uintLE[uint32](buf[b.LengthOffset:]))
	if n == 0 {
		return nil, nil
	}
	if n > b.MaxLength {
		return nil, errorf(CodeDataOverflow, nil, "%s: length %d exceeds binding max %d", col.Name, n, b.MaxLength)
	}
	if b.ValueOffset+n > len(buf) {
		return nil, errorf(CodeBadBinding, nil, "binding %v: value outside %d-byte buffer", b, len(buf))
	}
	v := buf[b.ValueOffset : b.ValueOffset+n]
	if err := validateValue(col, v); err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

func validateValue(col ColumnDef, v []byte) error {
	switch col.Type {
	case TypeDword:
		if len(v) != DwordSize {
			return errorf(CodeBadValue, nil, "%s: dword must be %d bytes, got %d", col.Name, DwordSize, len(v))
		}
	case TypeBool:
		if len(v) != BoolSize {
			return errorf(CodeBadValue, nil, "%s: bool must be %d bytes, got %d", col.Name, BoolSize, len(v))
		}
		if u := uintLE[uint16](v); u != 0xFFFF && u != 0 {
			return errorf(CodeBadValue, nil, "%s: bool must be 0xFFFF or 0x0000, got %#04x", col.Name, u)
		}
	case TypeText:
		if len(v)%2 != 0 || len(v) < 2 {
			return errorf(CodeBadValue, nil, "%s: text must be an even number of bytes, got %d", col.Name, len(v))
		}
		if uintLE[uint16](v[len(v)-2:]) != 0 {
			return errorf(CodeBadValue, nil, "%s: text must be null-terminated", col.Name)
		}
		if col.Size > 0 && len(v) > (col.Size+1)*2 {
			return errorf(CodeDataOverflow, nil, "%s: text of %d chars exceeds column size %d", col.Name, len(v)/2-1, col.Size)
		}
	case TypeBinary:
		if col.Size > 0 && len(v) > col.Size {
			return errorf(CodeDataOverflow, nil, "%s: %d bytes exceed column size %d", col.Name, len(v), col.Size)
		}
	case TypeTimestamp:
		if len(v) != TimestampSize {
			return errorf(CodeBadValue, nil, "%s: timestamp must be %d bytes, got %d", col.Name, TimestampSize, len(v))
		}
		month, day := uintLE[uint16](v[2:]), uintLE[uint16](v[4:])
		hour, minute, second := uintLE[uint16](v[6:]), uintLE[uint16](v[8:]), uintLE[uint16](v[10:])
		fraction := uintLE[uint32](v[12:])
		if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 || fraction >= 1e9 {
			return errorf(CodeBadValue, nil, "%s: invalid timestamp %x", col.Name, v)
		}
	}
	return nil
}

// writeValue stores a value (nil for NULL) into buf per the binding. A
// binding with MaxLength 0 only receives the length.
func writeValue(col ColumnDef, b Binding, v []byte, buf []byte) error {
	if b.LengthOffset+LengthSize > len(buf) {
		return errorf(CodeBadBinding, nil, "binding %v: length slot outside %d-byte buffer", b, len(buf))
	}
	putUintLE(buf[b.LengthOffset:], uint32(len(v)))
	if b.MaxLength == 0 || len(v) == 0 {
		return nil
	}
	if len(v) > b.MaxLength {
		return errorf(CodeDataOverflow, nil, "%s: value of %d bytes exceeds binding max %d", col.Name, len(v), b.MaxLength)
	}
	if b.ValueOffset+len(v) > len(buf) {
		return errorf(CodeBadBinding, nil, "binding %v: value outside %d-byte buffer", b, len(buf))
	}
	copy(buf[b.ValueOffset:], v)
	return nil
}
