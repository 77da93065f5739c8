package tabdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/andreyvit/tabdb/provider"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func encodeDword(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func decodeDword(v []byte) (uint32, error) {
	if len(v) != provider.DwordSize {
		return 0, fmt.Errorf("dword value of %d bytes", len(v))
	}
	return binary.LittleEndian.Uint32(v), nil
}

// encodeBool produces 0xFFFF for true and 0x0000 for false, never 0x0001.
func encodeBool(v bool) []byte {
	if v {
		return []byte{0xFF, 0xFF}
	}
	return []byte{0, 0}
}

func decodeBool(v []byte) (bool, error) {
	if len(v) != provider.BoolSize {
		return false, fmt.Errorf("bool value of %d bytes", len(v))
	}
	switch binary.LittleEndian.Uint16(v) {
	case 0xFFFF:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %x", v)
	}
}

// encodeString produces null-terminated UTF-16LE, (chars+1)×2 bytes.
func encodeString(s string) ([]byte, error) {
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, err
	}
	return append(b, 0, 0), nil
}

func decodeString(v []byte) (string, error) {
	if len(v) < 2 || len(v)%2 != 0 || v[len(v)-2] != 0 || v[len(v)-1] != 0 {
		return "", fmt.Errorf("invalid text value %x", v)
	}
	b, err := utf16le.NewDecoder().Bytes(v[:len(v)-2])
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeTime produces the 16-byte calendar struct of t in UTC: year (int16),
// month, day, hour, minute, second (uint16) and the fraction in nanoseconds
// (uint32). Sub-second precision is truncated to milliseconds.
func encodeTime(t time.Time) ([]byte, error) {
	t = t.UTC()
	if t.Year() < 1 || t.Year() > math.MaxInt16 {
		return nil, fmt.Errorf("year %d out of range", t.Year())
	}
	ms := t.Nanosecond() / int(time.Millisecond)
	b := make([]byte, 0, provider.TimestampSize)
	b = binary.LittleEndian.AppendUint16(b, uint16(t.Year()))
	b = binary.LittleEndian.AppendUint16(b, uint16(t.Month()))
	b = binary.LittleEndian.AppendUint16(b, uint16(t.Day()))
	b = binary.LittleEndian.AppendUint16(b, uint16(t.Hour()))
	b = binary.LittleEndian.AppendUint16(b, uint16(t.Minute()))
	b = binary.LittleEndian.AppendUint16(b, uint16(t.Second()))
	b = binary.LittleEndian.AppendUint32(b, uint32(ms)*1_000_000)
	return b, nil
}

func decodeTime(v []byte) (time.Time, error) {
	if len(v) != provider.TimestampSize {
		return time.Time{}, fmt.Errorf("timestamp value of %d bytes", len(v))
	}
	u16 := func(off int) int { return int(binary.LittleEndian.Uint16(v[off:])) }
	year := int(int16(binary.LittleEndian.Uint16(v)))
	fraction := int(binary.LittleEndian.Uint32(v[12:]))
	return time.Date(year, time.Month(u16(2)), u16(4), u16(6), u16(8), u16(10), fraction, time.UTC), nil
}

// decodeValue converts a stored value to its Go form: uint32, bool, string,
// []byte or time.Time.
func decodeValue(typ provider.ColumnType, v []byte) (any, error) {
	switch typ {
	case TypeDword:
		return decodeDword(v)
	case TypeBool:
		return decodeBool(v)
	case TypeText:
		return decodeString(v)
	case TypeTimestamp:
		return decodeTime(v)
	case TypeBinary:
		return v, nil
	default:
		return nil, fmt.Errorf("unknown column type %v", typ)
	}
}
