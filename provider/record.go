package provider

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// rowValues holds one wire-format value per column; nil is NULL.
type rowValues [][]byte

const (
	recordFormatVer1 = 1

	recordChecksumSize  = 8
	maxRecordHeaderSize = binary.MaxVarintLen64 * 4
	minRecordSize       = 4 + recordChecksumSize
)

// record is a stored row:
//
//	flags modCount dataSize indexSize (uvarints) | data | index keys | xxhash64
//
// data is a msgpack array with one element per column, nil for NULL.
// The index section lists the row's keys in every index, so that updates
// and deletes can remove stale entries without recomputing them.
type record struct {
	Flags    uint64
	ModCount uint64
	Data     []byte
	Index    []byte
}

func encodeRecord(cols []ColumnDef, vals rowValues, modCount uint64, index indexRows) ([]byte, error) {
	buf := make([]byte, maxRecordHeaderSize, maxRecordHeaderSize+64)

	var bb bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&bb)
	if err := encodeRowData(enc, cols, vals); err != nil {
		return nil, err
	}
	buf = appendRaw(buf, bb.Bytes())
	indexOff := len(buf)
	buf = appendIndexKeys(buf, index)

	buf = putRecordHeader(buf, recordFormatVer1, modCount, indexOff)
	sum := xxhash.Sum64(buf)
	return appendUintBE(buf, sum), nil
}

func encodeRowData(enc *msgpack.Encoder, cols []ColumnDef, vals rowValues) error {
	if err := enc.EncodeArrayLen(len(cols)); err != nil {
		return err
	}
	for i, col := range cols {
		v := vals[i]
		var err error
		switch {
		case v == nil:
			err = enc.EncodeNil()
		case col.Type == TypeDword:
			err = enc.EncodeUint32(uintLE[uint32](v))
		case col.Type == TypeBool:
			err = enc.EncodeBool(uintLE[uint16](v) != 0)
		default:
			err = enc.EncodeBytes(v)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", col.Name, err)
		}
	}
	return nil
}

func putRecordHeader(buf []byte, flags, modCount uint64, indexOff int) []byte {
	if indexOff > len(buf) {
		panic(fmt.Errorf("invalid indexOff=%d", indexOff))
	}
	dataSize := indexOff - maxRecordHeaderSize
	indexSize := len(buf) - indexOff

	var off = 0
	off += binary.PutUvarint(buf[off:], flags)
	off += binary.PutUvarint(buf[off:], modCount)
	off += binary.PutUvarint(buf[off:], uint64(dataSize))
	off += binary.PutUvarint(buf[off:], uint64(indexSize))
	headerSize := off
	if headerSize < maxRecordHeaderSize {
		// move the header closer to data
		start := maxRecordHeaderSize - headerSize
		copy(buf[start:maxRecordHeaderSize], buf[:headerSize])
		return buf[start:]
	}
	return buf
}

func (rec *record) decode(data []byte) error {
	orig := data
	if len(data) < minRecordSize {
		return dataErrf(orig, 0, nil, "invalid record: at least %d bytes required", minRecordSize)
	}
	n := len(data) - recordChecksumSize
	if sum := binary.BigEndian.Uint64(data[n:]); sum != xxhash.Sum64(data[:n]) {
		return dataErrf(orig, n, nil, "invalid record: checksum mismatch")
	}
	data = data[:n]

	d := makeByteDecoder(data)
	var err error
	if rec.Flags, err = d.Uvarint(); err != nil {
		return err
	}
	if rec.Flags != recordFormatVer1 {
		return dataErrf(orig, 0, nil, "invalid record: unsupported flags %x", rec.Flags)
	}
	if rec.ModCount, err = d.Uvarint(); err != nil {
		return err
	}
	dataSize, err := d.Uvarinti()
	if err != nil {
		return err
	}
	indexSize, err := d.Uvarinti()
	if err != nil {
		return err
	}
	if len(d.Buf) != dataSize+indexSize {
		return dataErrf(orig, d.Off(), nil, "invalid record: got %d bytes for data+index, expected %d bytes", len(d.Buf), dataSize+indexSize)
	}
	rec.Data, rec.Index = d.Buf[:dataSize], d.Buf[dataSize:]
	return nil
}

// values decodes the data section. The returned slices are copies.
func (rec *record) values(cols []ColumnDef) (rowValues, error) {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(rec.Data))

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, dataErrf(rec.Data, 0, err, "invalid row data")
	}
	if n > len(cols) {
		return nil, dataErrf(rec.Data, 0, nil, "row has %d columns, table has %d", n, len(cols))
	}

	// Columns past the encoded count read as NULL.
	vals := make(rowValues, len(cols))
	for i := 0; i < n; i++ {
		col := cols[i]
		c, err := dec.PeekCode()
		if err != nil {
			return nil, dataErrf(rec.Data, 0, err, "invalid row data at column %s", col.Name)
		}
		if c == msgpcode.Nil {
			if err := dec.DecodeNil(); err != nil {
				return nil, dataErrf(rec.Data, 0, err, "invalid row data at column %s", col.Name)
			}
			continue
		}
		switch col.Type {
		case TypeDword:
			v, err := dec.DecodeUint32()
			if err != nil {
				return nil, dataErrf(rec.Data, 0, err, "invalid dword in column %s", col.Name)
			}
			vals[i] = make([]byte, DwordSize)
			putUintLE(vals[i], v)
		case TypeBool:
			v, err := dec.DecodeBool()
			if err != nil {
				return nil, dataErrf(rec.Data, 0, err, "invalid bool in column %s", col.Name)
			}
			vals[i] = encodeBool(v)
		default:
			v, err := dec.DecodeBytes()
			if err != nil {
				return nil, dataErrf(rec.Data, 0, err, "invalid value in column %s", col.Name)
			}
			if v == nil {
				v = []byte{}
			}
			vals[i] = v
		}
	}
	return vals, nil
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{0xFF, 0xFF}
	}
	return []byte{0x00, 0x00}
}
