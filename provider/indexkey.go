package provider

import (
	"bytes"
	"encoding/binary"
	"slices"
)

const (
	componentNull  = 0x00
	componentValue = 0x01
)

// appendComponent appends the order-preserving form of a wire value. NULL
// sorts before every value.
func appendComponent(buf []byte, typ ColumnType, v []byte) []byte {
	if v == nil {
		return append(buf, componentNull)
	}
	buf = append(buf, componentValue)
	switch typ {
	case TypeDword:
		return appendUintBE(buf, uintLE[uint32](v))
	case TypeBool:
		if uintLE[uint16](v) != 0 {
			return append(buf, 1)
		}
		return append(buf, 0)
	case TypeText:
		// UTF-16 code units, big-endian, without the terminator.
		units := len(v)/2 - 1
		for i := 0; i < units; i++ {
			buf = appendUintBE(buf, uintLE[uint16](v[i*2:]))
		}
		return buf
	case TypeTimestamp:
		buf = appendUintBE(buf, uintLE[uint16](v)^0x8000)
		for off := 2; off < 12; off += 2 {
			buf = appendUintBE(buf, uintLE[uint16](v[off:]))
		}
		return appendUintBE(buf, uintLE[uint32](v[12:]))
	default:
		return appendRaw(buf, v)
	}
}

func bookmarkKey(bm Bookmark) []byte {
	return appendUintBE(make([]byte, 0, 8), uint64(bm))
}

func decodeBookmarkKey(k []byte) (Bookmark, bool) {
	if len(k) != 8 {
		return 0, false
	}
	return Bookmark(binary.BigEndian.Uint64(k)), true
}

// indexKey builds the key of a row in an index: one tuple element per key
// column followed by the bookmark.
func (ts *tableState) indexKey(buf []byte, is *indexState, vals rowValues, bm Bookmark) []byte {
	var tb tupleEncoder
	for _, pos := range is.colPos {
		tb.begin(buf)
		buf = appendComponent(buf, ts.Columns[pos].Type, vals[pos])
	}
	tb.begin(buf)
	buf = appendUintBE(buf, uint64(bm))
	return tb.finalize(buf)
}

// keyPrefix returns the leading tuple elements for a partial key together
// with their concatenation, which is a byte prefix of every matching key.
func (ts *tableState) keyPrefix(is *indexState, vals [][]byte) (tuple, []byte) {
	var raw []byte
	tup := make(tuple, 0, len(vals))
	for i, v := range vals {
		start := len(raw)
		raw = appendComponent(raw, ts.Columns[is.colPos[i]].Type, v)
		tup = append(tup, raw[start:len(raw):len(raw)])
	}
	return tup, raw
}

// bookmarkFromIndexKey extracts the bookmark element from an index key.
func bookmarkFromIndexKey(key []byte) (Bookmark, tuple, error) {
	tup, err := decodeTuple(key)
	if err != nil {
		return 0, nil, err
	}
	if len(tup) == 0 {
		return 0, nil, dataErrf(key, 0, nil, "empty index key")
	}
	bm, ok := decodeBookmarkKey(tup[len(tup)-1])
	if !ok {
		return 0, nil, dataErrf(key, 0, nil, "invalid bookmark in index key")
	}
	return bm, tup, nil
}

// hasNull reports whether any key column element is NULL.
func hasNull(tup tuple) bool {
	for _, el := range tup[:len(tup)-1] {
		if len(el) > 0 && el[0] == componentNull {
			return true
		}
	}
	return false
}

type indexRow struct {
	IndexOrd uint64
	KeyRaw   []byte
}

type indexRows []indexRow

func (rows indexRows) sort() {
	slices.SortFunc(rows, func(a, b indexRow) int {
		if a.IndexOrd != b.IndexOrd {
			if a.IndexOrd < b.IndexOrd {
				return -1
			}
			return 1
		}
		return bytes.Compare(a.KeyRaw, b.KeyRaw)
	})
}

func appendIndexKeys(buf []byte, rows indexRows) []byte {
	var total = binary.MaxVarintLen32 + len(rows)*(binary.MaxVarintLen32+binary.MaxVarintLen32)
	for _, row := range rows {
		total += len(row.KeyRaw)
	}

	w := prealloc(buf, total)
	w.AppendUvarinti(len(rows))
	for _, row := range rows {
		w.AppendUvarint(row.IndexOrd)
		w.AppendVarBytes(row.KeyRaw)
	}
	return w.Trimmed()
}

func decodeIndexKeys(data []byte, f func(ord uint64, key []byte)) error {
	if len(data) == 0 {
		return nil
	}
	d := makeByteDecoder(data)
	n, err := d.Uvarinti()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		ord, err := d.Uvarint()
		if err != nil {
			return err
		}
		key, err := d.VarBytes()
		if err != nil {
			return err
		}
		f(ord, key)
	}
	if len(d.Buf) != 0 {
		return dataErrf(data, d.Off(), nil, "trailing data after index keys")
	}
	return nil
}

type indexDiffer struct {
	newRows indexRows
}

func (d *indexDiffer) checkOldKey(oldOrd uint64, oldKey []byte) bool {
	// Look for a new row that's >= old row.
	for len(d.newRows) > 0 {
		newOrd := d.newRows[0].IndexOrd
		if oldOrd < newOrd {
			return false
		} else if oldOrd == newOrd {
			c := bytes.Compare(oldKey, d.newRows[0].KeyRaw)
			if c < 0 {
				return false
			} else if c == 0 {
				return true // found exact match
			}
		}
		d.newRows = d.newRows[1:] // shift to next new row and compare again
	}
	return false // no more new rows, so remaining old rows have been deleted
}

// findRemovedIndexKeys calls removed for every key in oldData that is not
// among newRows. newRows must be sorted.
func findRemovedIndexKeys(oldData []byte, newRows indexRows, removed func(ord uint64, key []byte)) error {
	d := indexDiffer{newRows}
	return decodeIndexKeys(oldData, func(ord uint64, key []byte) {
		if !d.checkOldKey(ord, key) {
			removed(ord, key)
		}
	})
}
