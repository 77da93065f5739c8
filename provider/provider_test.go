package provider

import (
	"errors"
	"path/filepath"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/tabdb/storage"
)

var engines = []storage.Engine{storage.EngineMemory, storage.EngineBolt, storage.EngineSQLite}

func forEachEngine(t *testing.T, f func(t *testing.T, s *KVSession, st storage.Storage)) {
	for _, engine := range engines {
		t.Run(string(engine), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "p.db")
			st, err := storage.Open(engine, path, true, storage.Options{NoSync: true})
			require.NoError(t, err)
			s := NewKVSession(st, Options{})
			t.Cleanup(func() { _ = s.Close() })
			f(t, s, st)
		})
	}
}

type rowBuf struct {
	buf      []byte
	bindings []Binding
}

func (rb *rowBuf) add(ord int, typ ColumnType, v []byte) *rowBuf {
	lo := len(rb.buf)
	rb.buf = append(rb.buf, 0, 0, 0, 0)
	putUintLE(rb.buf[lo:], uint32(len(v)))
	vo := len(rb.buf)
	rb.buf = append(rb.buf, v...)
	rb.bindings = append(rb.bindings, Binding{Ordinal: ord, Type: typ, ValueOffset: vo, LengthOffset: lo, MaxLength: len(v)})
	return rb
}

func dwordVal(v uint32) []byte {
	b := make([]byte, 4)
	putUintLE(b, v)
	return b
}

func textVal(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, (len(units)+1)*2)
	for i, u := range units {
		putUintLE(b[i*2:], u)
	}
	return b
}

var packageDef = &TableDef{
	Name: "Package",
	Columns: []ColumnDef{
		{Name: "Id", Type: TypeText, Size: 72},
		{Name: "Size", Type: TypeDword},
		{Name: "Installed", Type: TypeBool},
		{Name: "Notes", Type: TypeBinary, Size: 16, Nullable: true},
	},
	Indexes: []IndexDef{
		{Name: "PackageId", Columns: []string{"Id"}, Unique: true},
	},
}

func insertPackage(t *testing.T, rs Rowset, id string, size uint32, installed bool) Bookmark {
	t.Helper()
	rb := new(rowBuf).
		add(1, TypeText, textVal(id)).
		add(2, TypeDword, dwordVal(size)).
		add(3, TypeBool, encodeBool(installed))
	acc, err := rs.CreateAccessor(AccessorRowData, rb.bindings)
	require.NoError(t, err)
	defer acc.Release()
	bm, err := rs.InsertRow(acc, rb.buf)
	require.NoError(t, err)
	return bm
}

// readColumn reads a column's length, then fetches exactly that many bytes.
func readColumn(t *testing.T, rs Rowset, bm Bookmark, ord int, typ ColumnType) []byte {
	t.Helper()
	lenBuf := make([]byte, LengthSize)
	acc, err := rs.CreateAccessor(AccessorRowData, []Binding{{Ordinal: ord, Type: typ}})
	require.NoError(t, err)
	require.NoError(t, rs.GetData(bm, acc, lenBuf))
	acc.Release()
	n := int(uintLE[uint32](lenBuf))
	if n == 0 {
		return nil
	}
	buf := make([]byte, LengthSize+n)
	acc, err = rs.CreateAccessor(AccessorRowData, []Binding{{Ordinal: ord, Type: typ, LengthOffset: 0, ValueOffset: LengthSize, MaxLength: n}})
	require.NoError(t, err)
	defer acc.Release()
	require.NoError(t, rs.GetData(bm, acc, buf))
	return buf[LengthSize:]
}

func seekKey(t *testing.T, rs Rowset, key []byte, typ ColumnType) (Accessor, []byte) {
	t.Helper()
	rb := new(rowBuf).add(1, typ, key)
	acc, err := rs.CreateAccessor(AccessorIndexKey, rb.bindings)
	require.NoError(t, err)
	return acc, rb.buf
}

func allBookmarks(t *testing.T, rs Rowset) []Bookmark {
	t.Helper()
	var out []Bookmark
	for {
		bm, err := rs.GetNextRow()
		if err != nil {
			require.ErrorIs(t, err, ErrEndOfRowset)
			return out
		}
		out = append(out, bm)
	}
}

func TestCreateAndOpenTable(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, _ storage.Storage) {
		_, err := s.OpenTable("Package")
		assert.ErrorIs(t, err, ErrTableNotFound)

		require.NoError(t, s.CreateTable(packageDef))
		assert.ErrorIs(t, s.CreateTable(packageDef), ErrTableExists)

		def, err := s.OpenTable("Package")
		require.NoError(t, err)
		assert.Equal(t, packageDef.Columns, def.Columns)
		assert.Equal(t, packageDef.Indexes, def.Indexes)

		names, err := s.Tables()
		require.NoError(t, err)
		assert.Equal(t, []string{"Package"}, names)

		assert.ErrorIs(t, s.CreateTable(&TableDef{Name: "_x", Columns: packageDef.Columns}), ErrBadDefinition)
		assert.ErrorIs(t, s.CreateTable(&TableDef{Name: "Empty"}), ErrBadDefinition)
		_, err = s.OpenTable("_catalog")
		assert.ErrorIs(t, err, ErrTableNotFound)
	})
}

func TestInsertAndRead(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, _ storage.Storage) {
		require.NoError(t, s.CreateTable(packageDef))
		rs, err := s.OpenRowset("Package", "")
		require.NoError(t, err)
		defer rs.Close()

		bm1 := insertPackage(t, rs, "A", 100, false)
		bm2 := insertPackage(t, rs, "B", 200, true)
		assert.Equal(t, Bookmark(1), bm1)
		assert.Equal(t, Bookmark(2), bm2)

		assert.Equal(t, textVal("A"), readColumn(t, rs, bm1, 1, TypeText))
		assert.Equal(t, dwordVal(100), readColumn(t, rs, bm1, 2, TypeDword))
		assert.Equal(t, []byte{0, 0}, readColumn(t, rs, bm1, 3, TypeBool))
		assert.Equal(t, []byte{0xFF, 0xFF}, readColumn(t, rs, bm2, 3, TypeBool))
		assert.Nil(t, readColumn(t, rs, bm1, 4, TypeBinary), "NULL reads as zero length")

		assert.Equal(t, []Bookmark{1, 2}, allBookmarks(t, rs))
		_, err = rs.GetNextRow()
		assert.ErrorIs(t, err, ErrEndOfRowset)
		require.NoError(t, rs.Restart())
		assert.Equal(t, []Bookmark{1, 2}, allBookmarks(t, rs))

		require.NoError(t, s.Verify("Package"))
	})
}

func TestTimestampRoundTrip(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, _ storage.Storage) {
		require.NoError(t, s.CreateTable(&TableDef{
			Name:    "Events",
			Columns: []ColumnDef{{Name: "At", Type: TypeTimestamp}},
			Indexes: []IndexDef{{Name: "ByAt", Columns: []string{"At"}}},
		}))
		rs, err := s.OpenRowset("Events", "")
		require.NoError(t, err)
		defer rs.Close()

		ts := make([]byte, TimestampSize)
		putUintLE(ts[0:], uint16(2024))
		putUintLE(ts[2:], uint16(2))
		putUintLE(ts[4:], uint16(29))
		putUintLE(ts[6:], uint16(23))
		putUintLE(ts[8:], uint16(59))
		putUintLE(ts[10:], uint16(58))
		putUintLE(ts[12:], uint32(123_000_000))

		rb := new(rowBuf).add(1, TypeTimestamp, ts)
		acc, err := rs.CreateAccessor(AccessorRowData, rb.bindings)
		require.NoError(t, err)
		bm, err := rs.InsertRow(acc, rb.buf)
		require.NoError(t, err)
		assert.Equal(t, ts, readColumn(t, rs, bm, 1, TypeTimestamp))

		bad := append([]byte(nil), ts...)
		putUintLE(bad[2:], uint16(13))
		rb = new(rowBuf).add(1, TypeTimestamp, bad)
		acc, err = rs.CreateAccessor(AccessorRowData, rb.bindings)
		require.NoError(t, err)
		_, err = rs.InsertRow(acc, rb.buf)
		assert.ErrorIs(t, err, ErrBadValue)
	})
}

func TestValueValidation(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, _ storage.Storage) {
		require.NoError(t, s.CreateTable(packageDef))
		rs, err := s.OpenRowset("Package", "")
		require.NoError(t, err)
		defer rs.Close()

		insert := func(rb *rowBuf) error {
			acc, err := rs.CreateAccessor(AccessorRowData, rb.bindings)
			if err != nil {
				return err
			}
			defer acc.Release()
			_, err = rs.InsertRow(acc, rb.buf)
			return err
		}

		base := func() *rowBuf {
			return new(rowBuf).add(2, TypeDword, dwordVal(1)).add(3, TypeBool, encodeBool(true))
		}

		assert.ErrorIs(t, insert(base()), ErrNullViolation, "Id is not nullable")
		assert.ErrorIs(t, insert(base().add(1, TypeText, []byte{'A', 0})), ErrBadValue, "missing terminator")
		assert.ErrorIs(t, insert(base().add(1, TypeText, []byte{'A', 0, 0})), ErrBadValue, "odd length")
		long := make([]rune, 73)
		for i := range long {
			long[i] = 'x'
		}
		assert.ErrorIs(t, insert(base().add(1, TypeText, textVal(string(long)))), ErrDataOverflow)
		require.NoError(t, insert(base().add(1, TypeText, textVal(string(long[:72])))), "maximum-length text fits")

		rb := new(rowBuf).add(1, TypeText, textVal("X")).add(2, TypeDword, dwordVal(1)).add(3, TypeBool, []byte{1, 0})
		assert.ErrorIs(t, insert(rb), ErrBadValue, "bool must be 0xFFFF or 0x0000")

		rb = base().add(1, TypeText, textVal("Y")).add(4, TypeBinary, make([]byte, 17))
		assert.ErrorIs(t, insert(rb), ErrDataOverflow)

		_, err = rs.CreateAccessor(AccessorRowData, []Binding{{Ordinal: 0, Type: TypeText}})
		assert.ErrorIs(t, err, ErrBadBinding, "ordinal 0 is the bookmark")
		_, err = rs.CreateAccessor(AccessorRowData, []Binding{{Ordinal: 2, Type: TypeText}})
		assert.ErrorIs(t, err, ErrBadBinding, "type mismatch")
		_, err = rs.CreateAccessor(AccessorRowData, []Binding{{Ordinal: 2, Type: TypeDword}, {Ordinal: 2, Type: TypeDword, ValueOffset: 4}})
		assert.ErrorIs(t, err, ErrBadBinding, "duplicate ordinal")
		_, err = rs.CreateAccessor(AccessorRowData, []Binding{{Ordinal: 2, Type: TypeDword, MaxLength: 3}})
		assert.ErrorIs(t, err, ErrBadBinding, "dword binding of 3 bytes")
		_, err = rs.CreateAccessor(AccessorIndexKey, []Binding{{Ordinal: 1, Type: TypeText}})
		assert.ErrorIs(t, err, ErrBadBinding, "key accessor on a non-index rowset")
	})
}

func TestSeekAndRange(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, _ storage.Storage) {
		require.NoError(t, s.CreateTable(&TableDef{
			Name: "Files",
			Columns: []ColumnDef{
				{Name: "Component", Type: TypeText},
				{Name: "Name", Type: TypeText},
				{Name: "Seq", Type: TypeDword},
			},
			Indexes: []IndexDef{{Name: "ByComponent", Columns: []string{"Component", "Seq"}}},
		}))
		rs, err := s.OpenRowset("Files", "")
		require.NoError(t, err)
		for i, comp := range []string{"A", "AB", "A", "B", "A"} {
			rb := new(rowBuf).
				add(1, TypeText, textVal(comp)).
				add(2, TypeText, textVal("f")).
				add(3, TypeDword, dwordVal(uint32(10-i)))
			acc, err := rs.CreateAccessor(AccessorRowData, rb.bindings)
			require.NoError(t, err)
			_, err = rs.InsertRow(acc, rb.buf)
			require.NoError(t, err)
		}
		require.NoError(t, rs.Close())

		irs, err := s.OpenRowset("Files", "ByComponent")
		require.NoError(t, err)
		defer irs.Close()

		acc, buf := seekKey(t, irs, textVal("A"), TypeText)
		require.NoError(t, irs.SetRange(acc, buf, RangeMatch))
		assert.Equal(t, []Bookmark{5, 3, 1}, allBookmarks(t, irs), "ordered by Seq within the range, AB excluded")

		require.NoError(t, irs.Restart())
		assert.Equal(t, []Bookmark{5, 3, 1}, allBookmarks(t, irs))

		acc, buf = seekKey(t, irs, textVal("C"), TypeText)
		require.NoError(t, irs.SetRange(acc, buf, RangeMatch))
		assert.Empty(t, allBookmarks(t, irs))

		irs2, err := s.OpenRowset("Files", "ByComponent")
		require.NoError(t, err)
		defer irs2.Close()
		acc, buf = seekKey(t, irs2, textVal("AB"), TypeText)
		require.NoError(t, irs2.Seek(acc, buf, SeekFirstEQ))
		bm, err := irs2.GetNextRow()
		require.NoError(t, err)
		assert.Equal(t, Bookmark(2), bm)

		acc, buf = seekKey(t, irs2, textVal("Z"), TypeText)
		assert.ErrorIs(t, irs2.Seek(acc, buf, SeekFirstEQ), ErrNotFound)

		rb := new(rowBuf).add(2, TypeDword, dwordVal(8))
		_, err = irs2.CreateAccessor(AccessorIndexKey, rb.bindings)
		assert.ErrorIs(t, err, ErrBadBinding, "key columns must form a prefix")
	})
}

func TestUniqueIndex(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, _ storage.Storage) {
		require.NoError(t, s.CreateTable(packageDef))
		rs, err := s.OpenRowset("Package", "")
		require.NoError(t, err)
		defer rs.Close()

		insertPackage(t, rs, "A", 1, false)
		rb := new(rowBuf).
			add(1, TypeText, textVal("A")).
			add(2, TypeDword, dwordVal(2)).
			add(3, TypeBool, encodeBool(false))
		acc, err := rs.CreateAccessor(AccessorRowData, rb.bindings)
		require.NoError(t, err)
		_, err = rs.InsertRow(acc, rb.buf)
		assert.ErrorIs(t, err, ErrDuplicateKey)

		insertPackage(t, rs, "AB", 1, false)
		assert.Equal(t, []Bookmark{1, 2}, allBookmarks(t, rs), "failed insert consumes no bookmark")
		require.NoError(t, s.Verify("Package"))
	})
}

func TestUpdateAndDelete(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, _ storage.Storage) {
		require.NoError(t, s.CreateTable(packageDef))
		rs, err := s.OpenRowset("Package", "")
		require.NoError(t, err)
		bm := insertPackage(t, rs, "A", 100, false)

		rb := new(rowBuf).add(1, TypeText, textVal("Z")).add(4, TypeBinary, []byte{1, 2, 3})
		acc, err := rs.CreateAccessor(AccessorRowData, rb.bindings)
		require.NoError(t, err)
		require.NoError(t, rs.SetData(bm, acc, rb.buf))
		assert.Equal(t, textVal("Z"), readColumn(t, rs, bm, 1, TypeText))
		assert.Equal(t, dwordVal(100), readColumn(t, rs, bm, 2, TypeDword), "unbound columns are kept")
		assert.Equal(t, []byte{1, 2, 3}, readColumn(t, rs, bm, 4, TypeBinary))
		require.NoError(t, s.Verify("Package"))
		require.NoError(t, rs.Close())

		irs, err := s.OpenRowset("Package", "PackageId")
		require.NoError(t, err)
		kacc, kbuf := seekKey(t, irs, textVal("A"), TypeText)
		assert.ErrorIs(t, irs.Seek(kacc, kbuf, SeekFirstEQ), ErrNotFound, "old key removed")
		kacc, kbuf = seekKey(t, irs, textVal("Z"), TypeText)
		require.NoError(t, irs.Seek(kacc, kbuf, SeekFirstEQ))

		require.NoError(t, irs.DeleteRow(bm))
		assert.ErrorIs(t, irs.DeleteRow(bm), ErrNotFound)
		assert.ErrorIs(t, irs.Seek(kacc, kbuf, SeekFirstEQ), ErrNotFound)
		require.NoError(t, irs.Close())

		st, err := s.TableStats("Package")
		require.NoError(t, err)
		assert.EqualValues(t, 0, st.Rows)
		assert.EqualValues(t, 0, st.IndexRows["PackageId"])
		require.NoError(t, s.Verify("Package"))
	})
}

func TestAutoIncrement(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, _ storage.Storage) {
		require.NoError(t, s.CreateTable(&TableDef{
			Name: "Seq",
			Columns: []ColumnDef{
				{Name: "Id", Type: TypeDword, AutoIncrement: true},
				{Name: "Name", Type: TypeText, Nullable: true},
			},
		}))
		rs, err := s.OpenRowset("Seq", "")
		require.NoError(t, err)
		defer rs.Close()

		insert := func(rb *rowBuf) Bookmark {
			acc, err := rs.CreateAccessor(AccessorRowData, rb.bindings)
			require.NoError(t, err)
			bm, err := rs.InsertRow(acc, rb.buf)
			require.NoError(t, err)
			return bm
		}
		bm1 := insert(new(rowBuf).add(2, TypeText, textVal("a")))
		bm2 := insert(new(rowBuf).add(1, TypeDword, dwordVal(10)))
		bm3 := insert(new(rowBuf).add(2, TypeText, textVal("c")))

		assert.Equal(t, dwordVal(1), readColumn(t, rs, bm1, 1, TypeDword))
		assert.Equal(t, dwordVal(10), readColumn(t, rs, bm2, 1, TypeDword))
		assert.Equal(t, dwordVal(11), readColumn(t, rs, bm3, 1, TypeDword))
	})
}

func TestCreateIndex(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, _ storage.Storage) {
		require.NoError(t, s.CreateTable(packageDef))
		rs, err := s.OpenRowset("Package", "")
		require.NoError(t, err)
		insertPackage(t, rs, "A", 300, false)
		insertPackage(t, rs, "B", 100, true)

		bySize := IndexDef{Name: "BySize", Columns: []string{"Size"}}
		assert.ErrorIs(t, s.CreateIndex("Package", bySize), ErrTableInUse)
		require.NoError(t, rs.Close())

		require.NoError(t, s.CreateIndex("Package", bySize))
		assert.ErrorIs(t, s.CreateIndex("Package", bySize), ErrIndexExists)
		assert.ErrorIs(t, s.CreateIndex("Missing", bySize), ErrTableNotFound)
		assert.ErrorIs(t, s.CreateIndex("Package", IndexDef{Name: "X", Columns: []string{"Nope"}}), ErrBadDefinition)
		require.NoError(t, s.Verify("Package"))

		irs, err := s.OpenRowset("Package", "BySize")
		require.NoError(t, err)
		defer irs.Close()
		assert.Equal(t, []Bookmark{2, 1}, allBookmarks(t, irs))

		def, err := s.OpenTable("Package")
		require.NoError(t, err)
		assert.NotNil(t, def.IndexNamed("bysize"))

		_, err = s.OpenRowset("Package", "Nope")
		assert.ErrorIs(t, err, ErrIndexNotFound)
	})
}

func TestTransactions(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, _ storage.Storage) {
		require.NoError(t, s.CreateTable(packageDef))
		rs, err := s.OpenRowset("Package", "")
		require.NoError(t, err)
		defer rs.Close()

		tx, err := s.Begin(IsolationSerializable)
		require.NoError(t, err)
		_, err = s.Begin(IsolationSerializable)
		assert.ErrorIs(t, err, ErrTxState)
		insertPackage(t, rs, "A", 1, false)
		assert.Equal(t, []Bookmark{1}, allBookmarks(t, rs), "visible inside the transaction")
		require.NoError(t, tx.Abort())
		assert.ErrorIs(t, tx.Commit(), ErrTxState)

		require.NoError(t, rs.Restart())
		assert.Empty(t, allBookmarks(t, rs))

		tx, err = s.Begin(IsolationSerializable)
		require.NoError(t, err)
		insertPackage(t, rs, "B", 1, false)
		require.NoError(t, tx.Commit())

		require.NoError(t, rs.Restart())
		assert.Equal(t, []Bookmark{1}, allBookmarks(t, rs), "aborted bookmark is reused since its state was rolled back")
	})
}

func TestVerifyDetectsCorruption(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *KVSession, st storage.Storage) {
		require.NoError(t, s.CreateTable(packageDef))
		rs, err := s.OpenRowset("Package", "")
		require.NoError(t, err)
		bm := insertPackage(t, rs, "A", 1, false)
		require.NoError(t, rs.Close())

		stx, err := st.BeginTx(true)
		require.NoError(t, err)
		data := stx.Bucket("Package", dataBucket)
		raw := append([]byte(nil), data.Get(bookmarkKey(bm))...)
		raw[len(raw)/2] ^= 0xFF
		require.NoError(t, data.Put(bookmarkKey(bm), raw))
		require.NoError(t, stx.Commit())

		err = s.Verify("Package")
		assert.ErrorIs(t, err, ErrCorrupt)
		assert.Contains(t, err.Error(), "checksum")
	})
}

func TestErrorFormatting(t *testing.T) {
	err := errorf(CodeDuplicateKey, nil, "Package.PackageId: duplicate key")
	assert.Equal(t, "Package.PackageId: duplicate key (0xe0012005)", err.Error())
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeDuplicateKey, CodeOf(err))
	assert.Equal(t, "end of rowset (0x00013002)", ErrEndOfRowset.Error())
}

// failingStorage reports err from every transaction's Err, the way a
// storage engine does after a query it could not return an error from.
type failingStorage struct {
	storage.Storage
	err error
}

func (s *failingStorage) BeginTx(writable bool) (storage.Tx, error) {
	tx, err := s.Storage.BeginTx(writable)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, s: s}, nil
}

type failingTx struct {
	storage.Tx
	s *failingStorage
}

func (tx *failingTx) Err() error { return tx.s.err }

func TestSwallowedStorageFailure(t *testing.T) {
	base, err := storage.Open(storage.EngineMemory, "", true, storage.Options{})
	require.NoError(t, err)
	st := &failingStorage{Storage: base}
	s := NewKVSession(st, Options{})
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateTable(packageDef))
	rs, err := s.OpenRowset("Package", "")
	require.NoError(t, err)
	defer rs.Close()
	insertPackage(t, rs, "A", 1, false)
	irs, err := s.OpenRowset("Package", "PackageId")
	require.NoError(t, err)
	defer irs.Close()

	st.err = errors.New("disk I/O error")

	_, err = rs.GetNextRow()
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrEndOfRowset)

	acc, buf := seekKey(t, irs, textVal("B"), TypeText)
	defer acc.Release()
	err = irs.Seek(acc, buf, SeekFirstEQ)
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "disk I/O error")

	tx, err := s.Begin(IsolationSerializable)
	require.NoError(t, err)
	_, err = s.OpenTable("Package")
	assert.ErrorIs(t, err, ErrStorage, "checked inside a transaction too")
	require.NoError(t, tx.Abort())
}
