package provider

import (
	"errors"
	"strings"
	"time"

	"github.com/andreyvit/tabdb/storage"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	catalogBucket   = "_catalog"
	dataBucket      = "data"
	indexBucketPref = "i_"
)

var tableStateKey = []byte("_state")

func indexBucketName(name string) string {
	return indexBucketPref + strings.ToLower(name)
}

// tableState is persisted in the table's root bucket.
type tableState struct {
	Name             string            `msgpack:"n"`
	Columns          []ColumnDef       `msgpack:"c"`
	Indexes          []*indexState     `msgpack:"i"`
	LastIndexOrdinal uint64            `msgpack:"li"`
	NextBookmark     uint64            `msgpack:"nb"`
	AutoIncrement    map[string]uint32 `msgpack:"ai,omitempty"`
	Created          time.Time         `msgpack:"t"`

	indexStatesByOrd map[uint64]*indexState `msgpack:"-"`
}

type indexState struct {
	IndexDef
	IndexOrdinal uint64 `msgpack:"o"`

	colPos []int `msgpack:"-"`
}

func (is *indexState) bucket() string {
	return indexBucketName(is.Name)
}

func (ts *tableState) init() error {
	ts.indexStatesByOrd = make(map[uint64]*indexState, len(ts.Indexes))
	def := ts.def()
	for _, is := range ts.Indexes {
		is.colPos = make([]int, len(is.Columns))
		for i, name := range is.Columns {
			pos := def.ColumnIndex(name)
			if pos < 0 {
				return errorf(CodeCorrupt, nil, "%s: index %s refers to missing column %s", ts.Name, is.Name, name)
			}
			is.colPos[i] = pos
		}
		ts.indexStatesByOrd[is.IndexOrdinal] = is
	}
	return nil
}

func (ts *tableState) def() *TableDef {
	td := &TableDef{
		Name:    ts.Name,
		Columns: append([]ColumnDef(nil), ts.Columns...),
	}
	for _, is := range ts.Indexes {
		idx := is.IndexDef
		idx.Columns = append([]string(nil), idx.Columns...)
		td.Indexes = append(td.Indexes, idx)
	}
	return td
}

func (ts *tableState) indexNamed(name string) *indexState {
	for _, is := range ts.Indexes {
		if strings.EqualFold(is.Name, name) {
			return is
		}
	}
	return nil
}

func (ts *tableState) indexByOrdinal(ord uint64) *indexState {
	return ts.indexStatesByOrd[ord]
}

func (ts *tableState) addIndex(def IndexDef) (*indexState, error) {
	ts.LastIndexOrdinal++
	is := &indexState{
		IndexDef:     def,
		IndexOrdinal: ts.LastIndexOrdinal,
	}
	ts.Indexes = append(ts.Indexes, is)
	if err := ts.init(); err != nil {
		return nil, err
	}
	return is, nil
}

func loadTableState(stx storage.Tx, name string) (*tableState, error) {
	if !validTableName(name) {
		return nil, errorf(CodeTableNotFound, nil, "table %q not found", name)
	}
	root := stx.Bucket(name, "")
	if root == nil {
		return nil, errorf(CodeTableNotFound, nil, "table %q not found", name)
	}
	raw := root.Get(tableStateKey)
	if raw == nil {
		return nil, errorf(CodeCorrupt, nil, "table %q has no state", name)
	}
	ts := new(tableState)
	if err := msgpack.Unmarshal(raw, ts); err != nil {
		return nil, errorf(CodeCorrupt, dataErrf(raw, 0, err, "failed to decode table state"), "%s", name)
	}
	if err := ts.init(); err != nil {
		return nil, err
	}
	return ts, nil
}

func (ts *tableState) save(stx storage.Tx) error {
	raw, err := msgpack.Marshal(ts)
	if err != nil {
		return errorf(CodeStorage, err, "%s: failed to encode table state", ts.Name)
	}
	root := stx.Bucket(ts.Name, "")
	if root == nil {
		return errorf(CodeTableNotFound, nil, "table %q not found", ts.Name)
	}
	return wrapStorageErr(root.Put(tableStateKey, raw))
}

func validTableName(name string) bool {
	return name != "" && !strings.HasPrefix(name, "_") && !strings.ContainsRune(name, 0)
}

func validateTableDef(def *TableDef) error {
	if !validTableName(def.Name) {
		return errorf(CodeBadDefinition, nil, "invalid table name %q", def.Name)
	}
	if len(def.Columns) == 0 {
		return errorf(CodeBadDefinition, nil, "%s: no columns", def.Name)
	}
	seen := make(map[string]bool, len(def.Columns))
	for _, col := range def.Columns {
		lower := strings.ToLower(col.Name)
		if col.Name == "" || seen[lower] {
			return errorf(CodeBadDefinition, nil, "%s: invalid or duplicate column name %q", def.Name, col.Name)
		}
		seen[lower] = true
		if !col.Type.Valid() {
			return errorf(CodeBadDefinition, nil, "%s.%s: invalid column type %v", def.Name, col.Name, col.Type)
		}
		if col.Size < 0 {
			return errorf(CodeBadDefinition, nil, "%s.%s: negative size", def.Name, col.Name)
		}
		if col.AutoIncrement && col.Type != TypeDword {
			return errorf(CodeBadDefinition, nil, "%s.%s: only dword columns can auto-increment", def.Name, col.Name)
		}
	}
	idxSeen := make(map[string]bool, len(def.Indexes))
	for _, idx := range def.Indexes {
		if err := validateIndexDef(def, idx); err != nil {
			return err
		}
		lower := strings.ToLower(idx.Name)
		if idxSeen[lower] {
			return errorf(CodeIndexExists, nil, "%s: duplicate index %q", def.Name, idx.Name)
		}
		idxSeen[lower] = true
	}
	return nil
}

func validateIndexDef(def *TableDef, idx IndexDef) error {
	if idx.Name == "" || strings.ContainsRune(idx.Name, 0) {
		return errorf(CodeBadDefinition, nil, "%s: invalid index name %q", def.Name, idx.Name)
	}
	if len(idx.Columns) == 0 {
		return errorf(CodeBadDefinition, nil, "%s.%s: index has no columns", def.Name, idx.Name)
	}
	for _, name := range idx.Columns {
		if def.ColumnIndex(name) < 0 {
			return errorf(CodeBadDefinition, nil, "%s.%s: unknown column %q", def.Name, idx.Name, name)
		}
	}
	return nil
}

func wrapStorageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrStoreFull):
		return errorf(CodeStoreFull, err, "store is full")
	case errors.Is(err, storage.ErrClosed):
		return errorf(CodeClosed, err, "storage closed")
	default:
		var perr *Error
		if errors.As(err, &perr) {
			return err
		}
		return errorf(CodeStorage, err, "storage failure")
	}
}
