package driver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutraconsulting/geodiff/changeset"
	"github.com/lutraconsulting/geodiff/geodiff_errors"
)

func simpleSchema() *TableSchema {
	return &TableSchema{
		Name: "simple",
		Columns: []Column{
			{Name: "fid", Type: "INTEGER", PrimaryKey: true},
			{Name: "geometry", Type: "BLOB"},
			{Name: "name", Type: "TEXT"},
			{Name: "rating", Type: "INTEGER"},
		},
	}
}

func simpleRow(fid int64, geom []byte, name string, rating int64) []changeset.Value {
	return []changeset.Value{
		changeset.Int(fid), changeset.Blob(geom), changeset.Text(name), changeset.Int(rating),
	}
}

// newStore creates a populated store at dir and closes it again.
func newStore(t *testing.T, dir string, rows ...[]changeset.Value) {
	t.Helper()
	d := NewPebble()
	require.NoError(t, d.Open(Connection{ConnBase: dir, "create": "true"}))
	require.NoError(t, d.CreateTable(simpleSchema()))
	for _, row := range rows {
		require.NoError(t, d.PutRow("simple", row))
	}
	require.NoError(t, d.Close())
}

func baseRows() [][]changeset.Value {
	return [][]changeset.Value{
		simpleRow(1, []byte{0xa1}, "a", 1),
		simpleRow(2, []byte{0xa2}, "b", 2),
	}
}

func diffStores(t *testing.T, base, modified string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out.diff")
	d, err := Open("pebble", Connection{ConnBase: base, ConnModified: modified})
	require.NoError(t, err)
	defer d.Close()

	var w changeset.Writer
	require.NoError(t, w.Open(out))
	require.NoError(t, d.CreateChangeset(&w))
	require.NoError(t, w.Close())
	return out
}

func readEntries(t *testing.T, path string) (entries []changeset.Entry) {
	t.Helper()
	var r changeset.Reader
	require.NoError(t, r.Open(path))
	var e changeset.Entry
	for {
		ok, err := r.NextEntry(&e)
		require.NoError(t, err)
		if !ok {
			return
		}
		cp := e
		cp.OldValues = changeset.CopyRow(e.OldValues)
		cp.NewValues = changeset.CopyRow(e.NewValues)
		entries = append(entries, cp)
	}
}

func TestPebbleBasic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "base")
	newStore(t, dir, baseRows()...)

	d := NewPebble()
	require.NoError(t, d.Open(Connection{ConnBase: dir}))
	defer d.Close()

	tables, err := d.ListTables()
	require.NoError(t, err)
	assert.Equal(t, []string{"simple"}, tables)

	schema, err := d.TableSchema("simple")
	require.NoError(t, err)
	assert.Equal(t, simpleSchema(), schema)

	row, found, err := d.GetRow("simple", []changeset.Value{changeset.Int(2)})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", row[2].Text())

	_, found, err = d.GetRow("simple", []changeset.Value{changeset.Int(9)})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPebbleOpenErrors(t *testing.T) {
	d := NewPebble()
	assert.ErrorIs(t, d.Open(Connection{}), geodiff_errors.ErrUsage)
	assert.Error(t, d.Open(Connection{ConnBase: filepath.Join(t.TempDir(), "missing")}))
}

func TestPebbleSchemaMismatchOnOpen(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	newStore(t, base)

	other := NewPebble()
	require.NoError(t, other.Open(Connection{ConnBase: modified, "create": "true"}))
	require.NoError(t, other.CreateTable(&TableSchema{
		Name:    "simple",
		Columns: []Column{{Name: "id", Type: "INTEGER", PrimaryKey: true}},
	}))
	require.NoError(t, other.Close())

	d := NewPebble()
	err := d.Open(Connection{ConnBase: base, ConnModified: modified})
	assert.ErrorIs(t, err, geodiff_errors.ErrSchemaMismatch)
}

func TestPebbleCreateChangesetInsert(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	newStore(t, base, baseRows()...)
	newStore(t, modified, append(baseRows(), simpleRow(3, []byte{0xa3}, "c", 3))...)

	out := diffStores(t, base, modified)
	entries := readEntries(t, out)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, changeset.OpInsert, e.Op)
	assert.Equal(t, "simple", e.Table.Name)
	assert.Equal(t, []bool{true, false, false, false}, e.Table.PrimaryKeys)
	assert.Equal(t, int64(3), e.NewValues[0].Int())
	assert.Equal(t, []byte{0xa3}, e.NewValues[1].Blob())
	assert.Equal(t, "c", e.NewValues[2].Text())
}

func TestPebbleCreateChangesetDelete(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	newStore(t, base, baseRows()...)
	newStore(t, modified, baseRows()[0])

	entries := readEntries(t, diffStores(t, base, modified))
	require.Len(t, entries, 1)
	assert.Equal(t, changeset.OpDelete, entries[0].Op)
	assert.Equal(t, int64(2), entries[0].OldValues[0].Int())
	assert.Equal(t, "b", entries[0].OldValues[2].Text())
}

func TestPebbleCreateChangesetUpdate(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	newStore(t, base, baseRows()...)
	newStore(t, modified,
		simpleRow(1, []byte{0xa1}, "z", 1),
		baseRows()[1],
	)

	entries := readEntries(t, diffStores(t, base, modified))
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, changeset.OpUpdate, e.Op)
	assert.Equal(t, int64(1), e.OldValues[0].Int())
	assert.Equal(t, changeset.TypeUndefined, e.NewValues[0].Type())
	assert.Equal(t, changeset.TypeUndefined, e.OldValues[1].Type())
	assert.Equal(t, "a", e.OldValues[2].Text())
	assert.Equal(t, "z", e.NewValues[2].Text())
	assert.Equal(t, changeset.TypeUndefined, e.NewValues[3].Type())
}

func TestPebbleCreateChangesetKeyUpdate(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	newStore(t, base, baseRows()...)
	newStore(t, modified,
		simpleRow(100, []byte{0xa1}, "a", 1),
		baseRows()[1],
	)

	entries := readEntries(t, diffStores(t, base, modified))
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, changeset.OpUpdate, e.Op)
	assert.Equal(t, int64(1), e.OldValues[0].Int())
	assert.Equal(t, int64(100), e.NewValues[0].Int())
	for i := 1; i < 4; i++ {
		assert.Equal(t, changeset.TypeUndefined, e.OldValues[i].Type())
		assert.Equal(t, changeset.TypeUndefined, e.NewValues[i].Type())
	}
}

func TestPebbleEmptyDiff(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	newStore(t, base, baseRows()...)
	newStore(t, modified, baseRows()...)

	out := diffStores(t, base, modified)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestPebbleDiffDeterminism(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	newStore(t, base, baseRows()...)
	newStore(t, modified,
		simpleRow(1, []byte{0xa1}, "z", 9),
		simpleRow(3, []byte{0xa3}, "c", 3),
	)

	first, err := os.ReadFile(diffStores(t, base, modified))
	require.NoError(t, err)
	second, err := os.ReadFile(diffStores(t, base, modified))
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func applyToStore(t *testing.T, dir, changesetPath string) error {
	t.Helper()
	d, err := Open("pebble", Connection{ConnBase: dir})
	require.NoError(t, err)
	defer d.Close()
	var r changeset.Reader
	require.NoError(t, r.Open(changesetPath))
	return d.ApplyChangeset(&r)
}

func storeRows(t *testing.T, dir, table string) (rows [][]changeset.Value) {
	t.Helper()
	d := NewPebble()
	require.NoError(t, d.Open(Connection{ConnBase: dir}))
	defer d.Close()
	schema, err := d.TableSchema(table)
	require.NoError(t, err)
	stream, closeIter, err := tableStream(d.base, schema)
	require.NoError(t, err)
	defer closeIter()
	for {
		row, ok, err := stream.Next()
		require.NoError(t, err)
		if !ok {
			return
		}
		rows = append(rows, row)
	}
}

// diffing two stores and applying the result onto the base must
// reproduce the modified store row for row
func TestPebbleDiffApplyIdentity(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	target := filepath.Join(dir, "target")
	newStore(t, base, baseRows()...)
	newStore(t, target, baseRows()...)
	newStore(t, modified,
		simpleRow(1, []byte{0xa1}, "z", 1),
		simpleRow(3, []byte{0xa3}, "c", 3),
	)

	out := diffStores(t, base, modified)
	require.NoError(t, applyToStore(t, target, out))

	want := storeRows(t, modified, "simple")
	got := storeRows(t, target, "simple")
	require.Len(t, got, len(want))
	for i := range want {
		for j := range want[i] {
			assert.True(t, want[i][j].Equal(got[i][j]), "row %d column %d", i, j)
		}
	}
}

func TestPebbleApplyInsertConflict(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	target := filepath.Join(dir, "target")
	newStore(t, base, baseRows()...)
	newStore(t, modified, append(baseRows(), simpleRow(3, []byte{0xa3}, "c", 3))...)
	newStore(t, target, append(baseRows(), simpleRow(3, []byte{0xff}, "taken", 9))...)

	out := diffStores(t, base, modified)
	err := applyToStore(t, target, out)
	assert.ErrorIs(t, err, geodiff_errors.ErrConflict)
}

// applying the same delete twice conflicts the second time
func TestPebbleApplyDeleteTwiceConflicts(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	target := filepath.Join(dir, "target")
	newStore(t, base, baseRows()...)
	newStore(t, modified, baseRows()[0])
	newStore(t, target, baseRows()...)

	out := diffStores(t, base, modified)
	require.NoError(t, applyToStore(t, target, out))
	err := applyToStore(t, target, out)
	assert.ErrorIs(t, err, geodiff_errors.ErrConflict)
}

func TestPebbleApplyUpdateOldValueMismatch(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	target := filepath.Join(dir, "target")
	newStore(t, base, baseRows()...)
	newStore(t, modified, simpleRow(1, []byte{0xa1}, "z", 1), baseRows()[1])
	// the target row drifted away from the base value
	newStore(t, target, simpleRow(1, []byte{0xa1}, "drifted", 1), baseRows()[1])

	out := diffStores(t, base, modified)
	err := applyToStore(t, target, out)
	assert.ErrorIs(t, err, geodiff_errors.ErrConflict)
}

func TestPebbleApplyKeyUpdate(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	modified := filepath.Join(dir, "modified")
	target := filepath.Join(dir, "target")
	newStore(t, base, baseRows()...)
	newStore(t, modified, simpleRow(100, []byte{0xa1}, "a", 1), baseRows()[1])
	newStore(t, target, baseRows()...)

	out := diffStores(t, base, modified)
	require.NoError(t, applyToStore(t, target, out))

	d := NewPebble()
	require.NoError(t, d.Open(Connection{ConnBase: target}))
	defer d.Close()
	_, found, err := d.GetRow("simple", []changeset.Value{changeset.Int(1)})
	require.NoError(t, err)
	assert.False(t, found)
	row, found, err := d.GetRow("simple", []changeset.Value{changeset.Int(100)})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", row[2].Text())
}
