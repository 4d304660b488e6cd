package driver

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutraconsulting/geodiff/changeset"
	"github.com/lutraconsulting/geodiff/geodiff_errors"
)

const simpleDDL = `CREATE TABLE simple (
	fid INTEGER PRIMARY KEY,
	geometry BLOB,
	name TEXT,
	rating INTEGER
)`

func newSqliteDB(t *testing.T, path string, rows ...[]any) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(simpleDDL)
	require.NoError(t, err)
	for _, row := range rows {
		_, err = db.Exec("INSERT INTO simple (fid, geometry, name, rating) VALUES (?, ?, ?, ?)", row...)
		require.NoError(t, err)
	}
}

func sqliteBaseRows() [][]any {
	return [][]any{
		{int64(1), []byte{0xa1}, "a", int64(1)},
		{int64(2), []byte{0xa2}, "b", int64(2)},
	}
}

func TestSqliteBasic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.db")
	newSqliteDB(t, path, sqliteBaseRows()...)

	d, err := Open("sqlite", Connection{ConnBase: path})
	require.NoError(t, err)
	defer d.Close()

	tables, err := d.ListTables()
	require.NoError(t, err)
	assert.Equal(t, []string{"simple"}, tables)

	schema, err := d.TableSchema("simple")
	require.NoError(t, err)
	require.Len(t, schema.Columns, 4)
	assert.Equal(t, "fid", schema.Columns[0].Name)
	assert.Equal(t, "geometry", schema.Columns[1].Name)
	assert.Equal(t, "name", schema.Columns[2].Name)
	assert.Equal(t, "rating", schema.Columns[3].Name)
	assert.True(t, schema.Columns[0].PrimaryKey)
	assert.False(t, schema.Columns[1].PrimaryKey)
	assert.False(t, schema.Columns[2].PrimaryKey)
	assert.False(t, schema.Columns[3].PrimaryKey)
}

func TestSqliteOpenErrors(t *testing.T) {
	dir := t.TempDir()

	d := newSQLDriver(sqliteDialect{})
	assert.ErrorIs(t, d.Open(Connection{}), geodiff_errors.ErrUsage)

	assert.Error(t, d.Open(Connection{ConnBase: filepath.Join(dir, "missing.db")}))

	garbage := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a database"), 0o644))
	assert.Error(t, d.Open(Connection{ConnBase: garbage}))

	base := filepath.Join(dir, "base.db")
	newSqliteDB(t, base)
	require.NoError(t, d.Open(Connection{ConnBase: base}))
	require.NoError(t, d.Close())

	assert.Error(t, d.Open(Connection{ConnBase: base, ConnModified: filepath.Join(dir, "missing.db")}))
}

func TestSqliteSchemaMismatchOnOpen(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.db")
	modified := filepath.Join(dir, "modified.db")
	newSqliteDB(t, base)

	db, err := sql.Open("sqlite", modified)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE simple (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	d := newSQLDriver(sqliteDialect{})
	err = d.Open(Connection{ConnBase: base, ConnModified: modified})
	assert.ErrorIs(t, err, geodiff_errors.ErrSchemaMismatch)
}

func sqliteDiff(t *testing.T, base, modified string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out.diff")
	d, err := Open("sqlite", Connection{ConnBase: base, ConnModified: modified})
	require.NoError(t, err)
	defer d.Close()

	var w changeset.Writer
	require.NoError(t, w.Open(out))
	require.NoError(t, d.CreateChangeset(&w))
	require.NoError(t, w.Close())
	return out
}

func TestSqliteCreateChangesetInsert(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.db")
	modified := filepath.Join(dir, "modified.db")
	newSqliteDB(t, base, sqliteBaseRows()...)
	newSqliteDB(t, modified, append(sqliteBaseRows(), []any{int64(3), []byte{0xa3}, "c", int64(3)})...)

	entries := readEntries(t, sqliteDiff(t, base, modified))
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, changeset.OpInsert, e.Op)
	assert.Equal(t, "simple", e.Table.Name)
	assert.Equal(t, []bool{true, false, false, false}, e.Table.PrimaryKeys)
	assert.Equal(t, int64(3), e.NewValues[0].Int())
	assert.Equal(t, changeset.TypeBlob, e.NewValues[1].Type())
	assert.Equal(t, []byte{0xa3}, e.NewValues[1].Blob())
	assert.Equal(t, "c", e.NewValues[2].Text())
	assert.Equal(t, int64(3), e.NewValues[3].Int())
}

func TestSqliteCreateChangesetUpdate(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.db")
	modified := filepath.Join(dir, "modified.db")
	newSqliteDB(t, base, sqliteBaseRows()...)
	newSqliteDB(t, modified,
		[]any{int64(1), []byte{0xa1}, "z", int64(1)},
		sqliteBaseRows()[1],
	)

	entries := readEntries(t, sqliteDiff(t, base, modified))
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, changeset.OpUpdate, e.Op)
	assert.Equal(t, int64(1), e.OldValues[0].Int())
	assert.Equal(t, changeset.TypeUndefined, e.NewValues[0].Type())
	assert.Equal(t, "a", e.OldValues[2].Text())
	assert.Equal(t, "z", e.NewValues[2].Text())
}

func TestSqliteEmptyDiff(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.db")
	modified := filepath.Join(dir, "modified.db")
	newSqliteDB(t, base, sqliteBaseRows()...)
	newSqliteDB(t, modified, sqliteBaseRows()...)

	data, err := os.ReadFile(sqliteDiff(t, base, modified))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func sqliteApply(t *testing.T, target, changesetPath string) error {
	t.Helper()
	d, err := Open("sqlite", Connection{ConnBase: target})
	require.NoError(t, err)
	defer d.Close()
	var r changeset.Reader
	require.NoError(t, r.Open(changesetPath))
	return d.ApplyChangeset(&r)
}

func sqliteRows(t *testing.T, path string) (rows [][]any) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	res, err := db.Query("SELECT fid, geometry, name, rating FROM simple ORDER BY fid")
	require.NoError(t, err)
	defer res.Close()
	for res.Next() {
		var fid, rating int64
		var geom []byte
		var name string
		require.NoError(t, res.Scan(&fid, &geom, &name, &rating))
		rows = append(rows, []any{fid, geom, name, rating})
	}
	require.NoError(t, res.Err())
	return
}

// diff then apply reproduces the modified database
func TestSqliteDiffApplyIdentity(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.db")
	modified := filepath.Join(dir, "modified.db")
	target := filepath.Join(dir, "target.db")
	newSqliteDB(t, base, sqliteBaseRows()...)
	newSqliteDB(t, target, sqliteBaseRows()...)
	newSqliteDB(t, modified,
		[]any{int64(1), []byte{0xa1}, "z", int64(1)},
		[]any{int64(3), []byte{0xa3}, "c", int64(3)},
	)

	out := sqliteDiff(t, base, modified)
	require.NoError(t, sqliteApply(t, target, out))
	assert.Equal(t, sqliteRows(t, modified), sqliteRows(t, target))
}

func TestSqliteApplyDeleteTwiceConflicts(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.db")
	modified := filepath.Join(dir, "modified.db")
	target := filepath.Join(dir, "target.db")
	newSqliteDB(t, base, sqliteBaseRows()...)
	newSqliteDB(t, modified, sqliteBaseRows()[0])
	newSqliteDB(t, target, sqliteBaseRows()...)

	out := sqliteDiff(t, base, modified)
	require.NoError(t, sqliteApply(t, target, out))
	err := sqliteApply(t, target, out)
	assert.ErrorIs(t, err, geodiff_errors.ErrConflict)
	// the failed application must not have removed anything else
	assert.Len(t, sqliteRows(t, target), 1)
}

func TestSqliteApplyInsertConflict(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.db")
	modified := filepath.Join(dir, "modified.db")
	target := filepath.Join(dir, "target.db")
	newSqliteDB(t, base, sqliteBaseRows()...)
	newSqliteDB(t, modified, append(sqliteBaseRows(), []any{int64(3), []byte{0xa3}, "c", int64(3)})...)
	newSqliteDB(t, target, append(sqliteBaseRows(), []any{int64(3), []byte{0xff}, "taken", int64(9)})...)

	err := sqliteApply(t, target, sqliteDiff(t, base, modified))
	assert.ErrorIs(t, err, geodiff_errors.ErrConflict)
}

func TestSqliteApplyUpdateMismatchConflicts(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.db")
	modified := filepath.Join(dir, "modified.db")
	target := filepath.Join(dir, "target.db")
	newSqliteDB(t, base, sqliteBaseRows()...)
	newSqliteDB(t, modified, []any{int64(1), []byte{0xa1}, "z", int64(1)}, sqliteBaseRows()[1])
	newSqliteDB(t, target, []any{int64(1), []byte{0xa1}, "drifted", int64(1)}, sqliteBaseRows()[1])

	err := sqliteApply(t, target, sqliteDiff(t, base, modified))
	assert.ErrorIs(t, err, geodiff_errors.ErrConflict)
}
