package driver

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/lutraconsulting/geodiff/changeset"
	"github.com/lutraconsulting/geodiff/geodiff_errors"
	"github.com/lutraconsulting/geodiff/utils"
)

func init() {
	Register("pebble", func() Driver { return NewPebble() })
}

// Key layout of the embedded store:
//
//	's' + table name            -> encoded table schema
//	'r' + table name + 0x00 + encoded key values -> encoded full row
//
// Row keys sort by the wire encoding of the key values, so a plain
// iterator walks a table in a stable key order.
const (
	schemaKeyPrefix = 's'
	rowKeyPrefix    = 'r'
)

// PebbleDriver keeps tabular data in an embedded pebble store. It needs
// no server and ships its own population API, which makes it the
// lightweight backend for tooling and tests.
type PebbleDriver struct {
	log      utils.Logger
	base     *pebble.DB
	modified *pebble.DB
}

func NewPebble() *PebbleDriver {
	return &PebbleDriver{log: utils.NewDefaultLogger(slog.LevelInfo)}
}

// Base exposes the underlying store, e.g. for metrics collection.
func (p *PebbleDriver) Base() *pebble.DB { return p.base }

func (p *PebbleDriver) Open(conn Connection) error {
	loc := conn.Base()
	if loc == "" {
		return fmt.Errorf("%w: connection is missing the %q key", geodiff_errors.ErrUsage, ConnBase)
	}
	db, err := openPebble(loc, conn["create"] == "true")
	if err != nil {
		return fmt.Errorf("open base store: %w", err)
	}
	p.base = db

	if modLoc, ok := conn.Modified(); ok {
		modified, err := openPebble(modLoc, false)
		if err != nil {
			p.closeAll()
			return fmt.Errorf("open modified store: %w", err)
		}
		p.modified = modified
		if err := p.checkSchemasMatch(); err != nil {
			p.closeAll()
			return err
		}
	}
	return nil
}

func openPebble(path string, create bool) (*pebble.DB, error) {
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	}
	return pebble.Open(path, &pebble.Options{})
}

func (p *PebbleDriver) closeAll() {
	if p.base != nil {
		_ = p.base.Close()
		p.base = nil
	}
	if p.modified != nil {
		_ = p.modified.Close()
		p.modified = nil
	}
}

func (p *PebbleDriver) Close() error {
	p.closeAll()
	return nil
}

func schemaKey(name string) []byte {
	return append([]byte{schemaKeyPrefix}, name...)
}

func rowKeyRange(name string) (lower, upper []byte) {
	lower = append([]byte{rowKeyPrefix}, name...)
	lower = append(lower, 0)
	upper = append([]byte{rowKeyPrefix}, name...)
	upper = append(upper, 1)
	return
}

func rowKey(name string, keyVals []changeset.Value) []byte {
	key, _ := rowKeyRange(name)
	return changeset.AppendRow(key, keyVals)
}

func encodeSchema(s *TableSchema) []byte {
	buf := changeset.AppendVarint(nil, uint32(len(s.Columns)))
	for _, col := range s.Columns {
		buf = changeset.AppendNullTerminatedString(buf, col.Name)
		buf = changeset.AppendNullTerminatedString(buf, col.Type)
		if col.PrimaryKey {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func decodeSchema(name string, data []byte) (*TableSchema, error) {
	n, rest, err := changeset.TakeVarint(data)
	if err != nil {
		return nil, err
	}
	schema := &TableSchema{Name: name, Columns: make([]Column, n)}
	for i := range schema.Columns {
		col := &schema.Columns[i]
		if col.Name, rest, err = changeset.TakeNullTerminatedString(rest); err != nil {
			return nil, err
		}
		if col.Type, rest, err = changeset.TakeNullTerminatedString(rest); err != nil {
			return nil, err
		}
		if len(rest) == 0 {
			return nil, fmt.Errorf("%w: truncated schema for table %q", geodiff_errors.ErrBadChangeset, name)
		}
		col.PrimaryKey = rest[0] != 0
		rest = rest[1:]
	}
	return schema, nil
}

// CreateTable registers a table in the base store. Part of the
// population API; a table must exist before rows go in.
func (p *PebbleDriver) CreateTable(schema *TableSchema) error {
	if p.base == nil {
		return fmt.Errorf("%w: driver is not open", geodiff_errors.ErrDriverClosed)
	}
	if len(schema.PrimaryKeyIndexes()) == 0 {
		return fmt.Errorf("%w: table %q has no primary key", geodiff_errors.ErrUsage, schema.Name)
	}
	return p.base.Set(schemaKey(schema.Name), encodeSchema(schema), pebble.Sync)
}

// PutRow stores a full row in the base store, inserting or replacing by
// key. Part of the population API.
func (p *PebbleDriver) PutRow(table string, row []changeset.Value) error {
	schema, err := p.TableSchema(table)
	if err != nil {
		return err
	}
	if len(row) != len(schema.Columns) {
		return fmt.Errorf("%w: row has %d values, table %q has %d columns",
			geodiff_errors.ErrSchemaMismatch, len(row), table, len(schema.Columns))
	}
	for _, v := range row {
		if !v.IsDefined() {
			return fmt.Errorf("%w: stored rows cannot hold undefined values", geodiff_errors.ErrUsage)
		}
	}
	key := rowKey(table, keyValues(schema, row))
	return p.base.Set(key, changeset.AppendRow(nil, row), pebble.Sync)
}

// GetRow fetches a row by its key values from the base store.
func (p *PebbleDriver) GetRow(table string, keyVals []changeset.Value) ([]changeset.Value, bool, error) {
	schema, err := p.TableSchema(table)
	if err != nil {
		return nil, false, err
	}
	data, closer, err := p.base.Get(rowKey(table, keyVals))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	row, _, err := changeset.TakeRow(data, len(schema.Columns))
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func keyValues(schema *TableSchema, row []changeset.Value) []changeset.Value {
	idx := schema.PrimaryKeyIndexes()
	vals := make([]changeset.Value, len(idx))
	for i, j := range idx {
		vals[i] = row[j]
	}
	return vals
}

func listTablesOf(db *pebble.DB) ([]string, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{schemaKeyPrefix},
		UpperBound: []byte{schemaKeyPrefix + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		names = append(names, string(iter.Key()[1:]))
	}
	return names, iter.Error()
}

func (p *PebbleDriver) ListTables() ([]string, error) {
	if p.base == nil {
		return nil, fmt.Errorf("%w: driver is not open", geodiff_errors.ErrDriverClosed)
	}
	return listTablesOf(p.base)
}

func tableSchemaOf(db *pebble.DB, name string) (*TableSchema, error) {
	data, closer, err := db.Get(schemaKey(name))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("no such table %q", name)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeSchema(name, data)
}

func (p *PebbleDriver) TableSchema(name string) (*TableSchema, error) {
	if p.base == nil {
		return nil, fmt.Errorf("%w: driver is not open", geodiff_errors.ErrDriverClosed)
	}
	return tableSchemaOf(p.base, name)
}

func (p *PebbleDriver) checkSchemasMatch() error {
	baseTables, err := listTablesOf(p.base)
	if err != nil {
		return err
	}
	modTables, err := listTablesOf(p.modified)
	if err != nil {
		return err
	}
	if len(baseTables) != len(modTables) {
		return fmt.Errorf("%w: base has %d tables, modified has %d",
			geodiff_errors.ErrSchemaMismatch, len(baseTables), len(modTables))
	}
	for i, name := range baseTables {
		if modTables[i] != name {
			return fmt.Errorf("%w: table %q exists only in one store", geodiff_errors.ErrSchemaMismatch, name)
		}
		baseSchema, err := tableSchemaOf(p.base, name)
		if err != nil {
			return err
		}
		modSchema, err := tableSchemaOf(p.modified, name)
		if err != nil {
			return err
		}
		if !baseSchema.Equal(modSchema) {
			return fmt.Errorf("%w: table %q has different columns", geodiff_errors.ErrSchemaMismatch, name)
		}
	}
	return nil
}

// pebbleRowStream walks one table's row keyspace in key order.
type pebbleRowStream struct {
	iter    *pebble.Iterator
	cols    int
	started bool
}

func (s *pebbleRowStream) Next() ([]changeset.Value, bool, error) {
	var valid bool
	if !s.started {
		valid = s.iter.First()
		s.started = true
	} else {
		valid = s.iter.Next()
	}
	if !valid {
		return nil, false, s.iter.Error()
	}
	row, _, err := changeset.TakeRow(s.iter.Value(), s.cols)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func tableStream(db *pebble.DB, schema *TableSchema) (*pebbleRowStream, func(), error) {
	lower, upper := rowKeyRange(schema.Name)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, nil, err
	}
	return &pebbleRowStream{iter: iter, cols: len(schema.Columns)}, func() { iter.Close() }, nil
}

func (p *PebbleDriver) CreateChangeset(w *changeset.Writer) error {
	if p.base == nil {
		return fmt.Errorf("%w: driver is not open", geodiff_errors.ErrDriverClosed)
	}
	if p.modified == nil {
		return fmt.Errorf("%w: no modified store to diff against", geodiff_errors.ErrUsage)
	}
	session := uuid.Must(uuid.NewV7()).String()
	start := time.Now()
	p.log.Info("creating changeset", "driver", "pebble", "session", session)

	tables, err := p.ListTables()
	if err != nil {
		return err
	}
	for _, name := range tables {
		schema, err := p.TableSchema(name)
		if err != nil {
			return err
		}
		baseStream, closeBase, err := tableStream(p.base, schema)
		if err != nil {
			return err
		}
		modStream, closeMod, err := tableStream(p.modified, schema)
		if err != nil {
			closeBase()
			return err
		}
		idx := schema.PrimaryKeyIndexes()
		// iteration order is the byte order of the encoded key values,
		// so the merge comparator re-encodes and compares bytes
		cmp := func(a, b []changeset.Value) int {
			return bytes.Compare(
				changeset.AppendRow(nil, pickValues(a, idx)),
				changeset.AppendRow(nil, pickValues(b, idx)),
			)
		}
		err = diffTable(schema, baseStream, modStream, cmp, w)
		closeBase()
		closeMod()
		if err != nil {
			return err
		}
	}
	p.log.Info("changeset created", "driver", "pebble", "session", session, "elapsed", time.Since(start))
	return nil
}

func pickValues(row []changeset.Value, idx []int) []changeset.Value {
	vals := make([]changeset.Value, len(idx))
	for i, j := range idx {
		vals[i] = row[j]
	}
	return vals
}

func (p *PebbleDriver) ApplyChangeset(r *changeset.Reader) error {
	if p.base == nil {
		return fmt.Errorf("%w: driver is not open", geodiff_errors.ErrDriverClosed)
	}
	session := uuid.Must(uuid.NewV7()).String()
	p.log.Info("applying changeset", "driver", "pebble", "session", session)

	batch := p.base.NewIndexedBatch()
	defer batch.Close()

	var entry changeset.Entry
	for {
		ok, err := r.NextEntry(&entry)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := p.applyEntry(batch, &entry); err != nil {
			ApplyConflicts.WithLabelValues("pebble", entry.Op.String()).Inc()
			return err
		}
		OpsApplied.WithLabelValues("pebble", entry.Op.String()).Inc()
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit apply batch: %w", err)
	}
	p.log.Info("changeset applied", "driver", "pebble", "session", session)
	return nil
}

func (p *PebbleDriver) applyEntry(batch *pebble.Batch, entry *changeset.Entry) error {
	schema, err := p.TableSchema(entry.Table.Name)
	if err != nil {
		return err
	}
	if len(schema.Columns) != entry.Table.ColumnCount() {
		return fmt.Errorf("%w: changeset has %d columns for table %q, store has %d",
			geodiff_errors.ErrSchemaMismatch, entry.Table.ColumnCount(), entry.Table.Name, len(schema.Columns))
	}
	pkIdx := entry.Table.PrimaryKeyIndexes()

	getRow := func(key []byte) ([]changeset.Value, bool, error) {
		data, closer, err := batch.Get(key)
		if err == pebble.ErrNotFound {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		defer closer.Close()
		row, _, err := changeset.TakeRow(data, len(schema.Columns))
		return row, err == nil, err
	}

	switch entry.Op {
	case changeset.OpInsert:
		key := rowKey(entry.Table.Name, pickValues(entry.NewValues, pkIdx))
		if _, found, err := getRow(key); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: insert into %q, key already exists", geodiff_errors.ErrConflict, entry.Table.Name)
		}
		return batch.Set(key, changeset.AppendRow(nil, entry.NewValues), nil)

	case changeset.OpDelete:
		key := rowKey(entry.Table.Name, pickValues(entry.OldValues, pkIdx))
		if _, found, err := getRow(key); err != nil {
			return err
		} else if !found {
			return fmt.Errorf("%w: delete from %q, no such row", geodiff_errors.ErrConflict, entry.Table.Name)
		}
		return batch.Delete(key, nil)

	case changeset.OpUpdate:
		oldKey := rowKey(entry.Table.Name, pickValues(entry.OldValues, pkIdx))
		current, found, err := getRow(oldKey)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: update of %q, no such row", geodiff_errors.ErrConflict, entry.Table.Name)
		}
		for i, old := range entry.OldValues {
			if old.IsDefined() && !old.Equal(current[i]) {
				return fmt.Errorf("%w: update of %q, prior value of column %d changed",
					geodiff_errors.ErrConflict, entry.Table.Name, i)
			}
		}
		next := changeset.CopyRow(current)
		keyChanged := false
		for i, v := range entry.NewValues {
			if !v.IsDefined() {
				continue
			}
			next[i] = v
			if entry.Table.PrimaryKeys[i] {
				keyChanged = true
			}
		}
		newKey := oldKey
		if keyChanged {
			newKey = rowKey(entry.Table.Name, pickValues(next, pkIdx))
			if _, exists, err := getRow(newKey); err != nil {
				return err
			} else if exists {
				return fmt.Errorf("%w: update of %q, new key already exists", geodiff_errors.ErrConflict, entry.Table.Name)
			}
			if err := batch.Delete(oldKey, nil); err != nil {
				return err
			}
		}
		return batch.Set(newKey, changeset.AppendRow(nil, next), nil)
	}
	return fmt.Errorf("%w: operation %d", geodiff_errors.ErrBadChangeset, byte(entry.Op))
}
