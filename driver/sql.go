package driver

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lutraconsulting/geodiff/changeset"
	"github.com/lutraconsulting/geodiff/geodiff_errors"
	"github.com/lutraconsulting/geodiff/utils"
)

const schemaCacheSize = 128

// dialect abstracts the differences between the SQL backends: how to
// connect, how to list tables and introspect schemas, and the flavour
// of placeholders, identifier quoting and null-safe equality.
type dialect interface {
	name() string
	open(location string) (*sql.DB, error)
	listTables(db *sql.DB) ([]string, error)
	tableSchema(db *sql.DB, name string) (*TableSchema, error)
	placeholder(i int) string
	quoteIdent(name string) string
	nullSafeEq(col, placeholder string) string
}

// sqlDriver implements the Driver contract for any database/sql
// backend, parameterized by a dialect.
type sqlDriver struct {
	d        dialect
	log      utils.Logger
	base     *sql.DB
	modified *sql.DB
	schemas  *lru.Cache[string, *TableSchema]
}

func newSQLDriver(d dialect) *sqlDriver {
	return &sqlDriver{d: d, log: utils.NewDefaultLogger(slog.LevelInfo)}
}

func (s *sqlDriver) Open(conn Connection) error {
	loc := conn.Base()
	if loc == "" {
		return fmt.Errorf("%w: connection is missing the %q key", geodiff_errors.ErrUsage, ConnBase)
	}
	base, err := s.d.open(loc)
	if err != nil {
		return fmt.Errorf("open base database: %w", err)
	}
	s.base = base

	if modLoc, ok := conn.Modified(); ok {
		modified, err := s.d.open(modLoc)
		if err != nil {
			s.close()
			return fmt.Errorf("open modified database: %w", err)
		}
		s.modified = modified
		if err := s.checkSchemasMatch(); err != nil {
			s.close()
			return err
		}
	}

	cache, _ := lru.New[string, *TableSchema](schemaCacheSize)
	s.schemas = cache
	return nil
}

func (s *sqlDriver) close() {
	if s.base != nil {
		_ = s.base.Close()
		s.base = nil
	}
	if s.modified != nil {
		_ = s.modified.Close()
		s.modified = nil
	}
}

func (s *sqlDriver) Close() error {
	s.close()
	return nil
}

func (s *sqlDriver) checkSchemasMatch() error {
	baseTables, err := s.d.listTables(s.base)
	if err != nil {
		return err
	}
	modTables, err := s.d.listTables(s.modified)
	if err != nil {
		return err
	}
	if len(baseTables) != len(modTables) {
		return fmt.Errorf("%w: base has %d tables, modified has %d",
			geodiff_errors.ErrSchemaMismatch, len(baseTables), len(modTables))
	}
	for i, name := range baseTables {
		if modTables[i] != name {
			return fmt.Errorf("%w: table %q exists only in one database", geodiff_errors.ErrSchemaMismatch, name)
		}
		baseSchema, err := s.d.tableSchema(s.base, name)
		if err != nil {
			return err
		}
		modSchema, err := s.d.tableSchema(s.modified, name)
		if err != nil {
			return err
		}
		if !baseSchema.Equal(modSchema) {
			return fmt.Errorf("%w: table %q has different columns", geodiff_errors.ErrSchemaMismatch, name)
		}
	}
	return nil
}

func (s *sqlDriver) ListTables() ([]string, error) {
	if s.base == nil {
		return nil, fmt.Errorf("%w: driver is not open", geodiff_errors.ErrDriverClosed)
	}
	return s.d.listTables(s.base)
}

func (s *sqlDriver) TableSchema(name string) (*TableSchema, error) {
	if s.base == nil {
		return nil, fmt.Errorf("%w: driver is not open", geodiff_errors.ErrDriverClosed)
	}
	if schema, ok := s.schemas.Get(name); ok {
		return schema, nil
	}
	schema, err := s.d.tableSchema(s.base, name)
	if err != nil {
		return nil, err
	}
	s.schemas.Add(name, schema)
	return schema, nil
}

// sqlRowStream adapts sql.Rows to the diff engine, converting each cell
// to a changeset value using the declared column type.
type sqlRowStream struct {
	rows   *sql.Rows
	schema *TableSchema
}

func (s *sqlRowStream) Next() ([]changeset.Value, bool, error) {
	if !s.rows.Next() {
		return nil, false, s.rows.Err()
	}
	raw := make([]any, len(s.schema.Columns))
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		return nil, false, err
	}
	row := make([]changeset.Value, len(raw))
	for i, cell := range raw {
		row[i] = valueFromSQL(cell, s.schema.Columns[i].Type)
	}
	return row, true, nil
}

func (s *sqlDriver) selectRows(db *sql.DB, schema *TableSchema) (*sql.Rows, error) {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, col := range schema.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.d.quoteIdent(col.Name))
	}
	b.WriteString(" FROM ")
	b.WriteString(s.d.quoteIdent(schema.Name))
	b.WriteString(" ORDER BY ")
	for i, idx := range schema.PrimaryKeyIndexes() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.d.quoteIdent(schema.Columns[idx].Name))
	}
	return db.Query(b.String())
}

func (s *sqlDriver) CreateChangeset(w *changeset.Writer) error {
	if s.base == nil {
		return fmt.Errorf("%w: driver is not open", geodiff_errors.ErrDriverClosed)
	}
	if s.modified == nil {
		return fmt.Errorf("%w: no modified database to diff against", geodiff_errors.ErrUsage)
	}
	session := uuid.Must(uuid.NewV7()).String()
	start := time.Now()
	s.log.Info("creating changeset", "driver", s.d.name(), "session", session)

	tables, err := s.ListTables()
	if err != nil {
		return err
	}
	for _, name := range tables {
		schema, err := s.TableSchema(name)
		if err != nil {
			return err
		}
		pkIdx := schema.PrimaryKeyIndexes()
		if len(pkIdx) == 0 {
			s.log.Warn("skipping table without primary key", "table", name, "session", session)
			continue
		}
		baseRows, err := s.selectRows(s.base, schema)
		if err != nil {
			return err
		}
		modRows, err := s.selectRows(s.modified, schema)
		if err != nil {
			baseRows.Close()
			return err
		}
		cmp := func(a, b []changeset.Value) int { return compareRowsAt(a, b, pkIdx) }
		err = diffTable(schema, &sqlRowStream{baseRows, schema}, &sqlRowStream{modRows, schema}, cmp, w)
		baseRows.Close()
		modRows.Close()
		if err != nil {
			return err
		}
	}
	s.log.Info("changeset created", "driver", s.d.name(), "session", session, "elapsed", time.Since(start))
	return nil
}

func (s *sqlDriver) ApplyChangeset(r *changeset.Reader) error {
	if s.base == nil {
		return fmt.Errorf("%w: driver is not open", geodiff_errors.ErrDriverClosed)
	}
	session := uuid.Must(uuid.NewV7()).String()
	s.log.Info("applying changeset", "driver", s.d.name(), "session", session)

	tx, err := s.base.Begin()
	if err != nil {
		return fmt.Errorf("begin apply transaction: %w", err)
	}
	var entry changeset.Entry
	for {
		ok, err := r.NextEntry(&entry)
		if err != nil {
			tx.Rollback()
			return err
		}
		if !ok {
			break
		}
		if err := s.applyEntry(tx, &entry); err != nil {
			tx.Rollback()
			ApplyConflicts.WithLabelValues(s.d.name(), entry.Op.String()).Inc()
			return err
		}
		OpsApplied.WithLabelValues(s.d.name(), entry.Op.String()).Inc()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply transaction: %w", err)
	}
	s.log.Info("changeset applied", "driver", s.d.name(), "session", session)
	return nil
}

// applyEntry resolves the live schema for the entry's table (changeset
// table records carry no column names) and dispatches on the operation.
func (s *sqlDriver) applyEntry(tx *sql.Tx, entry *changeset.Entry) error {
	schema, err := s.TableSchema(entry.Table.Name)
	if err != nil {
		return err
	}
	if len(schema.Columns) != entry.Table.ColumnCount() {
		return fmt.Errorf("%w: changeset has %d columns for table %q, database has %d",
			geodiff_errors.ErrSchemaMismatch, entry.Table.ColumnCount(), entry.Table.Name, len(schema.Columns))
	}
	switch entry.Op {
	case changeset.OpInsert:
		return s.applyInsert(tx, schema, entry.Table, entry.NewValues)
	case changeset.OpDelete:
		return s.applyDelete(tx, schema, entry.Table, entry.OldValues)
	case changeset.OpUpdate:
		return s.applyUpdate(tx, schema, entry.Table, entry.OldValues, entry.NewValues)
	}
	return fmt.Errorf("%w: operation %d", geodiff_errors.ErrBadChangeset, byte(entry.Op))
}

// keyPredicate renders a null-safe equality check over the primary key
// columns, appending the key values to args. Key columns come from the
// changeset table record.
func (s *sqlDriver) keyPredicate(schema *TableSchema, table *changeset.Table, row []changeset.Value, args []any) (string, []any) {
	var b strings.Builder
	for _, idx := range table.PrimaryKeyIndexes() {
		if b.Len() > 0 {
			b.WriteString(" AND ")
		}
		args = append(args, sqlArg(row[idx]))
		b.WriteString(s.d.nullSafeEq(s.d.quoteIdent(schema.Columns[idx].Name), s.d.placeholder(len(args))))
	}
	return b.String(), args
}

func (s *sqlDriver) applyInsert(tx *sql.Tx, schema *TableSchema, table *changeset.Table, row []changeset.Value) error {
	pred, args := s.keyPredicate(schema, table, row, nil)
	var exists int
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s", s.d.quoteIdent(table.Name), pred)
	err := tx.QueryRow(query, args...).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: insert into %q, key already exists", geodiff_errors.ErrConflict, table.Name)
	}
	if err != sql.ErrNoRows {
		return err
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.d.quoteIdent(table.Name))
	b.WriteString(" (")
	args = args[:0]
	for i := range row {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.d.quoteIdent(schema.Columns[i].Name))
	}
	b.WriteString(") VALUES (")
	for i, v := range row {
		if i > 0 {
			b.WriteString(", ")
		}
		args = append(args, sqlArg(v))
		b.WriteString(s.d.placeholder(len(args)))
	}
	b.WriteString(")")
	_, err = tx.Exec(b.String(), args...)
	if err != nil {
		return fmt.Errorf("insert into %q: %w", table.Name, err)
	}
	return nil
}

func (s *sqlDriver) applyDelete(tx *sql.Tx, schema *TableSchema, table *changeset.Table, row []changeset.Value) error {
	pred, args := s.keyPredicate(schema, table, row, nil)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", s.d.quoteIdent(table.Name), pred)
	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("delete from %q: %w", table.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: delete from %q, no such row", geodiff_errors.ErrConflict, table.Name)
	}
	return nil
}

func (s *sqlDriver) applyUpdate(tx *sql.Tx, schema *TableSchema, table *changeset.Table, old, new []changeset.Value) error {
	var set strings.Builder
	var args []any
	for i, v := range new {
		if !v.IsDefined() {
			continue
		}
		if set.Len() > 0 {
			set.WriteString(", ")
		}
		args = append(args, sqlArg(v))
		set.WriteString(s.d.quoteIdent(schema.Columns[i].Name))
		set.WriteString(" = ")
		set.WriteString(s.d.placeholder(len(args)))
	}
	if set.Len() == 0 {
		return fmt.Errorf("%w: update of %q changes nothing", geodiff_errors.ErrBadChangeset, table.Name)
	}

	// the old side pins the row: key columns plus every recorded prior
	// value must still match, otherwise the update conflicts
	var where strings.Builder
	for i, v := range old {
		if !v.IsDefined() {
			continue
		}
		if where.Len() > 0 {
			where.WriteString(" AND ")
		}
		args = append(args, sqlArg(v))
		where.WriteString(s.d.nullSafeEq(s.d.quoteIdent(schema.Columns[i].Name), s.d.placeholder(len(args))))
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", s.d.quoteIdent(table.Name), set.String(), where.String())
	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update %q: %w", table.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: update of %q, row missing or values changed", geodiff_errors.ErrConflict, table.Name)
	}
	return nil
}
