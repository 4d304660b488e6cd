package driver

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func init() {
	Register("postgres", func() Driver { return newSQLDriver(postgresDialect{}) })
}

// postgresDialect connects with a libpq-style connection string or URL.
// Only tables of the public schema are visible.
type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) open(location string) (*sql.DB, error) {
	db, err := sql.Open("pgx", location)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (postgresDialect) listTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (postgresDialect) tableSchema(db *sql.DB, name string) (*TableSchema, error) {
	rows, err := db.Query(`
		SELECT c.column_name, c.data_type,
		       EXISTS (
		           SELECT 1
		           FROM information_schema.table_constraints tc
		           JOIN information_schema.key_column_usage kcu
		             ON kcu.constraint_name = tc.constraint_name
		            AND kcu.table_schema = tc.table_schema
		           WHERE tc.table_schema = 'public'
		             AND tc.table_name = c.table_name
		             AND tc.constraint_type = 'PRIMARY KEY'
		             AND kcu.column_name = c.column_name
		       )
		FROM information_schema.columns c
		WHERE c.table_schema = 'public' AND c.table_name = $1
		ORDER BY c.ordinal_position`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	schema := &TableSchema{Name: name}
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type, &col.PrimaryKey); err != nil {
			return nil, err
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("no such table %q", name)
	}
	return schema, nil
}

func (postgresDialect) placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (postgresDialect) quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (postgresDialect) nullSafeEq(col, placeholder string) string {
	return col + " IS NOT DISTINCT FROM " + placeholder
}
