package driver

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func init() {
	Register("sqlite", func() Driver { return newSQLDriver(sqliteDialect{}) })
}

// sqliteDialect drives sqlite files, including geopackages, through the
// pure Go sqlite driver.
type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) open(location string) (*sql.DB, error) {
	// sql.Open would create a fresh empty database for a missing path
	if _, err := os.Stat(location); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", location)
	if err != nil {
		return nil, err
	}
	// validates the file header; fails for non-sqlite content
	var version int
	if err := db.QueryRow("PRAGMA schema_version").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("not an sqlite database %q: %w", location, err)
	}
	return db, nil
}

func (sqliteDialect) listTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(
		"SELECT name FROM sqlite_schema WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
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

func (d sqliteDialect) tableSchema(db *sql.DB, name string) (*TableSchema, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", d.quoteIdent(name)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	schema := &TableSchema{Name: name}
	for rows.Next() {
		var cid, notnull, pk int
		var colName, colType string
		var dflt any
		if err := rows.Scan(&cid, &colName, &colType, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		schema.Columns = append(schema.Columns, Column{
			Name:       colName,
			Type:       colType,
			PrimaryKey: pk > 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("no such table %q", name)
	}
	return schema, nil
}

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteDialect) nullSafeEq(col, placeholder string) string {
	return col + " IS " + placeholder
}
