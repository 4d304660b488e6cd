package driver

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

func init() {
	Register("mysql", func() Driver { return newSQLDriver(mysqlDialect{}) })
}

// mysqlDialect connects with a go-sql-driver DSN
// (user:pass@tcp(host:port)/dbname). Tables of the DSN's database are
// visible.
type mysqlDialect struct{}

func (mysqlDialect) name() string { return "mysql" }

func (mysqlDialect) open(location string) (*sql.DB, error) {
	db, err := sql.Open("mysql", location)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (mysqlDialect) listTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
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

func (mysqlDialect) tableSchema(db *sql.DB, name string) (*TableSchema, error) {
	rows, err := db.Query(`
		SELECT column_name, data_type, column_key = 'PRI'
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`, name)
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

func (mysqlDialect) placeholder(int) string { return "?" }

func (mysqlDialect) quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (mysqlDialect) nullSafeEq(col, placeholder string) string {
	return col + " <=> " + placeholder
}
