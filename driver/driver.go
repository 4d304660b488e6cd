/*
Package driver bridges concrete databases to the changeset primitives.

A Driver opens a base database (and optionally a modified one), exposes
the user tables and their schemas, turns a base/modified pair into a
stream of changeset entries, and applies a changeset stream back onto
the base database. Backends register themselves by name; use Open to
instantiate one.
*/
package driver

import (
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lutraconsulting/geodiff/changeset"
	"github.com/lutraconsulting/geodiff/geodiff_errors"
)

// Connection configures a driver. Recognized keys are "base" (required)
// and "modified" (optional); backends may read extra keys of their own,
// unknown keys are ignored.
type Connection map[string]string

const (
	ConnBase     = "base"
	ConnModified = "modified"
)

func (c Connection) Base() string { return c[ConnBase] }

func (c Connection) Modified() (string, bool) {
	v, ok := c[ConnModified]
	return v, ok
}

// Column is one column of a table schema.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
}

// TableSchema lists the columns of a table in declaration order.
type TableSchema struct {
	Name    string
	Columns []Column
}

// ChangesetTable converts the schema to the metadata record stored in
// changeset files.
func (s *TableSchema) ChangesetTable() *changeset.Table {
	pks := make([]bool, len(s.Columns))
	for i, c := range s.Columns {
		pks[i] = c.PrimaryKey
	}
	return &changeset.Table{Name: s.Name, PrimaryKeys: pks}
}

func (s *TableSchema) PrimaryKeyIndexes() (idx []int) {
	for i, c := range s.Columns {
		if c.PrimaryKey {
			idx = append(idx, i)
		}
	}
	return
}

func (s *TableSchema) Equal(other *TableSchema) bool {
	if s.Name != other.Name || len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range s.Columns {
		if c != other.Columns[i] {
			return false
		}
	}
	return true
}

// Driver is the backend contract. A driver owns its database
// connection(s) between Open and Close and is not safe for concurrent
// use.
type Driver interface {
	// Open connects to the base database and, when the "modified" key
	// is present, to the modified one. Fails when either is missing,
	// unreadable or of an incompatible format, or when the two schemas
	// differ.
	Open(conn Connection) error

	// ListTables returns the user tables of the base database, sorted
	// ascending, excluding backend internal tables.
	ListTables() ([]string, error)

	// TableSchema describes one table of the base database.
	TableSchema(name string) (*TableSchema, error)

	// CreateChangeset diffs base against modified and streams the
	// differences to w. Tables are visited in ascending name order; a
	// table with no changes emits nothing at all.
	CreateChangeset(w *changeset.Writer) error

	// ApplyChangeset replays entries onto the base database. The first
	// conflicting entry aborts the whole application.
	ApplyChangeset(r *changeset.Reader) error

	Close() error
}

// Factory creates an unopened driver instance.
type Factory func() Driver

var registry = xsync.NewMapOf[string, Factory]()

// Register makes a driver available under the given name. Backends call
// this from init.
func Register(name string, factory Factory) {
	if factory == nil {
		panic("driver: nil factory for " + name)
	}
	registry.Store(name, factory)
}

// Open instantiates the named driver and opens it with conn.
func Open(name string, conn Connection) (Driver, error) {
	factory, ok := registry.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", geodiff_errors.ErrUnknownDriver, name)
	}
	d := factory()
	if err := d.Open(conn); err != nil {
		return nil, err
	}
	return d, nil
}

// Names lists the registered driver names, sorted.
func Names() []string {
	var names []string
	registry.Range(func(name string, _ Factory) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
