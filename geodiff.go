/*
Package geodiff computes, serializes and applies row-level differences
between two versions of a tabular data store sharing one schema.

The changeset subpackage holds the binary format with its reader and
writer; the driver subpackage connects concrete databases (sqlite,
postgres, mysql and an embedded pebble store) to those primitives. This
package ties them together into one-call operations keyed by driver
name.
*/
package geodiff

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lutraconsulting/geodiff/changeset"
	"github.com/lutraconsulting/geodiff/driver"
)

// CreateChangeset diffs the connection's base database against its
// modified one and writes the result to changesetPath. A pair with no
// differences produces an empty file.
func CreateChangeset(driverName string, conn driver.Connection, changesetPath string) error {
	d, err := driver.Open(driverName, conn)
	if err != nil {
		return err
	}
	defer d.Close()

	var w changeset.Writer
	if err := w.Open(changesetPath); err != nil {
		return err
	}
	if err := d.CreateChangeset(&w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ApplyChangeset replays the changeset at changesetPath onto the
// connection's base database. A missing or empty changeset file applies
// cleanly as a no-op.
func ApplyChangeset(driverName string, conn driver.Connection, changesetPath string) error {
	ok, err := changeset.HasChanges(changesetPath)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	d, err := driver.Open(driverName, conn)
	if err != nil {
		return err
	}
	defer d.Close()

	var r changeset.Reader
	if err := r.Open(changesetPath); err != nil {
		return err
	}
	return d.ApplyChangeset(&r)
}

// ListTables returns the user tables of the connection's base database.
func ListTables(driverName string, conn driver.Connection) ([]string, error) {
	d, err := driver.Open(driverName, conn)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.ListTables()
}

// InvertChangeset writes a changeset undoing src to dst.
func InvertChangeset(src, dst string) error {
	return changeset.Invert(src, dst)
}

// ConcatChangesets concatenates the src changesets into dst, in order.
func ConcatChangesets(dst string, srcs ...string) error {
	return changeset.Concat(dst, srcs...)
}

// ChangesCount returns the number of entries in a changeset file.
func ChangesCount(path string) (int, error) {
	return changeset.Count(path)
}

// HasChanges reports whether the changeset file holds any entries.
func HasChanges(path string) (bool, error) {
	return changeset.HasChanges(path)
}

// ExportChangesetJSON renders a changeset as JSON for human inspection.
func ExportChangesetJSON(src string, w io.Writer) error {
	return changeset.ExportJSON(src, w)
}

// RegisterMetrics registers all geodiff counters with r. Per-store
// collectors (driver.NewPebbleCollector) are registered separately by
// the caller owning the store.
func RegisterMetrics(r prometheus.Registerer) {
	changeset.RegisterMetrics(r)
	driver.RegisterMetrics(r)
}
