package changeset

import (
	"bufio"
	"fmt"
	"os"

	"github.com/lutraconsulting/geodiff/geodiff_errors"
)

// Writer streams entries into a changeset file. Use Open, then for each
// modified table call BeginTable once followed by WriteEntry per change,
// and finally Close. Output bytes are a pure function of the inputs.
type Writer struct {
	f     *os.File
	w     *bufio.Writer
	table *Table
	buf   []byte
}

// Open creates the changeset file, truncating any previous content.
func (w *Writer) Open(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open changeset for writing: %w", err)
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	w.table = nil
	return nil
}

// BeginTable emits a table record; all entries written afterwards
// belong to this table until the next BeginTable call.
func (w *Writer) BeginTable(table *Table) error {
	if w.f == nil {
		return fmt.Errorf("%w: writer is not open", geodiff_errors.ErrUsage)
	}
	w.table = table.Copy()
	w.buf = AppendTableRecord(w.buf[:0], w.table)
	return w.flush()
}

// WriteEntry emits one entry in the current table section. Row lengths
// must match the current table's column count; the primary-key and
// undefined-value rules inside UPDATE rows are the caller's
// responsibility.
func (w *Writer) WriteEntry(entry *Entry) error {
	if w.f == nil {
		return fmt.Errorf("%w: writer is not open", geodiff_errors.ErrUsage)
	}
	if w.table == nil {
		return fmt.Errorf("%w: WriteEntry before BeginTable", geodiff_errors.ErrUsage)
	}
	if !entry.Op.Valid() {
		return fmt.Errorf("%w: invalid operation code %d", geodiff_errors.ErrUsage, byte(entry.Op))
	}
	wantOld := entry.Op == OpUpdate || entry.Op == OpDelete
	wantNew := entry.Op == OpUpdate || entry.Op == OpInsert
	if wantOld != (entry.OldValues != nil) || wantNew != (entry.NewValues != nil) {
		return fmt.Errorf("%w: %s entry with wrong old/new rows", geodiff_errors.ErrUsage, entry.Op)
	}
	cols := w.table.ColumnCount()
	if wantOld && len(entry.OldValues) != cols {
		return fmt.Errorf("%w: old row has %d values, table %s has %d columns",
			geodiff_errors.ErrSchemaMismatch, len(entry.OldValues), w.table.Name, cols)
	}
	if wantNew && len(entry.NewValues) != cols {
		return fmt.Errorf("%w: new row has %d values, table %s has %d columns",
			geodiff_errors.ErrSchemaMismatch, len(entry.NewValues), w.table.Name, cols)
	}

	buf := append(w.buf[:0], byte(entry.Op), 0)
	if wantOld {
		buf = AppendRow(buf, entry.OldValues)
	}
	if wantNew {
		buf = AppendRow(buf, entry.NewValues)
	}
	w.buf = buf
	if err := w.flush(); err != nil {
		return err
	}
	EntriesWritten.WithLabelValues(entry.Op.String()).Inc()
	return nil
}

func (w *Writer) flush() error {
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("write changeset: %w", err)
	}
	return nil
}

// Close flushes buffered records and releases the file.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.w.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	w.w = nil
	w.table = nil
	return err
}
