package changeset

import (
	"fmt"
	"os"

	"github.com/lutraconsulting/geodiff/geodiff_errors"
)

// Reader is a forward-only, single-pass iterator over the entries of a
// changeset file. Use Open first, then call NextEntry until it returns
// false. A Reader is not restartable and not safe for concurrent use.
type Reader struct {
	rest  []byte
	table *Table
}

// Open loads the whole changeset file into memory. An empty or
// unreadable file is an error.
func (r *Reader) Open(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open changeset: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty changeset file %s", geodiff_errors.ErrBadChangeset, path)
	}
	r.rest = data
	r.table = nil
	return nil
}

// NextEntry reads the next entry into entry. It returns false on a
// clean end of stream. Table records are consumed internally: they
// install the table the following entries refer to and are never
// returned to the caller. entry.Table is valid until the next call.
func (r *Reader) NextEntry(entry *Entry) (bool, error) {
	for {
		if len(r.rest) == 0 {
			return false, nil
		}
		if r.rest[0] == TableMarker {
			table, rest, err := TakeTableRecord(r.rest[1:])
			if err != nil {
				return false, err
			}
			r.table, r.rest = table, rest
			continue
		}
		op := OperationType(r.rest[0])
		if !op.Valid() {
			return false, fmt.Errorf("%w: unknown operation code %d", geodiff_errors.ErrBadChangeset, r.rest[0])
		}
		if r.table == nil {
			return false, fmt.Errorf("%w: entry before any table record", geodiff_errors.ErrBadChangeset)
		}
		if len(r.rest) < 2 {
			return false, fmt.Errorf("%w: truncated entry header", geodiff_errors.ErrBadChangeset)
		}
		// the second byte is the "indirect" flag, tolerated but unused
		rest := r.rest[2:]

		entry.Op = op
		entry.Table = r.table
		entry.OldValues = nil
		entry.NewValues = nil

		var err error
		cols := r.table.ColumnCount()
		if op == OpUpdate || op == OpDelete {
			entry.OldValues, rest, err = TakeRow(rest, cols)
			if err != nil {
				return false, err
			}
		}
		if op == OpUpdate || op == OpInsert {
			entry.NewValues, rest, err = TakeRow(rest, cols)
			if err != nil {
				return false, err
			}
		}
		r.rest = rest
		EntriesRead.WithLabelValues(op.String()).Inc()
		return true, nil
	}
}
