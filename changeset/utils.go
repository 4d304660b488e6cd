package changeset

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
)

// Invert writes to dst a changeset that undoes src: inserts become
// deletes, deletes become inserts and updates swap their old and new
// rows. Applying src and then its inverse is a no-op.
func Invert(src, dst string) error {
	var reader Reader
	if err := reader.Open(src); err != nil {
		return err
	}
	var writer Writer
	if err := writer.Open(dst); err != nil {
		return err
	}
	defer writer.Close()

	var current *Table
	var entry Entry
	for {
		ok, err := reader.NextEntry(&entry)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if entry.Table != current {
			current = entry.Table
			if err := writer.BeginTable(current); err != nil {
				return err
			}
		}
		inv := Entry{Table: entry.Table}
		switch entry.Op {
		case OpInsert:
			inv.Op = OpDelete
			inv.OldValues = entry.NewValues
		case OpDelete:
			inv.Op = OpInsert
			inv.NewValues = entry.OldValues
		case OpUpdate:
			inv.Op = OpUpdate
			inv.OldValues, inv.NewValues = invertUpdateRows(entry.Table, entry.OldValues, entry.NewValues)
		}
		if err := writer.WriteEntry(&inv); err != nil {
			return err
		}
	}
	return writer.Close()
}

// invertUpdateRows swaps old and new while keeping the update row
// rules intact: old primary key columns must stay defined, and the new
// key stays undefined unless the key itself changed.
func invertUpdateRows(table *Table, old, new []Value) (iold, inew []Value) {
	iold = make([]Value, len(old))
	inew = make([]Value, len(new))
	for i := range old {
		if table.PrimaryKeys[i] && !new[i].IsDefined() {
			// unchanged key: present on the old side in both directions
			iold[i] = old[i]
			inew[i] = Undefined()
			continue
		}
		iold[i] = new[i]
		inew[i] = old[i]
	}
	return
}

// Concat streams the entries of each source changeset into dst, in
// order. Table records are re-emitted at every table transition; the
// sources are not merged or deduplicated.
func Concat(dst string, srcs ...string) error {
	var writer Writer
	if err := writer.Open(dst); err != nil {
		return err
	}
	defer writer.Close()

	for _, src := range srcs {
		var reader Reader
		if err := reader.Open(src); err != nil {
			return err
		}
		var current *Table
		var entry Entry
		for {
			ok, err := reader.NextEntry(&entry)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if entry.Table != current {
				current = entry.Table
				if err := writer.BeginTable(current); err != nil {
					return err
				}
			}
			if err := writer.WriteEntry(&entry); err != nil {
				return err
			}
		}
	}
	return writer.Close()
}

// Count returns the number of entries in a changeset file.
func Count(path string) (int, error) {
	var reader Reader
	if err := reader.Open(path); err != nil {
		return 0, err
	}
	var entry Entry
	count := 0
	for {
		ok, err := reader.NextEntry(&entry)
		if err != nil {
			return 0, err
		}
		if !ok {
			return count, nil
		}
		count++
	}
}

// HasChanges reports whether the changeset contains at least one entry.
// A missing or empty file counts as no changes.
func HasChanges(path string) (bool, error) {
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if st.Size() == 0 {
		return false, nil
	}
	n, err := Count(path)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type jsonValue struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

type jsonChange struct {
	Column int        `json:"column"`
	Old    *jsonValue `json:"old,omitempty"`
	New    *jsonValue `json:"new,omitempty"`
}

type jsonEntry struct {
	Table   string       `json:"table"`
	Type    string       `json:"type"`
	Changes []jsonChange `json:"changes"`
}

func valueJSON(v Value) *jsonValue {
	switch v.Type() {
	case TypeUndefined:
		return nil
	case TypeNull:
		return &jsonValue{Type: "null"}
	case TypeInt:
		return &jsonValue{Type: "int", Value: v.Int()}
	case TypeDouble:
		return &jsonValue{Type: "double", Value: v.Double()}
	case TypeText:
		return &jsonValue{Type: "text", Value: v.Text()}
	case TypeBlob:
		return &jsonValue{Type: "blob", Value: base64.StdEncoding.EncodeToString(v.Blob())}
	}
	return nil
}

// ExportJSON writes a readable JSON rendering of all entries of a
// changeset file. Columns that are undefined on both sides of an update
// are skipped.
func ExportJSON(src string, w io.Writer) error {
	var reader Reader
	if err := reader.Open(src); err != nil {
		return err
	}
	var entries []jsonEntry
	var entry Entry
	for {
		ok, err := reader.NextEntry(&entry)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		je := jsonEntry{Table: entry.Table.Name, Type: entry.Op.String()}
		for i := 0; i < entry.Table.ColumnCount(); i++ {
			var old, new *jsonValue
			if entry.OldValues != nil {
				old = valueJSON(entry.OldValues[i])
			}
			if entry.NewValues != nil {
				new = valueJSON(entry.NewValues[i])
			}
			if old == nil && new == nil {
				continue
			}
			je.Changes = append(je.Changes, jsonChange{Column: i, Old: old, New: new})
		}
		entries = append(entries, je)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"geodiff": entries})
}
