package driver

import (
	"bytes"

	"github.com/cespare/xxhash"

	"github.com/lutraconsulting/geodiff/changeset"
)

// rowStream yields the rows of one table sorted by primary key. Both
// sides of a diff must be sorted by the same criterion.
type rowStream interface {
	Next() (row []changeset.Value, ok bool, err error)
}

// compareValues orders two cell values the way sqlite orders column
// values: nulls first, then numerics, text and blobs. Cross-type
// numeric comparison goes through float64.
func compareValues(a, b changeset.Value) int {
	ra, rb := valueRank(a.Type()), valueRank(b.Type())
	if ra != rb {
		return ra - rb
	}
	switch a.Type() {
	case changeset.TypeInt:
		if b.Type() == changeset.TypeInt {
			switch {
			case a.Int() < b.Int():
				return -1
			case a.Int() > b.Int():
				return 1
			}
			return 0
		}
		return compareFloats(float64(a.Int()), b.Double())
	case changeset.TypeDouble:
		if b.Type() == changeset.TypeInt {
			return compareFloats(a.Double(), float64(b.Int()))
		}
		return compareFloats(a.Double(), b.Double())
	case changeset.TypeText, changeset.TypeBlob:
		return bytes.Compare(a.Blob(), b.Blob())
	}
	return 0
}

func valueRank(t changeset.ValueType) int {
	switch t {
	case changeset.TypeNull:
		return 0
	case changeset.TypeInt, changeset.TypeDouble:
		return 1
	case changeset.TypeText:
		return 2
	case changeset.TypeBlob:
		return 3
	}
	return 4
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareRowsAt compares two rows at the given column positions.
func compareRowsAt(a, b []changeset.Value, idx []int) int {
	for _, i := range idx {
		if c := compareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

func rowHash(row []changeset.Value) uint64 {
	return xxhash.Sum64(changeset.AppendRow(nil, row))
}

func rowsEqual(a, b []changeset.Value) bool {
	if rowHash(a) != rowHash(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// updateEntry builds an UPDATE entry for a pair of rows sharing a
// primary key identity. Unchanged columns become undefined on both
// sides, old key columns always carry their value and new key columns
// only carry one when the key itself changed. Returns nil when the rows
// are identical.
func updateEntry(table *changeset.Table, oldRow, newRow []changeset.Value) *changeset.Entry {
	old := make([]changeset.Value, len(oldRow))
	new := make([]changeset.Value, len(newRow))
	changed := false
	for i := range oldRow {
		same := oldRow[i].Equal(newRow[i])
		if table.PrimaryKeys[i] {
			old[i] = oldRow[i]
			if !same {
				new[i] = newRow[i]
				changed = true
			}
			continue
		}
		if !same {
			old[i] = oldRow[i]
			new[i] = newRow[i]
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return &changeset.Entry{Op: changeset.OpUpdate, OldValues: old, NewValues: new, Table: table}
}

// nonKeyHash digests the non primary key columns of a row, used to pair
// a deleted row with an inserted one that carries the same payload
// under a new key.
func nonKeyHash(table *changeset.Table, row []changeset.Value) uint64 {
	var buf []byte
	for i, v := range row {
		if !table.PrimaryKeys[i] {
			buf = changeset.AppendValue(buf, v)
		}
	}
	return xxhash.Sum64(buf)
}

func nonKeyEqual(table *changeset.Table, a, b []changeset.Value) bool {
	for i := range a {
		if !table.PrimaryKeys[i] && !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// diffTable merge-joins two sorted row streams and writes the
// differences. cmpPK must be consistent with the streams' sort order.
// Rows present on both sides with equal content produce nothing; a
// delete and an insert whose non-key payloads match are folded into a
// primary key update. Nothing is written for a table with no changes.
func diffTable(schema *TableSchema, base, modified rowStream, cmpPK func(a, b []changeset.Value) int, w *changeset.Writer) error {
	table := schema.ChangesetTable()

	var inserts, deletes [][]changeset.Value
	var updates []*changeset.Entry

	baseRow, baseOK, err := base.Next()
	if err != nil {
		return err
	}
	modRow, modOK, err := modified.Next()
	if err != nil {
		return err
	}
	for baseOK || modOK {
		switch {
		case !modOK:
			deletes = append(deletes, baseRow)
			baseRow, baseOK, err = base.Next()
		case !baseOK:
			inserts = append(inserts, modRow)
			modRow, modOK, err = modified.Next()
		default:
			switch c := cmpPK(baseRow, modRow); {
			case c < 0:
				deletes = append(deletes, baseRow)
				baseRow, baseOK, err = base.Next()
			case c > 0:
				inserts = append(inserts, modRow)
				modRow, modOK, err = modified.Next()
			default:
				if !rowsEqual(baseRow, modRow) {
					if e := updateEntry(table, baseRow, modRow); e != nil {
						updates = append(updates, e)
					}
				}
				if baseRow, baseOK, err = base.Next(); err != nil {
					return err
				}
				modRow, modOK, err = modified.Next()
			}
		}
		if err != nil {
			return err
		}
	}

	inserts, deletes, updates = foldKeyUpdates(table, inserts, deletes, updates)

	if len(inserts)+len(deletes)+len(updates) == 0 {
		return nil
	}
	if err := w.BeginTable(table); err != nil {
		return err
	}
	for _, row := range inserts {
		e := changeset.Entry{Op: changeset.OpInsert, NewValues: row, Table: table}
		if err := w.WriteEntry(&e); err != nil {
			return err
		}
	}
	for _, e := range updates {
		if err := w.WriteEntry(e); err != nil {
			return err
		}
	}
	for _, row := range deletes {
		e := changeset.Entry{Op: changeset.OpDelete, OldValues: row, Table: table}
		if err := w.WriteEntry(&e); err != nil {
			return err
		}
	}
	return nil
}

// foldKeyUpdates pairs deletes with inserts carrying identical non-key
// payloads and rewrites each pair as a primary key update. Pairing is
// first-come in row order, so the result is deterministic.
func foldKeyUpdates(table *changeset.Table, inserts, deletes [][]changeset.Value, updates []*changeset.Entry) (ins, del [][]changeset.Value, ups []*changeset.Entry) {
	if len(inserts) == 0 || len(deletes) == 0 {
		return inserts, deletes, updates
	}
	byHash := make(map[uint64][]int, len(inserts))
	for i, row := range inserts {
		h := nonKeyHash(table, row)
		byHash[h] = append(byHash[h], i)
	}
	taken := make([]bool, len(inserts))
	for _, old := range deletes {
		matched := false
		h := nonKeyHash(table, old)
		for _, i := range byHash[h] {
			if taken[i] || !nonKeyEqual(table, old, inserts[i]) {
				continue
			}
			taken[i] = true
			matched = true
			if e := updateEntry(table, old, inserts[i]); e != nil {
				updates = append(updates, e)
			}
			break
		}
		if !matched {
			del = append(del, old)
		}
	}
	for i, row := range inserts {
		if !taken[i] {
			ins = append(ins, row)
		}
	}
	return ins, del, updates
}
