package changeset

// Table is the metadata record preceding a run of entries in a
// changeset file: the table name plus one primary-key flag per column,
// in declaration order.
type Table struct {
	Name        string
	PrimaryKeys []bool
}

func (t *Table) ColumnCount() int {
	return len(t.PrimaryKeys)
}

// PrimaryKeyIndexes returns the positions of the primary key columns.
func (t *Table) PrimaryKeyIndexes() (idx []int) {
	for i, pk := range t.PrimaryKeys {
		if pk {
			idx = append(idx, i)
		}
	}
	return
}

func (t *Table) Copy() *Table {
	pks := make([]bool, len(t.PrimaryKeys))
	copy(pks, t.PrimaryKeys)
	return &Table{Name: t.Name, PrimaryKeys: pks}
}
