/*
Package changeset implements the binary changeset format: a stream of
table sections, each a table record followed by row change entries.

# Wire format

All integers are unsigned varints (7 bits per byte, most significant
group first, high bit marks continuation) of at most 5 bytes. Metadata
strings are null-terminated; strings inside typed values are
length-prefixed and carry no terminator. Fixed-width payloads are
big-endian regardless of host byte order.

Table record:

	'T' (0x54)
	varint: column count N
	N bytes: 0x01 for a primary key column, 0x00 otherwise
	null-terminated table name

Entry record:

	1 byte: operation (9 delete, 18 insert, 23 update)
	1 byte: "indirect" flag, written as zero and ignored on read
	old row (update, delete): N serialized values
	new row (update, insert): N serialized values

Serialized value: one type tag byte (ValueType) followed by the payload:
8 bytes big-endian for int and double, varint length plus raw bytes for
text and blob, nothing for null and undefined.

The encoding is bit-exact compatible with the sqlite session extension
changeset format.
*/
package changeset

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/lutraconsulting/geodiff/geodiff_errors"
)

// TableMarker starts a table record and cannot collide with any
// operation code.
const TableMarker byte = 'T'

// maxVarintLen bounds varints to 32-bit payloads, same as the session
// extension. 64-bit counts are not representable.
const maxVarintLen = 5

// AppendVarint appends the varint encoding of n.
func AppendVarint(into []byte, n uint32) []byte {
	var tmp [maxVarintLen]byte
	i := len(tmp) - 1
	tmp[i] = byte(n & 0x7f)
	for n >>= 7; n > 0; n >>= 7 {
		i--
		tmp[i] = byte(n&0x7f) | 0x80
	}
	return append(into, tmp[i:]...)
}

// TakeVarint parses a varint off the head of data and returns the rest.
// Varints longer than 5 bytes or exceeding 32 bits are rejected.
func TakeVarint(data []byte) (n uint32, rest []byte, err error) {
	var acc uint64
	for i := 0; i < len(data); i++ {
		if i >= maxVarintLen {
			return 0, nil, fmt.Errorf("%w: varint longer than %d bytes", geodiff_errors.ErrBadChangeset, maxVarintLen)
		}
		b := data[i]
		acc = acc<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			if acc > math.MaxUint32 {
				return 0, nil, fmt.Errorf("%w: varint exceeds 32 bits", geodiff_errors.ErrBadChangeset)
			}
			return uint32(acc), data[i+1:], nil
		}
	}
	return 0, nil, fmt.Errorf("%w: truncated varint", geodiff_errors.ErrBadChangeset)
}

// AppendNullTerminatedString appends s followed by a zero byte.
func AppendNullTerminatedString(into []byte, s string) []byte {
	into = append(into, s...)
	return append(into, 0)
}

// TakeNullTerminatedString parses a zero-terminated string off the head
// of data. The terminator is consumed but not returned.
func TakeNullTerminatedString(data []byte) (s string, rest []byte, err error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("%w: unterminated string", geodiff_errors.ErrBadChangeset)
}

// AppendValue appends the tagged wire encoding of v.
func AppendValue(into []byte, v Value) []byte {
	into = append(into, byte(v.kind))
	switch v.kind {
	case TypeInt:
		into = binary.BigEndian.AppendUint64(into, uint64(v.num))
	case TypeDouble:
		into = binary.BigEndian.AppendUint64(into, math.Float64bits(v.fp))
	case TypeText, TypeBlob:
		into = AppendVarint(into, uint32(len(v.raw)))
		into = append(into, v.raw...)
	}
	return into
}

// TakeValue parses one tagged value off the head of data.
func TakeValue(data []byte) (v Value, rest []byte, err error) {
	if len(data) == 0 {
		return Value{}, nil, fmt.Errorf("%w: truncated value", geodiff_errors.ErrBadChangeset)
	}
	tag := ValueType(data[0])
	rest = data[1:]
	switch tag {
	case TypeUndefined:
		return Undefined(), rest, nil
	case TypeNull:
		return Null(), rest, nil
	case TypeInt:
		if len(rest) < 8 {
			return Value{}, nil, fmt.Errorf("%w: truncated int value", geodiff_errors.ErrBadChangeset)
		}
		return Int(int64(binary.BigEndian.Uint64(rest[:8]))), rest[8:], nil
	case TypeDouble:
		if len(rest) < 8 {
			return Value{}, nil, fmt.Errorf("%w: truncated double value", geodiff_errors.ErrBadChangeset)
		}
		return Double(math.Float64frombits(binary.BigEndian.Uint64(rest[:8]))), rest[8:], nil
	case TypeText, TypeBlob:
		var n uint32
		n, rest, err = TakeVarint(rest)
		if err != nil {
			return Value{}, nil, err
		}
		if uint32(len(rest)) < n {
			return Value{}, nil, fmt.Errorf("%w: value of %d bytes, %d left", geodiff_errors.ErrBadChangeset, n, len(rest))
		}
		raw := make([]byte, n)
		copy(raw, rest[:n])
		return Value{kind: tag, raw: raw}, rest[n:], nil
	}
	return Value{}, nil, fmt.Errorf("%w: unknown value tag %d", geodiff_errors.ErrBadChangeset, data[0])
}

// AppendRow appends each value of the row in column order.
func AppendRow(into []byte, row []Value) []byte {
	for _, v := range row {
		into = AppendValue(into, v)
	}
	return into
}

// TakeRow parses exactly cols values off the head of data.
func TakeRow(data []byte, cols int) (row []Value, rest []byte, err error) {
	row = make([]Value, cols)
	rest = data
	for i := 0; i < cols; i++ {
		row[i], rest, err = TakeValue(rest)
		if err != nil {
			return nil, nil, err
		}
	}
	return
}

// AppendTableRecord appends the 'T' record announcing a table section.
func AppendTableRecord(into []byte, table *Table) []byte {
	into = append(into, TableMarker)
	into = AppendVarint(into, uint32(table.ColumnCount()))
	for _, pk := range table.PrimaryKeys {
		if pk {
			into = append(into, 1)
		} else {
			into = append(into, 0)
		}
	}
	return AppendNullTerminatedString(into, table.Name)
}

// TakeTableRecord parses a table record off the head of data; data must
// start right after the 'T' marker.
func TakeTableRecord(data []byte) (table *Table, rest []byte, err error) {
	cols, rest, err := TakeVarint(data)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < cols {
		return nil, nil, fmt.Errorf("%w: truncated table record", geodiff_errors.ErrBadChangeset)
	}
	pks := make([]bool, cols)
	for i := range pks {
		pks[i] = rest[i] != 0
	}
	rest = rest[cols:]
	name, rest, err := TakeNullTerminatedString(rest)
	if err != nil {
		return nil, nil, err
	}
	return &Table{Name: name, PrimaryKeys: pks}, rest, nil
}
