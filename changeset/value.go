package changeset

import "bytes"

// ValueType enumerates the cell value variants that can appear in a
// changeset. The numeric values are part of the wire format.
type ValueType byte

const (
	TypeUndefined ValueType = 0 // no information, e.g. an unchanged column in an UPDATE
	TypeInt       ValueType = 1
	TypeDouble    ValueType = 2
	TypeText      ValueType = 3
	TypeBlob      ValueType = 4
	TypeNull      ValueType = 5
)

func (t ValueType) Valid() bool {
	return t <= TypeNull
}

func (t ValueType) String() string {
	switch t {
	case TypeUndefined:
		return "undefined"
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	case TypeNull:
		return "null"
	}
	return "invalid"
}

// Value is a single cell value of a row. The zero Value is Undefined,
// which is distinct from SQL NULL: undefined means "no information".
// Undefined values appear only inside changeset entries, never as a
// stored column value.
type Value struct {
	kind ValueType
	num  int64
	fp   float64
	raw  []byte
}

func Undefined() Value { return Value{} }

func Null() Value { return Value{kind: TypeNull} }

func Int(n int64) Value { return Value{kind: TypeInt, num: n} }

func Double(f float64) Value { return Value{kind: TypeDouble, fp: f} }

func Text(s string) Value { return Value{kind: TypeText, raw: []byte(s)} }

// Blob makes a deep copy of b; the Value does not alias the caller's slice.
func Blob(b []byte) Value {
	raw := make([]byte, len(b))
	copy(raw, b)
	return Value{kind: TypeBlob, raw: raw}
}

func (v Value) Type() ValueType { return v.kind }

func (v Value) IsDefined() bool { return v.kind != TypeUndefined }

// Int returns the integer payload; meaningful only for TypeInt.
func (v Value) Int() int64 { return v.num }

// Double returns the floating point payload; meaningful only for TypeDouble.
func (v Value) Double() float64 { return v.fp }

// Text returns the string payload; meaningful only for TypeText.
func (v Value) Text() string { return string(v.raw) }

// Blob returns the raw payload; meaningful only for TypeText and TypeBlob.
// The returned slice must not be modified by the caller.
func (v Value) Blob() []byte { return v.raw }

// Copy returns a deep copy: text and blob payloads do not share memory
// with the original.
func (v Value) Copy() Value {
	if v.raw == nil {
		return v
	}
	raw := make([]byte, len(v.raw))
	copy(raw, v.raw)
	v.raw = raw
	return v
}

func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case TypeInt:
		return v.num == other.num
	case TypeDouble:
		return v.fp == other.fp
	case TypeText, TypeBlob:
		return bytes.Equal(v.raw, other.raw)
	}
	return true
}

// CopyRow deep-copies a row of values.
func CopyRow(row []Value) []Value {
	if row == nil {
		return nil
	}
	out := make([]Value, len(row))
	for i, v := range row {
		out[i] = v.Copy()
	}
	return out
}
