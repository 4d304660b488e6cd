package driver

import (
	"fmt"
	"strings"
	"time"

	"github.com/lutraconsulting/geodiff/changeset"
)

// sqlArg converts a changeset value to a database/sql query argument.
// Undefined never reaches here: apply statements only bind defined
// values.
func sqlArg(v changeset.Value) any {
	switch v.Type() {
	case changeset.TypeInt:
		return v.Int()
	case changeset.TypeDouble:
		return v.Double()
	case changeset.TypeText:
		return v.Text()
	case changeset.TypeBlob:
		return v.Blob()
	}
	return nil
}

// valueFromSQL converts a scanned cell to a changeset value. Byte
// slices are blobs or text depending on the declared column type, since
// the drivers hand both back as []byte.
func valueFromSQL(cell any, declaredType string) changeset.Value {
	switch x := cell.(type) {
	case nil:
		return changeset.Null()
	case int64:
		return changeset.Int(x)
	case float64:
		return changeset.Double(x)
	case bool:
		if x {
			return changeset.Int(1)
		}
		return changeset.Int(0)
	case string:
		return changeset.Text(x)
	case []byte:
		if isBlobType(declaredType) {
			return changeset.Blob(x)
		}
		return changeset.Text(string(x))
	case time.Time:
		return changeset.Text(x.Format(time.RFC3339Nano))
	}
	return changeset.Text(fmt.Sprint(cell))
}

var blobTypeHints = []string{"BLOB", "BINARY", "BYTEA", "GEOM", "POINT", "LINESTRING", "POLYGON", "CURVE", "SURFACE"}

func isBlobType(declaredType string) bool {
	t := strings.ToUpper(declaredType)
	for _, hint := range blobTypeHints {
		if strings.Contains(t, hint) {
			return true
		}
	}
	return false
}
