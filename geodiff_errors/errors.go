// Provides common geodiff errors definitions.
package geodiff_errors

import "errors"

var (
	ErrBadChangeset   = errors.New("geodiff: malformed changeset")
	ErrSchemaMismatch = errors.New("geodiff: schema mismatch")
	ErrConflict       = errors.New("geodiff: changeset conflict")
	ErrUsage          = errors.New("geodiff: invalid usage")

	ErrUnknownDriver = errors.New("geodiff: unknown driver")
	ErrDriverClosed  = errors.New("geodiff: driver closed")
)
