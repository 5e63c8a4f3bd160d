package manager

import "github.com/zeebo/errs"

// Error classes returned by the lifecycle and query operations. Boundaries
// translate them into responses; none of them is fatal to the process.
var (
	// ErrValidation marks missing or malformed input.
	ErrValidation = errs.Class("validation")
	// ErrAuthorization marks a signature that does not match the claimed
	// address. Its message never says which input was wrong.
	ErrAuthorization = errs.Class("authorization")
	// ErrNotFound marks absent records, and records the caller may not see.
	ErrNotFound = errs.Class("not found")
	// ErrConflict marks an operation forbidden in the record's current state.
	ErrConflict = errs.Class("conflict")
	// ErrStore marks a failure of the metadata or blob store.
	ErrStore = errs.Class("store")
)

var errBadSignature = ErrAuthorization.New("signature does not match address")
