package engine

import "errors"

// Error taxonomy. Write-path errors leave every index consistent: all
// fallible work happens before the first index mutation, so a late
// failure can at worst leak an inactive arena slot.
var (
	// ErrNotFound - slug, edge, or collection missing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument - malformed JSON, missing required field, or a
	// pipeline step missing an operand.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIndexFull - the persistent slug index saturated its probe
	// distance. Fatal for this engine handle; pre-size capacity.
	ErrIndexFull = errors.New("slug index full")

	// ErrIntegrity - magic mismatch or CRC failure on reopen. Reported,
	// never repaired here.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrConflict - transactional write-set overlap. Only surfaced when
	// the optional transaction manager is enabled.
	ErrConflict = errors.New("transaction conflict")
)
