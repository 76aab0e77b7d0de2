// pkg/kvlds/errors.go
package kvlds

import "errors"

// Errors surfaced to callers of the Tree API. Anything not listed here
// that escapes a Tree method is a process-level fatal condition: the
// caller should log it and abort rather than retry.
var (
	// ErrInvalidPage is returned when a page fetched from the LBS fails to
	// deserialize: bad magic, a body that overruns the buffer, a length
	// that runs past the end, or non-zero tail padding. It is always
	// fatal to the tree that surfaces it.
	ErrInvalidPage = errors.New("kvlds: invalid page")

	// ErrLimitsTooLarge is returned by Open when the caller's kmax/vmax
	// can never fit three of each in a page of the configured size.
	ErrLimitsTooLarge = errors.New("kvlds: key/value limits too large for page size")

	// ErrNoRoot is returned by Open when the store is not empty but no
	// page scanned from lastBlock down to 0 carries the root bit.
	ErrNoRoot = errors.New("kvlds: no root found during recovery")

	// ErrAppendRace is returned when the LBS APPEND call reports that the
	// expected next block number did not match (a concurrent writer).
	// Fatal: KVLDS assumes single-writer and has no retry policy.
	ErrAppendRace = errors.New("kvlds: lbs append race")

	// ErrKeyTooLong / ErrValueTooLong are protocol-level request errors:
	// the connection that sent them is torn down, not the tree.
	ErrKeyTooLong   = errors.New("kvlds: key exceeds configured maximum")
	ErrValueTooLong = errors.New("kvlds: value exceeds configured maximum")

	// ErrTreeClosed is returned by operations attempted after Close.
	ErrTreeClosed = errors.New("kvlds: tree is closed")
)
