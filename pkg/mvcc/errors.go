// pkg/mvcc/errors.go
package mvcc

import "errors"

// ErrConflict is returned when a lock acquisition would have to wait (in a
// non-blocking Try call) or when an operation would violate transaction
// ordering, matching the Conflict kind that spec.md's Error Taxonomy (§4.3)
// asks every lock primitive to surface.
var ErrConflict = errors.New("mvcc: conflict")

// ErrOutdated is returned by Write when the lock has already been advanced
// by a transaction newer than the caller's.
var ErrOutdated = errors.New("mvcc: transaction outdated")
