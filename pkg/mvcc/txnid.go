// pkg/mvcc/txnid.go
package mvcc

import "fmt"

// TxnID is a totally ordered, hashable, copyable transaction identifier.
// Its String form zero-pads to the width of the largest possible uint64 so
// that lexicographic order on the rendered name agrees with numeric order
// (spec.md I3: "ordering of those names agrees with txn ordering").
type TxnID uint64

// String renders t so that string comparison preserves numeric ordering.
func (t TxnID) String() string {
	return fmt.Sprintf("%020d", uint64(t))
}

// Less reports whether t sorts before other.
func (t TxnID) Less(other TxnID) bool { return t < other }
