package symbols

import (
	"fmt"

	"github.com/sizescope/sizescope/pkg/debuginfo"
)

// MalformedRecordError marks one provider record as geometrically or
// structurally invalid. It is a per-record diagnostic: the record is
// skipped, the session continues.
type MalformedRecordError struct {
	ID     debuginfo.SymIndexID
	Kind   debuginfo.RecordKind
	Reason string
}

func (e MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record %d: %s", e.Kind, e.ID, e.Reason)
}

// InternalConsistencyError reports a broken invariant the engine depends
// on: either provider data that was supposed to be structurally impossible,
// or a defect in the engine itself. Fatal; partial results downstream of one
// of these are not trustworthy.
type InternalConsistencyError struct {
	ID     debuginfo.SymIndexID
	Kind   string
	Detail string
}

func (e InternalConsistencyError) Error() string {
	return fmt.Sprintf("internal consistency violation (%s, identity %d): %s", e.Kind, e.ID, e.Detail)
}

// AffinityViolationError reports session use from a goroutine other than
// the one that constructed it. The underlying provider enforces call
// affinity; the session inherits and asserts that contract at every entry
// point. Fatal, never retried.
type AffinityViolationError struct {
	Owner  uint64
	Caller uint64
}

func (e AffinityViolationError) Error() string {
	return fmt.Sprintf("session affinity violation: owned by goroutine %d, called from goroutine %d", e.Owner, e.Caller)
}
