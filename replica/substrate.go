package replica

import (
	"errors"
)

// capabilities of the replication substrate, modeled as injected interfaces
// so the core never touches ambient global state

// raised by ancestor traversal when the local object is not part of a
// replicated hierarchy. Expected, non-fatal: the resolver falls back to
// name-based key derivation.
var ErrNoNetworkedAncestor = errors.New("no networked ancestor found")

// raised by directory operations before the session transport is connected
var ErrNotConnected = errors.New("session not connected")

// reported through `RecordHandle.Err` when a join targets a key whose record
// was destroyed before the substrate processed the join
var ErrRecordNotFound = errors.New("record not found")

type ChangeFunction = func(state SharedObjectState)

type OwnershipFunction = func(isOwner bool)

// handle to one shared record, scoped to one participant session.
//
// Writes are accepted only while the session is the record's owner per the
// substrate's authoritative ordering. All write methods report whether the
// value was accepted locally; propagation to other participants happens on
// the substrate's own schedule.
type RecordHandle interface {
	Key() string

	// closed once the record's sub-state is initialized and readable.
	// Reads and writes before then are no-ops.
	Ready() <-chan struct{}

	// non-nil once attachment has failed terminally, e.g. a join that raced
	// the record's destruction. `Ready` is also closed in that case, so
	// waiters check `Err` after readiness.
	Err() error

	// true iff this session is currently recorded as the authoritative writer
	IsOwner() bool

	// optimistic, synchronous, non-blocking. Declares intent to become owner
	// and returns true immediately without waiting for confirmation.
	// Returns false only if acquisition is structurally disallowed for this
	// record. Concurrent claims resolve last-attempt-wins by the substrate's
	// global ordering; losers are superseded asynchronously.
	TryAcquireOwnership() bool

	State() SharedObjectState

	WriteShapeIndex(shapeIndex int) bool
	WriteScale(scale Vector3) bool
	WriteRotation(rotation Vector3) bool

	// called when a remote-originated change is applied to the local view.
	// Returns an unsubscribe function.
	AddChangeCallback(changeCallback ChangeFunction) func()

	// called on inbound authoritative ownership transitions.
	// Returns an unsubscribe function.
	AddOwnershipCallback(ownershipCallback OwnershipFunction) func()

	// releases this session's reference. The substrate destroys a
	// non-durable record once no session references it.
	Close()
}

// flat top-level registry of shared records, keyed by string identity.
// Creation is idempotent by key: concurrent creators converge onto one record.
type SharedRecordDirectory interface {
	HasRecord(key string) bool
	GetRecord(key string) (RecordHandle, bool)
	CreateRecord(key string, template *RecordTemplate, durable bool) (RecordHandle, error)
}

// session-level readiness of the substrate transport
type Session interface {
	SessionId() Id
	IsConnected() bool
	// one-shot connected event. Returns an unsubscribe function.
	AddConnectCallback(connectCallback func()) func()
}

type FieldId string

const (
	FieldShapeIndex FieldId = "shapeIndex"
	FieldScale      FieldId = "scale"
	FieldRotation   FieldId = "rotation"
)

// stateful per-sender predicate deciding whether a vector field's accepted
// change should be transmitted
type VectorTransmitFunction = func(next Vector3) bool

type FieldSpec struct {
	Field FieldId
	// factory for the per-handle transmit predicate.
	// nil means every accepted change is transmitted.
	Transmit func() VectorTransmitFunction
}

// schema template for a record kind, declared once. Names the replicated
// component and lists exactly which fields are transmitted.
type RecordTemplate struct {
	Name string
	// when false, ownership is pinned to the creating session and
	// `TryAcquireOwnership` from any other session is refused outright
	Claimable bool
	Fields    []*FieldSpec
}

func (self *RecordTemplate) FieldSpec(field FieldId) *FieldSpec {
	for _, fieldSpec := range self.Fields {
		if fieldSpec.Field == field {
			return fieldSpec
		}
	}
	return nil
}

// the schema used by the shared hover shape: index transmitted
// unconditionally on every accepted change, vector fields gated by a
// `ChangeDetector` with `epsilon`
func HoverShapeTemplate(epsilon float64) *RecordTemplate {
	vectorTransmit := func() VectorTransmitFunction {
		return NewChangeDetector(epsilon).HasChangedSignificantly
	}
	return &RecordTemplate{
		Name:      "hover-shape",
		Claimable: true,
		Fields: []*FieldSpec{
			&FieldSpec{
				Field: FieldShapeIndex,
			},
			&FieldSpec{
				Field:    FieldScale,
				Transmit: vectorTransmit,
			},
			&FieldSpec{
				Field:    FieldRotation,
				Transmit: vectorTransmit,
			},
		},
	}
}
