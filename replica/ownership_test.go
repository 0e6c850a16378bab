package replica

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func attachForTest(t *testing.T, session *LocalSession, key string) RecordHandle {
	resolver := NewEntityResolver(session, HoverShapeTemplate(0.05))
	handle, err := resolver.Attach(context.Background(), key)
	assert.Equal(t, nil, err)
	return handle
}

func TestOwnershipFastPath(t *testing.T) {
	directory := NewLocalDirectory()
	session := directory.OpenSession()
	session.Connect()

	handle := attachForTest(t, session, "obj-hover")
	gate := NewOwnershipGate(handle)

	assert.Equal(t, false, gate.IsOwner())
	assert.Equal(t, OwnershipStateUnowned, gate.State())

	assert.Equal(t, true, gate.TryAcquireOrConfirm())
	assert.Equal(t, true, gate.IsOwner())
	assert.Equal(t, OwnershipStateLocallyOwned, gate.State())

	// already owner: confirm without altering the record's owner
	assert.Equal(t, true, gate.TryAcquireOrConfirm())
	assert.Equal(t, true, gate.IsOwner())
}

func TestOwnershipConcurrentClaims(t *testing.T) {
	directory := NewLocalDirectory()
	sessionA := directory.OpenSession()
	sessionA.Connect()
	sessionB := directory.OpenSession()
	sessionB.Connect()

	handleA := attachForTest(t, sessionA, "obj-hover")
	handleB := attachForTest(t, sessionB, "obj-hover")
	gateA := NewOwnershipGate(handleA)
	gateB := NewOwnershipGate(handleB)

	// both claim the never-owned record; both succeed locally
	assert.Equal(t, true, gateA.TryAcquireOrConfirm())
	assert.Equal(t, true, gateB.TryAcquireOrConfirm())

	// exactly one owner per the substrate's ordering: the last claim wins
	assert.Equal(t, false, handleA.IsOwner())
	assert.Equal(t, true, handleB.IsOwner())

	// the loser's local belief was superseded by the inbound event
	assert.Equal(t, OwnershipStateSuperseded, gateA.State())
	assert.Equal(t, OwnershipStateLocallyOwned, gateB.State())
}

func TestOwnershipReacquireAfterSuperseded(t *testing.T) {
	directory := NewLocalDirectory()
	sessionA := directory.OpenSession()
	sessionA.Connect()
	sessionB := directory.OpenSession()
	sessionB.Connect()

	handleA := attachForTest(t, sessionA, "obj-hover")
	handleB := attachForTest(t, sessionB, "obj-hover")
	gateA := NewOwnershipGate(handleA)
	gateB := NewOwnershipGate(handleB)

	assert.Equal(t, true, gateA.TryAcquireOrConfirm())
	assert.Equal(t, true, gateB.TryAcquireOrConfirm())
	assert.Equal(t, OwnershipStateSuperseded, gateA.State())

	// the superseded participant's next gesture claims again
	assert.Equal(t, true, gateA.TryAcquireOrConfirm())
	assert.Equal(t, true, handleA.IsOwner())
	assert.Equal(t, false, handleB.IsOwner())
	assert.Equal(t, OwnershipStateLocallyOwned, gateA.State())
	assert.Equal(t, OwnershipStateSuperseded, gateB.State())
}

func TestOwnershipUnclaimableRecord(t *testing.T) {
	directory := NewLocalDirectory()
	sessionA := directory.OpenSession()
	sessionA.Connect()
	sessionB := directory.OpenSession()
	sessionB.Connect()

	template := HoverShapeTemplate(0.05)
	template.Claimable = false

	handleA, err := sessionA.CreateRecord("pinned-hover", template, false)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, handleA.TryAcquireOwnership())

	handleB, ok := sessionB.GetRecord("pinned-hover")
	assert.Equal(t, true, ok)
	gateB := NewOwnershipGate(handleB)

	// acquisition structurally disallowed: refused outright
	assert.Equal(t, false, gateB.TryAcquireOrConfirm())
	assert.Equal(t, true, handleA.IsOwner())
	assert.Equal(t, false, handleB.IsOwner())
}
