package replica

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestResolveFromNetworkedAncestor(t *testing.T) {
	directory := NewLocalDirectory()
	session := directory.OpenSession()
	session.Connect()
	resolver := NewEntityResolver(session, HoverShapeTemplate(0.05))

	root := &SceneObject{
		Name:      "scene",
		NetworkId: "naf-abc123",
	}
	child := &SceneObject{
		Name:   "gltf-model",
		Parent: root,
	}

	assert.Equal(t, "naf-abc123-hover", resolver.Resolve(child))
}

func TestResolveFallbackToName(t *testing.T) {
	directory := NewLocalDirectory()
	session := directory.OpenSession()
	session.Connect()
	resolver := NewEntityResolver(session, HoverShapeTemplate(0.05))

	// no replicated ancestor anywhere in the chain: fall back to the
	// authoring-time name, not an error
	root := &SceneObject{
		Name: "scene",
	}
	child := &SceneObject{
		Name:   "abc",
		Parent: root,
	}

	assert.Equal(t, "abc-hover", resolver.Resolve(child))
}

func TestResolveDeterminism(t *testing.T) {
	directory := NewLocalDirectory()
	sessionA := directory.OpenSession()
	sessionA.Connect()
	sessionB := directory.OpenSession()
	sessionB.Connect()
	resolverA := NewEntityResolver(sessionA, HoverShapeTemplate(0.05))
	resolverB := NewEntityResolver(sessionB, HoverShapeTemplate(0.05))

	objA := &SceneObject{Name: "abc"}
	objB := &SceneObject{Name: "abc"}

	// byte-identical across participants and across invocations
	assert.Equal(t, resolverA.Resolve(objA), resolverB.Resolve(objB))
	assert.Equal(t, resolverA.Resolve(objA), resolverA.Resolve(objA))
}

func TestFindAncestorNetworkId(t *testing.T) {
	root := &SceneObject{
		Name:      "root",
		NetworkId: "naf-root",
	}
	mid := &SceneObject{
		Name:   "mid",
		Parent: root,
	}
	leaf := &SceneObject{
		Name:   "leaf",
		Parent: mid,
	}

	networkId, err := FindAncestorNetworkId(leaf)
	assert.Equal(t, nil, err)
	assert.Equal(t, "naf-root", networkId)

	orphan := &SceneObject{Name: "orphan"}
	_, err = FindAncestorNetworkId(orphan)
	assert.Equal(t, ErrNoNetworkedAncestor, err)
}

func TestAttachCreateOrJoin(t *testing.T) {
	ctx := context.Background()
	directory := NewLocalDirectory()

	sessionA := directory.OpenSession()
	sessionA.Connect()
	sessionB := directory.OpenSession()
	sessionB.Connect()

	resolverA := NewEntityResolver(sessionA, HoverShapeTemplate(0.05))
	resolverB := NewEntityResolver(sessionB, HoverShapeTemplate(0.05))

	// A reaches the directory first and creates
	handleA, err := resolverA.Attach(ctx, "abc-hover")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"abc-hover"}, directory.RecordKeys())

	// B's attach resolves as a join onto the first-created record,
	// never a duplicate
	handleB, err := resolverB.Attach(ctx, "abc-hover")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"abc-hover"}, directory.RecordKeys())

	// same record: a write through A is observed through B
	gateA := NewOwnershipGate(handleA)
	storeA := NewReplicatedStateStore(handleA, gateA)
	storeA.AdvanceShape()
	assert.Equal(t, 0, handleB.State().ShapeIndex)
}

// handle whose join already failed: ready, with a terminal error
type removedHandle struct {
	*notReadyHandle
}

func newRemovedHandle() *removedHandle {
	handle := newNotReadyHandle()
	close(handle.ready)
	return &removedHandle{notReadyHandle: handle}
}

func (self *removedHandle) Err() error {
	return ErrRecordNotFound
}

// directory whose record listing still advertises a key whose record was
// already destroyed, so every join comes back failed
type staleListingDirectory struct {
	session    *LocalSession
	staleJoins int
}

func (self *staleListingDirectory) HasRecord(key string) bool {
	return true
}

func (self *staleListingDirectory) GetRecord(key string) (RecordHandle, bool) {
	self.staleJoins += 1
	return newRemovedHandle(), true
}

func (self *staleListingDirectory) CreateRecord(key string, template *RecordTemplate, durable bool) (RecordHandle, error) {
	return self.session.CreateRecord(key, template, durable)
}

// a join that races the record's removal fails instead of blocking, and the
// attach retries as a create under the same key
func TestAttachJoinRacesRemoval(t *testing.T) {
	ctx := context.Background()
	directory := NewLocalDirectory()
	session := directory.OpenSession()
	session.Connect()

	stale := &staleListingDirectory{session: session}
	resolver := NewEntityResolver(stale, HoverShapeTemplate(0.05))

	handle, err := resolver.Attach(ctx, "abc-hover")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, stale.staleJoins)
	assert.Equal(t, nil, handle.Err())
	assert.Equal(t, []string{"abc-hover"}, directory.RecordKeys())
	assert.Equal(t, ShapeIndexUnset, handle.State().ShapeIndex)
}

func TestAttachNotConnected(t *testing.T) {
	directory := NewLocalDirectory()
	session := directory.OpenSession()
	// never connected

	_, err := session.CreateRecord("abc-hover", HoverShapeTemplate(0.05), false)
	assert.Equal(t, ErrNotConnected, err)

	_, ok := session.GetRecord("abc-hover")
	assert.Equal(t, false, ok)
}

func TestRecordLifetime(t *testing.T) {
	ctx := context.Background()
	directory := NewLocalDirectory()

	sessionA := directory.OpenSession()
	sessionA.Connect()
	sessionB := directory.OpenSession()
	sessionB.Connect()

	resolverA := NewEntityResolver(sessionA, HoverShapeTemplate(0.05))
	resolverB := NewEntityResolver(sessionB, HoverShapeTemplate(0.05))

	handleA, err := resolverA.Attach(ctx, "abc-hover")
	assert.Equal(t, nil, err)
	_, err = resolverB.Attach(ctx, "abc-hover")
	assert.Equal(t, nil, err)

	gateA := NewOwnershipGate(handleA)
	storeA := NewReplicatedStateStore(handleA, gateA)
	storeA.AdvanceShape()

	// non-durable: the record survives while any session references it
	sessionA.Close()
	assert.Equal(t, []string{"abc-hover"}, directory.RecordKeys())

	// and is destroyed with its state when the last reference drops
	sessionB.Close()
	assert.Equal(t, []string{}, directory.RecordKeys())

	sessionC := directory.OpenSession()
	sessionC.Connect()
	resolverC := NewEntityResolver(sessionC, HoverShapeTemplate(0.05))
	handleC, err := resolverC.Attach(ctx, "abc-hover")
	assert.Equal(t, nil, err)
	assert.Equal(t, ShapeIndexUnset, handleC.State().ShapeIndex)
}
