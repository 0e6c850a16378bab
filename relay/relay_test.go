package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/aelatgt/shapesync/protocol"
	"github.com/aelatgt/shapesync/replica"
)

var testSecret = []byte("relay-test-secret")

func startRelayForTest(t *testing.T) (*httptest.Server, string) {
	server := httptest.NewServer(NewRelayWithDefaults(testSecret))
	t.Cleanup(server.Close)
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	return server, wsUrl
}

func dialForTest(t *testing.T, ctx context.Context, wsUrl string, roomId string, name string) *replica.RelayDirectory {
	jwt, err := replica.GenerateRoomJwt(testSecret, roomId, name, time.Hour)
	assert.Equal(t, nil, err)
	directory := replica.NewRelayDirectoryWithDefaults(ctx, wsUrl, jwt)
	t.Cleanup(directory.Close)
	waitFor(t, directory.IsConnected)
	return directory
}

func waitFor(t *testing.T, condition func() bool) {
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func attachForTest(t *testing.T, ctx context.Context, directory *replica.RelayDirectory, key string) (*replica.ReplicatedStateStore, replica.RecordHandle) {
	resolver := replica.NewEntityResolver(directory, replica.HoverShapeTemplate(0.01))
	attachCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	handle, err := resolver.Attach(attachCtx, key)
	assert.Equal(t, nil, err)
	return replica.NewReplicatedStateStore(handle, replica.NewOwnershipGate(handle)), handle
}

func TestRelayCreateThenJoin(t *testing.T) {
	ctx := context.Background()
	_, wsUrl := startRelayForTest(t)

	directoryA := dialForTest(t, ctx, wsUrl, "room-1", "alice")
	storeA, _ := attachForTest(t, ctx, directoryA, "abc-hover")
	storeA.SetScale(replica.UniformVector3(1.3))
	storeA.AdvanceShape()

	directoryB := dialForTest(t, ctx, wsUrl, "room-1", "bob")
	waitFor(t, func() bool {
		return directoryB.HasRecord("abc-hover")
	})
	storeB, _ := attachForTest(t, ctx, directoryB, "abc-hover")

	waitFor(t, func() bool {
		snapshot := storeB.Snapshot()
		return snapshot.Scale == replica.UniformVector3(1.3) && snapshot.ShapeIndex == 0
	})
}

// both participants race "create" for the same derived key; the relay
// converges them onto one record
func TestRelayCreateRace(t *testing.T) {
	ctx := context.Background()
	_, wsUrl := startRelayForTest(t)

	directoryA := dialForTest(t, ctx, wsUrl, "room-1", "alice")
	directoryB := dialForTest(t, ctx, wsUrl, "room-1", "bob")

	template := replica.HoverShapeTemplate(0.01)
	handleA, err := directoryA.CreateRecord("race-hover", template, false)
	assert.Equal(t, nil, err)
	handleB, err := directoryB.CreateRecord("race-hover", template, false)
	assert.Equal(t, nil, err)

	waitFor(t, func() bool {
		select {
		case <-handleA.Ready():
		default:
			return false
		}
		select {
		case <-handleB.Ready():
		default:
			return false
		}
		return true
	})

	storeA := replica.NewReplicatedStateStore(handleA, replica.NewOwnershipGate(handleA))
	storeB := replica.NewReplicatedStateStore(handleB, replica.NewOwnershipGate(handleB))

	storeA.AdvanceShape()
	storeA.SetScale(replica.UniformVector3(1.6))

	// the write propagates to B through the single converged record
	waitFor(t, func() bool {
		snapshot := storeB.Snapshot()
		return snapshot.ShapeIndex == 0 && snapshot.Scale == replica.UniformVector3(1.6)
	})
}

func TestRelayOwnershipConflict(t *testing.T) {
	ctx := context.Background()
	_, wsUrl := startRelayForTest(t)

	directoryA := dialForTest(t, ctx, wsUrl, "room-1", "alice")
	_, handleA := attachForTest(t, ctx, directoryA, "contested-hover")

	directoryB := dialForTest(t, ctx, wsUrl, "room-1", "bob")
	waitFor(t, func() bool {
		return directoryB.HasRecord("contested-hover")
	})
	_, handleB := attachForTest(t, ctx, directoryB, "contested-hover")

	// both claim; both succeed locally without blocking
	assert.Equal(t, true, handleA.TryAcquireOwnership())
	assert.Equal(t, true, handleB.TryAcquireOwnership())

	// once the authoritative broadcasts land, exactly one owner remains
	waitFor(t, func() bool {
		ownerA := handleA.IsOwner()
		ownerB := handleB.IsOwner()
		return ownerA != ownerB
	})
	time.Sleep(100 * time.Millisecond)
	assert.NotEqual(t, handleA.IsOwner(), handleB.IsOwner())
}

// detaching the sole reference destroys the record, and the detaching
// session's own record listing reflects that, so attaching the same key
// again creates a fresh record instead of hanging on a stale join
func TestRelayReattachAfterDetach(t *testing.T) {
	ctx := context.Background()
	_, wsUrl := startRelayForTest(t)

	directory := dialForTest(t, ctx, wsUrl, "room-1", "alice")
	store, handle := attachForTest(t, ctx, directory, "abc-hover")
	store.AdvanceShape()
	store.SetScale(replica.UniformVector3(1.4))

	handle.Close()
	waitFor(t, func() bool {
		return !directory.HasRecord("abc-hover")
	})

	store2, _ := attachForTest(t, ctx, directory, "abc-hover")
	snapshot := store2.Snapshot()
	assert.Equal(t, replica.ShapeIndexUnset, snapshot.ShapeIndex)
	assert.Equal(t, replica.UniformVector3(1), snapshot.Scale)

	// the fresh record is fully usable
	store2.AdvanceShape()
	assert.Equal(t, 0, store2.Snapshot().ShapeIndex)
}

func TestRelayRejectsBadToken(t *testing.T) {
	ctx := context.Background()
	_, wsUrl := startRelayForTest(t)

	jwt, err := replica.GenerateRoomJwt([]byte("wrong-secret"), "room-1", "mallory", time.Hour)
	assert.Equal(t, nil, err)
	directory := replica.NewRelayDirectoryWithDefaults(ctx, wsUrl, jwt)
	t.Cleanup(directory.Close)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, false, directory.IsConnected())
}

// browser websocket clients cannot set an Authorization header; the token
// is accepted as a query parameter instead
func TestRelayQueryTokenAuth(t *testing.T) {
	_, wsUrl := startRelayForTest(t)

	jwt, err := replica.GenerateRoomJwt(testSecret, "room-1", "carol", time.Hour)
	assert.Equal(t, nil, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsUrl+"?auth="+jwt, nil)
	assert.Equal(t, nil, err)
	defer conn.Close()

	var envelope protocol.Envelope
	assert.Equal(t, nil, conn.ReadJSON(&envelope))
	assert.Equal(t, protocol.MessageTypeWelcome, envelope.Type)

	// a bad query token is refused before the upgrade
	_, response, err := websocket.DefaultDialer.Dial(wsUrl+"?auth=not-a-token", nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
}

// non-durable records are destroyed once the last referencing session leaves
func TestRelayNonDurableLifetime(t *testing.T) {
	ctx := context.Background()
	_, wsUrl := startRelayForTest(t)

	directoryA := dialForTest(t, ctx, wsUrl, "room-1", "alice")
	directoryB := dialForTest(t, ctx, wsUrl, "room-1", "bob")

	attachForTest(t, ctx, directoryA, "ephemeral-hover")
	waitFor(t, func() bool {
		return directoryB.HasRecord("ephemeral-hover")
	})

	// B never attached, so A leaving drops the last reference
	directoryA.Close()
	waitFor(t, func() bool {
		return !directoryB.HasRecord("ephemeral-hover")
	})
}

// rooms are isolated: a record in one room is invisible from another
func TestRelayRoomIsolation(t *testing.T) {
	ctx := context.Background()
	_, wsUrl := startRelayForTest(t)

	directoryA := dialForTest(t, ctx, wsUrl, "room-1", "alice")
	attachForTest(t, ctx, directoryA, "abc-hover")

	directoryB := dialForTest(t, ctx, wsUrl, "room-2", "bob")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, false, directoryB.HasRecord("abc-hover"))
}
