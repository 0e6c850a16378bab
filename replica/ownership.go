package replica

import (
	"sync"
)

// local belief about ownership of one shared record.
//
// Unowned
//
//	-> LocallyOwned (local optimistic claim, or inbound grant)
//	  -> Superseded (inbound authoritative loss)
//	    -> LocallyOwned (again, on the next claim or grant)
//
// Superseded transitions are driven only by inbound authoritative events
// from the substrate, never by local logic second-guessing itself.
type OwnershipState string

const (
	OwnershipStateUnowned      OwnershipState = "Unowned"
	OwnershipStateLocallyOwned OwnershipState = "LocallyOwned"
	OwnershipStateSuperseded   OwnershipState = "Superseded"
)

// every mutation of the shared record passes through the gate
type OwnershipGate struct {
	handle RecordHandle

	stateLock sync.Mutex
	state     OwnershipState

	unsubOwnership func()

	log LogFunction
}

func NewOwnershipGate(handle RecordHandle) *OwnershipGate {
	gate := &OwnershipGate{
		handle: handle,
		state:  OwnershipStateUnowned,
		log:    LogFn(LogLevelDebug, "[ownership]"),
	}
	gate.unsubOwnership = handle.AddOwnershipCallback(gate.ownershipChanged)
	return gate
}

// inbound authoritative ownership transition from the substrate
func (self *OwnershipGate) ownershipChanged(isOwner bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if isOwner {
		self.state = OwnershipStateLocallyOwned
	} else if self.state == OwnershipStateLocallyOwned {
		// an optimistic local claim lost the race. Any in-flight local
		// write will be overwritten by the winner's update.
		self.state = OwnershipStateSuperseded
		self.log("%s: claim superseded by remote owner", self.handle.Key())
	} else {
		self.state = OwnershipStateUnowned
	}
}

func (self *OwnershipGate) State() OwnershipState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *OwnershipGate) IsOwner() bool {
	return self.handle.IsOwner()
}

// fast path: already owner, confirm synchronously with no round-trip.
// Otherwise claim optimistically and return immediately without waiting for
// confirmation. False means the substrate refused outright; the caller drops
// the mutation and the next gesture retries naturally.
func (self *OwnershipGate) TryAcquireOrConfirm() bool {
	if self.handle.IsOwner() {
		return true
	}
	if !self.handle.TryAcquireOwnership() {
		return false
	}

	self.stateLock.Lock()
	self.state = OwnershipStateLocallyOwned
	self.stateLock.Unlock()
	return true
}

func (self *OwnershipGate) Close() {
	if self.unsubOwnership != nil {
		self.unsubOwnership()
		self.unsubOwnership = nil
	}
}
