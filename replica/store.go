package replica

// canonical mutation and read surface for one shared object.
//
// The store holds no reference to its presentation consumer; the coupling is
// one-way so the store stays testable without any rendering dependency.
type ReplicatedStateStore struct {
	handle RecordHandle
	gate   *OwnershipGate

	catalogSize int

	log LogFunction
}

func NewReplicatedStateStore(handle RecordHandle, gate *OwnershipGate) *ReplicatedStateStore {
	return &ReplicatedStateStore{
		handle:      handle,
		gate:        gate,
		catalogSize: len(ShapeCatalog),
		log:         LogFn(LogLevelDebug, "[store]"),
	}
}

func (self *ReplicatedStateStore) ready() bool {
	select {
	case <-self.handle.Ready():
		return true
	default:
		return false
	}
}

// the authoritative local view. `ShapeIndex` is `ShapeIndexUnset` until the
// first value is received. The value may change between any two reads as
// remote updates arrive, so frame-driven consumers re-read every frame.
func (self *ReplicatedStateStore) Snapshot() SharedObjectState {
	if !self.ready() {
		return DefaultSharedObjectState()
	}
	return self.handle.State()
}

func (self *ReplicatedStateStore) SetScale(scale Vector3) {
	if !self.ready() {
		return
	}
	if !self.gate.TryAcquireOrConfirm() {
		// not authorized to originate this change right now
		self.log("%s: scale write dropped", self.handle.Key())
		return
	}
	self.handle.WriteScale(scale)
}

func (self *ReplicatedStateStore) SetRotation(rotation Vector3) {
	if !self.ready() {
		return
	}
	if !self.gate.TryAcquireOrConfirm() {
		return
	}
	self.handle.WriteRotation(rotation)
}

// cyclic enumeration of the shape catalog, wrapping back to index 0
func (self *ReplicatedStateStore) AdvanceShape() {
	if !self.ready() {
		return
	}
	if !self.gate.TryAcquireOrConfirm() {
		return
	}
	nextIndex := (self.handle.State().ShapeIndex + 1) % self.catalogSize
	if nextIndex < 0 {
		nextIndex = 0
	}
	self.handle.WriteShapeIndex(nextIndex)
}

// remote-originated changes applied to the local view.
// Returns an unsubscribe function.
func (self *ReplicatedStateStore) AddChangeCallback(changeCallback ChangeFunction) func() {
	return self.handle.AddChangeCallback(changeCallback)
}
