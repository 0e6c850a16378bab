package replica

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// in-process replication substrate. One directory is shared by every
// participant session in the process; each session sees the same flat
// top-level registry of records.
//
// The directory serializes claims and writes under one lock and assigns each
// a global sequence number, which makes it the authoritative tie-break for
// concurrent ownership claims (last claim wins).
type LocalDirectory struct {
	stateLock sync.Mutex
	seq       uint64
	records   map[string]*localRecord

	log LogFunction
}

func NewLocalDirectory() *LocalDirectory {
	return &LocalDirectory{
		records: map[string]*localRecord{},
		log:     LogFn(LogLevelDebug, "[directory]"),
	}
}

func (self *LocalDirectory) OpenSession() *LocalSession {
	return &LocalSession{
		directory:        self,
		sessionId:        NewId(),
		connectCallbacks: NewCallbackList[func()](),
	}
}

func (self *LocalDirectory) RecordKeys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := maps.Keys(self.records)
	slices.Sort(keys)
	return keys
}

type localRecord struct {
	key      string
	template *RecordTemplate
	durable  bool

	state SharedObjectState

	hasOwner       bool
	ownerSessionId Id
	ownerSeq       uint64

	handles []*localHandle
}

// one participant's view of the directory.
// Implements `Session` and `SharedRecordDirectory`.
type LocalSession struct {
	directory *LocalDirectory
	sessionId Id

	stateLock sync.Mutex
	connected bool
	closed    bool
	handles   []*localHandle

	connectCallbacks *CallbackList[func()]
}

func (self *LocalSession) SessionId() Id {
	return self.sessionId
}

func (self *LocalSession) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

func (self *LocalSession) AddConnectCallback(connectCallback func()) func() {
	self.stateLock.Lock()
	alreadyConnected := self.connected
	self.stateLock.Unlock()

	if alreadyConnected {
		connectCallback()
		return func() {}
	}
	callbackId := self.connectCallbacks.Add(connectCallback)
	return func() {
		self.connectCallbacks.Remove(callbackId)
	}
}

// transitions the session to connected and fires the one-shot event
func (self *LocalSession) Connect() {
	self.stateLock.Lock()
	if self.connected || self.closed {
		self.stateLock.Unlock()
		return
	}
	self.connected = true
	self.stateLock.Unlock()

	for _, connectCallback := range self.connectCallbacks.Get() {
		connectCallback()
	}
	self.connectCallbacks.Clear()
}

func (self *LocalSession) HasRecord(key string) bool {
	if !self.IsConnected() {
		return false
	}

	self.directory.stateLock.Lock()
	defer self.directory.stateLock.Unlock()

	_, ok := self.directory.records[key]
	return ok
}

func (self *LocalSession) GetRecord(key string) (RecordHandle, bool) {
	if !self.IsConnected() {
		return nil, false
	}

	self.directory.stateLock.Lock()
	record, ok := self.directory.records[key]
	if !ok {
		self.directory.stateLock.Unlock()
		return nil, false
	}
	handle := self.attachLocked(record)
	self.directory.stateLock.Unlock()

	return handle, true
}

// idempotent by key: a concurrent creator converges onto the record created
// first, with its create resolved as a join
func (self *LocalSession) CreateRecord(key string, template *RecordTemplate, durable bool) (RecordHandle, error) {
	if !self.IsConnected() {
		return nil, ErrNotConnected
	}

	self.directory.stateLock.Lock()
	record, ok := self.directory.records[key]
	if !ok {
		record = &localRecord{
			key:      key,
			template: template,
			durable:  durable,
			state:    DefaultSharedObjectState(),
		}
		self.directory.records[key] = record
		self.directory.log("%s: created", key)
	}
	handle := self.attachLocked(record)
	self.directory.stateLock.Unlock()

	return handle, nil
}

// must be called with the directory `stateLock`
func (self *LocalSession) attachLocked(record *localRecord) *localHandle {
	handle := &localHandle{
		directory:          self.directory,
		session:            self,
		record:             record,
		ready:              make(chan struct{}),
		state:              record.state,
		transmit:           map[FieldId]VectorTransmitFunction{},
		changeCallbacks:    NewCallbackList[ChangeFunction](),
		ownershipCallbacks: NewCallbackList[OwnershipFunction](),
	}
	for _, fieldSpec := range record.template.Fields {
		if fieldSpec.Transmit != nil {
			handle.transmit[fieldSpec.Field] = fieldSpec.Transmit()
		}
	}
	record.handles = append(record.handles, handle)

	self.stateLock.Lock()
	self.handles = append(self.handles, handle)
	self.stateLock.Unlock()

	// the local substrate initializes sub-state synchronously
	close(handle.ready)
	return handle
}

// releases every handle held by this session. Non-durable records with no
// remaining references are destroyed.
func (self *LocalSession) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.connected = false
	handles := slices.Clone(self.handles)
	self.stateLock.Unlock()

	for _, handle := range handles {
		handle.Close()
	}
	self.connectCallbacks.Clear()
}

type localHandle struct {
	directory *LocalDirectory
	session   *LocalSession
	record    *localRecord

	ready chan struct{}

	stateLock sync.Mutex
	closed    bool
	// this session's local view, reconciled against the canonical record
	// state as accepted writes fan out
	state SharedObjectState

	transmit map[FieldId]VectorTransmitFunction

	changeCallbacks    *CallbackList[ChangeFunction]
	ownershipCallbacks *CallbackList[OwnershipFunction]
}

func (self *localHandle) Key() string {
	return self.record.key
}

func (self *localHandle) Ready() <-chan struct{} {
	return self.ready
}

// attachment is synchronous in process, it cannot fail after the fact
func (self *localHandle) Err() error {
	return nil
}

func (self *localHandle) State() SharedObjectState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *localHandle) IsOwner() bool {
	self.directory.stateLock.Lock()
	defer self.directory.stateLock.Unlock()

	return self.record.hasOwner && self.record.ownerSessionId == self.session.sessionId
}

func (self *localHandle) TryAcquireOwnership() bool {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return false
	}
	self.stateLock.Unlock()

	self.directory.stateLock.Lock()
	record := self.record
	if !record.template.Claimable && record.hasOwner && record.ownerSessionId != self.session.sessionId {
		// acquisition structurally disallowed for this record
		self.directory.stateLock.Unlock()
		return false
	}

	hadOwner := record.hasOwner
	previousOwnerSessionId := record.ownerSessionId

	self.directory.seq += 1
	record.hasOwner = true
	record.ownerSessionId = self.session.sessionId
	record.ownerSeq = self.directory.seq

	var supersededHandles []*localHandle
	var grantedHandles []*localHandle
	for _, handle := range record.handles {
		if hadOwner && handle.session.sessionId == previousOwnerSessionId && previousOwnerSessionId != self.session.sessionId {
			supersededHandles = append(supersededHandles, handle)
		}
		if handle.session.sessionId == self.session.sessionId {
			grantedHandles = append(grantedHandles, handle)
		}
	}
	self.directory.stateLock.Unlock()

	for _, handle := range supersededHandles {
		handle.notifyOwnership(false)
	}
	for _, handle := range grantedHandles {
		handle.notifyOwnership(true)
	}
	return true
}

func (self *localHandle) notifyOwnership(isOwner bool) {
	for _, ownershipCallback := range self.ownershipCallbacks.Get() {
		ownershipCallback(isOwner)
	}
}

func (self *localHandle) WriteShapeIndex(shapeIndex int) bool {
	return self.write(FieldShapeIndex, func(state *SharedObjectState) {
		state.ShapeIndex = shapeIndex
	}, nil)
}

func (self *localHandle) WriteScale(scale Vector3) bool {
	return self.write(FieldScale, func(state *SharedObjectState) {
		state.Scale = scale
	}, &scale)
}

func (self *localHandle) WriteRotation(rotation Vector3) bool {
	return self.write(FieldRotation, func(state *SharedObjectState) {
		state.Rotation = rotation
	}, &rotation)
}

func (self *localHandle) write(field FieldId, mutate func(state *SharedObjectState), vectorValue *Vector3) bool {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return false
	}
	self.stateLock.Unlock()

	// substrate-side ACL: only the current owner originates changes
	if !self.IsOwner() {
		return false
	}

	// the owner's local view always reflects the accepted value
	self.stateLock.Lock()
	mutate(&self.state)
	self.stateLock.Unlock()

	// per-field transmit predicate on the transport boundary
	if vectorValue != nil {
		if transmit, ok := self.transmit[field]; ok {
			if !transmit(*vectorValue) {
				return true
			}
		}
	}

	self.directory.stateLock.Lock()
	self.directory.seq += 1
	mutate(&self.record.state)
	canonical := self.record.state
	var remoteHandles []*localHandle
	for _, handle := range self.record.handles {
		if handle != self {
			remoteHandles = append(remoteHandles, handle)
		}
	}
	self.directory.stateLock.Unlock()

	// fan out to the other participants' views
	for _, handle := range remoteHandles {
		handle.applyRemote(field, canonical)
	}
	return true
}

// inbound authoritative update from the substrate. Overwrites any
// uncommitted divergent local value.
func (self *localHandle) applyRemote(field FieldId, canonical SharedObjectState) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	switch field {
	case FieldShapeIndex:
		self.state.ShapeIndex = canonical.ShapeIndex
	case FieldScale:
		self.state.Scale = canonical.Scale
	case FieldRotation:
		self.state.Rotation = canonical.Rotation
	}
	state := self.state
	self.stateLock.Unlock()

	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(state)
	}
}

func (self *localHandle) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *localHandle) AddOwnershipCallback(ownershipCallback OwnershipFunction) func() {
	callbackId := self.ownershipCallbacks.Add(ownershipCallback)
	return func() {
		self.ownershipCallbacks.Remove(callbackId)
	}
}

func (self *localHandle) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.stateLock.Unlock()

	self.directory.stateLock.Lock()
	record := self.record
	if i := slices.Index(record.handles, self); 0 <= i {
		record.handles = slices.Delete(record.handles, i, i+1)
	}
	if len(record.handles) == 0 && !record.durable {
		delete(self.directory.records, record.key)
		self.directory.log("%s: destroyed (unreferenced, non-durable)", record.key)
	}
	self.directory.stateLock.Unlock()

	self.session.stateLock.Lock()
	if i := slices.Index(self.session.handles, self); 0 <= i {
		self.session.handles = slices.Delete(self.session.handles, i, i+1)
	}
	self.session.stateLock.Unlock()

	self.changeCallbacks.Clear()
	self.ownershipCallbacks.Clear()
}
