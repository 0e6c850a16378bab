package replica

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"

	"github.com/aelatgt/shapesync/protocol"
)

func DefaultRelayDirectorySettings() *RelayDirectorySettings {
	return &RelayDirectorySettings{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type RelayDirectorySettings struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// substrate session backed by the relay over one websocket.
// Implements `Session` and `SharedRecordDirectory`.
//
// The relay's welcome message seeds a local mirror of the room's record
// listing; `recordCreated`/`recordRemoved` broadcasts keep it current, so
// `HasRecord`/`GetRecord` answer without a round-trip. Record attachment is
// asynchronous: a handle becomes ready once the relay's `attached` reply
// arrives.
type RelayDirectory struct {
	ctx    context.Context
	cancel context.CancelFunc

	url string
	jwt string

	settings *RelayDirectorySettings

	sendLock sync.Mutex
	conn     *websocket.Conn

	stateLock sync.Mutex
	connected bool
	sessionId Id
	// room record listing mirror
	knownKeys map[string]bool
	handles   map[string]*relayHandle

	connectCallbacks *CallbackList[func()]

	log LogFunction
}

func NewRelayDirectoryWithDefaults(ctx context.Context, url string, jwt string) *RelayDirectory {
	return NewRelayDirectory(ctx, url, jwt, DefaultRelayDirectorySettings())
}

func NewRelayDirectory(ctx context.Context, url string, jwt string, settings *RelayDirectorySettings) *RelayDirectory {
	cancelCtx, cancel := context.WithCancel(ctx)
	directory := &RelayDirectory{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		jwt:              jwt,
		settings:         settings,
		knownKeys:        map[string]bool{},
		handles:          map[string]*relayHandle{},
		connectCallbacks: NewCallbackList[func()](),
		log:              LogFn(LogLevelInfo, "[relay-directory]"),
	}
	go directory.run()
	return directory
}

func (self *RelayDirectory) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.DialTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+self.jwt)
	conn, _, err := dialer.DialContext(self.ctx, self.url, header)
	if err != nil {
		self.log("dial %s: %s", self.url, err)
		return
	}
	defer conn.Close()

	go func() {
		<-self.ctx.Done()
		conn.Close()
	}()

	// the welcome must arrive before the session is connected
	var welcomeEnvelope protocol.Envelope
	if err := conn.ReadJSON(&welcomeEnvelope); err != nil {
		self.log("welcome read: %s", err)
		return
	}
	if welcomeEnvelope.Type != protocol.MessageTypeWelcome {
		self.log("unexpected first message %s", welcomeEnvelope.Type)
		return
	}
	var welcome protocol.Welcome
	if err := unmarshalPayload(&welcomeEnvelope, &welcome); err != nil {
		self.log("welcome decode: %s", err)
		return
	}
	sessionId, err := ParseId(welcome.SessionId)
	if err != nil {
		self.log("welcome session id: %s", err)
		return
	}

	self.stateLock.Lock()
	self.conn = conn
	self.sessionId = sessionId
	for _, key := range welcome.Keys {
		self.knownKeys[key] = true
	}
	self.connected = true
	self.stateLock.Unlock()

	self.log("connected to room %s as %s", welcome.RoomId, welcome.SessionId)
	for _, connectCallback := range self.connectCallbacks.Get() {
		connectCallback()
	}
	self.connectCallbacks.Clear()

	for {
		var envelope protocol.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			self.log("read: %s", err)
			self.stateLock.Lock()
			self.connected = false
			self.stateLock.Unlock()
			return
		}
		self.dispatch(&envelope)
	}
}

func (self *RelayDirectory) dispatch(envelope *protocol.Envelope) {
	switch envelope.Type {
	case protocol.MessageTypeAttached:
		var attached protocol.Attached
		if err := unmarshalPayload(envelope, &attached); err != nil {
			return
		}
		self.stateLock.Lock()
		self.knownKeys[attached.Key] = true
		handle := self.handles[attached.Key]
		self.stateLock.Unlock()
		if handle != nil {
			handle.attached(&attached)
		}
	case protocol.MessageTypeNotFound:
		var notFound protocol.NotFound
		if err := unmarshalPayload(envelope, &notFound); err != nil {
			return
		}
		self.stateLock.Lock()
		delete(self.knownKeys, notFound.Key)
		handle := self.handles[notFound.Key]
		delete(self.handles, notFound.Key)
		self.stateLock.Unlock()
		if handle != nil {
			// releases any pending attach so it can retry as a create
			handle.fail(ErrRecordNotFound)
		}
	case protocol.MessageTypeUpdate:
		var update protocol.Update
		if err := unmarshalPayload(envelope, &update); err != nil {
			return
		}
		self.stateLock.Lock()
		handle := self.handles[update.Key]
		self.stateLock.Unlock()
		if handle != nil {
			handle.applyUpdate(&update)
		}
	case protocol.MessageTypeOwner:
		var owner protocol.Owner
		if err := unmarshalPayload(envelope, &owner); err != nil {
			return
		}
		self.stateLock.Lock()
		handle := self.handles[owner.Key]
		self.stateLock.Unlock()
		if handle != nil {
			handle.applyOwner(&owner)
		}
	case protocol.MessageTypeRecordCreated:
		var recordCreated protocol.RecordCreated
		if err := unmarshalPayload(envelope, &recordCreated); err != nil {
			return
		}
		self.stateLock.Lock()
		self.knownKeys[recordCreated.Key] = true
		self.stateLock.Unlock()
	case protocol.MessageTypeRecordRemoved:
		var recordRemoved protocol.RecordRemoved
		if err := unmarshalPayload(envelope, &recordRemoved); err != nil {
			return
		}
		self.stateLock.Lock()
		delete(self.knownKeys, recordRemoved.Key)
		self.stateLock.Unlock()
	}
}

func (self *RelayDirectory) send(messageType string, payload any) error {
	envelope, err := protocol.NewEnvelope(messageType, payload)
	if err != nil {
		return err
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteJSON(envelope)
}

// Session

func (self *RelayDirectory) SessionId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sessionId
}

func (self *RelayDirectory) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected
}

func (self *RelayDirectory) AddConnectCallback(connectCallback func()) func() {
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

// SharedRecordDirectory

func (self *RelayDirectory) HasRecord(key string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connected && self.knownKeys[key]
}

func (self *RelayDirectory) GetRecord(key string) (RecordHandle, bool) {
	self.stateLock.Lock()
	if !self.connected || !self.knownKeys[key] {
		self.stateLock.Unlock()
		return nil, false
	}
	if existing, ok := self.handles[key]; ok {
		self.stateLock.Unlock()
		return existing, true
	}
	handle := self.newHandleLocked(key, nil)
	self.stateLock.Unlock()

	if err := self.send(protocol.MessageTypeJoin, &protocol.Join{Key: key}); err != nil {
		self.removeHandle(handle)
		return nil, false
	}
	return handle, true
}

func (self *RelayDirectory) CreateRecord(key string, template *RecordTemplate, durable bool) (RecordHandle, error) {
	self.stateLock.Lock()
	if !self.connected {
		self.stateLock.Unlock()
		return nil, ErrNotConnected
	}
	if existing, ok := self.handles[key]; ok {
		self.stateLock.Unlock()
		return existing, nil
	}
	handle := self.newHandleLocked(key, template)
	self.stateLock.Unlock()

	// the relay resolves concurrent creates onto the first-created record
	create := &protocol.Create{
		Key:       key,
		Durable:   durable,
		Claimable: template.Claimable,
	}
	if err := self.send(protocol.MessageTypeCreate, create); err != nil {
		self.removeHandle(handle)
		return nil, err
	}
	return handle, nil
}

// must be called with `stateLock`
func (self *RelayDirectory) newHandleLocked(key string, template *RecordTemplate) *relayHandle {
	if template == nil {
		template = HoverShapeTemplate(DefaultSharedShapeSettings().ScaleEpsilon)
	}
	handle := &relayHandle{
		directory:          self,
		key:                key,
		ready:              make(chan struct{}),
		state:              DefaultSharedObjectState(),
		claimable:          template.Claimable,
		transmit:           map[FieldId]VectorTransmitFunction{},
		changeCallbacks:    NewCallbackList[ChangeFunction](),
		ownershipCallbacks: NewCallbackList[OwnershipFunction](),
		log:                SubLogFn(LogLevelDebug, self.log, key),
	}
	for _, fieldSpec := range template.Fields {
		if fieldSpec.Transmit != nil {
			handle.transmit[fieldSpec.Field] = fieldSpec.Transmit()
		}
	}
	self.handles[key] = handle
	return handle
}

func (self *RelayDirectory) removeHandle(handle *relayHandle) {
	self.stateLock.Lock()
	if self.handles[handle.key] == handle {
		delete(self.handles, handle.key)
	}
	self.stateLock.Unlock()
	handle.markClosed()
}

func (self *RelayDirectory) Close() {
	self.cancel()

	self.stateLock.Lock()
	handles := maps.Values(self.handles)
	maps.Clear(self.handles)
	self.connected = false
	self.stateLock.Unlock()

	for _, handle := range handles {
		handle.markClosed()
	}
	self.connectCallbacks.Clear()
}

type relayHandle struct {
	directory *RelayDirectory
	key       string

	ready     chan struct{}
	readyOnce sync.Once

	stateLock sync.Mutex
	closed    bool
	err       error
	state     SharedObjectState
	claimable bool
	hasOwner  bool
	ownerId   Id

	transmit map[FieldId]VectorTransmitFunction

	changeCallbacks    *CallbackList[ChangeFunction]
	ownershipCallbacks *CallbackList[OwnershipFunction]

	log LogFunction
}

func (self *relayHandle) Key() string {
	return self.key
}

func (self *relayHandle) Ready() <-chan struct{} {
	return self.ready
}

func (self *relayHandle) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.err
}

func (self *relayHandle) State() SharedObjectState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *relayHandle) attached(attached *protocol.Attached) {
	self.stateLock.Lock()
	self.state = stateFromWire(&attached.State)
	self.claimable = attached.Claimable
	self.hasOwner = attached.HasOwner
	if attached.HasOwner {
		if ownerId, err := ParseId(attached.OwnerId); err == nil {
			self.ownerId = ownerId
		}
	}
	self.stateLock.Unlock()

	self.readyOnce.Do(func() {
		close(self.ready)
	})
	self.log("attached")
}

// terminal attachment failure. Closes `ready` after recording the error so
// a blocked waiter observes the failure instead of hanging.
func (self *relayHandle) fail(err error) {
	self.stateLock.Lock()
	if self.err == nil {
		self.err = err
	}
	self.stateLock.Unlock()

	self.markClosed()
	self.readyOnce.Do(func() {
		close(self.ready)
	})
	self.log("attach failed: %s", err)
}

func (self *relayHandle) IsOwner() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.hasOwner && self.ownerId == self.directory.SessionId()
}

func (self *relayHandle) TryAcquireOwnership() bool {
	sessionId := self.directory.SessionId()

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return false
	}
	if !self.claimable && self.hasOwner && self.ownerId != sessionId {
		// ownership pinned to the current owner for this record kind
		self.stateLock.Unlock()
		return false
	}
	// optimistic local belief. The relay's `owner` broadcast is
	// authoritative and supersedes this if the claim lost.
	self.hasOwner = true
	self.ownerId = sessionId
	self.stateLock.Unlock()

	self.directory.send(protocol.MessageTypeClaim, &protocol.Claim{Key: self.key})
	return true
}

func (self *relayHandle) applyOwner(owner *protocol.Owner) {
	sessionId := self.directory.SessionId()

	self.stateLock.Lock()
	wasOwner := self.hasOwner && self.ownerId == sessionId
	self.hasOwner = owner.HasOwner
	if owner.HasOwner {
		if ownerId, err := ParseId(owner.OwnerId); err == nil {
			self.ownerId = ownerId
		}
	} else {
		self.ownerId = Id{}
	}
	isOwner := self.hasOwner && self.ownerId == sessionId
	self.stateLock.Unlock()

	if wasOwner != isOwner {
		for _, ownershipCallback := range self.ownershipCallbacks.Get() {
			ownershipCallback(isOwner)
		}
	}
}

func (self *relayHandle) applyUpdate(update *protocol.Update) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	switch update.Field {
	case protocol.FieldShapeIndex:
		self.state.ShapeIndex = update.State.ShapeIndex
	case protocol.FieldScale:
		self.state.Scale = vectorFromWire(update.State.Scale)
	case protocol.FieldRotation:
		self.state.Rotation = vectorFromWire(update.State.Rotation)
	}
	state := self.state
	self.stateLock.Unlock()

	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(state)
	}
}

func (self *relayHandle) WriteShapeIndex(shapeIndex int) bool {
	if !self.writable() {
		return false
	}
	self.stateLock.Lock()
	self.state.ShapeIndex = shapeIndex
	self.stateLock.Unlock()

	write := &protocol.Write{
		Key:        self.key,
		Field:      protocol.FieldShapeIndex,
		ShapeIndex: &shapeIndex,
	}
	return self.directory.send(protocol.MessageTypeWrite, write) == nil
}

func (self *relayHandle) WriteScale(scale Vector3) bool {
	return self.writeVector(protocol.FieldScale, FieldScale, scale, func(state *SharedObjectState) {
		state.Scale = scale
	})
}

func (self *relayHandle) WriteRotation(rotation Vector3) bool {
	return self.writeVector(protocol.FieldRotation, FieldRotation, rotation, func(state *SharedObjectState) {
		state.Rotation = rotation
	})
}

func (self *relayHandle) writeVector(wireField string, field FieldId, value Vector3, mutate func(state *SharedObjectState)) bool {
	if !self.writable() {
		return false
	}
	self.stateLock.Lock()
	mutate(&self.state)
	transmit, hasTransmit := self.transmit[field]
	self.stateLock.Unlock()

	// suppress jitter-level changes on the transport boundary
	if hasTransmit && !transmit(value) {
		return true
	}

	wireValue := vectorToWire(value)
	write := &protocol.Write{
		Key:    self.key,
		Field:  wireField,
		Vector: &wireValue,
	}
	return self.directory.send(protocol.MessageTypeWrite, write) == nil
}

func (self *relayHandle) writable() bool {
	select {
	case <-self.ready:
	default:
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return !self.closed && self.hasOwner && self.ownerId == self.directory.SessionId()
}

func (self *relayHandle) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *relayHandle) AddOwnershipCallback(ownershipCallback OwnershipFunction) func() {
	callbackId := self.ownershipCallbacks.Add(ownershipCallback)
	return func() {
		self.ownershipCallbacks.Remove(callbackId)
	}
}

func (self *relayHandle) markClosed() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.stateLock.Unlock()

	self.changeCallbacks.Clear()
	self.ownershipCallbacks.Clear()
}

func (self *relayHandle) Close() {
	self.directory.send(protocol.MessageTypeDetach, &protocol.Detach{Key: self.key})
	self.directory.removeHandle(self)
}

func unmarshalPayload(envelope *protocol.Envelope, out any) error {
	return json.Unmarshal(envelope.Payload, out)
}

func stateFromWire(state *protocol.ObjectState) SharedObjectState {
	return SharedObjectState{
		ShapeIndex: state.ShapeIndex,
		Scale:      vectorFromWire(state.Scale),
		Rotation:   vectorFromWire(state.Rotation),
	}
}

func vectorFromWire(vector protocol.Vector3) Vector3 {
	return Vector3{
		X: vector.X,
		Y: vector.Y,
		Z: vector.Z,
	}
}

func vectorToWire(vector Vector3) protocol.Vector3 {
	return protocol.Vector3{
		X: vector.X,
		Y: vector.Y,
		Z: vector.Z,
	}
}
