package replica

import (
	"context"
	"sync"
	"time"
)

func DefaultSharedShapeSettings() *SharedShapeSettings {
	return &SharedShapeSettings{
		ScaleEpsilon: 0.05,
		Presentation: DefaultPresentationControllerSettings(),
	}
}

type SharedShapeSettings struct {
	// epsilon for the per-field transmit predicate on vector fields
	ScaleEpsilon float64
	Presentation *PresentationControllerSettings
}

// manages the networked state for one shared object instance: waits for the
// session, resolves or creates the shared record, and bridges the store to
// the local visual and gesture handlers.
//
// Until the record handle is available every read returns defaults and every
// gesture is a no-op.
type SharedShape struct {
	ctx    context.Context
	cancel context.CancelFunc

	session   Session
	directory SharedRecordDirectory
	obj       *SceneObject
	visual    Visual

	settings *SharedShapeSettings

	bootstrap *SessionBootstrap

	stateLock  sync.Mutex
	handle     RecordHandle
	gate       *OwnershipGate
	store      *ReplicatedStateStore
	controller *PresentationController

	log LogFunction
}

func NewSharedShapeWithDefaults(
	ctx context.Context,
	session Session,
	directory SharedRecordDirectory,
	obj *SceneObject,
	visual Visual,
) *SharedShape {
	return NewSharedShape(ctx, session, directory, obj, visual, DefaultSharedShapeSettings())
}

func NewSharedShape(
	ctx context.Context,
	session Session,
	directory SharedRecordDirectory,
	obj *SceneObject,
	visual Visual,
	settings *SharedShapeSettings,
) *SharedShape {
	cancelCtx, cancel := context.WithCancel(ctx)
	sharedShape := &SharedShape{
		ctx:       cancelCtx,
		cancel:    cancel,
		session:   session,
		directory: directory,
		obj:       obj,
		visual:    visual,
		settings:  settings,
		bootstrap: NewSessionBootstrap(session),
		log:       LogFn(LogLevelDebug, "[shape]"),
	}
	sharedShape.bootstrap.WhenConnected(sharedShape.initialize)
	return sharedShape
}

func (self *SharedShape) initialize() {
	resolver := NewEntityResolver(self.directory, HoverShapeTemplate(self.settings.ScaleEpsilon))
	key := resolver.Resolve(self.obj)

	handle, err := resolver.Attach(self.ctx, key)
	if err != nil {
		// torn down before the record finished initializing
		self.log("%s: attach aborted: %s", key, err)
		return
	}

	gate := NewOwnershipGate(handle)
	store := NewReplicatedStateStore(handle, gate)

	self.stateLock.Lock()
	self.handle = handle
	self.gate = gate
	self.store = store
	self.controller = NewPresentationController(store, self.visual, self.settings.Presentation)
	self.stateLock.Unlock()
}

func (self *SharedShape) Store() *ReplicatedStateStore {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.store
}

func (self *SharedShape) Frame(now time.Time) {
	self.stateLock.Lock()
	controller := self.controller
	self.stateLock.Unlock()

	if controller == nil {
		return
	}
	controller.Frame(now)
}

func (self *SharedShape) Drag(deltaY float64) {
	self.stateLock.Lock()
	controller := self.controller
	self.stateLock.Unlock()

	if controller == nil {
		return
	}
	controller.Drag(deltaY)
}

func (self *SharedShape) Activate() {
	self.stateLock.Lock()
	controller := self.controller
	self.stateLock.Unlock()

	if controller == nil {
		return
	}
	controller.Activate()
}

// deregisters local listeners and releases the record reference. The record
// itself is destroyed by the substrate once no session references it.
func (self *SharedShape) Close() {
	self.cancel()
	self.bootstrap.Close()

	self.stateLock.Lock()
	handle := self.handle
	gate := self.gate
	self.handle = nil
	self.gate = nil
	self.store = nil
	self.controller = nil
	self.stateLock.Unlock()

	if gate != nil {
		gate.Close()
	}
	if handle != nil {
		handle.Close()
	}
}
