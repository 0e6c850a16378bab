package replica

import (
	"math"
	"time"
)

// the local visual representation, owned by the rendering engine
type Visual interface {
	ApplyShape(kind ShapeKind)
	ApplyScale(scale Vector3)
	ApplyRotation(rotation Vector3)
	// vertical offset of the purely local idle animation
	ApplyElevation(offset float64)
}

func DefaultPresentationControllerSettings() *PresentationControllerSettings {
	return &PresentationControllerSettings{
		MinScale:         0.5,
		MaxScale:         2.0,
		DragScalePerUnit: 0.01,
		BobAmplitude:     0.05,
		BobPeriod:        2 * time.Second,
	}
}

type PresentationControllerSettings struct {
	MinScale float64
	MaxScale float64
	// scale change per unit of accumulated vertical drag displacement
	DragScalePerUnit float64
	BobAmplitude     float64
	BobPeriod        time.Duration
}

// reads the store's snapshot every frame and drives the visual; forwards
// local gestures into store mutations. The idle bob is a function of
// wall-clock time only and is never replicated.
type PresentationController struct {
	store  *ReplicatedStateStore
	visual Visual

	settings *PresentationControllerSettings
}

func NewPresentationControllerWithDefaults(store *ReplicatedStateStore, visual Visual) *PresentationController {
	return NewPresentationController(store, visual, DefaultPresentationControllerSettings())
}

func NewPresentationController(store *ReplicatedStateStore, visual Visual, settings *PresentationControllerSettings) *PresentationController {
	return &PresentationController{
		store:    store,
		visual:   visual,
		settings: settings,
	}
}

// one logical tick per rendered frame
func (self *PresentationController) Frame(now time.Time) {
	snapshot := self.store.Snapshot()

	if 0 <= snapshot.ShapeIndex && snapshot.ShapeIndex < len(ShapeCatalog) {
		self.visual.ApplyShape(ShapeCatalog[snapshot.ShapeIndex])
	}
	self.visual.ApplyScale(snapshot.Scale)
	self.visual.ApplyRotation(snapshot.Rotation)

	phase := float64(now.UnixNano()) / float64(self.settings.BobPeriod.Nanoseconds())
	self.visual.ApplyElevation(self.settings.BobAmplitude * math.Sin(2*math.Pi*phase))
}

// accumulated vertical drag displacement mapped onto scale, clamped to
// [MinScale, MaxScale] on every axis before the write
func (self *PresentationController) Drag(deltaY float64) {
	current := self.store.Snapshot().Scale
	next := Vector3{
		X: current.X + deltaY*self.settings.DragScalePerUnit,
		Y: current.Y + deltaY*self.settings.DragScalePerUnit,
		Z: current.Z + deltaY*self.settings.DragScalePerUnit,
	}
	self.store.SetScale(next.Clamp(self.settings.MinScale, self.settings.MaxScale))
}

// discrete activate gesture (click)
func (self *PresentationController) Activate() {
	self.store.AdvanceShape()
}
