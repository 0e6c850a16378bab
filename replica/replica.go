package replica

import (
	"errors"
	"fmt"
	"math"

	"github.com/oklog/ulid/v2"
)

// Replication core for one shared room object.
//
// Each participant runs an independent local loop. The shared object's shape,
// scale and rotation live in a shared record hosted by the replication
// substrate (`SharedRecordDirectory`). Only the current owner of the record
// may originate changes; everyone else observes. Ownership acquisition is
// optimistic and non-blocking, with the substrate's ordering as the
// authoritative tie-break.

// suffix appended to the base identity when deriving a shared record key
const RecordKeySuffix = "-hover"

// sentinel until the first shape index is received
const ShapeIndexUnset = -1

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	parsed, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(parsed), nil
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (self Vector3) Distance(other Vector3) float64 {
	dx := self.X - other.X
	dy := self.Y - other.Y
	dz := self.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (self Vector3) Clamp(minValue float64, maxValue float64) Vector3 {
	clamp := func(value float64) float64 {
		if value < minValue {
			return minValue
		}
		if maxValue < value {
			return maxValue
		}
		return value
	}
	return Vector3{
		X: clamp(self.X),
		Y: clamp(self.Y),
		Z: clamp(self.Z),
	}
}

func (self Vector3) String() string {
	return fmt.Sprintf("(%.3f,%.3f,%.3f)", self.X, self.Y, self.Z)
}

func UniformVector3(value float64) Vector3 {
	return Vector3{
		X: value,
		Y: value,
		Z: value,
	}
}

type ShapeKind string

const (
	ShapeKindBox          ShapeKind = "box"
	ShapeKindSphere       ShapeKind = "sphere"
	ShapeKindCylinder     ShapeKind = "cylinder"
	ShapeKindCone         ShapeKind = "cone"
	ShapeKindTorus        ShapeKind = "torus"
	ShapeKindDodecahedron ShapeKind = "dodecahedron"
	ShapeKindOctahedron   ShapeKind = "octahedron"
)

// fixed ordered catalog. `SharedObjectState.ShapeIndex` indexes into this.
var ShapeCatalog = []ShapeKind{
	ShapeKindBox,
	ShapeKindSphere,
	ShapeKindCylinder,
	ShapeKindCone,
	ShapeKindTorus,
	ShapeKindDodecahedron,
	ShapeKindOctahedron,
}

// the replicated record. All participants converge on the last value
// accepted from the owning participant.
type SharedObjectState struct {
	// index into `ShapeCatalog`, `ShapeIndexUnset` until first received
	ShapeIndex int `json:"shapeIndex"`
	Scale      Vector3 `json:"scale"`
	// present in the schema but not driven by any write path
	Rotation Vector3 `json:"rotation"`
}

func DefaultSharedObjectState() SharedObjectState {
	return SharedObjectState{
		ShapeIndex: ShapeIndexUnset,
		Scale:      UniformVector3(1),
		Rotation:   Vector3{},
	}
}
