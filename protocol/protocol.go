package protocol

import (
	"encoding/json"
	"fmt"
)

// wire messages between a participant session and the relay.
// JSON envelopes over one websocket per session.

const (
	// client -> relay
	MessageTypeCreate = "create"
	MessageTypeJoin   = "join"
	MessageTypeClaim  = "claim"
	MessageTypeWrite  = "write"
	MessageTypeDetach = "detach"

	// relay -> client
	MessageTypeWelcome       = "welcome"
	MessageTypeAttached      = "attached"
	MessageTypeNotFound      = "notFound"
	MessageTypeUpdate        = "update"
	MessageTypeOwner         = "owner"
	MessageTypeRecordCreated = "recordCreated"
	MessageTypeRecordRemoved = "recordRemoved"
)

const (
	FieldShapeIndex = "shapeIndex"
	FieldScale      = "scale"
	FieldRotation   = "rotation"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(messageType string, payload any) (*Envelope, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", messageType, err)
	}
	return &Envelope{
		Type:    messageType,
		Payload: payloadBytes,
	}, nil
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type ObjectState struct {
	ShapeIndex int     `json:"shapeIndex"`
	Scale      Vector3 `json:"scale"`
	Rotation   Vector3 `json:"rotation"`
}

// first message after upgrade: session identity and the room's current
// top-level record listing, so the client directory mirror starts warm
type Welcome struct {
	SessionId string   `json:"sessionId"`
	RoomId    string   `json:"roomId"`
	Keys      []string `json:"keys"`
}

type Create struct {
	Key       string `json:"key"`
	Durable   bool   `json:"durable"`
	Claimable bool   `json:"claimable"`
}

type Join struct {
	Key string `json:"key"`
}

// reply to both `create` and `join`. `Created` is false when a create
// resolved as a join onto an already-existing record.
type Attached struct {
	Key       string      `json:"key"`
	Created   bool        `json:"created"`
	Claimable bool        `json:"claimable"`
	State     ObjectState `json:"state"`
	HasOwner  bool        `json:"hasOwner"`
	OwnerId   string      `json:"ownerId,omitempty"`
}

type NotFound struct {
	Key string `json:"key"`
}

type Claim struct {
	Key string `json:"key"`
}

// authoritative ownership, broadcast to every session on the record.
// `Seq` is the relay's global ordering; the latest accepted claim wins.
type Owner struct {
	Key      string `json:"key"`
	HasOwner bool   `json:"hasOwner"`
	OwnerId  string `json:"ownerId,omitempty"`
	Seq      uint64 `json:"seq"`
}

type Write struct {
	Key        string   `json:"key"`
	Field      string   `json:"field"`
	ShapeIndex *int     `json:"shapeIndex,omitempty"`
	Vector     *Vector3 `json:"vector,omitempty"`
}

// accepted write fanned out to every other session on the record
type Update struct {
	Key      string      `json:"key"`
	Field    string      `json:"field"`
	State    ObjectState `json:"state"`
	WriterId string      `json:"writerId"`
	Seq      uint64      `json:"seq"`
}

type Detach struct {
	Key string `json:"key"`
}

type RecordCreated struct {
	Key string `json:"key"`
}

type RecordRemoved struct {
	Key string `json:"key"`
}
