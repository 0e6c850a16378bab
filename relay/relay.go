package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/aelatgt/shapesync/protocol"
	"github.com/aelatgt/shapesync/replica"
)

// Relay hosts the shared record directories, one per room. It is the
// replication substrate's authority: it assigns the global ordering that
// breaks concurrent ownership claims (last accepted claim wins), fans
// accepted writes out to every other session on a record, and destroys
// non-durable records once no session references them.

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		WriteTimeout:   10 * time.Second,
		ReadLimit:      1 << 16,
		TokenParameter: "auth",
	}
}

type RelaySettings struct {
	WriteTimeout time.Duration
	ReadLimit    int64
	// query parameter carrying the room token when the Authorization
	// header is unavailable (browser websocket clients)
	TokenParameter string
}

type Relay struct {
	secret   []byte
	settings *RelaySettings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	rooms     map[string]*room
}

func NewRelayWithDefaults(secret []byte) *Relay {
	return NewRelay(secret, DefaultRelaySettings())
}

func NewRelay(secret []byte, settings *RelaySettings) *Relay {
	return &Relay{
		secret:   secret,
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: map[string]*room{},
	}
}

type room struct {
	roomId string
	// the relay's global ordering for claims and writes in this room
	seq      uint64
	records  map[string]*relayRecord
	sessions map[replica.Id]*relaySession
}

type relayRecord struct {
	key       string
	durable   bool
	claimable bool

	state protocol.ObjectState

	hasOwner       bool
	ownerSessionId replica.Id
	ownerSeq       uint64

	// referencing sessions, for non-durable lifetime
	refs map[replica.Id]bool
}

type relaySession struct {
	sessionId replica.Id
	name      string
	roomId    string

	conn     *websocket.Conn
	sendLock sync.Mutex
}

// serialized writes, one websocket writer at a time
func (self *relaySession) send(relay *Relay, messageType string, payload any) {
	envelope, err := protocol.NewEnvelope(messageType, payload)
	if err != nil {
		glog.Errorf("[relay]encode %s: %v", messageType, err)
		return
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.conn.SetWriteDeadline(time.Now().Add(relay.settings.WriteTimeout))
	if err := self.conn.WriteJSON(envelope); err != nil {
		glog.V(1).Infof("[relay]send %s to %s: %v", messageType, self.sessionId, err)
	}
}

func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	byRoomJwt, err := self.authorize(r)
	if err != nil {
		glog.Infof("[relay]unauthorized: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade: %v", err)
		return
	}
	conn.SetReadLimit(self.settings.ReadLimit)

	session := &relaySession{
		sessionId: replica.NewId(),
		name:      byRoomJwt.ParticipantName,
		roomId:    byRoomJwt.RoomId,
		conn:      conn,
	}
	self.joinRoom(session)
	glog.V(1).Infof("[relay]%s(%s) joined room %s", session.name, session.sessionId, session.roomId)

	defer func() {
		conn.Close()
		self.leaveRoom(session)
		glog.V(1).Infof("[relay]%s(%s) left room %s", session.name, session.sessionId, session.roomId)
	}()

	for {
		var envelope protocol.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return
		}
		self.dispatch(session, &envelope)
	}
}

func (self *Relay) authorize(r *http.Request) (*replica.ByRoomJwt, error) {
	jwt := ""
	if authorization := r.Header.Get("Authorization"); strings.HasPrefix(authorization, "Bearer ") {
		jwt = strings.TrimPrefix(authorization, "Bearer ")
	} else {
		jwt = r.URL.Query().Get(self.settings.TokenParameter)
	}
	return replica.ParseRoomJwt(self.secret, jwt)
}

func (self *Relay) joinRoom(session *relaySession) {
	self.stateLock.Lock()
	sessionRoom, ok := self.rooms[session.roomId]
	if !ok {
		sessionRoom = &room{
			roomId:   session.roomId,
			records:  map[string]*relayRecord{},
			sessions: map[replica.Id]*relaySession{},
		}
		self.rooms[session.roomId] = sessionRoom
	}
	sessionRoom.sessions[session.sessionId] = session
	keys := maps.Keys(sessionRoom.records)
	slices.Sort(keys)
	self.stateLock.Unlock()

	session.send(self, protocol.MessageTypeWelcome, &protocol.Welcome{
		SessionId: session.sessionId.String(),
		RoomId:    session.roomId,
		Keys:      keys,
	})
}

func (self *Relay) leaveRoom(session *relaySession) {
	self.stateLock.Lock()
	sessionRoom, ok := self.rooms[session.roomId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(sessionRoom.sessions, session.sessionId)

	removedKeys := []string{}
	for key, record := range sessionRoom.records {
		delete(record.refs, session.sessionId)
		if len(record.refs) == 0 && !record.durable {
			delete(sessionRoom.records, key)
			removedKeys = append(removedKeys, key)
		}
	}
	if len(sessionRoom.sessions) == 0 {
		delete(self.rooms, sessionRoom.roomId)
	}
	others := maps.Values(sessionRoom.sessions)
	self.stateLock.Unlock()

	for _, key := range removedKeys {
		glog.V(1).Infof("[relay]%s/%s destroyed (unreferenced, non-durable)", session.roomId, key)
		for _, other := range others {
			other.send(self, protocol.MessageTypeRecordRemoved, &protocol.RecordRemoved{Key: key})
		}
	}
}

func (self *Relay) dispatch(session *relaySession, envelope *protocol.Envelope) {
	switch envelope.Type {
	case protocol.MessageTypeCreate:
		var create protocol.Create
		if err := json.Unmarshal(envelope.Payload, &create); err != nil {
			return
		}
		self.handleCreate(session, &create)
	case protocol.MessageTypeJoin:
		var join protocol.Join
		if err := json.Unmarshal(envelope.Payload, &join); err != nil {
			return
		}
		self.handleJoin(session, &join)
	case protocol.MessageTypeClaim:
		var claim protocol.Claim
		if err := json.Unmarshal(envelope.Payload, &claim); err != nil {
			return
		}
		self.handleClaim(session, &claim)
	case protocol.MessageTypeWrite:
		var write protocol.Write
		if err := json.Unmarshal(envelope.Payload, &write); err != nil {
			return
		}
		self.handleWrite(session, &write)
	case protocol.MessageTypeDetach:
		var detach protocol.Detach
		if err := json.Unmarshal(envelope.Payload, &detach); err != nil {
			return
		}
		self.handleDetach(session, &detach)
	}
}

// create-or-get: a concurrent creator converges onto the record created
// first and its create resolves as a join
func (self *Relay) handleCreate(session *relaySession, create *protocol.Create) {
	self.stateLock.Lock()
	sessionRoom, ok := self.rooms[session.roomId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	record, exists := sessionRoom.records[create.Key]
	if !exists {
		record = &relayRecord{
			key:       create.Key,
			durable:   create.Durable,
			claimable: create.Claimable,
			state: protocol.ObjectState{
				ShapeIndex: replica.ShapeIndexUnset,
				Scale:      protocol.Vector3{X: 1, Y: 1, Z: 1},
			},
			refs: map[replica.Id]bool{},
		}
		sessionRoom.records[create.Key] = record
	}
	record.refs[session.sessionId] = true
	attached := attachedMessage(record, !exists)
	var others []*relaySession
	if !exists {
		for _, other := range sessionRoom.sessions {
			if other.sessionId != session.sessionId {
				others = append(others, other)
			}
		}
	}
	self.stateLock.Unlock()

	if !exists {
		glog.V(1).Infof("[relay]%s/%s created by %s", session.roomId, create.Key, session.name)
	}
	session.send(self, protocol.MessageTypeAttached, attached)
	for _, other := range others {
		other.send(self, protocol.MessageTypeRecordCreated, &protocol.RecordCreated{Key: record.key})
	}
}

func (self *Relay) handleJoin(session *relaySession, join *protocol.Join) {
	self.stateLock.Lock()
	sessionRoom, ok := self.rooms[session.roomId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	record, exists := sessionRoom.records[join.Key]
	if !exists {
		self.stateLock.Unlock()
		session.send(self, protocol.MessageTypeNotFound, &protocol.NotFound{Key: join.Key})
		return
	}
	record.refs[session.sessionId] = true
	attached := attachedMessage(record, false)
	self.stateLock.Unlock()

	session.send(self, protocol.MessageTypeAttached, attached)
}

// last accepted claim wins by the room's global ordering. The previous
// owner learns it lost from the broadcast.
func (self *Relay) handleClaim(session *relaySession, claim *protocol.Claim) {
	self.stateLock.Lock()
	sessionRoom, ok := self.rooms[session.roomId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	record, exists := sessionRoom.records[claim.Key]
	if !exists {
		self.stateLock.Unlock()
		return
	}
	if !record.claimable && record.hasOwner && record.ownerSessionId != session.sessionId {
		// structurally disallowed, drop
		self.stateLock.Unlock()
		return
	}
	sessionRoom.seq += 1
	record.hasOwner = true
	record.ownerSessionId = session.sessionId
	record.ownerSeq = sessionRoom.seq
	owner := &protocol.Owner{
		Key:      record.key,
		HasOwner: true,
		OwnerId:  session.sessionId.String(),
		Seq:      record.ownerSeq,
	}
	sessions := maps.Values(sessionRoom.sessions)
	self.stateLock.Unlock()

	for _, roomSession := range sessions {
		roomSession.send(self, protocol.MessageTypeOwner, owner)
	}
}

// only the current owner originates changes; anything else is dropped and
// the writer self-heals from the authoritative fan-out
func (self *Relay) handleWrite(session *relaySession, write *protocol.Write) {
	self.stateLock.Lock()
	sessionRoom, ok := self.rooms[session.roomId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	record, exists := sessionRoom.records[write.Key]
	if !exists || !record.hasOwner || record.ownerSessionId != session.sessionId {
		self.stateLock.Unlock()
		return
	}

	switch write.Field {
	case protocol.FieldShapeIndex:
		if write.ShapeIndex == nil {
			self.stateLock.Unlock()
			return
		}
		record.state.ShapeIndex = *write.ShapeIndex
	case protocol.FieldScale:
		if write.Vector == nil {
			self.stateLock.Unlock()
			return
		}
		record.state.Scale = *write.Vector
	case protocol.FieldRotation:
		if write.Vector == nil {
			self.stateLock.Unlock()
			return
		}
		record.state.Rotation = *write.Vector
	default:
		self.stateLock.Unlock()
		return
	}

	sessionRoom.seq += 1
	update := &protocol.Update{
		Key:      record.key,
		Field:    write.Field,
		State:    record.state,
		WriterId: session.sessionId.String(),
		Seq:      sessionRoom.seq,
	}
	var others []*relaySession
	for _, other := range sessionRoom.sessions {
		if other.sessionId != session.sessionId {
			others = append(others, other)
		}
	}
	self.stateLock.Unlock()

	for _, other := range others {
		other.send(self, protocol.MessageTypeUpdate, update)
	}
}

func (self *Relay) handleDetach(session *relaySession, detach *protocol.Detach) {
	self.stateLock.Lock()
	sessionRoom, ok := self.rooms[session.roomId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	record, exists := sessionRoom.records[detach.Key]
	if !exists {
		self.stateLock.Unlock()
		return
	}
	delete(record.refs, session.sessionId)
	removed := false
	if len(record.refs) == 0 && !record.durable {
		delete(sessionRoom.records, record.key)
		removed = true
	}
	var sessions []*relaySession
	if removed {
		sessions = maps.Values(sessionRoom.sessions)
	}
	self.stateLock.Unlock()

	if removed {
		glog.V(1).Infof("[relay]%s/%s destroyed (unreferenced, non-durable)", session.roomId, detach.Key)
		// confirmed to the detaching session too, so its record listing
		// stays current for a later re-create under the same key
		for _, roomSession := range sessions {
			roomSession.send(self, protocol.MessageTypeRecordRemoved, &protocol.RecordRemoved{Key: detach.Key})
		}
	}
}

func attachedMessage(record *relayRecord, created bool) *protocol.Attached {
	attached := &protocol.Attached{
		Key:       record.key,
		Created:   created,
		Claimable: record.claimable,
		State:     record.state,
		HasOwner:  record.hasOwner,
	}
	if record.hasOwner {
		attached.OwnerId = record.ownerSessionId.String()
	}
	return attached
}

func (self *Relay) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", self)
	glog.Infof("[relay]listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
