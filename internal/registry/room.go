package registry

import (
	"sort"
	"time"

	"github.com/mossy-p/meet-signaling/internal/models"
)

// Sink delivers encoded frames to one live connection. Send must never
// block: it is called while a room is locked.
type Sink interface {
	Send(frame []byte) bool
	// Evict force-disconnects a session that has been superseded
	Evict(reason string)
}

type member struct {
	participant models.Participant
	sink        Sink
}

// Evicted is a session removed from a room by a newer join of the same user
type Evicted struct {
	Participant models.Participant
	Sink        Sink
}

// Room is the registry's record of one active room. All fields are guarded
// by the room lock and only reachable through a Tx.
type Room struct {
	id        string
	meetingID string
	createdAt time.Time
	capacity  int
	pinned    bool

	members   map[string]*member // userID -> member
	byConn    map[string]string  // connectionID -> userID
	chat      []models.ChatMessage
	nextOrder uint64
	closed    bool
}

func newRoom(id string) *Room {
	return &Room{
		id:        id,
		createdAt: time.Now(),
		members:   make(map[string]*member),
		byConn:    make(map[string]string),
	}
}

func (r *Room) empty() bool {
	return len(r.members) == 0
}

// Tx is a single-writer view of one room. It is only valid inside the
// function passed to Registry.Update.
type Tx struct {
	room *Room
	now  func() time.Time
}

// MeetingID returns the scheduled meeting linked to the room, if any
func (tx *Tx) MeetingID() string { return tx.room.meetingID }

// SetCapacity limits the number of distinct users in the room. Zero means
// unlimited. A lower limit never evicts anyone already present.
func (tx *Tx) SetCapacity(n int) {
	if n < 0 {
		n = 0
	}
	tx.room.capacity = n
}

// Len returns the number of participants
func (tx *Tx) Len() int { return len(tx.room.members) }

// JoinOrReplace inserts the participant, or replaces the record of the same
// user. The returned roster excludes the joiner. When a previous session of
// the user existed it is unlinked from delivery and returned so the caller
// can announce and disconnect it.
func (tx *Tx) JoinOrReplace(p models.Participant, sink Sink) ([]models.Participant, *Evicted, error) {
	r := tx.room

	prev, replacing := r.members[p.UserID]
	if !replacing && r.capacity > 0 && len(r.members) >= r.capacity {
		return nil, nil, ErrRoomFull
	}

	var evicted *Evicted
	if replacing {
		delete(r.byConn, prev.participant.ConnectionID)
		if prev.participant.ConnectionID != p.ConnectionID {
			evicted = &Evicted{Participant: prev.participant, Sink: prev.sink}
		}
	}

	if p.JoinedAt.IsZero() {
		p.JoinedAt = tx.now()
	}
	r.members[p.UserID] = &member{participant: p, sink: sink}
	r.byConn[p.ConnectionID] = p.UserID

	roster := make([]models.Participant, 0, len(r.members)-1)
	for _, m := range tx.ordered() {
		if m.participant.UserID != p.UserID {
			roster = append(roster, m.participant)
		}
	}
	return roster, evicted, nil
}

// Leave removes the participant when connectionID still identifies its
// current session. An empty connectionID removes unconditionally. It
// reports the removed record, if any.
func (tx *Tx) Leave(userID, connectionID string) (models.Participant, bool) {
	r := tx.room
	m, ok := r.members[userID]
	if !ok {
		return models.Participant{}, false
	}
	if connectionID != "" && m.participant.ConnectionID != connectionID {
		return models.Participant{}, false
	}
	delete(r.members, userID)
	delete(r.byConn, m.participant.ConnectionID)
	return m.participant, true
}

// SetMedia updates an advisory flag. An absent participant is not an error,
// the update simply arrived after departure.
func (tx *Tx) SetMedia(userID string, mediaType models.MediaType, enabled bool) (models.Participant, bool, error) {
	m, ok := tx.room.members[userID]
	if !ok {
		return models.Participant{}, false, nil
	}
	if _, err := m.participant.Media.Set(mediaType, enabled); err != nil {
		return models.Participant{}, false, err
	}
	return m.participant, true, nil
}

// AppendChat stamps the message with the next arrival order and appends it
// to the room's log.
func (tx *Tx) AppendChat(msg models.ChatMessage) models.ChatMessage {
	r := tx.room
	r.nextOrder++
	msg.RoomID = r.id
	msg.ArrivalOrder = r.nextOrder
	if msg.SentAt.IsZero() {
		msg.SentAt = tx.now()
	}
	r.chat = append(r.chat, msg)
	return msg
}

// Chat returns a copy of the chat log in arrival order
func (tx *Tx) Chat() []models.ChatMessage {
	out := make([]models.ChatMessage, len(tx.room.chat))
	copy(out, tx.room.chat)
	return out
}

// Member returns the participant record of a user
func (tx *Tx) Member(userID string) (models.Participant, bool) {
	m, ok := tx.room.members[userID]
	if !ok {
		return models.Participant{}, false
	}
	return m.participant, true
}

// ByConnection returns the participant owning a connection
func (tx *Tx) ByConnection(connectionID string) (models.Participant, bool) {
	userID, ok := tx.room.byConn[connectionID]
	if !ok {
		return models.Participant{}, false
	}
	return tx.Member(userID)
}

// Snapshot returns the participants ordered by join time
func (tx *Tx) Snapshot() []models.Participant {
	ordered := tx.ordered()
	out := make([]models.Participant, 0, len(ordered))
	for _, m := range ordered {
		out = append(out, m.participant)
	}
	return out
}

// Broadcast hands frame to every participant except the given connection
// and returns how many accepted it.
func (tx *Tx) Broadcast(frame []byte, exceptConnectionID string) int {
	delivered := 0
	for _, m := range tx.ordered() {
		if m.participant.ConnectionID == exceptConnectionID {
			continue
		}
		if m.sink.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Unicast hands frame to one connection of this room
func (tx *Tx) Unicast(connectionID string, frame []byte) error {
	userID, ok := tx.room.byConn[connectionID]
	if !ok {
		return ErrTargetNotFound
	}
	if !tx.room.members[userID].sink.Send(frame) {
		return ErrDeliveryFailed
	}
	return nil
}

func (tx *Tx) ordered() []*member {
	out := make([]*member, 0, len(tx.room.members))
	for _, m := range tx.room.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].participant, out[j].participant
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})
	return out
}
