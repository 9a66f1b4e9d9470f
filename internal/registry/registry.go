package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/rs/zerolog"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrTargetNotFound = errors.New("target not found")
	ErrRoomFull       = errors.New("room is full")
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrNotJoined      = errors.New("not joined to a room")
)

// Options configures a Registry
type Options struct {
	// GracePeriod delays removal of an empty room to absorb a fast
	// reconnect. Zero removes empty rooms immediately.
	GracePeriod time.Duration
	Logger      zerolog.Logger
	// OnRoomClosed is called, outside any lock, after a room was removed
	OnRoomClosed func(roomID string)
}

// Registry is the in-memory model of active rooms and their rosters. Every
// room is locked on its own; work on different rooms never contends beyond
// the short map lookup.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*lockedRoom
	cleanup map[string]*time.Timer

	grace    time.Duration
	log      zerolog.Logger
	onClosed func(string)
	now      func() time.Time
}

type lockedRoom struct {
	mu sync.Mutex
	*Room
}

// New creates an empty registry
func New(opts Options) *Registry {
	return &Registry{
		rooms:    make(map[string]*lockedRoom),
		cleanup:  make(map[string]*time.Timer),
		grace:    opts.GracePeriod,
		log:      opts.Logger.With().Str("component", "registry").Logger(),
		onClosed: opts.OnRoomClosed,
		now:      time.Now,
	}
}

// Update runs fn with exclusive access to one room. With create set an
// unknown room is created, otherwise ErrRoomNotFound is returned. fn must
// not block: no I/O other than Sink.Send may happen inside it.
func (r *Registry) Update(roomID string, create bool, fn func(tx *Tx) error) error {
	for {
		room, err := r.lookup(roomID, create)
		if err != nil {
			return err
		}

		room.mu.Lock()
		if room.closed {
			// lost a race with cleanup, the next lookup sees the new state
			room.mu.Unlock()
			continue
		}
		err = fn(&Tx{room: room.Room, now: r.now})
		idle := room.empty() && !room.pinned
		room.mu.Unlock()

		if idle {
			r.scheduleCleanup(roomID, room)
		}
		return err
	}
}

// View runs fn with exclusive access to an existing room without creating
// it or triggering cleanup.
func (r *Registry) View(roomID string, fn func(tx *Tx)) error {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return ErrRoomNotFound
	}
	fn(&Tx{room: room.Room, now: r.now})
	return nil
}

func (r *Registry) lookup(roomID string, create bool) (*lockedRoom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		if !create {
			return nil, ErrRoomNotFound
		}
		room = &lockedRoom{Room: newRoom(roomID)}
		r.rooms[roomID] = room
		r.log.Info().Str("room_id", roomID).Msg("Created new room")
	}
	if create {
		if t, pending := r.cleanup[roomID]; pending {
			t.Stop()
			delete(r.cleanup, roomID)
		}
	}
	return room, nil
}

func (r *Registry) scheduleCleanup(roomID string, room *lockedRoom) {
	if r.grace <= 0 {
		r.removeIfIdle(roomID, room)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, pending := r.cleanup[roomID]; pending {
		t.Stop()
	}
	r.cleanup[roomID] = time.AfterFunc(r.grace, func() {
		r.removeIfIdle(roomID, room)
	})
}

func (r *Registry) removeIfIdle(roomID string, room *lockedRoom) {
	r.mu.Lock()
	if current, ok := r.rooms[roomID]; !ok || current != room {
		r.mu.Unlock()
		return
	}

	room.mu.Lock()
	removed := room.empty() && !room.pinned && !room.closed
	if removed {
		room.closed = true
		delete(r.rooms, roomID)
		delete(r.cleanup, roomID)
	}
	room.mu.Unlock()
	r.mu.Unlock()

	if removed {
		r.log.Info().Str("room_id", roomID).Msg("Removed empty room")
		if r.onClosed != nil {
			r.onClosed(roomID)
		}
	}
}

// JoinOrReplace inserts or replaces a participant record and returns the
// roster excluding the joiner. An evicted previous session is told to
// disconnect.
func (r *Registry) JoinOrReplace(roomID string, p models.Participant, sink Sink) ([]models.Participant, error) {
	var (
		roster  []models.Participant
		evicted *Evicted
	)
	err := r.Update(roomID, true, func(tx *Tx) error {
		var err error
		roster, evicted, err = tx.JoinOrReplace(p, sink)
		return err
	})
	if evicted != nil && evicted.Sink != nil {
		evicted.Sink.Evict("superseded by a newer session")
	}
	return roster, err
}

// Leave removes a participant and reports whether the room is now empty.
// connectionID guards against a stale session removing its successor; pass
// an empty string to remove unconditionally.
func (r *Registry) Leave(roomID, userID, connectionID string) (bool, error) {
	var empty bool
	err := r.Update(roomID, false, func(tx *Tx) error {
		tx.Leave(userID, connectionID)
		empty = tx.Len() == 0
		return nil
	})
	return empty, err
}

// SetMedia updates an advisory media flag; absent participants are ignored
func (r *Registry) SetMedia(roomID, userID string, mediaType models.MediaType, enabled bool) error {
	return r.Update(roomID, false, func(tx *Tx) error {
		_, _, err := tx.SetMedia(userID, mediaType, enabled)
		return err
	})
}

// AppendChat appends to the room's chat log and returns the arrival order
func (r *Registry) AppendChat(roomID string, msg models.ChatMessage) (uint64, error) {
	var order uint64
	err := r.Update(roomID, false, func(tx *Tx) error {
		order = tx.AppendChat(msg).ArrivalOrder
		return nil
	})
	return order, err
}

// Snapshot returns the participants of a room ordered by join time
func (r *Registry) Snapshot(roomID string) ([]models.Participant, error) {
	var out []models.Participant
	err := r.View(roomID, func(tx *Tx) {
		out = tx.Snapshot()
	})
	return out, err
}

// Provision pre-creates a room for a scheduled meeting. The room survives
// being empty until Unprovision.
func (r *Registry) Provision(roomID, meetingID string, capacity int) {
	_ = r.Update(roomID, true, func(tx *Tx) error {
		tx.room.pinned = true
		tx.room.meetingID = meetingID
		tx.SetCapacity(capacity)
		return nil
	})
}

// Unprovision releases a scheduled room. It is removed once empty.
func (r *Registry) Unprovision(roomID string) {
	_ = r.Update(roomID, false, func(tx *Tx) error {
		tx.room.pinned = false
		return nil
	})
}

// Exists reports whether a room is currently registered
func (r *Registry) Exists(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Count returns the number of participants in a room
func (r *Registry) Count(roomID string) int {
	n := 0
	_ = r.View(roomID, func(tx *Tx) { n = tx.Len() })
	return n
}

// Rooms returns the ids of all registered rooms, sorted
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
