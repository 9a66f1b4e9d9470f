package peer

import (
	"sync"

	"github.com/mossy-p/meet-signaling/internal/models"
)

// MediaTracker mirrors the advisory media flags of everyone in the room.
// Updates arrive in relay order, so the last one applied wins.
type MediaTracker struct {
	mu     sync.RWMutex
	states map[string]models.MediaState
}

func NewMediaTracker() *MediaTracker {
	return &MediaTracker{states: make(map[string]models.MediaState)}
}

// Reset replaces every known state with those of a roster
func (t *MediaTracker) Reset(participants []models.Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]models.MediaState, len(participants))
	for _, p := range participants {
		t.states[p.UserID] = p.Media
	}
}

// Set records the full state of one participant
func (t *MediaTracker) Set(userID string, state models.MediaState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[userID] = state
}

// Apply updates one flag. Toggles for participants that are not known
// anymore are ignored.
func (t *MediaTracker) Apply(userID string, mediaType models.MediaType, enabled bool) (models.MediaState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[userID]
	if !ok {
		return models.MediaState{}, false
	}
	if _, err := state.Set(mediaType, enabled); err != nil {
		return models.MediaState{}, false
	}
	t.states[userID] = state
	return state, true
}

// Remove forgets a participant
func (t *MediaTracker) Remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, userID)
}

// Get returns the last known state of a participant
func (t *MediaTracker) Get(userID string) (models.MediaState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.states[userID]
	return state, ok
}
