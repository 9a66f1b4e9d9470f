package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/meet-signaling/internal/models"
)

// MemoryStore keeps everything in process memory. It is the default backend
// for development and the reference for tests.
type MemoryStore struct {
	mu           sync.Mutex
	meetings     map[string]models.Meeting
	codes        map[string]string
	chat         map[string][]models.ChatMessage
	participants map[string]map[string]models.Participant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings:     make(map[string]models.Meeting),
		codes:        make(map[string]string),
		chat:         make(map[string][]models.ChatMessage),
		participants: make(map[string]map[string]models.Participant),
	}
}

func (s *MemoryStore) GetOrCreateMeeting(ctx context.Context, roomID string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.meetings[roomID]; ok {
		return &m, nil
	}
	m := models.Meeting{ID: roomID, CreatedAt: time.Now()}
	s.meetings[roomID] = m
	return &m, nil
}

func (s *MemoryStore) CreateMeeting(ctx context.Context, meeting *models.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meeting.Code != "" {
		if _, taken := s.codes[meeting.Code]; taken {
			return ErrCodeTaken
		}
		s.codes[meeting.Code] = meeting.ID
	}
	s.meetings[meeting.ID] = *meeting
	return nil
}

func (s *MemoryStore) GetMeeting(ctx context.Context, roomID string) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[roomID]
	if !ok {
		return nil, ErrMeetingNotFound
	}
	return &m, nil
}

func (s *MemoryStore) DeleteMeeting(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[roomID]
	if !ok {
		return ErrMeetingNotFound
	}
	delete(s.codes, m.Code)
	delete(s.meetings, roomID)
	delete(s.chat, roomID)
	delete(s.participants, roomID)
	return nil
}

func (s *MemoryStore) ResolveRoomID(ctx context.Context, identifier string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.codes[identifier]; ok {
		return id, nil
	}
	return identifier, nil
}

func (s *MemoryStore) AppendChatMessage(ctx context.Context, roomID string, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat[roomID] = append(s.chat[roomID], msg)
	return nil
}

func (s *MemoryStore) ListChatHistory(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ChatMessage, len(s.chat[roomID]))
	copy(out, s.chat[roomID])
	sortHistory(out)
	return out, nil
}

func (s *MemoryStore) UpsertParticipantRecord(ctx context.Context, roomID string, p models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.participants[roomID] == nil {
		s.participants[roomID] = make(map[string]models.Participant)
	}
	s.participants[roomID][p.UserID] = p
	return nil
}

func (s *MemoryStore) DeleteParticipantRecord(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants[roomID], userID)
	return nil
}

// ParticipantRecords returns the durable participant records of a room
func (s *MemoryStore) ParticipantRecords(roomID string) []models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Participant, 0, len(s.participants[roomID]))
	for _, p := range s.participants[roomID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *MemoryStore) Close() error { return nil }
