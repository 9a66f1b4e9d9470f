package store

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sort"
	"strings"

	"github.com/mossy-p/meet-signaling/internal/models"
)

const (
	RoomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

var (
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrCodeTaken       = errors.New("room code already in use")
)

// Store is the persistence adapter used by the relay. The relay owns no
// storage: everything durable goes through these calls, always outside
// registry critical sections.
type Store interface {
	// GetOrCreateMeeting returns the meeting for roomID, creating an
	// unscheduled one when none exists.
	GetOrCreateMeeting(ctx context.Context, roomID string) (*models.Meeting, error)
	// CreateMeeting stores a scheduled meeting. It fails with ErrCodeTaken
	// when the share code collides.
	CreateMeeting(ctx context.Context, meeting *models.Meeting) error
	GetMeeting(ctx context.Context, roomID string) (*models.Meeting, error)
	DeleteMeeting(ctx context.Context, roomID string) error
	// ResolveRoomID maps a share code to its room id. Anything that is not a
	// known code is returned unchanged.
	ResolveRoomID(ctx context.Context, identifier string) (string, error)

	AppendChatMessage(ctx context.Context, roomID string, msg models.ChatMessage) error
	ListChatHistory(ctx context.Context, roomID string) ([]models.ChatMessage, error)

	UpsertParticipantRecord(ctx context.Context, roomID string, p models.Participant) error
	DeleteParticipantRecord(ctx context.Context, roomID, userID string) error

	Close() error
}

// GenerateRoomCode generates a random room code
func GenerateRoomCode() string {
	code := make([]byte, RoomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// LooksLikeCode reports whether identifier has the shape of a share code
func LooksLikeCode(identifier string) bool {
	if len(identifier) != RoomCodeLength {
		return false
	}
	for _, c := range identifier {
		if !strings.ContainsRune(codeChars, c) {
			return false
		}
	}
	return true
}

// sortHistory orders persisted chat by send time, then arrival order. Writes
// happen outside the room lock so storage order alone is not authoritative.
func sortHistory(msgs []models.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].SentAt.Before(msgs[j].SentAt)
		}
		return msgs[i].ArrivalOrder < msgs[j].ArrivalOrder
	})
}
