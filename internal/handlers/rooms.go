package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/meet-signaling/internal/middleware"
	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/mossy-p/meet-signaling/internal/registry"
	"github.com/mossy-p/meet-signaling/internal/store"
	"github.com/rs/zerolog"
)

const (
	defaultMaxParticipants = 8
	codeAttempts           = 5
)

// Rooms serves the room management API
type Rooms struct {
	Store    store.Store
	Registry *registry.Registry
	Log      zerolog.Logger
}

// CreateRoom schedules a meeting (requires authentication). Its room is
// provisioned right away and stays registered while empty.
func (h *Rooms) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Default max participants if not specified
	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultMaxParticipants
	}

	meeting := &models.Meeting{
		ID:              uuid.New().String(),
		CreatorID:       userID,
		CreatedAt:       time.Now(),
		MaxParticipants: req.MaxParticipants,
		Scheduled:       true,
	}

	var err error
	for attempt := 0; attempt < codeAttempts; attempt++ {
		meeting.Code = store.GenerateRoomCode()
		err = h.Store.CreateMeeting(c.Request.Context(), meeting)
		if !errors.Is(err, store.ErrCodeTaken) {
			break
		}
	}
	if err != nil {
		h.Log.Error().Err(err).Msg("Failed to store meeting")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.Registry.Provision(meeting.ID, meeting.ID, meeting.MaxParticipants)

	h.Log.Info().
		Str("room_id", meeting.ID).
		Str("code", meeting.Code).
		Str("user_id", userID).
		Msg("Room created")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: meeting.ID,
		Code:   meeting.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *Rooms) GetRoom(c *gin.Context) {
	meeting, ok := h.lookup(c)
	if !ok {
		return
	}
	meeting.ParticipantCount = h.Registry.Count(meeting.ID)
	c.JSON(http.StatusOK, meeting)
}

// DeleteRoom releases a scheduled room (requires authentication and creator).
// Participants still connected keep the room alive until they leave.
func (h *Rooms) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	meeting, ok := h.lookup(c)
	if !ok {
		return
	}

	// Verify user is the creator
	if meeting.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	h.Registry.Unprovision(meeting.ID)
	if err := h.Store.DeleteMeeting(c.Request.Context(), meeting.ID); err != nil && !errors.Is(err, store.ErrMeetingNotFound) {
		h.Log.Error().Err(err).Str("room_id", meeting.ID).Msg("Failed to delete meeting")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.Log.Info().Str("room_id", meeting.ID).Str("user_id", userID).Msg("Room deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// Participants returns the live roster of a room
func (h *Rooms) Participants(c *gin.Context) {
	roomID, ok := h.resolve(c)
	if !ok {
		return
	}

	participants, err := h.Registry.Snapshot(roomID)
	if errors.Is(err, registry.ErrRoomNotFound) {
		if _, err := h.Store.GetMeeting(c.Request.Context(), roomID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		participants = []models.Participant{}
	}

	c.JSON(http.StatusOK, models.RoomParticipantsResponse{
		RoomID:       roomID,
		Participants: participants,
	})
}

// ChatHistory returns the persisted chat of a room
func (h *Rooms) ChatHistory(c *gin.Context) {
	roomID, ok := h.resolve(c)
	if !ok {
		return
	}

	messages, err := h.Store.ListChatHistory(c.Request.Context(), roomID)
	if err != nil {
		h.Log.Error().Err(err).Str("room_id", roomID).Msg("Failed to list chat history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load chat history"})
		return
	}

	c.JSON(http.StatusOK, models.ChatHistoryResponse{
		RoomID:   roomID,
		Messages: messages,
	})
}

func (h *Rooms) resolve(c *gin.Context) (string, bool) {
	roomID, err := h.Store.ResolveRoomID(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.Log.Error().Err(err).Msg("Failed to resolve room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve room"})
		return "", false
	}
	return roomID, true
}

func (h *Rooms) lookup(c *gin.Context) (*models.Meeting, bool) {
	roomID, ok := h.resolve(c)
	if !ok {
		return nil, false
	}

	meeting, err := h.Store.GetMeeting(c.Request.Context(), roomID)
	if errors.Is(err, store.ErrMeetingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return nil, false
	}
	if err != nil {
		h.Log.Error().Err(err).Str("room_id", roomID).Msg("Failed to load meeting")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return nil, false
	}
	return meeting, true
}
