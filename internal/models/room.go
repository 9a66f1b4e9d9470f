package models

import "time"

// Meeting stores durable information about a room
type Meeting struct {
	ID               string    `json:"id" bson:"_id"`
	Code             string    `json:"code" bson:"code"`           // Short, shareable room code (e.g., "ABCD23")
	CreatorID        string    `json:"creatorId" bson:"creatorId"` // User ID from JWT who created the room
	CreatedAt        time.Time `json:"createdAt" bson:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants" bson:"maxParticipants"`
	Scheduled        bool      `json:"scheduled" bson:"scheduled"`
	ParticipantCount int       `json:"participantCount" bson:"-"`
}

// CreateRoomRequest is the request body for scheduling a room
type CreateRoomRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

// CreateRoomResponse is the response for scheduling a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// RoomParticipantsResponse lists the live roster of a room
type RoomParticipantsResponse struct {
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
}

// ChatHistoryResponse lists persisted chat messages of a room
type ChatHistoryResponse struct {
	RoomID   string        `json:"roomId"`
	Messages []ChatMessage `json:"messages"`
}
