package models

import (
	"fmt"
	"time"
)

// MediaType names one advisory media flag of a participant
type MediaType string

const (
	MediaTypeVideo       MediaType = "video"
	MediaTypeAudio       MediaType = "audio"
	MediaTypeScreenShare MediaType = "screenShare"
)

// Valid reports whether t is one of the known media types
func (t MediaType) Valid() bool {
	switch t {
	case MediaTypeVideo, MediaTypeAudio, MediaTypeScreenShare:
		return true
	}
	return false
}

// MediaState mirrors what a participant says it is sending. It never gates
// media flow, remote peers only use it to render indicators.
type MediaState struct {
	Video       bool `json:"video" bson:"video" msgpack:"video"`
	Audio       bool `json:"audio" bson:"audio" msgpack:"audio"`
	ScreenShare bool `json:"screenShare" bson:"screenShare" msgpack:"screenShare"`
}

// DefaultMediaState is assumed for a participant that did not announce one
func DefaultMediaState() MediaState {
	return MediaState{Video: true, Audio: true}
}

// Set updates a single flag and reports whether it changed
func (s *MediaState) Set(t MediaType, enabled bool) (bool, error) {
	var flag *bool
	switch t {
	case MediaTypeVideo:
		flag = &s.Video
	case MediaTypeAudio:
		flag = &s.Audio
	case MediaTypeScreenShare:
		flag = &s.ScreenShare
	default:
		return false, fmt.Errorf("unknown media type %q", t)
	}
	changed := *flag != enabled
	*flag = enabled
	return changed, nil
}

// Participant is the active-session record of one user in one room
type Participant struct {
	UserID       string     `json:"userId" bson:"userId"`
	ConnectionID string     `json:"connectionId" bson:"connectionId"`
	DisplayName  string     `json:"displayName" bson:"displayName"`
	Media        MediaState `json:"mediaState" bson:"mediaState"`
	JoinedAt     time.Time  `json:"joinedAt" bson:"joinedAt"`
}

// Sender returns the identity block used when relaying messages about p
func (p Participant) Sender() *Sender {
	return &Sender{
		UserID:       p.UserID,
		ConnectionID: p.ConnectionID,
		DisplayName:  p.DisplayName,
	}
}

// ChatMessage is immutable once appended. ArrivalOrder is assigned by the
// relay and is the only ordering that counts.
type ChatMessage struct {
	RoomID       string    `json:"roomId" bson:"roomId" msgpack:"roomId"`
	SenderID     string    `json:"senderId" bson:"senderId" msgpack:"senderId"`
	SenderName   string    `json:"senderName" bson:"senderName" msgpack:"senderName"`
	Text         string    `json:"text" bson:"text" msgpack:"text"`
	ArrivalOrder uint64    `json:"arrivalOrder" bson:"arrivalOrder" msgpack:"arrivalOrder"`
	SentAt       time.Time `json:"sentAt" bson:"sentAt" msgpack:"sentAt"`
}
