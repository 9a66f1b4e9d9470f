package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SignalType represents the wire tag of a signaling message
type SignalType string

const (
	SignalTypeJoin              SignalType = "join"
	SignalTypeLeave             SignalType = "leave"
	SignalTypeRoster            SignalType = "roster"
	SignalTypeParticipantJoined SignalType = "participant-joined"
	SignalTypeOffer             SignalType = "offer"
	SignalTypeAnswer            SignalType = "answer"
	SignalTypeCandidate         SignalType = "ice-candidate"
	SignalTypeMediaToggle       SignalType = "media-toggle"
	SignalTypeChat              SignalType = "chat"
	SignalTypeParticipantLeft   SignalType = "participant-left"
	SignalTypeError             SignalType = "error"
)

// MaxChatLength caps the size of a chat text in bytes
const MaxChatLength = 4096

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrMalformed     = errors.New("malformed message")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidMedia  = errors.New("invalid media type")
	ErrChatTooLong   = errors.New("chat text too long")
	ErrEmptyChatText = errors.New("chat text is empty")
)

// Payload is one variant of the signaling message union. The set is closed,
// only the types declared in this file implement it.
type Payload interface {
	SignalType() SignalType
	validate() error
}

// Sender identifies the participant a relayed message comes from
type Sender struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
}

// SignalMessage is a signaling message: a variant plus the identity of its
// sender. From is stamped by the relay; anything a client puts there is
// overwritten.
type SignalMessage struct {
	From    *Sender
	Payload Payload
}

// Type returns the wire tag of the carried variant
func (m SignalMessage) Type() SignalType {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.SignalType()
}

// Join asks the relay to enter a room under the connection's identity
type Join struct {
	RoomID      string      `json:"roomId"`
	UserID      string      `json:"userId"`
	DisplayName string      `json:"displayName,omitempty"`
	MediaState  *MediaState `json:"mediaState,omitempty"`
}

// Leave is the explicit exit of a session
type Leave struct{}

// Roster is sent to a joiner and lists everyone already present
type Roster struct {
	RoomID       string        `json:"roomId"`
	Self         Participant   `json:"self"`
	Participants []Participant `json:"participants"`
}

// ParticipantJoined announces a new session to the rest of the room
type ParticipantJoined struct {
	UserID       string     `json:"userId"`
	ConnectionID string     `json:"connectionId"`
	DisplayName  string     `json:"displayName"`
	MediaState   MediaState `json:"mediaState"`
}

// Offer carries an opaque session description to one connection
type Offer struct {
	TargetConnectionID string `json:"targetConnectionId"`
	SDP                string `json:"sdp"`
}

// Answer carries an opaque session description to one connection
type Answer struct {
	TargetConnectionID string `json:"targetConnectionId"`
	SDP                string `json:"sdp"`
}

// IceCandidate carries an opaque reachability descriptor to one connection
type IceCandidate struct {
	TargetConnectionID string          `json:"targetConnectionId"`
	Candidate          json.RawMessage `json:"candidate"`
}

// MediaToggle flips one advisory media flag of the sender
type MediaToggle struct {
	MediaType MediaType `json:"mediaType"`
	Enabled   bool      `json:"enabled"`
}

// Chat is a room-scoped text message. ArrivalOrder and SentAt are only set
// on messages coming from the relay.
type Chat struct {
	Text         string `json:"text"`
	ArrivalOrder uint64 `json:"arrivalOrder,omitempty"`
	SentAt       int64  `json:"sentAt,omitempty"` // unix milliseconds
}

// ParticipantLeft announces that a session is gone
type ParticipantLeft struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// Error reports a rejected message back to its sender
type Error struct {
	Reason string `json:"reason"`
}

func (Join) SignalType() SignalType              { return SignalTypeJoin }
func (Leave) SignalType() SignalType             { return SignalTypeLeave }
func (Roster) SignalType() SignalType            { return SignalTypeRoster }
func (ParticipantJoined) SignalType() SignalType { return SignalTypeParticipantJoined }
func (Offer) SignalType() SignalType             { return SignalTypeOffer }
func (Answer) SignalType() SignalType            { return SignalTypeAnswer }
func (IceCandidate) SignalType() SignalType      { return SignalTypeCandidate }
func (MediaToggle) SignalType() SignalType       { return SignalTypeMediaToggle }
func (Chat) SignalType() SignalType              { return SignalTypeChat }
func (ParticipantLeft) SignalType() SignalType   { return SignalTypeParticipantLeft }
func (Error) SignalType() SignalType             { return SignalTypeError }

func (j Join) validate() error {
	if j.RoomID == "" {
		return fmt.Errorf("%w: roomId", ErrMissingField)
	}
	if j.UserID == "" {
		return fmt.Errorf("%w: userId", ErrMissingField)
	}
	return nil
}

func (Leave) validate() error { return nil }

func (r Roster) validate() error {
	if r.RoomID == "" {
		return fmt.Errorf("%w: roomId", ErrMissingField)
	}
	return nil
}

func (p ParticipantJoined) validate() error {
	if p.UserID == "" || p.ConnectionID == "" {
		return fmt.Errorf("%w: userId/connectionId", ErrMissingField)
	}
	return nil
}

func (o Offer) validate() error {
	if o.TargetConnectionID == "" {
		return fmt.Errorf("%w: targetConnectionId", ErrMissingField)
	}
	if o.SDP == "" {
		return fmt.Errorf("%w: sdp", ErrMissingField)
	}
	return nil
}

func (a Answer) validate() error {
	if a.TargetConnectionID == "" {
		return fmt.Errorf("%w: targetConnectionId", ErrMissingField)
	}
	if a.SDP == "" {
		return fmt.Errorf("%w: sdp", ErrMissingField)
	}
	return nil
}

func (c IceCandidate) validate() error {
	if c.TargetConnectionID == "" {
		return fmt.Errorf("%w: targetConnectionId", ErrMissingField)
	}
	if len(c.Candidate) == 0 {
		return fmt.Errorf("%w: candidate", ErrMissingField)
	}
	return nil
}

func (m MediaToggle) validate() error {
	if !m.MediaType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMedia, m.MediaType)
	}
	return nil
}

func (c Chat) validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return ErrEmptyChatText
	}
	if len(c.Text) > MaxChatLength {
		return ErrChatTooLong
	}
	if !utf8.ValidString(c.Text) {
		return fmt.Errorf("%w: chat text is not utf-8", ErrMalformed)
	}
	return nil
}

func (p ParticipantLeft) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: userId", ErrMissingField)
	}
	return nil
}

func (Error) validate() error { return nil }

// envelope is the JSON shape of every message on the wire
type envelope struct {
	Type    SignalType      `json:"type"`
	From    *Sender         `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// newPayload returns an empty variant for a wire tag
func newPayload(t SignalType) (Payload, error) {
	switch t {
	case SignalTypeJoin:
		return &Join{}, nil
	case SignalTypeLeave:
		return &Leave{}, nil
	case SignalTypeRoster:
		return &Roster{}, nil
	case SignalTypeParticipantJoined:
		return &ParticipantJoined{}, nil
	case SignalTypeOffer:
		return &Offer{}, nil
	case SignalTypeAnswer:
		return &Answer{}, nil
	case SignalTypeCandidate:
		return &IceCandidate{}, nil
	case SignalTypeMediaToggle:
		return &MediaToggle{}, nil
	case SignalTypeChat:
		return &Chat{}, nil
	case SignalTypeParticipantLeft:
		return &ParticipantLeft{}, nil
	case SignalTypeError:
		return &Error{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// deref turns the pointer produced by newPayload back into a value variant
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Join:
		return *v
	case *Leave:
		return *v
	case *Roster:
		return *v
	case *ParticipantJoined:
		return *v
	case *Offer:
		return *v
	case *Answer:
		return *v
	case *IceCandidate:
		return *v
	case *MediaToggle:
		return *v
	case *Chat:
		return *v
	case *ParticipantLeft:
		return *v
	case *Error:
		return *v
	}
	return p
}

// MarshalJSON encodes the message as a tagged envelope
func (m SignalMessage) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("%w: no payload", ErrMalformed)
	}
	body, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Type:    m.Payload.SignalType(),
		From:    m.From,
		Payload: body,
	})
}

// UnmarshalJSON decodes a tagged envelope and validates the variant
func (m *SignalMessage) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	p, err := newPayload(env.Type)
	if err != nil {
		return err
	}

	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
		}
	}

	payload := deref(p)
	if err := payload.validate(); err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}

	m.From = env.From
	m.Payload = payload
	return nil
}

// Encode marshals a message for the wire
func Encode(m SignalMessage) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a message from the wire
func Decode(data []byte) (SignalMessage, error) {
	var m SignalMessage
	if err := m.UnmarshalJSON(data); err != nil {
		return SignalMessage{}, err
	}
	return m, nil
}

// NewMessage builds a message about sender. A nil sender is allowed for
// relay-originated messages such as Error and Roster.
func NewMessage(from *Sender, payload Payload) SignalMessage {
	return SignalMessage{From: from, Payload: payload}
}
