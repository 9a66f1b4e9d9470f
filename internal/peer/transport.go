package peer

import (
	"context"
	"encoding/json"

	"github.com/mossy-p/meet-signaling/internal/models"
)

// SDPKind tells an offer from an answer
type SDPKind int

const (
	SDPOffer SDPKind = iota
	SDPAnswer
)

// TransportState is the connectivity of a negotiated connection
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

// PeerConnection is the media transport towards one remote participant.
// Callbacks may fire on any goroutine.
type PeerConnection interface {
	// CreateOffer creates an offer, applies it locally and returns its SDP
	CreateOffer() (string, error)
	// CreateAnswer creates an answer, applies it locally and returns its SDP
	CreateAnswer() (string, error)
	SetRemoteDescription(kind SDPKind, sdp string) error
	AddICECandidate(candidate json.RawMessage) error
	OnICECandidate(fn func(candidate json.RawMessage))
	OnTransportStateChange(fn func(state TransportState))
	Close() error
}

// Factory creates a fresh PeerConnection for every negotiation attempt
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}

// Signaler sends messages to the signaling server
type Signaler interface {
	Send(ctx context.Context, payload models.Payload) error
}

// LocalMedia is the local capture shared by every link
type LocalMedia interface {
	SetEnabled(mediaType models.MediaType, enabled bool)
	Close() error
}
