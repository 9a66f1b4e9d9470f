package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mossy-p/meet-signaling/internal/models"
	pion "github.com/pion/webrtc/v4"
)

// ICEConfig lists the STUN and TURN servers handed to every connection
type ICEConfig struct {
	STUNServers []string
	TURNServers []string
	TURNUser    string
	TURNPass    string
}

// PionFactory builds PeerConnections on pion
type PionFactory struct {
	config pion.Configuration
	tracks *LocalTracks
}

// NewPionFactory creates a factory. tracks may be nil for a receive-only
// client.
func NewPionFactory(ice ICEConfig, tracks *LocalTracks) *PionFactory {
	var servers []pion.ICEServer
	if len(ice.STUNServers) > 0 {
		servers = append(servers, pion.ICEServer{URLs: ice.STUNServers})
	}
	if len(ice.TURNServers) > 0 {
		servers = append(servers, pion.ICEServer{
			URLs:       ice.TURNServers,
			Username:   ice.TURNUser,
			Credential: ice.TURNPass,
		})
	}
	return &PionFactory{
		config: pion.Configuration{ICEServers: servers},
		tracks: tracks,
	}
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := pion.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if f.tracks != nil {
		for _, track := range f.tracks.all() {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
		}
	} else {
		for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
				Direction: pion.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *pion.PeerConnection
}

func (c *pionConn) CreateOffer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return c.pc.LocalDescription().SDP, nil
}

func (c *pionConn) CreateAnswer() (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return c.pc.LocalDescription().SDP, nil
}

func (c *pionConn) SetRemoteDescription(kind SDPKind, sdp string) error {
	desc := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp}
	if kind == SDPAnswer {
		desc.Type = pion.SDPTypeAnswer
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(candidate json.RawMessage) error {
	var ice pion.ICECandidateInit
	if err := json.Unmarshal(candidate, &ice); err != nil {
		return fmt.Errorf("parse ICE candidate: %w", err)
	}
	return c.pc.AddICECandidate(ice)
}

func (c *pionConn) OnICECandidate(fn func(candidate json.RawMessage)) {
	c.pc.OnICECandidate(func(cand *pion.ICECandidate) {
		if cand == nil {
			return
		}
		data, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

func (c *pionConn) OnTransportStateChange(fn func(state TransportState)) {
	c.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		fn(transportState(s))
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

func transportState(s pion.PeerConnectionState) TransportState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return TransportConnecting
	case pion.PeerConnectionStateConnected:
		return TransportConnected
	case pion.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case pion.PeerConnectionStateFailed:
		return TransportFailed
	case pion.PeerConnectionStateClosed:
		return TransportClosed
	}
	return TransportNew
}

// LocalTracks is the local capture shared by every connection. Capture
// itself happens elsewhere: samples are written to the tracks by whoever
// owns the devices.
type LocalTracks struct {
	Audio *pion.TrackLocalStaticSample
	Video *pion.TrackLocalStaticSample

	mu     sync.Mutex
	state  models.MediaState
	closed bool
}

// NewLocalTracks creates an opus audio and a VP8 video track
func NewLocalTracks(streamID string) (*LocalTracks, error) {
	audio, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	return &LocalTracks{Audio: audio, Video: video, state: models.DefaultMediaState()}, nil
}

func (t *LocalTracks) all() []pion.TrackLocal {
	return []pion.TrackLocal{t.Audio, t.Video}
}

// SetEnabled records whether a local source should be sent
func (t *LocalTracks) SetEnabled(mediaType models.MediaType, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Set(mediaType, enabled)
}

// State returns the local media flags
func (t *LocalTracks) State() models.MediaState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Enabled reports whether samples for mediaType should be written
func (t *LocalTracks) Enabled(mediaType models.MediaType) bool {
	st := t.State()
	switch mediaType {
	case models.MediaTypeAudio:
		return st.Audio && !t.isClosed()
	case models.MediaTypeVideo:
		return st.Video && !t.isClosed()
	case models.MediaTypeScreenShare:
		return st.ScreenShare && !t.isClosed()
	}
	return false
}

func (t *LocalTracks) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops every local source
func (t *LocalTracks) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.state = models.MediaState{}
	return nil
}
