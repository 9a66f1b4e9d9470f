package peer

import (
	"encoding/json"
	"testing"

	"github.com/mossy-p/meet-signaling/internal/models"
	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionFactoryICEServers(t *testing.T) {
	f := NewPionFactory(ICEConfig{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
		TURNServers: []string{"turn:turn.example.com:3478"},
		TURNUser:    "user",
		TURNPass:    "pass",
	}, nil)

	require.Len(t, f.config.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, f.config.ICEServers[0].URLs)
	assert.Equal(t, "user", f.config.ICEServers[1].Username)
	assert.Equal(t, "pass", f.config.ICEServers[1].Credential)

	assert.Empty(t, NewPionFactory(ICEConfig{}, nil).config.ICEServers)
}

func TestPionOfferAnswer(t *testing.T) {
	tracks, err := NewLocalTracks("alice")
	require.NoError(t, err)
	defer tracks.Close()

	offerer, err := NewPionFactory(ICEConfig{}, tracks).NewPeerConnection()
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := NewPionFactory(ICEConfig{}, nil).NewPeerConnection()
	require.NoError(t, err)
	defer answerer.Close()

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "m=video")

	require.NoError(t, answerer.SetRemoteDescription(SDPOffer, offer))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	assert.Contains(t, answer, "m=audio")

	require.NoError(t, offerer.SetRemoteDescription(SDPAnswer, answer))
}

func TestPionRejectsMalformedCandidate(t *testing.T) {
	conn, err := NewPionFactory(ICEConfig{}, nil).NewPeerConnection()
	require.NoError(t, err)
	defer conn.Close()

	assert.Error(t, conn.AddICECandidate(json.RawMessage(`not json`)))
}

func TestTransportStateMapping(t *testing.T) {
	cases := map[pion.PeerConnectionState]TransportState{
		pion.PeerConnectionStateNew:          TransportNew,
		pion.PeerConnectionStateConnecting:   TransportConnecting,
		pion.PeerConnectionStateConnected:    TransportConnected,
		pion.PeerConnectionStateDisconnected: TransportDisconnected,
		pion.PeerConnectionStateFailed:       TransportFailed,
		pion.PeerConnectionStateClosed:       TransportClosed,
	}
	for in, want := range cases {
		assert.Equal(t, want, transportState(in), in.String())
	}
}

func TestLocalTracks(t *testing.T) {
	tracks, err := NewLocalTracks("alice")
	require.NoError(t, err)

	assert.True(t, tracks.Enabled(models.MediaTypeAudio))
	assert.True(t, tracks.Enabled(models.MediaTypeVideo))
	assert.False(t, tracks.Enabled(models.MediaTypeScreenShare))

	tracks.SetEnabled(models.MediaTypeVideo, false)
	assert.False(t, tracks.Enabled(models.MediaTypeVideo))
	assert.Equal(t, models.MediaState{Audio: true}, tracks.State())

	require.NoError(t, tracks.Close())
	assert.False(t, tracks.Enabled(models.MediaTypeAudio))
	assert.Equal(t, models.MediaState{}, tracks.State())
}
