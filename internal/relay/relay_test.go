package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/mossy-p/meet-signaling/internal/registry"
	"github.com/mossy-p/meet-signaling/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	relay    *Relay
	registry *registry.Registry
	store    *store.MemoryStore
	url      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	var rl *Relay
	reg := registry.New(registry.Options{
		Logger:       zerolog.Nop(),
		OnRoomClosed: func(roomID string) { rl.RoomClosed(roomID) },
	})
	st := store.NewMemoryStore()
	rl = New(Options{Registry: reg, Store: st, Logger: zerolog.Nop(), SendBuffer: 64})

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rl.Serve(conn, Identity{
			UserID:      r.URL.Query().Get("user"),
			DisplayName: r.URL.Query().Get("name"),
		})
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rl.Shutdown(ctx)
		srv.Close()
	})

	return &testEnv{
		relay:    rl,
		registry: reg,
		store:    st,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

type testClient struct {
	t    *testing.T
	user string
	conn *websocket.Conn
	self models.Participant
}

func (e *testEnv) dial(t *testing.T, user string) *testClient {
	t.Helper()
	q := url.Values{"user": {user}, "name": {strings.ToUpper(user[:1]) + user[1:]}}
	conn, _, err := websocket.DefaultDialer.Dial(e.url+"?"+q.Encode(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, user: user, conn: conn}
}

func (c *testClient) send(p models.Payload) {
	c.t.Helper()
	data, err := models.Encode(models.NewMessage(nil, p))
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *testClient) next() models.SignalMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "%s: waiting for a message", c.user)
	msg, err := models.Decode(data)
	require.NoError(c.t, err)
	return msg
}

func expectPayload[T models.Payload](c *testClient) (T, *models.Sender) {
	c.t.Helper()
	msg := c.next()
	p, ok := msg.Payload.(T)
	require.True(c.t, ok, "%s: expected %T, got %s %+v", c.user, *new(T), msg.Type(), msg.Payload)
	return p, msg.From
}

func (c *testClient) join(room string) models.Roster {
	c.t.Helper()
	c.send(models.Join{RoomID: room, UserID: c.user})
	roster, _ := expectPayload[models.Roster](c)
	c.self = roster.Self
	return roster
}

// expectClosed reads until the server closes the connection and returns the
// close code.
func (c *testClient) expectClosed() int {
	c.t.Helper()
	for {
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if assert.ErrorAs(c.t, err, &ce, "%s: expected a close frame", c.user) {
			return ce.Code
		}
		return 0
	}
}

func TestTwoPartyCall(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	roster := alice.join("standup")
	assert.Equal(t, "standup", roster.RoomID)
	assert.Empty(t, roster.Participants)
	assert.Equal(t, "Alice", roster.Self.DisplayName)
	assert.Equal(t, models.DefaultMediaState(), roster.Self.Media)

	roster = bob.join("standup")
	require.Len(t, roster.Participants, 1)
	assert.Equal(t, "alice", roster.Participants[0].UserID)
	assert.Equal(t, alice.self.ConnectionID, roster.Participants[0].ConnectionID)

	joined, _ := expectPayload[models.ParticipantJoined](alice)
	assert.Equal(t, "bob", joined.UserID)
	assert.Equal(t, bob.self.ConnectionID, joined.ConnectionID)
	assert.Equal(t, "Bob", joined.DisplayName)

	// the newcomer offers, bodies pass through untouched
	bob.send(models.Offer{TargetConnectionID: alice.self.ConnectionID, SDP: "v=0 offer"})
	offer, from := expectPayload[models.Offer](alice)
	assert.Equal(t, "v=0 offer", offer.SDP)
	assert.Equal(t, bob.self.ConnectionID, from.ConnectionID)
	assert.Equal(t, "bob", from.UserID)

	alice.send(models.Answer{TargetConnectionID: from.ConnectionID, SDP: "v=0 answer"})
	answer, from := expectPayload[models.Answer](bob)
	assert.Equal(t, "v=0 answer", answer.SDP)
	assert.Equal(t, alice.self.ConnectionID, from.ConnectionID)

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 4000 typ host","sdpMid":"0"}`)
	bob.send(models.IceCandidate{TargetConnectionID: alice.self.ConnectionID, Candidate: candidate})
	cand, _ := expectPayload[models.IceCandidate](alice)
	assert.JSONEq(t, string(candidate), string(cand.Candidate))

	// media toggles reach everyone including the sender
	bob.send(models.MediaToggle{MediaType: models.MediaTypeVideo, Enabled: false})
	for _, c := range []*testClient{alice, bob} {
		toggle, from := expectPayload[models.MediaToggle](c)
		assert.Equal(t, models.MediaTypeVideo, toggle.MediaType)
		assert.False(t, toggle.Enabled)
		assert.Equal(t, "bob", from.UserID)
	}
	snap, err := env.registry.Snapshot("standup")
	require.NoError(t, err)
	assert.False(t, snap[1].Media.Video)

	// chat is ordered by arrival at the relay
	alice.send(models.Chat{Text: "hello"})
	first, _ := expectPayload[models.Chat](alice)
	bob.send(models.Chat{Text: "hi alice"})
	for _, c := range []*testClient{alice, bob} {
		if c == bob {
			got, _ := expectPayload[models.Chat](c)
			assert.Equal(t, first, got)
		}
		second, from := expectPayload[models.Chat](c)
		assert.Equal(t, "hi alice", second.Text)
		assert.Equal(t, uint64(2), second.ArrivalOrder)
		assert.Equal(t, "Bob", from.DisplayName)
	}
	assert.Equal(t, uint64(1), first.ArrivalOrder)
	assert.NotZero(t, first.SentAt)

	// an abrupt disconnect announces departure to the rest
	bob.conn.Close()
	left, _ := expectPayload[models.ParticipantLeft](alice)
	assert.Equal(t, "bob", left.UserID)
	assert.Equal(t, bob.self.ConnectionID, left.ConnectionID)
	assert.Eventually(t, func() bool { return env.registry.Count("standup") == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.relay.Shutdown(ctx))
	assert.Equal(t, websocket.CloseGoingAway, alice.expectClosed())

	history, err := env.store.ListChatHistory(ctx, "standup")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Text)
	assert.Equal(t, "alice", history[0].SenderID)
	assert.Empty(t, env.store.ParticipantRecords("standup"))
}

func TestReconnectReplacesSession(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	alice.join("room")
	bob.join("room")
	expectPayload[models.ParticipantJoined](alice)

	alice2 := env.dial(t, "alice")
	roster := alice2.join("room")
	require.Len(t, roster.Participants, 1)
	assert.Equal(t, "bob", roster.Participants[0].UserID)

	// bob sees the old session leave before the new one joins
	left, _ := expectPayload[models.ParticipantLeft](bob)
	assert.Equal(t, alice.self.ConnectionID, left.ConnectionID)
	joined, _ := expectPayload[models.ParticipantJoined](bob)
	assert.Equal(t, alice2.self.ConnectionID, joined.ConnectionID)

	evicted, _ := expectPayload[models.Error](alice)
	assert.Contains(t, evicted.Reason, "superseded")
	assert.Equal(t, websocket.ClosePolicyViolation, alice.expectClosed())

	// signaling to the stale connection goes nowhere
	bob.send(models.Offer{TargetConnectionID: alice.self.ConnectionID, SDP: "stale"})
	bob.send(models.Offer{TargetConnectionID: alice2.self.ConnectionID, SDP: "fresh"})
	offer, _ := expectPayload[models.Offer](alice2)
	assert.Equal(t, "fresh", offer.SDP)

	// the old session's teardown does not announce a second departure
	alice2.send(models.Chat{Text: "back"})
	chat, _ := expectPayload[models.Chat](bob)
	assert.Equal(t, "back", chat.Text)
	assert.Equal(t, 2, env.registry.Count("room"))
}

func TestRoomsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	carol := env.dial(t, "carol")

	alice.join("one")
	carol.join("one")
	expectPayload[models.ParticipantJoined](alice)
	bob.join("two")

	// a target in another room is unreachable
	bob.send(models.Offer{TargetConnectionID: alice.self.ConnectionID, SDP: "cross-room"})
	bob.send(models.Chat{Text: "only room two"})
	chat, _ := expectPayload[models.Chat](bob)
	assert.Equal(t, "only room two", chat.Text)

	carol.send(models.Chat{Text: "only room one"})
	got, _ := expectPayload[models.Chat](alice)
	assert.Equal(t, "only room one", got.Text)
	assert.Equal(t, uint64(1), got.ArrivalOrder, "chat order is per room")
}

func TestRejectedMessages(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")

	alice.send(models.Offer{TargetConnectionID: "somebody", SDP: "v=0"})
	e, _ := expectPayload[models.Error](alice)
	assert.Equal(t, registry.ErrNotJoined.Error(), e.Reason)

	alice.send(models.Join{RoomID: "room", UserID: "mallory"})
	e, _ = expectPayload[models.Error](alice)
	assert.Contains(t, e.Reason, "does not match")

	alice.sendRaw(`{"type":"join"`)
	e, _ = expectPayload[models.Error](alice)
	assert.Contains(t, e.Reason, "malformed")

	alice.sendRaw(`{"type":"warp","payload":{}}`)
	e, _ = expectPayload[models.Error](alice)
	assert.Contains(t, e.Reason, "unknown message type")

	alice.join("room")
	alice.send(models.ParticipantLeft{UserID: "bob"})
	e, _ = expectPayload[models.Error](alice)
	assert.Contains(t, e.Reason, "only sent by the server")

	// the session stays usable after rejections
	alice.send(models.Chat{Text: "still here"})
	chat, _ := expectPayload[models.Chat](alice)
	assert.Equal(t, "still here", chat.Text)
}

func TestScheduledRoomCapacityAndCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreateMeeting(ctx, &models.Meeting{
		ID:              "meeting-1",
		Code:            "ABCD23",
		MaxParticipants: 2,
		Scheduled:       true,
	}))

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	carol := env.dial(t, "carol")

	roster := alice.join("ABCD23")
	assert.Equal(t, "meeting-1", roster.RoomID)
	bob.join("meeting-1")

	carol.send(models.Join{RoomID: "ABCD23", UserID: "carol"})
	e, _ := expectPayload[models.Error](carol)
	assert.Equal(t, registry.ErrRoomFull.Error(), e.Reason)
	assert.Equal(t, 2, env.registry.Count("meeting-1"))
}

func TestExplicitLeave(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	alice.join("room")
	bob.join("room")
	expectPayload[models.ParticipantJoined](alice)

	bob.send(models.Leave{})
	left, _ := expectPayload[models.ParticipantLeft](alice)
	assert.Equal(t, "bob", left.UserID)
	assert.Equal(t, websocket.CloseNormalClosure, bob.expectClosed())

	assert.Eventually(t, func() bool { return env.relay.SessionCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestChatSkipsParticipantsWhoLeft(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	carol := env.dial(t, "carol")

	alice.join("room")
	bob.join("room")
	carol.join("room")
	expectPayload[models.ParticipantJoined](alice)
	expectPayload[models.ParticipantJoined](alice)
	expectPayload[models.ParticipantJoined](bob)

	bob.send(models.Leave{})
	for _, c := range []*testClient{alice, carol} {
		left, _ := expectPayload[models.ParticipantLeft](c)
		assert.Equal(t, "bob", left.UserID)
	}

	carol.send(models.Chat{Text: "is bob gone?"})
	for _, c := range []*testClient{alice, carol} {
		chat, from := expectPayload[models.Chat](c)
		assert.Equal(t, "is bob gone?", chat.Text)
		assert.Equal(t, "carol", from.UserID)
	}

	// bob sees nothing after his own departure
	bob.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := bob.conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := models.Decode(data)
		require.NoError(t, err)
		assert.NotEqual(t, models.SignalTypeChat, msg.Type(), "bob received chat after leaving")
	}

	snap, err := env.registry.Snapshot("room")
	require.NoError(t, err)
	var users []string
	for _, p := range snap {
		users = append(users, p.UserID)
	}
	assert.ElementsMatch(t, []string{"alice", "carol"}, users)
}

func TestClosedAdHocRoomIsForgotten(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreateMeeting(ctx, &models.Meeting{
		ID:              "meeting-1",
		Code:            "ABCD23",
		MaxParticipants: 4,
		Scheduled:       true,
	}))

	alice := env.dial(t, "alice")
	alice.join("adhoc")
	alice.send(models.Chat{Text: "anyone?"})
	expectPayload[models.Chat](alice)
	_, err := env.store.GetMeeting(ctx, "adhoc")
	require.NoError(t, err)

	alice.join("ABCD23")
	alice.send(models.Chat{Text: "scheduled"})
	expectPayload[models.Chat](alice)
	alice.send(models.Leave{})
	alice.expectClosed()

	require.Eventually(t, func() bool {
		_, err := env.store.GetMeeting(ctx, "adhoc")
		return errors.Is(err, store.ErrMeetingNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	history, err := env.store.ListChatHistory(ctx, "adhoc")
	require.NoError(t, err)
	assert.Empty(t, history)

	// the scheduled meeting outlives its empty room
	require.Eventually(t, func() bool { return !env.registry.Exists("meeting-1") }, time.Second, 10*time.Millisecond)
	meeting, err := env.store.GetMeeting(ctx, "meeting-1")
	require.NoError(t, err)
	assert.True(t, meeting.Scheduled)
}

func TestRejoinMovesConnection(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	bob.join("one")
	alice.join("one")
	expectPayload[models.ParticipantJoined](bob)

	roster := alice.join("two")
	assert.Empty(t, roster.Participants)

	left, _ := expectPayload[models.ParticipantLeft](bob)
	assert.Equal(t, "alice", left.UserID)
	assert.Equal(t, 1, env.registry.Count("one"))
	assert.Equal(t, 1, env.registry.Count("two"))
}

func TestShutdownRefusesNewConnections(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.relay.Shutdown(ctx))

	c := env.dial(t, "late")
	assert.Equal(t, websocket.CloseGoingAway, c.expectClosed())
}
