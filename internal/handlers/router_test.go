package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/meet-signaling/internal/middleware"
	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/mossy-p/meet-signaling/internal/registry"
	"github.com/mossy-p/meet-signaling/internal/relay"
	"github.com/mossy-p/meet-signaling/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "router-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type apiEnv struct {
	router   *gin.Engine
	registry *registry.Registry
	store    *store.MemoryStore
	relay    *relay.Relay
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	reg := registry.New(registry.Options{Logger: zerolog.Nop()})
	st := store.NewMemoryStore()
	rl := relay.New(relay.Options{Registry: reg, Store: st, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rl.Shutdown(ctx)
	})

	return &apiEnv{
		router: NewRouter(RouterConfig{
			JWTSecret:      testSecret,
			AllowedOrigins: []string{"https://meet.example.com"},
			Store:          st,
			Registry:       reg,
			Relay:          rl,
			Logger:         zerolog.Nop(),
		}),
		registry: reg,
		store:    st,
		relay:    rl,
	}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, user, strings.ToUpper(user[:1])+user[1:], time.Hour)
	require.NoError(t, err)
	return tok
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestLogin(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "alice", Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[LoginResponse](t, w)
	assert.Equal(t, "alice", resp.UserID)
	assert.Equal(t, "alice", resp.DisplayName)

	claims, err := middleware.ParseToken(testSecret, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)

	assert.True(t, resp.ExpiresAt.After(time.Now()))

	w = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "   ", Password: "pw"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: " bob ", Password: "pw", DisplayName: " Bob "})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[LoginResponse](t, w)
	assert.Equal(t, "bob", resp.UserID)
	assert.Equal(t, "Bob", resp.DisplayName)
}

func TestRoomLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	alice := token(t, "alice")

	w := env.do(t, http.MethodPost, "/api/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/rooms", alice, models.CreateRoomRequest{MaxParticipants: 4})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[models.CreateRoomResponse](t, w)
	assert.Len(t, created.Code, store.RoomCodeLength)
	assert.True(t, env.registry.Exists(created.RoomID), "scheduled rooms are provisioned right away")

	// by code and by id
	for _, ref := range []string{created.Code, created.RoomID} {
		w = env.do(t, http.MethodGet, "/api/rooms/"+ref, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		meeting := decode[models.Meeting](t, w)
		assert.Equal(t, created.RoomID, meeting.ID)
		assert.Equal(t, 4, meeting.MaxParticipants)
		assert.Equal(t, "alice", meeting.CreatorID)
		assert.Equal(t, 0, meeting.ParticipantCount)
	}

	w = env.do(t, http.MethodGet, "/api/rooms/"+created.Code+"/participants", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	parts := decode[models.RoomParticipantsResponse](t, w)
	assert.Empty(t, parts.Participants)

	w = env.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, token(t, "bob"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.registry.Exists(created.RoomID))

	w = env.do(t, http.MethodGet, "/api/rooms/"+created.RoomID, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRoomDefaultsAndValidation(t *testing.T) {
	env := newAPIEnv(t)
	alice := token(t, "alice")

	w := env.do(t, http.MethodPost, "/api/rooms", alice, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[models.CreateRoomResponse](t, w)
	meeting, err := env.store.GetMeeting(context.Background(), created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxParticipants, meeting.MaxParticipants)

	w = env.do(t, http.MethodPost, "/api/rooms", alice, models.CreateRoomRequest{MaxParticipants: 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParticipantsAndChatOfLiveRoom(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	_, err := env.registry.JoinOrReplace("live", models.Participant{UserID: "alice", ConnectionID: "c-a"}, nopSink{})
	require.NoError(t, err)
	require.NoError(t, env.store.AppendChatMessage(ctx, "live", models.ChatMessage{
		RoomID: "live", SenderID: "alice", Text: "hi", ArrivalOrder: 1, SentAt: time.Now(),
	}))

	// the roster exposes connection ids, which are unicast addresses
	w := env.do(t, http.MethodGet, "/api/rooms/live/participants", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bob := token(t, "bob")
	w = env.do(t, http.MethodGet, "/api/rooms/live/participants", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	parts := decode[models.RoomParticipantsResponse](t, w)
	require.Len(t, parts.Participants, 1)
	assert.Equal(t, "alice", parts.Participants[0].UserID)

	w = env.do(t, http.MethodGet, "/api/rooms/nowhere/participants", bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/rooms/live/chat", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/rooms/live/chat", token(t, "alice"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[models.ChatHistoryResponse](t, w)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "hi", history.Messages[0].Text)
}

func TestOriginFilter(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "https://meet.example.com")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://meet.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	env.registry.Provision("scheduled", "scheduled", 4)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","rooms":1,"sessions":0}`, w.Body.String())
}

func TestSignalingEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token(t, "alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	join, err := models.Encode(models.NewMessage(nil, models.Join{RoomID: "room", UserID: "alice"}))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, join))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := models.Decode(data)
	require.NoError(t, err)
	roster, ok := msg.Payload.(models.Roster)
	require.True(t, ok, "expected a roster, got %s", msg.Type())
	assert.Equal(t, "Alice", roster.Self.DisplayName, "display name comes from the token")
	assert.Equal(t, 1, env.relay.SessionCount())
}

type nopSink struct{}

func (nopSink) Send([]byte) bool { return true }
func (nopSink) Evict(string)     {}
