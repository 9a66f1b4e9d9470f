package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/mossy-p/meet-signaling/internal/registry"
	"github.com/mossy-p/meet-signaling/internal/store"
	"github.com/rs/zerolog"
)

// Options configures a Relay
type Options struct {
	Registry     *registry.Registry
	Store        store.Store
	Logger       zerolog.Logger
	SendBuffer   int
	StoreTimeout time.Duration
}

// Relay routes signaling messages between the sessions of a room. It never
// looks inside offers, answers or candidates.
type Relay struct {
	reg        *registry.Registry
	store      store.Store
	log        zerolog.Logger
	sendBuffer int

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	active   sync.WaitGroup

	persist *persister
}

// New creates a relay. A nil store falls back to an in-memory one.
func New(opts Options) *Relay {
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	log := opts.Logger.With().Str("component", "relay").Logger()

	return &Relay{
		reg:        opts.Registry,
		store:      opts.Store,
		log:        log,
		sendBuffer: opts.SendBuffer,
		sessions:   make(map[string]*Session),
		persist:    newPersister(opts.StoreTimeout, log),
	}
}

// Serve runs a connection until it goes away. Every exit, graceful or not,
// goes through the same leave path.
func (r *Relay) Serve(conn *websocket.Conn, ident Identity) {
	s := newSession(uuid.New().String(), ident, conn, r.sendBuffer, r.log)
	if !r.register(s) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ErrShuttingDown.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.log.Info().Msg("Connection opened")

	go s.writePump()
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic in connection handler")
		}
		r.leave(s, "disconnect")
		s.close(websocket.CloseNormalClosure, "")
		r.unregister(s)
		s.log.Info().Msg("Connection closed")
	}()

	s.readPump(func(frame []byte) {
		r.handleFrame(s, frame)
	})
}

func (r *Relay) register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.sessions[s.ID] = s
	r.active.Add(1)
	return true
}

func (r *Relay) unregister(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	r.active.Done()
}

// SessionCount returns the number of open connections
func (r *Relay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every session, waits for their leave paths and drains
// pending store writes.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	for _, s := range r.sessions {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.persist.stop(ctx)
}

func (r *Relay) handleFrame(s *Session, frame []byte) {
	msg, err := models.Decode(frame)
	if err != nil {
		r.reject(s, &ProtocolError{Op: "decode", Err: err})
		return
	}
	if err := r.dispatch(s, msg); err != nil {
		r.reject(s, err)
	}
}

// reject reports a dropped message to its sender only
func (r *Relay) reject(s *Session, err error) {
	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		s.log.Debug().Err(err).Msg("Dropped malformed message")
	case errors.Is(err, registry.ErrRoomFull), errors.Is(err, registry.ErrNotJoined):
		s.log.Info().Err(err).Msg("Rejected message")
	default:
		s.log.Warn().Err(err).Msg("Failed to handle message")
	}
	s.sendError(reason(err))
}

// reason is the text reported in an Error message
func reason(err error) string {
	for _, known := range []error{registry.ErrRoomFull, registry.ErrNotJoined} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

func (r *Relay) dispatch(s *Session, msg models.SignalMessage) error {
	switch p := msg.Payload.(type) {
	case models.Join:
		return r.handleJoin(s, p)
	case models.Leave:
		r.leave(s, "leave")
		s.close(websocket.CloseNormalClosure, "left")
		return nil
	case models.Offer:
		return r.forward(s, p.TargetConnectionID, p)
	case models.Answer:
		return r.forward(s, p.TargetConnectionID, p)
	case models.IceCandidate:
		return r.forward(s, p.TargetConnectionID, p)
	case models.MediaToggle:
		return r.handleMediaToggle(s, p)
	case models.Chat:
		return r.handleChat(s, p)
	case models.Roster, models.ParticipantJoined, models.ParticipantLeft, models.Error:
		return &ProtocolError{Op: string(msg.Type()), Err: ErrServerOnly}
	}
	return &ProtocolError{Op: string(msg.Type()), Err: models.ErrUnknownType}
}

func (r *Relay) handleJoin(s *Session, j models.Join) error {
	if j.UserID != s.Identity.UserID {
		return &ProtocolError{Op: "join", Err: ErrIdentityMismatch}
	}

	// A second join on the same connection moves it
	if s.roomID != "" {
		r.leave(s, "rejoin")
	}

	roomID, capacity := r.resolveRoom(j.RoomID)

	media := models.DefaultMediaState()
	if j.MediaState != nil {
		media = *j.MediaState
	}
	name := s.Identity.DisplayName
	if name == "" {
		name = j.DisplayName
	}
	if name == "" {
		name = s.Identity.UserID
	}

	p := models.Participant{
		UserID:       s.Identity.UserID,
		ConnectionID: s.ID,
		DisplayName:  name,
		Media:        media,
	}

	var evicted *registry.Evicted
	err := r.reg.Update(roomID, true, func(tx *registry.Tx) error {
		if capacity > 0 {
			tx.SetCapacity(capacity)
		}

		roster, ev, err := tx.JoinOrReplace(p, s)
		if err != nil {
			return err
		}
		evicted = ev
		p, _ = tx.Member(p.UserID)

		if ev != nil {
			left := models.NewMessage(ev.Participant.Sender(), models.ParticipantLeft{
				UserID:       ev.Participant.UserID,
				ConnectionID: ev.Participant.ConnectionID,
			})
			if err := broadcast(tx, left, p.ConnectionID); err != nil {
				return err
			}
		}

		joined := models.NewMessage(p.Sender(), models.ParticipantJoined{
			UserID:       p.UserID,
			ConnectionID: p.ConnectionID,
			DisplayName:  p.DisplayName,
			MediaState:   p.Media,
		})
		if err := broadcast(tx, joined, p.ConnectionID); err != nil {
			return err
		}

		frame, err := models.Encode(models.NewMessage(nil, models.Roster{
			RoomID:       roomID,
			Self:         p,
			Participants: roster,
		}))
		if err != nil {
			return err
		}
		if err := tx.Unicast(p.ConnectionID, frame); err != nil {
			s.log.Warn().Err(err).Msg("Failed to deliver roster")
		}

		r.persist.enqueue("upsert participant", func(ctx context.Context) error {
			return r.store.UpsertParticipantRecord(ctx, roomID, p)
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}

	s.roomID = roomID
	s.participant = p

	if evicted != nil {
		evicted.Sink.Evict("superseded by a newer session")
	}
	s.log.Info().
		Str("room_id", roomID).
		Str("display_name", p.DisplayName).
		Bool("replaced", evicted != nil).
		Msg("Participant joined room")
	return nil
}

// resolveRoom maps a share code to its room and loads the meeting record.
// Store failures are logged and the join goes ahead with what is known.
func (r *Relay) resolveRoom(identifier string) (string, int) {
	ctx, cancel := r.persist.context()
	defer cancel()

	roomID, err := r.store.ResolveRoomID(ctx, identifier)
	if err != nil {
		r.log.Warn().Err(err).Str("room", identifier).Msg("Failed to resolve room code")
		roomID = identifier
	}

	meeting, err := r.store.GetOrCreateMeeting(ctx, roomID)
	if err != nil {
		r.log.Warn().Err(err).Str("room_id", roomID).Msg("Failed to load meeting")
		return roomID, 0
	}
	return roomID, meeting.MaxParticipants
}

// RoomClosed forgets the durable records of an ad hoc room once the
// registry has dropped it. Scheduled meetings keep theirs until deleted
// through the rooms API, and rooms emptied by Shutdown keep everything.
func (r *Relay) RoomClosed(roomID string) {
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing {
		return
	}

	r.persist.enqueue("forget room", func(ctx context.Context) error {
		// rejoined while the write was queued
		if r.reg.Exists(roomID) {
			return nil
		}
		meeting, err := r.store.GetMeeting(ctx, roomID)
		if errors.Is(err, store.ErrMeetingNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if meeting.Scheduled {
			return nil
		}
		if err := r.store.DeleteMeeting(ctx, roomID); err != nil && !errors.Is(err, store.ErrMeetingNotFound) {
			return err
		}
		r.log.Debug().Str("room_id", roomID).Msg("Forgot ad hoc room")
		return nil
	})
}

// leave is the single exit funnel: explicit Leave, rejoin, transport loss
// and shutdown all end up here. A session that was already replaced by a
// newer one of the same user leaves nothing behind and announces nothing.
func (r *Relay) leave(s *Session, cause string) {
	roomID := s.roomID
	if roomID == "" {
		return
	}
	s.roomID = ""

	var left bool
	err := r.reg.Update(roomID, false, func(tx *registry.Tx) error {
		p, ok := tx.Leave(s.Identity.UserID, s.ID)
		if !ok {
			return nil
		}
		left = true

		msg := models.NewMessage(p.Sender(), models.ParticipantLeft{
			UserID:       p.UserID,
			ConnectionID: p.ConnectionID,
		})
		if err := broadcast(tx, msg, ""); err != nil {
			return err
		}

		r.persist.enqueue("delete participant", func(ctx context.Context) error {
			return r.store.DeleteParticipantRecord(ctx, roomID, p.UserID)
		})
		return nil
	})
	if err != nil && !errors.Is(err, registry.ErrRoomNotFound) {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("Failed to leave room")
		return
	}
	if left {
		s.log.Info().Str("room_id", roomID).Str("cause", cause).Msg("Participant left room")
	}
}

// forward unicasts a point-to-point message. A departed target is an
// expected race and is dropped silently.
func (r *Relay) forward(s *Session, target string, payload models.Payload) error {
	if s.roomID == "" {
		return registry.ErrNotJoined
	}

	frame, err := models.Encode(models.NewMessage(s.participant.Sender(), payload))
	if err != nil {
		return err
	}

	err = r.reg.Update(s.roomID, false, func(tx *registry.Tx) error {
		if _, ok := tx.ByConnection(s.ID); !ok {
			return registry.ErrNotJoined
		}
		return tx.Unicast(target, frame)
	})
	switch {
	case errors.Is(err, registry.ErrTargetNotFound), errors.Is(err, registry.ErrDeliveryFailed):
		s.log.Debug().
			Str("type", string(payload.SignalType())).
			Str("target", target).
			Err(err).
			Msg("Dropped signaling message")
		return nil
	case err != nil:
		return err
	}
	return nil
}

func (r *Relay) handleMediaToggle(s *Session, t models.MediaToggle) error {
	if s.roomID == "" {
		return registry.ErrNotJoined
	}
	return r.reg.Update(s.roomID, false, func(tx *registry.Tx) error {
		if _, ok := tx.ByConnection(s.ID); !ok {
			return registry.ErrNotJoined
		}
		p, ok, err := tx.SetMedia(s.Identity.UserID, t.MediaType, t.Enabled)
		if err != nil {
			return &ProtocolError{Op: "media-toggle", Err: err}
		}
		if !ok {
			return nil
		}
		return broadcast(tx, models.NewMessage(p.Sender(), t), "")
	})
}

func (r *Relay) handleChat(s *Session, c models.Chat) error {
	if s.roomID == "" {
		return registry.ErrNotJoined
	}
	roomID := s.roomID
	return r.reg.Update(roomID, false, func(tx *registry.Tx) error {
		p, ok := tx.ByConnection(s.ID)
		if !ok {
			return registry.ErrNotJoined
		}

		msg := tx.AppendChat(models.ChatMessage{
			SenderID:   p.UserID,
			SenderName: p.DisplayName,
			Text:       c.Text,
		})
		out := models.NewMessage(p.Sender(), models.Chat{
			Text:         msg.Text,
			ArrivalOrder: msg.ArrivalOrder,
			SentAt:       msg.SentAt.UnixMilli(),
		})
		if err := broadcast(tx, out, ""); err != nil {
			return err
		}

		r.persist.enqueue("append chat", func(ctx context.Context) error {
			return r.store.AppendChatMessage(ctx, roomID, msg)
		})
		return nil
	})
}

func broadcast(tx *registry.Tx, msg models.SignalMessage, exceptConnectionID string) error {
	frame, err := models.Encode(msg)
	if err != nil {
		return err
	}
	tx.Broadcast(frame, exceptConnectionID)
	return nil
}
