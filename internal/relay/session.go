package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Identity is the authenticated caller of a connection. It is trusted for
// the connection's lifetime.
type Identity struct {
	UserID      string
	DisplayName string
}

// Session is the per-connection context. It is created on connect and
// passed through every handler until the connection is gone.
type Session struct {
	ID       string // connection id
	Identity Identity

	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// owned by the read loop
	roomID      string
	participant models.Participant

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

func newSession(id string, ident Identity, conn *websocket.Conn, buffer int, log zerolog.Logger) *Session {
	return &Session{
		ID:       id,
		Identity: ident,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		log: log.With().
			Str("connection_id", id).
			Str("user_id", ident.UserID).
			Logger(),
	}
}

// Send queues frame for delivery without blocking. A connection whose
// queue is full is closed: a peer that silently misses roster changes is
// worse than one that reconnects.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
		s.log.Warn().Msg("Send buffer full, closing slow connection")
		s.close(websocket.ClosePolicyViolation, "send buffer overflow")
		return false
	}
}

// Evict disconnects a session superseded by a newer join of the same user
func (s *Session) Evict(reason string) {
	s.log.Info().Str("reason", reason).Msg("Evicting session")
	s.sendError(reason)
	s.close(websocket.ClosePolicyViolation, reason)
}

func (s *Session) sendError(reason string) {
	frame, err := models.Encode(models.NewMessage(nil, models.Error{Reason: reason}))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal error message")
		return
	}
	s.Send(frame)
}

// close stops the write loop, which flushes what is queued, sends a close
// frame and closes the socket. The read loop then fails and runs the leave
// path.
func (s *Session) close(code int, text string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeText = text
		close(s.done)
	})
}

func (s *Session) readPump(handle func([]byte)) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		handle(message)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug().Err(err).Msg("Failed to write message")
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-s.done:
			s.flush()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, s.closeText))
			return
		}
	}
}

// flush writes whatever is still queued, best effort
func (s *Session) flush() {
	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
