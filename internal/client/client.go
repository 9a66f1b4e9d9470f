package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrTransportClosed is returned once the signaling connection is gone
var ErrTransportClosed = errors.New("signaling transport closed")

// Client manages the WebSocket connection to the signaling server
type Client struct {
	conn     *websocket.Conn
	incoming chan models.SignalMessage
	outgoing chan []byte
	done     chan struct{}
	log      zerolog.Logger

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to serverURL, authenticating with token
func Dial(ctx context.Context, serverURL, token string, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan models.SignalMessage, 64),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
		log:      log.With().Str("component", "signaling").Logger(),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.shutdown(ErrTransportClosed)
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setErr(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			}
			return
		}

		msg, err := models.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropped malformed message from server")
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown(fmt.Errorf("%w: %v", ErrTransportClosed, err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("%w: %v", ErrTransportClosed, err))
				return
			}

		case <-c.done:
			// Flush what is queued, a Leave is usually among it
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues a message for the server. It never blocks longer than the
// context allows.
func (c *Client) Send(ctx context.Context, payload models.Payload) error {
	data, err := models.Encode(models.NewMessage(nil, payload))
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return c.Err()
	default:
	}

	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Incoming returns the channel of messages from the server. It is closed
// when the transport goes away.
func (c *Client) Incoming() <-chan models.SignalMessage {
	return c.incoming
}

// Done is closed once the client is shutting down
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the transport closed
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrTransportClosed
	}
	return c.err
}

// Close flushes pending messages and closes the connection
func (c *Client) Close() {
	c.shutdown(ErrTransportClosed)
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) shutdown(err error) {
	c.setErr(err)
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
