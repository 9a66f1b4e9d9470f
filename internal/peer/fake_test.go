package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeConn struct {
	id int

	mu      sync.Mutex
	ops     []string
	closed  bool
	onICE   func(json.RawMessage)
	onState func(TransportState)
}

func (c *fakeConn) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
}

func (c *fakeConn) CreateOffer() (string, error) {
	return fmt.Sprintf("offer-%d", c.id), nil
}

func (c *fakeConn) CreateAnswer() (string, error) {
	return fmt.Sprintf("answer-%d", c.id), nil
}

func (c *fakeConn) SetRemoteDescription(kind SDPKind, sdp string) error {
	c.record("remote:" + sdp)
	return nil
}

func (c *fakeConn) AddICECandidate(candidate json.RawMessage) error {
	c.record("cand:" + string(candidate))
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *fakeConn) OnTransportStateChange(fn func(TransportState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) fireState(s TransportState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(s)
}

func (c *fakeConn) fireICE(candidate string) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	fn(json.RawMessage(candidate))
}

func (c *fakeConn) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{id: len(f.conns) + 1}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// conn returns the connection with the given id, counting from 1
func (f *fakeFactory) conn(t *testing.T, id int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= id }, waitFor, tick, "connection %d never created", id)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[id-1]
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []models.Payload
}

func (s *fakeSignaler) Send(ctx context.Context, payload models.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return nil
}

func (s *fakeSignaler) all() []models.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Payload(nil), s.sent...)
}

type fakeMedia struct {
	mu      sync.Mutex
	enabled map[models.MediaType]bool
	closed  bool
}

func (m *fakeMedia) SetEnabled(t models.MediaType, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled == nil {
		m.enabled = make(map[models.MediaType]bool)
	}
	m.enabled[t] = enabled
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type harness struct {
	t       *testing.T
	orch    *Orchestrator
	factory *fakeFactory
	sig     *fakeSignaler
	local   *fakeMedia

	mu      sync.Mutex
	events  []Event
	drained chan struct{}
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		factory: &fakeFactory{},
		sig:     &fakeSignaler{},
		local:   &fakeMedia{},
		drained: make(chan struct{}),
	}
	h.orch = New(Options{
		Factory:            h.factory,
		Signaler:           h.sig,
		LocalMedia:         h.local,
		NegotiationTimeout: timeout,
		Logger:             zerolog.Nop(),
	})
	go func() {
		defer close(h.drained)
		for ev := range h.orch.Events() {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		h.orch.Close()
		<-h.drained
	})
	return h
}

func sender(user, conn string) *models.Sender {
	return &models.Sender{UserID: user, ConnectionID: conn, DisplayName: user}
}

func member(user, conn string) models.Participant {
	return models.Participant{UserID: user, ConnectionID: conn, DisplayName: user, Media: models.DefaultMediaState()}
}

func (h *harness) roster(others ...models.Participant) {
	h.orch.Handle(models.NewMessage(nil, models.Roster{
		RoomID:       "room",
		Self:         member("alice", "c-alice"),
		Participants: others,
	}))
}

func (h *harness) joined(user, conn string) {
	h.orch.Handle(models.NewMessage(sender(user, conn), models.ParticipantJoined{
		UserID:       user,
		ConnectionID: conn,
		DisplayName:  user,
		MediaState:   models.DefaultMediaState(),
	}))
}

func (h *harness) from(user, conn string, p models.Payload) {
	h.orch.Handle(models.NewMessage(sender(user, conn), p))
}

// sentWhere returns the sent payloads matching pred
func (h *harness) sentWhere(pred func(models.Payload) bool) []models.Payload {
	var out []models.Payload
	for _, p := range h.sig.all() {
		if pred(p) {
			out = append(out, p)
		}
	}
	return out
}

func offersTo(conn string) func(models.Payload) bool {
	return func(p models.Payload) bool {
		o, ok := p.(models.Offer)
		return ok && o.TargetConnectionID == conn
	}
}

func answersTo(conn string) func(models.Payload) bool {
	return func(p models.Payload) bool {
		a, ok := p.(models.Answer)
		return ok && a.TargetConnectionID == conn
	}
}

// waitSent waits until n payloads match pred and returns them
func (h *harness) waitSent(n int, pred func(models.Payload) bool) []models.Payload {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.sentWhere(pred)) >= n }, waitFor, tick,
		"expected %d matching messages, sent: %+v", n, h.sig.all())
	return h.sentWhere(pred)
}

func (h *harness) eventsWhere(pred func(Event) bool) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) waitEvent(pred func(Event) bool) Event {
	h.t.Helper()
	var found Event
	require.Eventually(h.t, func() bool {
		evs := h.eventsWhere(pred)
		if len(evs) == 0 {
			return false
		}
		found = evs[len(evs)-1]
		return true
	}, waitFor, tick)
	return found
}

func linkState(user string, s State) func(Event) bool {
	return func(ev Event) bool {
		return ev.Kind == EventLinkState && ev.UserID == user && ev.State == s
	}
}

func unreachable(user string) func(Event) bool {
	return func(ev Event) bool {
		return ev.Kind == EventUnreachable && ev.UserID == user
	}
}
