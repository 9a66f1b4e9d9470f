package peer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/rs/zerolog"
)

// State is the negotiation state of a Link
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateAnswerPending
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerPending:
		return "answer-pending"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// maxAttempts counts the first negotiation plus one retry
const maxAttempts = 2

type inputKind int

const (
	inOffer inputKind = iota
	inAnswer
	inCandidate
	inLocalCandidate
	inTransport
	inTimeout
	inClose
)

type input struct {
	kind      inputKind
	sdp       string
	candidate json.RawMessage
	transport TransportState
	gen       int
}

// Link is the negotiated connection to one remote participant. It is an
// actor: all state is owned by its goroutine and changed only by inputs
// from the relay, the transport and its own timer.
type Link struct {
	RemoteUserID       string
	RemoteConnectionID string
	Initiator          bool

	factory  Factory
	signaler Signaler
	timeout  time.Duration
	emit     func(Event)
	log      zerolog.Logger

	inbox *queue[input]
	done  chan struct{}

	// owned by run
	state       State
	pc          PeerConnection
	pcGen       int
	timer       *time.Timer
	timerGen    int
	remoteSet   bool
	pending     []json.RawMessage
	attempts    int
	unreachable bool
}

type linkConfig struct {
	factory  Factory
	signaler Signaler
	timeout  time.Duration
	emit     func(Event)
	log      zerolog.Logger
}

func newLink(remote models.Participant, initiator bool, cfg linkConfig) *Link {
	return &Link{
		RemoteUserID:       remote.UserID,
		RemoteConnectionID: remote.ConnectionID,
		Initiator:          initiator,
		factory:            cfg.factory,
		signaler:           cfg.signaler,
		timeout:            cfg.timeout,
		emit:               cfg.emit,
		log: cfg.log.With().
			Str("remote_user_id", remote.UserID).
			Str("remote_connection_id", remote.ConnectionID).
			Bool("initiator", initiator).
			Logger(),
		inbox: newQueue[input](),
		done:  make(chan struct{}),
	}
}

func (l *Link) deliver(in input) {
	l.inbox.put(in)
}

// Offer hands a remote offer to the link
func (l *Link) Offer(sdp string) { l.deliver(input{kind: inOffer, sdp: sdp}) }

// Answer hands a remote answer to the link
func (l *Link) Answer(sdp string) { l.deliver(input{kind: inAnswer, sdp: sdp}) }

// Candidate hands a remote ICE candidate to the link
func (l *Link) Candidate(c json.RawMessage) { l.deliver(input{kind: inCandidate, candidate: c}) }

// Close tears the link down. It returns at once; Done is closed when the
// teardown has finished.
func (l *Link) Close() {
	l.deliver(input{kind: inClose})
}

// Done is closed once the link has released its connection
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) run() {
	defer close(l.done)
	defer l.teardown()

	if l.Initiator {
		l.startOffer()
	}

	for range l.inbox.notify {
		for _, in := range l.inbox.take() {
			if in.kind == inClose {
				return
			}
			l.handle(in)
		}
		if l.inbox.isClosed() {
			return
		}
	}
}

func (l *Link) handle(in input) {
	switch in.kind {
	case inOffer:
		l.handleOffer(in.sdp)
	case inAnswer:
		l.handleAnswer(in.sdp)
	case inCandidate:
		l.handleCandidate(in.candidate)
	case inLocalCandidate:
		if in.gen == l.pcGen {
			l.signal("send candidate", models.IceCandidate{
				TargetConnectionID: l.RemoteConnectionID,
				Candidate:          in.candidate,
			})
		}
	case inTransport:
		if in.gen != l.pcGen {
			return
		}
		if in.transport == TransportFailed {
			l.fail("transport", ErrConnectionFailed)
		}
	case inTimeout:
		if in.gen != l.timerGen {
			return
		}
		switch l.state {
		case StateNew, StateOfferSent, StateAnswerPending:
			l.fail("negotiate", ErrNegotiationTimeout)
		}
	}
}

func (l *Link) startOffer() {
	if err := l.freshConnection(); err != nil {
		l.fail("create connection", err)
		return
	}
	sdp, err := l.pc.CreateOffer()
	if err != nil {
		l.fail("create offer", err)
		return
	}
	l.setState(StateOfferSent)
	l.armTimer()
	if !l.signal("send offer", models.Offer{TargetConnectionID: l.RemoteConnectionID, SDP: sdp}) {
		l.fail("send offer", ErrConnectionFailed)
	}
}

func (l *Link) handleOffer(sdp string) {
	if l.unreachable {
		l.unreachable = false
		l.attempts = 0
	}
	if l.state != StateNew || l.pc == nil {
		// A renegotiation starts over; candidates queued so far belonged
		// to the previous attempt.
		if l.state != StateNew {
			l.pending = nil
		}
		if err := l.freshConnection(); err != nil {
			l.fail("create connection", err)
			return
		}
	}

	l.setState(StateAnswerPending)
	l.armTimer()

	if err := l.pc.SetRemoteDescription(SDPOffer, sdp); err != nil {
		l.fail("apply offer", err)
		return
	}
	l.remoteApplied()

	answer, err := l.pc.CreateAnswer()
	if err != nil {
		l.fail("create answer", err)
		return
	}
	if !l.signal("send answer", models.Answer{TargetConnectionID: l.RemoteConnectionID, SDP: answer}) {
		l.fail("send answer", ErrConnectionFailed)
		return
	}
	l.connected()
}

func (l *Link) handleAnswer(sdp string) {
	if l.state != StateOfferSent {
		l.log.Debug().Str("state", l.state.String()).Msg("Ignoring unexpected answer")
		return
	}
	if err := l.pc.SetRemoteDescription(SDPAnswer, sdp); err != nil {
		l.fail("apply answer", err)
		return
	}
	l.remoteApplied()
	l.connected()
}

// connected ends a negotiation. A later failure gets its own retry.
func (l *Link) connected() {
	l.stopTimer()
	l.attempts = 0
	l.setState(StateConnected)
}

func (l *Link) handleCandidate(c json.RawMessage) {
	if l.pc == nil || !l.remoteSet {
		l.pending = append(l.pending, c)
		return
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		l.log.Warn().Err(err).Msg("Failed to add ICE candidate")
	}
}

// remoteApplied flushes candidates that arrived early, in arrival order
func (l *Link) remoteApplied() {
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Warn().Err(err).Msg("Failed to add queued ICE candidate")
		}
	}
}

// fail handles a failed negotiation. The first failure is retried from
// scratch: the initiator offers again, the responder waits for that offer.
// A second failure leaves the link unreachable until the participant
// leaves or offers again.
func (l *Link) fail(op string, err error) {
	l.attempts++
	l.stopTimer()
	l.closeConnection()
	l.pending = nil

	lerr := &LinkError{Op: op, RemoteUserID: l.RemoteUserID, Err: err}
	l.log.Warn().Err(err).Str("op", op).Int("attempt", l.attempts).Msg("Negotiation failed")
	l.setStateErr(StateFailed, lerr)

	if l.attempts >= maxAttempts {
		l.unreachable = true
		l.emit(Event{
			Kind:         EventUnreachable,
			UserID:       l.RemoteUserID,
			ConnectionID: l.RemoteConnectionID,
			State:        StateFailed,
			Err:          &LinkError{Op: op, RemoteUserID: l.RemoteUserID, Err: ErrPeerUnreachable},
		})
		return
	}

	l.setState(StateNew)
	if l.Initiator {
		l.startOffer()
		return
	}
	l.armTimer()
}

func (l *Link) freshConnection() error {
	l.closeConnection()

	pc, err := l.factory.NewPeerConnection()
	if err != nil {
		return err
	}
	l.pcGen++
	gen := l.pcGen
	pc.OnICECandidate(func(c json.RawMessage) {
		l.deliver(input{kind: inLocalCandidate, candidate: c, gen: gen})
	})
	pc.OnTransportStateChange(func(s TransportState) {
		l.deliver(input{kind: inTransport, transport: s, gen: gen})
	})
	l.pc = pc
	return nil
}

func (l *Link) closeConnection() {
	l.remoteSet = false
	if l.pc == nil {
		return
	}
	if err := l.pc.Close(); err != nil {
		l.log.Debug().Err(err).Msg("Failed to close peer connection")
	}
	l.pc = nil
}

func (l *Link) armTimer() {
	l.stopTimer()
	gen := l.timerGen
	l.timer = time.AfterFunc(l.timeout, func() {
		l.deliver(input{kind: inTimeout, gen: gen})
	})
}

func (l *Link) stopTimer() {
	l.timerGen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// signal sends through the relay. The send is bounded by the negotiation
// timeout so a stuck transport cannot hold the link forever.
func (l *Link) signal(op string, payload models.Payload) bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.signaler.Send(ctx, payload); err != nil {
		l.log.Warn().Err(err).Str("op", op).Msg("Failed to send signaling message")
		return false
	}
	return true
}

func (l *Link) setState(s State) {
	l.setStateErr(s, nil)
}

func (l *Link) setStateErr(s State, err error) {
	if l.state == s && err == nil {
		return
	}
	l.log.Debug().Str("from", l.state.String()).Str("to", s.String()).Msg("Link state changed")
	l.state = s
	l.emit(Event{
		Kind:         EventLinkState,
		UserID:       l.RemoteUserID,
		ConnectionID: l.RemoteConnectionID,
		State:        s,
		Err:          err,
	})
}

func (l *Link) teardown() {
	l.inbox.close()
	l.stopTimer()
	l.closeConnection()
	l.pending = nil
	l.setState(StateClosed)
}
