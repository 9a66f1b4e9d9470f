package peer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/meet-signaling/internal/models"
	"github.com/rs/zerolog"
)

// DefaultNegotiationTimeout bounds the wait for an answer or a re-offer
const DefaultNegotiationTimeout = 15 * time.Second

// EventKind identifies what an Event reports
type EventKind int

const (
	EventRoster EventKind = iota
	EventParticipantJoined
	EventParticipantLeft
	EventLinkState
	EventUnreachable
	EventMedia
	EventChat
	EventError
)

// Event is a change the UI may want to render
type Event struct {
	Kind         EventKind
	UserID       string
	ConnectionID string
	DisplayName  string
	State        State
	Media        models.MediaState
	Participants []models.Participant
	Chat         *models.ChatMessage
	Err          error
}

// Options configures an Orchestrator
type Options struct {
	Factory  Factory
	Signaler Signaler
	// LocalMedia is released when the orchestrator closes. Optional.
	LocalMedia         LocalMedia
	NegotiationTimeout time.Duration
	Logger             zerolog.Logger
}

// Orchestrator keeps one Link per remote participant, driven only by
// messages from the relay. Links negotiate independently; the orchestrator
// lock only guards the link table.
type Orchestrator struct {
	factory  Factory
	signaler Signaler
	local    LocalMedia
	timeout  time.Duration
	log      zerolog.Logger

	media  *MediaTracker
	events *queue[Event]
	out    chan Event

	mu     sync.Mutex
	self   models.Participant
	roomID string
	links  map[string]*Link // remote userID -> link
	closed bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	o := &Orchestrator{
		factory:  opts.Factory,
		signaler: opts.Signaler,
		local:    opts.LocalMedia,
		timeout:  opts.NegotiationTimeout,
		log:      opts.Logger.With().Str("component", "orchestrator").Logger(),
		media:    NewMediaTracker(),
		events:   newQueue[Event](),
		out:      make(chan Event),
		links:    make(map[string]*Link),
	}
	go o.pumpEvents()
	return o
}

// Events returns the stream of changes. It is closed after Close.
func (o *Orchestrator) Events() <-chan Event {
	return o.out
}

// Media returns the tracker of advisory media flags
func (o *Orchestrator) Media() *MediaTracker {
	return o.media
}

// Self returns the local participant record from the last roster
func (o *Orchestrator) Self() models.Participant {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.self
}

// LinkCount returns the number of live links
func (o *Orchestrator) LinkCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.links)
}

// Join announces the local participant to a room
func (o *Orchestrator) Join(ctx context.Context, join models.Join) error {
	if o.isClosed() {
		return ErrClosed
	}
	if join.MediaState != nil && o.local != nil {
		o.local.SetEnabled(models.MediaTypeVideo, join.MediaState.Video)
		o.local.SetEnabled(models.MediaTypeAudio, join.MediaState.Audio)
		o.local.SetEnabled(models.MediaTypeScreenShare, join.MediaState.ScreenShare)
	}
	return o.signaler.Send(ctx, join)
}

// SetMedia flips a local flag and tells the room about it. The tracker is
// updated when the relay echoes the toggle back.
func (o *Orchestrator) SetMedia(ctx context.Context, mediaType models.MediaType, enabled bool) error {
	if o.isClosed() {
		return ErrClosed
	}
	if !mediaType.Valid() {
		return models.ErrInvalidMedia
	}
	if o.local != nil {
		o.local.SetEnabled(mediaType, enabled)
	}
	return o.signaler.Send(ctx, models.MediaToggle{MediaType: mediaType, Enabled: enabled})
}

// SendChat posts a chat message to the room
func (o *Orchestrator) SendChat(ctx context.Context, text string) error {
	if o.isClosed() {
		return ErrClosed
	}
	return o.signaler.Send(ctx, models.Chat{Text: text})
}

// Handle applies one message from the relay. It never blocks on a link.
func (o *Orchestrator) Handle(msg models.SignalMessage) {
	from := msg.From
	switch p := msg.Payload.(type) {
	case models.Roster:
		o.handleRoster(p)
	case models.ParticipantJoined:
		o.handleJoined(p)
	case models.Offer:
		if from == nil {
			return
		}
		if l := o.linkForOffer(from); l != nil {
			l.Offer(p.SDP)
		}
	case models.Answer:
		if l := o.linkFrom(from); l != nil {
			l.Answer(p.SDP)
		}
	case models.IceCandidate:
		if l := o.linkFrom(from); l != nil {
			l.Candidate(p.Candidate)
		}
	case models.MediaToggle:
		if from == nil {
			return
		}
		if state, ok := o.media.Apply(from.UserID, p.MediaType, p.Enabled); ok {
			o.emit(Event{Kind: EventMedia, UserID: from.UserID, ConnectionID: from.ConnectionID, Media: state})
		}
	case models.Chat:
		if from == nil {
			return
		}
		o.emit(Event{
			Kind:   EventChat,
			UserID: from.UserID,
			Chat: &models.ChatMessage{
				RoomID:       o.currentRoom(),
				SenderID:     from.UserID,
				SenderName:   from.DisplayName,
				Text:         p.Text,
				ArrivalOrder: p.ArrivalOrder,
				SentAt:       time.UnixMilli(p.SentAt),
			},
		})
	case models.ParticipantLeft:
		o.handleLeft(p)
	case models.Error:
		o.emit(Event{Kind: EventError, Err: errors.New(p.Reason)})
	default:
		o.log.Debug().Str("type", string(msg.Type())).Msg("Ignoring message")
	}
}

// handleRoster makes the newcomer offer to everyone already present. The
// members never offer towards a newcomer, which rules out glare.
func (o *Orchestrator) handleRoster(r models.Roster) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	stale := o.detachAllLocked()
	o.self = r.Self
	o.roomID = r.RoomID
	o.media.Reset(append([]models.Participant{r.Self}, r.Participants...))
	o.emit(Event{Kind: EventRoster, Participants: r.Participants})
	for _, p := range r.Participants {
		o.startLinkLocked(p, true)
	}
	o.mu.Unlock()

	closeLinks(stale)
}

func (o *Orchestrator) handleJoined(p models.ParticipantJoined) {
	o.mu.Lock()
	if o.closed || p.UserID == o.self.UserID {
		o.mu.Unlock()
		return
	}
	var stale []*Link
	if old, ok := o.links[p.UserID]; ok {
		stale = append(stale, old)
		delete(o.links, p.UserID)
	}
	o.media.Set(p.UserID, p.MediaState)
	o.emit(Event{
		Kind:         EventParticipantJoined,
		UserID:       p.UserID,
		ConnectionID: p.ConnectionID,
		DisplayName:  p.DisplayName,
		Media:        p.MediaState,
	})
	o.startLinkLocked(models.Participant{UserID: p.UserID, ConnectionID: p.ConnectionID, DisplayName: p.DisplayName}, false)
	o.mu.Unlock()

	closeLinks(stale)
}

func (o *Orchestrator) handleLeft(p models.ParticipantLeft) {
	o.mu.Lock()
	l, ok := o.links[p.UserID]
	if ok && p.ConnectionID != "" && l.RemoteConnectionID != p.ConnectionID {
		// departure of a session that was already replaced
		ok = false
	}
	if ok {
		delete(o.links, p.UserID)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	l.Close()
	o.media.Remove(p.UserID)
	o.emit(Event{Kind: EventParticipantLeft, UserID: p.UserID, ConnectionID: p.ConnectionID})
}

// linkForOffer returns the link an offer belongs to. An offer from a
// connection the link does not know means the remote side reconnected; the
// link is rebuilt for the new session.
func (o *Orchestrator) linkForOffer(from *models.Sender) *Link {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	l, ok := o.links[from.UserID]
	if ok && l.RemoteConnectionID == from.ConnectionID {
		o.mu.Unlock()
		return l
	}
	var stale []*Link
	if ok {
		stale = append(stale, l)
		delete(o.links, from.UserID)
	}
	l = o.startLinkLocked(models.Participant{
		UserID:       from.UserID,
		ConnectionID: from.ConnectionID,
		DisplayName:  from.DisplayName,
	}, false)
	o.mu.Unlock()

	closeLinks(stale)
	return l
}

// linkFrom returns the link of the sending session, or nil when the
// message comes from a session the link does not belong to.
func (o *Orchestrator) linkFrom(from *models.Sender) *Link {
	if from == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.links[from.UserID]
	if !ok || (from.ConnectionID != "" && l.RemoteConnectionID != from.ConnectionID) {
		return nil
	}
	return l
}

func (o *Orchestrator) startLinkLocked(remote models.Participant, initiator bool) *Link {
	l := newLink(remote, initiator, linkConfig{
		factory:  o.factory,
		signaler: o.signaler,
		timeout:  o.timeout,
		emit:     o.emit,
		log:      o.log,
	})
	o.links[remote.UserID] = l
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		l.run()
	}()
	return l
}

func (o *Orchestrator) detachAllLocked() []*Link {
	links := make([]*Link, 0, len(o.links))
	for id, l := range o.links {
		links = append(links, l)
		delete(o.links, id)
	}
	return links
}

// Links returns the remote user ids with a live link, sorted
func (o *Orchestrator) Links() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.links))
	for id := range o.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every link and releases local media. It is the only
// teardown path, used for an explicit leave and for transport loss alike.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		links := o.detachAllLocked()
		o.mu.Unlock()

		closeLinks(links)
		o.wg.Wait()

		if o.local != nil {
			err = o.local.Close()
		}
		o.events.close()
	})
	return err
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) currentRoom() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.roomID
}

func (o *Orchestrator) emit(e Event) {
	o.events.put(e)
}

func (o *Orchestrator) pumpEvents() {
	defer close(o.out)
	for range o.events.notify {
		for _, e := range o.events.take() {
			o.out <- e
		}
		if o.events.isClosed() {
			// drain anything queued between take and close
			for _, e := range o.events.take() {
				o.out <- e
			}
			return
		}
	}
}

func closeLinks(links []*Link) {
	for _, l := range links {
		l.Close()
	}
}
