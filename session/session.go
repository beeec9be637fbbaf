// Package session assembles the engine for one room: the rendezvous
// client, one supervisor per remote peer, the membership table and the
// broadcast scheduler, all owned by a per-room context. The caller
// observes membership and connection-state transitions through the
// event stream; network failures never surface as anything else.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/meshrtc/presence/broadcast"
	"github.com/meshrtc/presence/model"
	"github.com/meshrtc/presence/peer"
	"github.com/meshrtc/presence/rendezvous"
	"github.com/meshrtc/presence/room"
)

const (
	defaultLivenessTimeout = 45 * time.Second
	defaultEventBuffer     = 256

	janitorInterval      = 5 * time.Second
	supervisorStopBudget = 2 * time.Second
)

// ErrRoomFull is returned by Join when the room is at capacity; no
// session state is left behind.
var ErrRoomFull = rendezvous.ErrRoomFull

var ErrUnknownPeer = errors.New("no such peer")

type EventKind int

const (
	EventPeerState EventKind = iota
	EventRendezvousStatus
	EventControlMessage
	EventRemoteTrack
)

// Event is the caller-facing notification stream.
type Event struct {
	Kind      EventKind
	PeerID    string
	State     model.PeerState
	Connected bool // for EventRendezvousStatus
	Data      []byte
	Track     *webrtc.TrackRemote
}

// TransportFactory builds the pairwise transport for a new peer.
// Production uses the pion-backed one; tests substitute fakes.
type TransportFactory func(role model.Role) (peer.Transport, error)

type Config struct {
	Logger *zerolog.Logger

	// Endpoint is the rendezvous base URL, e.g. ws://localhost:8888.
	Endpoint string
	RoomID   string

	// PeerID overrides the generated local peer id; leave empty
	// outside of tests.
	PeerID string

	BroadcastRate      int
	NegotiationTimeout time.Duration
	LivenessTimeout    time.Duration
	MaxRestarts        int
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration

	ICEServers  []string
	LocalTracks []webrtc.TrackLocal

	TransportFactory TransportFactory
	EventBuffer      int
}

func (cfg *Config) withDefaults() {
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = defaultLivenessTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
}

type supEntry struct {
	sup    *peer.Supervisor
	cancel context.CancelFunc
}

// Session is one joined room.
type Session struct {
	logger zerolog.Logger
	cfg    Config

	rdv   *rendezvous.Client
	table *room.Table
	sched *broadcast.Scheduler

	mx   sync.Mutex
	sups map[string]*supEntry

	supEvents chan peer.Event
	events    chan Event

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config) (*Session, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("rendezvous endpoint is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	cfg.withDefaults()

	logger := cfg.Logger.With().
		Str("component", "session").
		Str("roomID", cfg.RoomID).
		Str("peerID", cfg.PeerID).Logger()

	s := &Session{
		logger:    logger,
		cfg:       cfg,
		table:     room.NewTable(),
		sups:      make(map[string]*supEntry),
		supEvents: make(chan peer.Event, 64),
		events:    make(chan Event, cfg.EventBuffer),
		done:      make(chan struct{}),
	}
	if s.cfg.TransportFactory == nil {
		s.cfg.TransportFactory = func(role model.Role) (peer.Transport, error) {
			return peer.NewWebRTCTransport(peer.TransportConfig{
				Logger:      cfg.Logger,
				ICEServers:  cfg.ICEServers,
				LocalTracks: cfg.LocalTracks,
			}, role)
		}
	}
	s.sched = broadcast.NewScheduler(broadcast.Config{
		Logger: cfg.Logger,
		Table:  s.table,
		Rate:   cfg.BroadcastRate,
	})
	s.rdv = rendezvous.NewClient(rendezvous.Config{
		Logger:        cfg.Logger,
		Endpoint:      cfg.Endpoint,
		RoomID:        cfg.RoomID,
		PeerID:        cfg.PeerID,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
	})
	return s, nil
}

// LocalPeerID returns the id this session joined under.
func (s *Session) LocalPeerID() string {
	return s.cfg.PeerID
}

// Events is the caller-facing event stream. It is closed after Leave.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Snapshot returns the current membership view, safe to iterate while
// the session keeps running.
func (s *Session) Snapshot() map[string]model.Peer {
	return s.table.Snapshot()
}

// SetLocalState updates the state broadcast to every connected peer on
// the next scheduler tick.
func (s *Session) SetLocalState(position model.Vec3, rotation model.Quat, custom map[string]any) {
	s.sched.SetLocal(position, rotation, custom)
}

// SendControl sends one message over the reliable control path to a
// single peer.
func (s *Session) SendControl(peerID string, data []byte) error {
	s.mx.Lock()
	entry, ok := s.sups[peerID]
	s.mx.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return entry.sup.Transport().SendControl(data)
}

// Join connects to the rendezvous service and starts the engine. The
// given context governs the whole session lifetime; Leave ends it
// early. A room at capacity returns ErrRoomFull and leaves nothing
// running.
func (s *Session) Join(ctx context.Context) error {
	s.mx.Lock()
	if s.started {
		s.mx.Unlock()
		return errors.New("session already joined")
	}
	s.mx.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.rdv.Connect(runCtx); err != nil {
		cancel()
		return err
	}

	s.mx.Lock()
	s.started = true
	s.cancel = cancel
	s.mx.Unlock()

	go s.sched.Run(runCtx)
	go s.run(runCtx)
	s.logger.Info().Msg("joined room")
	return nil
}

// Leave announces departure, tears down every peer, stops the
// scheduler and disconnects from the rendezvous service. It returns
// once teardown is complete or the context expires; no session
// goroutine outlives the call beyond that.
func (s *Session) Leave(ctx context.Context) error {
	s.mx.Lock()
	if !s.started {
		s.mx.Unlock()
		return nil
	}
	s.mx.Unlock()

	err := s.rdv.Leave(ctx)
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	s.logger.Info().Msg("left room")
	return err
}

func (s *Session) run(ctx context.Context) {
	janitor := time.NewTicker(janitorInterval)
	defer func() {
		janitor.Stop()
		s.teardown()
		close(s.events)
		close(s.done)
		s.logger.Debug().Msg("session stopped")
	}()

	rdvEvents := s.rdv.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-rdvEvents:
			if !ok {
				// the client is gone for good (terminal failure or
				// leave); peers keep running until the room is closed
				rdvEvents = nil
				continue
			}
			s.handleRendezvous(ctx, ev)

		case ev := <-s.supEvents:
			s.handleSupervisor(ev)

		case <-janitor.C:
			s.evictStale()
		}
	}
}

func (s *Session) handleRendezvous(ctx context.Context, ev rendezvous.Event) {
	switch ev.Kind {
	case rendezvous.EventStatus:
		s.emit(Event{Kind: EventRendezvousStatus, Connected: ev.Connected})

	case rendezvous.EventPeerJoined:
		if ev.PeerID == s.cfg.PeerID {
			return
		}
		role := model.RoleOfferer
		if ev.Existing {
			// they were in the room before us, so they offer
			role = model.RoleAnswerer
		}
		s.addPeer(ctx, ev.PeerID, role)

	case rendezvous.EventPeerLeft:
		s.removePeer(ev.PeerID, "peer left")

	case rendezvous.EventNegotiation:
		s.routeNegotiation(ctx, ev.Envelope)
	}
}

func (s *Session) routeNegotiation(ctx context.Context, env *model.Envelope) {
	if env.ToPeerID != s.cfg.PeerID {
		s.logger.Trace().Str("dst", env.ToPeerID).Msg("ignoring envelope for someone else")
		return
	}

	s.mx.Lock()
	entry, ok := s.sups[env.FromPeerID]
	s.mx.Unlock()

	if !ok {
		if env.Type != model.TypeOffer {
			s.logger.Debug().Str("type", env.Type).Str("src", env.FromPeerID).
				Msg("dropping negotiation message for unknown peer")
			return
		}
		// an offer may beat the membership event; the offerer saw us
		// join, so we answer
		entry = s.addPeer(ctx, env.FromPeerID, model.RoleAnswerer)
		if entry == nil {
			return
		}
	}

	if !entry.sup.Deliver(*env) {
		s.logger.Warn().Str("src", env.FromPeerID).Str("type", env.Type).
			Msg("supervisor inbox refused envelope")
	}
}

// addPeer creates the membership entry and supervisor for a newly
// observed peer. Duplicate joins (rendezvous roster replays after a
// reconnect) are ignored.
func (s *Session) addPeer(ctx context.Context, peerID string, role model.Role) *supEntry {
	s.mx.Lock()
	if entry, ok := s.sups[peerID]; ok {
		s.mx.Unlock()
		return entry
	}
	s.mx.Unlock()

	transport, err := s.cfg.TransportFactory(role)
	if err != nil {
		s.logger.Error().Err(err).Str("peerID", peerID).Msg("failed to build transport")
		return nil
	}

	s.table.AddPending(peerID)

	supCtx, cancel := context.WithCancel(ctx)
	sup := peer.NewSupervisor(peer.Config{
		Logger:             s.cfg.Logger,
		RoomID:             s.cfg.RoomID,
		LocalPeerID:        s.cfg.PeerID,
		PeerID:             peerID,
		Role:               role,
		Transport:          transport,
		SignalSend:         s.rdv.Send,
		Events:             s.supEvents,
		NegotiationTimeout: s.cfg.NegotiationTimeout,
		LivenessTimeout:    s.cfg.LivenessTimeout,
		MaxRestarts:        s.cfg.MaxRestarts,
	})
	entry := &supEntry{sup: sup, cancel: cancel}

	s.mx.Lock()
	s.sups[peerID] = entry
	s.mx.Unlock()

	sup.Start(supCtx)
	s.logger.Debug().Str("peerID", peerID).Str("role", role.String()).Msg("peer added")
	return entry
}

// removePeer is the single exit path for a peer: stop its supervisor,
// detach it from the scheduler, drop it from the table. Other peers
// are untouched.
func (s *Session) removePeer(peerID string, reason string) {
	s.mx.Lock()
	entry, ok := s.sups[peerID]
	if ok {
		delete(s.sups, peerID)
	}
	s.mx.Unlock()
	if !ok {
		return
	}

	entry.cancel()
	s.sched.Unregister(peerID)
	s.table.Remove(peerID)
	s.emit(Event{Kind: EventPeerState, PeerID: peerID, State: model.PeerClosed})
	s.logger.Debug().Str("peerID", peerID).Str("reason", reason).Msg("peer removed")
}

func (s *Session) handleSupervisor(ev peer.Event) {
	switch ev.Kind {
	case peer.EventStateChanged:
		if ev.State == model.PeerClosed {
			s.removePeer(ev.PeerID, "supervisor closed")
			return
		}
		s.table.SetState(ev.PeerID, ev.State)
		if ev.State == model.PeerConnected {
			s.mx.Lock()
			entry, ok := s.sups[ev.PeerID]
			s.mx.Unlock()
			if ok {
				s.sched.Register(ev.PeerID, entry.sup.Transport())
			}
		} else {
			s.sched.Unregister(ev.PeerID)
		}
		s.emit(Event{Kind: EventPeerState, PeerID: ev.PeerID, State: ev.State})

	case peer.EventInboundState:
		s.sched.HandleInbound(ev.PeerID, ev.Data)

	case peer.EventInboundControl:
		s.emit(Event{Kind: EventControlMessage, PeerID: ev.PeerID, Data: ev.Data})

	case peer.EventRemoteTrack:
		s.emit(Event{Kind: EventRemoteTrack, PeerID: ev.PeerID, Track: ev.Track})
	}
}

// evictStale garbage-collects peers whose negotiation never completed
// and who have been silent past the liveness bound.
func (s *Session) evictStale() {
	cutoff := time.Now().Add(-s.cfg.LivenessTimeout)
	for _, peerID := range s.table.Stale(cutoff) {
		s.logger.Warn().Str("peerID", peerID).Msg("evicting stale peer")
		s.removePeer(peerID, "stale")
	}
}

func (s *Session) teardown() {
	s.mx.Lock()
	entries := make(map[string]*supEntry, len(s.sups))
	for id, entry := range s.sups {
		entries[id] = entry
	}
	s.sups = make(map[string]*supEntry)
	s.mx.Unlock()

	for _, entry := range entries {
		entry.cancel()
	}
	budget := time.After(supervisorStopBudget)
	for id, entry := range entries {
		select {
		case <-entry.sup.Done():
		case <-budget:
			s.logger.Warn().Str("peerID", id).Msg("supervisor did not stop in time")
		}
		s.sched.Unregister(id)
		s.table.Remove(id)
	}
}

// emit never blocks the engine on a slow consumer: events are dropped
// with a warning once the buffer is full.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Int("kind", int(ev.Kind)).Msg("event buffer full, dropping event")
	}
}
