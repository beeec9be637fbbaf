// Package peer manages one remote participant: the negotiation state
// machine and the transport channels that come out of it. Each
// supervisor runs a single dispatch goroutine, so negotiation messages
// for its peer are handled strictly in arrival order while peers never
// wait on each other.
package peer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/meshrtc/presence/model"
)

const (
	defaultNegotiationTimeout = 30 * time.Second
	defaultMaxRestarts        = 2

	inboxSize = 32

	livenessCheckInterval = 5 * time.Second
)

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventInboundState
	EventInboundControl
	EventRemoteTrack
)

// Event is what a supervisor reports upward to the session.
type Event struct {
	Kind   EventKind
	PeerID string
	State  model.PeerState
	Data   []byte
	Track  *webrtc.TrackRemote
}

type Config struct {
	Logger *zerolog.Logger

	RoomID      string
	LocalPeerID string
	PeerID      string
	Role        model.Role

	Transport Transport

	// SignalSend relays negotiation envelopes through the rendezvous
	// client.
	SignalSend func(model.Envelope) error

	// Events is the session's shared sink for supervisor events.
	Events chan<- Event

	NegotiationTimeout time.Duration
	LivenessTimeout    time.Duration
	MaxRestarts        int
}

func (cfg *Config) withDefaults() {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = defaultMaxRestarts
	}
}

// Supervisor owns one peer's lifecycle. Closed is terminal: a peer
// that rejoins gets a brand new supervisor.
type Supervisor struct {
	logger zerolog.Logger
	cfg    Config

	inbox chan model.Envelope
	done  chan struct{}

	// fields below are touched only by the run goroutine
	state         model.PeerState
	remoteApplied bool
	pending       []json.RawMessage
	restarts      int
	lastInbound   time.Time
}

func NewSupervisor(cfg Config) *Supervisor {
	cfg.withDefaults()
	return &Supervisor{
		logger: cfg.Logger.With().
			Str("component", "peer-supervisor").
			Str("peerID", cfg.PeerID).
			Str("role", cfg.Role.String()).Logger(),
		cfg:   cfg,
		inbox: make(chan model.Envelope, inboxSize),
		done:  make(chan struct{}),
		state: model.PeerPending,
	}
}

// Start launches the dispatch loop.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

// Deliver hands a negotiation envelope to the supervisor. Envelopes
// are processed in delivery order. Returns false if the supervisor is
// gone or saturated; the peer will then fail negotiation on its own
// timeout rather than stalling anyone else.
func (s *Supervisor) Deliver(env model.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- env:
		return true
	default:
		return false
	}
}

// Done closes when the supervisor has reached Closed and released its
// transport.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Transport exposes the underlying channel set for the broadcast
// scheduler once the peer is Connected.
func (s *Supervisor) Transport() Transport {
	return s.cfg.Transport
}

func (s *Supervisor) run(ctx context.Context) {
	defer func() {
		if err := s.cfg.Transport.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("transport close failed")
		}
		s.setState(ctx, model.PeerClosed)
		close(s.done)
		s.logger.Debug().Msg("supervisor stopped")
	}()

	negotiation := time.NewTimer(s.cfg.NegotiationTimeout)
	defer negotiation.Stop()

	liveness := time.NewTicker(livenessCheckInterval)
	defer liveness.Stop()

	if s.cfg.Role == model.RoleOfferer {
		if !s.startOffer(ctx, false) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case env := <-s.inbox:
			if !s.handleSignal(ctx, env) {
				return
			}

		case ev := <-s.cfg.Transport.Events():
			if !s.handleTransport(ctx, ev, negotiation) {
				return
			}

		case <-negotiation.C:
			if s.state != model.PeerConnected {
				s.logger.Warn().Str("state", s.state.String()).
					Msg("negotiation timed out")
				return
			}

		case <-liveness.C:
			if !s.checkLiveness(ctx, negotiation) {
				return
			}
		}
	}
}

// handleSignal applies one negotiation envelope. Returns false when
// the supervisor should shut down.
func (s *Supervisor) handleSignal(ctx context.Context, env model.Envelope) bool {
	switch env.Type {
	case model.TypeOffer:
		s.setState(ctx, model.PeerNegotiating)
		answer, err := s.cfg.Transport.HandleOffer(ctx, env.Payload)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to handle offer")
			return false
		}
		s.remoteApplied = true
		s.replayCandidates()
		return s.signal(model.TypeAnswer, answer)

	case model.TypeAnswer:
		if err := s.cfg.Transport.HandleAnswer(ctx, env.Payload); err != nil {
			s.logger.Error().Err(err).Msg("failed to handle answer")
			return false
		}
		s.remoteApplied = true
		s.replayCandidates()
		return true

	case model.TypeICECandidate:
		if !s.remoteApplied {
			// candidates that outran their description wait for it;
			// arrival order must be preserved
			s.pending = append(s.pending, env.Payload)
			return true
		}
		if err := s.cfg.Transport.AddCandidate(env.Payload); err != nil {
			s.logger.Warn().Err(err).Msg("failed to add candidate")
		}
		return true
	}

	s.logger.Warn().Str("type", env.Type).Msg("unexpected envelope in inbox")
	return true
}

func (s *Supervisor) handleTransport(ctx context.Context, ev TransportEvent, negotiation *time.Timer) bool {
	switch ev.Kind {
	case TransportCandidate:
		if s.state == model.PeerPending {
			s.setState(ctx, model.PeerNegotiating)
		}
		return s.signal(model.TypeICECandidate, ev.Candidate)

	case TransportOpen:
		s.logger.Info().Msg("data path open")
		stopTimer(negotiation)
		s.lastInbound = time.Now()
		s.setState(ctx, model.PeerConnected)
		return true

	case TransportDisconnected:
		return s.onConnectionLost(ctx, negotiation)

	case TransportClosed:
		return false

	case TransportStateMessage:
		s.lastInbound = time.Now()
		return s.emit(ctx, Event{Kind: EventInboundState, PeerID: s.cfg.PeerID, Data: ev.Data})

	case TransportControlMessage:
		s.lastInbound = time.Now()
		return s.emit(ctx, Event{Kind: EventInboundControl, PeerID: s.cfg.PeerID, Data: ev.Data})

	case TransportTrack:
		return s.emit(ctx, Event{Kind: EventRemoteTrack, PeerID: s.cfg.PeerID, Track: ev.Track})
	}
	return true
}

// onConnectionLost attempts a bounded number of negotiation restarts
// before giving up for good.
func (s *Supervisor) onConnectionLost(ctx context.Context, negotiation *time.Timer) bool {
	if s.restarts >= s.cfg.MaxRestarts {
		s.logger.Warn().Int("restarts", s.restarts).Msg("restart budget exhausted")
		return false
	}
	s.restarts++
	s.remoteApplied = false
	s.pending = nil
	s.setState(ctx, model.PeerDisconnected)
	s.logger.Info().Int("attempt", s.restarts).Msg("restarting negotiation")

	stopTimer(negotiation)
	negotiation.Reset(s.cfg.NegotiationTimeout)

	if s.cfg.Role == model.RoleOfferer {
		return s.startOffer(ctx, true)
	}
	// the answerer waits for the offerer's restart offer; the
	// negotiation timer bounds the wait
	s.setState(ctx, model.PeerNegotiating)
	return true
}

func (s *Supervisor) checkLiveness(ctx context.Context, negotiation *time.Timer) bool {
	if s.cfg.LivenessTimeout <= 0 || s.state != model.PeerConnected {
		return true
	}
	if time.Since(s.lastInbound) < s.cfg.LivenessTimeout {
		return true
	}
	s.logger.Warn().Dur("quiet", time.Since(s.lastInbound)).
		Msg("no traffic within liveness window")
	return s.onConnectionLost(ctx, negotiation)
}

func (s *Supervisor) startOffer(ctx context.Context, restart bool) bool {
	s.setState(ctx, model.PeerNegotiating)
	offer, err := s.cfg.Transport.CreateOffer(ctx, restart)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create offer")
		return false
	}
	return s.signal(model.TypeOffer, offer)
}

func (s *Supervisor) replayCandidates() {
	for _, cand := range s.pending {
		if err := s.cfg.Transport.AddCandidate(cand); err != nil {
			s.logger.Warn().Err(err).Msg("failed to replay candidate")
		}
	}
	if n := len(s.pending); n > 0 {
		s.logger.Debug().Int("count", n).Msg("replayed buffered candidates")
	}
	s.pending = nil
}

func (s *Supervisor) signal(msgType string, payload json.RawMessage) bool {
	err := s.cfg.SignalSend(model.Envelope{
		Type:       msgType,
		RoomID:     s.cfg.RoomID,
		FromPeerID: s.cfg.LocalPeerID,
		ToPeerID:   s.cfg.PeerID,
		Payload:    payload,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("failed to send negotiation message")
		return false
	}
	return true
}

func (s *Supervisor) setState(ctx context.Context, state model.PeerState) {
	if s.state == state {
		return
	}
	s.logger.Debug().
		Str("from", s.state.String()).
		Str("to", state.String()).Msg("state transition")
	s.state = state
	s.emit(ctx, Event{Kind: EventStateChanged, PeerID: s.cfg.PeerID, State: state})
}

func (s *Supervisor) emit(ctx context.Context, ev Event) bool {
	select {
	case s.cfg.Events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
