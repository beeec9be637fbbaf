package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/meshrtc/presence/model"
)

const (
	controlChannelLabel = "control"
	stateChannelLabel   = "state"

	// outbound state frames are dropped once this much is already
	// queued on the unreliable channel; the next tick carries fresher
	// data anyway
	stateBackpressureLimit = 64 * 1024

	transportEventBuffer = 128
)

var (
	ErrPathNotOpen   = errors.New("data path is not open")
	ErrBackpressure  = errors.New("data path is backed up")
	ErrNoControlPath = errors.New("control path is not open")
)

type TransportEventKind int

const (
	TransportCandidate TransportEventKind = iota
	TransportOpen
	TransportDisconnected
	TransportClosed
	TransportStateMessage
	TransportControlMessage
	TransportTrack
)

// TransportEvent is one asynchronous signal from the transport:
// a gathered local candidate, a path state change, or inbound data.
type TransportEvent struct {
	Kind      TransportEventKind
	Candidate json.RawMessage
	Data      []byte
	Track     *webrtc.TrackRemote
}

// Transport is the pairwise channel set negotiated with one remote
// peer: description/candidate negotiation primitives, a reliable
// control path and an unreliable low-latency state path. Description
// and candidate blobs are opaque at this level.
type Transport interface {
	CreateOffer(ctx context.Context, restart bool) (json.RawMessage, error)
	HandleOffer(ctx context.Context, remote json.RawMessage) (json.RawMessage, error)
	HandleAnswer(ctx context.Context, remote json.RawMessage) error
	AddCandidate(blob json.RawMessage) error
	SendState(b []byte) error
	SendControl(b []byte) error
	Events() <-chan TransportEvent
	Close() error
}

type TransportConfig struct {
	Logger      *zerolog.Logger
	ICEServers  []string
	LocalTracks []webrtc.TrackLocal
}

// WebRTCTransport is the pion-backed Transport. The offerer creates
// both data channels before offering; the answerer adopts them from
// the OnDataChannel callback.
type WebRTCTransport struct {
	logger zerolog.Logger
	pc     *webrtc.PeerConnection

	// the answerer binds channels from pion's event goroutine while
	// the scheduler is already calling Send*, so access goes through mx
	mx      sync.Mutex
	control *webrtc.DataChannel
	state   *webrtc.DataChannel

	events chan TransportEvent
	closed chan struct{}
}

func NewWebRTCTransport(cfg TransportConfig, role model.Role) (*WebRTCTransport, error) {
	var iceServers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	t := &WebRTCTransport{
		logger: cfg.Logger.With().Str("component", "webrtc-transport").Logger(),
		pc:     pc,
		events: make(chan TransportEvent, transportEventBuffer),
		closed: make(chan struct{}),
	}

	// media relay is optional and never fatal for state sync
	for _, track := range cfg.LocalTracks {
		if _, err = pc.AddTrack(track); err != nil {
			t.logger.Warn().Err(err).Str("track", track.ID()).
				Msg("failed to attach local track")
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		blob, mErr := json.Marshal(c.ToJSON())
		if mErr != nil {
			t.logger.Error().Err(mErr).Msg("failed to marshal candidate")
			return
		}
		t.emit(TransportEvent{Kind: TransportCandidate, Candidate: blob})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Debug().Str("state", s.String()).Msg("peer connection state")
		switch s {
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			t.emit(TransportEvent{Kind: TransportDisconnected})
		case webrtc.PeerConnectionStateClosed:
			t.emit(TransportEvent{Kind: TransportClosed})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.emit(TransportEvent{Kind: TransportTrack, Track: track})
	})

	if role == model.RoleOfferer {
		if err = t.createChannels(); err != nil {
			_ = pc.Close()
			return nil, err
		}
	} else {
		pc.OnDataChannel(t.adoptChannel)
	}
	return t, nil
}

func (t *WebRTCTransport) createChannels() error {
	control, err := t.pc.CreateDataChannel(controlChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("control channel: %w", err)
	}

	var (
		unordered     = false
		noRetransmits = uint16(0)
	)
	state, err := t.pc.CreateDataChannel(stateChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &noRetransmits,
	})
	if err != nil {
		return fmt.Errorf("state channel: %w", err)
	}

	t.bindControl(control)
	t.bindState(state)
	return nil
}

func (t *WebRTCTransport) adoptChannel(dc *webrtc.DataChannel) {
	switch dc.Label() {
	case controlChannelLabel:
		t.bindControl(dc)
	case stateChannelLabel:
		t.bindState(dc)
	default:
		t.logger.Warn().Str("label", dc.Label()).Msg("ignoring unknown data channel")
	}
}

func (t *WebRTCTransport) bindControl(dc *webrtc.DataChannel) {
	t.mx.Lock()
	t.control = dc
	t.mx.Unlock()
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emit(TransportEvent{Kind: TransportControlMessage, Data: msg.Data})
	})
}

func (t *WebRTCTransport) bindState(dc *webrtc.DataChannel) {
	t.mx.Lock()
	t.state = dc
	t.mx.Unlock()
	// the unreliable path opening is the "transport is usable" signal
	dc.OnOpen(func() {
		t.emit(TransportEvent{Kind: TransportOpen})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emitState(msg.Data)
	})
}

func (t *WebRTCTransport) CreateOffer(ctx context.Context, restart bool) (json.RawMessage, error) {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err = t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (t *WebRTCTransport) HandleOffer(ctx context.Context, remote json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(remote, &offer); err != nil {
		return nil, fmt.Errorf("offer unmarshal: %w", err)
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err = t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (t *WebRTCTransport) HandleAnswer(ctx context.Context, remote json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(remote, &answer); err != nil {
		return fmt.Errorf("answer unmarshal: %w", err)
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *WebRTCTransport) AddCandidate(blob json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(blob, &cand); err != nil {
		return fmt.Errorf("candidate unmarshal: %w", err)
	}
	if err := t.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// SendState pushes one frame onto the unreliable path. It never
// blocks: a closed or backed-up channel is reported so the caller can
// drop the frame.
func (t *WebRTCTransport) SendState(b []byte) error {
	t.mx.Lock()
	dc := t.state
	t.mx.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrPathNotOpen
	}
	if dc.BufferedAmount() > stateBackpressureLimit {
		return ErrBackpressure
	}
	return dc.Send(b)
}

// SendControl pushes one message onto the reliable ordered path.
func (t *WebRTCTransport) SendControl(b []byte) error {
	t.mx.Lock()
	dc := t.control
	t.mx.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNoControlPath
	}
	return dc.Send(b)
}

func (t *WebRTCTransport) Events() <-chan TransportEvent {
	return t.events
}

func (t *WebRTCTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	return t.pc.Close()
}

// emit delivers lifecycle and negotiation events; these must not be
// lost, so it blocks until the supervisor takes them or the transport
// is closed.
func (t *WebRTCTransport) emit(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

// emitState delivers inbound state frames. The path is lossy by
// contract, so a consumer that cannot keep up just loses the frame.
func (t *WebRTCTransport) emitState(b []byte) {
	select {
	case t.events <- TransportEvent{Kind: TransportStateMessage, Data: b}:
	default:
	}
}
