// Package rendezvous maintains the single duplex connection to the
// rendezvous service for one room. It owns reconnection for that
// connection only: peer transports negotiated through it survive a
// rendezvous drop on their own.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meshrtc/presence/codec"
	"github.com/meshrtc/presence/model"
)

const (
	defaultWriteWait      = 5 * time.Second
	defaultPingInterval   = 5 * time.Second
	defaultPongWait       = 7 * time.Second
	defaultMaxMessageSize = 64 * 1024

	defaultQueueSize     = 64
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrQueueFull    = errors.New("outbound queue is full")
	ErrAlreadyOpen  = errors.New("client already connected")
	ErrClientClosed = errors.New("client is closed")
)

type EventKind int

const (
	EventStatus EventKind = iota
	EventPeerJoined
	EventPeerLeft
	EventNegotiation
)

// Event is one item of the inbound stream: membership changes,
// relayed negotiation envelopes, and connection status transitions.
type Event struct {
	Kind      EventKind
	PeerID    string
	Existing  bool // peer was already in the room when we joined
	Connected bool // for EventStatus
	Envelope  *model.Envelope
}

type Config struct {
	Logger *zerolog.Logger

	// Endpoint is the rendezvous base URL, e.g. ws://localhost:8888.
	Endpoint string
	RoomID   string
	PeerID   string

	QueueSize     int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

func (cfg *Config) withDefaults() {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
}

// Client is the rendezvous connection for one room.
type Client struct {
	logger zerolog.Logger
	cfg    Config

	out    chan model.Envelope
	events chan Event

	mx      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewClient(cfg Config) *Client {
	cfg.withDefaults()
	return &Client{
		logger: cfg.Logger.With().
			Str("component", "rendezvous-client").
			Str("roomID", cfg.RoomID).
			Str("peerID", cfg.PeerID).Logger(),
		cfg:    cfg,
		out:    make(chan model.Envelope, cfg.QueueSize),
		events: make(chan Event, 1),
		done:   make(chan struct{}),
	}
}

// Events is the inbound event stream. The caller must keep draining it
// until the client is closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Send queues an envelope for delivery. Envelopes queued before the
// connection is up are flushed in submission order once it is; a full
// queue is reported, never silently dropped.
func (c *Client) Send(env model.Envelope) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Connect dials the rendezvous service and sends the join envelope.
// It is idempotent: a second call on a live client returns
// ErrAlreadyOpen without side effects. A room at capacity is reported
// as ErrRoomFull and leaves no client state behind. After the first
// successful connect the client keeps the connection alive on its own,
// re-joining the same room after every reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mx.Lock()
	if c.started {
		c.mx.Unlock()
		return ErrAlreadyOpen
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.mx.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.mx.Unlock()

	go c.run(runCtx, conn)
	return nil
}

// Leave announces departure, stops the reconnect loop and closes the
// connection. It returns once the client's goroutines are done or the
// context expires.
func (c *Client) Leave(ctx context.Context) error {
	c.mx.Lock()
	if !c.started {
		c.mx.Unlock()
		return nil
	}
	c.mx.Unlock()

	// best effort: the leave envelope may race the teardown, the
	// rendezvous presence timeout covers the losing case
	_ = c.Send(model.Envelope{
		Type:       model.TypeLeave,
		RoomID:     c.cfg.RoomID,
		FromPeerID: c.cfg.PeerID,
	})

	// give the write pump a moment to flush before cancelling
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
	}

	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.JoinPath(c.cfg.Endpoint, "signal", "room", c.cfg.RoomID, "user", c.cfg.PeerID)
	if err != nil {
		return nil, fmt.Errorf("bad endpoint: %w", err)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil &&
			resp.StatusCode == http.StatusConflict {
			return nil, ErrRoomFull
		}
		return nil, fmt.Errorf("rendezvous dial: %w", err)
	}
	return conn, nil
}

// run owns the connection lifecycle: pump the given connection until
// it dies, then redial with exponential backoff plus jitter until the
// context is cancelled.
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		close(c.events)
		close(c.done)
		c.logger.Debug().Msg("client stopped")
	}()

	attempt := 0
	for {
		if conn != nil {
			c.emit(ctx, Event{Kind: EventStatus, Connected: true})
			fatal := c.runConn(ctx, conn)
			c.emit(ctx, Event{Kind: EventStatus, Connected: false})
			conn = nil
			if fatal {
				return
			}
			attempt = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, attempt)):
		}

		nc, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrRoomFull) {
				// the room filled up while we were away; retrying
				// harder will not help
				c.logger.Error().Msg("room filled up during reconnect")
				return
			}
			attempt++
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		c.logger.Info().Msg("reconnected to rendezvous")
		conn = nc
	}
}

// runConn joins the room and pumps one websocket connection. Returns
// true if the failure is terminal and reconnecting is pointless.
func (c *Client) runConn(ctx context.Context, conn *websocket.Conn) bool {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	join, err := codec.EncodeEnvelope(&model.Envelope{
		Type:       model.TypeJoin,
		RoomID:     c.cfg.RoomID,
		FromPeerID: c.cfg.PeerID,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode join")
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if err = conn.WriteMessage(websocket.TextMessage, join); err != nil {
		c.logger.Warn().Err(err).Msg("failed to send join")
		closeConn(conn, &c.logger)
		return false
	}

	var (
		wg    sync.WaitGroup
		fatal bool
	)
	wg.Add(2)
	go func() {
		fatal = c.readPump(connCtx, conn)
		cancel()
		wg.Done()
	}()
	go func() {
		c.writePump(connCtx, conn)
		cancel()
		wg.Done()
	}()
	wg.Wait()
	closeConn(conn, &c.logger)
	return fatal
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) bool {
	conn.SetReadLimit(defaultMaxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	if err := conn.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set read deadline")
		return false
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, model.CloseRoomFull) {
				c.logger.Error().Msg("rejected by rendezvous: room is full")
				return true
			}
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("connection closed")
			} else {
				c.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return false
		}

		env, err := codec.DecodeEnvelope(msg)
		if err != nil {
			// drop, do not tear down the connection over one bad message
			c.logger.Error().Err(err).Msg("dropping malformed envelope")
			continue
		}
		if !c.dispatch(ctx, env) {
			return false
		}
	}
}

func (c *Client) dispatch(ctx context.Context, env *model.Envelope) bool {
	switch env.Type {
	case model.TypeUserJoined:
		var pp model.PresencePayload
		if len(env.Payload) > 0 {
			// payload is optional; a broken one just means "not existing"
			_ = json.Unmarshal(env.Payload, &pp)
		}
		return c.emit(ctx, Event{
			Kind:     EventPeerJoined,
			PeerID:   env.FromPeerID,
			Existing: pp.Existing,
		})

	case model.TypeUserLeft:
		return c.emit(ctx, Event{Kind: EventPeerLeft, PeerID: env.FromPeerID})

	case model.TypeOffer, model.TypeAnswer, model.TypeICECandidate:
		return c.emit(ctx, Event{
			Kind:     EventNegotiation,
			PeerID:   env.FromPeerID,
			Envelope: env,
		})
	}
	c.logger.Warn().Str("type", env.Type).Msg("ignoring unexpected envelope type")
	return true
}

func (c *Client) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				c.logger.Warn().Err(err).Msg("failed to send ping")
				return
			}

		case env := <-c.out:
			b, err := codec.EncodeEnvelope(&env)
			if err != nil {
				c.logger.Error().Err(err).Str("type", env.Type).
					Msg("dropping unencodable envelope")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Warn().Err(err).Msg("failed to write envelope")
				return
			}
			c.logger.Trace().Str("type", env.Type).Str("dst", env.ToPeerID).
				Msg("envelope sent")
		}
	}
}

func closeConn(conn *websocket.Conn, logger *zerolog.Logger) {
	err := conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	if err = conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("websocket close failed")
	}
}

// backoffDelay spreads reconnect attempts out exponentially with
// jitter so a rendezvous restart does not get a synchronized stampede.
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base << min(attempt, 16)
	if d <= 0 || d > maxDelay {
		d = maxDelay
	}
	return d/2 + rand.N(d/2+1)
}
