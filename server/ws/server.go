// Package ws is the rendezvous signaling endpoint. One websocket per
// peer per room; the first envelope must be a join. Capacity is
// rejected before the upgrade when possible and with close code 4409
// when the room fills up in between.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meshrtc/presence/codec"
	"github.com/meshrtc/presence/model"
	"github.com/meshrtc/presence/storage/memory"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultReadBufferSize   = 10000
	defaultWriteBufferSize  = 10000
	defaultMaxMessageSize   = 64 * 1024
	defaultHandshakeTimeout = 3 * time.Second
	defaultJoinWait         = 5 * time.Second
	defaultWriteDeadline    = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give the
	// client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var ErrUnexpected = errors.New("unexpected server error")

type (
	SignalingService interface {
		HasCapacity(roomID, peerID string) bool
		Join(ctx context.Context, roomID, peerID string, wire model.Wire) error
		Leave(ctx context.Context, roomID, peerID string)
		Disconnect(roomID, peerID string)
	}

	Config struct {
		Logger     *zerolog.Logger
		Service    SignalingService
		ListenAddr string
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "signal-server").Logger(),
		svc:    cfg.Service,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultReadBufferSize,
			WriteBufferSize:  defaultWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/signal/room/{roomID}/user/{userID}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	userID := r.PathValue("userID")
	if roomID == "" || userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// pre-upgrade check so a full room costs the client one HTTP
	// round trip, not a websocket teardown; join re-validates
	if !srv.svc.HasCapacity(roomID, userID) {
		w.WriteHeader(http.StatusConflict)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := srv.logger.With().
		Str("roomID", roomID).
		Str("userID", userID).Logger()

	go srv.serveConn(conn, roomID, userID, &logger)
}

func (srv *Server) serveConn(conn *websocket.Conn, roomID, userID string, logger *zerolog.Logger) {
	conn.SetReadLimit(defaultMaxMessageSize)

	env, err := readEnvelope(conn, defaultJoinWait)
	if err != nil || env.Type != model.TypeJoin {
		logger.Warn().Err(err).Msg("connection did not start with a join")
		closeWith(conn, model.CloseBadEnvelope, "expected join", logger)
		return
	}

	// wire context spans the whole signaling session, not one request
	ctx, cancel := context.WithCancel(context.Background())
	wire := model.NewWire()

	if err = srv.svc.Join(ctx, roomID, userID, wire); err != nil {
		logger.Warn().Err(err).Msg("join rejected")
		// 4409 is terminal for the client, reserve it for capacity
		if errors.Is(err, memory.ErrRoomFull) {
			closeWith(conn, model.CloseRoomFull, "room is full", logger)
		} else {
			closeWith(conn, websocket.CloseInternalServerErr, "join failed", logger)
		}
		cancel()
		return
	}
	logger.Debug().Msg("signaling session created")

	wg := &sync.WaitGroup{}
	wg.Add(2)

	var left bool
	go func() {
		left = srv.receiver(ctx, conn, roomID, userID, wire.RX, logger)
		cancel()
		wg.Done()
	}()
	go func() {
		srv.sender(ctx, conn, wire.TX, logger)
		cancel()
		wg.Done()
	}()

	wg.Wait()
	closeWith(conn, websocket.CloseNormalClosure, "", logger)
	if !left {
		// dropped without leaving; membership survives until the
		// janitor gives up on the peer
		srv.svc.Disconnect(roomID, userID)
	}
	logger.Debug().Bool("left", left).Msg("signaling session ended")
}

// receiver pumps inbound envelopes into the wire until the connection
// ends. Returns true if the peer left explicitly.
func (srv *Server) receiver(
	ctx context.Context,
	conn *websocket.Conn,
	roomID string,
	userID string,
	rx chan<- model.Envelope,
	logger *zerolog.Logger,
) bool {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	if err := conn.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		logger.Error().Err(err).Msg("failed to set read deadline")
		return false
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Debug().Msg("connection closed")
			} else {
				logger.Warn().Err(err).Msg("receive failed")
			}
			return false
		}

		env, err := codec.DecodeEnvelope(msg)
		if err != nil {
			// one bad envelope is dropped, the session goes on
			logger.Warn().Err(err).Msg("dropping malformed envelope")
			continue
		}

		// the session, not the client, is authoritative for identity
		env.RoomID = roomID
		env.FromPeerID = userID

		switch env.Type {
		case model.TypeJoin:
			continue // already joined
		case model.TypeLeave:
			srv.svc.Leave(ctx, roomID, userID)
			return true
		}

		select {
		case rx <- *env:
		case <-ctx.Done():
			return false
		}
	}
}

func (srv *Server) sender(
	ctx context.Context,
	conn *websocket.Conn,
	tx <-chan model.Envelope,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()

SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop

		case <-pingTicker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				logger.Warn().Err(err).Msg("failed to send ping")
				break SendLoop
			}

		case env, ok := <-tx:
			if !ok {
				break SendLoop
			}
			b, err := codec.EncodeEnvelope(&env)
			if err != nil {
				logger.Error().Err(err).Msg("failed to marshal outgoing envelope")
				continue
			}
			if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Warn().Err(err).Msg("failed to write envelope")
				break SendLoop
			}
		}
	}
}

func readEnvelope(conn *websocket.Conn, wait time.Duration) (*model.Envelope, error) {
	if wait > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return nil, err
		}
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return codec.DecodeEnvelope(msg)
}

func closeWith(conn *websocket.Conn, code int, reason string, logger *zerolog.Logger) {
	err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
	if err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason))
	}
	if err = conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("websocket close failed")
	}
}
