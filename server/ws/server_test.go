package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/presence/codec"
	"github.com/meshrtc/presence/model"
	"github.com/meshrtc/presence/storage/memory"
)

type stubService struct {
	joinErr  error
	capacity func(roomID, peerID string) bool
}

func (s *stubService) HasCapacity(roomID, peerID string) bool {
	if s.capacity == nil {
		return true
	}
	return s.capacity(roomID, peerID)
}

func (s *stubService) Join(context.Context, string, string, model.Wire) error { return s.joinErr }
func (s *stubService) Leave(context.Context, string, string)                  {}
func (s *stubService) Disconnect(string, string)                              {}

func startServer(t *testing.T, svc SignalingService) string {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, Service: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal/room/R1/user/P0"
}

func dialAndJoin(t *testing.T, endpoint string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	join, err := codec.EncodeEnvelope(&model.Envelope{
		Type:       model.TypeJoin,
		RoomID:     "R1",
		FromPeerID: "P0",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, join))
	return conn
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, code), "expected close code %d, got %v", code, err)
}

func TestFullRoomRejectedBeforeUpgrade(t *testing.T) {
	endpoint := startServer(t, &stubService{
		capacity: func(string, string) bool { return false },
	})

	_, resp, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCapacityRaceClosesWithRoomFull(t *testing.T) {
	// the pre-upgrade check passed but the room filled in between
	endpoint := startServer(t, &stubService{joinErr: memory.ErrRoomFull})
	conn := dialAndJoin(t, endpoint)
	expectClose(t, conn, model.CloseRoomFull)
}

func TestNonCapacityJoinFailureIsNotTerminal(t *testing.T) {
	endpoint := startServer(t, &stubService{joinErr: errors.New("store unavailable")})
	conn := dialAndJoin(t, endpoint)
	expectClose(t, conn, websocket.CloseInternalServerErr)
}

func TestFirstEnvelopeMustBeJoin(t *testing.T) {
	endpoint := startServer(t, &stubService{})
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	offer, err := codec.EncodeEnvelope(&model.Envelope{
		Type:       model.TypeOffer,
		RoomID:     "R1",
		FromPeerID: "P0",
		ToPeerID:   "P1",
		Payload:    []byte(`{"type":"offer","sdp":"v=0"}`),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, offer))
	expectClose(t, conn, model.CloseBadEnvelope)
}
