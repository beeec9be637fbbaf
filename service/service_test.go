package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/presence/model"
	"github.com/meshrtc/presence/storage/memory"
)

type fakeStore struct {
	mx       sync.Mutex
	existing []string
	rejoined bool
	joinErr  error

	left      []string
	absent    []string
	evictions []memory.Eviction
}

func (st *fakeStore) Join(_, _ string) ([]string, bool, error) {
	st.mx.Lock()
	defer st.mx.Unlock()
	return st.existing, st.rejoined, st.joinErr
}

func (st *fakeStore) Leave(_, peerID string) bool {
	st.mx.Lock()
	defer st.mx.Unlock()
	st.left = append(st.left, peerID)
	return true
}

func (st *fakeStore) MarkAbsent(_, peerID string) {
	st.mx.Lock()
	defer st.mx.Unlock()
	st.absent = append(st.absent, peerID)
}

func (st *fakeStore) EvictStale(time.Time) []memory.Eviction {
	st.mx.Lock()
	defer st.mx.Unlock()
	out := st.evictions
	st.evictions = nil
	return out
}

func (st *fakeStore) HasCapacity(string, string) bool { return true }

func (st *fakeStore) GetRoom(roomID string) (*memory.Room, error) {
	return &memory.Room{ID: roomID}, nil
}

type sentEnvelope struct {
	env model.Envelope
	dst string
}

type fakeRelay struct {
	mx           sync.Mutex
	connected    []string
	disconnected []string
	sent         []sentEnvelope
	broadcasts   []model.Envelope
}

func (rl *fakeRelay) Connect(_ context.Context, _, peerID string, _ model.Wire) {
	rl.mx.Lock()
	defer rl.mx.Unlock()
	rl.connected = append(rl.connected, peerID)
}

func (rl *fakeRelay) Disconnect(_, peerID string) {
	rl.mx.Lock()
	defer rl.mx.Unlock()
	rl.disconnected = append(rl.disconnected, peerID)
}

func (rl *fakeRelay) Broadcast(_ context.Context, env model.Envelope, _ string) {
	rl.mx.Lock()
	defer rl.mx.Unlock()
	rl.broadcasts = append(rl.broadcasts, env)
}

func (rl *fakeRelay) SendTo(_ context.Context, env model.Envelope, _, dst string) bool {
	rl.mx.Lock()
	defer rl.mx.Unlock()
	rl.sent = append(rl.sent, sentEnvelope{env: env, dst: dst})
	return true
}

func (rl *fakeRelay) snapshot() (sent []sentEnvelope, broadcasts []model.Envelope) {
	rl.mx.Lock()
	defer rl.mx.Unlock()
	return append([]sentEnvelope(nil), rl.sent...), append([]model.Envelope(nil), rl.broadcasts...)
}

func newTestService(st *fakeStore, rl *fakeRelay, ttl time.Duration) *Service {
	logger := zerolog.Nop()
	return NewService(Config{
		Logger:      &logger,
		RoomStore:   st,
		Relay:       rl,
		PresenceTTL: ttl,
	})
}

func TestJoinReplaysRosterAndAnnounces(t *testing.T) {
	st := &fakeStore{existing: []string{"alpha", "beta"}}
	rl := &fakeRelay{}
	svc := newTestService(st, rl, 0)

	require.NoError(t, svc.Join(context.Background(), "room", "gamma", model.NewWire()))

	require.Eventually(t, func() bool {
		sent, broadcasts := rl.snapshot()
		return len(sent) == 2 && len(broadcasts) == 1
	}, time.Second, 10*time.Millisecond)

	sent, broadcasts := rl.snapshot()
	var replayed []string
	for _, s := range sent {
		require.Equal(t, model.TypeUserJoined, s.env.Type)
		require.Equal(t, "gamma", s.dst, "roster replay goes to the joiner")
		require.JSONEq(t, `{"existing":true}`, string(s.env.Payload))
		replayed = append(replayed, s.env.FromPeerID)
	}
	require.ElementsMatch(t, []string{"alpha", "beta"}, replayed)

	require.Equal(t, model.TypeUserJoined, broadcasts[0].Type)
	require.Equal(t, "gamma", broadcasts[0].FromPeerID)
	require.Empty(t, broadcasts[0].Payload)
}

func TestRejoinIsNotAnnounced(t *testing.T) {
	st := &fakeStore{existing: []string{"alpha"}, rejoined: true}
	rl := &fakeRelay{}
	svc := newTestService(st, rl, 0)

	require.NoError(t, svc.Join(context.Background(), "room", "gamma", model.NewWire()))

	require.Eventually(t, func() bool {
		sent, _ := rl.snapshot()
		return len(sent) == 1
	}, time.Second, 10*time.Millisecond)

	_, broadcasts := rl.snapshot()
	require.Empty(t, broadcasts, "a rejoin must not look like a new member")
}

func TestJoinFullRoom(t *testing.T) {
	st := &fakeStore{joinErr: memory.ErrRoomFull}
	rl := &fakeRelay{}
	svc := newTestService(st, rl, 0)

	err := svc.Join(context.Background(), "room", "gamma", model.NewWire())
	require.ErrorIs(t, err, ErrRoomFull)
	require.Empty(t, rl.connected, "a rejected peer gets no wire")
}

func TestDisconnectKeepsMembership(t *testing.T) {
	st := &fakeStore{}
	rl := &fakeRelay{}
	svc := newTestService(st, rl, 0)

	svc.Disconnect("room", "alpha")

	require.Equal(t, []string{"alpha"}, rl.disconnected)
	require.Equal(t, []string{"alpha"}, st.absent)
	require.Empty(t, st.left, "a drop is not a leave")
	_, broadcasts := rl.snapshot()
	require.Empty(t, broadcasts)
}

func TestLeaveAnnouncesDeparture(t *testing.T) {
	st := &fakeStore{}
	rl := &fakeRelay{}
	svc := newTestService(st, rl, 0)

	svc.Leave(context.Background(), "room", "alpha")

	require.Equal(t, []string{"alpha"}, st.left)
	require.Eventually(t, func() bool {
		_, broadcasts := rl.snapshot()
		return len(broadcasts) == 1 &&
			broadcasts[0].Type == model.TypeUserLeft &&
			broadcasts[0].FromPeerID == "alpha"
	}, time.Second, 10*time.Millisecond)
}

func TestJanitorAnnouncesEvictions(t *testing.T) {
	st := &fakeStore{evictions: []memory.Eviction{{RoomID: "room", PeerID: "ghost"}}}
	rl := &fakeRelay{}
	svc := newTestService(st, rl, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.RunJanitor(ctx)

	require.Eventually(t, func() bool {
		_, broadcasts := rl.snapshot()
		return len(broadcasts) == 1 &&
			broadcasts[0].Type == model.TypeUserLeft &&
			broadcasts[0].FromPeerID == "ghost"
	}, 2*time.Second, 10*time.Millisecond)
}
