package peer

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/presence/model"
)

func TestSendBeforeChannelsBound(t *testing.T) {
	logger := zerolog.Nop()
	tr, err := NewWebRTCTransport(TransportConfig{Logger: &logger}, model.RoleAnswerer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	require.ErrorIs(t, tr.SendState([]byte("x")), ErrPathNotOpen)
	require.ErrorIs(t, tr.SendControl([]byte("x")), ErrNoControlPath)
}

// The answerer adopts channels from pion's event goroutine while the
// scheduler may already be sending; run with -race.
func TestConcurrentAdoptAndSend(t *testing.T) {
	logger := zerolog.Nop()
	tr, err := NewWebRTCTransport(TransportConfig{Logger: &logger}, model.RoleAnswerer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	donor, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = donor.Close() })
	control, err := donor.CreateDataChannel("control", nil)
	require.NoError(t, err)
	state, err := donor.CreateDataChannel("state", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Add(3)
	go func() {
		defer wg.Done()
		<-start
		tr.adoptChannel(control)
		tr.adoptChannel(state)
	}()
	go func() {
		defer wg.Done()
		<-start
		for range 200 {
			_ = tr.SendControl([]byte("x"))
		}
	}()
	go func() {
		defer wg.Done()
		<-start
		for range 200 {
			_ = tr.SendState([]byte("x"))
		}
	}()
	close(start)
	wg.Wait()
}
