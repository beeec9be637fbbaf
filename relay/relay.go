// Package relay forwards envelopes between the signaling sessions of
// one room: broadcast for membership announcements, point-to-point for
// negotiation messages. A session that stops draining its wire is
// treated as dead for that envelope, never waited on.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrtc/presence/model"
)

const defaultFwdTimeout = time.Second

type Relay struct {
	logger zerolog.Logger
	mx     sync.RWMutex
	rooms  map[string]map[string]model.Wire
}

func NewRelay(logger *zerolog.Logger) *Relay {
	return &Relay{
		logger: logger.With().Str("component", "relay").Logger(),
		rooms:  make(map[string]map[string]model.Wire),
	}
}

// Connect registers a peer's wire and starts forwarding its inbound
// envelopes until the context ends.
func (rl *Relay) Connect(ctx context.Context, roomID, peerID string, wire model.Wire) {
	rl.mx.Lock()
	r, ok := rl.rooms[roomID]
	if !ok {
		r = make(map[string]model.Wire)
		rl.rooms[roomID] = r
	}
	r[peerID] = wire
	rl.mx.Unlock()

	rl.logger.Debug().
		Str("roomID", roomID).
		Str("peerID", peerID).
		Msg("wire connected")
	go rl.forwardLoop(ctx, roomID, peerID, wire.RX)
}

// Disconnect removes a peer's wire. Envelopes already queued for it
// are dropped by the forwarding timeout.
func (rl *Relay) Disconnect(roomID, peerID string) {
	rl.mx.Lock()
	if r, ok := rl.rooms[roomID]; ok {
		delete(r, peerID)
		if len(r) == 0 {
			delete(rl.rooms, roomID)
		}
	}
	rl.mx.Unlock()

	rl.logger.Debug().
		Str("roomID", roomID).
		Str("peerID", peerID).
		Msg("wire disconnected")
}

func (rl *Relay) forwardLoop(ctx context.Context, roomID, peerID string, rx <-chan model.Envelope) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case env, ok := <-rx:
			if !ok {
				break fwdLoop
			}
			if env.ToPeerID == "" {
				rl.Broadcast(ctx, env, roomID)
			} else if !rl.SendTo(ctx, env, roomID, env.ToPeerID) {
				rl.logger.Debug().
					Str("roomID", roomID).
					Str("src", peerID).
					Str("dst", env.ToPeerID).
					Msg("envelope dropped, dst not reachable")
			}
		}
	}
}

// Broadcast forwards an envelope to every wire in the room except the
// sender's.
func (rl *Relay) Broadcast(ctx context.Context, env model.Envelope, roomID string) {
	rl.mx.RLock()
	wires := make(map[string]model.Wire, len(rl.rooms[roomID]))
	for id, w := range rl.rooms[roomID] {
		wires[id] = w
	}
	rl.mx.RUnlock()

	var sent bool
	for dst, wire := range wires {
		if dst == env.FromPeerID {
			continue
		}
		ok, canceled := rl.send(ctx, env, wire.TX, dst)
		if canceled {
			return
		}
		sent = sent || ok
	}
	if !sent {
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("type", env.Type).
			Str("src", env.FromPeerID).
			Msg("broadcast did not reach anyone")
	}
}

// SendTo forwards an envelope to one wire in the room.
func (rl *Relay) SendTo(ctx context.Context, env model.Envelope, roomID, dst string) bool {
	rl.mx.RLock()
	wire, ok := rl.rooms[roomID][dst]
	rl.mx.RUnlock()
	if !ok {
		return false
	}
	sent, _ := rl.send(ctx, env, wire.TX, dst)
	return sent
}

func (rl *Relay) send(ctx context.Context, env model.Envelope, tx chan<- model.Envelope, dst string) (sent, canceled bool) {
	t := time.NewTimer(defaultFwdTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		canceled = true
	case <-t.C:
		rl.logger.Error().Str("dst", dst).Msg("dead wire")
	case tx <- env:
		sent = true
	}
	return sent, canceled
}
