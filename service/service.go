// Package service orchestrates the rendezvous side of a session:
// membership in the store, wire registration in the relay, departure
// announcements and the absence janitor.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrtc/presence/model"
	"github.com/meshrtc/presence/storage/memory"
)

const DefaultPresenceTTL = 30 * time.Second

var (
	ErrRoomFull = memory.ErrRoomFull
	ErrJoin     = errors.New("unable to join room")
)

type (
	RoomStore interface {
		Join(roomID, peerID string) (existing []string, rejoined bool, err error)
		Leave(roomID, peerID string) bool
		MarkAbsent(roomID, peerID string)
		EvictStale(cutoff time.Time) []memory.Eviction
		HasCapacity(roomID, peerID string) bool
		GetRoom(roomID string) (*memory.Room, error)
	}

	Relay interface {
		Connect(ctx context.Context, roomID, peerID string, wire model.Wire)
		Disconnect(roomID, peerID string)
		Broadcast(ctx context.Context, env model.Envelope, roomID string)
		SendTo(ctx context.Context, env model.Envelope, roomID, dst string) bool
	}

	Service struct {
		logger      zerolog.Logger
		store       RoomStore
		relay       Relay
		presenceTTL time.Duration
	}

	Config struct {
		Logger      *zerolog.Logger
		RoomStore   RoomStore
		Relay       Relay
		PresenceTTL time.Duration
	}
)

func NewService(cfg Config) *Service {
	ttl := cfg.PresenceTTL
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Service{
		logger:      cfg.Logger.With().Str("component", "service").Logger(),
		store:       cfg.RoomStore,
		relay:       cfg.Relay,
		presenceTTL: ttl,
	}
}

// HasCapacity is the pre-upgrade check; Join re-validates. Known
// members pass regardless of room size so a reconnect is never turned
// away at the door.
func (svc *Service) HasCapacity(roomID, peerID string) bool {
	return svc.store.HasCapacity(roomID, peerID)
}

// GetRoom exposes the store for the inspection API.
func (svc *Service) GetRoom(roomID string) (*memory.Room, error) {
	return svc.store.GetRoom(roomID)
}

// Join registers membership and the signaling wire, replays the
// current roster to the joiner and, for a first join, announces the
// newcomer to the rest of the room. A rejoin after a connection drop
// announces nothing: from everyone else's perspective the peer never
// left.
func (svc *Service) Join(ctx context.Context, roomID, peerID string, wire model.Wire) error {
	existing, rejoined, err := svc.store.Join(roomID, peerID)
	if err != nil {
		if errors.Is(err, memory.ErrRoomFull) {
			return err
		}
		return errors.Join(ErrJoin, err)
	}

	svc.relay.Connect(ctx, roomID, peerID, wire)
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("peerID", peerID).
		Bool("rejoined", rejoined).
		Msg("peer joined")

	go func() {
		payload, _ := json.Marshal(model.PresencePayload{Existing: true})
		for _, member := range existing {
			svc.relay.SendTo(ctx, model.Envelope{
				Type:       model.TypeUserJoined,
				RoomID:     roomID,
				FromPeerID: member,
				Payload:    payload,
			}, roomID, peerID)
		}
		if !rejoined {
			svc.relay.Broadcast(ctx, model.Envelope{
				Type:       model.TypeUserJoined,
				RoomID:     roomID,
				FromPeerID: peerID,
			}, roomID)
		}
	}()
	return nil
}

// Leave removes membership for good and announces the departure.
func (svc *Service) Leave(ctx context.Context, roomID, peerID string) {
	svc.relay.Disconnect(roomID, peerID)
	if !svc.store.Leave(roomID, peerID) {
		return
	}
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("peerID", peerID).
		Msg("peer left")
	svc.announceLeft(ctx, roomID, peerID)
}

// Disconnect handles a dropped signaling connection: the wire goes
// away, the membership stays until the janitor gives up on the peer.
func (svc *Service) Disconnect(roomID, peerID string) {
	svc.relay.Disconnect(roomID, peerID)
	svc.store.MarkAbsent(roomID, peerID)
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("peerID", peerID).
		Msg("signaling connection lost")
}

// RunJanitor evicts members absent past the presence TTL and
// announces their departure. Blocks until the context ends.
func (svc *Service) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(svc.presenceTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ev := range svc.store.EvictStale(now.Add(-svc.presenceTTL)) {
				svc.logger.Info().
					Str("roomID", ev.RoomID).
					Str("peerID", ev.PeerID).
					Msg("evicting absent peer")
				svc.announceLeft(ctx, ev.RoomID, ev.PeerID)
			}
		}
	}
}

func (svc *Service) announceLeft(ctx context.Context, roomID, peerID string) {
	go svc.relay.Broadcast(ctx, model.Envelope{
		Type:       model.TypeUserLeft,
		RoomID:     roomID,
		FromPeerID: peerID,
	}, roomID)
}
