// Package broadcast samples local state at a bounded rate and fans it
// out over each connected peer's unreliable data path, and
// demultiplexes inbound peer state into the membership table. There is
// no retransmission and no acknowledgment on this path: the freshest
// state wins, a lost frame is replaced by the next one.
package broadcast

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrtc/presence/codec"
	"github.com/meshrtc/presence/model"
	"github.com/meshrtc/presence/room"
)

const defaultRate = 60 // Hz

// Sink is one peer's unreliable data path.
type Sink interface {
	SendState(b []byte) error
}

type Config struct {
	Logger *zerolog.Logger
	Table  *room.Table

	// Rate is the broadcast frequency in Hz.
	Rate int
}

// Scheduler fans local state out to registered peers and applies
// inbound state to the table.
type Scheduler struct {
	logger   zerolog.Logger
	table    *room.Table
	interval time.Duration

	mx       sync.Mutex
	seq      uint64
	local    model.StateUpdate
	sinks    map[string]Sink
	lastSend map[string]time.Time
}

func NewScheduler(cfg Config) *Scheduler {
	rate := cfg.Rate
	if rate <= 0 {
		rate = defaultRate
	}
	return &Scheduler{
		logger:   cfg.Logger.With().Str("component", "broadcast").Logger(),
		table:    cfg.Table,
		interval: time.Second / time.Duration(rate),
		sinks:    make(map[string]Sink),
		lastSend: make(map[string]time.Time),
	}
}

// Run ticks at the configured rate until the context is cancelled.
func (sc *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer func() {
		ticker.Stop()
		sc.logger.Debug().Msg("scheduler stopped")
	}()

	sc.logger.Info().Dur("interval", sc.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sc.tick(now)
		}
	}
}

// Register attaches a connected peer's data path to the fan-out set.
func (sc *Scheduler) Register(peerID string, sink Sink) {
	sc.mx.Lock()
	defer sc.mx.Unlock()
	sc.sinks[peerID] = sink
	sc.logger.Debug().Str("peerID", peerID).Msg("sink registered")
}

// Unregister detaches a peer; no further sends are attempted to it.
func (sc *Scheduler) Unregister(peerID string) {
	sc.mx.Lock()
	defer sc.mx.Unlock()
	delete(sc.sinks, peerID)
	delete(sc.lastSend, peerID)
	sc.logger.Debug().Str("peerID", peerID).Msg("sink unregistered")
}

// SetLocal replaces the local state sampled on the next tick. Seq is
// assigned at send time, not here.
func (sc *Scheduler) SetLocal(position model.Vec3, rotation model.Quat, custom map[string]any) {
	sc.mx.Lock()
	defer sc.mx.Unlock()
	sc.local.Position = position
	sc.local.Rotation = rotation
	sc.local.Custom = maps.Clone(custom)
}

// HandleInbound demultiplexes one data path frame into the table.
// Stale and duplicate frames are expected on an unordered path and are
// discarded quietly; only undecodable frames are worth a log line.
func (sc *Scheduler) HandleInbound(peerID string, b []byte) {
	upd, err := codec.DecodeState(b)
	if err != nil {
		sc.logger.Warn().Err(err).Str("peerID", peerID).Msg("dropping malformed state frame")
		return
	}
	if !sc.table.ApplyUpdate(peerID, upd) {
		sc.logger.Trace().Str("peerID", peerID).Uint64("seq", upd.Seq).Msg("stale frame discarded")
	}
}

func (sc *Scheduler) tick(now time.Time) {
	sc.mx.Lock()
	if len(sc.sinks) == 0 {
		sc.mx.Unlock()
		return
	}

	sc.seq++
	upd := sc.local
	upd.Seq = sc.seq

	type target struct {
		id   string
		sink Sink
	}
	due := make([]target, 0, len(sc.sinks))
	for id, sink := range sc.sinks {
		if now.Sub(sc.lastSend[id]) >= sc.interval {
			due = append(due, target{id: id, sink: sink})
			sc.lastSend[id] = now
		}
	}
	sc.mx.Unlock()

	if len(due) == 0 {
		return
	}

	b, err := codec.EncodeState(&upd)
	if err != nil {
		sc.logger.Error().Err(err).Msg("failed to encode local state")
		return
	}

	for _, tg := range due {
		// non-blocking by contract: a backed-up or closed peer just
		// loses this frame
		if err = tg.sink.SendState(b); err != nil {
			sc.logger.Trace().Err(err).Str("peerID", tg.id).Msg("state frame dropped")
		}
	}
}
