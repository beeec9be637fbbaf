// Package room holds the authoritative local view of session
// membership. The table is the only state shared between the
// rendezvous event loop, the peer supervisors, the broadcast scheduler
// and external consumers, so every mutation happens under its lock and
// reads hand out copies.
package room

import (
	"maps"
	"sync"
	"time"

	"github.com/meshrtc/presence/model"
)

type entry struct {
	id             string
	state          model.PeerState
	lastKnown      model.StateUpdate
	lastAppliedSeq uint64
	lastActivityAt time.Time
}

// Table maps peerId to the peer's connection and last-known state.
type Table struct {
	mx    sync.RWMutex
	peers map[string]*entry
	now   func() time.Time
}

func NewTable() *Table {
	return &Table{
		peers: make(map[string]*entry),
		now:   time.Now,
	}
}

// AddPending inserts a new peer in the Pending state. Returns false if
// the peer is already present, leaving the existing entry untouched.
func (t *Table) AddPending(peerID string) bool {
	t.mx.Lock()
	defer t.mx.Unlock()

	if _, ok := t.peers[peerID]; ok {
		return false
	}
	t.peers[peerID] = &entry{
		id:             peerID,
		state:          model.PeerPending,
		lastActivityAt: t.now(),
	}
	return true
}

// SetState records a supervisor state transition. Unknown peers are
// ignored (the entry may already be gone after a leave).
func (t *Table) SetState(peerID string, state model.PeerState) {
	t.mx.Lock()
	defer t.mx.Unlock()

	if e, ok := t.peers[peerID]; ok {
		e.state = state
		e.lastActivityAt = t.now()
	}
}

// ApplyUpdate applies an inbound state update if it is newer than the
// last applied one. Stale, duplicate and reordered updates return
// false and leave the entry unchanged; the data path is lossy and
// unordered, so that is the expected case, not an error.
func (t *Table) ApplyUpdate(peerID string, upd *model.StateUpdate) bool {
	t.mx.Lock()
	defer t.mx.Unlock()

	e, ok := t.peers[peerID]
	if !ok {
		return false
	}
	e.lastActivityAt = t.now()
	if upd.Seq <= e.lastAppliedSeq {
		return false
	}
	e.lastAppliedSeq = upd.Seq
	e.lastKnown = *upd
	e.lastKnown.Custom = maps.Clone(upd.Custom)
	return true
}

// Touch refreshes a peer's activity timestamp without changing state.
func (t *Table) Touch(peerID string) {
	t.mx.Lock()
	defer t.mx.Unlock()

	if e, ok := t.peers[peerID]; ok {
		e.lastActivityAt = t.now()
	}
}

// Remove drops the peer from the table. Returns false if it was not
// there.
func (t *Table) Remove(peerID string) bool {
	t.mx.Lock()
	defer t.mx.Unlock()

	if _, ok := t.peers[peerID]; !ok {
		return false
	}
	delete(t.peers, peerID)
	return true
}

// Get returns a copy of one peer entry.
func (t *Table) Get(peerID string) (model.Peer, bool) {
	t.mx.RLock()
	defer t.mx.RUnlock()

	e, ok := t.peers[peerID]
	if !ok {
		return model.Peer{}, false
	}
	return e.peer(), true
}

// Snapshot returns copies of all entries, safe to iterate while
// writers continue.
func (t *Table) Snapshot() map[string]model.Peer {
	t.mx.RLock()
	defer t.mx.RUnlock()

	out := make(map[string]model.Peer, len(t.peers))
	for id, e := range t.peers {
		out[id] = e.peer()
	}
	return out
}

// Stale lists peers that never reached Connected and have been silent
// since before the cutoff. A negotiation that never completes has to
// be garbage-collected eventually.
func (t *Table) Stale(cutoff time.Time) []string {
	t.mx.RLock()
	defer t.mx.RUnlock()

	var ids []string
	for id, e := range t.peers {
		if e.state != model.PeerConnected && e.lastActivityAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of peers in the table.
func (t *Table) Len() int {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return len(t.peers)
}

func (e *entry) peer() model.Peer {
	p := model.Peer{
		ID:             e.id,
		State:          e.state,
		LastKnown:      e.lastKnown,
		LastAppliedSeq: e.lastAppliedSeq,
		LastActivityAt: e.lastActivityAt,
	}
	p.LastKnown.Custom = maps.Clone(e.lastKnown.Custom)
	return p
}
