// Package memory is the rendezvous service's room registry. Rooms are
// capacity-bounded; members whose signaling connection drops without a
// leave stay registered as absent for a grace period, so an engine
// reconnect does not look like a membership change to anyone else.
package memory

import (
	"errors"
	"sync"
	"time"
)

const DefaultMaxMembers = 8

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room is not found")
)

type Member struct {
	ID       string
	Present  bool
	LastSeen time.Time
}

type Room struct {
	ID      string
	Members map[string]Member
}

// Eviction names a member removed by the janitor.
type Eviction struct {
	RoomID string
	PeerID string
}

type Store struct {
	mx         sync.Mutex
	rooms      map[string]*Room
	maxMembers int
	now        func() time.Time
}

func NewStore(maxMembers int) *Store {
	if maxMembers <= 0 {
		maxMembers = DefaultMaxMembers
	}
	return &Store{
		rooms:      make(map[string]*Room),
		maxMembers: maxMembers,
		now:        time.Now,
	}
}

// Join adds the peer to the room, creating the room on first join.
// It returns the ids of the other members already in the room and
// whether this was a rejoin of a known member. A full room is
// ErrRoomFull and registers nothing.
func (st *Store) Join(roomID, peerID string) (existing []string, rejoined bool, err error) {
	st.mx.Lock()
	defer st.mx.Unlock()

	r, ok := st.rooms[roomID]
	if !ok {
		st.rooms[roomID] = &Room{
			ID: roomID,
			Members: map[string]Member{
				peerID: {ID: peerID, Present: true, LastSeen: st.now()},
			},
		}
		return nil, false, nil
	}

	_, member := r.Members[peerID]
	if !member && len(r.Members) >= st.maxMembers {
		return nil, false, ErrRoomFull
	}

	for id := range r.Members {
		if id != peerID {
			existing = append(existing, id)
		}
	}
	r.Members[peerID] = Member{ID: peerID, Present: true, LastSeen: st.now()}
	return existing, member, nil
}

// HasCapacity reports whether the peer could join right now: known
// members are always admitted so a reconnect into a full room is not
// refused. The answer is advisory; Join re-checks under the same lock.
func (st *Store) HasCapacity(roomID, peerID string) bool {
	st.mx.Lock()
	defer st.mx.Unlock()

	r, ok := st.rooms[roomID]
	if !ok {
		return true
	}
	if _, member := r.Members[peerID]; member {
		return true
	}
	return len(r.Members) < st.maxMembers
}

// Leave removes the peer; empty rooms are deleted. Returns false if
// the peer was not a member.
func (st *Store) Leave(roomID, peerID string) bool {
	st.mx.Lock()
	defer st.mx.Unlock()

	r, ok := st.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok = r.Members[peerID]; !ok {
		return false
	}
	delete(r.Members, peerID)
	if len(r.Members) == 0 {
		delete(st.rooms, roomID)
	}
	return true
}

// MarkAbsent records a dropped signaling connection without removing
// membership.
func (st *Store) MarkAbsent(roomID, peerID string) {
	st.mx.Lock()
	defer st.mx.Unlock()

	r, ok := st.rooms[roomID]
	if !ok {
		return
	}
	if m, ok := r.Members[peerID]; ok {
		m.Present = false
		m.LastSeen = st.now()
		r.Members[peerID] = m
	}
}

// EvictStale removes members that have been absent since before the
// cutoff and reports them so departures can be announced.
func (st *Store) EvictStale(cutoff time.Time) []Eviction {
	st.mx.Lock()
	defer st.mx.Unlock()

	var evicted []Eviction
	for roomID, r := range st.rooms {
		for peerID, m := range r.Members {
			if !m.Present && m.LastSeen.Before(cutoff) {
				delete(r.Members, peerID)
				evicted = append(evicted, Eviction{RoomID: roomID, PeerID: peerID})
			}
		}
		if len(r.Members) == 0 {
			delete(st.rooms, roomID)
		}
	}
	return evicted
}

// GetRoom returns a copy of the room for inspection.
func (st *Store) GetRoom(roomID string) (*Room, error) {
	st.mx.Lock()
	defer st.mx.Unlock()

	r, ok := st.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	out := &Room{ID: r.ID, Members: make(map[string]Member, len(r.Members))}
	for id, m := range r.Members {
		out.Members[id] = m
	}
	return out, nil
}
