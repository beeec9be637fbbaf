package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJoinCreatesRoom(t *testing.T) {
	st := NewStore(2)
	existing, rejoined, err := st.Join("R1", "P0")
	require.NoError(t, err)
	require.False(t, rejoined)
	require.Empty(t, existing)

	existing, rejoined, err = st.Join("R1", "P1")
	require.NoError(t, err)
	require.False(t, rejoined)
	require.Equal(t, []string{"P0"}, existing)
}

func TestCapacityRejectsThirdJoin(t *testing.T) {
	st := NewStore(2)
	_, _, err := st.Join("R1", "P0")
	require.NoError(t, err)
	_, _, err = st.Join("R1", "P1")
	require.NoError(t, err)

	_, _, err = st.Join("R1", "P2")
	require.ErrorIs(t, err, ErrRoomFull)

	// the rejected join created nothing
	r, err := st.GetRoom("R1")
	require.NoError(t, err)
	require.Len(t, r.Members, 2)
	require.NotContains(t, r.Members, "P2")
	require.False(t, st.HasCapacity("R1", "P2"))
}

func TestHasCapacityAdmitsKnownMember(t *testing.T) {
	st := NewStore(1)
	_, _, err := st.Join("R1", "P0")
	require.NoError(t, err)
	st.MarkAbsent("R1", "P0")

	// a member redialing a full room is let back in
	require.True(t, st.HasCapacity("R1", "P0"))
	require.False(t, st.HasCapacity("R1", "P1"))
	require.True(t, st.HasCapacity("R2", "P1"))
}

func TestRejoinDoesNotCountAgainstCapacity(t *testing.T) {
	st := NewStore(2)
	_, _, err := st.Join("R1", "P0")
	require.NoError(t, err)
	_, _, err = st.Join("R1", "P1")
	require.NoError(t, err)

	st.MarkAbsent("R1", "P0")
	existing, rejoined, err := st.Join("R1", "P0")
	require.NoError(t, err)
	require.True(t, rejoined)
	require.Equal(t, []string{"P1"}, existing)
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	st := NewStore(2)
	_, _, err := st.Join("R1", "P0")
	require.NoError(t, err)

	require.True(t, st.Leave("R1", "P0"))
	require.False(t, st.Leave("R1", "P0"))
	_, err = st.GetRoom("R1")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestEvictStaleSkipsPresent(t *testing.T) {
	st := NewStore(4)
	base := time.Now()
	st.now = func() time.Time { return base }

	for _, id := range []string{"P0", "P1", "P2"} {
		_, _, err := st.Join("R1", id)
		require.NoError(t, err)
	}
	st.MarkAbsent("R1", "P1")

	evicted := st.EvictStale(base.Add(time.Second))
	require.Equal(t, []Eviction{{RoomID: "R1", PeerID: "P1"}}, evicted)

	r, err := st.GetRoom("R1")
	require.NoError(t, err)
	require.Len(t, r.Members, 2)
}
