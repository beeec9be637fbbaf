package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshrtc/presence/model"
)

func TestAddPendingIsIdempotent(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.AddPending("P1"))
	require.False(t, tbl.AddPending("P1"))
	require.Equal(t, 1, tbl.Len())

	p, ok := tbl.Get("P1")
	require.True(t, ok)
	require.Equal(t, model.PeerPending, p.State)
}

func TestApplyUpdateSeqGuard(t *testing.T) {
	tbl := NewTable()
	tbl.AddPending("P1")

	// unordered arrival: 5, 3, 7, 3; only 5 and 7 apply
	applied := make([]bool, 0, 4)
	for _, seq := range []uint64{5, 3, 7, 3} {
		applied = append(applied, tbl.ApplyUpdate("P1", &model.StateUpdate{
			Seq:      seq,
			Position: model.Vec3{float32(seq), 0, 0},
		}))
	}
	require.Equal(t, []bool{true, false, true, false}, applied)

	p, ok := tbl.Get("P1")
	require.True(t, ok)
	require.Equal(t, uint64(7), p.LastAppliedSeq)
	require.Equal(t, model.Vec3{7, 0, 0}, p.LastKnown.Position)
}

func TestApplyUpdateUnknownPeer(t *testing.T) {
	tbl := NewTable()
	require.False(t, tbl.ApplyUpdate("ghost", &model.StateUpdate{Seq: 1}))
}

func TestSnapshotIsolation(t *testing.T) {
	tbl := NewTable()
	tbl.AddPending("P1")
	tbl.ApplyUpdate("P1", &model.StateUpdate{
		Seq:    1,
		Custom: map[string]any{"name": "a"},
	})

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)

	// mutating the snapshot must not leak back into the table
	p := snap["P1"]
	p.LastKnown.Custom["name"] = "b"
	tbl.Remove("P1")

	require.Equal(t, 0, tbl.Len())
	require.Equal(t, "b", p.LastKnown.Custom["name"])

	tbl.AddPending("P1")
	tbl.ApplyUpdate("P1", &model.StateUpdate{
		Seq:    2,
		Custom: map[string]any{"name": "a"},
	})
	got, ok := tbl.Get("P1")
	require.True(t, ok)
	require.Equal(t, "a", got.LastKnown.Custom["name"])
}

func TestStaleSkipsConnected(t *testing.T) {
	tbl := NewTable()
	base := time.Now()
	tbl.now = func() time.Time { return base }

	tbl.AddPending("stuck")
	tbl.AddPending("healthy")
	tbl.SetState("healthy", model.PeerConnected)

	tbl.now = func() time.Time { return base.Add(time.Minute) }
	tbl.AddPending("fresh")

	stale := tbl.Stale(base.Add(30 * time.Second))
	require.Equal(t, []string{"stuck"}, stale)
}
