package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshrtc/presence/model"
)

func TestValidateEnvelope(t *testing.T) {
	offerPayload := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	candPayload := json.RawMessage(`{"candidate":"candidate:0 1 UDP 1 10.0.0.1 50000 typ host"}`)

	tests := []struct {
		name string
		env  model.Envelope
		err  error
	}{
		{
			name: "valid join",
			env:  model.Envelope{Type: model.TypeJoin, RoomID: "R1", FromPeerID: "P0"},
		},
		{
			name: "valid leave",
			env:  model.Envelope{Type: model.TypeLeave, RoomID: "R1", FromPeerID: "P0"},
		},
		{
			name: "valid offer",
			env: model.Envelope{
				Type: model.TypeOffer, RoomID: "R1",
				FromPeerID: "P0", ToPeerID: "P1", Payload: offerPayload,
			},
		},
		{
			name: "valid candidate",
			env: model.Envelope{
				Type: model.TypeICECandidate, RoomID: "R1",
				FromPeerID: "P0", ToPeerID: "P1", Payload: candPayload,
			},
		},
		{
			name: "missing room",
			env:  model.Envelope{Type: model.TypeJoin, FromPeerID: "P0"},
			err:  ErrMissingRoom,
		},
		{
			name: "missing from",
			env:  model.Envelope{Type: model.TypeJoin, RoomID: "R1"},
			err:  ErrMissingFrom,
		},
		{
			name: "offer without target",
			env: model.Envelope{
				Type: model.TypeOffer, RoomID: "R1",
				FromPeerID: "P0", Payload: offerPayload,
			},
			err: ErrMissingTarget,
		},
		{
			name: "offer without payload",
			env: model.Envelope{
				Type: model.TypeOffer, RoomID: "R1",
				FromPeerID: "P0", ToPeerID: "P1",
			},
			err: ErrMissingPayload,
		},
		{
			name: "offer payload missing sdp",
			env: model.Envelope{
				Type: model.TypeOffer, RoomID: "R1",
				FromPeerID: "P0", ToPeerID: "P1",
				Payload: json.RawMessage(`{"type":"offer"}`),
			},
			err: ErrBadPayload,
		},
		{
			name: "candidate payload not an object",
			env: model.Envelope{
				Type: model.TypeICECandidate, RoomID: "R1",
				FromPeerID: "P0", ToPeerID: "P1",
				Payload: json.RawMessage(`["nope"]`),
			},
			err: ErrNotObject,
		},
		{
			name: "unknown type",
			env:  model.Envelope{Type: "hangup", RoomID: "R1", FromPeerID: "P0"},
			err:  ErrUnknownType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvelope(&tt.env)
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{not json`))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"type":"offer","roomId":"R1","fromPeerId":"P0"}`))
	require.ErrorIs(t, err, ErrMissingTarget)
}

func TestStateRoundTrip(t *testing.T) {
	upd := model.StateUpdate{
		Seq:      42,
		Position: model.Vec3{1, 2.5, -3},
		Rotation: model.Quat{0, 0, 0, 1},
		Custom:   map[string]any{"avatar": "fox"},
	}
	b, err := EncodeState(&upd)
	require.NoError(t, err)

	got, err := DecodeState(b)
	require.NoError(t, err)
	require.Equal(t, upd.Seq, got.Seq)
	require.Equal(t, upd.Position, got.Position)
	require.Equal(t, upd.Rotation, got.Rotation)
	require.Equal(t, "fox", got.Custom["avatar"])
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	_, err := DecodeState([]byte{0xc1, 0xff, 0x00})
	require.Error(t, err)
}
