// Package codec is the stateless boundary between in-memory messages
// and their wire encodings: JSON for rendezvous envelopes, msgpack for
// state updates on the unreliable data path. Malformed input is
// rejected with an error, never a panic.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/meshrtc/presence/model"
)

var (
	ErrUnknownType    = errors.New("unknown envelope type")
	ErrMissingRoom    = errors.New("envelope has no roomId")
	ErrMissingFrom    = errors.New("envelope has no fromPeerId")
	ErrMissingTarget  = errors.New("negotiation envelope has no toPeerId")
	ErrMissingPayload = errors.New("negotiation envelope has no payload")
	ErrBadPayload     = errors.New("payload does not match negotiation blob shape")
	ErrNotObject      = errors.New("payload is not a JSON object")
)

// EncodeEnvelope validates and marshals an envelope for the rendezvous
// channel.
func EncodeEnvelope(env *model.Envelope) ([]byte, error) {
	if err := ValidateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope unmarshals and validates one rendezvous message.
func DecodeEnvelope(b []byte) (*model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("envelope unmarshal: %w", err)
	}
	if err := ValidateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ValidateEnvelope checks required fields per envelope type and, for
// negotiation types, that the payload has the expected blob shape. The
// blobs themselves stay opaque.
func ValidateEnvelope(env *model.Envelope) error {
	if env.RoomID == "" {
		return ErrMissingRoom
	}
	if env.FromPeerID == "" {
		return ErrMissingFrom
	}

	switch env.Type {
	case model.TypeJoin, model.TypeLeave, model.TypeUserJoined, model.TypeUserLeft:
		return nil

	case model.TypeOffer, model.TypeAnswer:
		if err := requireTarget(env); err != nil {
			return err
		}
		return requirePayloadKeys(env.Payload, "type", "sdp")

	case model.TypeICECandidate:
		if err := requireTarget(env); err != nil {
			return err
		}
		return requirePayloadKeys(env.Payload, "candidate")
	}
	return errors.Join(ErrUnknownType, fmt.Errorf("type %q", env.Type))
}

func requireTarget(env *model.Envelope) error {
	if env.ToPeerID == "" {
		return ErrMissingTarget
	}
	if len(env.Payload) == 0 {
		return ErrMissingPayload
	}
	return nil
}

func requirePayloadKeys(payload json.RawMessage, keys ...string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return errors.Join(ErrNotObject, err)
	}
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return errors.Join(ErrBadPayload, fmt.Errorf("missing %q", k))
		}
	}
	return nil
}

// EncodeState marshals a state update for the unreliable data path.
func EncodeState(upd *model.StateUpdate) ([]byte, error) {
	return msgpack.Marshal(upd)
}

// DecodeState unmarshals one inbound data path message.
func DecodeState(b []byte) (*model.StateUpdate, error) {
	var upd model.StateUpdate
	if err := msgpack.Unmarshal(b, &upd); err != nil {
		return nil, fmt.Errorf("state unmarshal: %w", err)
	}
	return &upd, nil
}
