package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EncodeEnvelope serializes an envelope to its CBOR wire form. The
// envelope is validated first so a malformed message never reaches the
// channel.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Kind, err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates one CBOR payload. Callers drop the
// message on any error; a partial envelope is never surfaced.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
