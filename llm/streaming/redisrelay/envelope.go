package redisrelay

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind discriminates relay envelopes.
type Kind string

const (
	KindData  Kind = "data"
	KindEnd   Kind = "end"
	KindError Kind = "error"
)

// Envelope is one message on a relay channel.
type Envelope struct {
	Kind    Kind   `msgpack:"k"`
	Payload []byte `msgpack:"p,omitempty"`
	Error   string `msgpack:"e,omitempty"`
}

// EncodeEnvelope serializes env with msgpack.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode relay envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a msgpack envelope and checks its kind.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode relay envelope: %w", err)
	}
	switch env.Kind {
	case KindData, KindEnd, KindError:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("decode relay envelope: unknown kind %q", env.Kind)
	}
}
