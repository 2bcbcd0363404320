package rpcconn

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec is the injection point that keeps the connection core generic
// over a serializer, since a concrete wire schema is out of scope here.
// Everything above the frame preamble (kind, CallId) is opaque to the
// core and passed through a Codec.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// MsgpackCodec is the default Codec, used for every request/response
// body.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return nil, NewFault(SerializationError, fmt.Errorf("marshal: %w", err))
	}
	return buf, nil
}

func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return NewFault(DeserializationError, fmt.Errorf("unmarshal: %w", err))
	}
	return nil
}

var defaultCodec Codec = MsgpackCodec{}
