package grpccomm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/dist-train/collcomm"
)

// The codec is never registered globally. Clients and
// the server both force it.
const codecName = "bspbin"

// ack is the empty reply to a delivered packet.
type ack struct{}

// codec encodes packets with their own binary format
// instead of protocol buffers.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	switch v := v.(type) {
	case *collcomm.Packet:
		return v.MarshalBinary()
	case *ack:
		return []byte{}, nil
	}
	return nil, errors.Errorf("%s: cannot marshal %T", codecName, v)
}

func (codec) Unmarshal(data []byte, v any) error {
	switch v := v.(type) {
	case *collcomm.Packet:
		return v.UnmarshalBinary(data)
	case *ack:
		if len(data) != 0 {
			return errors.Errorf("%s: unexpected %d byte ack", codecName, len(data))
		}
		return nil
	}
	return errors.Errorf("%s: cannot unmarshal into %T", codecName, v)
}

func (codec) Name() string {
	return codecName
}
