package collcomm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// An Op identifies the kind of collective operation a
// packet belongs to.
type Op uint8

const (
	OpBarrier Op = iota + 1
	OpAllreduce
)

func (o Op) String() string {
	switch o {
	case OpBarrier:
		return "barrier"
	case OpAllreduce:
		return "allreduce"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// packetHeaderSize is the number of bytes in an encoded
// packet before the payload.
const packetHeaderSize = 8 + 1 + 4 + 4 + 4

// A Packet is the unit of data exchanged between workers
// during a collective operation.
type Packet struct {
	// Seq is the index of the collective operation this
	// packet belongs to. Every worker numbers its
	// collectives identically.
	Seq uint64

	Op Op

	// Source is the rank of the sender.
	Source int

	// Flag is free for an algorithm to frame its own
	// messages (e.g. data vs. acknowledgement).
	Flag int

	Vec []float64
}

// Size returns the encoded size of the packet in bytes.
func (p *Packet) Size() float64 {
	return float64(packetHeaderSize + 8*len(p.Vec))
}

// MarshalBinary encodes the packet in little-endian
// order.
func (p *Packet) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, int(p.Size())))
	header := []interface{}{
		p.Seq,
		uint8(p.Op),
		int32(p.Source),
		int32(p.Flag),
		uint32(len(p.Vec)),
	}
	for _, field := range header {
		if err := binary.Write(buf, binary.LittleEndian, field); err != nil {
			return nil, errors.Wrap(err, "encode packet header")
		}
	}
	if err := binary.Write(buf, binary.LittleEndian, p.Vec); err != nil {
		return nil, errors.Wrap(err, "encode packet payload")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a packet produced by
// MarshalBinary.
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) < packetHeaderSize {
		return errors.Errorf("packet too short: %d bytes", len(data))
	}
	r := bytes.NewReader(data)
	var (
		op     uint8
		source int32
		flag   int32
		count  uint32
	)
	for _, field := range []interface{}{&p.Seq, &op, &source, &flag, &count} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return errors.Wrap(err, "decode packet header")
		}
	}
	if int(count)*8 != r.Len() {
		return errors.Errorf("packet payload has %d bytes but header claims %d values", r.Len(), count)
	}
	p.Op = Op(op)
	p.Source = int(source)
	p.Flag = int(flag)
	p.Vec = make([]float64, count)
	if err := binary.Read(r, binary.LittleEndian, p.Vec); err != nil {
		return errors.Wrap(err, "decode packet payload")
	}
	return nil
}
