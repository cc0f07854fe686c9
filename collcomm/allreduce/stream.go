package allreduce

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/essentials"
)

// A StreamAllreducer splits a vector up into smaller
// messages and streams the messages around a ring of all
// the workers at once.
//
// The reduction has two phases: Reduce and Broadcast.
// During Reduce, the fully reduced vector arrives at the
// first worker.
// During Broadcast, the reduced vector is streamed from
// the first worker to all the other workers.
type StreamAllreducer struct {
	// Granularity determines how many chunks the data is
	// split up into.
	// The actual number of chunks is multiplied by the
	// number of workers.
	//
	// If Granularity is 0, it is treated as 1.
	Granularity int
}

// Allreduce calls fn on chunks of data at a time and
// returns a vector resulting from the final reduction.
func (s StreamAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	if c.Size() == 1 {
		return c.Reduce(fn, data), nil
	}
	if len(data) == 0 {
		return []float64{}, nil
	}
	if c.Index() == 0 {
		return s.allreduceRoot(c, data)
	}
	return s.allreduceOther(c, data, fn)
}

func (s StreamAllreducer) allreduceRoot(c *collcomm.Comms, data []float64) ([]float64, error) {
	chunksOut := s.chunkify(c, data)
	reduced := make([]float64, 0, len(data))

	// Kick off the reduction cycle.
	if err := sendStreamPacket(c, streamPacketReduce, chunksOut[0]); err != nil {
		return nil, err
	}
	chunksOut = chunksOut[1:]

	// Push the reduction through the ring.
	waitingReduceAck := true
	for len(reduced) < len(data) {
		packet, err := c.RecvPacket()
		if err != nil {
			return nil, err
		}
		switch streamPacketType(packet.Flag) {
		case streamPacketReduce:
			reduced = append(reduced, packet.Vec...)
			if err := sendStreamPacket(c, streamPacketReduceAck, nil); err != nil {
				return nil, err
			}
		case streamPacketReduceAck:
			if !waitingReduceAck {
				panic("unexpected ACK")
			}
			if len(chunksOut) > 0 {
				if err := sendStreamPacket(c, streamPacketReduce, chunksOut[0]); err != nil {
					return nil, err
				}
				chunksOut = chunksOut[1:]
			} else {
				waitingReduceAck = false
			}
		default:
			return nil, unexpectedPacket(packet)
		}
	}

	if len(chunksOut) > 0 {
		panic("unexpected reduction completion")
	} else if len(reduced) != len(data) {
		panic("excess data")
	}

	// Push the data through the bcast cycle.
	for _, chunk := range s.chunkify(c, reduced) {
		if err := sendStreamPacket(c, streamPacketBcast, chunk); err != nil {
			return nil, err
		}
	WaitAck:
		for {
			packet, err := c.RecvPacket()
			if err != nil {
				return nil, err
			}
			switch streamPacketType(packet.Flag) {
			case streamPacketReduceAck:
				if !waitingReduceAck {
					panic("unexpected ACK")
				}
				waitingReduceAck = false
			case streamPacketBcastAck:
				break WaitAck
			default:
				return nil, unexpectedPacket(packet)
			}
		}
	}

	// Packets may be reordered, so the last reduction ACK
	// can arrive after the broadcast is done.
	for waitingReduceAck {
		packet, err := c.RecvPacket()
		if err != nil {
			return nil, err
		}
		if streamPacketType(packet.Flag) != streamPacketReduceAck {
			return nil, unexpectedPacket(packet)
		}
		waitingReduceAck = false
	}

	return reduced, nil
}

func (s StreamAllreducer) allreduceOther(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	var reduced []float64

	isLastNode := c.Index()+1 == c.Size()

	// Reduce our data into the stream.
	var reduceBlocked bool
	var reduceBuf [][]float64
	remainingData := data
	for len(reduced) == 0 {
		packet, err := c.RecvPacket()
		if err != nil {
			return nil, err
		}
		switch streamPacketType(packet.Flag) {
		case streamPacketReduce:
			if err := sendStreamPacket(c, streamPacketReduceAck, nil); err != nil {
				return nil, err
			}
			chunk := c.Reduce(fn, packet.Vec, remainingData[:len(packet.Vec)])
			remainingData = remainingData[len(packet.Vec):]
			reduceBuf = append(reduceBuf, chunk)
		case streamPacketReduceAck:
			if !reduceBlocked {
				panic("unexpected ACK")
			}
			reduceBlocked = false
		case streamPacketBcast:
			if len(reduceBuf) > 0 {
				panic("got bcast before reduce finished")
			}
			reduced = append(reduced, packet.Vec...)
			if err := sendStreamPacket(c, streamPacketBcastAck, nil); err != nil {
				return nil, err
			}
			if !isLastNode {
				// Otherwise, the packet will never reach
				// the next worker in the ring.
				if err := sendStreamPacket(c, streamPacketBcast, packet.Vec); err != nil {
					return nil, err
				}
			}
		default:
			return nil, unexpectedPacket(packet)
		}
		if !reduceBlocked && len(reduceBuf) > 0 {
			if err := sendStreamPacket(c, streamPacketReduce, reduceBuf[0]); err != nil {
				return nil, err
			}
			essentials.OrderedDelete(&reduceBuf, 0)
			reduceBlocked = true
		}
	}

	// Read the broadcasted reduction.
	bcastBlocked := !isLastNode
	var bcastBuf [][]float64
	for len(reduced) < len(data) || len(bcastBuf) > 0 || bcastBlocked || reduceBlocked {
		packet, err := c.RecvPacket()
		if err != nil {
			return nil, err
		}
		switch streamPacketType(packet.Flag) {
		case streamPacketReduceAck:
			if !reduceBlocked {
				panic("unexpected ACK")
			}
			reduceBlocked = false
		case streamPacketBcast:
			reduced = append(reduced, packet.Vec...)
			if err := sendStreamPacket(c, streamPacketBcastAck, nil); err != nil {
				return nil, err
			}
			if !isLastNode {
				bcastBuf = append(bcastBuf, packet.Vec)
			}
		case streamPacketBcastAck:
			if !bcastBlocked {
				panic("unexpected ACK")
			}
			bcastBlocked = false
		default:
			return nil, unexpectedPacket(packet)
		}
		if !bcastBlocked && len(bcastBuf) > 0 {
			if err := sendStreamPacket(c, streamPacketBcast, bcastBuf[0]); err != nil {
				return nil, err
			}
			essentials.OrderedDelete(&bcastBuf, 0)
			bcastBlocked = true
		}
	}

	return reduced, nil
}

func (s StreamAllreducer) chunkify(c *collcomm.Comms, data []float64) [][]float64 {
	granularity := s.Granularity
	if granularity == 0 {
		granularity = 1
	}
	chunkSize := essentials.MaxInt(1, len(data)/(c.Size()*granularity))
	var res [][]float64
	for i := 0; i < len(data); i += chunkSize {
		if i+chunkSize > len(data) {
			res = append(res, data[i:])
		} else {
			res = append(res, data[i:i+chunkSize])
		}
	}
	return res
}

type streamPacketType int

const (
	streamPacketReduce streamPacketType = iota
	streamPacketReduceAck
	streamPacketBcast
	streamPacketBcastAck
)

// sendStreamPacket sends a packet to the appropriate
// worker.
// For ACKs, this is the previous worker.
// For other messages, this is the next worker.
func sendStreamPacket(c *collcomm.Comms, packetType streamPacketType, payload []float64) error {
	idx := c.Index()
	var dstIdx int
	if packetType == streamPacketReduceAck || packetType == streamPacketBcastAck {
		dstIdx = idx - 1
		if dstIdx < 0 {
			dstIdx = c.Size() - 1
		}
	} else {
		dstIdx = (idx + 1) % c.Size()
	}
	return c.SendFlag(dstIdx, int(packetType), payload)
}

func unexpectedPacket(p *collcomm.Packet) error {
	return errors.Wrapf(collcomm.ErrCollectiveMismatch, "unexpected stream packet type %d from rank %d",
		p.Flag, p.Source)
}
