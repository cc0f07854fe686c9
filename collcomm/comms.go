// Package collcomm implements the collective
// communication layer shared by every worker: ranked
// point-to-point messaging, barriers, and the primitives
// allreduce algorithms are built from.
package collcomm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

var (
	// ErrCollectiveMismatch is returned when a peer is in
	// a different collective operation than we are.
	ErrCollectiveMismatch = errors.New("collective mismatch")

	// ErrStalePacket is returned when a packet arrives for
	// a collective that has already completed locally.
	ErrStalePacket = errors.New("stale packet")
)

// A Transport moves packets between ranked workers.
//
// Send must not block waiting for the destination to
// call Recv, and packets sent from one rank to another
// must not be lost.
type Transport interface {
	Rank() int
	Size() int
	Send(dst int, p *Packet) error
	Recv() (*Packet, error)
}

// A Computer is a Transport that wants to be charged for
// local computation, such as a simulated machine.
type Computer interface {
	Compute(flops int)
}

// A Communicator is the interface the training loop
// consumes: rank information and blocking collectives.
type Communicator interface {
	Rank() int
	Size() int
	Barrier() error
	Allreduce(data []float64, fn ReduceFn) ([]float64, error)
}

// Comms is a worker's view of the collective layer.
//
// Every collective operation starts with Begin, which
// advances a sequence number that all workers advance in
// the same order. Packets are tagged with that number, so
// a fast peer that has already moved on to the next
// collective cannot interfere with the current one.
//
// A Comms is not safe for concurrent use.
type Comms struct {
	transport Transport

	seq   uint64
	op    Op
	stash []*Packet
}

// NewComms creates a Comms on top of a Transport.
func NewComms(t Transport) *Comms {
	return &Comms{transport: t}
}

// Transport returns the underlying transport.
func (c *Comms) Transport() Transport {
	return c.transport
}

// Size gets the number of workers.
func (c *Comms) Size() int {
	return c.transport.Size()
}

// Index returns the current worker's rank.
func (c *Comms) Index() int {
	return c.transport.Rank()
}

// Rank is an alias for Index.
func (c *Comms) Rank() int {
	return c.transport.Rank()
}

// Seq returns the sequence number of the current (or
// most recent) collective.
func (c *Comms) Seq() uint64 {
	return c.seq
}

// Begin starts the next collective operation.
func (c *Comms) Begin(op Op) {
	c.seq++
	c.op = op
}

// Send schedules a vector to be sent to a worker.
func (c *Comms) Send(dst int, vec []float64) error {
	return c.SendFlag(dst, 0, vec)
}

// SendFlag is like Send, but attaches an algorithm
// specific flag to the packet.
func (c *Comms) SendFlag(dst, flag int, vec []float64) error {
	if c.op == 0 {
		panic("send outside of a collective")
	}
	p := &Packet{
		Seq:    c.seq,
		Op:     c.op,
		Source: c.Index(),
		Flag:   flag,
		Vec:    vec,
	}
	return errors.Wrapf(c.transport.Send(dst, p), "send to rank %d", dst)
}

// Bcast sends a vector to every other worker.
func (c *Comms) Bcast(vec []float64) error {
	for i := 0; i < c.Size(); i++ {
		if i == c.Index() {
			continue
		}
		if err := c.Send(i, vec); err != nil {
			return err
		}
	}
	return nil
}

// Recv receives the next vector of the current
// collective, along with the sender's rank.
func (c *Comms) Recv() ([]float64, int, error) {
	p, err := c.RecvPacket()
	if err != nil {
		return nil, 0, err
	}
	return p.Vec, p.Source, nil
}

// RecvPacket receives the next packet of the current
// collective.
//
// Packets belonging to later collectives are held until
// those collectives begin.
func (c *Comms) RecvPacket() (*Packet, error) {
	for i, p := range c.stash {
		if p.Seq == c.seq {
			essentials.OrderedDelete(&c.stash, i)
			return p, c.checkOp(p)
		}
	}
	for {
		p, err := c.transport.Recv()
		if err != nil {
			return nil, errors.Wrap(err, "receive packet")
		}
		switch {
		case p.Seq == c.seq:
			return p, c.checkOp(p)
		case p.Seq > c.seq:
			c.stash = append(c.stash, p)
		default:
			return nil, errors.Wrapf(ErrStalePacket, "rank %d: got %s #%d from rank %d during %s #%d",
				c.Index(), p.Op, p.Seq, p.Source, c.op, c.seq)
		}
	}
}

func (c *Comms) checkOp(p *Packet) error {
	if p.Op != c.op {
		return errors.Wrapf(ErrCollectiveMismatch, "rank %d is in %s #%d but rank %d sent %s",
			c.Index(), c.op, c.seq, p.Source, p.Op)
	}
	return nil
}

// Reduce applies fn to vecs, charging the transport for
// the work if it simulates computation time.
func (c *Comms) Reduce(fn ReduceFn, vecs ...[]float64) []float64 {
	res := fn(vecs...)
	if computer, ok := c.transport.(Computer); ok && len(vecs) > 0 {
		computer.Compute(len(vecs) * len(vecs[0]))
	}
	return res
}
