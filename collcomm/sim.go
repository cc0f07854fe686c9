package collcomm

import (
	"fmt"

	"github.com/unixpickle/dist-train/simulator"
)

// SimTransport is a Transport between simulated machines.
type SimTransport struct {
	// Handle is the worker's main Goroutine's handle on
	// the event loop.
	Handle *simulator.Handle

	// Ports contains ports to all the workers in the
	// network, including the current one, indexed by
	// rank.
	Ports []*simulator.Port

	// Network is the network connecting the workers.
	Network simulator.Network

	rank int
}

// NewSimTransport creates a SimTransport for the worker
// whose port is ports[rank].
func NewSimTransport(h *simulator.Handle, network simulator.Network, ports []*simulator.Port,
	rank int) *SimTransport {
	return &SimTransport{Handle: h, Ports: ports, Network: network, rank: rank}
}

// Rank returns the index of the current worker.
func (s *SimTransport) Rank() int {
	return s.rank
}

// Size returns the number of workers.
func (s *SimTransport) Size() int {
	return len(s.Ports)
}

// Send schedules a copy of a packet on the network.
func (s *SimTransport) Send(dst int, p *Packet) error {
	p = &Packet{
		Seq:    p.Seq,
		Op:     p.Op,
		Source: p.Source,
		Flag:   p.Flag,
		Vec:    append([]float64{}, p.Vec...),
	}
	s.Network.Send(s.Handle, &simulator.Message{
		Source:  s.Ports[s.rank],
		Dest:    s.Ports[dst],
		Message: p,
		Size:    p.Size(),
	})
	return nil
}

// Recv waits (in virtual time) for the next packet.
func (s *SimTransport) Recv() (*Packet, error) {
	msg := s.Ports[s.rank].Recv(s.Handle)
	return msg.Message.(*Packet), nil
}

// Compute simulates local floating-point work.
func (s *SimTransport) Compute(flops int) {
	s.Handle.Sleep(FlopTime * float64(flops))
}

// SpawnComms creates a Comms for every node in a network
// and calls f for each node in its own Goroutine, named
// after the node's rank.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	for i := range nodes {
		rank := i
		loop.GoNamed(fmt.Sprintf("worker-%d", rank), func(h *simulator.Handle) {
			f(NewComms(NewSimTransport(h, network, ports, rank)))
		})
	}
}
