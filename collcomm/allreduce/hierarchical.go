package allreduce

import "github.com/unixpickle/dist-train/collcomm"

// A HierarchicalAllreducer groups consecutive ranks into
// nodes of DevicesPerNode workers each, so that most
// traffic stays on the fast links inside a node.
//
// Each node's first rank is its leader. Members send their
// vectors to the leader, the leaders exchange partial
// results with every other leader, and each leader sends
// the final vector back to its members.
type HierarchicalAllreducer struct {
	// DevicesPerNode is the number of workers per node.
	// The last node may have fewer.
	DevicesPerNode int
}

const (
	hierFlagGather = iota
	hierFlagLeader
	hierFlagBcast
)

// Allreduce reduces within each node, then across nodes.
//
// Partial results are always reduced in rank order, so
// every worker ends up with identical results.
func (h HierarchicalAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	if h.DevicesPerNode < 1 {
		panic("hierarchical allreduce requires DevicesPerNode >= 1")
	}
	leader := h.leader(c.Index())
	if leader != c.Index() {
		if err := c.SendFlag(leader, hierFlagGather, data); err != nil {
			return nil, err
		}
		p, err := c.RecvPacket()
		if err != nil {
			return nil, err
		} else if p.Flag != hierFlagBcast {
			return nil, unexpectedPacket(p)
		}
		return p.Vec, nil
	}

	members := h.members(c.Size(), leader)
	leaders := h.leaders(c.Size())

	// Other leaders may finish gathering before we do, so
	// partial results can arrive interleaved with our own
	// members' vectors.
	local := make([][]float64, len(members))
	local[0] = data
	partials := make([][]float64, len(leaders))
	numLocal, numPartial := 1, 0

	sendPartial := func(partial []float64) error {
		for i, other := range leaders {
			if other == leader {
				partials[i] = partial
				continue
			}
			if err := c.SendFlag(other, hierFlagLeader, partial); err != nil {
				return err
			}
		}
		numPartial++
		return nil
	}
	if numLocal == len(members) {
		if err := sendPartial(c.Reduce(fn, local...)); err != nil {
			return nil, err
		}
	}
	for numLocal < len(members) || numPartial < len(leaders) {
		p, err := c.RecvPacket()
		if err != nil {
			return nil, err
		}
		switch p.Flag {
		case hierFlagGather:
			local[p.Source-leader] = p.Vec
			numLocal++
			if numLocal == len(members) {
				if err := sendPartial(c.Reduce(fn, local...)); err != nil {
					return nil, err
				}
			}
		case hierFlagLeader:
			partials[p.Source/h.DevicesPerNode] = p.Vec
			numPartial++
		default:
			return nil, unexpectedPacket(p)
		}
	}

	result := c.Reduce(fn, partials...)
	for _, member := range members[1:] {
		if err := c.SendFlag(member, hierFlagBcast, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (h HierarchicalAllreducer) leader(rank int) int {
	return rank - rank%h.DevicesPerNode
}

func (h HierarchicalAllreducer) members(size, leader int) []int {
	var res []int
	for i := leader; i < size && i < leader+h.DevicesPerNode; i++ {
		res = append(res, i)
	}
	return res
}

func (h HierarchicalAllreducer) leaders(size int) []int {
	var res []int
	for i := 0; i < size; i += h.DevicesPerNode {
		res = append(res, i)
	}
	return res
}
