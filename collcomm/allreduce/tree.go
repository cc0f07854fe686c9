package allreduce

import "github.com/unixpickle/dist-train/collcomm"

// A TreeAllreducer arranges the workers in a binary tree
// and performs a reduction by going up the tree to a root
// worker, and then back down the tree to the leaves.
type TreeAllreducer struct{}

// Allreduce calls fn on vectors along a tree and returns
// the resulting reduced vector.
func (t TreeAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	parent, children := collcomm.TreePosition(c.Index(), c.Size())

	// Children are reduced in a fixed order regardless of
	// arrival order.
	messages := make([][]float64, len(children)+1)
	messages[0] = data
	for range children {
		msg, source, err := c.Recv()
		if err != nil {
			return nil, err
		}
		for i, child := range children {
			if child == source {
				messages[i+1] = msg
			}
		}
	}

	finalVector := c.Reduce(fn, messages...)
	if parent >= 0 {
		if err := c.Send(parent, finalVector); err != nil {
			return nil, err
		}
		var err error
		finalVector, _, err = c.Recv()
		if err != nil {
			return nil, err
		}
	}

	for _, child := range children {
		if err := c.Send(child, finalVector); err != nil {
			return nil, err
		}
	}

	return finalVector, nil
}
