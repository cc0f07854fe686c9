package allreduce

import "github.com/unixpickle/dist-train/collcomm"

// A NaiveAllreducer sends every vector from every worker
// to every other worker.
type NaiveAllreducer struct{}

// Allreduce runs fn() on all of the workers' vectors on
// every worker.
//
// Vectors are reduced in rank order, so every worker ends
// up with bitwise identical results.
func (n NaiveAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	gatheredVecs := make([][]float64, c.Size())

	if err := c.Bcast(data); err != nil {
		return nil, err
	}

	for i := 0; i < len(gatheredVecs)-1; i++ {
		incoming, source, err := c.Recv()
		if err != nil {
			return nil, err
		}
		gatheredVecs[source] = incoming
	}

	gatheredVecs[c.Index()] = data

	return c.Reduce(fn, gatheredVecs...), nil
}
