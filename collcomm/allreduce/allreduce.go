// Package allreduce implements algorithms for summing or
// maxing vectors across many different connected workers.
package allreduce

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/unixpickle/dist-train/collcomm"
)

// ErrUnknownStrategy is returned by ByName for strategy
// names it does not recognize.
var ErrUnknownStrategy = errors.New("unknown exchange strategy")

// Allreducer is an algorithm that can apply a ReduceFn to
// vectors that are distributed across workers.
//
// An Allreducer assumes that the collective has already
// been started with Comms.Begin. Use the package-level
// Allreduce to run one as a standalone collective.
type Allreducer interface {
	Allreduce(c *collcomm.Comms, data []float64, fn collcomm.ReduceFn) ([]float64, error)
}

// Allreduce starts a new collective on c and runs r.
//
// Every worker must call Allreduce the same number of
// times, in the same order relative to other collectives.
func Allreduce(c *collcomm.Comms, r Allreducer, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	c.Begin(collcomm.OpAllreduce)
	res, err := r.Allreduce(c, data, fn)
	if err != nil {
		return nil, errors.Wrapf(err, "allreduce #%d", c.Seq())
	}
	return res, nil
}

// ByName looks up an exchange strategy.
//
// The devicesPerNode argument is only used by the
// hierarchical strategy.
func ByName(name string, devicesPerNode int) (Allreducer, error) {
	switch strings.ToLower(name) {
	case "naive", "ar":
		return NaiveAllreducer{}, nil
	case "tree":
		return TreeAllreducer{}, nil
	case "ring", "stream":
		return StreamAllreducer{}, nil
	case "hier", "hierarchical":
		if devicesPerNode < 1 {
			return nil, errors.Errorf("hierarchical strategy needs devices per node, got %d",
				devicesPerNode)
		}
		return HierarchicalAllreducer{DevicesPerNode: devicesPerNode}, nil
	}
	return nil, errors.Wrapf(ErrUnknownStrategy, "%q", name)
}

// Group pairs a Comms with an Allreducer to implement
// collcomm.Communicator.
type Group struct {
	Comms   *collcomm.Comms
	Reducer Allreducer
}

// NewGroup creates a Group.
func NewGroup(c *collcomm.Comms, r Allreducer) *Group {
	return &Group{Comms: c, Reducer: r}
}

// Rank returns the current worker's rank.
func (g *Group) Rank() int {
	return g.Comms.Rank()
}

// Size returns the number of workers.
func (g *Group) Size() int {
	return g.Comms.Size()
}

// Barrier runs a barrier on the underlying Comms.
func (g *Group) Barrier() error {
	return g.Comms.Barrier()
}

// Allreduce runs the group's Allreducer as a collective.
func (g *Group) Allreduce(data []float64, fn collcomm.ReduceFn) ([]float64, error) {
	return Allreduce(g.Comms, g.Reducer, data, fn)
}
