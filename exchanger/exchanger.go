// Package exchanger combines the shared buffers of a
// model across workers.
package exchanger

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/model"
	"github.com/unixpickle/dist-train/recorder"
	"gonum.org/v1/gonum/floats"
)

// An Exchanger synchronizes a model with its peers.
//
// Exchange is a collective operation: every worker must
// call it the same number of times, in the same order
// relative to other collectives.
type Exchanger interface {
	Exchange(rec model.Recorder) error
}

var _ Exchanger = (*BSP)(nil)

// BSP is a bulk-synchronous Exchanger.
//
// It sums the model's shared buffers across all workers,
// or averages them for model.Average, and writes the
// result back into the buffers. The topology of the
// exchange is up to the Communicator.
type BSP struct {
	comm  collcomm.Communicator
	sync  model.SyncType
	model model.Sharer
}

// NewBSP creates a BSP exchanger for a model.
func NewBSP(comm collcomm.Communicator, sync model.SyncType, m model.Sharer) *BSP {
	return &BSP{comm: comm, sync: sync, model: m}
}

// SyncType returns the combine semantics of the exchange.
func (b *BSP) SyncType() model.SyncType {
	return b.sync
}

// Exchange combines the shared buffers, timing the
// communication as the recorder's comm phase.
//
// If the model implements model.Exchanged, it is notified
// once the buffers hold the combined values.
func (b *BSP) Exchange(rec model.Recorder) error {
	if rec != nil {
		rec.Start(recorder.PhaseComm)
		defer rec.End(recorder.PhaseComm)
	}

	shared := b.model.Shared()
	var flat []float64
	for _, vec := range shared {
		flat = append(flat, vec...)
	}

	combined, err := b.comm.Allreduce(flat, collcomm.Sum)
	if err != nil {
		return errors.Wrap(err, "exchange")
	}
	if len(combined) != len(flat) {
		return errors.Errorf("exchange: got %d values but shared %d", len(combined), len(flat))
	}
	scale := 1.0
	if b.sync == model.Average {
		scale = 1 / float64(b.comm.Size())
	}

	// The combined vector may be shared with the
	// communicator, so it is never modified in place.
	offset := 0
	for _, vec := range shared {
		floats.ScaleTo(vec, scale, combined[offset:offset+len(vec)])
		offset += len(vec)
	}

	if ex, ok := b.model.(model.Exchanged); ok {
		ex.AfterExchange()
	}
	return nil
}
