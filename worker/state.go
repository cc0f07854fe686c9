package worker

import (
	"fmt"

	"github.com/unixpickle/dist-train/model"
)

// State is a worker's position in the BSP state machine.
type State int

const (
	StateInit State = iota
	StateBuilt
	StateStartEpoch
	StateTrain
	StateBarrier
	StateVal
	StateCheckpoint
	StateHyperparamAdjust
	StateEndEpoch
	StateCleanup
	StateTerminal
	StateFailed
)

var stateNames = map[State]string{
	StateInit:             "INIT",
	StateBuilt:            "BUILT",
	StateStartEpoch:       "START_EPOCH",
	StateTrain:            "TRAIN",
	StateBarrier:          "BARRIER",
	StateVal:              "VAL",
	StateCheckpoint:       "CHECKPOINT",
	StateHyperparamAdjust: "HYPERPARAM_ADJUST",
	StateEndEpoch:         "END_EPOCH",
	StateCleanup:          "CLEANUP",
	StateTerminal:         "TERMINAL",
	StateFailed:           "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Identity identifies a worker within a run.
type Identity struct {
	Rank   int
	Size   int
	Device string
}

// IsCoordinator reports whether the worker is rank 0,
// which logs and persists progress for the whole run.
func (i Identity) IsCoordinator() bool {
	return i.Rank == 0
}

// SyncPolicy selects how and over which topology the
// workers combine their contributions.
type SyncPolicy struct {
	SyncType model.SyncType
	Strategy string
}

// Cadence controls how often a worker exchanges and
// snapshots.
type Cadence struct {
	// ExchangeFreq is the number of sub-batches between
	// exchanges.
	ExchangeFreq int

	// SnapshotFreq is the number of epochs between
	// snapshots.
	SnapshotFreq int
}

// DefaultCadence exchanges after every sub-batch and
// snapshots every 5 epochs.
func DefaultCadence() Cadence {
	return Cadence{ExchangeFreq: 1, SnapshotFreq: 5}
}

// TrainingState holds the loop counters of the current
// epoch.
type TrainingState struct {
	Epoch    int
	Batch    int
	SubBatch int

	// ExchangeIter counts sub-batches since the start of
	// the epoch, and determines when exchanges happen.
	ExchangeIter int
}
