// Package model defines the capabilities a trainable
// model must provide to be driven by a BSP worker.
package model

import (
	"fmt"
	"strings"
)

// Next is returned by TrainIter to advance the batch
// index by one.
const Next = -1

// SyncType determines how the contributions of the
// workers are combined during an exchange.
type SyncType int

const (
	Sum SyncType = iota
	Average
)

// ParseSyncType parses a sync type argument.
//
// "avg" selects averaging. Any other value selects
// summing.
func ParseSyncType(s string) SyncType {
	if s == "avg" {
		return Average
	}
	return Sum
}

func (s SyncType) String() string {
	if s == Average {
		return "avg"
	}
	return "sum"
}

// Phase identifies the training or validation phase of
// an epoch.
type Phase int

const (
	Train Phase = iota
	Val
)

func (p Phase) String() string {
	if p == Val {
		return "val"
	}
	return "train"
}

// ValInfo summarizes a validation pass.
type ValInfo struct {
	Cost   float64 `json:"cost"`
	Error  float64 `json:"error"`
	Error5 float64 `json:"error_top5"`
}

// A Recorder is what a model reports its timing and
// accuracy to from inside an iteration.
type Recorder interface {
	Start(phase string)
	End(phase string)
	TrainError(count int, cost, err float64)
	ValError(cost, err, err5 float64)
}

// Data describes the number of batches in a shard.
type Data interface {
	NBatchTrain() int
	NBatchVal() int
}

// A Sizer reports the iteration bounds of a run.
type Sizer interface {
	NEpochs() int
	NSubb() int
	Data() Data
}

// An IterCompiler prepares the training and validation
// steps for a sync type.
type IterCompiler interface {
	CompileIterFns(sync SyncType) error
}

// An LRScaler scales the learning rate by the number of
// workers.
type LRScaler interface {
	ScaleLR(size int)
}

// A TrainIterator runs one training step.
//
// It returns Next, or a new batch index that replaces
// the worker's current one.
type TrainIterator interface {
	TrainIter(batch int, rec Recorder) (int, error)
}

// A ValIterator runs one validation step.
type ValIterator interface {
	ValIter(count int, rec Recorder) error
}

// An IterResetter resets the per-phase iteration state at
// the end of a phase.
type IterResetter interface {
	ResetIter(phase Phase)
}

// A HyperAdjuster updates hyperparameters after an epoch.
//
// It must be deterministic in the epoch number, since
// every worker calls it independently.
type HyperAdjuster interface {
	AdjustHyperp(epoch int)
}

// A Cleaner releases resources held by a model.
type Cleaner interface {
	Cleanup() error
}

// An EpochSetter is told the current epoch.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// An InfoSetter is given the aggregated validation info
// after every validation pass.
type InfoSetter interface {
	SetCurrentInfo(info ValInfo)
}

// A Sharer exposes the buffers which the exchanger
// combines across workers. Depending on the sync type,
// these may hold parameters or gradients.
type Sharer interface {
	Shared() [][]float64
}

// Model is the full capability set.
type Model interface {
	Sizer
	IterCompiler
	LRScaler
	TrainIterator
	ValIterator
	IterResetter
	HyperAdjuster
	Cleaner
	EpochSetter
	InfoSetter
	Sharer
}

// An InfoPrinter prints extra information after each
// validation pass.
type InfoPrinter interface {
	PrintInfo(rec Recorder)
}

// A LearningRater reports its current learning rate.
type LearningRater interface {
	LearningRate() float64
}

// Exchanged is notified after its shared buffers have
// been combined across workers.
type Exchanged interface {
	AfterExchange()
}

// ContractError is returned when a value lacks required
// model capabilities.
type ContractError struct {
	Type    string
	Missing []string
}

func (c *ContractError) Error() string {
	return fmt.Sprintf("model %s does not implement: %s", c.Type, strings.Join(c.Missing, ", "))
}

// Check verifies that v implements every capability in
// Model and returns it as a Model.
//
// If any capability is missing, a *ContractError lists
// all of them.
func Check(v any) (Model, error) {
	if v == nil {
		return nil, &ContractError{Type: "<nil>", Missing: []string{"Model"}}
	}
	var missing []string
	check := func(ok bool, name string) {
		if !ok {
			missing = append(missing, name)
		}
	}
	_, ok := v.(Sizer)
	check(ok, "NEpochs/NSubb/Data")
	_, ok = v.(IterCompiler)
	check(ok, "CompileIterFns")
	_, ok = v.(LRScaler)
	check(ok, "ScaleLR")
	_, ok = v.(TrainIterator)
	check(ok, "TrainIter")
	_, ok = v.(ValIterator)
	check(ok, "ValIter")
	_, ok = v.(IterResetter)
	check(ok, "ResetIter")
	_, ok = v.(HyperAdjuster)
	check(ok, "AdjustHyperp")
	_, ok = v.(Cleaner)
	check(ok, "Cleanup")
	_, ok = v.(EpochSetter)
	check(ok, "SetEpoch")
	_, ok = v.(InfoSetter)
	check(ok, "SetCurrentInfo")
	_, ok = v.(Sharer)
	check(ok, "Shared")
	if len(missing) > 0 {
		return nil, &ContractError{Type: fmt.Sprintf("%T", v), Missing: missing}
	}
	return v.(Model), nil
}
