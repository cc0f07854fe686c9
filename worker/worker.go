// Package worker drives a model through synchronous
// data-parallel training.
//
// Every worker runs the same fixed sequence of phases.
// Collective operations (exchanges, the validation gather
// and barriers) only happen in phases that every worker
// executes identically, so as long as every model reports
// the same batch counts, all workers issue the same
// collectives in the same order.
package worker

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/unixpickle/dist-train/checkpoint"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/collcomm/allreduce"
	"github.com/unixpickle/dist-train/exchanger"
	"github.com/unixpickle/dist-train/model"
	"github.com/unixpickle/dist-train/recorder"
	"k8s.io/klog/v2"
)

var (
	ErrNotBuilt     = errors.New("worker: model not built")
	ErrAlreadyBuilt = errors.New("worker: model already built")
)

// Recorder is the progress recorder a worker drives.
// It is implemented by *recorder.Recorder.
type Recorder interface {
	model.Recorder

	StartEpoch()
	PrintTrainInfo(count int)
	ClearTrainInfo()
	GatherValInfo() error
	PrintValInfo(count int)
	LatestValInfo() model.ValInfo
	Save(count int, lr float64) error
	EndEpoch(count, epoch int)
}

// BuildConfig configures Build.
type BuildConfig struct {
	// ModelName names history files and snapshots.
	ModelName string
}

// CoordinatorError collects the failures of coordinator
// writes during a run. These do not stop training.
type CoordinatorError struct {
	Errs []error
}

func (c *CoordinatorError) Error() string {
	msgs := make([]string, len(c.Errs))
	for i, err := range c.Errs {
		msgs[i] = err.Error()
	}
	return "coordinator: " + strings.Join(msgs, "; ")
}

func (c *CoordinatorError) Unwrap() []error {
	return c.Errs
}

// A Worker trains one model replica.
type Worker struct {
	id      Identity
	policy  SyncPolicy
	cadence Cadence

	comms *collcomm.Comms
	group *allreduce.Group

	printFreq      int
	recordDir      string
	devicesPerNode int
	snapshotDir    string
	snapshotKeep   int
	middleware     []func(exchanger.Exchanger) exchanger.Exchanger

	rec       Recorder
	ex        exchanger.Exchanger
	snapshots checkpoint.Writer

	model     model.Model
	printer   model.InfoPrinter
	lr        model.LearningRater
	snapshot  checkpoint.Snapshotter
	state     State
	ts        TrainingState
	coordErrs []error
}

// New creates a worker on top of a communicator.
//
// The allreduce strategy is resolved immediately, so an
// unknown strategy is reported here rather than in Run.
func New(comms *collcomm.Comms, device string, policy SyncPolicy, opts ...Option) (*Worker, error) {
	w := &Worker{
		id: Identity{
			Rank:   comms.Rank(),
			Size:   comms.Size(),
			Device: device,
		},
		policy:         policy,
		cadence:        DefaultCadence(),
		comms:          comms,
		printFreq:      recorder.DefaultPrintFreq,
		devicesPerNode: 1,
		snapshotDir:    "./snapshots/",
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.cadence.ExchangeFreq < 1 || w.cadence.SnapshotFreq < 1 {
		return nil, errors.Errorf("worker: invalid cadence %+v", w.cadence)
	}
	reducer, err := allreduce.ByName(policy.Strategy, w.devicesPerNode)
	if err != nil {
		return nil, errors.Wrap(err, "worker")
	}
	w.group = allreduce.NewGroup(comms, reducer)
	return w, nil
}

// Build checks a model's capabilities, compiles it, and
// binds the recorder and exchanger.
//
// For averaging, the learning rate is scaled by the number
// of workers here, exactly once.
func (w *Worker) Build(m any, cfg BuildConfig) error {
	if w.state != StateInit {
		return ErrAlreadyBuilt
	}
	mdl, err := model.Check(m)
	if err != nil {
		return err
	}
	if err := mdl.CompileIterFns(w.policy.SyncType); err != nil {
		return errors.Wrap(err, "compile iteration functions")
	}
	if w.policy.SyncType == model.Average {
		mdl.ScaleLR(w.id.Size)
	}
	w.model = mdl
	w.printer, _ = m.(model.InfoPrinter)
	w.lr, _ = m.(model.LearningRater)
	w.snapshot, _ = m.(checkpoint.Snapshotter)

	name := cfg.ModelName
	if name == "" {
		name = "model"
	}
	var runID string
	if w.rec == nil {
		rec := recorder.New(w.group, recorder.Config{
			PrintFreq: w.printFreq,
			ModelName: name,
			Verbose:   w.id.IsCoordinator(),
			Dir:       w.recordDir,
		})
		runID = rec.RunID().String()
		w.rec = rec
	}
	if w.ex == nil {
		w.ex = exchanger.NewBSP(w.group, w.policy.SyncType, mdl)
	}
	for _, mw := range w.middleware {
		w.ex = mw(w.ex)
	}
	if w.snapshots == nil {
		w.snapshots = &checkpoint.DirWriter{
			Dir:   w.snapshotDir,
			Model: name,
			Keep:  w.snapshotKeep,
			RunID: runID,
		}
	}
	if w.snapshot == nil && w.id.IsCoordinator() {
		klog.Warningf("model %s cannot be snapshotted", name)
	}

	w.state = StateBuilt
	if w.id.IsCoordinator() {
		klog.Infof("built %s on %d workers (%s, %s)", name, w.id.Size,
			w.policy.SyncType, w.policy.Strategy)
	}
	return nil
}

// Run trains the model for every epoch and cleans it up.
//
// Errors from the model or from collectives stop the run.
// Failed coordinator writes are logged, and returned as a
// *CoordinatorError once the run has finished.
func (w *Worker) Run() error {
	if w.state != StateBuilt {
		return ErrNotBuilt
	}
	if err := w.barrier(); err != nil {
		w.state = StateFailed
		return errors.Wrap(err, "initial barrier")
	}
	for epoch := 0; epoch < w.model.NEpochs(); epoch++ {
		for _, p := range epochPhases {
			w.state = p.state
			if err := p.run(w, epoch); err != nil {
				w.state = StateFailed
				return errors.Wrapf(err, "epoch %d: %s", epoch, p.state)
			}
		}
	}

	w.state = StateCleanup
	if err := w.model.Cleanup(); err != nil {
		w.state = StateFailed
		return errors.Wrap(err, "cleanup")
	}
	w.state = StateTerminal
	if len(w.coordErrs) > 0 {
		return &CoordinatorError{Errs: w.coordErrs}
	}
	return nil
}

// Identity returns the worker's identity.
func (w *Worker) Identity() Identity {
	return w.id
}

// State returns the current phase of the worker.
func (w *Worker) State() State {
	return w.state
}

// TrainingState returns the current loop counters.
func (w *Worker) TrainingState() TrainingState {
	return w.ts
}

// Recorder returns the bound recorder, or nil before
// Build.
func (w *Worker) Recorder() Recorder {
	return w.rec
}

type phase struct {
	state State
	run   func(w *Worker, epoch int) error
}

var epochPhases = []phase{
	{StateStartEpoch, (*Worker).startEpoch},
	{StateTrain, (*Worker).train},
	{StateBarrier, func(w *Worker, epoch int) error { return w.barrier() }},
	{StateVal, (*Worker).validate},
	{StateCheckpoint, (*Worker).checkpoint},
	{StateHyperparamAdjust, (*Worker).adjustHyperparams},
	{StateEndEpoch, (*Worker).endEpoch},
}

func (w *Worker) startEpoch(epoch int) error {
	w.ts = TrainingState{Epoch: epoch}
	w.model.SetEpoch(epoch)
	w.rec.StartEpoch()
	return nil
}

func (w *Worker) train(epoch int) error {
	numBatches := w.model.Data().NBatchTrain()
	numSubb := w.model.NSubb()
	for w.ts.Batch < numBatches {
		for sub := 0; sub < numSubb; sub++ {
			w.ts.SubBatch = sub
			next, err := w.model.TrainIter(w.ts.Batch, w.rec)
			if err != nil {
				return errors.Wrapf(err, "train batch %d", w.ts.Batch)
			}
			if next == model.Next {
				w.ts.Batch++
			} else if next >= 0 {
				w.ts.Batch = next
			} else {
				return errors.Errorf("train batch %d: invalid next batch %d", w.ts.Batch, next)
			}
			if w.ts.ExchangeIter%w.cadence.ExchangeFreq == 0 {
				if err := w.ex.Exchange(w.rec); err != nil {
					return errors.Wrapf(err, "exchange %d", w.ts.ExchangeIter)
				}
			}
			w.ts.ExchangeIter++
		}
		w.rec.PrintTrainInfo(w.ts.Batch * w.id.Size)
	}
	w.rec.ClearTrainInfo()
	w.model.ResetIter(model.Train)
	return nil
}

func (w *Worker) barrier() error {
	w.rec.Start(recorder.PhaseWait)
	defer w.rec.End(recorder.PhaseWait)
	return w.comms.Barrier()
}

func (w *Worker) validate(epoch int) error {
	count := w.count()
	numBatches := w.model.Data().NBatchVal()
	numSubb := w.model.NSubb()
	for batch := 0; batch < numBatches; batch++ {
		for sub := 0; sub < numSubb; sub++ {
			if err := w.model.ValIter(count, w.rec); err != nil {
				return errors.Wrapf(err, "val batch %d", batch)
			}
		}
	}
	w.model.ResetIter(model.Val)
	if err := w.rec.GatherValInfo(); err != nil {
		return err
	}
	w.rec.PrintValInfo(count)
	w.model.SetCurrentInfo(w.rec.LatestValInfo())
	return nil
}

func (w *Worker) checkpoint(epoch int) error {
	if !w.id.IsCoordinator() {
		return nil
	}
	var lr float64
	if w.lr != nil {
		lr = w.lr.LearningRate()
	}
	if err := w.rec.Save(w.count(), lr); err != nil {
		w.coordinatorError(errors.Wrapf(err, "save epoch %d", epoch))
	}
	if w.snapshot == nil || epoch%w.cadence.SnapshotFreq != 0 {
		return nil
	}
	dir, err := w.snapshots.Write(epoch, w.snapshot)
	if err != nil {
		w.coordinatorError(errors.Wrapf(err, "snapshot epoch %d", epoch))
	} else {
		klog.Infof("wrote snapshot %s", dir)
	}
	return nil
}

func (w *Worker) adjustHyperparams(epoch int) error {
	w.model.AdjustHyperp(epoch)
	if w.printer != nil {
		w.printer.PrintInfo(w.rec)
	}
	return nil
}

func (w *Worker) endEpoch(epoch int) error {
	w.rec.EndEpoch(w.count(), epoch)
	return nil
}

func (w *Worker) count() int {
	return w.ts.Batch * w.id.Size
}

func (w *Worker) coordinatorError(err error) {
	klog.Errorf("%v", err)
	w.coordErrs = append(w.coordErrs, err)
}
