package worker

import (
	"github.com/unixpickle/dist-train/checkpoint"
	"github.com/unixpickle/dist-train/exchanger"
)

// An Option configures a Worker.
type Option func(w *Worker)

// WithCadence sets how often the worker exchanges and
// snapshots. The default is DefaultCadence().
func WithCadence(c Cadence) Option {
	return func(w *Worker) {
		w.cadence = c
	}
}

// WithRecorder replaces the default recorder, which Build
// otherwise creates on top of the worker's allreducer.
func WithRecorder(r Recorder) Option {
	return func(w *Worker) {
		w.rec = r
	}
}

// WithExchanger replaces the default BSP exchanger.
func WithExchanger(e exchanger.Exchanger) Option {
	return func(w *Worker) {
		w.ex = e
	}
}

// WithExchangeMiddleware wraps the exchanger, for example
// with exchanger.Logging or exchanger.Metrics. Middleware
// is applied in order, so the last one is outermost.
func WithExchangeMiddleware(mw func(exchanger.Exchanger) exchanger.Exchanger) Option {
	return func(w *Worker) {
		w.middleware = append(w.middleware, mw)
	}
}

// WithSnapshots replaces the default snapshot writer.
func WithSnapshots(s checkpoint.Writer) Option {
	return func(w *Worker) {
		w.snapshots = s
	}
}

// WithSnapshotDir sets where the default snapshot writer
// puts snapshots, and how many of them it keeps.
func WithSnapshotDir(dir string, keep int) Option {
	return func(w *Worker) {
		w.snapshotDir = dir
		w.snapshotKeep = keep
	}
}

// WithPrintFreq sets the number of batches between
// training progress lines.
func WithPrintFreq(n int) Option {
	return func(w *Worker) {
		w.printFreq = n
	}
}

// WithRecordDir makes the default recorder save its
// history under dir.
func WithRecordDir(dir string) Option {
	return func(w *Worker) {
		w.recordDir = dir
	}
}

// WithDevicesPerNode sets the node size for hierarchical
// allreduce.
func WithDevicesPerNode(n int) Option {
	return func(w *Worker) {
		w.devicesPerNode = n
	}
}
