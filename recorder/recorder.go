// Package recorder accumulates timing and accuracy
// statistics for a training run.
package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Phases timed by the worker and exchanger.
const (
	PhaseCalc = "calc"
	PhaseComm = "comm"
	PhaseWait = "wait"
)

// DefaultPrintFreq is the number of batches between
// training progress lines.
const DefaultPrintFreq = 40

// Config configures a Recorder.
type Config struct {
	// PrintFreq is the number of batches between training
	// progress lines. Zero means DefaultPrintFreq.
	PrintFreq int

	// ModelName names the history file.
	ModelName string

	// Verbose enables progress logging. It is usually
	// only set on the coordinator.
	Verbose bool

	// Dir is where Save writes the history file. If it is
	// empty, the history is only kept in memory.
	Dir string
}

// A Record is the progress of one epoch, as saved by the
// coordinator.
type Record struct {
	Epoch      int                `json:"epoch"`
	Count      int                `json:"count"`
	LR         float64            `json:"lr"`
	TrainCost  float64            `json:"train_cost"`
	TrainError float64            `json:"train_error"`
	Val        model.ValInfo      `json:"val"`
	Seconds    map[string]float64 `json:"seconds"`
	Time       time.Time          `json:"time"`
}

// A Recorder collects per-epoch statistics.
//
// Train and validation statistics are recorded locally.
// GatherValInfo combines the validation statistics of
// every worker, and must be called by all of them.
type Recorder struct {
	comm collcomm.Communicator
	cfg  Config

	runID       uuid.UUID
	historyPath string
	history     []Record

	phaseStart  map[string]time.Time
	windowTimes map[string]time.Duration
	epochTimes  map[string]time.Duration

	windowStart  time.Time
	windowCount  int
	printedCount int
	numPrints    int
	windowCost   []float64
	windowErr    []float64

	epoch      int
	epochStart time.Time
	epochCost  []float64
	epochErr   []float64

	valCost   []float64
	valErr    []float64
	valErr5   []float64
	latestVal model.ValInfo
}

// New creates a Recorder for a worker.
func New(comm collcomm.Communicator, cfg Config) *Recorder {
	if cfg.PrintFreq <= 0 {
		cfg.PrintFreq = DefaultPrintFreq
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "model"
	}
	r := &Recorder{
		comm:        comm,
		cfg:         cfg,
		runID:       uuid.New(),
		phaseStart:  map[string]time.Time{},
		windowTimes: map[string]time.Duration{},
		epochTimes:  map[string]time.Duration{},
	}
	if cfg.Dir != "" {
		name := cfg.ModelName + "_" + r.runID.String() + ".json"
		r.historyPath = filepath.Join(cfg.Dir, name)
	}
	return r
}

// RunID identifies this run in saved history files.
func (r *Recorder) RunID() uuid.UUID {
	return r.runID
}

// HistoryPath returns the file Save writes to, or "" if
// the history is not persisted.
func (r *Recorder) HistoryPath() string {
	return r.historyPath
}

// NumPrints returns the number of training progress
// lines so far, whether or not they were logged.
func (r *Recorder) NumPrints() int {
	return r.numPrints
}

// Start starts timing a phase.
func (r *Recorder) Start(phase string) {
	r.phaseStart[phase] = time.Now()
}

// End stops timing a phase started with Start.
func (r *Recorder) End(phase string) {
	start, ok := r.phaseStart[phase]
	if !ok {
		panic("phase ended without starting: " + phase)
	}
	delete(r.phaseStart, phase)
	elapsed := time.Since(start)
	r.windowTimes[phase] += elapsed
	r.epochTimes[phase] += elapsed
}

// TrainError records the cost and error of a training
// step.
func (r *Recorder) TrainError(count int, cost, err float64) {
	r.windowCost = append(r.windowCost, cost)
	r.windowErr = append(r.windowErr, err)
	r.epochCost = append(r.epochCost, cost)
	r.epochErr = append(r.epochErr, err)
}

// ValError records the cost and errors of a validation
// step.
func (r *Recorder) ValError(cost, err, err5 float64) {
	r.valCost = append(r.valCost, cost)
	r.valErr = append(r.valErr, err)
	r.valErr5 = append(r.valErr5, err5)
}

// StartEpoch starts timing a new epoch.
func (r *Recorder) StartEpoch() {
	r.epochStart = time.Now()
	r.windowStart = r.epochStart
	r.epochCost = nil
	r.epochErr = nil
	r.epochTimes = map[string]time.Duration{}
}

// PrintTrainInfo is called after every batch with the
// global number of samples processed so far.
//
// Every PrintFreq calls, it logs the training statistics
// since the previous line.
func (r *Recorder) PrintTrainInfo(count int) {
	r.windowCount++
	if r.windowCount < r.cfg.PrintFreq {
		return
	}
	if r.cfg.Verbose {
		elapsed := time.Since(r.windowStart).Seconds()
		rate := 0.0
		if elapsed > 0 {
			rate = float64(count-r.printedCount) / elapsed
		}
		klog.Infof("%s samples: cost %.6f, error %.4f, %s, %s samples/s",
			humanize.Comma(int64(count)), mean(r.windowCost), mean(r.windowErr),
			formatTimes(r.windowTimes), humanize.CommafWithDigits(rate, 1))
	}
	r.numPrints++
	r.printedCount = count
	r.resetWindow()
}

// ClearTrainInfo discards the training statistics that
// have not been printed yet.
func (r *Recorder) ClearTrainInfo() {
	r.resetWindow()
	r.printedCount = 0
}

// GatherValInfo averages the validation statistics of
// all workers.
//
// This is a collective operation.
func (r *Recorder) GatherValInfo() error {
	local := []float64{mean(r.valCost), mean(r.valErr), mean(r.valErr5)}
	summed, err := r.comm.Allreduce(local, collcomm.Sum)
	if err != nil {
		return errors.Wrap(err, "gather validation info")
	}
	avg := make([]float64, len(summed))
	floats.ScaleTo(avg, 1/float64(r.comm.Size()), summed)
	r.latestVal = model.ValInfo{Cost: avg[0], Error: avg[1], Error5: avg[2]}
	r.valCost = nil
	r.valErr = nil
	r.valErr5 = nil
	return nil
}

// PrintValInfo logs the latest gathered validation info.
func (r *Recorder) PrintValInfo(count int) {
	if !r.cfg.Verbose {
		return
	}
	v := r.latestVal
	klog.Infof("validation at %s samples: cost %.6f, error %.4f, top-5 error %.4f",
		humanize.Comma(int64(count)), v.Cost, v.Error, v.Error5)
}

// LatestValInfo returns the result of the latest
// GatherValInfo.
func (r *Recorder) LatestValInfo() model.ValInfo {
	return r.latestVal
}

// Save appends the epoch's progress to the history and
// writes the history file, if there is one.
func (r *Recorder) Save(count int, lr float64) error {
	seconds := map[string]float64{}
	for phase, d := range r.epochTimes {
		seconds[phase] = d.Seconds()
	}
	r.history = append(r.history, Record{
		Epoch:      r.epoch,
		Count:      count,
		LR:         lr,
		TrainCost:  mean(r.epochCost),
		TrainError: mean(r.epochErr),
		Val:        r.latestVal,
		Seconds:    seconds,
		Time:       time.Now(),
	})
	if r.historyPath == "" {
		return nil
	}
	return writeJSON(r.historyPath, r.history)
}

// EndEpoch logs the end of an epoch.
func (r *Recorder) EndEpoch(count, epoch int) {
	r.epoch = epoch + 1
	if r.cfg.Verbose {
		klog.Infof("epoch %d finished after %s samples in %.2fs (%s)", epoch,
			humanize.Comma(int64(count)), time.Since(r.epochStart).Seconds(),
			formatTimes(r.epochTimes))
	}
}

// History returns the records saved so far.
func (r *Recorder) History() []Record {
	return append([]Record{}, r.history...)
}

// LoadHistory reads a history file written by Save.
func LoadHistory(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read history")
	}
	var res []Record
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrapf(err, "decode history %s", path)
	}
	return res, nil
}

func (r *Recorder) resetWindow() {
	r.windowCount = 0
	r.windowCost = nil
	r.windowErr = nil
	r.windowTimes = map[string]time.Duration{}
	r.windowStart = time.Now()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create history directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write history")
	}
	return errors.Wrap(os.Rename(tmp, path), "write history")
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

func formatTimes(times map[string]time.Duration) string {
	var phases []string
	for phase := range times {
		phases = append(phases, phase)
	}
	sort.Strings(phases)
	parts := make([]string, len(phases))
	for i, phase := range phases {
		parts[i] = phase + " " + times[phase].Round(time.Millisecond).String()
	}
	if len(parts) == 0 {
		return "no timings"
	}
	return strings.Join(parts, ", ")
}
