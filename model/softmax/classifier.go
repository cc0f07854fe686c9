// Package softmax implements a linear softmax classifier
// as a reference model for BSP training.
package softmax

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/unixpickle/dist-train/checkpoint"
	"github.com/unixpickle/dist-train/model"
	"github.com/unixpickle/dist-train/recorder"
	"github.com/unixpickle/essentials"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

func init() {
	model.Register("softmax", "Classifier", func(cfg model.Config) (any, error) {
		return New(cfg)
	})
}

var (
	_ model.Model            = (*Classifier)(nil)
	_ model.InfoPrinter      = (*Classifier)(nil)
	_ model.LearningRater    = (*Classifier)(nil)
	_ model.Exchanged        = (*Classifier)(nil)
	_ checkpoint.Snapshotter = (*Classifier)(nil)
)

// Params are the hyperparameters of a Classifier.
type Params struct {
	Epochs    int
	SubB      int
	BatchSize int
	Features  int
	Classes   int

	// TrainSize and ValSize are per worker.
	TrainSize int
	ValSize   int

	LR float64

	// The learning rate is multiplied by LRDecay after
	// every DecayEvery epochs. Zero disables decay.
	DecayEvery int
	LRDecay    float64

	Seed int64
}

// DefaultParams returns the parameters used for keys
// missing from model.Config.Params.
func DefaultParams() Params {
	return Params{
		Epochs:     3,
		SubB:       1,
		BatchSize:  16,
		Features:   8,
		Classes:    4,
		TrainSize:  256,
		ValSize:    64,
		LR:         0.1,
		DecayEvery: 0,
		LRDecay:    0.5,
		Seed:       1,
	}
}

// ParseParams overrides the defaults with string values.
func ParseParams(raw map[string]string) (Params, error) {
	p := DefaultParams()
	ints := map[string]*int{
		"epochs":      &p.Epochs,
		"subb":        &p.SubB,
		"batch_size":  &p.BatchSize,
		"features":    &p.Features,
		"classes":     &p.Classes,
		"train_size":  &p.TrainSize,
		"val_size":    &p.ValSize,
		"decay_every": &p.DecayEvery,
	}
	floatParams := map[string]*float64{
		"lr":       &p.LR,
		"lr_decay": &p.LRDecay,
	}
	for key, value := range raw {
		var err error
		if dst, ok := ints[key]; ok {
			*dst, err = strconv.Atoi(value)
		} else if dst, ok := floatParams[key]; ok {
			*dst, err = strconv.ParseFloat(value, 64)
		} else if key == "seed" {
			p.Seed, err = strconv.ParseInt(value, 10, 64)
		} else {
			return p, errors.Errorf("unknown parameter %q", key)
		}
		if err != nil {
			return p, errors.Wrapf(err, "parameter %s", key)
		}
	}
	if p.Epochs < 0 || p.SubB < 1 || p.BatchSize < 1 || p.Features < 1 || p.Classes < 2 {
		return p, errors.Errorf("invalid parameters: %+v", p)
	}
	if p.TrainSize < p.BatchSize || p.ValSize < p.BatchSize {
		return p, errors.Errorf("train and val sizes must hold at least one batch of %d", p.BatchSize)
	}
	return p, nil
}

// Classifier is a linear softmax classifier trained on a
// shard of a synthetic dataset.
//
// For model.Average, the shared buffers are the
// parameters, and each worker steps locally. For
// model.Sum, the shared buffers are gradients, normalized
// by the global batch size, and the step is taken once
// they have been summed.
type Classifier struct {
	params Params
	rank   int
	size   int

	train *Dataset
	val   *Dataset

	// weights holds W (classes x features) followed by
	// the biases; grads has the same layout.
	weights []float64
	grads   []float64
	pending bool

	sync     model.SyncType
	compiled bool
	cleaned  bool
	lr       float64

	epoch  int
	info   model.ValInfo
	valIdx int
}

// New creates a Classifier for a worker.
func New(cfg model.Config) (*Classifier, error) {
	params, err := ParseParams(cfg.Params)
	if err != nil {
		return nil, err
	}
	size := cfg.Size
	if size < 1 {
		size = 1
	}
	if cfg.Rank < 0 || cfg.Rank >= size {
		return nil, errors.Errorf("rank %d out of range for %d workers", cfg.Rank, size)
	}
	return NewWithParams(params, cfg.Rank, size), nil
}

// NewWithParams creates a Classifier from parsed
// parameters.
func NewWithParams(p Params, rank, size int) *Classifier {
	c := &Classifier{
		params:  p,
		rank:    rank,
		size:    size,
		train:   Blobs(p.Seed, p.Seed+1, p.TrainSize, p.Features, p.Classes, rank, size),
		val:     Blobs(p.Seed, p.Seed+2, p.ValSize, p.Features, p.Classes, rank, size),
		weights: make([]float64, p.Classes*(p.Features+1)),
		lr:      p.LR,
	}
	return c
}

// NEpochs returns the number of epochs to train.
func (c *Classifier) NEpochs() int {
	return c.params.Epochs
}

// NSubb returns the number of sub-batches per batch.
func (c *Classifier) NSubb() int {
	return c.params.SubB
}

// Data returns the batch counts of the shard.
func (c *Classifier) Data() model.Data {
	return batchCounts{
		train: c.train.Len() / c.params.BatchSize,
		val:   essentials.MaxInt(1, c.val.Len()/c.params.BatchSize/c.params.SubB),
	}
}

// CompileIterFns prepares the steps for a sync type.
func (c *Classifier) CompileIterFns(sync model.SyncType) error {
	if c.cleaned {
		return errors.New("compile after cleanup")
	}
	c.sync = sync
	c.grads = make([]float64, len(c.weights))
	c.compiled = true
	return nil
}

// ScaleLR multiplies the learning rate by the number of
// workers.
func (c *Classifier) ScaleLR(size int) {
	c.lr *= float64(size)
}

// LearningRate returns the current learning rate.
func (c *Classifier) LearningRate() float64 {
	return c.lr
}

// TrainIter runs a step on the given minibatch.
func (c *Classifier) TrainIter(batch int, rec model.Recorder) (int, error) {
	if !c.compiled {
		return 0, errors.New("train step before CompileIterFns")
	}
	rec.Start(recorder.PhaseCalc)
	defer rec.End(recorder.PhaseCalc)

	numBatches := c.train.Len() / c.params.BatchSize
	x, labels := c.train.Batch((batch%numBatches)*c.params.BatchSize, c.params.BatchSize)
	probs := c.forward(x)
	cost, errRate, _ := c.metrics(probs, labels)
	rec.TrainError(batch, cost, errRate)

	norm := float64(len(labels))
	if c.sync == model.Sum {
		norm *= float64(c.size)
	}
	c.gradient(x, probs, labels, norm)

	// Summed gradients accumulate until an exchange
	// combines them.
	if c.sync == model.Average {
		c.applyGrads()
	} else {
		c.pending = true
	}
	return model.Next, nil
}

// ValIter evaluates the next validation minibatch.
func (c *Classifier) ValIter(count int, rec model.Recorder) error {
	if !c.compiled {
		return errors.New("validation step before CompileIterFns")
	}
	rec.Start(recorder.PhaseCalc)
	defer rec.End(recorder.PhaseCalc)

	numBatches := c.val.Len() / c.params.BatchSize
	x, labels := c.val.Batch((c.valIdx%numBatches)*c.params.BatchSize, c.params.BatchSize)
	c.valIdx++
	cost, errRate, err5 := c.metrics(c.forward(x), labels)
	rec.ValError(cost, errRate, err5)
	return nil
}

// ResetIter resets the validation position. Training
// batches are chosen by the worker's batch index.
func (c *Classifier) ResetIter(phase model.Phase) {
	if phase == model.Val {
		c.valIdx = 0
	}
}

// AdjustHyperp decays the learning rate.
func (c *Classifier) AdjustHyperp(epoch int) {
	if c.params.DecayEvery > 0 && (epoch+1)%c.params.DecayEvery == 0 {
		c.lr *= c.params.LRDecay
	}
}

// AfterExchange takes the step for summed gradients.
func (c *Classifier) AfterExchange() {
	if c.sync == model.Sum && c.pending {
		c.applyGrads()
	}
}

// SetEpoch records the current epoch.
func (c *Classifier) SetEpoch(epoch int) {
	c.epoch = epoch
}

// SetCurrentInfo records the latest validation summary.
func (c *Classifier) SetCurrentInfo(info model.ValInfo) {
	c.info = info
}

// CurrentInfo returns the latest validation summary.
func (c *Classifier) CurrentInfo() model.ValInfo {
	return c.info
}

// Shared returns the buffers to combine across workers.
func (c *Classifier) Shared() [][]float64 {
	if c.sync == model.Sum {
		return [][]float64{c.grads}
	}
	return [][]float64{c.weights}
}

// PrintInfo logs the learning rate and latest validation
// error.
func (c *Classifier) PrintInfo(rec model.Recorder) {
	klog.V(1).Infof("rank %d: epoch %d, lr %g, val error %.4f", c.rank, c.epoch, c.lr,
		c.info.Error)
}

// Snapshot exports the weights and biases.
func (c *Classifier) Snapshot() (map[string][]float64, error) {
	if c.cleaned {
		return nil, errors.New("snapshot after cleanup")
	}
	n := c.params.Classes * c.params.Features
	return map[string][]float64{
		"w": append([]float64{}, c.weights[:n]...),
		"b": append([]float64{}, c.weights[n:]...),
	}, nil
}

// Cleanup releases the datasets and buffers.
func (c *Classifier) Cleanup() error {
	if c.cleaned {
		return errors.New("cleanup called twice")
	}
	c.cleaned = true
	c.compiled = false
	c.train = nil
	c.val = nil
	return nil
}

func (c *Classifier) weightMatrix() (*mat.Dense, []float64) {
	n := c.params.Classes * c.params.Features
	return mat.NewDense(c.params.Classes, c.params.Features, c.weights[:n]), c.weights[n:]
}

// forward computes class probabilities, one row per
// sample.
func (c *Classifier) forward(x *mat.Dense) *mat.Dense {
	w, b := c.weightMatrix()
	rows, _ := x.Dims()
	probs := mat.NewDense(rows, c.params.Classes, nil)
	probs.Mul(x, w.T())
	for i := 0; i < rows; i++ {
		row := probs.RawRowView(i)
		floats.Add(row, b)
		floats.AddConst(-floats.Max(row), row)
		for j, v := range row {
			row[j] = math.Exp(v)
		}
		floats.Scale(1/floats.Sum(row), row)
	}
	return probs
}

// metrics computes the mean cross-entropy, error rate,
// and top-5 error rate.
func (c *Classifier) metrics(probs *mat.Dense, labels []int) (cost, errRate, err5 float64) {
	for i, label := range labels {
		row := probs.RawRowView(i)
		cost -= math.Log(math.Max(row[label], 1e-12))
		// Ties count against the label.
		rank := 0
		for j, p := range row {
			if j != label && p >= row[label] {
				rank++
			}
		}
		if rank > 0 {
			errRate++
		}
		if rank >= 5 {
			err5++
		}
	}
	n := float64(len(labels))
	return cost / n, errRate / n, err5 / n
}

// gradient adds the cross-entropy gradient, divided by
// norm, to c.grads.
func (c *Classifier) gradient(x, probs *mat.Dense, labels []int, norm float64) {
	rows, _ := probs.Dims()
	delta := mat.DenseCopyOf(probs)
	for i, label := range labels {
		delta.Set(i, label, delta.At(i, label)-1)
	}
	delta.Scale(1/norm, delta)

	n := c.params.Classes * c.params.Features
	var gradW mat.Dense
	gradW.Mul(delta.T(), x)
	floats.Add(c.grads[:n], gradW.RawMatrix().Data)
	gradB := c.grads[n:]
	for i := 0; i < rows; i++ {
		floats.Add(gradB, delta.RawRowView(i))
	}
}

func (c *Classifier) applyGrads() {
	floats.AddScaled(c.weights, -c.lr, c.grads)
	clear(c.grads)
	c.pending = false
}

type batchCounts struct {
	train int
	val   int
}

func (b batchCounts) NBatchTrain() int {
	return b.train
}

func (b batchCounts) NBatchVal() int {
	return b.val
}
