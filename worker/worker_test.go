package worker

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/dist-train/checkpoint"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/collcomm/allreduce"
	"github.com/unixpickle/dist-train/model"
	"github.com/unixpickle/dist-train/model/softmax"
	"github.com/unixpickle/dist-train/recorder"
	"github.com/unixpickle/dist-train/simulator"
)

type fakeData struct {
	train, val int
}

func (f fakeData) NBatchTrain() int { return f.train }
func (f fakeData) NBatchVal() int   { return f.val }

// fakeModel logs the calls a worker makes to it.
type fakeModel struct {
	h *simulator.Handle

	epochs     int
	subb       int
	data       fakeData
	overrides  map[int]int
	trainDelay float64

	events      []string
	trainBatch  []int
	lastTrainAt float64
	firstValAt  float64
	valCount    int
	exchanges   int
	cleanups    int
	info        model.ValInfo
	params      []float64
	lr          float64
}

func newFakeModel(epochs, subb, train, val int) *fakeModel {
	return &fakeModel{
		epochs:     epochs,
		subb:       subb,
		data:       fakeData{train: train, val: val},
		firstValAt: -1,
		params:     []float64{1, 2},
		lr:         0.1,
	}
}

func (f *fakeModel) NEpochs() int     { return f.epochs }
func (f *fakeModel) NSubb() int       { return f.subb }
func (f *fakeModel) Data() model.Data { return f.data }

func (f *fakeModel) CompileIterFns(sync model.SyncType) error {
	f.events = append(f.events, "compile:"+sync.String())
	return nil
}

func (f *fakeModel) ScaleLR(size int) {
	f.events = append(f.events, fmt.Sprintf("scale_lr:%d", size))
	f.lr *= float64(size)
}

func (f *fakeModel) TrainIter(batch int, rec model.Recorder) (int, error) {
	f.events = append(f.events, "train")
	f.trainBatch = append(f.trainBatch, batch)
	if f.trainDelay > 0 {
		f.h.Sleep(f.trainDelay)
	}
	if f.h != nil {
		f.lastTrainAt = f.h.Time()
	}
	rec.TrainError(batch, 1, 0.5)
	if next, ok := f.overrides[batch]; ok {
		return next, nil
	}
	return model.Next, nil
}

func (f *fakeModel) ValIter(count int, rec model.Recorder) error {
	if f.firstValAt < 0 && f.h != nil {
		f.firstValAt = f.h.Time()
	}
	f.valCount++
	rec.ValError(2, 0.25, 0.125)
	return nil
}

func (f *fakeModel) ResetIter(phase model.Phase) {
	f.events = append(f.events, "reset:"+phase.String())
}

func (f *fakeModel) AdjustHyperp(epoch int) {
	f.events = append(f.events, fmt.Sprintf("adjust:%d", epoch))
}

func (f *fakeModel) Cleanup() error {
	f.cleanups++
	f.events = append(f.events, "cleanup")
	return nil
}

func (f *fakeModel) SetEpoch(epoch int) {
	f.events = append(f.events, fmt.Sprintf("epoch:%d", epoch))
}

func (f *fakeModel) SetCurrentInfo(info model.ValInfo) {
	f.info = info
}

func (f *fakeModel) Shared() [][]float64 {
	return [][]float64{f.params}
}

func (f *fakeModel) AfterExchange() {
	f.exchanges++
}

func (f *fakeModel) LearningRate() float64 {
	return f.lr
}

func (f *fakeModel) Snapshot() (map[string][]float64, error) {
	return map[string][]float64{"params": f.params}, nil
}

func (f *fakeModel) count(event string) int {
	var n int
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

type snapshotLog struct {
	epochs []int
	fail   bool
}

func (s *snapshotLog) Write(epoch int, snap checkpoint.Snapshotter) (string, error) {
	if s.fail {
		return "", errors.New("disk full")
	}
	if _, err := snap.Snapshot(); err != nil {
		return "", err
	}
	s.epochs = append(s.epochs, epoch)
	return fmt.Sprintf("snap%d", epoch), nil
}

type countingRecorder struct {
	*recorder.Recorder
	saves int
}

func (c *countingRecorder) Save(count int, lr float64) error {
	c.saves++
	return c.Recorder.Save(count, lr)
}

type cluster struct {
	models    []*fakeModel
	workers   []*Worker
	recs      []*countingRecorder
	snapshots []*snapshotLog
	errs      []error
	loopErr   error
}

type clusterConfig struct {
	size    int
	policy  SyncPolicy
	cadence Cadence
	model   func(rank int) *fakeModel
	failing bool
}

func runCluster(cfg clusterConfig) *cluster {
	if cfg.cadence == (Cadence{}) {
		cfg.cadence = DefaultCadence()
	}
	if cfg.policy.Strategy == "" {
		cfg.policy.Strategy = "naive"
	}
	res := &cluster{
		models:    make([]*fakeModel, cfg.size),
		workers:   make([]*Worker, cfg.size),
		recs:      make([]*countingRecorder, cfg.size),
		snapshots: make([]*snapshotLog, cfg.size),
		errs:      make([]error, cfg.size),
	}
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(cfg.size)
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		rank := c.Rank()
		m := cfg.model(rank)
		m.h = c.Transport().(*collcomm.SimTransport).Handle
		res.models[rank] = m

		rec := &countingRecorder{
			Recorder: recorder.New(allreduce.NewGroup(c, allreduce.NaiveAllreducer{}),
				recorder.Config{ModelName: "fake", Verbose: rank == 0}),
		}
		res.recs[rank] = rec
		snaps := &snapshotLog{fail: cfg.failing}
		res.snapshots[rank] = snaps

		w, err := New(c, "cpu", cfg.policy, WithCadence(cfg.cadence), WithRecorder(rec),
			WithSnapshots(snaps))
		if err != nil {
			res.errs[rank] = err
			return
		}
		res.workers[rank] = w
		if err := w.Build(m, BuildConfig{ModelName: "fake"}); err != nil {
			res.errs[rank] = err
			return
		}
		res.errs[rank] = w.Run()
	})
	res.loopErr = loop.Run()
	return res
}

func ceilDiv(x, y int) int {
	return (x + y - 1) / y
}

func TestExchangeCadence(t *testing.T) {
	const epochs = 2
	const numBatches = 7
	for _, freq := range []int{1, 2, 3, 5, 7, 8} {
		t.Run(fmt.Sprintf("Freq=%d", freq), func(t *testing.T) {
			res := runCluster(clusterConfig{
				size:    3,
				cadence: Cadence{ExchangeFreq: freq, SnapshotFreq: 5},
				model: func(rank int) *fakeModel {
					return newFakeModel(epochs, 1, numBatches, 2)
				},
			})
			require.NoError(t, res.loopErr)
			for rank, m := range res.models {
				require.NoError(t, res.errs[rank])
				assert.Equal(t, epochs*numBatches, m.count("train"))
				assert.Equal(t, epochs*ceilDiv(numBatches, freq), m.exchanges, "rank %d", rank)
			}
		})
	}
}

func TestSubBatches(t *testing.T) {
	res := runCluster(clusterConfig{
		size:    2,
		cadence: Cadence{ExchangeFreq: 3, SnapshotFreq: 1},
		model: func(rank int) *fakeModel {
			return newFakeModel(1, 2, 4, 3)
		},
	})
	require.NoError(t, res.loopErr)
	for rank, m := range res.models {
		require.NoError(t, res.errs[rank])
		assert.Equal(t, []int{0, 1, 2, 3}, m.trainBatch)
		assert.Equal(t, ceilDiv(4, 3), m.exchanges)
		assert.Equal(t, 3*2, m.valCount)
		assert.Equal(t, TrainingState{Epoch: 0, Batch: 4, SubBatch: 1, ExchangeIter: 4},
			res.workers[rank].TrainingState())
	}
}

func TestBatchOverride(t *testing.T) {
	res := runCluster(clusterConfig{
		size: 2,
		model: func(rank int) *fakeModel {
			m := newFakeModel(1, 1, 6, 1)
			m.overrides = map[int]int{0: 3, 4: 6}
			return m
		},
	})
	require.NoError(t, res.loopErr)
	for rank, m := range res.models {
		require.NoError(t, res.errs[rank])
		assert.Equal(t, []int{0, 3, 4}, m.trainBatch)
		assert.Equal(t, 3, m.exchanges)
	}
}

func TestInvalidBatchOverride(t *testing.T) {
	res := runCluster(clusterConfig{
		size: 1,
		model: func(rank int) *fakeModel {
			m := newFakeModel(1, 1, 3, 1)
			m.overrides = map[int]int{1: -5}
			return m
		},
	})
	require.NoError(t, res.loopErr)
	assert.ErrorContains(t, res.errs[0], "invalid next batch")
	assert.Equal(t, StateFailed, res.workers[0].State())
	assert.Zero(t, res.models[0].cleanups)
}

func TestCoordinatorOnly(t *testing.T) {
	const epochs = 5
	res := runCluster(clusterConfig{
		size:    3,
		cadence: Cadence{ExchangeFreq: 1, SnapshotFreq: 2},
		model: func(rank int) *fakeModel {
			return newFakeModel(epochs, 1, 2, 1)
		},
	})
	require.NoError(t, res.loopErr)
	for rank := range res.models {
		require.NoError(t, res.errs[rank])
		if rank == 0 {
			assert.Equal(t, epochs, res.recs[rank].saves)
			assert.Equal(t, []int{0, 2, 4}, res.snapshots[rank].epochs)
		} else {
			assert.Zero(t, res.recs[rank].saves)
			assert.Empty(t, res.snapshots[rank].epochs)
		}
	}

	history := res.recs[0].History()
	require.Len(t, history, epochs)
	for i, record := range history {
		assert.Equal(t, i, record.Epoch)
		assert.Equal(t, 2*3, record.Count)
		assert.InDelta(t, 0.1, record.LR, 1e-12)
		assert.InDelta(t, 0.25, record.Val.Error, 1e-12)
	}
}

func TestLRScaling(t *testing.T) {
	for _, sync := range []model.SyncType{model.Average, model.Sum} {
		t.Run(sync.String(), func(t *testing.T) {
			res := runCluster(clusterConfig{
				size:   4,
				policy: SyncPolicy{SyncType: sync, Strategy: "tree"},
				model: func(rank int) *fakeModel {
					return newFakeModel(2, 1, 2, 1)
				},
			})
			require.NoError(t, res.loopErr)
			for rank, m := range res.models {
				require.NoError(t, res.errs[rank])
				require.Equal(t, "compile:"+sync.String(), m.events[0])
				if sync == model.Average {
					assert.Equal(t, 1, m.count("scale_lr:4"))
					assert.Equal(t, "scale_lr:4", m.events[1])
				} else {
					assert.Zero(t, m.count("scale_lr:4"))
				}
			}
		})
	}
}

func TestEpochLoop(t *testing.T) {
	res := runCluster(clusterConfig{
		size: 2,
		model: func(rank int) *fakeModel {
			return newFakeModel(3, 1, 2, 1)
		},
	})
	require.NoError(t, res.loopErr)
	expected := []string{"compile:sum"}
	for epoch := 0; epoch < 3; epoch++ {
		expected = append(expected,
			fmt.Sprintf("epoch:%d", epoch),
			"train", "train",
			"reset:train",
			"reset:val",
			fmt.Sprintf("adjust:%d", epoch),
		)
	}
	expected = append(expected, "cleanup")
	for rank, m := range res.models {
		require.NoError(t, res.errs[rank])
		assert.Equal(t, expected, m.events)
		assert.Equal(t, 1, m.cleanups)
		assert.Equal(t, StateTerminal, res.workers[rank].State())
		assert.InDelta(t, 0.25, m.info.Error, 1e-12)
	}
}

func TestBarrierAlignment(t *testing.T) {
	// Two workers, four batches, an exchange every other
	// batch, and one worker much slower than the other.
	res := runCluster(clusterConfig{
		size:    2,
		cadence: Cadence{ExchangeFreq: 2, SnapshotFreq: 5},
		model: func(rank int) *fakeModel {
			m := newFakeModel(1, 1, 4, 1)
			m.trainDelay = 10 * float64(rank+1)
			return m
		},
	})
	require.NoError(t, res.loopErr)
	var lastTrain float64
	for rank, m := range res.models {
		require.NoError(t, res.errs[rank])
		assert.Equal(t, 4, m.count("train"))
		assert.Equal(t, 2, m.exchanges)
		if m.lastTrainAt > lastTrain {
			lastTrain = m.lastTrainAt
		}
	}
	for _, m := range res.models {
		assert.GreaterOrEqual(t, m.firstValAt, lastTrain)
	}
}

func TestCoordinatorFailure(t *testing.T) {
	res := runCluster(clusterConfig{
		size:    2,
		cadence: Cadence{ExchangeFreq: 1, SnapshotFreq: 1},
		failing: true,
		model: func(rank int) *fakeModel {
			return newFakeModel(2, 1, 2, 1)
		},
	})
	require.NoError(t, res.loopErr)

	var coordErr *CoordinatorError
	require.ErrorAs(t, res.errs[0], &coordErr)
	assert.Len(t, coordErr.Errs, 2)
	assert.ErrorContains(t, res.errs[0], "disk full")
	assert.NoError(t, res.errs[1])
	for _, m := range res.models {
		assert.Equal(t, 1, m.cleanups)
		assert.Equal(t, 2*2, m.count("train"))
	}
}

func TestMismatchedBatchCounts(t *testing.T) {
	res := runCluster(clusterConfig{
		size: 2,
		model: func(rank int) *fakeModel {
			return newFakeModel(1, 1, 4-2*rank, 1)
		},
	})
	mismatch := false
	for _, err := range res.errs {
		mismatch = mismatch || errors.Is(err, collcomm.ErrCollectiveMismatch)
	}
	assert.True(t, mismatch || errors.Is(res.loopErr, simulator.ErrDeadlock),
		"errors: %v, loop: %v", res.errs, res.loopErr)
}

type partialModel struct {
	model.Sizer
	model.TrainIterator
}

func TestBuildContract(t *testing.T) {
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(1)
	var buildErr, runErr error
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		w, err := New(c, "cpu", SyncPolicy{Strategy: "naive"})
		if err != nil {
			buildErr = err
			return
		}
		buildErr = w.Build(&partialModel{}, BuildConfig{})
		runErr = w.Run()
	})
	require.NoError(t, loop.Run())

	var contractErr *model.ContractError
	require.ErrorAs(t, buildErr, &contractErr)
	assert.Contains(t, contractErr.Missing, "CompileIterFns")
	assert.ErrorIs(t, runErr, ErrNotBuilt)
}

func TestNewErrors(t *testing.T) {
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(1)
	var strategyErr, cadenceErr, rebuildErr error
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		_, strategyErr = New(c, "cpu", SyncPolicy{Strategy: "gossip"})
		_, cadenceErr = New(c, "cpu", SyncPolicy{Strategy: "naive"},
			WithCadence(Cadence{ExchangeFreq: 0, SnapshotFreq: 1}))

		w, err := New(c, "cpu", SyncPolicy{Strategy: "naive"})
		if err != nil {
			rebuildErr = err
			return
		}
		m := newFakeModel(1, 1, 1, 1)
		if err := w.Build(m, BuildConfig{}); err != nil {
			rebuildErr = err
			return
		}
		rebuildErr = w.Build(m, BuildConfig{})
	})
	require.NoError(t, loop.Run())
	assert.ErrorIs(t, strategyErr, allreduce.ErrUnknownStrategy)
	assert.Error(t, cadenceErr)
	assert.ErrorIs(t, rebuildErr, ErrAlreadyBuilt)
}

func TestSoftmaxRun(t *testing.T) {
	const size = 3
	params := softmax.DefaultParams()
	params.Epochs = 2
	params.ValSize = 32
	snapshotDir := t.TempDir()

	for _, strategy := range []string{"naive", "tree", "ring", "hier"} {
		t.Run(strategy, func(t *testing.T) {
			classifiers := make([]*softmax.Classifier, size)
			errs := make([]error, size)
			vals := make([]model.ValInfo, size)
			loop := simulator.NewEventLoop()
			nodes := simulator.NewNodes(size)
			collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
				rank := c.Rank()
				classifiers[rank] = softmax.NewWithParams(params, rank, size)
				w, err := New(c, "cpu",
					SyncPolicy{SyncType: model.Average, Strategy: strategy},
					WithDevicesPerNode(2),
					WithSnapshotDir(snapshotDir, 1),
				)
				if err == nil {
					err = w.Build(classifiers[rank], BuildConfig{ModelName: "softmax_" + strategy})
				}
				if err == nil {
					err = w.Run()
				}
				errs[rank] = err
				if w != nil && w.Recorder() != nil {
					vals[rank] = w.Recorder().LatestValInfo()
				}
			})
			require.NoError(t, loop.Run())
			for rank, err := range errs {
				require.NoError(t, err, "rank %d", rank)
			}

			for rank := 1; rank < size; rank++ {
				assert.Equal(t, classifiers[0].Shared(), classifiers[rank].Shared())
				assert.Equal(t, vals[0], vals[rank])
			}
			assert.Less(t, vals[0].Error, 0.5)

			dirs, err := checkpoint.List(snapshotDir, "softmax_"+strategy)
			require.NoError(t, err)
			require.Len(t, dirs, 1)
			snap, meta, err := checkpoint.Load(dirs[0])
			require.NoError(t, err)
			assert.Equal(t, 0, meta.Epoch)
			assert.NotEmpty(t, meta.RunID)
			assert.Contains(t, snap, "w")
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "HYPERPARAM_ADJUST", StateHyperparamAdjust.String())
	assert.Equal(t, "State(42)", State(42).String())
}
