package softmax

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/dist-train/checkpoint"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/model"
	"github.com/unixpickle/dist-train/simulator"
	"github.com/unixpickle/dist-train/worker"
)

type nullRecorder struct {
	trainCosts []float64
	valErrors  []float64
}

func (n *nullRecorder) Start(phase string) {}
func (n *nullRecorder) End(phase string)   {}
func (n *nullRecorder) TrainError(count int, cost, err float64) {
	n.trainCosts = append(n.trainCosts, cost)
}
func (n *nullRecorder) ValError(cost, err, err5 float64) {
	n.valErrors = append(n.valErrors, err)
}

func TestParseParams(t *testing.T) {
	p, err := ParseParams(map[string]string{"lr": "0.5", "epochs": "7", "seed": "3"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.LR)
	assert.Equal(t, 7, p.Epochs)
	assert.Equal(t, int64(3), p.Seed)
	assert.Equal(t, DefaultParams().BatchSize, p.BatchSize)

	for _, raw := range []map[string]string{
		{"lr": "fast"},
		{"momentum": "0.9"},
		{"classes": "1"},
		{"batch_size": "1000"},
	} {
		_, err := ParseParams(raw)
		assert.Error(t, err, "%v", raw)
	}
}

func TestBlobsSharding(t *testing.T) {
	full := Blobs(1, 2, 12, 3, 2, 0, 1)
	shards := []*Dataset{
		Blobs(1, 2, 4, 3, 2, 0, 3),
		Blobs(1, 2, 4, 3, 2, 1, 3),
		Blobs(1, 2, 4, 3, 2, 2, 3),
	}
	for i := 0; i < 12; i++ {
		shard := shards[i%3]
		assert.Equal(t, full.Labels[i], shard.Labels[i/3])
		assert.Equal(t, full.X.RawRowView(i), shard.X.RawRowView(i/3))
	}
}

func TestRegistered(t *testing.T) {
	m, err := model.New("softmax", "Classifier", model.Config{Rank: 1, Size: 2})
	require.NoError(t, err)
	_, err = model.Check(m)
	require.NoError(t, err)

	_, err = model.New("softmax", "Classifier", model.Config{Rank: 2, Size: 2})
	assert.Error(t, err)
}

func TestTrainingConverges(t *testing.T) {
	for _, sync := range []model.SyncType{model.Average, model.Sum} {
		t.Run(sync.String(), func(t *testing.T) {
			c := NewWithParams(DefaultParams(), 0, 1)
			require.NoError(t, c.CompileIterFns(sync))
			rec := &nullRecorder{}

			evalError := func() float64 {
				rec.valErrors = nil
				c.ResetIter(model.Val)
				for i := 0; i < c.Data().NBatchVal(); i++ {
					require.NoError(t, c.ValIter(i, rec))
				}
				sum := 0.0
				for _, e := range rec.valErrors {
					sum += e
				}
				return sum / float64(len(rec.valErrors))
			}

			initial := evalError()
			for epoch := 0; epoch < 5; epoch++ {
				for batch := 0; batch < c.Data().NBatchTrain(); batch++ {
					next, err := c.TrainIter(batch, rec)
					require.NoError(t, err)
					require.Equal(t, model.Next, next)
					c.AfterExchange()
				}
			}
			final := evalError()
			assert.Less(t, final, initial)
			assert.Less(t, final, 0.2)
		})
	}
}

func TestSumModePending(t *testing.T) {
	c := NewWithParams(DefaultParams(), 0, 1)
	require.NoError(t, c.CompileIterFns(model.Sum))
	rec := &nullRecorder{}

	_, err := c.TrainIter(0, rec)
	require.NoError(t, err)
	snap, err := c.Snapshot()
	require.NoError(t, err)
	for _, x := range snap["w"] {
		require.Zero(t, x, "weights should not move before the exchange")
	}
	nonzero := false
	for _, g := range c.Shared()[0] {
		nonzero = nonzero || g != 0
	}
	assert.True(t, nonzero, "gradient should be shared")

	// Without an exchange, the next step accumulates into
	// the shared gradient instead of moving the weights.
	first := append([]float64{}, c.Shared()[0]...)
	_, err = c.TrainIter(1, rec)
	require.NoError(t, err)
	snap, err = c.Snapshot()
	require.NoError(t, err)
	for _, x := range snap["w"] {
		require.Zero(t, x, "weights should not move before the exchange")
	}
	assert.NotEqual(t, first, c.Shared()[0])

	c.AfterExchange()
	snap, err = c.Snapshot()
	require.NoError(t, err)
	moved := false
	for _, x := range snap["w"] {
		moved = moved || x != 0
	}
	assert.True(t, moved)
	for _, g := range c.Shared()[0] {
		require.Zero(t, g, "exchanged gradient should be consumed")
	}
}

func TestSumModeReplicasAgree(t *testing.T) {
	const size = 3
	for _, strategy := range []string{"naive", "ring"} {
		for _, freq := range []int{2, 3} {
			t.Run(fmt.Sprintf("%s/Freq=%d", strategy, freq), func(t *testing.T) {
				p := DefaultParams()
				p.Epochs = 2
				classifiers := make([]*Classifier, size)
				errs := make([]error, size)
				loop := simulator.NewEventLoop()
				nodes := simulator.NewNodes(size)
				collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(comms *collcomm.Comms) {
					rank := comms.Rank()
					classifiers[rank] = NewWithParams(p, rank, size)
					w, err := worker.New(comms, "cpu",
						worker.SyncPolicy{SyncType: model.Sum, Strategy: strategy},
						worker.WithCadence(worker.Cadence{ExchangeFreq: freq, SnapshotFreq: 1}),
						worker.WithSnapshots(discardSnapshots{}),
					)
					if err == nil {
						err = w.Build(classifiers[rank], worker.BuildConfig{ModelName: "softmax"})
					}
					if err == nil {
						err = w.Run()
					}
					errs[rank] = err
				})
				require.NoError(t, loop.Run())
				for rank, err := range errs {
					require.NoError(t, err, "rank %d", rank)
				}
				moved := false
				for _, x := range classifiers[0].weights {
					moved = moved || x != 0
				}
				assert.True(t, moved)
				for rank := 1; rank < size; rank++ {
					assert.Equal(t, classifiers[0].weights, classifiers[rank].weights, "rank %d", rank)
				}
			})
		}
	}
}

type discardSnapshots struct{}

func (discardSnapshots) Write(epoch int, s checkpoint.Snapshotter) (string, error) {
	return "", nil
}

func TestLearningRate(t *testing.T) {
	p := DefaultParams()
	p.DecayEvery = 2
	c := NewWithParams(p, 0, 4)
	c.ScaleLR(4)
	assert.InDelta(t, 0.4, c.LearningRate(), 1e-12)
	c.AdjustHyperp(0)
	assert.InDelta(t, 0.4, c.LearningRate(), 1e-12)
	c.AdjustHyperp(1)
	assert.InDelta(t, 0.2, c.LearningRate(), 1e-12)
}

func TestLifecycleErrors(t *testing.T) {
	c := NewWithParams(DefaultParams(), 0, 1)
	_, err := c.TrainIter(0, &nullRecorder{})
	assert.Error(t, err)
	assert.Error(t, c.ValIter(0, &nullRecorder{}))

	require.NoError(t, c.Cleanup())
	assert.Error(t, c.Cleanup())
	_, err = c.Snapshot()
	assert.Error(t, err)
}
