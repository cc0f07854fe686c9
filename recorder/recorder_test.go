package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/collcomm/allreduce"
	"github.com/unixpickle/dist-train/model"
	"github.com/unixpickle/dist-train/simulator"
)

func TestGatherValInfo(t *testing.T) {
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(4)
	infos := make([]model.ValInfo, len(nodes))
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		r := New(allreduce.NewGroup(c, allreduce.TreeAllreducer{}), Config{})
		rank := float64(c.Index())
		r.ValError(rank, 0.5, 1)
		r.ValError(rank+2, 0.5, 0)
		if err := r.GatherValInfo(); err != nil {
			t.Error(err)
			return
		}
		infos[c.Index()] = r.LatestValInfo()
	})
	require.NoError(t, loop.Run())

	// Local cost means are 1, 2, 3, 4.
	for _, info := range infos {
		assert.InDelta(t, 2.5, info.Cost, 1e-9)
		assert.InDelta(t, 0.5, info.Error, 1e-9)
		assert.InDelta(t, 0.5, info.Error5, 1e-9)
	}
}

func TestGatherValInfoEmpty(t *testing.T) {
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(2)
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		r := New(allreduce.NewGroup(c, allreduce.NaiveAllreducer{}), Config{})
		assert.NoError(t, r.GatherValInfo())
		assert.Equal(t, model.ValInfo{}, r.LatestValInfo())
	})
	require.NoError(t, loop.Run())
}

func TestPrintTrainInfo(t *testing.T) {
	r := New(nil, Config{PrintFreq: 3, Verbose: true})
	r.StartEpoch()
	for i := 1; i <= 7; i++ {
		r.Start(PhaseCalc)
		r.TrainError(i, 1, 0.25)
		r.End(PhaseCalc)
		r.PrintTrainInfo(i * 2)
	}
	assert.Equal(t, 2, r.NumPrints())
	r.ClearTrainInfo()
	r.PrintTrainInfo(16)
	r.PrintTrainInfo(18)
	assert.Equal(t, 2, r.NumPrints())
}

func TestEndWithoutStart(t *testing.T) {
	r := New(nil, Config{})
	assert.Panics(t, func() {
		r.End(PhaseComm)
	})
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	r := New(nil, Config{ModelName: "softmax", Dir: dir})
	require.Contains(t, r.HistoryPath(), "softmax_"+r.RunID().String())

	for epoch := 0; epoch < 2; epoch++ {
		r.StartEpoch()
		r.Start(PhaseWait)
		r.End(PhaseWait)
		r.TrainError(1, 2, 0.5)
		r.TrainError(2, 4, 0.5)
		require.NoError(t, r.Save(8*(epoch+1), 0.1))
		r.EndEpoch(8*(epoch+1), epoch)
	}

	history, err := LoadHistory(r.HistoryPath())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 0, history[0].Epoch)
	assert.Equal(t, 1, history[1].Epoch)
	assert.Equal(t, 16, history[1].Count)
	assert.InDelta(t, 3, history[1].TrainCost, 1e-9)
	assert.InDelta(t, 0.1, history[1].LR, 1e-9)
	assert.Contains(t, history[1].Seconds, PhaseWait)
	assert.Len(t, r.History(), 2)
}

func TestSaveInMemory(t *testing.T) {
	r := New(nil, Config{})
	assert.Empty(t, r.HistoryPath())
	require.NoError(t, r.Save(4, 0.01))
	assert.Len(t, r.History(), 1)
}
