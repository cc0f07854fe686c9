package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/collcomm/allreduce"
	"github.com/unixpickle/dist-train/model"
	"github.com/unixpickle/dist-train/model/softmax"
	"github.com/unixpickle/dist-train/worker"
)

func TestClusterRun(t *testing.T) {
	cluster := Cluster{NumNodes: 4, PerHost: 2, Latency: 1e-3, IntraRate: 1e9, InterRate: 1e6}
	elapsed, err := cluster.Run(func(c *collcomm.Comms) {
		reducer := allreduce.HierarchicalAllreducer{DevicesPerNode: 2}
		_, err := allreduce.Allreduce(c, reducer, make([]float64, 1000), fakeReduce)
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	assert.Greater(t, elapsed, 1e-3)
}

func TestSimulateTraining(t *testing.T) {
	params := softmax.DefaultParams()
	params.Epochs = 1
	params.TrainSize = 64
	cluster := Cluster{NumNodes: 4, PerHost: 2, Latency: 1e-4, IntraRate: 1e9, InterRate: 1e8}
	for _, name := range strategies {
		t.Run(name, func(t *testing.T) {
			res, err := SimulateTraining(cluster,
				worker.SyncPolicy{SyncType: model.Average, Strategy: name},
				worker.Cadence{ExchangeFreq: 2, SnapshotFreq: 1},
				params)
			require.NoError(t, err)
			assert.Greater(t, res.Time, 0.0)
			assert.GreaterOrEqual(t, res.ValError, 0.0)
			assert.LessOrEqual(t, res.ValError, 1.0)
		})
	}
}
