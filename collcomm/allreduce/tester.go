package allreduce

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/simulator"
)

// RunAllreducerTests runs a battery of tests on an
// Allreducer.
//
// Each worker runs several allreduce collectives in a
// row on the same Comms, interleaved with barriers.
func RunAllreducerTests(t *testing.T, reducer Allreducer) {
	for _, numNodes := range []int{1, 2, 5, 15, 16, 17} {
		for _, size := range []int{0, 1337} {
			for _, randomized := range []bool{false, true} {
				testName := fmt.Sprintf("Nodes=%d,Size=%d,Random=%v", numNodes, size, randomized)
				t.Run(testName, func(t *testing.T) {
					runAllreducerTest(t, reducer, numNodes, size, randomized)
				})
			}
		}
	}
}

func runAllreducerTest(t *testing.T, reducer Allreducer, numNodes, size int, randomized bool) {
	const numRounds = 3

	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(numNodes)
	vectors := make([][][]float64, numRounds)
	sums := make([][]float64, numRounds)
	for round := range vectors {
		vectors[round] = make([][]float64, numNodes)
		sums[round] = make([]float64, size)
		for i := range vectors[round] {
			vectors[round][i] = make([]float64, size)
			for j := range vectors[round][i] {
				vectors[round][i][j] = rand.NormFloat64()
				sums[round][j] += vectors[round][i][j]
			}
		}
	}

	var network simulator.Network
	if randomized {
		network = simulator.RandomNetwork{}
	} else {
		switcher := simulator.NewGreedyDropSwitcher(numNodes, 1.0)
		network = simulator.NewSwitcherNetwork(switcher, nodes, 0.1)
	}

	results := make([][][]float64, numRounds)
	for round := range results {
		results[round] = make([][]float64, numNodes)
	}
	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		for round := 0; round < numRounds; round++ {
			res, err := Allreduce(c, reducer, vectors[round][c.Index()], collcomm.Sum)
			if err != nil {
				t.Error(err)
				return
			}
			results[round][c.Index()] = res
			if round == 1 {
				if err := c.Barrier(); err != nil {
					t.Error(err)
					return
				}
			}
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	for round := range results {
		verifyReductionResults(t, results[round], sums[round])
	}
}

func verifyReductionResults(t *testing.T, results [][]float64, expected []float64) {
	for i, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", i+1, len(res), len(expected))
			continue
		}
		for j, actual := range res {
			if actual != results[0][j] {
				t.Errorf("result %d is not identical to result 0", i+1)
				break
			}
		}
	}

	if len(results[0]) != len(expected) {
		t.Errorf("result 0 has length %d but expected %d", len(results[0]), len(expected))
		return
	}
	for i, x := range expected {
		if math.Abs(x-results[0][i]) > 1e-5 {
			t.Errorf("sum is incorrect (expected %f but got %f at component %d)",
				x, results[0][i], i)
			break
		}
	}
}
