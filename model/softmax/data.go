package softmax

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// A Dataset is a worker's shard of labeled samples.
type Dataset struct {
	X      *mat.Dense
	Labels []int
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Labels)
}

// Batch returns the samples [start, start+size).
func (d *Dataset) Batch(start, size int) (*mat.Dense, []int) {
	_, cols := d.X.Dims()
	x := d.X.Slice(start, start+size, 0, cols).(*mat.Dense)
	return x, d.Labels[start : start+size]
}

// Blobs generates Gaussian blobs, one per class, and
// returns the shard belonging to rank.
//
// The class centers come from centerSeed and the samples
// from sampleSeed, so training and validation sets share
// centers but not samples. Every worker generates the same
// global dataset and keeps every size-th sample, so the
// shards are disjoint and equally sized.
func Blobs(centerSeed, sampleSeed int64, perWorker, features, classes, rank, size int) *Dataset {
	rng := rand.New(rand.NewSource(centerSeed))
	centers := make([][]float64, classes)
	for i := range centers {
		centers[i] = make([]float64, features)
		for j := range centers[i] {
			centers[i][j] = rng.NormFloat64() * 3
		}
	}

	rng = rand.New(rand.NewSource(sampleSeed))
	x := mat.NewDense(perWorker, features, nil)
	labels := make([]int, perWorker)
	row := make([]float64, features)
	for i := 0; i < perWorker*size; i++ {
		label := rng.Intn(classes)
		for j := range row {
			row[j] = centers[label][j] + rng.NormFloat64()
		}
		if i%size == rank {
			x.SetRow(i/size, row)
			labels[i/size] = label
		}
	}
	return &Dataset{X: x, Labels: labels}
}
