package collcomm

import "gonum.org/v1/gonum/floats"

// FlopTime is the amount of virtual time it takes to
// perform a single floating-point operation on a
// simulated machine.
const FlopTime = 1e-9

// A ReduceFn is an operation that reduces many vectors
// into a single vector.
//
// Reductions must be associative, since allreduce
// algorithms apply them to partial results. Averaging is
// therefore done by summing and scaling afterwards.
type ReduceFn func(vecs ...[]float64) []float64

// Sum is a ReduceFn that computes a vector sum.
func Sum(vecs ...[]float64) []float64 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		floats.Add(res, v)
	}
	return res
}

// Max is a ReduceFn that computes an element-wise
// maximum.
func Max(vecs ...[]float64) []float64 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := append([]float64{}, vecs[0]...)
	for _, v := range vecs[1:] {
		for i, x := range v {
			if x > res[i] {
				res[i] = x
			}
		}
	}
	return res
}
