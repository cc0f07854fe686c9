package simulator

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// A ConnMat is a connectivity matrix.
//
// Entries in the matrix indicate a transfer rate from a
// source node (row) to a destination node (column).
type ConnMat struct {
	rates *mat.Dense
}

// NewConnMat creates an all-zero connection matrix.
func NewConnMat(numNodes int) *ConnMat {
	return &ConnMat{rates: mat.NewDense(numNodes, numNodes, nil)}
}

// NewConnMatFrom creates a connection matrix from
// row-major rates.
func NewConnMatFrom(numNodes int, rates []float64) *ConnMat {
	return &ConnMat{rates: mat.NewDense(numNodes, numNodes, rates)}
}

// NumNodes returns the number of nodes.
func (c *ConnMat) NumNodes() int {
	n, _ := c.rates.Dims()
	return n
}

// Get an entry in the matrix.
func (c *ConnMat) Get(src, dst int) float64 {
	return c.rates.At(src, dst)
}

// Set an entry in the matrix.
func (c *ConnMat) Set(src, dst int, value float64) {
	c.rates.Set(src, dst, value)
}

// Rates returns the row-major backing data.
func (c *ConnMat) Rates() []float64 {
	return c.rates.RawMatrix().Data
}

// SumDest sums a column of the matrix.
func (c *ConnMat) SumDest(dst int) float64 {
	return floats.Sum(mat.Col(nil, dst, c.rates))
}

// SumSource sums a row of the matrix.
func (c *ConnMat) SumSource(src int) float64 {
	return floats.Sum(c.rates.RawRowView(src))
}

// ScaleDest scales a column of the matrix.
func (c *ConnMat) ScaleDest(dst int, scale float64) {
	col := mat.Col(nil, dst, c.rates)
	floats.Scale(scale, col)
	c.rates.SetCol(dst, col)
}

// ScaleSource scales a row of the matrix.
func (c *ConnMat) ScaleSource(src int, scale float64) {
	floats.Scale(scale, c.rates.RawRowView(src))
}
