package tensor

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ArgmaxRows returns the index of the largest element of every row. Ties
// resolve to the lowest index.
func (t *Tensor) ArgmaxRows() []int {
	out := make([]int, t.Rows())
	for i := range out {
		out[i] = floats.MaxIdx(t.Row(i))
	}
	return out
}

// TopKRows returns, per row, the indices of the k largest elements in
// descending order of value.
func (t *Tensor) TopKRows(k int) ([][]int, error) {
	cols := t.Cols()
	if k <= 0 || k > cols {
		return nil, fmt.Errorf("top-k: k=%d out of range for %d columns", k, cols)
	}
	out := make([][]int, t.Rows())
	for i := range out {
		row := t.Row(i)
		idx := make([]int, cols)
		for j := range idx {
			idx[j] = j
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return row[idx[a]] > row[idx[b]]
		})
		out[i] = idx[:k:k]
	}
	return out, nil
}

// LogSumExpCols reduces a 2-D tensor over its leading dimension, returning
// log(sum_i exp(t[i, c])) for every column c.
func (t *Tensor) LogSumExpCols() []float64 {
	rows, cols := t.Rows(), t.Cols()
	out := make([]float64, cols)
	col := make([]float64, rows)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			col[r] = t.Data[r*cols+c]
		}
		out[c] = floats.LogSumExp(col)
	}
	return out
}

// LogSumExpRows returns log(sum_c exp(t[i, c])) for every row i.
func (t *Tensor) LogSumExpRows() []float64 {
	out := make([]float64, t.Rows())
	for i := range out {
		out[i] = floats.LogSumExp(t.Row(i))
	}
	return out
}

// LogSoftmaxRows returns log(softmax(row)) for every row.
func (t *Tensor) LogSoftmaxRows() *Tensor {
	out := t.Clone()
	out.DType = Float64
	for i := 0; i < out.Rows(); i++ {
		row := out.Row(i)
		floats.AddConst(-floats.LogSumExp(row), row)
	}
	return out
}

// SoftmaxRows returns softmax(row) for every row.
func (t *Tensor) SoftmaxRows() *Tensor {
	out := t.LogSoftmaxRows()
	for i, v := range out.Data {
		out.Data[i] = math.Exp(v)
	}
	return out
}

// Mean averages a set of equally shaped tensors element-wise.
func Mean(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("mean of zero tensors")
	}
	out := Zeros(ts[0].Shape...)
	for i, t := range ts {
		if !SameShape(t, out) {
			return nil, fmt.Errorf("mean: tensor %d has shape %v, expected %v", i, t.Shape, out.Shape)
		}
		floats.Add(out.Data, t.Data)
	}
	floats.Scale(1/float64(len(ts)), out.Data)
	return out, nil
}

// AllFinite reports whether t holds no NaN or Inf.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
