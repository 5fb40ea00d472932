package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// dense views a 2-D tensor as a gonum matrix sharing its storage.
func dense(t *Tensor) *mat.Dense {
	return mat.NewDense(t.Rows(), t.Cols(), t.Data)
}

// Affine returns x W^T + bias for x [rows, in], w [out, in] and bias [out].
func Affine(x, w, bias *Tensor) (*Tensor, error) {
	if len(w.Shape) != 2 || x.Cols() != w.Shape[1] {
		return nil, fmt.Errorf("affine: input %v does not match weight %v", x.Shape, w.Shape)
	}
	if bias.NumElems != w.Shape[0] {
		return nil, fmt.Errorf("affine: bias has %d elements, expected %d", bias.NumElems, w.Shape[0])
	}
	out := Zeros(x.Rows(), w.Shape[0])
	dense(out).Mul(dense(x), dense(w).T())
	for r := 0; r < out.Rows(); r++ {
		floats.Add(out.Row(r), bias.Data)
	}
	return out, nil
}

// MatMul returns a b for a [m, k] and b [k, n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Cols() != b.Rows() {
		return nil, fmt.Errorf("matmul: %v x %v", a.Shape, b.Shape)
	}
	out := Zeros(a.Rows(), b.Cols())
	dense(out).Mul(dense(a), dense(b))
	return out, nil
}

// AddTMul accumulates a^T b into dst for a [k, m], b [k, n] and dst [m, n].
func AddTMul(dst, a, b *Tensor) error {
	if a.Rows() != b.Rows() || dst.Rows() != a.Cols() || dst.Cols() != b.Cols() {
		return fmt.Errorf("addtmul: %v^T x %v into %v", a.Shape, b.Shape, dst.Shape)
	}
	var prod mat.Dense
	prod.Mul(dense(a).T(), dense(b))
	d := dense(dst)
	d.Add(d, &prod)
	return nil
}

// AddColSums accumulates the column sums of t into dst.
func AddColSums(dst []float64, t *Tensor) {
	for r := 0; r < t.Rows(); r++ {
		floats.Add(dst, t.Row(r))
	}
}
