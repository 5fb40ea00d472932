package tensor

import (
	"fmt"
)

// DType is the declared numeric type of a tensor. Storage is always float64;
// the dtype records how values are interpreted (Int64 tensors hold whole
// numbers, e.g. class indices).
type DType int

const (
	Float64 DType = iota
	Float32
	Int64
)

func (d DType) String() string {
	switch d {
	case Float64:
		return "Float64"
	case Float32:
		return "Float32"
	case Int64:
		return "Int64"
	default:
		return "Unknown"
	}
}

// Tensor is a dense, row-major CPU tensor. The first dimension is the batch
// dimension for every tensor that flows through the training loop.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Data     []float64
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

// Rows returns the size of the leading dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Cols returns the number of elements per leading-dimension entry.
func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 {
		return 0
	}
	if len(t.Shape) == 1 {
		return 1
	}
	return t.Strides[0]
}

// Row returns a view of the i-th entry along the leading dimension.
func (t *Tensor) Row(i int) []float64 {
	c := t.Cols()
	return t.Data[i*c : (i+1)*c]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    t.DType,
		Data:     data,
		NumElems: t.NumElems,
	}
}

// ToType returns a copy of t interpreted as dtype. Conversion to Int64
// truncates toward zero, to Float32 rounds through float32.
func (t *Tensor) ToType(dtype DType) *Tensor {
	out := t.Clone()
	out.DType = dtype
	switch dtype {
	case Int64:
		for i, v := range out.Data {
			out.Data[i] = float64(int64(v))
		}
	case Float32:
		for i, v := range out.Data {
			out.Data[i] = float64(float32(v))
		}
	}
	return out
}

// Ints returns the data as ints, for index tensors.
func (t *Tensor) Ints() []int {
	out := make([]int, len(t.Data))
	for i, v := range t.Data {
		out[i] = int(v)
	}
	return out
}

// Equal reports whether a and b have the same shape and bit-identical data.
func Equal(a, b *Tensor) bool {
	if !SameShape(a, b) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
