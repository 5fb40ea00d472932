package tensor

import (
	"fmt"
)

// New creates a Float64 tensor over data. The slice is not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		DType:    Float64,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is New for shapes known to be valid; it panics on error.
func MustNew(shape []int, data []float64) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros creates a zero-filled Float64 tensor.
func Zeros(shape ...int) *Tensor {
	return MustNew(shape, nil)
}

// Full creates a Float64 tensor with every element set to value.
func Full(value float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// FromRows builds a 2-D tensor from equal-length rows.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(r), cols)
		}
		data = append(data, r...)
	}
	return New([]int{len(rows), cols}, data)
}

// FromInts builds a 1-D Int64 tensor, typically class indices.
func FromInts(values []int) *Tensor {
	data := make([]float64, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	t := MustNew([]int{len(values)}, data)
	t.DType = Int64
	return t
}
