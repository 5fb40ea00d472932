package training

import (
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/tensor"
)

func TestVMISingleRow(t *testing.T) {
	// With one row the column log-sum-exp is the row itself and ln B is 0.
	bb := tensor.MustNew([]int{1, 2}, []float64{math.Log(0.25), math.Log(0.75)})
	logit := tensor.MustNew([]int{1, 2}, []float64{1, 2})

	got, err := VMI(bb, logit)
	if err != nil {
		t.Fatalf("VMI: %v", err)
	}
	want := 0.25*(1-math.Log(0.25)) + 0.75*(2-math.Log(0.75))
	if !almostEqual(got[0], want, 1e-12) {
		t.Errorf("vmi = %v, want %v", got[0], want)
	}
}

func TestVMIShiftInvariance(t *testing.T) {
	bb := tensor.MustNew([]int{3, 3}, []float64{
		math.Log(0.7), math.Log(0.2), math.Log(0.1),
		math.Log(0.1), math.Log(0.8), math.Log(0.1),
		math.Log(0.3), math.Log(0.3), math.Log(0.4),
	})
	logit := tensor.MustNew([]int{3, 3}, []float64{1, 0, -1, 0.5, 2, 0, -0.3, 0.1, 0.2})
	base, err := VMI(bb, logit)
	if err != nil {
		t.Fatal(err)
	}

	// Black-box rows are distributions, so shifting a logit row by c
	// shifts that sample's score by exactly c.
	shifted := logit.Clone()
	for i := range shifted.Row(1) {
		shifted.Row(1)[i] += 3
	}
	got, _ := VMI(bb, shifted)
	for i := range base {
		want := base[i]
		if i == 1 {
			want += 3
		}
		if !almostEqual(got[i], want, 1e-9) {
			t.Errorf("row %d: %v, want %v", i, got[i], want)
		}
	}
}

func TestVMIShapeMismatch(t *testing.T) {
	_, err := VMI(tensor.Zeros(2, 3), tensor.Zeros(2, 4))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}
