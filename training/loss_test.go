package training

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func uniformLogP(rows, cols int) *tensor.Tensor {
	return tensor.Full(math.Log(1/float64(cols)), rows, cols)
}

func TestIBLossIdentities(t *testing.T) {
	logit := tensor.Zeros(2, 2)
	y := []int{0, 1}

	tests := []struct {
		name      string
		batchSize int
		wantClass float64
	}{
		{"divisor matches rows", 2, 1},
		{"configured divisor", 10, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := IBLoss{K: 4, Beta: 0.01, BatchSize: tt.batchSize}
			r, err := l.Compute(logit, y, uniformLogP(2, 3), model.UniformPrior([]int{2, 3}))
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			if !almostEqual(r.ClassLoss, tt.wantClass, 1e-12) {
				t.Errorf("class loss = %v, want %v", r.ClassLoss, tt.wantClass)
			}
			if !almostEqual(r.InfoLoss, 0, 1e-12) {
				t.Errorf("info loss = %v, want 0 for prior == q", r.InfoLoss)
			}
			if r.TotalLoss != r.ClassLoss+l.Beta*r.InfoLoss {
				t.Errorf("total %v != class + beta*info", r.TotalLoss)
			}
			if !almostEqual(r.IZY, 1-tt.wantClass, 1e-12) {
				t.Errorf("IZY = %v, want log2(2) - class", r.IZY)
			}
			if r.IZX != r.InfoLoss {
				t.Errorf("IZX = %v, want info loss %v", r.IZX, r.InfoLoss)
			}
		})
	}
}

func TestIBLossKL(t *testing.T) {
	l := IBLoss{K: 4, Beta: 0.5, BatchSize: 2}
	logP := uniformLogP(1, 2)
	prior := tensor.MustNew([]int{1, 2}, []float64{0, 1})

	r, err := l.Compute(tensor.Zeros(1, 2), []int{0}, logP, prior)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// Zero prior mass contributes nothing; the other term is 1*(0 - ln 0.5).
	want := 4 * math.Ln2 / 2
	if !almostEqual(r.InfoLoss, want, 1e-12) {
		t.Errorf("info loss = %v, want %v", r.InfoLoss, want)
	}
}

func TestIBLossErrors(t *testing.T) {
	l := IBLoss{K: 1, Beta: 1, BatchSize: 1}
	logit := tensor.Zeros(2, 3)
	logP := uniformLogP(2, 4)
	prior := model.UniformPrior([]int{2, 4})

	tests := []struct {
		name  string
		run   func() error
		match error
	}{
		{"prior shape", func() error {
			_, err := l.Compute(logit, []int{0, 1}, logP, model.UniformPrior([]int{2, 5}))
			return err
		}, ErrShapeMismatch},
		{"label count", func() error {
			_, err := l.Compute(logit, []int{0}, logP, prior)
			return err
		}, ErrShapeMismatch},
		{"label range", func() error {
			_, err := l.Compute(logit, []int{0, 3}, logP, prior)
			return err
		}, ErrShapeMismatch},
		{"non-finite", func() error {
			bad := logit.Clone()
			bad.Data[0] = math.NaN()
			_, err := l.Compute(bad, []int{0, 1}, logP, prior)
			return err
		}, ErrNonFinite},
		{"infinite logit", func() error {
			bad := logit.Clone()
			bad.Data[4] = math.Inf(1)
			_, err := l.Compute(bad, []int{0, 1}, logP, prior)
			return err
		}, ErrNonFinite},
		{"infinite log_p", func() error {
			bad := logP.Clone()
			bad.Data[1] = math.Inf(-1)
			_, err := l.Compute(logit, []int{0, 1}, bad, prior)
			return err
		}, ErrNonFinite},
		{"zero batch size", func() error {
			_, err := IBLoss{K: 1}.Compute(logit, []int{0, 1}, logP, prior)
			return err
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.match != nil && !errors.Is(err, tt.match) {
				t.Errorf("error %v does not wrap %v", err, tt.match)
			}
		})
	}
}

func TestIBLossGradients(t *testing.T) {
	l := IBLoss{K: 3, Beta: 0.2, BatchSize: 4}
	logit := tensor.MustNew([]int{2, 3}, []float64{0.3, -1.2, 0.5, 2.0, 0.1, -0.4})
	y := []int{2, 0}
	logP := tensor.MustNew([]int{2, 4}, []float64{
		math.Log(0.1), math.Log(0.2), math.Log(0.3), math.Log(0.4),
		math.Log(0.25), math.Log(0.25), math.Log(0.4), math.Log(0.1),
	})
	prior := model.UniformPrior([]int{2, 4})

	r, err := l.Compute(logit, y, logP, prior)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	dLogit, dLogP := r.Gradients()

	total := func(lg, lp *tensor.Tensor) float64 {
		r, err := l.Compute(lg, y, lp, prior)
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		return r.TotalLoss
	}
	settings := &fd.Settings{Formula: fd.Central, Step: 1e-6}
	numLogit := fd.Gradient(nil, func(v []float64) float64 {
		return total(tensor.MustNew(logit.Shape, v), logP)
	}, logit.Data, settings)
	numLogP := fd.Gradient(nil, func(v []float64) float64 {
		return total(logit, tensor.MustNew(logP.Shape, v))
	}, logP.Data, settings)

	for i, num := range numLogit {
		if !almostEqual(num, dLogit.Data[i], 1e-6) {
			t.Errorf("dLogit[%d] = %v, numeric %v", i, dLogit.Data[i], num)
		}
	}
	for i, num := range numLogP {
		if !almostEqual(num, dLogP.Data[i], 1e-6) {
			t.Errorf("dLogP[%d] = %v, numeric %v", i, dLogP.Data[i], num)
		}
	}
}

func TestLabels(t *testing.T) {
	if got := Labels(tensor.FromInts([]int{2, 0, 1})); got[0] != 2 || got[2] != 1 {
		t.Errorf("index labels = %v", got)
	}
	soft := tensor.MustNew([]int{2, 3}, []float64{0.1, 0.7, 0.2, 0.9, 0.05, 0.05})
	if got := Labels(soft); got[0] != 1 || got[1] != 0 {
		t.Errorf("soft labels = %v, want [1 0]", got)
	}
}
