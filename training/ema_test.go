package training

import (
	"testing"

	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

func emaParams(w ...float64) *model.Params {
	p := model.NewParams()
	p.Add("w", tensor.MustNew([]int{len(w)}, w))
	return p
}

func TestEMAUpdate(t *testing.T) {
	tests := []struct {
		name  string
		decay float64
		want  []float64
	}{
		{"decay one keeps shadow", 1, []float64{1, 2}},
		{"decay zero copies current", 0, []float64{5, 6}},
		{"half", 0.5, []float64{3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ema, err := NewEMA(emaParams(1, 2), tt.decay)
			if err != nil {
				t.Fatalf("NewEMA: %v", err)
			}
			if err := ema.Update(emaParams(5, 6)); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got := ema.Params().Get("w").Data
			for i, w := range tt.want {
				if !almostEqual(got[i], w, 1e-12) {
					t.Errorf("w[%d] = %v, want %v", i, got[i], w)
				}
			}
		})
	}
}

func TestEMAOwnsCopy(t *testing.T) {
	src := emaParams(1, 2)
	ema, _ := NewEMA(src, DefaultEMADecay)
	src.Get("w").Data[0] = 100
	if ema.Params().Get("w").Data[0] != 1 {
		t.Error("shadow aliases the source parameters")
	}
}

func TestEMAErrors(t *testing.T) {
	if _, err := NewEMA(emaParams(1), 1.5); err == nil {
		t.Error("expected error for decay > 1")
	}
	ema, _ := NewEMA(emaParams(1, 2), 0.9)
	if err := ema.Update(emaParams(1, 2, 3)); err == nil {
		t.Error("expected error for incompatible parameters")
	}
	if err := ema.Load(emaParams(1)); err == nil {
		t.Error("expected error loading incompatible parameters")
	}
}
