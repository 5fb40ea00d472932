package optimizer

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-vibi/checkpoints"
)

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %g", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}
}

func TestNewAdamOptimizerValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*AdamConfig)
	}{
		{"negative_lr", func(c *AdamConfig) { c.LearningRate = -1 }},
		{"beta1_one", func(c *AdamConfig) { c.Beta1 = 1 }},
		{"beta2_negative", func(c *AdamConfig) { c.Beta2 = -0.1 }},
		{"zero_epsilon", func(c *AdamConfig) { c.Epsilon = 0 }},
		{"negative_weight_decay", func(c *AdamConfig) { c.WeightDecay = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultAdamConfig()
			tt.modify(&config)
			if _, err := NewAdamOptimizer(config); err == nil {
				t.Error("Expected configuration error")
			}
		})
	}
}

// The first bias-corrected Adam step moves every weight by lr*sign(g).
func TestAdamFirstStep(t *testing.T) {
	params, grads := testParams()
	before := params.Clone()

	config := DefaultAdamConfig()
	config.LearningRate = 0.01
	config.Beta1 = 0.5
	adam, err := NewAdamOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := adam.Step(params, grads); err != nil {
		t.Fatalf("Step() error = %v", err)
	}

	for _, name := range params.Names() {
		p, b, g := params.Get(name).Data, before.Get(name).Data, grads.Get(name).Data
		for j := range p {
			want := b[j]
			if g[j] > 0 {
				want -= 0.01
			} else if g[j] < 0 {
				want += 0.01
			}
			if math.Abs(p[j]-want) > 1e-6 {
				t.Errorf("%s[%d] = %v, want %v", name, j, p[j], want)
			}
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}
}

// Resuming from a checkpointed state must continue exactly like the
// uninterrupted optimizer.
func TestAdamStateRoundTrip(t *testing.T) {
	config := DefaultAdamConfig()
	config.Beta1 = 0.5

	params, grads := testParams()
	adam, _ := NewAdamOptimizer(config)
	for i := 0; i < 3; i++ {
		if err := adam.Step(params, grads); err != nil {
			t.Fatal(err)
		}
	}

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if len(state.StateData) != 4 {
		t.Fatalf("Expected 4 state tensors, got %d", len(state.StateData))
	}

	path := filepath.Join(t.TempDir(), "opt.ckpt")
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatProto)
	if err := saver.SaveCheckpoint(&checkpoints.Checkpoint{OptimizerState: state}, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}

	resumed, _ := NewAdamOptimizer(DefaultAdamConfig())
	if err := resumed.LoadState(loaded.OptimizerState); err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if resumed.Beta1 != 0.5 || resumed.GetStepCount() != 3 {
		t.Errorf("hyperparameters not restored: beta1=%v steps=%d", resumed.Beta1, resumed.GetStepCount())
	}

	resumedParams := params.Clone()
	if err := adam.Step(params, grads); err != nil {
		t.Fatal(err)
	}
	if err := resumed.Step(resumedParams, grads); err != nil {
		t.Fatal(err)
	}
	if !params.Equal(resumedParams) {
		t.Error("resumed optimizer diverged from the original")
	}
}

func TestAdamLoadStateErrors(t *testing.T) {
	adam, _ := NewAdamOptimizer(DefaultAdamConfig())

	tests := []struct {
		name  string
		state *checkpoints.OptimizerState
	}{
		{"wrong_type", &checkpoints.OptimizerState{Type: "SGD"}},
		{"bad_name", &checkpoints.OptimizerState{Type: "Adam", StateData: []checkpoints.OptimizerTensor{
			{Name: "momentum", Shape: []int{1}, Data: []float64{0}, StateType: "momentum"},
		}}},
		{"missing_variance", &checkpoints.OptimizerState{Type: "Adam", StateData: []checkpoints.OptimizerTensor{
			{Name: "momentum_0", Shape: []int{1}, Data: []float64{0}, StateType: "momentum"},
		}}},
		{"gap", &checkpoints.OptimizerState{Type: "Adam", StateData: []checkpoints.OptimizerTensor{
			{Name: "momentum_1", Shape: []int{1}, Data: []float64{0}, StateType: "momentum"},
			{Name: "variance_1", Shape: []int{1}, Data: []float64{0}, StateType: "variance"},
		}}},
		{"bad_shape", &checkpoints.OptimizerState{Type: "Adam", StateData: []checkpoints.OptimizerTensor{
			{Name: "momentum_0", Shape: []int{2}, Data: []float64{0}, StateType: "momentum"},
			{Name: "variance_0", Shape: []int{1}, Data: []float64{0}, StateType: "variance"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := adam.LoadState(tt.state); err == nil {
				t.Error("Expected LoadState error")
			}
		})
	}
}

func TestAdamStepAfterLoadChecksShapes(t *testing.T) {
	adam, _ := NewAdamOptimizer(DefaultAdamConfig())
	err := adam.LoadState(&checkpoints.OptimizerState{Type: "Adam", StateData: []checkpoints.OptimizerTensor{
		{Name: "momentum_0", Shape: []int{1}, Data: []float64{0}, StateType: "momentum"},
		{Name: "variance_0", Shape: []int{1}, Data: []float64{0}, StateType: "variance"},
	}})
	if err != nil {
		t.Fatal(err)
	}

	params, grads := testParams()
	if err := adam.Step(params, grads); err == nil {
		t.Error("Step() should reject state restored for a different model")
	}
}
