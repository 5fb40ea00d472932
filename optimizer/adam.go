package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/checkpoints"
	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

// AdamOptimizerState holds Adam hyperparameters and per-tensor moment estimates
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay
	Beta2        float64 // Variance decay
	Epsilon      float64 // Small constant to prevent division by zero
	WeightDecay  float64 // L2 regularization coefficient

	// First and second moments, one per parameter tensor, allocated on the
	// first step or restored from a checkpoint.
	MomentumBuffers []*tensor.Tensor
	VarianceBuffers []*tensor.Tensor

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) (*AdamOptimizerState, error) {
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1): %g", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1): %g", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %g", config.WeightDecay)
	}

	return &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params, grads *model.Params) error {
	if err := checkStep(params, grads); err != nil {
		return err
	}
	if adam.MomentumBuffers == nil {
		adam.MomentumBuffers = allocateBuffers(params)
		adam.VarianceBuffers = allocateBuffers(params)
	}
	if err := checkBuffers(adam.MomentumBuffers, params); err != nil {
		return err
	}
	if err := checkBuffers(adam.VarianceBuffers, params); err != nil {
		return err
	}

	adam.StepCount++
	bias1 := 1 - math.Pow(adam.Beta1, float64(adam.StepCount))
	bias2 := 1 - math.Pow(adam.Beta2, float64(adam.StepCount))
	stepSize := adam.LearningRate / bias1

	i := 0
	params.Each(func(name string, p *tensor.Tensor) {
		g := grads.Get(name).Data
		m := adam.MomentumBuffers[i].Data
		v := adam.VarianceBuffers[i].Data
		for j := range p.Data {
			gj := g[j]
			if adam.WeightDecay != 0 {
				gj += adam.WeightDecay * p.Data[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*gj
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*gj*gj
			denom := math.Sqrt(v[j]/bias2) + adam.Epsilon
			p.Data[j] -= stepSize * m[j] / denom
		}
		i++
	})
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(adam.MomentumBuffers)*2)
	for i, buf := range adam.MomentumBuffers {
		stateData = append(stateData, extractBufferState(buf, i, "momentum"))
	}
	for i, buf := range adam.VarianceBuffers {
		stateData = append(stateData, extractBufferState(buf, i, "variance"))
	}

	return &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
		},
		StepCount: adam.StepCount,
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	momentum, err := restoreBuffers(state, "momentum")
	if err != nil {
		return err
	}
	variance, err := restoreBuffers(state, "variance")
	if err != nil {
		return err
	}
	if len(momentum) != len(variance) {
		return errors.Errorf("momentum and variance buffer counts differ: %d vs %d", len(momentum), len(variance))
	}

	adam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = state.StepCount
	adam.MomentumBuffers = momentum
	adam.VarianceBuffers = variance
	return nil
}
