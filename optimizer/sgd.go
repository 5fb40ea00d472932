package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/checkpoints"
	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

// SGDOptimizerState holds SGD hyperparameters and optional momentum buffers
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	MomentumBuffers []*tensor.Tensor // only if momentum > 0

	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) (*SGDOptimizerState, error) {
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %g", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %g", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, errors.Errorf("momentum cannot be greater than 1.0: %g", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %g", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, errors.New("nesterov momentum requires momentum > 0")
	}

	return &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
	}, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params, grads *model.Params) error {
	if err := checkStep(params, grads); err != nil {
		return err
	}
	if sgd.Momentum > 0 {
		if sgd.MomentumBuffers == nil {
			sgd.MomentumBuffers = allocateBuffers(params)
		}
		if err := checkBuffers(sgd.MomentumBuffers, params); err != nil {
			return err
		}
	}

	sgd.StepCount++

	i := 0
	params.Each(func(name string, p *tensor.Tensor) {
		g := grads.Get(name).Data
		for j := range p.Data {
			d := g[j]
			if sgd.WeightDecay != 0 {
				d += sgd.WeightDecay * p.Data[j]
			}
			if sgd.Momentum > 0 {
				buf := sgd.MomentumBuffers[i].Data
				if sgd.StepCount == 1 {
					buf[j] = d
				} else {
					buf[j] = sgd.Momentum*buf[j] + d
				}
				if sgd.Nesterov {
					d += sgd.Momentum * buf[j]
				} else {
					d = buf[j]
				}
			}
			p.Data[j] -= sgd.LearningRate * d
		}
		i++
	})
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))
	for i, buf := range sgd.MomentumBuffers {
		stateData = append(stateData, extractBufferState(buf, i, "momentum"))
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      boolParam(sgd.Nesterov),
		},
		StepCount: sgd.StepCount,
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	momentum, err := restoreBuffers(state, "momentum")
	if err != nil {
		return err
	}

	sgd.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = state.StepCount
	sgd.MomentumBuffers = momentum
	return nil
}
