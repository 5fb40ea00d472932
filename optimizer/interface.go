package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/checkpoints"
	"github.com/tsawler/go-vibi/model"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore goes through checkpoints.OptimizerState so a run can be
// resumed from a checkpoint with its moment estimates intact.
type Optimizer interface {
	// Step applies one update to params using grads. Both sets must have
	// the same names, order and shapes.
	Step(params, grads *model.Params) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	GetLearningRate() float64
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// checkStep validates the arguments of a Step call.
func checkStep(params, grads *model.Params) error {
	if params == nil || grads == nil {
		return errors.New("params and grads are required")
	}
	if err := params.Compatible(grads); err != nil {
		return errors.Wrap(err, "gradients do not match parameters")
	}
	return nil
}
