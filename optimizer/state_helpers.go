package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/checkpoints"
	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

// Common helper functions for optimizer state management

// allocateBuffers returns one zero tensor per parameter, shaped like it.
func allocateBuffers(params *model.Params) []*tensor.Tensor {
	buffers := make([]*tensor.Tensor, 0, params.Len())
	params.Each(func(_ string, t *tensor.Tensor) {
		buffers = append(buffers, tensor.Zeros(t.Shape...))
	})
	return buffers
}

// checkBuffers verifies previously allocated (or restored) buffers still
// line up with params.
func checkBuffers(buffers []*tensor.Tensor, params *model.Params) error {
	if len(buffers) != params.Len() {
		return errors.Errorf("optimizer holds state for %d tensors, model has %d", len(buffers), params.Len())
	}
	i := 0
	var err error
	params.Each(func(name string, t *tensor.Tensor) {
		if err == nil && buffers[i].NumElems != t.NumElems {
			err = errors.Errorf("optimizer state for %s has %d elements, parameter has %d",
				name, buffers[i].NumElems, t.NumElems)
		}
		i++
	})
	return err
}

// extractBufferState copies a single buffer's state into a checkpoint tensor
func extractBufferState(buffer *tensor.Tensor, index int, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      fmt.Sprintf("%s_%d", stateType, index),
		Shape:     append([]int(nil), buffer.Shape...),
		Data:      append([]float64(nil), buffer.Data...),
		StateType: stateType,
	}
}

// restoreBufferState rebuilds a buffer from a checkpoint tensor
func restoreBufferState(state checkpoints.OptimizerTensor) (*tensor.Tensor, error) {
	data := append([]float64(nil), state.Data...)
	t, err := tensor.New(state.Shape, data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to restore %s", state.Name)
	}
	return t, nil
}

// restoreBuffers collects the tensors of one state type, placed by the index
// in their names.
func restoreBuffers(state *checkpoints.OptimizerState, stateType string) ([]*tensor.Tensor, error) {
	var buffers []*tensor.Tensor
	for _, st := range state.StateData {
		if st.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 {
			return nil, errors.Errorf("invalid buffer index in tensor name: %s", st.Name)
		}
		for len(buffers) <= idx {
			buffers = append(buffers, nil)
		}
		t, err := restoreBufferState(st)
		if err != nil {
			return nil, err
		}
		buffers[idx] = t
	}
	for i, b := range buffers {
		if b == nil {
			return nil, errors.Errorf("missing %s buffer %d", stateType, i)
		}
	}
	return buffers, nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

// extractBoolParam extracts a flag stored as 0 or 1
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
