// Package blackbox provides the frozen reference classifier the explainer
// learns to mimic: a linear softmax model loaded from a JSON weights file.
package blackbox

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

// Weights is the on-disk layout of a black-box weights file.
type Weights struct {
	NumClasses int       `json:"num_classes"`
	NumInputs  int       `json:"num_inputs"`
	Weight     []float64 `json:"weight"` // [classes, inputs] row-major
	Bias       []float64 `json:"bias"`
}

// Linear is a frozen linear softmax classifier.
type Linear struct {
	w      Weights
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

var _ model.BlackBox = (*Linear)(nil)

// New validates w and wraps it. The weights are copied.
func New(w Weights) (*Linear, error) {
	if w.NumClasses <= 1 || w.NumInputs <= 0 {
		return nil, errors.Errorf("blackbox: invalid geometry %d classes x %d inputs", w.NumClasses, w.NumInputs)
	}
	if len(w.Weight) != w.NumClasses*w.NumInputs || len(w.Bias) != w.NumClasses {
		return nil, errors.Errorf("blackbox: weight/bias sizes %d/%d do not match %dx%d",
			len(w.Weight), len(w.Bias), w.NumClasses, w.NumInputs)
	}
	c := Weights{
		NumClasses: w.NumClasses,
		NumInputs:  w.NumInputs,
		Weight:     append([]float64(nil), w.Weight...),
		Bias:       append([]float64(nil), w.Bias...),
	}
	return &Linear{
		w:      c,
		weight: tensor.MustNew([]int{c.NumClasses, c.NumInputs}, c.Weight),
		bias:   tensor.MustNew([]int{c.NumClasses}, c.Bias),
	}, nil
}

// LoadFile reads a weights file written by SaveFile.
func LoadFile(path string) (*Linear, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "blackbox: read %s", path)
	}
	var w Weights
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrapf(err, "blackbox: decode %s", path)
	}
	return New(w)
}

// SaveFile writes w as JSON.
func SaveFile(path string, w Weights) error {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return errors.Wrap(err, "blackbox: encode weights")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "blackbox: write %s", path)
}

// NumClasses implements model.BlackBox.
func (l *Linear) NumClasses() int {
	return l.w.NumClasses
}

// Predict implements model.BlackBox. The auxiliary output is the raw
// logits.
func (l *Linear) Predict(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if x.Cols() != l.w.NumInputs {
		return nil, nil, errors.Errorf("blackbox: input has %d features per sample, expected %d", x.Cols(), l.w.NumInputs)
	}
	logits, err := tensor.Affine(x, l.weight, l.bias)
	if err != nil {
		return nil, nil, errors.Wrap(err, "blackbox")
	}
	return logits.LogSoftmaxRows(), logits, nil
}
