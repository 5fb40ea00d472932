package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

// DefaultEMADecay is the shadow decay used when none is configured.
const DefaultEMADecay = 0.999

// EMA keeps an exponential moving average of a model's parameters. It owns
// its parameter set; the trainer wraps it in an explainer only when it needs
// to run inference.
type EMA struct {
	decay  float64
	shadow *model.Params
}

// NewEMA starts a shadow as a deep copy of params.
func NewEMA(params *model.Params, decay float64) (*EMA, error) {
	if decay < 0 || decay > 1 {
		return nil, errors.Errorf("ema decay must be in [0, 1], got %g", decay)
	}
	return &EMA{decay: decay, shadow: params.Clone()}, nil
}

// Decay returns the decay constant.
func (e *EMA) Decay() float64 {
	return e.decay
}

// Update applies shadow = decay*shadow + (1-decay)*current.
func (e *EMA) Update(current *model.Params) error {
	if err := e.shadow.Compatible(current); err != nil {
		return errors.Wrap(err, "ema update")
	}
	d := e.decay
	e.shadow.Each(func(name string, s *tensor.Tensor) {
		c := current.Get(name).Data
		for i := range s.Data {
			s.Data[i] = d*s.Data[i] + (1-d)*c[i]
		}
	})
	return nil
}

// Params returns the shadow parameters.
func (e *EMA) Params() *model.Params {
	return e.shadow
}

// Load overwrites the shadow with p.
func (e *EMA) Load(p *model.Params) error {
	return e.shadow.CopyFrom(p)
}

// Model returns an eval-mode explainer with net's architecture reading the
// shadow parameters.
func (e *EMA) Model(net model.Explainer) (model.Explainer, error) {
	m, err := net.Bind(e.shadow)
	if err != nil {
		return nil, errors.Wrap(err, "ema model")
	}
	m.Eval()
	return m, nil
}
