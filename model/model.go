// Package model defines the contracts between the training loop and the
// networks it drives: the trainable explainer and the frozen black box.
package model

import (
	"github.com/tsawler/go-vibi/tensor"
)

// Output is the result of one explainer forward pass.
type Output struct {
	// Logit holds class logits of the stochastic selection pass, [B, classes].
	// With numAvg > 0 it is the mean over numAvg stochastic passes.
	Logit *tensor.Tensor
	// LogP holds log-probabilities of the chunk selection distribution, [B, chunks].
	LogP *tensor.Tensor
	// Z is the sampled (relaxed) selection, [B, chunks].
	Z *tensor.Tensor
	// LogitFixed holds class logits of the deterministic top-K selection pass.
	LogitFixed *tensor.Tensor
}

// Explainer is a trainable selector/approximator network.
type Explainer interface {
	// Forward runs the network on x. numAvg > 0 averages the stochastic
	// logits over numAvg passes.
	Forward(x *tensor.Tensor, numAvg int) (*Output, error)

	// Backward accumulates parameter gradients for the most recent
	// training-mode, single-pass Forward given the loss gradients with
	// respect to Logit and LogP.
	Backward(dLogit, dLogP *tensor.Tensor) error

	Params() *Params
	Grads() *Params
	ZeroGrad()

	// Bind returns an inference view of the same architecture reading p.
	Bind(p *Params) (Explainer, error)

	Train()
	Eval()
	IsTraining() bool
}

// BlackBox is a frozen reference classifier.
type BlackBox interface {
	// Predict returns primary class log-probabilities and an auxiliary
	// output, both with x's leading dimension.
	Predict(x *tensor.Tensor) (logp, aux *tensor.Tensor, err error)
	NumClasses() int
}

// UniformPrior returns the uniform selection prior with the given
// [B, chunks] shape.
func UniformPrior(shape []int) *tensor.Tensor {
	return tensor.Full(1/float64(shape[len(shape)-1]), shape...)
}
