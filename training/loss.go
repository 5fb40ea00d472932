package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/tensor"
)

var (
	// ErrShapeMismatch reports tensors whose shapes do not line up, e.g.
	// selection log-probabilities against the prior. It aborts the run.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrNonFinite reports a NaN or infinite loss.
	ErrNonFinite = errors.New("non-finite loss")
)

// IBLoss is the variational information-bottleneck objective: cross-entropy
// in bits plus a K-scaled KL divergence of the chunk selection distribution
// from the prior.
//
// Both terms are divided by the configured BatchSize, not by the number of
// rows actually present, so a short final batch yields a smaller loss.
type IBLoss struct {
	K         int
	Beta      float64
	BatchSize int
}

// LossResult holds the loss terms for one batch. Gradients are available
// through Gradients.
type LossResult struct {
	ClassLoss float64
	InfoLoss  float64
	TotalLoss float64
	IZY       float64 // log2(classes) - ClassLoss
	IZX       float64 // equal to InfoLoss

	loss   IBLoss
	labels []int
	logit  *tensor.Tensor
	prior  *tensor.Tensor
}

// Compute evaluates the objective for class logits [B, C], target class
// indices y (len B), selection log-probabilities logP and a prior of the
// same shape as logP.
func (l IBLoss) Compute(logit *tensor.Tensor, y []int, logP, prior *tensor.Tensor) (*LossResult, error) {
	if l.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", l.BatchSize)
	}
	if !tensor.SameShape(logP, prior) {
		return nil, errors.Wrapf(ErrShapeMismatch, "log_p %v vs prior %v", logP.Shape, prior.Shape)
	}
	if logit.Rows() != len(y) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d logit rows vs %d labels", logit.Rows(), len(y))
	}
	if !logit.AllFinite() || !logP.AllFinite() {
		return nil, errors.Wrap(ErrNonFinite, "logit or log_p holds NaN or Inf")
	}

	classes := logit.Cols()
	ce := 0.0
	lse := logit.LogSumExpRows()
	for i, c := range y {
		if c < 0 || c >= classes {
			return nil, errors.Wrapf(ErrShapeMismatch, "label %d at row %d outside %d classes", c, i, classes)
		}
		ce += lse[i] - logit.Row(i)[c]
	}

	kl := 0.0
	for i, q := range prior.Data {
		if q > 0 {
			kl += q * (math.Log(q) - logP.Data[i])
		}
	}

	bs := float64(l.BatchSize)
	r := &LossResult{
		ClassLoss: ce / math.Ln2 / bs,
		InfoLoss:  float64(l.K) * kl / bs,
		loss:      l,
		labels:    y,
		logit:     logit,
		prior:     prior,
	}
	r.TotalLoss = r.ClassLoss + l.Beta*r.InfoLoss
	r.IZY = math.Log2(float64(classes)) - r.ClassLoss
	r.IZX = r.InfoLoss

	if math.IsNaN(r.TotalLoss) || math.IsInf(r.TotalLoss, 0) {
		return r, errors.Wrapf(ErrNonFinite, "class %v info %v", r.ClassLoss, r.InfoLoss)
	}
	return r, nil
}

// Gradients returns dTotal/dLogit and dTotal/dLogP.
func (r *LossResult) Gradients() (dLogit, dLogP *tensor.Tensor) {
	bs := float64(r.loss.BatchSize)

	dLogit = r.logit.SoftmaxRows()
	for i, c := range r.labels {
		dLogit.Row(i)[c] -= 1
	}
	scale := 1 / math.Ln2 / bs
	for i := range dLogit.Data {
		dLogit.Data[i] *= scale
	}

	dLogP = tensor.Zeros(r.prior.Shape...)
	coef := -r.loss.Beta * float64(r.loss.K) / bs
	for i, q := range r.prior.Data {
		dLogP.Data[i] = coef * q
	}
	return dLogit, dLogP
}

// Labels returns class indices for y: y itself when it is a flat index
// vector, otherwise the argmax of each row (soft or one-hot labels).
func Labels(y *tensor.Tensor) []int {
	if len(y.Shape) == 1 {
		return y.Ints()
	}
	return y.ArgmaxRows()
}
