package blackbox

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/optimizer"
	"github.com/tsawler/go-vibi/tensor"
)

// FitConfig controls Fit.
type FitConfig struct {
	NumClasses int
	Epochs     int
	BatchSize  int
	Seed       int64
	// Logf, when set, receives one line per epoch.
	Logf func(format string, args ...interface{})
}

// Fit trains a linear softmax classifier on x [N, inputs] and class indices
// y with minibatch cross-entropy and returns its weights.
func Fit(ctx context.Context, x *tensor.Tensor, y []int, cfg FitConfig, opt optimizer.Optimizer) (Weights, error) {
	n, in, classes := x.Rows(), x.Cols(), cfg.NumClasses
	switch {
	case len(y) != n:
		return Weights{}, errors.Errorf("blackbox: %d inputs but %d labels", n, len(y))
	case classes <= 1:
		return Weights{}, errors.Errorf("blackbox: need at least 2 classes, got %d", classes)
	case cfg.BatchSize <= 0:
		return Weights{}, errors.Errorf("blackbox: batch size must be positive, got %d", cfg.BatchSize)
	}
	for i, c := range y {
		if c < 0 || c >= classes {
			return Weights{}, errors.Errorf("blackbox: label %d of sample %d out of range", c, i)
		}
	}

	params := model.NewParams()
	params.Add("weight", tensor.Zeros(classes, in))
	params.Add("bias", tensor.Zeros(classes))
	grads := params.ZerosLike()
	w, b := params.Get("weight"), params.Get("bias")
	gw, gb := grads.Get("weight"), grads.Get("bias")

	rng := rand.New(rand.NewSource(cfg.Seed))
	order := rng.Perm(n)

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		var lossSum float64
		correct := 0
		for start := 0; start < n; start += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return Weights{}, err
			}
			idx := order[start:min(start+cfg.BatchSize, n)]
			xb := tensor.Zeros(len(idx), in)
			for r, s := range idx {
				copy(xb.Row(r), x.Row(s))
			}

			logits, err := tensor.Affine(xb, w, b)
			if err != nil {
				return Weights{}, errors.Wrap(err, "blackbox")
			}
			logp := logits.LogSoftmaxRows()
			pred := logits.ArgmaxRows()

			// d loss / d logits = (softmax - onehot) / batch
			scale := 1 / float64(len(idx))
			d := tensor.Zeros(len(idx), classes)
			for r, s := range idx {
				lossSum -= logp.Row(r)[y[s]]
				if pred[r] == y[s] {
					correct++
				}
				dr := d.Row(r)
				for c, lp := range logp.Row(r) {
					dr[c] = math.Exp(lp) * scale
				}
				dr[y[s]] -= scale
			}

			for i := range gw.Data {
				gw.Data[i] = 0
			}
			for i := range gb.Data {
				gb.Data[i] = 0
			}
			tensor.AddColSums(gb.Data, d)
			if err := tensor.AddTMul(gw, d, xb); err != nil {
				return Weights{}, errors.Wrap(err, "blackbox")
			}
			if err := opt.Step(params, grads); err != nil {
				return Weights{}, errors.Wrap(err, "blackbox: optimizer step")
			}
		}
		if cfg.Logf != nil {
			cfg.Logf("epoch %d: loss %.4f acc %.4f", epoch, lossSum/float64(n), float64(correct)/float64(n))
		}
	}

	return Weights{
		NumClasses: classes,
		NumInputs:  in,
		Weight:     append([]float64(nil), w.Data...),
		Bias:       append([]float64(nil), b.Data...),
	}, nil
}
