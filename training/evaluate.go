package training

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/export"
	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

// EvalResult is the outcome of one validation or test pass.
type EvalResult struct {
	Split string
	Epoch int
	Iter  int

	ClassLoss float64
	InfoLoss  float64
	TotalLoss float64
	IZY       float64
	IZX       float64

	Metrics Summary
	Batches int
	Samples int

	// Improved is set when the pass beat the recorded best accuracy and
	// the history was overwritten.
	Improved bool
	// Saved is set when a checkpoint was written.
	Saved bool
}

// Evaluate runs the EMA model over the validation split, or the test split
// when test is true. Targets are the black box's predictions. When
// checkpointing is enabled and the multi-shot accuracy strictly improves on
// the history, the history is overwritten and, outside test mode, the
// checkpoint is saved.
func (t *Trainer) Evaluate(ctx context.Context, test bool) (*EvalResult, error) {
	split := "valid"
	if test {
		split = "test"
	}
	src, err := t.loaders.Split(split)
	if err != nil {
		return nil, errors.Wrapf(err, "%s split", split)
	}
	net, err := t.ema.Model(t.net)
	if err != nil {
		return nil, err
	}

	var (
		agg               Aggregator
		classSum, infoSum float64
		exportImages      = t.exportDue()
		numClasses        = t.blackBox.NumClasses()
	)
	src.Reset()
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := src.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "%s: load batch %d", split, idx)
		}
		if batch == nil {
			break
		}

		x := batch.X.ToType(t.loaders.InputType())
		bbLogP, _, err := t.blackBox.Predict(x)
		if err != nil {
			return nil, errors.Wrap(err, "black box")
		}
		// Fidelity targets: the black box's predictions, not batch.Y.
		y := bbLogP.ArgmaxRows()

		one, err := net.Forward(x, 0)
		if err != nil {
			return nil, errors.Wrap(err, "forward")
		}
		loss, err := t.objective.Compute(one.Logit, y, one.LogP, t.prior(one.LogP.Shape))
		if err != nil {
			return nil, errors.Wrapf(err, "%s batch %d", split, idx)
		}
		classSum += loss.ClassLoss
		infoSum += loss.InfoLoss

		var avg *model.Output
		if t.cfg.NumAvg > 0 {
			if avg, err = net.Forward(x, t.cfg.NumAvg); err != nil {
				return nil, errors.Wrap(err, "averaged forward")
			}
		}
		if err := agg.Add(y, bbLogP, one, avg); err != nil {
			return nil, err
		}

		if exportImages && t.images[idx] {
			if err := t.exportBatch(idx, x, batch.Y, y, one); err != nil {
				return nil, err
			}
		}
	}

	r := &EvalResult{
		Split:   split,
		Epoch:   t.session.Epoch,
		Iter:    t.session.Iter,
		Metrics: agg.Finalize(),
		Batches: agg.Batches(),
		Samples: agg.Samples(),
	}
	if r.Batches > 0 {
		r.ClassLoss = classSum / float64(r.Batches)
		r.InfoLoss = infoSum / float64(r.Batches)
	}
	r.TotalLoss = r.ClassLoss + t.cfg.Beta*r.InfoLoss
	r.IZY = math.Log2(float64(numClasses)) - r.ClassLoss
	r.IZX = r.InfoLoss

	terms := lossTerms{class: r.ClassLoss, info: r.InfoLoss, total: r.TotalLoss, izy: r.IZY, izx: r.IZX}
	if test {
		t.report("[TEST RESULT]", terms, r.Metrics)
	} else {
		t.report("[VAL RESULT]", terms, r.Metrics)
	}

	publish(t.sink, t.logger, split, t.session.Iter, r.Metrics, terms)

	if t.cfg.SaveCheckpoint && t.history.Improves(r.Metrics.Get(MultiShot).Accuracy) {
		t.history.Record(r)
		r.Improved = true
		if !test {
			if err := t.Save(t.cfg.CheckpointPath); err != nil {
				return r, err
			}
			r.Saved = true
		}
	}
	return r, nil
}

func (t *Trainer) exportDue() bool {
	e := t.session.Epoch
	return t.cfg.SaveImage && e%t.cfg.ImageEvery == 0 && e > t.cfg.ImageMinEpoch
}

// exportBatch writes the top-K selection of one batch as an image.
func (t *Trainer) exportBatch(idx int, x, label *tensor.Tensor, bbLabel []int, out *model.Output) error {
	index, err := out.LogP.TopKRows(t.cfg.K)
	if err != nil {
		return errors.Wrap(err, "export")
	}
	if t.grid != nil && t.grid.Size > 1 {
		if index, err = t.grid.Remap(index); err != nil {
			return errors.Wrap(err, "export")
		}
	}
	b := export.Batch{
		X:             x,
		LabelBlackBox: bbLabel,
		LabelPred:     out.Logit.ArgmaxRows(),
		Index:         index,
	}
	if label != nil {
		b.Label = Labels(label)
	}
	return t.exporter.SaveBatch(t.imagePath(idx), b)
}
