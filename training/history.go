package training

import (
	"golang.org/x/exp/maps"
)

// History records the validation metrics of the best pass so far. It is
// stored in every checkpoint under the same keys.
type History map[string]float64

// NewHistory returns a history with every tracked metric at zero.
func NewHistory() History {
	h := History{
		"class_loss": 0,
		"info_loss":  0,
		"total_loss": 0,
		"epoch":      0,
		"iter":       0,
	}
	for _, m := range metricSpecs {
		h[m.history] = 0
		h[m.fixedHistory] = 0
	}
	return h
}

// BestAccuracy returns the multi-shot accuracy of the best pass.
func (h History) BestAccuracy() float64 {
	return h["avg_acc"]
}

// Improves reports whether accuracy is strictly better than the record.
func (h History) Improves(accuracy float64) bool {
	return accuracy > h.BestAccuracy()
}

// Record overwrites the history with an evaluation result.
func (h History) Record(r *EvalResult) {
	h["class_loss"] = r.ClassLoss
	h["info_loss"] = r.InfoLoss
	h["total_loss"] = r.TotalLoss
	h["epoch"] = float64(r.Epoch)
	h["iter"] = float64(r.Iter)

	multi, multiFixed := r.Metrics.Get(MultiShot), r.Metrics.Get(MultiShotFixed)
	for _, m := range metricSpecs {
		h[m.history] = m.value(multi)
		h[m.fixedHistory] = m.value(multiFixed)
	}
}

// Clone returns a copy.
func (h History) Clone() History {
	return maps.Clone(h)
}
