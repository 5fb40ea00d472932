package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-vibi/tensor"
)

// VMI returns the per-sample variational mutual information between the
// black box's output distribution and an explainer logit tensor:
//
//	score_i = sum_c exp(bb[i,c]) * (logit[i,c] - logsumexp_j(bb[j,c]) + ln B)
//
// where B is the number of rows in the batch. bbLogP holds black-box
// log-probabilities with the same shape as logit.
func VMI(bbLogP, logit *tensor.Tensor) ([]float64, error) {
	if !tensor.SameShape(bbLogP, logit) {
		return nil, errors.Wrapf(ErrShapeMismatch, "black box %v vs logit %v", bbLogP.Shape, logit.Shape)
	}

	rows := bbLogP.Rows()
	lse := bbLogP.LogSumExpCols()
	lnB := math.Log(float64(rows))

	scores := make([]float64, rows)
	weight := make([]float64, bbLogP.Cols())
	term := make([]float64, bbLogP.Cols())
	for i := range scores {
		for c, v := range bbLogP.Row(i) {
			weight[c] = math.Exp(v)
		}
		copy(term, logit.Row(i))
		floats.Sub(term, lse)
		floats.AddConst(lnB, term)
		scores[i] = floats.Dot(weight, term)
	}
	return scores, nil
}
