package training

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

// ConfusionMatrix counts (true, predicted) class pairs over the labels that
// occur in either the targets or the predictions. Per-class scores follow
// the usual multi-class conventions: a class with a zero denominator scores
// 0, and macro averages run over the observed labels only.
type ConfusionMatrix struct {
	Labels       []int
	Matrix       [][]int // [true][predicted], indexed by position in Labels
	TotalSamples int
}

// NewConfusionMatrix builds the matrix for one set of predictions.
func NewConfusionMatrix(pred, label []int) (*ConfusionMatrix, error) {
	if len(pred) != len(label) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d predictions vs %d labels", len(pred), len(label))
	}

	seen := make(map[int]bool)
	for i := range pred {
		seen[pred[i]] = true
		seen[label[i]] = true
	}
	labels := make([]int, 0, len(seen))
	for c := range seen {
		labels = append(labels, c)
	}
	sort.Ints(labels)

	pos := make(map[int]int, len(labels))
	for i, c := range labels {
		pos[c] = i
	}
	matrix := make([][]int, len(labels))
	for i := range matrix {
		matrix[i] = make([]int, len(labels))
	}
	for i := range pred {
		matrix[pos[label[i]]][pos[pred[i]]]++
	}

	return &ConfusionMatrix{Labels: labels, Matrix: matrix, TotalSamples: len(pred)}, nil
}

// Correct returns the number of matching predictions.
func (cm *ConfusionMatrix) Correct() int {
	n := 0
	for i := range cm.Matrix {
		n += cm.Matrix[i][i]
	}
	return n
}

func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	return float64(cm.Correct()) / float64(cm.TotalSamples)
}

func (cm *ConfusionMatrix) classCounts(class int) (tp, fp, fn float64) {
	tp = float64(cm.Matrix[class][class])
	for other := range cm.Matrix {
		if other == class {
			continue
		}
		fp += float64(cm.Matrix[other][class])
		fn += float64(cm.Matrix[class][other])
	}
	return tp, fp, fn
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func f1(precision, recall float64) float64 {
	return safeDiv(2*precision*recall, precision+recall)
}

// perClass returns precision, recall and F1 for every label.
func (cm *ConfusionMatrix) perClass() (precision, recall, fscore []float64) {
	n := len(cm.Labels)
	precision = make([]float64, n)
	recall = make([]float64, n)
	fscore = make([]float64, n)
	for c := 0; c < n; c++ {
		tp, fp, fn := cm.classCounts(c)
		precision[c] = safeDiv(tp, tp+fp)
		recall[c] = safeDiv(tp, tp+fn)
		fscore[c] = f1(precision[c], recall[c])
	}
	return precision, recall, fscore
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return floats.Sum(xs) / float64(len(xs))
}

func (cm *ConfusionMatrix) MacroPrecision() float64 {
	p, _, _ := cm.perClass()
	return mean(p)
}

func (cm *ConfusionMatrix) MacroRecall() float64 {
	_, r, _ := cm.perClass()
	return mean(r)
}

// MacroF1 is the unweighted mean of per-class F1 scores, not the harmonic
// mean of macro precision and macro recall.
func (cm *ConfusionMatrix) MacroF1() float64 {
	_, _, f := cm.perClass()
	return mean(f)
}

// MicroF1 pools counts over all classes. With every observed label included
// it equals accuracy, as do micro precision and recall.
func (cm *ConfusionMatrix) MicroF1() float64 {
	var tp, fp, fn float64
	for c := range cm.Labels {
		ctp, cfp, cfn := cm.classCounts(c)
		tp += ctp
		fp += cfp
		fn += cfn
	}
	return f1(safeDiv(tp, tp+fp), safeDiv(tp, tp+fn))
}

// Scores are the classification metrics of one batch.
type Scores struct {
	Correct        int
	Samples        int
	Accuracy       float64
	PrecisionMacro float64
	RecallMacro    float64
	F1Macro        float64
	F1Micro        float64
}

// ClassificationScores computes all metrics for predictions against labels.
func ClassificationScores(pred, label []int) (Scores, error) {
	cm, err := NewConfusionMatrix(pred, label)
	if err != nil {
		return Scores{}, err
	}
	p, r, f := cm.perClass()
	return Scores{
		Correct:        cm.Correct(),
		Samples:        cm.TotalSamples,
		Accuracy:       cm.Accuracy(),
		PrecisionMacro: mean(p),
		RecallMacro:    mean(r),
		F1Macro:        mean(f),
		F1Micro:        cm.MicroF1(),
	}, nil
}

// Variant identifies one prediction source: the stochastic or the fixed
// top-K selection, from a single pass (one-shot) or averaged over several
// stochastic passes (multi-shot).
type Variant int

const (
	OneShot Variant = iota
	OneShotFixed
	MultiShot
	MultiShotFixed
	numVariants
)

func (v Variant) String() string {
	switch v {
	case OneShot:
		return "one-shot"
	case OneShotFixed:
		return "one-shot fixed"
	case MultiShot:
		return "multi-shot"
	case MultiShotFixed:
		return "multi-shot fixed"
	default:
		return "unknown"
	}
}

// Fixed reports whether the variant uses the deterministic selection.
func (v Variant) Fixed() bool {
	return v == OneShotFixed || v == MultiShotFixed
}

// Multi reports whether the variant uses averaged stochastic passes.
func (v Variant) Multi() bool {
	return v == MultiShot || v == MultiShotFixed
}

// logits picks the variant's logit tensor. avg is nil when averaging is
// disabled, in which case multi-shot variants read the one-shot output.
func (v Variant) logits(one, avg *model.Output) *tensor.Tensor {
	out := one
	if v.Multi() && avg != nil {
		out = avg
	}
	if v.Fixed() {
		return out.LogitFixed
	}
	return out.Logit
}

// VariantMetrics are the finalized metrics of one variant.
type VariantMetrics struct {
	Accuracy       float64
	PrecisionMacro float64
	RecallMacro    float64
	F1Macro        float64
	F1Micro        float64
	VMI            float64
}

// metricSpec maps a VariantMetrics field to its reporting names: the
// telemetry tag under performance/ and the run history key, each for the
// stochastic and the fixed selection.
type metricSpec struct {
	tag, fixedTag         string
	history, fixedHistory string
	value                 func(VariantMetrics) float64
}

var metricSpecs = []metricSpec{
	{"accuracy", "accuracy_fixed", "avg_acc", "avg_acc_fixed",
		func(m VariantMetrics) float64 { return m.Accuracy }},
	{"vmi", "vmi_fixed", "avg_vmi", "avg_vmi_fixed",
		func(m VariantMetrics) float64 { return m.VMI }},
	{"precision_macro", "precision_fixed_macro", "avg_precision_macro", "avg_precision_fixed_macro",
		func(m VariantMetrics) float64 { return m.PrecisionMacro }},
	{"recall_macro", "recall_fixed_macro", "avg_recall_macro", "avg_recall_fixed_macro",
		func(m VariantMetrics) float64 { return m.RecallMacro }},
	{"f1_macro", "f1_fixed_macro", "avg_f1_macro", "avg_f1_fixed_macro",
		func(m VariantMetrics) float64 { return m.F1Macro }},
	{"f1_micro", "f1_fixed_micro", "avg_f1_micro", "avg_f1_fixed_micro",
		func(m VariantMetrics) float64 { return m.F1Micro }},
}

// Summary holds finalized metrics for every variant.
type Summary [numVariants]VariantMetrics

// Get returns the metrics of one variant.
func (s Summary) Get(v Variant) VariantMetrics {
	return s[v]
}

type variantSums struct {
	correct   float64
	vmi       float64
	precision float64
	recall    float64
	f1Macro   float64
	f1Micro   float64
}

// Aggregator accumulates metric sums over the batches of one pass.
// Correct counts and VMI are normalized by the number of samples, the
// per-batch scores by the number of batches.
type Aggregator struct {
	batches int
	samples int
	sums    [numVariants]variantSums
}

// Add accounts for one batch. label holds target classes, bbLogP the black
// box's log-probabilities, one the single-pass output and avg the averaged
// output, or nil when averaging is disabled.
func (a *Aggregator) Add(label []int, bbLogP *tensor.Tensor, one, avg *model.Output) error {
	for v := Variant(0); v < numVariants; v++ {
		logit := v.logits(one, avg)
		scores, err := ClassificationScores(logit.ArgmaxRows(), label)
		if err != nil {
			return errors.Wrapf(err, "%s metrics", v)
		}
		vmi, err := VMI(bbLogP, logit)
		if err != nil {
			return errors.Wrapf(err, "%s vmi", v)
		}

		s := &a.sums[v]
		s.correct += float64(scores.Correct)
		s.vmi += floats.Sum(vmi)
		s.precision += scores.PrecisionMacro
		s.recall += scores.RecallMacro
		s.f1Macro += scores.F1Macro
		s.f1Micro += scores.F1Micro
	}
	a.batches++
	a.samples += len(label)
	return nil
}

// Batches returns the number of batches added.
func (a *Aggregator) Batches() int {
	return a.batches
}

// Samples returns the number of samples added.
func (a *Aggregator) Samples() int {
	return a.samples
}

// Finalize divides the sums by their counts.
func (a *Aggregator) Finalize() Summary {
	var out Summary
	n := float64(a.samples)
	b := float64(a.batches)
	for v, s := range a.sums {
		out[v] = VariantMetrics{
			Accuracy:       safeDiv(s.correct, n),
			VMI:            safeDiv(s.vmi, n),
			PrecisionMacro: safeDiv(s.precision, b),
			RecallMacro:    safeDiv(s.recall, b),
			F1Macro:        safeDiv(s.f1Macro, b),
			F1Micro:        safeDiv(s.f1Micro, b),
		}
	}
	return out
}
