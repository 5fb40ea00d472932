package training

import (
	"bytes"
	"context"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/checkpoints"
	"github.com/tsawler/go-vibi/chunk"
	"github.com/tsawler/go-vibi/export"
	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/model/blackbox"
	"github.com/tsawler/go-vibi/model/explainer"
	"github.com/tsawler/go-vibi/optimizer"
	"github.com/tsawler/go-vibi/tensor"
)

const (
	testRows    = 4
	testCols    = 4
	testClasses = 3
)

type memLoaders struct {
	splits map[string]BatchSource
}

func (m *memLoaders) Split(name string) (BatchSource, error) {
	src, ok := m.splits[name]
	if !ok {
		return nil, errors.Errorf("no split %q", name)
	}
	return src, nil
}

func (m *memLoaders) InputType() tensor.DType { return tensor.Float64 }
func (m *memLoaders) LabelType() tensor.DType { return tensor.Int64 }

type recordingSink struct {
	tags map[string]map[string]float64
}

func (s *recordingSink) Scalars(tag string, values map[string]float64, step int) error {
	if s.tags == nil {
		s.tags = make(map[string]map[string]float64)
	}
	if s.tags[tag] == nil {
		s.tags[tag] = make(map[string]float64)
	}
	for k, v := range values {
		s.tags[tag][k] = v
	}
	return nil
}

func newTestLoaders(t *testing.T, seed int64) *memLoaders {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	split := func(n int) BatchSource {
		samples := make([]Sample, n)
		for i := range samples {
			x := make([]float64, testRows*testCols)
			for j := range x {
				x[j] = rng.Float64()
			}
			samples[i] = Sample{
				X: tensor.MustNew([]int{len(x)}, x),
				Y: tensor.FromInts([]int{rng.Intn(testClasses)}),
			}
		}
		ds, err := NewSimpleDataset(samples)
		if err != nil {
			t.Fatal(err)
		}
		dl, err := NewDataLoader(ds, 4, true, seed)
		if err != nil {
			t.Fatal(err)
		}
		return dl
	}
	return &memLoaders{splits: map[string]BatchSource{
		"train": split(12),
		"valid": split(8),
		"test":  split(8),
	}}
}

func newTestExplainer(t *testing.T, seed int64) *explainer.Explainer {
	t.Helper()
	net, err := explainer.New(explainer.Config{
		Channels:   1,
		Rows:       testRows,
		Cols:       testCols,
		ChunkSize:  2,
		NumClasses: testClasses,
		K:          2,
		Tau:        0.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	net.Init(seed)
	return net
}

func newTestBlackBox(t *testing.T) *blackbox.Linear {
	t.Helper()
	rng := rand.New(rand.NewSource(99))
	w := blackbox.Weights{
		NumClasses: testClasses,
		NumInputs:  testRows * testCols,
		Weight:     make([]float64, testClasses*testRows*testCols),
		Bias:       make([]float64, testClasses),
	}
	for i := range w.Weight {
		w.Weight[i] = rng.NormFloat64()
	}
	bb, err := blackbox.New(w)
	if err != nil {
		t.Fatal(err)
	}
	return bb
}

type fixture struct {
	cfg     TrainerConfig
	comp    Components
	sink    *recordingSink
	logs    *bytes.Buffer
	opt     *optimizer.AdamOptimizerState
	ckptDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	opt, err := optimizer.NewAdamOptimizer(optimizer.DefaultAdamConfig())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		sink:    &recordingSink{},
		logs:    &bytes.Buffer{},
		opt:     opt,
		ckptDir: t.TempDir(),
	}
	f.cfg = DefaultTrainerConfig()
	f.cfg.Epochs = 2
	f.cfg.K = 2
	f.cfg.NumAvg = 2
	f.cfg.PrintEvery = 2
	f.cfg.EMADecay = 0.9
	f.cfg.CheckpointPath = filepath.Join(f.ckptDir, "best_acc.tar")
	f.comp = Components{
		Net:       newTestExplainer(t, 1),
		BlackBox:  newTestBlackBox(t),
		Optimizer: opt,
		Loaders:   newTestLoaders(t, 3),
		Sink:      f.sink,
		Logger:    log.New(f.logs, "", 0),
	}
	return f
}

func (f *fixture) trainer(t *testing.T) *Trainer {
	t.Helper()
	tr, err := NewTrainer(f.cfg, f.comp)
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	return tr
}

// predictClassZero biases the approximator so every prediction is class 0,
// and the black box so every target is class 0 too.
func predictClassZero(t *testing.T, f *fixture) {
	t.Helper()
	f.comp.Net.Params().Get("approximator.bias").Data[0] = 100
	bb, err := blackbox.New(blackbox.Weights{
		NumClasses: testClasses,
		NumInputs:  testRows * testCols,
		Weight:     make([]float64, testClasses*testRows*testCols),
		Bias:       []float64{100, 0, 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.comp.BlackBox = bb
}

func TestNewTrainerValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*TrainerConfig, *Components)
	}{
		{"no net", func(_ *TrainerConfig, c *Components) { c.Net = nil }},
		{"no black box", func(_ *TrainerConfig, c *Components) { c.BlackBox = nil }},
		{"no optimizer", func(_ *TrainerConfig, c *Components) { c.Optimizer = nil }},
		{"no loaders", func(_ *TrainerConfig, c *Components) { c.Loaders = nil }},
		{"zero batch size", func(cfg *TrainerConfig, _ *Components) { cfg.BatchSize = 0 }},
		{"zero K", func(cfg *TrainerConfig, _ *Components) { cfg.K = 0 }},
		{"negative num avg", func(cfg *TrainerConfig, _ *Components) { cfg.NumAvg = -1 }},
		{"bad ema decay", func(cfg *TrainerConfig, _ *Components) { cfg.EMADecay = 2 }},
		{"images without exporter", func(cfg *TrainerConfig, _ *Components) { cfg.SaveImage = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.modify(&f.cfg, &f.comp)
			if _, err := NewTrainer(f.cfg, f.comp); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTrainEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.cfg.SaveCheckpoint = true
	tr := f.trainer(t)
	initial := f.comp.Net.Params().Clone()

	if err := tr.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}

	s := tr.Session()
	if s.Epoch != 2 || s.Iter != 6 {
		t.Errorf("epoch/iter = %d/%d, want 2/6", s.Epoch, s.Iter)
	}
	if s.State != Done {
		t.Errorf("state = %s, want done", s.State)
	}
	if f.opt.GetStepCount() != 6 {
		t.Errorf("optimizer steps = %d, want 6", f.opt.GetStepCount())
	}
	if f.comp.Net.Params().Equal(initial) {
		t.Error("parameters did not change")
	}
	if tr.EMA().Params().Equal(f.comp.Net.Params()) {
		t.Error("EMA shadow should lag the trained parameters")
	}

	logs := f.logs.String()
	for _, want := range []string{"[TRAINING RESULT]", "[VAL RESULT]", "IZY:", "avg_acc_fixed:"} {
		if !strings.Contains(logs, want) {
			t.Errorf("logs missing %q", want)
		}
	}

	for tag, keys := range map[string][]string{
		"performance/accuracy":       {"train_one-shot", "train_multi-shot", "valid_one-shot", "valid_multi-shot"},
		"performance/vmi_fixed":      {"valid_one-shot"},
		"performance/f1_fixed_micro": {"train_multi-shot"},
		"performance/cost":           {"train_one-shot_class", "valid_one-shot_total"},
		"mutual_information/valid":   {"I(Z;Y)", "I(Z;X)"},
		"mutual_information/train":   {"I(Z;Y)"},
	} {
		got, ok := f.sink.tags[tag]
		if !ok {
			t.Errorf("no scalars for %s", tag)
			continue
		}
		for _, k := range keys {
			if _, ok := got[k]; !ok {
				t.Errorf("%s missing key %s", tag, k)
			}
		}
	}

	_, statErr := os.Stat(f.cfg.CheckpointPath)
	if saved := statErr == nil; saved != (tr.History().BestAccuracy() > 0) {
		t.Errorf("checkpoint written = %v with best accuracy %v", saved, tr.History().BestAccuracy())
	}
}

func TestTrainingMetricsDoNotChangeTraining(t *testing.T) {
	train := func(printEvery int) *model.Params {
		f := newFixture(t)
		f.cfg.Epochs = 1
		f.cfg.PrintEvery = printEvery
		tr := f.trainer(t)
		if err := tr.Train(context.Background()); err != nil {
			t.Fatalf("Train(print_every=%d): %v", printEvery, err)
		}
		return f.comp.Net.Params()
	}

	quiet, verbose := train(1000), train(1)
	if !quiet.Equal(verbose) {
		t.Error("reporting training metrics every iteration changed the trained parameters")
	}
}

func TestTrainCancelled(t *testing.T) {
	f := newFixture(t)
	tr := f.trainer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Train(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Train = %v, want context.Canceled", err)
	}
	if tr.Session().Iter != 0 {
		t.Errorf("iter = %d after cancellation, want 0", tr.Session().Iter)
	}
}

func TestEvaluateLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	tr := f.trainer(t)
	net := f.comp.Net.Params().Clone()
	ema := tr.EMA().Params().Clone()

	r, err := tr.Evaluate(context.Background(), false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !f.comp.Net.Params().Equal(net) || !tr.EMA().Params().Equal(ema) {
		t.Error("evaluation modified parameters")
	}
	if f.opt.GetStepCount() != 0 {
		t.Error("evaluation stepped the optimizer")
	}
	if r.Improved || tr.History().BestAccuracy() != 0 {
		t.Error("history updated with checkpointing disabled")
	}
	if r.Samples != 8 || r.Batches != 2 {
		t.Errorf("samples/batches = %d/%d, want 8/2", r.Samples, r.Batches)
	}
	if !almostEqual(r.TotalLoss, r.ClassLoss+f.cfg.Beta*r.InfoLoss, 1e-12) {
		t.Errorf("total loss %v is not class + beta*info", r.TotalLoss)
	}
}

func TestEvaluateCheckpointGate(t *testing.T) {
	t.Run("saves on strict improvement", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.SaveCheckpoint = true
		predictClassZero(t, f)
		tr := f.trainer(t)

		r, err := tr.Evaluate(context.Background(), false)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if r.Metrics.Get(MultiShot).Accuracy != 1 || !r.Saved {
			t.Fatalf("accuracy %v saved %v, want 1 and true", r.Metrics.Get(MultiShot).Accuracy, r.Saved)
		}
		if _, err := os.Stat(f.cfg.CheckpointPath); err != nil {
			t.Fatalf("checkpoint missing: %v", err)
		}

		r, err = tr.Evaluate(context.Background(), false)
		if err != nil {
			t.Fatal(err)
		}
		if r.Improved || r.Saved {
			t.Error("equal accuracy must not replace the record")
		}
	})

	t.Run("test mode records without saving", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.SaveCheckpoint = true
		predictClassZero(t, f)
		tr := f.trainer(t)

		r, err := tr.Evaluate(context.Background(), true)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !r.Improved || r.Saved {
			t.Errorf("improved %v saved %v, want true and false", r.Improved, r.Saved)
		}
		if tr.History().BestAccuracy() != 1 {
			t.Errorf("history avg_acc = %v, want 1", tr.History().BestAccuracy())
		}
		if _, err := os.Stat(f.cfg.CheckpointPath); !os.IsNotExist(err) {
			t.Error("checkpoint written in test mode")
		}
		if !strings.Contains(f.logs.String(), "[TEST RESULT]") {
			t.Error("missing test report")
		}
	})

	t.Run("save error after history update", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.SaveCheckpoint = true
		f.cfg.CheckpointPath = filepath.Join(f.ckptDir, "missing", "best_acc.tar")
		predictClassZero(t, f)
		tr := f.trainer(t)

		if _, err := tr.Evaluate(context.Background(), false); err == nil {
			t.Fatal("expected save error")
		}
		if tr.History().BestAccuracy() != 1 {
			t.Error("history not updated before the failed save")
		}
	})
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			f := newFixture(t)
			f.cfg.Epochs = 1
			f.comp.Saver = checkpoints.NewCheckpointSaver(format)
			tr := f.trainer(t)
			if err := tr.Train(context.Background()); err != nil {
				t.Fatal(err)
			}
			tr.history["avg_acc"] = 0.5
			path := filepath.Join(f.ckptDir, "run.ckpt")
			if err := tr.Save(path); err != nil {
				t.Fatalf("Save: %v", err)
			}

			g := newFixture(t)
			g.comp.Net = newTestExplainer(t, 42)
			g.comp.Saver = checkpoints.NewCheckpointSaver(format)
			restored := g.trainer(t)
			if err := restored.Load(path); err != nil {
				t.Fatalf("Load: %v", err)
			}

			if !restored.net.Params().Equal(tr.net.Params()) {
				t.Error("net parameters differ after reload")
			}
			if !restored.EMA().Params().Equal(tr.EMA().Params()) {
				t.Error("EMA parameters differ after reload")
			}
			if restored.Session().Iter != tr.Session().Iter || restored.Session().Epoch != 1 {
				t.Errorf("session = %+v, want iter %d epoch 1", restored.Session(), tr.Session().Iter)
			}
			if restored.History().BestAccuracy() != 0.5 {
				t.Errorf("history avg_acc = %v, want 0.5", restored.History().BestAccuracy())
			}
			if g.opt.GetStepCount() != f.opt.GetStepCount() {
				t.Errorf("optimizer steps = %d, want %d", g.opt.GetStepCount(), f.opt.GetStepCount())
			}
		})
	}
}

func TestLoadMissingCheckpoint(t *testing.T) {
	f := newFixture(t)
	tr := f.trainer(t)
	before := f.comp.Net.Params().Clone()

	if err := tr.Load(filepath.Join(f.ckptDir, "nope.tar")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.Contains(f.logs.String(), "no checkpoint found") {
		t.Error("missing log line")
	}
	if !f.comp.Net.Params().Equal(before) || tr.Session().Iter != 0 {
		t.Error("state changed on a missing checkpoint")
	}
}

func TestTrainExportsImages(t *testing.T) {
	f := newFixture(t)
	f.cfg.Epochs = 1
	f.cfg.SaveImage = true
	f.cfg.ImageEvery = 1
	f.cfg.ImageMinEpoch = 0
	f.cfg.ImageBatches = []int{0}
	f.cfg.ImageDir = filepath.Join(f.ckptDir, "images")
	exp, err := export.New(1, testRows, testCols)
	if err != nil {
		t.Fatal(err)
	}
	f.comp.Exporter = exp
	if f.comp.Grid, err = chunk.NewGrid(testRows, testCols, 2); err != nil {
		t.Fatal(err)
	}
	tr := f.trainer(t)

	if err := tr.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	png := filepath.Join(f.cfg.ImageDir, "figure_best_acc_1_0.png")
	if _, err := os.Stat(png); err != nil {
		t.Errorf("image not written: %v", err)
	}
	if _, err := os.Stat(export.SidecarPath(png)); err != nil {
		t.Errorf("sidecar not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.cfg.ImageDir, "figure_best_acc_1_1.png")); !os.IsNotExist(err) {
		t.Error("batch outside the export list was written")
	}
}

func TestProgressOutput(t *testing.T) {
	f := newFixture(t)
	f.cfg.Epochs = 1
	f.cfg.ShowProgress = true
	var out bytes.Buffer
	f.comp.Progress = &out
	tr := f.trainer(t)
	if err := tr.Train(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Epoch 1") {
		t.Errorf("progress output = %q", out.String())
	}
}
