package training

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/checkpoints"
	"github.com/tsawler/go-vibi/chunk"
	"github.com/tsawler/go-vibi/export"
	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/optimizer"
	"github.com/tsawler/go-vibi/tensor"
)

// TrainerConfig holds the run parameters the loop needs.
type TrainerConfig struct {
	Epochs     int
	BatchSize  int // loss divisor, not necessarily the loader's batch length
	K          int
	Beta       float64
	NumAvg     int // stochastic passes averaged for the multi-shot metrics, 0 disables
	PrintEvery int // training metrics every N iterations
	LR         float64
	EMADecay   float64

	SaveCheckpoint bool
	CheckpointPath string

	SaveImage     bool
	ImageDir      string
	ImageEvery    int
	ImageMinEpoch int
	ImageBatches  []int

	ShowProgress bool
	RunID        string
	ModelName    string // checkpoint description
	// Args is stored verbatim in every checkpoint.
	Args json.RawMessage
}

// DefaultTrainerConfig returns the defaults of the reference setup.
func DefaultTrainerConfig() TrainerConfig {
	batches := make([]int, 17)
	for i := range batches {
		batches[i] = i
	}
	return TrainerConfig{
		Epochs:        1,
		BatchSize:     10,
		K:             4,
		Beta:          0.01,
		NumAvg:        12,
		PrintEvery:    1000,
		LR:            5e-4,
		EMADecay:      DefaultEMADecay,
		ImageEvery:    10,
		ImageMinEpoch: 75,
		ImageBatches:  batches,
	}
}

// Components are the collaborators a Trainer drives. Net, BlackBox,
// Optimizer and Loaders are required.
type Components struct {
	Net       model.Explainer
	BlackBox  model.BlackBox
	Optimizer optimizer.Optimizer
	Loaders   Loaders

	// Prior builds the selection prior for a LogP shape. Defaults to uniform.
	Prior func(shape []int) *tensor.Tensor
	// Grid remaps chunk indices to pixels for export. Nil or size 1 skips it.
	Grid      *chunk.Grid
	Exporter  *export.Exporter
	Sink      Sink
	Scheduler LRScheduler
	Saver     *checkpoints.CheckpointSaver
	Logger    *log.Logger
	// Progress receives the per-epoch progress bar. Defaults to stdout.
	Progress io.Writer
}

// Trainer runs the explainer training and evaluation loops. It is not safe
// for concurrent use.
type Trainer struct {
	cfg       TrainerConfig
	net       model.Explainer
	blackBox  model.BlackBox
	opt       optimizer.Optimizer
	loaders   Loaders
	prior     func(shape []int) *tensor.Tensor
	grid      *chunk.Grid
	exporter  *export.Exporter
	sink      Sink
	scheduler LRScheduler
	saver     *checkpoints.CheckpointSaver
	logger    *log.Logger
	progress  io.Writer

	objective IBLoss
	ema       *EMA
	history   History
	session   Session
	images    map[int]bool
}

// NewTrainer wires a trainer. The EMA shadow starts as a copy of the net's
// current parameters.
func NewTrainer(cfg TrainerConfig, c Components) (*Trainer, error) {
	switch {
	case c.Net == nil:
		return nil, errors.New("trainer: explainer is required")
	case c.BlackBox == nil:
		return nil, errors.New("trainer: black box is required")
	case c.Optimizer == nil:
		return nil, errors.New("trainer: optimizer is required")
	case c.Loaders == nil:
		return nil, errors.New("trainer: data loaders are required")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("trainer: batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.K <= 0 {
		return nil, errors.Errorf("trainer: K must be positive, got %d", cfg.K)
	}
	if cfg.NumAvg < 0 {
		return nil, errors.Errorf("trainer: num_avg must be non-negative, got %d", cfg.NumAvg)
	}
	if cfg.PrintEvery <= 0 {
		cfg.PrintEvery = 1000
	}
	if cfg.ImageEvery <= 0 {
		cfg.ImageEvery = 1
	}
	if cfg.SaveImage && c.Exporter == nil {
		return nil, errors.New("trainer: image export requires an exporter")
	}

	ema, err := NewEMA(c.Net.Params(), cfg.EMADecay)
	if err != nil {
		return nil, errors.Wrap(err, "trainer")
	}

	t := &Trainer{
		cfg:       cfg,
		net:       c.Net,
		blackBox:  c.BlackBox,
		opt:       c.Optimizer,
		loaders:   c.Loaders,
		prior:     c.Prior,
		grid:      c.Grid,
		exporter:  c.Exporter,
		sink:      c.Sink,
		scheduler: c.Scheduler,
		saver:     c.Saver,
		logger:    c.Logger,
		progress:  c.Progress,
		objective: IBLoss{K: cfg.K, Beta: cfg.Beta, BatchSize: cfg.BatchSize},
		ema:       ema,
		history:   NewHistory(),
		images:    make(map[int]bool, len(cfg.ImageBatches)),
	}
	if t.prior == nil {
		t.prior = model.UniformPrior
	}
	if t.sink == nil {
		t.sink = NopSink{}
	}
	if t.scheduler == nil {
		t.scheduler = &NoOpScheduler{}
	}
	if t.saver == nil {
		t.saver = checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	}
	if t.logger == nil {
		t.logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if t.progress == nil {
		t.progress = os.Stdout
	}
	for _, idx := range cfg.ImageBatches {
		t.images[idx] = true
	}
	return t, nil
}

// Session returns the run counters.
func (t *Trainer) Session() Session {
	return t.session
}

// History returns a copy of the best-so-far validation record.
func (t *Trainer) History() History {
	return t.history.Clone()
}

// EMA returns the shadow parameters.
func (t *Trainer) EMA() *EMA {
	return t.ema
}

// Train runs cfg.Epochs epochs, validating after each one. It stops between
// batches when ctx is cancelled.
func (t *Trainer) Train(ctx context.Context) error {
	src, err := t.loaders.Split("train")
	if err != nil {
		return errors.Wrap(err, "train split")
	}
	t.net.Train()
	defer func() { t.session.State = Done }()

	for e := 0; e < t.cfg.Epochs; e++ {
		t.session.Epoch++
		t.session.State = RunningEpoch
		lr := t.scheduler.GetLR(t.session.Epoch-1, t.session.Iter, t.cfg.LR)
		t.opt.UpdateLearningRate(lr)

		if err := t.trainEpoch(ctx, src); err != nil {
			return err
		}

		t.session.State = Validating
		if _, err := t.Evaluate(ctx, false); err != nil {
			return errors.Wrapf(err, "epoch %d validation", t.session.Epoch)
		}
		t.net.Train()
		t.session.State = Idle
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, src BatchSource) error {
	src.Reset()
	var bar *ProgressBar
	if t.cfg.ShowProgress {
		bar = NewProgressBarTo(t.progress, fmt.Sprintf("Epoch %d", t.session.Epoch), src.Len())
		defer bar.Finish()
	}

	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := src.Next()
		if err != nil {
			return errors.Wrapf(err, "epoch %d: load batch", t.session.Epoch)
		}
		if batch == nil {
			return nil
		}
		t.session.Iter++
		t.session.State = RunningBatch

		loss, err := t.trainStep(batch)
		if err != nil {
			return errors.Wrapf(err, "iteration %d", t.session.Iter)
		}
		if bar != nil {
			bar.Update(step, map[string]float64{"loss": loss.TotalLoss, "izy": loss.IZY})
		}
	}
}

// trainStep performs forward, objective, backward, optimizer step and EMA
// update for one batch.
func (t *Trainer) trainStep(batch *Batch) (*LossResult, error) {
	x := batch.X.ToType(t.loaders.InputType())
	y := Labels(batch.Y.ToType(t.loaders.LabelType()))

	out, err := t.net.Forward(x, 0)
	if err != nil {
		return nil, errors.Wrap(err, "forward")
	}
	loss, err := t.objective.Compute(out.Logit, y, out.LogP, t.prior(out.LogP.Shape))
	if err != nil {
		return nil, err
	}

	t.net.ZeroGrad()
	if err := t.net.Backward(loss.Gradients()); err != nil {
		return nil, errors.Wrap(err, "backward")
	}
	if err := t.opt.Step(t.net.Params(), t.net.Grads()); err != nil {
		return nil, errors.Wrap(err, "optimizer step")
	}
	if err := t.ema.Update(t.net.Params()); err != nil {
		return nil, err
	}

	if t.session.Iter%t.cfg.PrintEvery == 0 {
		if err := t.reportTraining(x, y, out, loss); err != nil {
			return nil, err
		}
	}
	return loss, nil
}

// reportTraining computes the metric suite on the current batch. It runs
// no backward pass and leaves the training sampler untouched.
func (t *Trainer) reportTraining(x *tensor.Tensor, y []int, one *model.Output, loss *LossResult) error {
	bbLogP, _, err := t.blackBox.Predict(x)
	if err != nil {
		return errors.Wrap(err, "black box")
	}
	var avg *model.Output
	if t.cfg.NumAvg > 0 {
		view, err := t.net.Bind(t.net.Params())
		if err != nil {
			return errors.Wrap(err, "averaged forward")
		}
		if avg, err = view.Forward(x, t.cfg.NumAvg); err != nil {
			return errors.Wrap(err, "averaged forward")
		}
	}
	var agg Aggregator
	if err := agg.Add(y, bbLogP, one, avg); err != nil {
		return err
	}
	s := agg.Finalize()
	terms := lossTerms{
		class: loss.ClassLoss, info: loss.InfoLoss, total: loss.TotalLoss,
		izy: loss.IZY, izx: loss.IZX,
	}

	t.report("[TRAINING RESULT]", terms, s)
	publish(t.sink, t.logger, "train", t.session.Iter, s, terms)
	return nil
}

func (t *Trainer) report(title string, loss lossTerms, s Summary) {
	one, multi := s.Get(OneShot), s.Get(MultiShot)
	oneFixed, multiFixed := s.Get(OneShotFixed), s.Get(MultiShotFixed)
	t.logger.Printf("%s epoch:%d iter:%d", title, t.session.Epoch, t.session.Iter)
	t.logger.Printf("IZY:%.2f IZX:%.2f", loss.izy, loss.izx)
	t.logger.Printf("acc:%.4f avg_acc:%.4f", one.Accuracy, multi.Accuracy)
	t.logger.Printf("acc_fixed:%.4f avg_acc_fixed:%.4f", oneFixed.Accuracy, multiFixed.Accuracy)
	t.logger.Printf("vmi:%.4f avg_vmi:%.4f", one.VMI, multi.VMI)
	t.logger.Printf("vmi_fixed:%.4f avg_vmi_fixed:%.4f", oneFixed.VMI, multiFixed.VMI)
	t.logger.Printf("f1_macro:%.4f f1_micro:%.4f", one.F1Macro, one.F1Micro)
}

func (t *Trainer) imagePath(idx int) string {
	name := export.FileName(filepath.Base(t.cfg.CheckpointPath), t.session.Epoch, idx)
	return filepath.Join(t.cfg.ImageDir, name)
}
