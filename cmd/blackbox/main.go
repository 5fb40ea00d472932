// Command blackbox fits the linear classifier vibi explains and writes its
// weights file.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/config"
	"github.com/tsawler/go-vibi/dataset"
	"github.com/tsawler/go-vibi/model/blackbox"
	"github.com/tsawler/go-vibi/optimizer"
	"github.com/tsawler/go-vibi/tensor"
	"github.com/tsawler/go-vibi/training"
)

func main() {
	configPath := flag.String("config", "", "JSON config file overlaid on the defaults")
	epochs := flag.Int("epochs", 20, "training epochs")
	batchSize := flag.Int("batch-size", 64, "minibatch size")
	lr := flag.Float64("lr", 0.1, "learning rate")
	momentum := flag.Float64("momentum", 0.9, "SGD momentum")
	out := flag.String("out", "", "weights file, defaults to the config's black_box")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *out == "" {
		*out = cfg.BlackBox
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sets, err := dataset.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open dataset: %v", err)
	}
	x, y, err := stackSplit(sets[dataset.Train])
	if err != nil {
		log.Fatalf("Failed to read training split: %v", err)
	}

	opt, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{LearningRate: *lr, Momentum: *momentum})
	if err != nil {
		log.Fatalf("Failed to create optimizer: %v", err)
	}
	w, err := blackbox.Fit(ctx, x, y, blackbox.FitConfig{
		NumClasses: cfg.Classes,
		Epochs:     *epochs,
		BatchSize:  *batchSize,
		Seed:       cfg.Seed,
		Logf:       log.Printf,
	}, opt)
	if err != nil {
		log.Fatalf("Fit failed: %v", err)
	}

	if err := reportAccuracy(w, sets[dataset.Test]); err != nil {
		log.Fatalf("Evaluation failed: %v", err)
	}
	if err := blackbox.SaveFile(*out, w); err != nil {
		log.Fatalf("Failed to save weights: %v", err)
	}
	log.Printf("wrote %s", *out)
}

// stackSplit loads a whole split as one [N, inputs] tensor and its labels.
func stackSplit(ds training.Dataset) (*tensor.Tensor, []int, error) {
	dl, err := training.NewDataLoader(ds, max(ds.Len(), 1), false, 0)
	if err != nil {
		return nil, nil, err
	}
	batch, err := dl.Next()
	if err != nil {
		return nil, nil, err
	}
	if batch == nil {
		return nil, nil, errors.New("empty split")
	}
	return batch.X, training.Labels(batch.Y), nil
}

func reportAccuracy(w blackbox.Weights, ds training.Dataset) error {
	bb, err := blackbox.New(w)
	if err != nil {
		return err
	}
	x, y, err := stackSplit(ds)
	if err != nil {
		return err
	}
	logp, _, err := bb.Predict(x)
	if err != nil {
		return err
	}
	correct := 0
	for i, p := range logp.ArgmaxRows() {
		if p == y[i] {
			correct++
		}
	}
	log.Printf("test accuracy %.4f (%d/%d)", float64(correct)/float64(len(y)), correct, len(y))
	return nil
}
