// Command vibi trains a VIBI explainer against a frozen black box, or
// evaluates a saved one on the test split.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/checkpoints"
	"github.com/tsawler/go-vibi/config"
	"github.com/tsawler/go-vibi/dataset"
	"github.com/tsawler/go-vibi/export"
	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/model/blackbox"
	"github.com/tsawler/go-vibi/model/explainer"
	"github.com/tsawler/go-vibi/optimizer"
	"github.com/tsawler/go-vibi/telemetry"
	"github.com/tsawler/go-vibi/training"
)

func main() {
	var (
		configPath = flag.String("config", "", "JSON config file overlaid on the defaults")
		mode       = flag.String("mode", "train", "train or test")
		cfg        = config.Default()
	)
	flag.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, datasetUsage())
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "dataset directory")
	flag.StringVar(&cfg.BlackBox, "black-box", cfg.BlackBox, "black-box weights file")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "training epochs")
	flag.IntVar(&cfg.K, "k", cfg.K, "chunks selected per sample")
	flag.Float64Var(&cfg.Beta, "beta", cfg.Beta, "information loss weight")
	flag.StringVar(&cfg.EnvName, "env", cfg.EnvName, "run name for checkpoints, images and telemetry")
	flag.StringVar(&cfg.LoadCheckpoint, "load", cfg.LoadCheckpoint, "checkpoint to resume from")
	flag.BoolVar(&cfg.ShowProgress, "progress", cfg.ShowProgress, "show a progress bar per epoch")
	flag.Parse()

	if *configPath != "" {
		// Command-line flags win over the file.
		fileCfg, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = mergeFlags(fileCfg, cfg)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if *mode != "train" && *mode != "test" {
		log.Fatalf("Unknown mode %q", *mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mode == "test"); err != nil {
		log.Fatalf("vibi: %v", err)
	}
}

func datasetUsage() string {
	return "dataset name (" + strings.Join(config.Datasets, ", ") + ")"
}

// mergeFlags copies every flag the user set on the command line from
// flagCfg onto fileCfg.
func mergeFlags(fileCfg, flagCfg config.Config) config.Config {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dataset":
			fileCfg.Dataset = flagCfg.Dataset
		case "data-dir":
			fileCfg.DataDir = flagCfg.DataDir
		case "black-box":
			fileCfg.BlackBox = flagCfg.BlackBox
		case "epochs":
			fileCfg.Epochs = flagCfg.Epochs
		case "k":
			fileCfg.K = flagCfg.K
		case "beta":
			fileCfg.Beta = flagCfg.Beta
		case "env":
			fileCfg.EnvName = flagCfg.EnvName
		case "load":
			fileCfg.LoadCheckpoint = flagCfg.LoadCheckpoint
		case "progress":
			fileCfg.ShowProgress = flagCfg.ShowProgress
		}
	})
	return fileCfg
}

func deviceBanner() string {
	features := "generic"
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		features = "avx512"
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		features = "avx2"
	}
	return fmt.Sprintf("%s (%d cores, %d threads, %s)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, features)
}

func run(ctx context.Context, cfg config.Config, test bool) error {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	runID := uuid.New().String()
	logger.Printf("run %s on %s", runID, deviceBanner())

	args, err := cfg.JSON()
	if err != nil {
		return err
	}
	format, err := cfg.CheckpointFormat()
	if err != nil {
		return err
	}

	loaders, err := dataset.Load(ctx, cfg)
	if err != nil {
		return err
	}
	defer loaders.Close()

	bb, err := blackbox.LoadFile(cfg.BlackBox)
	if err != nil {
		return err
	}
	if bb.NumClasses() != cfg.Classes {
		return errors.Errorf("black box has %d classes, config says %d", bb.NumClasses(), cfg.Classes)
	}

	net, err := explainer.New(explainer.Config{
		Channels:   cfg.Channels,
		Rows:       cfg.Rows,
		Cols:       cfg.Cols,
		ChunkSize:  cfg.ChunkSize,
		NumClasses: cfg.Classes,
		K:          cfg.K,
		Tau:        cfg.Tau,
	})
	if err != nil {
		return err
	}
	net.Init(cfg.Seed)
	logger.Printf("explainer: %s parameters, %d chunks of %dx%d", training.FormatCount(net.Params().NumElements()),
		net.Grid().NumChunks(), cfg.ChunkSize, cfg.ChunkSize)

	adam := optimizer.DefaultAdamConfig()
	adam.LearningRate, adam.Beta1, adam.Beta2 = cfg.LR, cfg.AdamBeta1, cfg.AdamBeta2
	opt, err := optimizer.NewAdamOptimizer(adam)
	if err != nil {
		return err
	}

	sinks := []training.Sink{telemetry.LogSink{Logger: logger}}
	if cfg.Tensorboard {
		if err := os.MkdirAll(cfg.SummaryDir, 0755); err != nil {
			return err
		}
		db, err := telemetry.OpenSQLite(cfg.SummaryPath(), runID)
		if err != nil {
			return err
		}
		defer db.Close()
		sinks = append(sinks, db)
	}

	var exporter *export.Exporter
	if cfg.SaveImage {
		if exporter, err = export.New(cfg.Channels, cfg.Rows, cfg.Cols); err != nil {
			return err
		}
	}

	tcfg := training.TrainerConfig{
		Epochs:         cfg.Epochs,
		BatchSize:      cfg.BatchSize,
		K:              cfg.K,
		Beta:           cfg.Beta,
		NumAvg:         cfg.NumAvg,
		PrintEvery:     cfg.PrintEvery,
		LR:             cfg.LR,
		EMADecay:       cfg.EMADecay,
		SaveCheckpoint: cfg.SaveCheckpoint,
		CheckpointPath: cfg.CheckpointPath(),
		SaveImage:      cfg.SaveImage,
		ImageDir:       cfg.ImagePath(),
		ImageEvery:     cfg.ImageEvery,
		ImageMinEpoch:  cfg.ImageMinEpoch,
		ImageBatches:   cfg.ImageBatches,
		ShowProgress:   cfg.ShowProgress,
		RunID:          runID,
		ModelName:      cfg.ModelName,
		Args:           args,
	}
	trainer, err := training.NewTrainer(tcfg, training.Components{
		Net:       net,
		BlackBox:  bb,
		Optimizer: opt,
		Loaders:   loaders,
		Prior:     model.UniformPrior,
		Grid:      net.Grid(),
		Exporter:  exporter,
		Sink:      telemetry.Multi(sinks...),
		Scheduler: training.SchedulerFor(cfg.LRDecay, cfg.LRStep),
		Saver:     checkpoints.NewCheckpointSaver(format),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if cfg.SaveCheckpoint && !test {
		if err := os.MkdirAll(filepath.Dir(cfg.CheckpointPath()), 0755); err != nil {
			return err
		}
	}
	if cfg.LoadCheckpoint != "" {
		if err := trainer.Load(cfg.LoadCheckpoint); err != nil {
			return err
		}
	}

	if test {
		_, err := trainer.Evaluate(ctx, true)
		return err
	}
	if err := trainer.Train(ctx); err != nil {
		return err
	}
	h := trainer.History()
	logger.Printf("[DONE] best avg_acc %.4f at epoch %d", h.BestAccuracy(), int(h["epoch"]))
	return nil
}
