package dataset

import (
	"context"
	"runtime"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/config"
	"github.com/tsawler/go-vibi/training"
)

// MNISTValidFraction is the share of the MNIST training file held out for
// validation.
const MNISTValidFraction = 1.0 / 12

// Open builds the datasets cfg names without batching them.
func Open(cfg config.Config) (map[string]training.Dataset, error) {
	switch cfg.Dataset {
	case "mnist":
		if cfg.Channels != 1 || cfg.Rows != 28 || cfg.Cols != 28 {
			return nil, errors.Errorf("dataset: mnist is 1x28x28, config says %dx%dx%d", cfg.Channels, cfg.Rows, cfg.Cols)
		}
		return LoadMNIST(cfg.DataDir, MNISTValidFraction)
	case "imagefolder":
		sets, classes, err := LoadImageFolders(cfg.DataDir, ImageFolderConfig{
			Channels: cfg.Channels,
			Rows:     cfg.Rows,
			Cols:     cfg.Cols,
			Workers:  runtime.NumCPU(),
		})
		if err != nil {
			return nil, err
		}
		if len(classes) != cfg.Classes {
			return nil, errors.Errorf("dataset: %s has %d classes, config says %d", cfg.DataDir, len(classes), cfg.Classes)
		}
		return sets, nil
	case "synthetic":
		s := DefaultSyntheticConfig()
		s.Channels, s.Rows, s.Cols = cfg.Channels, cfg.Rows, cfg.Cols
		s.ChunkSize, s.Classes, s.Seed = cfg.ChunkSize, cfg.Classes, cfg.Seed
		return Synthetic(s)
	default:
		return nil, errors.Wrapf(config.ErrUnknownDataset, "%q", cfg.Dataset)
	}
}

// Load opens the configured dataset and batches every split.
func Load(ctx context.Context, cfg config.Config) (*Splits, error) {
	sets, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewSplits(ctx, sets, LoaderConfig{
		BatchSize: cfg.BatchSize,
		Seed:      cfg.Seed,
		Prefetch:  cfg.Prefetch,
	})
}
