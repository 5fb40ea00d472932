package dataset

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/chunk"
	"github.com/tsawler/go-vibi/tensor"
	"github.com/tsawler/go-vibi/training"
)

// SyntheticConfig describes a generated dataset in which the class of a
// sample is encoded by a single bright chunk on a noisy background.
type SyntheticConfig struct {
	Channels  int
	Rows      int
	Cols      int
	ChunkSize int
	Classes   int
	// Sizes per split.
	Train, Valid, Test int
	Noise              float64 // background intensity upper bound
	Seed               int64
}

// DefaultSyntheticConfig returns a 28x28 grayscale 10-class setup.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Channels:  1,
		Rows:      28,
		Cols:      28,
		ChunkSize: 2,
		Classes:   10,
		Train:     2000,
		Valid:     400,
		Test:      400,
		Noise:     0.3,
		Seed:      1,
	}
}

// Synthetic generates the train, valid and test splits.
func Synthetic(cfg SyntheticConfig) (map[string]training.Dataset, error) {
	grid, err := chunk.NewGrid(cfg.Rows, cfg.Cols, cfg.ChunkSize)
	if err != nil {
		return nil, errors.Wrap(err, "dataset: synthetic")
	}
	if cfg.Classes < 2 || cfg.Classes > grid.NumChunks() {
		return nil, errors.Errorf("dataset: %d classes for %d chunks", cfg.Classes, grid.NumChunks())
	}
	if cfg.Channels <= 0 {
		return nil, errors.Errorf("dataset: invalid channel count %d", cfg.Channels)
	}

	// Spread the class chunks across the grid.
	stride := grid.NumChunks() / cfg.Classes
	rng := rand.New(rand.NewSource(cfg.Seed))
	plane := cfg.Rows * cfg.Cols

	gen := func(n int) (training.Dataset, error) {
		samples := make([]training.Sample, n)
		for i := range samples {
			c := rng.Intn(cfg.Classes)
			x := make([]float64, cfg.Channels*plane)
			for p := range x {
				x[p] = rng.Float64() * cfg.Noise
			}
			for _, p := range grid.Pixels(c * stride) {
				for ch := 0; ch < cfg.Channels; ch++ {
					x[ch*plane+p] = 1
				}
			}
			samples[i] = training.Sample{
				X: tensor.MustNew([]int{len(x)}, x),
				Y: tensor.FromInts([]int{c}),
			}
		}
		return training.NewSimpleDataset(samples)
	}

	out := make(map[string]training.Dataset, 3)
	for _, s := range []struct {
		name string
		n    int
	}{{Train, cfg.Train}, {Valid, cfg.Valid}, {Test, cfg.Test}} {
		ds, err := gen(s.n)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset: synthetic %s", s.name)
		}
		out[s.name] = ds
	}
	return out, nil
}
