// Package dataset provides the in-memory datasets the vibi command trains
// on and exposes them as training loaders.
package dataset

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/async"
	"github.com/tsawler/go-vibi/tensor"
	"github.com/tsawler/go-vibi/training"
)

// Split names.
const (
	Train = "train"
	Valid = "valid"
	Test  = "test"
)

// Splits holds one batch source per split. It implements training.Loaders.
type Splits struct {
	sources map[string]training.BatchSource
	async   []*async.AsyncDataLoader
}

var _ training.Loaders = (*Splits)(nil)

// LoaderConfig controls batching.
type LoaderConfig struct {
	BatchSize int
	Seed      int64
	// Prefetch > 0 reads batches ahead on a background goroutine.
	Prefetch int
}

// NewSplits batches every dataset. Only the train split is shuffled.
func NewSplits(ctx context.Context, datasets map[string]training.Dataset, cfg LoaderConfig) (*Splits, error) {
	s := &Splits{sources: make(map[string]training.BatchSource, len(datasets))}
	for name, ds := range datasets {
		dl, err := training.NewDataLoader(ds, cfg.BatchSize, name == Train, cfg.Seed)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset: %s split", name)
		}
		if cfg.Prefetch <= 0 {
			s.sources[name] = dl
			continue
		}
		adl, err := async.NewAsyncDataLoader(ctx, dl, async.AsyncDataLoaderConfig{PrefetchDepth: cfg.Prefetch})
		if err != nil {
			return nil, errors.Wrapf(err, "dataset: %s split", name)
		}
		s.async = append(s.async, adl)
		s.sources[name] = adl
	}
	return s, nil
}

// Split implements training.Loaders.
func (s *Splits) Split(name string) (training.BatchSource, error) {
	src, ok := s.sources[name]
	if !ok {
		return nil, errors.Errorf("dataset: no %q split", name)
	}
	return src, nil
}

// InputType implements training.Loaders. Inputs are pixel intensities.
func (s *Splits) InputType() tensor.DType { return tensor.Float32 }

// LabelType implements training.Loaders.
func (s *Splits) LabelType() tensor.DType { return tensor.Int64 }

// Close stops background prefetchers.
func (s *Splits) Close() {
	for _, a := range s.async {
		a.Stop()
	}
}
