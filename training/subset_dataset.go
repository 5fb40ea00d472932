package training

import (
	"github.com/pkg/errors"
)

// SubsetDataset allows training on a limited number of samples from an underlying dataset.
type SubsetDataset struct {
	originalDataset Dataset
	offset          int
	limit           int
}

// NewSubsetDataset exposes samples [offset, offset+limit) of original. The
// limit is clipped to what the dataset holds.
func NewSubsetDataset(original Dataset, offset, limit int) (*SubsetDataset, error) {
	if offset < 0 || limit < 0 {
		return nil, errors.New("offset and limit cannot be negative")
	}
	if offset > original.Len() {
		return nil, errors.Errorf("offset %d beyond dataset of %d samples", offset, original.Len())
	}
	if offset+limit > original.Len() {
		limit = original.Len() - offset
	}
	return &SubsetDataset{
		originalDataset: original,
		offset:          offset,
		limit:           limit,
	}, nil
}

// Len returns the number of samples in the subset.
func (sd *SubsetDataset) Len() int {
	return sd.limit
}

// Get returns a sample at the given index from the original dataset.
func (sd *SubsetDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= sd.limit {
		return Sample{}, errors.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(sd.offset + idx)
}
