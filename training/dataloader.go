package training

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/tensor"
)

// Batch is one minibatch. X has the batch as leading dimension; Y holds
// class indices [B] or soft labels [B, C]; YAux is an auxiliary label the
// core passes through untouched.
type Batch struct {
	X      *tensor.Tensor
	Y      *tensor.Tensor
	YAux   *tensor.Tensor
	Extras map[string]*tensor.Tensor
}

// BatchSource is a finite, restartable sequence of batches.
type BatchSource interface {
	// Reset rewinds to the first batch of a new epoch.
	Reset()
	// Next returns the next batch, or nil at the end of the epoch.
	Next() (*Batch, error)
	// Len returns the number of batches per epoch.
	Len() int
}

// Loaders exposes the named splits ("train", "valid", "test") of a dataset
// and its declared numeric types.
type Loaders interface {
	Split(name string) (BatchSource, error)
	InputType() tensor.DType
	LabelType() tensor.DType
}

// Sample is a single dataset item. YAux may be nil.
type Sample struct {
	X    *tensor.Tensor
	Y    *tensor.Tensor
	YAux *tensor.Tensor
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) (Sample, error)
}

// DataLoader batches and optionally shuffles a Dataset. It implements
// BatchSource.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. seed drives the shuffle order.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}
	dl.Reset()
	return dl, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load batch")
	}
	return batch, nil
}

// loadBatch loads a batch of samples and stacks them into batched tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch indices")
	}

	samples := make([]Sample, len(indices))
	for i, idx := range indices {
		s, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		samples[i] = s
	}

	x, err := stack(samples, func(s Sample) *tensor.Tensor { return s.X })
	if err != nil {
		return nil, errors.Wrap(err, "inputs")
	}
	y, err := stack(samples, func(s Sample) *tensor.Tensor { return s.Y })
	if err != nil {
		return nil, errors.Wrap(err, "labels")
	}
	batch := &Batch{X: x, Y: y}
	if samples[0].YAux != nil {
		if batch.YAux, err = stack(samples, func(s Sample) *tensor.Tensor { return s.YAux }); err != nil {
			return nil, errors.Wrap(err, "auxiliary labels")
		}
	}
	return batch, nil
}

// stack concatenates per-sample tensors along a new leading dimension. A
// scalar label of shape [1] stacks to [B].
func stack(samples []Sample, field func(Sample) *tensor.Tensor) (*tensor.Tensor, error) {
	first := field(samples[0])
	if first == nil {
		return nil, errors.New("missing tensor in first sample")
	}

	shape := []int{len(samples)}
	if !(len(first.Shape) == 1 && first.Shape[0] == 1) {
		shape = append(shape, first.Shape...)
	}
	out := tensor.Zeros(shape...)
	out.DType = first.DType

	size := first.NumElems
	for i, s := range samples {
		t := field(s)
		if t == nil || t.NumElems != size || t.DType != first.DType {
			return nil, errors.Errorf("sample %d does not match the first sample's shape and dtype", i)
		}
		copy(out.Data[i*size:(i+1)*size], t.Data)
	}
	return out, nil
}

// SimpleDataset provides a basic in-memory implementation of Dataset
type SimpleDataset struct {
	samples []Sample
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(samples []Sample) (*SimpleDataset, error) {
	for i, s := range samples {
		if s.X == nil || s.Y == nil {
			return nil, errors.Errorf("sample %d is missing its input or label", i)
		}
	}
	return &SimpleDataset{samples: samples}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.samples)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(ds.samples) {
		return Sample{}, errors.Errorf("index %d out of range [0, %d)", idx, len(ds.samples))
	}
	return ds.samples[idx], nil
}
