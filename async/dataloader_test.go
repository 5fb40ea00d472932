package async

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/tensor"
	"github.com/tsawler/go-vibi/training"
)

func newSource(t *testing.T, n, batchSize int) *training.DataLoader {
	t.Helper()
	samples := make([]training.Sample, n)
	for i := range samples {
		samples[i] = training.Sample{
			X: tensor.MustNew([]int{1}, []float64{float64(i)}),
			Y: tensor.FromInts([]int{i % 2}),
		}
	}
	ds, err := training.NewSimpleDataset(samples)
	if err != nil {
		t.Fatal(err)
	}
	dl, err := training.NewDataLoader(ds, batchSize, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	return dl
}

func drain(t *testing.T, src training.BatchSource) []float64 {
	t.Helper()
	var firsts []float64
	for {
		b, err := src.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if b == nil {
			return firsts
		}
		firsts = append(firsts, b.X.Data[0])
	}
}

func TestAsyncDataLoaderOrder(t *testing.T) {
	adl, err := NewAsyncDataLoader(context.Background(), newSource(t, 10, 3), AsyncDataLoaderConfig{PrefetchDepth: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer adl.Stop()

	if adl.Len() != 4 {
		t.Errorf("Len = %d, want 4", adl.Len())
	}
	want := []float64{0, 3, 6, 9}
	for epoch := 0; epoch < 2; epoch++ {
		adl.Reset()
		got := drain(t, adl)
		if len(got) != len(want) {
			t.Fatalf("epoch %d: got %v, want %v", epoch, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("epoch %d: got %v, want %v", epoch, got, want)
			}
		}
		// The queue stays exhausted until the next Reset.
		if b, err := adl.Next(); b != nil || err != nil {
			t.Errorf("Next after end = %v, %v", b, err)
		}
	}

	stats := adl.Stats()
	if stats.Generation != 2 || stats.BatchesProduced != 8 || stats.QueueCapacity != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAsyncDataLoaderResetMidEpoch(t *testing.T) {
	adl, _ := NewAsyncDataLoader(context.Background(), newSource(t, 20, 2), AsyncDataLoaderConfig{})
	defer adl.Stop()

	if b, err := adl.Next(); err != nil || b.X.Data[0] != 0 {
		t.Fatalf("first batch = %v, %v", b, err)
	}
	adl.Reset()
	got := drain(t, adl)
	if len(got) != 10 || got[0] != 0 {
		t.Errorf("after reset got %v", got)
	}
}

type failingSource struct{ calls int }

func (f *failingSource) Reset()   { f.calls = 0 }
func (f *failingSource) Len() int { return 2 }
func (f *failingSource) Next() (*training.Batch, error) {
	f.calls++
	if f.calls == 2 {
		return nil, errors.New("disk on fire")
	}
	return &training.Batch{X: tensor.Zeros(1, 1)}, nil
}

func TestAsyncDataLoaderError(t *testing.T) {
	adl, _ := NewAsyncDataLoader(context.Background(), &failingSource{}, AsyncDataLoaderConfig{})
	defer adl.Stop()

	if _, err := adl.Next(); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if _, err := adl.Next(); err == nil {
		t.Fatal("expected source error")
	}
	if b, err := adl.Next(); b != nil || err != nil {
		t.Errorf("after error: %v, %v", b, err)
	}
}

func TestAsyncDataLoaderCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	adl, _ := NewAsyncDataLoader(ctx, newSource(t, 100, 1), AsyncDataLoaderConfig{PrefetchDepth: 1})
	defer adl.Stop()

	adl.Reset()
	cancel()
	for i := 0; i < 200; i++ {
		b, err := adl.Next()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("error = %v, want context.Canceled", err)
			}
			return
		}
		if b == nil {
			t.Fatal("epoch ended normally after cancellation")
		}
	}
	t.Fatal("cancellation never observed")
}

func TestNewAsyncDataLoaderNilSource(t *testing.T) {
	if _, err := NewAsyncDataLoader(context.Background(), nil, AsyncDataLoaderConfig{}); err == nil {
		t.Error("expected error")
	}
}
