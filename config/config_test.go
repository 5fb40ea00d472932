package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/checkpoints"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.BatchSize != 10 || c.K != 4 || c.Beta != 0.01 || c.NumAvg != 12 {
		t.Errorf("unexpected defaults %+v", c)
	}
	if len(c.ImageBatches) != 17 || c.ImageBatches[16] != 16 {
		t.Errorf("image batches = %v", c.ImageBatches)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"batch size", func(c *Config) { c.BatchSize = 0 }},
		{"K", func(c *Config) { c.K = 0 }},
		{"K too large", func(c *Config) { c.K = 1000 }},
		{"num avg", func(c *Config) { c.NumAvg = -1 }},
		{"chunk size", func(c *Config) { c.ChunkSize = 3 }},
		{"channels", func(c *Config) { c.Channels = 2 }},
		{"classes", func(c *Config) { c.Classes = 1 }},
		{"tau", func(c *Config) { c.Tau = 0 }},
		{"ema decay", func(c *Config) { c.EMADecay = 1.1 }},
		{"lr", func(c *Config) { c.LR = 0 }},
		{"lr decay", func(c *Config) { c.LRDecay = 2 }},
		{"lr step", func(c *Config) { c.LRStep = -1 }},
		{"format", func(c *Config) { c.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestUnknownDataset(t *testing.T) {
	c := Default()
	c.Dataset = "cifar"
	if err := c.Validate(); !errors.Is(err, ErrUnknownDataset) {
		t.Errorf("Validate = %v, want ErrUnknownDataset", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	body := `{"dataset": "mnist", "epochs": 3, "K": 6, "checkpoint_format": "proto", "env_name": "exp1"}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Dataset != "mnist" || c.Epochs != 3 || c.K != 6 {
		t.Errorf("overlay not applied: %+v", c)
	}
	if c.BatchSize != 10 {
		t.Errorf("default lost: batch size %d", c.BatchSize)
	}
	if f, _ := c.CheckpointFormat(); f != checkpoints.FormatProto {
		t.Errorf("format = %s", f)
	}
	if want := filepath.Join("checkpoints", "exp1", "best_acc.tar"); c.CheckpointPath() != want {
		t.Errorf("checkpoint path = %s, want %s", c.CheckpointPath(), want)
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{"), 0644)
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
