// Package config holds the run configuration of the vibi command.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/checkpoints"
)

// ErrUnknownDataset is returned for a dataset name no loader exists for.
var ErrUnknownDataset = errors.New("unknown dataset")

// Datasets lists the supported dataset names.
var Datasets = []string{"imagefolder", "mnist", "synthetic"}

// Config is the full run configuration. JSON files overlay Default.
type Config struct {
	Dataset string `json:"dataset"`
	DataDir string `json:"data_dir"`
	// BlackBox is the weights file of the frozen classifier.
	BlackBox string `json:"black_box"`

	Epochs    int     `json:"epochs"`
	BatchSize int     `json:"batch_size"`
	LR        float64 `json:"lr"`
	Beta      float64 `json:"beta"`
	K         int     `json:"K"`
	NumAvg    int     `json:"num_avg"`
	ChunkSize int     `json:"chunk_size"`
	Channels  int     `json:"channels"`
	Rows      int     `json:"original_nrow"`
	Cols      int     `json:"original_ncol"`
	Classes   int     `json:"classes"`
	Tau       float64 `json:"tau"`
	EMADecay  float64 `json:"ema_decay"`
	AdamBeta1 float64 `json:"adam_beta1"`
	AdamBeta2 float64 `json:"adam_beta2"`
	LRDecay   float64 `json:"lr_decay"` // decay factor, 0 keeps the rate
	LRStep    int     `json:"lr_step"`  // epochs between decays, 0 decays every epoch
	Seed      int64   `json:"seed"`

	PrintEvery     int    `json:"print_every"`
	SaveCheckpoint bool   `json:"save_checkpoint"`
	LoadCheckpoint string `json:"load_checkpoint"`
	CheckpointDir  string `json:"checkpoint_dir"`
	CheckpointName string `json:"checkpoint_name"`
	Format         string `json:"checkpoint_format"`

	SaveImage     bool   `json:"save_image"`
	ImageDir      string `json:"image_dir"`
	ImageEvery    int    `json:"image_every"`
	ImageMinEpoch int    `json:"image_min_epoch"`
	ImageBatches  []int  `json:"image_batches"`
	SummaryDir    string `json:"summary_dir"`
	Tensorboard   bool   `json:"tensorboard"`
	EnvName       string `json:"env_name"`
	ModelName     string `json:"model_name"`

	Prefetch     int  `json:"prefetch"`
	ShowProgress bool `json:"show_progress"`
}

// Default returns the reference configuration.
func Default() Config {
	batches := make([]int, 17)
	for i := range batches {
		batches[i] = i
	}
	return Config{
		Dataset:        "synthetic",
		DataDir:        "dataset",
		BlackBox:       "blackbox.json",
		Epochs:         1,
		BatchSize:      10,
		LR:             5e-4,
		Beta:           0.01,
		K:              4,
		NumAvg:         12,
		ChunkSize:      2,
		Channels:       1,
		Rows:           28,
		Cols:           28,
		Classes:        10,
		Tau:            0.5,
		EMADecay:       0.999,
		AdamBeta1:      0.5,
		AdamBeta2:      0.999,
		Seed:           1,
		PrintEvery:     1000,
		SaveCheckpoint: true,
		CheckpointDir:  "checkpoints",
		CheckpointName: "best_acc.tar",
		Format:         "json",
		ImageDir:       "images",
		ImageEvery:     10,
		ImageMinEpoch:  75,
		ImageBatches:   batches,
		SummaryDir:     "summary",
		Tensorboard:    true,
		EnvName:        "main",
		ModelName:      "vibi",
		Prefetch:       2,
	}
}

// LoadFile reads a JSON file over Default and validates the result.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: read %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: decode %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and names.
func (c Config) Validate() error {
	known := false
	for _, d := range Datasets {
		if c.Dataset == d {
			known = true
		}
	}
	if !known {
		return errors.Wrapf(ErrUnknownDataset, "%q", c.Dataset)
	}
	switch {
	case c.Epochs < 0:
		return errors.Errorf("config: epochs must be non-negative, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return errors.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	case c.K <= 0:
		return errors.Errorf("config: K must be positive, got %d", c.K)
	case c.NumAvg < 0:
		return errors.Errorf("config: num_avg must be non-negative, got %d", c.NumAvg)
	case c.ChunkSize <= 0 || c.Rows%c.ChunkSize != 0 || c.Cols%c.ChunkSize != 0:
		return errors.Errorf("config: chunk_size %d must divide %dx%d", c.ChunkSize, c.Rows, c.Cols)
	case c.K > (c.Rows/c.ChunkSize)*(c.Cols/c.ChunkSize):
		return errors.Errorf("config: K=%d exceeds the number of chunks", c.K)
	case c.Channels != 1 && c.Channels != 3:
		return errors.Errorf("config: channels must be 1 or 3, got %d", c.Channels)
	case c.Classes < 2:
		return errors.Errorf("config: need at least 2 classes, got %d", c.Classes)
	case c.Tau <= 0:
		return errors.Errorf("config: tau must be positive, got %v", c.Tau)
	case c.EMADecay < 0 || c.EMADecay > 1:
		return errors.Errorf("config: ema_decay must be in [0, 1], got %v", c.EMADecay)
	case c.LR <= 0:
		return errors.Errorf("config: lr must be positive, got %v", c.LR)
	case c.LRDecay < 0 || c.LRDecay > 1:
		return errors.Errorf("config: lr_decay must be in [0, 1], got %v", c.LRDecay)
	case c.LRStep < 0:
		return errors.Errorf("config: lr_step must be non-negative, got %d", c.LRStep)
	}
	if _, err := c.CheckpointFormat(); err != nil {
		return errors.Wrap(err, "config")
	}
	return nil
}

// CheckpointFormat parses Format.
func (c Config) CheckpointFormat() (checkpoints.CheckpointFormat, error) {
	return checkpoints.ParseFormat(c.Format)
}

// CheckpointPath returns the checkpoint file of this run:
// <checkpoint_dir>/<env_name>/<checkpoint_name>.
func (c Config) CheckpointPath() string {
	return filepath.Join(c.CheckpointDir, c.EnvName, c.CheckpointName)
}

// ImagePath returns the image directory of this run.
func (c Config) ImagePath() string {
	return filepath.Join(c.ImageDir, c.EnvName)
}

// SummaryPath returns the telemetry database of this run.
func (c Config) SummaryPath() string {
	return filepath.Join(c.SummaryDir, c.EnvName+".db")
}

// JSON returns the configuration encoded for storage in a checkpoint.
func (c Config) JSON() (json.RawMessage, error) {
	data, err := json.Marshal(c)
	return data, errors.Wrap(err, "config: encode")
}
