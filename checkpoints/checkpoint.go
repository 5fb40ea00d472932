package checkpoints

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

// ErrNotFound is returned by LoadCheckpoint when no file exists at the path.
// It is a normal first-run condition, not a failure.
var ErrNotFound = errors.New("checkpoint not found")

const (
	frameworkName    = "go-vibi"
	frameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a configuration name ("json", "proto") to a format.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "", "json", "JSON":
		return FormatJSON, nil
	case "proto", "protobuf", "Proto":
		return FormatProto, nil
	default:
		return FormatJSON, errors.Errorf("unsupported checkpoint format %q", name)
	}
}

// Checkpoint is a complete training snapshot: counters, best-metric
// history, both parameter sets, optimizer state and the run configuration.
type Checkpoint struct {
	Iteration int                `json:"iter"`
	Epoch     int                `json:"epoch"`
	History   map[string]float64 `json:"history"`

	ModelStates ModelStates `json:"model_states"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optim_states,omitempty"`

	// Args is the JSON-encoded run configuration.
	Args json.RawMessage `json:"args,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// ModelStates holds the trainable and the EMA shadow parameter sets.
type ModelStates struct {
	Net    []WeightTensor `json:"net"`
	NetEMA []WeightTensor `json:"net_ema"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "Adam", "SGD"
	Parameters map[string]float64 `json:"parameters"`
	StepCount  uint64             `json:"step_count"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path atomically: the record goes to a
// temporary file in the same directory which then replaces path.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var encode func(io.Writer, *Checkpoint) error
	switch cs.format {
	case FormatJSON:
		encode = encodeJSON
	case FormatProto:
		encode = encodeProto
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := encode(tmp, checkpoint); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to sync checkpoint file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close checkpoint file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint. A missing file yields an error
// satisfying errors.Is(err, ErrNotFound).
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, path)
		}
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint, err = decodeJSON(file)
	case FormatProto:
		checkpoint, err = decodeProto(file)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return checkpoint, nil
}

func encodeJSON(w io.Writer, checkpoint *Checkpoint) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(checkpoint)
}

func decodeJSON(r io.Reader) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.NewDecoder(r).Decode(&checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

// ExtractWeights copies every tensor of p into WeightTensors, in order.
func ExtractWeights(p *model.Params) []WeightTensor {
	weights := make([]WeightTensor, 0, p.Len())
	p.Each(func(name string, t *tensor.Tensor) {
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		})
	})
	return weights
}

// LoadWeights copies weights into the matching tensors of p. Every tensor
// of p must be present with the same shape.
func LoadWeights(weights []WeightTensor, p *model.Params) error {
	if len(weights) != p.Len() {
		return errors.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), p.Len())
	}

	weightMap := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		weightMap[w.Name] = w
	}

	for _, name := range p.Names() {
		w, ok := weightMap[name]
		if !ok {
			return errors.Errorf("missing weight %s", name)
		}
		t := p.Get(name)
		if len(t.Shape) != len(w.Shape) {
			return errors.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", name, t.Shape, w.Shape)
		}
		for j, dim := range t.Shape {
			if dim != w.Shape[j] {
				return errors.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != t.NumElems {
			return errors.Errorf("data length mismatch for weight %s: %d vs %d", name, len(w.Data), t.NumElems)
		}
	}

	// validated up front so a failed load leaves p untouched
	for _, name := range p.Names() {
		copy(p.Get(name).Data, weightMap[name].Data)
	}
	return nil
}
