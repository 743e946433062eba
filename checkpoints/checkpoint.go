package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-swalp/params"
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

// Extension returns the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "pb"
	default:
		return "json"
	}
}

// ParseFormat maps "json" / "proto" to a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "json":
		return FormatJSON, nil
	case "proto", "pb":
		return FormatProto, nil
	}
	return 0, fmt.Errorf("unknown checkpoint format %q", s)
}

// Checkpoint is the persisted training state: the accumulator map and the
// shadow-averaging counter, plus optimizer momentum and shadow accumulators
// when present.
type Checkpoint struct {
	// Epoch is the number of completed epochs.
	Epoch        int             `json:"epoch"`
	Accumulators []WeightTensor  `json:"accumulators"`
	SWA          *SWAState       `json:"swa,omitempty"`
	Optimizer    *OptimizerState `json:"optimizer_state,omitempty"`
	Metadata     Metadata        `json:"metadata"`
}

// WeightTensor is one parameter's accumulator with its fixed scale.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Scale float64   `json:"scale"`
	Data  []float64 `json:"data"`
}

// SWAState captures the shadow ensemble.
type SWAState struct {
	Count  int           `json:"count"`
	Models []ShadowState `json:"models,omitempty"`
}

// ShadowState holds one shadow model's accumulators.
type ShadowState struct {
	Name         string         `json:"name"`
	Accumulators []WeightTensor `json:"accumulators"`
}

// OptimizerState captures optimizer-specific state.
type OptimizerState struct {
	Type      string            `json:"type"`
	StepCount uint64            `json:"step_count"`
	Momentum  float64           `json:"momentum"`
	StateData []OptimizerTensor `json:"state_data"`
}

// OptimizerTensor is a named optimizer buffer, e.g. a momentum buffer.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"`
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Filename returns the conventional file name for an epoch checkpoint.
func (cs *CheckpointSaver) Filename(epoch int) string {
	return fmt.Sprintf("checkpoint-%d.%s", epoch, cs.format.Extension())
}

// SaveCheckpoint writes a checkpoint to path. The file is written to a
// temporary name first and renamed, so a crash never leaves a torn file.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-swalp"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = MarshalProto(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize checkpoint file: %w", err)
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	switch cs.format {
	case FormatJSON:
		err = json.Unmarshal(data, &checkpoint)
	case FormatProto:
		err = UnmarshalProto(data, &checkpoint)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// FormatForPath picks the format from a file extension, defaulting to JSON.
func FormatForPath(path string) CheckpointFormat {
	if filepath.Ext(path) == ".pb" {
		return FormatProto
	}
	return FormatJSON
}

// WeightsFromSet snapshots every accumulator of a parameter set.
func WeightsFromSet(set *params.Set) []WeightTensor {
	weights := make([]WeightTensor, 0, set.Len())
	for _, p := range set.Params() {
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Scale: p.Scale,
			Data:  append([]float64(nil), p.Acc...),
		})
	}
	return weights
}

// LoadWeightsIntoSet replaces the accumulators of set. Scales recorded in
// the checkpoint must match the set's fixed scales.
func LoadWeightsIntoSet(weights []WeightTensor, set *params.Set) error {
	accs := make(map[string][]float64, len(weights))
	for _, w := range weights {
		p, ok := set.Get(w.Name)
		if !ok {
			return fmt.Errorf("checkpoint has unknown parameter %q", w.Name)
		}
		if w.Scale != 0 && w.Scale != p.Scale {
			return fmt.Errorf("parameter %q: checkpoint scale %v differs from model scale %v", w.Name, w.Scale, p.Scale)
		}
		accs[w.Name] = w.Data
	}
	return set.LoadAccumulators(accs)
}
