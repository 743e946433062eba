package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tsawler/go-swalp/checkpoints"
	"github.com/tsawler/go-swalp/optimizer"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory  string                       // Directory to save checkpoints
	SaveFrequency  int                          // Save every N epochs (0 = disabled)
	SWAStart       int                          // Also save at this epoch when > 0
	MaxCheckpoints int                          // Maximum number of checkpoints to keep (0 = unlimited)
	Format         checkpoints.CheckpointFormat // JSON or Proto
	RunID          string                       // Stored in checkpoint metadata
}

// TrainingState is the live state a checkpoint captures. Optimizer and
// Ensemble may be nil.
type TrainingState struct {
	Model     Model
	Optimizer optimizer.Optimizer
	Ensemble  *Ensemble
}

// CheckpointManager decides when to save and converts between live state
// and checkpoints.
type CheckpointManager struct {
	config     CheckpointConfig
	saver      *checkpoints.CheckpointSaver
	savedFiles []string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
}

// ShouldSave reports whether a checkpoint is due after the given number of
// completed epochs.
func (cm *CheckpointManager) ShouldSave(epoch int) bool {
	if cm.config.SaveFrequency > 0 && epoch%cm.config.SaveFrequency == 0 {
		return true
	}
	return cm.config.SaveFrequency > 0 && cm.config.SWAStart > 0 && epoch == cm.config.SWAStart
}

// SaveCheckpoint writes state as checkpoint-<epoch> and returns its path.
func (cm *CheckpointManager) SaveCheckpoint(epoch int, state TrainingState, description string) (string, error) {
	checkpoint, err := cm.capture(epoch, state, description)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %w", err)
	}
	path := filepath.Join(cm.config.SaveDirectory, cm.saver.Filename(epoch))
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	cm.savedFiles = append(cm.savedFiles, path)
	if err := cm.cleanupOldCheckpoints(); err != nil {
		return path, fmt.Errorf("checkpoint saved but cleanup failed: %w", err)
	}
	return path, nil
}

// LoadCheckpoint reads path, with the format taken from its extension, and
// restores it into state. It returns the number of completed epochs stored
// in the checkpoint.
func (cm *CheckpointManager) LoadCheckpoint(path string, state TrainingState) (int, error) {
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path))
	checkpoint, err := saver.LoadCheckpoint(path)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := restore(checkpoint, state); err != nil {
		return 0, fmt.Errorf("failed to restore training state: %w", err)
	}
	return checkpoint.Epoch, nil
}

// SavedFiles returns the checkpoints written by this manager that still
// exist.
func (cm *CheckpointManager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}

func (cm *CheckpointManager) capture(epoch int, state TrainingState, description string) (*checkpoints.Checkpoint, error) {
	checkpoint := &checkpoints.Checkpoint{
		Epoch:        epoch,
		Accumulators: checkpoints.WeightsFromSet(state.Model.Params()),
		Metadata: checkpoints.Metadata{
			RunID:       cm.config.RunID,
			Description: description,
		},
	}
	if state.Optimizer != nil {
		optState, err := state.Optimizer.GetState()
		if err != nil {
			return nil, fmt.Errorf("failed to extract optimizer state: %w", err)
		}
		checkpoint.Optimizer = optState
	}
	if state.Ensemble != nil {
		swa := &checkpoints.SWAState{Count: state.Ensemble.Count()}
		for _, s := range state.Ensemble.Models() {
			swa.Models = append(swa.Models, checkpoints.ShadowState{
				Name:         s.Kind.Name(),
				Accumulators: checkpoints.WeightsFromSet(s.Model.Params()),
			})
		}
		checkpoint.SWA = swa
	}
	return checkpoint, nil
}

func restore(checkpoint *checkpoints.Checkpoint, state TrainingState) error {
	if err := checkpoints.LoadWeightsIntoSet(checkpoint.Accumulators, state.Model.Params()); err != nil {
		return fmt.Errorf("failed to load weights: %w", err)
	}
	if checkpoint.Optimizer != nil && state.Optimizer != nil {
		if err := state.Optimizer.LoadState(checkpoint.Optimizer); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	if checkpoint.SWA != nil && state.Ensemble != nil {
		state.Ensemble.SetCount(checkpoint.SWA.Count)
		for _, m := range checkpoint.SWA.Models {
			shadow, ok := state.Ensemble.Shadow(m.Name)
			if !ok {
				if _, err := ParseShadowKind(m.Name); err != nil {
					return err
				}
				continue
			}
			if err := checkpoints.LoadWeightsIntoSet(m.Accumulators, shadow.Model.Params()); err != nil {
				return fmt.Errorf("shadow %s: %w", m.Name, err)
			}
		}
	}
	return nil
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}
	excess := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for _, path := range cm.savedFiles[:excess] {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	cm.savedFiles = cm.savedFiles[excess:]
	return nil
}
