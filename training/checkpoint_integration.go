package training

import (
	"fmt"

	"github.com/NvidiaLabs/guiding-vqg/checkpoints"
)

// buildCheckpoint snapshots the trainer into a serializable checkpoint:
// loop state, best watched scores, model weights and optimizer state.
func (t *VQGTrainer) buildCheckpoint() (*checkpoints.Checkpoint, error) {
	checkpoint := &checkpoints.Checkpoint{
		TrainingState: checkpoints.TrainingState{
			Iteration:    t.state.Iteration,
			Mode:         t.state.Mode.String(),
			LearningRate: t.opt.GetLR(),
			TotalSteps:   t.config.TotalTrainingSteps,
			WarmupSteps:  t.config.WarmupSteps,
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("best checkpoint at iteration %d", t.state.Iteration),
		},
	}

	for _, key := range []string{WatchedBleu, WatchedMSJ} {
		if best, err := t.tracker.Best(key); err == nil {
			checkpoint.BestScores = append(checkpoint.BestScores, checkpoints.BestScore{
				Metric:    key,
				Iteration: best.Iteration,
				Value:     best.Value,
			})
		}
	}
	if best, err := t.tracker.BestMin(WatchedFBD); err == nil {
		checkpoint.BestScores = append(checkpoint.BestScores, checkpoints.BestScore{
			Metric:    WatchedFBD,
			Iteration: best.Iteration,
			Value:     best.Value,
		})
	}

	for _, param := range t.model.Parameters() {
		data := make([]float64, len(param.Data))
		copy(data, param.Data)
		checkpoint.Weights = append(checkpoint.Weights, checkpoints.WeightTensor{
			Name:  param.Name,
			Shape: param.Shape,
			Data:  data,
		})
	}

	optState, err := t.opt.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to capture optimizer state: %v", err)
	}
	checkpoint.OptimizerState = optState

	return checkpoint, nil
}

// saveBestCheckpoint writes the current trainer snapshot to path in JSON
// format. Called whenever the watched validation score improves.
func (t *VQGTrainer) saveBestCheckpoint(path string) error {
	checkpoint, err := t.buildCheckpoint()
	if err != nil {
		return err
	}

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		return fmt.Errorf("failed to save checkpoint to %s: %v", path, err)
	}

	fmt.Fprintf(t.out, "Saved best checkpoint to %s\n", path)
	return nil
}

// SaveCheckpoint writes a snapshot of the trainer to path in the given
// format, for manual or end-of-run saving.
func (t *VQGTrainer) SaveCheckpoint(path string, format checkpoints.CheckpointFormat) error {
	checkpoint, err := t.buildCheckpoint()
	if err != nil {
		return err
	}

	saver := checkpoints.NewCheckpointSaver(format)
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		return fmt.Errorf("failed to save checkpoint to %s: %v", path, err)
	}
	return nil
}

// RestoreCheckpoint loads a checkpoint from path and restores the loop
// state, model weights and optimizer state into the trainer.
func (t *VQGTrainer) RestoreCheckpoint(path string, format checkpoints.CheckpointFormat) error {
	saver := checkpoints.NewCheckpointSaver(format)
	checkpoint, err := saver.LoadCheckpoint(path)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint from %s: %v", path, err)
	}

	t.state.Iteration = checkpoint.TrainingState.Iteration
	t.state.Mode = ParseMode(checkpoint.TrainingState.Mode)

	weights := make(map[string]checkpoints.WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		weights[w.Name] = w
	}
	for _, param := range t.model.Parameters() {
		saved, ok := weights[param.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing weights for %q", param.Name)
		}
		if len(saved.Data) != len(param.Data) {
			return fmt.Errorf("weight %q has %d values, expected %d", param.Name, len(saved.Data), len(param.Data))
		}
		copy(param.Data, saved.Data)
	}

	for _, score := range checkpoint.BestScores {
		t.tracker.Record(score.Metric, score.Iteration, score.Value)
	}

	if checkpoint.OptimizerState != nil {
		if err := t.opt.LoadState(checkpoint.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %v", err)
		}
	}
	if checkpoint.TrainingState.LearningRate > 0 {
		t.opt.SetLR(checkpoint.TrainingState.LearningRate)
	}

	return nil
}
