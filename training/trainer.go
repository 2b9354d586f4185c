package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/NvidiaLabs/guiding-vqg/dataset"
	"github.com/NvidiaLabs/guiding-vqg/optimizer"
)

// TrainerConfig holds configuration for a training run
type TrainerConfig struct {
	LearningRate       float64
	WarmupSteps        int // Steps before the latent path activates
	TotalTrainingSteps int // Step budget; also fixes the annealing cycle length
	AnnealFraction     float64
	ValCheckInterval   int // Run validation every N training steps (0 = never)
	LimitValBatches    int // Cap on validation batches per epoch
	EarlyStopping      bool
	Patience           int     // Validation epochs without improvement before stopping
	MinDelta           float64 // Minimum improvement of best Bleu_4 to reset patience
	CheckpointPath     string  // Where the best checkpoint is written ("" = disabled)
}

// Validate rejects invalid hyperparameters and fills in defaults. Called
// before training starts so no bad value is discovered mid-loop.
func (c *TrainerConfig) Validate() error {
	if c.TotalTrainingSteps <= 0 {
		return &ConfigurationError{Field: "TotalTrainingSteps", Reason: "must be positive"}
	}
	if c.WarmupSteps < 0 {
		return &ConfigurationError{Field: "WarmupSteps", Reason: "must be non-negative"}
	}
	if c.LearningRate <= 0 {
		return &ConfigurationError{Field: "LearningRate", Reason: "must be positive"}
	}
	if c.ValCheckInterval < 0 {
		return &ConfigurationError{Field: "ValCheckInterval", Reason: "must be non-negative"}
	}
	if c.MinDelta < 0 {
		return &ConfigurationError{Field: "MinDelta", Reason: "must be non-negative"}
	}
	if c.AnnealFraction < 0 || c.AnnealFraction > 1 {
		return &ConfigurationError{Field: "AnnealFraction", Reason: "must be in [0, 1]"}
	}

	if c.AnnealFraction == 0 {
		c.AnnealFraction = DefaultAnnealFraction
	}
	if c.LimitValBatches <= 0 {
		c.LimitValBatches = 200
	}
	if c.Patience <= 0 {
		c.Patience = 15
	}

	return nil
}

// TrainingState is the mutable loop state: the monotonic iteration counter
// and the current operating mode. Owned exclusively by the trainer.
type TrainingState struct {
	Iteration int
	Mode      Mode
}

// OptimizerFactory constructs a fresh optimizer over the given parameters.
// The trainer calls it once at start and again on the mode transition, so a
// brand-new instance (zeroed momentum) replaces the old one.
type OptimizerFactory func(params []*optimizer.Parameter) optimizer.Optimizer

// VQGTrainer orchestrates the training loop: per-step forward/backward, loss
// scheduling, the one-shot plain-to-latent transition, periodic validation
// with generation metrics, early stopping, and the final test pass.
type VQGTrainer struct {
	model      QuestionGenerator
	optFactory OptimizerFactory
	opt        optimizer.Optimizer
	schedule   *CyclicalKLSchedule
	modes      *ModeController
	evaluator  *Evaluator
	logger     MetricLogger
	config     TrainerConfig

	state      TrainingState
	valLosses  *ValidationAccumulator
	testScores *TestScoreAccumulator
	tracker    *BestScoreTracker

	out io.Writer
}

// NewVQGTrainer validates the configuration and creates a trainer. The
// model starts in plain mode with a freshly constructed optimizer.
func NewVQGTrainer(model QuestionGenerator, optFactory OptimizerFactory, evaluator *Evaluator, logger MetricLogger, config TrainerConfig) (*VQGTrainer, error) {
	if model == nil {
		return nil, &ConfigurationError{Field: "model", Reason: "cannot be nil"}
	}
	if optFactory == nil {
		return nil, &ConfigurationError{Field: "optimizer factory", Reason: "cannot be nil"}
	}
	if evaluator == nil {
		return nil, &ConfigurationError{Field: "evaluator", Reason: "cannot be nil"}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	schedule, err := NewCyclicalKLSchedule(config.TotalTrainingSteps, config.AnnealFraction)
	if err != nil {
		return nil, err
	}
	modes, err := NewModeController(config.WarmupSteps)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NopLogger{}
	}

	return &VQGTrainer{
		model:      model,
		optFactory: optFactory,
		opt:        optFactory(model.Parameters()),
		schedule:   schedule,
		modes:      modes,
		evaluator:  evaluator,
		logger:     logger,
		config:     config,
		valLosses:  NewValidationAccumulator(),
		testScores: NewTestScoreAccumulator(),
		tracker:    evaluator.Tracker(),
		out:        os.Stdout,
	}, nil
}

// SetOutput redirects the trainer's printouts, primarily for tests
func (t *VQGTrainer) SetOutput(w io.Writer) {
	t.out = w
	t.evaluator.SetOutput(w)
}

// State returns a copy of the current loop state
func (t *VQGTrainer) State() TrainingState {
	return t.state
}

// Optimizer returns the current optimizer instance
func (t *VQGTrainer) Optimizer() optimizer.Optimizer {
	return t.opt
}

// TrainingStep runs one training step over a batch: mode-transition check,
// forward pass, loss scheduling, backward pass and parameter update. The
// iteration counter increments only after the step fully completes, so a
// failed step never advances the schedule.
func (t *VQGTrainer) TrainingStep(batch *dataset.Batch) (float64, error) {
	if t.modes.ShouldTransition(t.state.Mode, t.state.Iteration) {
		t.state.Mode = ModeLatent
		// A fresh optimizer instance discards momentum accumulated on the
		// plain path; the latent parameters start from clean state.
		t.opt = t.optFactory(t.model.Parameters())
		fmt.Fprintf(t.out, "Latent path activated at iteration %d, optimizer reset\n", t.state.Iteration)
	}

	t.opt.ZeroGrad()
	t.model.SetTraining(true)

	loss, kld, err := t.model.Forward(batch, t.state.Mode)
	if err != nil {
		return 0, fmt.Errorf("forward pass failed: %v", err)
	}

	losses := t.schedule.Compute(loss, kld, t.state.Iteration)
	t.logger.LogScalar("total train loss", losses.Total, t.state.Iteration)
	t.logger.LogScalar("rec train loss", losses.Reconstruction, t.state.Iteration)
	t.logger.LogScalar("kl train loss", losses.KL, t.state.Iteration)

	klWeight := 0.0
	if kld != nil {
		klWeight = t.schedule.Beta(t.state.Iteration)
	}
	if err := t.model.Backward(klWeight); err != nil {
		return 0, fmt.Errorf("backward pass failed: %v", err)
	}
	if err := t.opt.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step failed: %v", err)
	}

	t.state.Iteration++
	return losses.Total, nil
}

// ValidationStep computes the loss components for a validation batch without
// touching the mode transition, accumulates them for the epoch average, and
// returns the batch unchanged for downstream aggregation.
func (t *VQGTrainer) ValidationStep(batch *dataset.Batch) (*dataset.Batch, error) {
	t.model.SetTraining(false)
	loss, kld, err := t.model.Forward(batch, t.state.Mode)
	if err != nil {
		return nil, fmt.Errorf("validation forward pass failed: %v", err)
	}

	losses := t.schedule.Compute(loss, kld, t.state.Iteration)
	t.logger.LogScalar("total val loss", losses.Total, t.state.Iteration)
	t.logger.LogScalar("rec val loss", losses.Reconstruction, t.state.Iteration)
	t.logger.LogScalar("kl val loss", losses.KL, t.state.Iteration)
	t.valLosses.Append(losses)

	return batch, nil
}

// ValidationEpochEnd evaluates generated questions on the first collected
// batch, reports the percentage-scaled scores, then drains and prints the
// accumulated loss means. On a metric failure the history is not updated
// for this epoch but the loss means are still reported, and the error is
// returned to the caller.
func (t *VQGTrainer) ValidationEpochEnd(batches []*dataset.Batch) error {
	fmt.Fprintln(t.out, "##### End of Epoch validation #####")

	var evalErr error
	if len(batches) > 0 {
		scores, err := t.evaluator.Evaluate(t.model, batches[0], t.state.Mode, t.state.Iteration, true)
		if err != nil {
			evalErr = err
		} else {
			for _, key := range sortedKeys(scores) {
				rounded := RoundScore(scores[key])
				t.logger.LogScalar("val_"+key, rounded, t.state.Iteration)
				fmt.Fprintf(t.out, "%s \t %v\n", key, rounded)
			}
		}
	}

	means := t.valLosses.Drain()
	for _, key := range sortedKeys(means) {
		fmt.Fprintf(t.out, "val %s: %v\n", key, math.Round(means[key]*1e4)/1e4)
	}

	fmt.Fprintln(t.out)
	fmt.Fprintf(t.out, "This was validating after iteration %d\n", t.state.Iteration)

	return evalErr
}

// TestStep evaluates one test batch without history tracking, prints the
// rounded scores, and accumulates them for the final per-metric means.
func (t *VQGTrainer) TestStep(batch *dataset.Batch) (map[string]float64, error) {
	t.model.SetTraining(false)
	scores, err := t.evaluator.Evaluate(t.model, batch, t.state.Mode, t.state.Iteration, false)
	if err != nil {
		return nil, err
	}

	for _, key := range sortedKeys(scores) {
		fmt.Fprintf(t.out, "%s \t %v\n", key, RoundScore(scores[key]))
	}

	t.testScores.Add(scores)
	return scores, nil
}

// TestEnd reduces the accumulated test scores to per-metric means
func (t *VQGTrainer) TestEnd() map[string]float64 {
	return t.testScores.Reduce()
}

// Fit runs the training loop until the step budget is exhausted, early
// stopping fires, or ctx is cancelled. Cancellation is only observed
// between steps so no partial-gradient state is left behind; a final
// checkpoint/test pass over the best recorded state remains possible after
// return.
func (t *VQGTrainer) Fit(ctx context.Context, train, val BatchSource) error {
	if train == nil {
		return &ConfigurationError{Field: "training data", Reason: "loader cannot be nil"}
	}

	progress := NewProgressBar("Training", t.config.TotalTrainingSteps)
	train.Reset()

	patienceCounter := 0
	bestSoFar := math.Inf(-1)

	for t.state.Iteration < t.config.TotalTrainingSteps {
		select {
		case <-ctx.Done():
			progress.Finish()
			fmt.Fprintf(t.out, "Training interrupted at iteration %d\n", t.state.Iteration)
			return ctx.Err()
		default:
		}

		batch, err := train.Next()
		if err != nil {
			return fmt.Errorf("failed to fetch training batch: %v", err)
		}
		if batch == nil {
			train.Reset() // New epoch
			if batch, err = train.Next(); err != nil {
				return fmt.Errorf("failed to fetch training batch: %v", err)
			}
			if batch == nil {
				return &ConfigurationError{Field: "training data", Reason: "loader produced no batches"}
			}
		}

		totalLoss, err := t.TrainingStep(batch)
		if err != nil {
			return err
		}
		progress.Update(t.state.Iteration, map[string]float64{"loss": totalLoss})

		if val == nil || t.config.ValCheckInterval <= 0 || t.state.Iteration%t.config.ValCheckInterval != 0 {
			continue
		}

		fmt.Fprintln(t.out)
		if err := t.runValidation(val); err != nil {
			var metricErr *MetricComputationError
			if !errors.As(err, &metricErr) {
				return err
			}
			fmt.Fprintf(t.out, "skipping score history this epoch: %v\n", metricErr)
		}

		best, err := t.tracker.Best(WatchedBleu)
		if err != nil {
			continue // No scores recorded yet
		}

		if best.Value > bestSoFar+t.config.MinDelta {
			bestSoFar = best.Value
			patienceCounter = 0
			if t.config.CheckpointPath != "" {
				if err := t.saveBestCheckpoint(t.config.CheckpointPath); err != nil {
					fmt.Fprintf(t.out, "failed to save best checkpoint: %v\n", err)
				}
			}
		} else if t.config.EarlyStopping && t.state.Iteration > t.config.WarmupSteps {
			// The patience window only opens once the warmup threshold has
			// passed, so the latent path always gets a chance to train.
			patienceCounter++
			if patienceCounter >= t.config.Patience {
				progress.Finish()
				fmt.Fprintf(t.out, "Early stopping triggered after iteration %d\n", t.state.Iteration)
				return nil
			}
		}
	}

	progress.Finish()
	return nil
}

// runValidation collects up to LimitValBatches validation batches, runs the
// per-step loss pass over each, then closes the epoch.
func (t *VQGTrainer) runValidation(val BatchSource) error {
	val.Reset()

	batches := make([]*dataset.Batch, 0, t.config.LimitValBatches)
	for len(batches) < t.config.LimitValBatches {
		batch, err := val.Next()
		if err != nil {
			return fmt.Errorf("failed to fetch validation batch: %v", err)
		}
		if batch == nil {
			break
		}

		if _, err := t.ValidationStep(batch); err != nil {
			return err
		}
		batches = append(batches, batch)
	}

	return t.ValidationEpochEnd(batches)
}

// Test runs the final evaluation pass over a held-out loader and returns
// the per-metric means.
func (t *VQGTrainer) Test(ctx context.Context, loader BatchSource) (map[string]float64, error) {
	loader.Reset()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		batch, err := loader.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch test batch: %v", err)
		}
		if batch == nil {
			break
		}

		if _, err := t.TestStep(batch); err != nil {
			var metricErr *MetricComputationError
			if !errors.As(err, &metricErr) {
				return nil, err
			}
			fmt.Fprintf(t.out, "skipping test batch scores: %v\n", metricErr)
		}
	}

	final := t.TestEnd()
	for _, key := range sortedKeys(final) {
		fmt.Fprintf(t.out, "%s %v\n", key, final[key])
	}

	return final, nil
}

// sortedKeys returns the map keys in lexical order for stable printouts
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
