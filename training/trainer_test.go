package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NvidiaLabs/guiding-vqg/dataset"
	"github.com/NvidiaLabs/guiding-vqg/nlgeval"
	"github.com/NvidiaLabs/guiding-vqg/optimizer"
	"github.com/NvidiaLabs/guiding-vqg/tokenizer"
)

func makeLoader(tok *tokenizer.Vocab, n, batchSize int) *dataset.DataLoader {
	questions := []string{"what is the cat doing", "what color is the dog"}
	examples := make([]*dataset.Example, 0, n)
	for i := 0; i < n; i++ {
		examples = append(examples, &dataset.Example{
			ImageID:     fmt.Sprintf("img-%d", i),
			QuestionIDs: tok.Encode(questions[i%len(questions)]),
			InputIDs:    tok.Encode("binary cat"),
		})
	}
	return dataset.NewDataLoader(dataset.NewSliceDataset(examples), batchSize, false, tok.PadID())
}

func newTestTrainer(t *testing.T, gen *fakeGenerator, config TrainerConfig, factoryCalls *int) *VQGTrainer {
	t.Helper()

	tok := testVocab()
	scorer := nlgeval.New(5)
	evaluator := NewEvaluator(tok, scorer, scorer, NewBestScoreTracker(), 20)

	factory := func(params []*optimizer.Parameter) optimizer.Optimizer {
		if factoryCalls != nil {
			*factoryCalls++
		}
		return optimizer.NewSGD(params, 0.01, 0, 0, 0, false)
	}

	trainer, err := NewVQGTrainer(gen, factory, evaluator, NopLogger{}, config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trainer.SetOutput(&bytes.Buffer{})
	return trainer
}

func TestTrainingStepAdvancesIteration(t *testing.T) {
	gen := newFakeGenerator(2.0, 1.0)
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        1000,
		TotalTrainingSteps: 100,
	}, nil)

	tok := testVocab()
	batch := testBatch(tok, []string{"what is the cat doing"}, []string{"binary cat"})

	total, err := trainer.TrainingStep(batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2.0 {
		t.Errorf("expected plain-mode total 2.0, got %v", total)
	}
	if trainer.State().Iteration != 1 {
		t.Errorf("expected iteration 1, got %d", trainer.State().Iteration)
	}
	if trainer.State().Mode != ModePlain {
		t.Errorf("expected plain mode, got %v", trainer.State().Mode)
	}
	if len(gen.backwardWeights) != 1 || gen.backwardWeights[0] != 0 {
		t.Errorf("expected kl weight 0 in plain mode, got %v", gen.backwardWeights)
	}
}

func TestTrainingStepModeTransition(t *testing.T) {
	gen := newFakeGenerator(2.0, 1.0)
	factoryCalls := 0
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        2,
		TotalTrainingSteps: 100,
	}, &factoryCalls)

	tok := testVocab()
	batch := testBatch(tok, []string{"what is the cat doing"}, []string{"binary cat"})

	for i := 0; i < 5; i++ {
		if _, err := trainer.TrainingStep(batch); err != nil {
			t.Fatalf("unexpected error at step %d: %v", i, err)
		}
	}

	if trainer.State().Mode != ModeLatent {
		t.Errorf("expected latent mode after warmup, got %v", trainer.State().Mode)
	}
	// One construction at setup plus one reset on the transition
	if factoryCalls != 2 {
		t.Errorf("expected 2 optimizer constructions, got %d", factoryCalls)
	}

	wantModes := []Mode{ModePlain, ModePlain, ModePlain, ModeLatent, ModeLatent}
	for i, mode := range gen.forwardModes {
		if mode != wantModes[i] {
			t.Errorf("step %d: expected mode %v, got %v", i, wantModes[i], mode)
		}
	}

	// Latent steps carry a non-zero annealing weight
	for i := 3; i < 5; i++ {
		if gen.backwardWeights[i] <= 0 {
			t.Errorf("step %d: expected positive kl weight, got %v", i, gen.backwardWeights[i])
		}
	}
}

func TestValidationEpochEnd(t *testing.T) {
	gen := newFakeGenerator(2.0, 1.0)
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        1000,
		TotalTrainingSteps: 100,
	}, nil)

	var out bytes.Buffer
	trainer.SetOutput(&out)

	tok := testVocab()
	batch := testBatch(tok, []string{"what is the cat doing"}, []string{"binary cat"})

	for i := 0; i < 3; i++ {
		if _, err := trainer.ValidationStep(batch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := trainer.ValidationEpochEnd([]*dataset.Batch{batch}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "##### End of Epoch validation #####") {
		t.Error("expected the epoch banner in the output")
	}
	if !strings.Contains(text, "val total loss: 2") {
		t.Errorf("expected the mean validation loss in the output, got:\n%s", text)
	}
	if !strings.Contains(text, "This was validating after iteration 0") {
		t.Error("expected the iteration line in the output")
	}

	// Validation must not advance training state
	if trainer.State().Iteration != 0 {
		t.Errorf("expected iteration 0, got %d", trainer.State().Iteration)
	}
}

func TestTestStepAndEnd(t *testing.T) {
	gen := newFakeGenerator(2.0, 1.0)
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        1000,
		TotalTrainingSteps: 100,
	}, nil)

	tok := testVocab()
	batch := testBatch(tok, []string{"what is the cat doing"}, []string{"binary cat"})

	scores, err := trainer.TestStep(batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scores["Bleu_4"] != 1.0 {
		t.Errorf("expected Bleu_4 1.0 for echoed references, got %v", scores["Bleu_4"])
	}

	final := trainer.TestEnd()
	if final["Bleu_4"] != 1.0 {
		t.Errorf("expected mean Bleu_4 1.0, got %v", final["Bleu_4"])
	}
}

func TestFitEarlyStopping(t *testing.T) {
	gen := newFakeGenerator(2.0, 1.0)
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        0,
		TotalTrainingSteps: 200,
		ValCheckInterval:   1,
		LimitValBatches:    2,
		EarlyStopping:      true,
		Patience:           2,
	}, nil)

	tok := testVocab()
	train := makeLoader(tok, 8, 4)
	val := makeLoader(tok, 4, 4)

	if err := trainer.Fit(context.Background(), train, val); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The fake generator echoes references, so the watched score never
	// improves past its first observation and patience runs out quickly.
	if trainer.State().Iteration >= 200 {
		t.Errorf("expected early stopping before the step budget, stopped at %d", trainer.State().Iteration)
	}
}

func TestFitRunsToBudget(t *testing.T) {
	gen := newFakeGenerator(2.0, 1.0)
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        3,
		TotalTrainingSteps: 10,
	}, nil)

	tok := testVocab()
	train := makeLoader(tok, 8, 4)

	if err := trainer.Fit(context.Background(), train, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trainer.State().Iteration != 10 {
		t.Errorf("expected iteration 10, got %d", trainer.State().Iteration)
	}
	if trainer.State().Mode != ModeLatent {
		t.Errorf("expected latent mode at the end, got %v", trainer.State().Mode)
	}
}

func TestFitContextCancellation(t *testing.T) {
	gen := newFakeGenerator(2.0, 1.0)
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        1000,
		TotalTrainingSteps: 100,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tok := testVocab()
	err := trainer.Fit(ctx, makeLoader(tok, 8, 4), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if trainer.State().Iteration != 0 {
		t.Errorf("expected no steps after cancellation, got %d", trainer.State().Iteration)
	}
}

func TestStepsToggleTrainingMode(t *testing.T) {
	gen := newFakeGenerator(2.0, 1.0)
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        1000,
		TotalTrainingSteps: 100,
	}, nil)

	tok := testVocab()
	batch := testBatch(tok, []string{"what is the cat doing"}, []string{"binary cat"})

	if _, err := trainer.TrainingStep(batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := trainer.ValidationStep(batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := trainer.TestStep(batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []bool{true, false, false}
	if len(gen.trainingFlags) != len(want) {
		t.Fatalf("expected %d training toggles, got %d", len(want), len(gen.trainingFlags))
	}
	for i := range want {
		if gen.trainingFlags[i] != want[i] {
			t.Errorf("toggle %d: expected training=%v, got %v", i, want[i], gen.trainingFlags[i])
		}
	}
}

func TestFitRejectsEmptyTrainingData(t *testing.T) {
	gen := newFakeGenerator(2.0, 1.0)
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        1000,
		TotalTrainingSteps: 100,
	}, nil)

	tok := testVocab()
	err := trainer.Fit(context.Background(), makeLoader(tok, 0, 4), nil)
	if err == nil {
		t.Fatal("expected an error for an empty training loader, got nil")
	}

	var configErr *ConfigurationError
	if !errors.As(err, &configErr) {
		t.Errorf("expected a ConfigurationError, got %T", err)
	}
	if trainer.State().Iteration != 0 {
		t.Errorf("expected no steps without data, got %d", trainer.State().Iteration)
	}
}

func TestFitWithPrefetchedBatches(t *testing.T) {
	gen := newFakeGenerator(2.0, 1.0)
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        3,
		TotalTrainingSteps: 10,
	}, nil)

	tok := testVocab()
	prefetch, err := dataset.NewPrefetchLoader(makeLoader(tok, 8, 4), dataset.PrefetchConfig{PrefetchDepth: 2, Workers: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	source, err := dataset.NewPrefetchSource(context.Background(), prefetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := trainer.Fit(context.Background(), source, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trainer.State().Iteration != 10 {
		t.Errorf("expected iteration 10, got %d", trainer.State().Iteration)
	}
}

func TestFitSavesBestCheckpoint(t *testing.T) {
	checkpointPath := filepath.Join(t.TempDir(), "best.json")

	gen := newFakeGenerator(2.0, 1.0)
	trainer := newTestTrainer(t, gen, TrainerConfig{
		LearningRate:       0.01,
		WarmupSteps:        1000,
		TotalTrainingSteps: 3,
		ValCheckInterval:   1,
		LimitValBatches:    1,
		CheckpointPath:     checkpointPath,
	}, nil)

	tok := testVocab()
	if err := trainer.Fit(context.Background(), makeLoader(tok, 8, 4), makeLoader(tok, 4, 4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(checkpointPath); err != nil {
		t.Errorf("expected a best checkpoint at %s: %v", checkpointPath, err)
	}
}

func TestTrainerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  TrainerConfig
		wantErr bool
	}{
		{"valid", TrainerConfig{LearningRate: 0.01, TotalTrainingSteps: 100}, false},
		{"zero total steps", TrainerConfig{LearningRate: 0.01}, true},
		{"negative warmup", TrainerConfig{LearningRate: 0.01, TotalTrainingSteps: 100, WarmupSteps: -1}, true},
		{"zero learning rate", TrainerConfig{TotalTrainingSteps: 100}, true},
		{"negative val interval", TrainerConfig{LearningRate: 0.01, TotalTrainingSteps: 100, ValCheckInterval: -1}, true},
		{"negative min delta", TrainerConfig{LearningRate: 0.01, TotalTrainingSteps: 100, MinDelta: -0.1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestTrainerConfigDefaults(t *testing.T) {
	config := TrainerConfig{LearningRate: 0.01, TotalTrainingSteps: 100}
	if err := config.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.AnnealFraction != DefaultAnnealFraction {
		t.Errorf("expected default anneal fraction, got %v", config.AnnealFraction)
	}
	if config.LimitValBatches != 200 {
		t.Errorf("expected default val batch cap 200, got %d", config.LimitValBatches)
	}
	if config.Patience != 15 {
		t.Errorf("expected default patience 15, got %d", config.Patience)
	}
}
