// Command train-vqg runs the full visual question generation training loop:
// warmup on the plain reconstruction path, the one-shot switch to the latent
// path with cyclical KL annealing, periodic validation with generation
// metrics, optional early stopping, and a final test pass.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/NvidiaLabs/guiding-vqg/checkpoints"
	"github.com/NvidiaLabs/guiding-vqg/dataset"
	"github.com/NvidiaLabs/guiding-vqg/model"
	"github.com/NvidiaLabs/guiding-vqg/nlgeval"
	"github.com/NvidiaLabs/guiding-vqg/optimizer"
	"github.com/NvidiaLabs/guiding-vqg/tokenizer"
	"github.com/NvidiaLabs/guiding-vqg/training"
)

func main() {
	var (
		trainPath = flag.String("dataset", "", "path to the training dataset (JSON)")
		valPath   = flag.String("val-dataset", "", "path to the validation dataset (JSON)")
		testPath  = flag.String("test-dataset", "", "path to the test dataset (JSON), optional")
		vocabPath = flag.String("vocab", "", "path to a word-per-line vocabulary file (word tokenizer)")
		tokKind   = flag.String("tokenizer", "word", "tokenizer kind: word or bpe")
		bpeTable  = flag.String("bpe-table", "", "path to a saved BPE id table (bpe tokenizer)")

		lr         = flag.Float64("lr", 3e-5, "learning rate")
		batchSize  = flag.Int("batch-size", 128, "training batch size")
		warmup     = flag.Int("warmup-steps", 35000, "steps before the latent path activates")
		totalSteps = flag.Int("total-training-steps", 35000, "training step budget")
		hiddenDim  = flag.Int("hidden-dim", 768, "hidden and latent dimensionality")
		imageDim   = flag.Int("image-dim", 512, "pooled image feature dimensionality (0 disables)")
		objectDim  = flag.Int("object-dim", 2048, "object feature dimensionality (0 disables)")
		dropout    = flag.Float64("dropout", 0.2, "dropout rate on the decode context")
		maxDecode  = flag.Int("max-decode-len", 26, "maximum generated question length")
		seed       = flag.Int64("seed", 42, "random seed for weight init and sampling")

		valInterval = flag.Int("val-check-interval", 250, "run validation every N training steps")
		limitVal    = flag.Int("limit-val-batches", 200, "cap on validation batches per epoch")
		earlyStop   = flag.Bool("early-stopping", true, "stop when val Bleu_4 stops improving")
		patience    = flag.Int("patience", 15, "validation epochs without improvement before stopping")
		minDelta    = flag.Float64("min-delta", 0.0, "minimum Bleu_4 improvement to reset patience")
		printLimit  = flag.Int("print-limit", 20, "decoded examples printed per validation epoch")

		prefetchDepth   = flag.Int("prefetch-depth", 3, "training batches buffered ahead of the loop")
		prefetchWorkers = flag.Int("prefetch-workers", 8, "background batch workers (0 disables prefetching)")

		bestPath   = flag.String("checkpoint", "best_checkpoint.json", "path for the best checkpoint (empty disables)")
		finalPath  = flag.String("final-checkpoint", "", "path for the end-of-run checkpoint (.pb for binary)")
		sidecarURL = flag.String("sidecar-url", "", "plotting sidecar base URL (empty disables shipping)")
		logEvery   = flag.Int("log-every", 50, "console metric print interval in steps")
	)
	flag.Parse()

	if *trainPath == "" || *valPath == "" {
		flag.Usage()
		log.Fatal("both -dataset and -val-dataset are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tok, err := buildTokenizer(*tokKind, *vocabPath, *bpeTable)
	if err != nil {
		log.Fatalf("tokenizer setup failed: %v", err)
	}

	trainSet, err := dataset.LoadJSON(*trainPath)
	if err != nil {
		log.Fatalf("failed to load training data: %v", err)
	}
	valSet, err := dataset.LoadJSON(*valPath)
	if err != nil {
		log.Fatalf("failed to load validation data: %v", err)
	}

	trainLoader := dataset.NewDataLoader(trainSet, *batchSize, true, tok.PadID())
	valLoader := dataset.NewDataLoader(valSet, *batchSize, false, tok.PadID())

	var trainSource training.BatchSource = trainLoader
	if *prefetchWorkers > 0 {
		prefetch, err := dataset.NewPrefetchLoader(trainLoader, dataset.PrefetchConfig{
			PrefetchDepth: *prefetchDepth,
			Workers:       *prefetchWorkers,
		})
		if err != nil {
			log.Fatalf("prefetch setup failed: %v", err)
		}
		source, err := dataset.NewPrefetchSource(ctx, prefetch)
		if err != nil {
			log.Fatalf("prefetch setup failed: %v", err)
		}
		trainSource = source
	}

	gen, err := model.NewBaseline(model.BaselineConfig{
		VocabSize:    tok.VocabSize(),
		HiddenDim:    *hiddenDim,
		ImageDim:     *imageDim,
		ObjectDim:    *objectDim,
		MaxDecodeLen: *maxDecode,
		Dropout:      *dropout,
		StartID:      tok.ClsID(),
		StopID:       tok.SepID(),
		Seed:         *seed,
	})
	if err != nil {
		log.Fatalf("model setup failed: %v", err)
	}

	adamConfig := optimizer.DefaultAdamConfig()
	adamConfig.LearningRate = *lr
	factory := func(params []*optimizer.Parameter) optimizer.Optimizer {
		return optimizer.NewAdam(params, adamConfig)
	}

	logger, sidecar := buildLogger(*sidecarURL, *logEvery)

	scorer := nlgeval.New(5)
	tracker := training.NewBestScoreTracker()
	evaluator := training.NewEvaluator(tok, scorer, scorer, tracker, *printLimit)

	trainer, err := training.NewVQGTrainer(gen, factory, evaluator, logger, training.TrainerConfig{
		LearningRate:       *lr,
		WarmupSteps:        *warmup,
		TotalTrainingSteps: *totalSteps,
		ValCheckInterval:   *valInterval,
		LimitValBatches:    *limitVal,
		EarlyStopping:      *earlyStop,
		Patience:           *patience,
		MinDelta:           *minDelta,
		CheckpointPath:     *bestPath,
	})
	if err != nil {
		log.Fatalf("trainer setup failed: %v", err)
	}

	fitErr := trainer.Fit(ctx, trainSource, valLoader)
	if fitErr != nil && !errors.Is(fitErr, context.Canceled) {
		log.Fatalf("training failed: %v", fitErr)
	}

	if *testPath != "" && ctx.Err() == nil {
		testSet, err := dataset.LoadJSON(*testPath)
		if err != nil {
			log.Fatalf("failed to load test data: %v", err)
		}
		testLoader := dataset.NewDataLoader(testSet, *batchSize, false, tok.PadID())

		fmt.Println("##### Test pass #####")
		if _, err := trainer.Test(ctx, testLoader); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("test pass failed: %v", err)
		}
	}

	if *finalPath != "" {
		format := checkpoints.FormatJSON
		if strings.HasSuffix(*finalPath, ".pb") {
			format = checkpoints.FormatPB
		}
		if err := trainer.SaveCheckpoint(*finalPath, format); err != nil {
			log.Fatalf("failed to save final checkpoint: %v", err)
		}
		fmt.Printf("Saved final checkpoint to %s\n", *finalPath)
	}

	if sidecar != nil {
		if err := sidecar.Flush(); err != nil {
			log.Printf("failed to flush metrics to sidecar: %v", err)
		}
	}
}

// buildTokenizer constructs the requested tokenizer. Both kinds require a
// persisted vocabulary so ids line up with the preprocessed datasets.
func buildTokenizer(kind, vocabPath, bpeTablePath string) (tokenizer.Tokenizer, error) {
	switch kind {
	case "word":
		if vocabPath == "" {
			return nil, fmt.Errorf("the word tokenizer requires -vocab")
		}
		words, err := readVocabFile(vocabPath)
		if err != nil {
			return nil, err
		}
		return tokenizer.NewVocab(words), nil
	case "bpe":
		if bpeTablePath == "" {
			return nil, fmt.Errorf("the bpe tokenizer requires -bpe-table so dataset ids line up with a persisted vocabulary")
		}
		return tokenizer.LoadBPE(bpeTablePath)
	default:
		return nil, fmt.Errorf("unknown tokenizer kind %q (want word or bpe)", kind)
	}
}

// readVocabFile reads a word-per-line vocabulary file
func readVocabFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary file: %v", err)
	}
	defer file.Close()

	var words []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word != "" {
			words = append(words, word)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary file: %v", err)
	}
	return words, nil
}

// buildLogger wires the metric sink: the plotting sidecar when one is
// reachable, a rate-limited console logger otherwise.
func buildLogger(sidecarURL string, logEvery int) (training.MetricLogger, *training.SidecarLogger) {
	if sidecarURL == "" {
		return training.NewConsoleLogger(logEvery), nil
	}

	config := training.DefaultSidecarLoggerConfig()
	config.BaseURL = sidecarURL
	sidecar := training.NewSidecarLogger(config)

	if err := sidecar.Ping(); err != nil {
		log.Printf("plotting sidecar not reachable, falling back to console: %v", err)
		return training.NewConsoleLogger(logEvery), nil
	}

	sidecar.Enable()
	return sidecar, sidecar
}
