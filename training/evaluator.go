package training

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/NvidiaLabs/guiding-vqg/dataset"
	"github.com/NvidiaLabs/guiding-vqg/tokenizer"
)

// Watched metric keys recorded into the best-score history on validation
const (
	WatchedBleu = "Bleu_4"
	WatchedMSJ  = "msj_4"
	WatchedFBD  = "fbd" // lower is better; only present when the scorer supplies it
)

// Evaluator runs greedy decoding over a batch, detokenizes predictions and
// references, filters structural tokens, and computes corpus-level
// generation metrics. With history tracking on it also records the watched
// metrics into the shared best-score tracker.
type Evaluator struct {
	tok        tokenizer.Tokenizer
	scorer     Scorer
	distances  DistanceScorer
	tracker    *BestScoreTracker
	printLimit int
	out        io.Writer
}

// NewEvaluator creates an evaluator. printLimit bounds the number of
// per-example inspection records printed (default 20).
func NewEvaluator(tok tokenizer.Tokenizer, scorer Scorer, distances DistanceScorer, tracker *BestScoreTracker, printLimit int) *Evaluator {
	if printLimit <= 0 {
		printLimit = 20
	}
	return &Evaluator{
		tok:        tok,
		scorer:     scorer,
		distances:  distances,
		tracker:    tracker,
		printLimit: printLimit,
		out:        os.Stdout,
	}
}

// SetOutput redirects the inspection printout, primarily for tests
func (e *Evaluator) SetOutput(w io.Writer) {
	e.out = w
}

// Tracker returns the best-score history shared with the training loop
func (e *Evaluator) Tracker() *BestScoreTracker {
	return e.tracker
}

// Evaluate decodes the batch greedily and scores the generated questions
// against the references. When trackHistory is true, percentage-scaled
// rounded values of the watched metrics are recorded at the given iteration
// and the running best scores are printed. The returned map holds the raw
// unscaled scores.
func (e *Evaluator) Evaluate(model QuestionGenerator, batch *dataset.Batch, mode Mode, iteration int, trackHistory bool) (map[string]float64, error) {
	decoded, err := model.DecodeGreedy(batch, mode)
	if err != nil {
		return nil, fmt.Errorf("greedy decoding failed: %v", err)
	}
	if len(decoded) != batch.Size() {
		return nil, fmt.Errorf("decoded %d sequences for batch of %d", len(decoded), batch.Size())
	}

	preds := make([]string, 0, batch.Size())
	gts := make([]string, 0, batch.Size())

	for i, sentence := range decoded {
		currInput := e.FilterSpecialTokens(e.tok.Decode(batch.InputIDs[i]))
		generated := e.FilterSpecialTokens(e.tok.Decode(sentence))
		real := e.FilterSpecialTokens(e.tok.Decode(batch.QuestionIDs[i]))

		gts = append(gts, real)
		preds = append(preds, generated)

		if i < e.printLimit {
			inputTokens := strings.Fields(currInput)
			category, keywords := "", ""
			if len(inputTokens) > 0 {
				category = inputTokens[0]
				keywords = strings.Join(inputTokens[1:], " ")
			}

			fmt.Fprintln(e.out, "Image ID:\t", batch.ImageIDs[i])
			fmt.Fprintln(e.out, "Category:\t", category)
			fmt.Fprintln(e.out, "KW inputs:\t", keywords)
			fmt.Fprintln(e.out, "Generated:\t", generated)
			fmt.Fprintln(e.out, "Real Ques:\t", real)
			fmt.Fprintln(e.out)
		}
	}

	scores, err := e.scorer.ComputeMetrics([][]string{gts}, preds)
	if err != nil {
		return nil, &MetricComputationError{Err: err}
	}

	jaccard, err := e.distances.JaccardScore(gts, preds)
	if err != nil {
		return nil, &MetricComputationError{Err: err}
	}
	for order, value := range jaccard {
		scores[fmt.Sprintf("msj_%d", order)] = value
	}

	if trackHistory {
		for key, value := range scores {
			switch key {
			case WatchedBleu, WatchedMSJ, WatchedFBD:
				e.tracker.Record(key, iteration, RoundScore(value))
			}
		}
	}

	e.printRunningBest()

	return scores, nil
}

// printRunningBest reports the best watched scores seen so far
func (e *Evaluator) printRunningBest() {
	if best, err := e.tracker.Best(WatchedBleu); err == nil {
		fmt.Fprintf(e.out, "HIGHEST BLEU SCORE WAS: %v FROM ITER %d\n", best.Value, best.Iteration)
	}
	if best, err := e.tracker.Best(WatchedMSJ); err == nil {
		fmt.Fprintf(e.out, "HIGHEST MSJ_4 SCORE WAS: %v FROM ITER %d\n", best.Value, best.Iteration)
	}
	if best, err := e.tracker.BestMin(WatchedFBD); err == nil {
		fmt.Fprintf(e.out, "SMALLEST FBD SCORE WAS: %v FROM ITER %d\n", best.Value, best.Iteration)
	}
}

// FilterSpecialTokens truncates a decoded string at the first separator
// token and strips all structural tokens from what remains. Applied
// symmetrically to hypotheses, references and keyword inputs so the metric
// computation only ever sees clean text.
func (e *Evaluator) FilterSpecialTokens(decoded string) string {
	words := strings.Fields(decoded)

	sep := e.tok.SepToken()
	for i, word := range words {
		if word == sep {
			words = words[:i]
			break
		}
	}

	specials := make(map[string]struct{})
	for _, tok := range e.tok.AllSpecialTokens() {
		specials[tok] = struct{}{}
	}

	filtered := make([]string, 0, len(words))
	for _, word := range words {
		if _, ok := specials[word]; ok {
			continue
		}
		filtered = append(filtered, word)
	}

	return strings.Join(filtered, " ")
}

// RoundScore scales a raw score to a percentage and rounds to 4 decimals,
// the display form used for history tracking and printouts
func RoundScore(value float64) float64 {
	return math.Round(value*100*1e4) / 1e4
}
