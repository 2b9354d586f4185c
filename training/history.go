package training

import (
	"gonum.org/v1/gonum/stat"
)

// Observation is one recorded metric value with the iteration it was seen at
type Observation struct {
	Iteration int
	Value     float64
}

// BestScoreTracker keeps the full append-only observation history per metric
// so running best scores can be queried (and the history plotted later).
// Observations are never overwritten or deduplicated.
type BestScoreTracker struct {
	history map[string][]Observation
}

// NewBestScoreTracker creates an empty tracker
func NewBestScoreTracker() *BestScoreTracker {
	return &BestScoreTracker{
		history: make(map[string][]Observation),
	}
}

// Record appends an observation for the given metric
func (t *BestScoreTracker) Record(key string, iteration int, value float64) {
	t.history[key] = append(t.history[key], Observation{Iteration: iteration, Value: value})
}

// History returns the recorded observations for a metric, oldest first
func (t *BestScoreTracker) History(key string) []Observation {
	return t.history[key]
}

// Has reports whether any observation exists for the metric
func (t *BestScoreTracker) Has(key string) bool {
	return len(t.history[key]) > 0
}

// Best returns the observation with the maximum value for the metric.
// Returns ErrEmptyHistory when nothing has been recorded yet.
func (t *BestScoreTracker) Best(key string) (Observation, error) {
	observations := t.history[key]
	if len(observations) == 0 {
		return Observation{}, ErrEmptyHistory
	}

	best := observations[0]
	for _, obs := range observations[1:] {
		if obs.Value > best.Value {
			best = obs
		}
	}
	return best, nil
}

// BestMin returns the observation with the minimum value, for metrics where
// lower is better (e.g. fbd).
func (t *BestScoreTracker) BestMin(key string) (Observation, error) {
	observations := t.history[key]
	if len(observations) == 0 {
		return Observation{}, ErrEmptyHistory
	}

	best := observations[0]
	for _, obs := range observations[1:] {
		if obs.Value < best.Value {
			best = obs
		}
	}
	return best, nil
}

// Validation loss keys, matching the training log names
const (
	lossKeyTotal = "total loss"
	lossKeyRec   = "rec loss"
	lossKeyKL    = "kl loss"
)

// ValidationAccumulator collects per-step validation losses for one
// validation epoch. Drain empties it, so stale values can never leak into
// the next epoch's averages.
type ValidationAccumulator struct {
	totals []float64
	recs   []float64
	kls    []float64
}

// NewValidationAccumulator creates an empty accumulator
func NewValidationAccumulator() *ValidationAccumulator {
	return &ValidationAccumulator{}
}

// Append records the loss components of one validation step
func (a *ValidationAccumulator) Append(losses LossTriple) {
	a.totals = append(a.totals, losses.Total)
	a.recs = append(a.recs, losses.Reconstruction)
	a.kls = append(a.kls, losses.KL)
}

// Len returns the number of appended steps
func (a *ValidationAccumulator) Len() int {
	return len(a.totals)
}

// Drain returns the mean of each loss component and resets the accumulator.
// Returns nil when nothing was accumulated.
func (a *ValidationAccumulator) Drain() map[string]float64 {
	if len(a.totals) == 0 {
		return nil
	}

	means := map[string]float64{
		lossKeyTotal: stat.Mean(a.totals, nil),
		lossKeyRec:   stat.Mean(a.recs, nil),
		lossKeyKL:    stat.Mean(a.kls, nil),
	}

	a.totals = nil
	a.recs = nil
	a.kls = nil

	return means
}

// TestScoreAccumulator collects per-batch metric scores during the test
// pass and reduces them to per-metric means. Every occurrence of a key is
// stored, including the first, so single-batch test runs still produce a
// mean for every metric.
type TestScoreAccumulator struct {
	scores map[string][]float64
}

// NewTestScoreAccumulator creates an empty accumulator
func NewTestScoreAccumulator() *TestScoreAccumulator {
	return &TestScoreAccumulator{
		scores: make(map[string][]float64),
	}
}

// Add records one batch worth of scores
func (a *TestScoreAccumulator) Add(scores map[string]float64) {
	for key, value := range scores {
		a.scores[key] = append(a.scores[key], value)
	}
}

// Len returns the number of batches recorded for a metric
func (a *TestScoreAccumulator) Len(key string) int {
	return len(a.scores[key])
}

// Reduce returns the per-metric mean over all recorded batches
func (a *TestScoreAccumulator) Reduce() map[string]float64 {
	reduced := make(map[string]float64, len(a.scores))
	for key, values := range a.scores {
		if len(values) == 0 {
			continue
		}
		reduced[key] = stat.Mean(values, nil)
	}
	return reduced
}
