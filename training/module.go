package training

import (
	"github.com/NvidiaLabs/guiding-vqg/dataset"
	"github.com/NvidiaLabs/guiding-vqg/optimizer"
)

// QuestionGenerator is the model boundary the training loop drives. The
// encoder/decoder internals are opaque; the loop only needs a forward pass
// that reports the reconstruction loss (and, in latent mode, the KL term), a
// backward pass with an explicit KL weight, greedy decoding, and access to
// the trainable parameters for optimizer construction.
type QuestionGenerator interface {
	// SetTraining toggles training-time behavior such as dropout. The loop
	// enables it for training steps and disables it for validation, test and
	// decoding passes.
	SetTraining(training bool)

	// Forward runs the model over a batch in the given mode. kld is nil in
	// plain mode and non-nil once the latent path is active.
	Forward(batch *dataset.Batch, mode Mode) (loss float64, kld *float64, err error)

	// Backward accumulates gradients for the last Forward call. klWeight is
	// the annealing weight applied to the KL term (0 in plain mode).
	Backward(klWeight float64) error

	// DecodeGreedy generates one token-id sequence per example by repeatedly
	// taking the highest-probability next token.
	DecodeGreedy(batch *dataset.Batch, mode Mode) ([][]int, error)

	// Parameters exposes the trainable buffers for optimizer construction
	Parameters() []*optimizer.Parameter
}

// Scorer computes corpus-level generation metrics over aligned reference and
// hypothesis string lists. references[r][i] is the r-th reference for
// hypothesis i.
type Scorer interface {
	ComputeMetrics(references [][]string, hypotheses []string) (map[string]float64, error)
}

// DistanceScorer computes the multiset n-gram Jaccard similarity of the
// hypothesis corpus against a reference corpus, keyed by n-gram order.
type DistanceScorer interface {
	JaccardScore(references, hypotheses []string) (map[int]float64, error)
}

// BatchSource is the loader boundary the loop iterates: Next yields padded
// batches and returns nil at the end of an epoch, Reset starts a fresh one.
// Satisfied by dataset.DataLoader and dataset.PrefetchSource.
type BatchSource interface {
	Reset()
	Next() (*dataset.Batch, error)
}
