// Package model provides a baseline question generator driven by the
// training loop. It fuses keyword embeddings with image and object features
// into a context vector, optionally passes it through a Gaussian latent
// bottleneck, and decodes question tokens greedily from the fused context.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/NvidiaLabs/guiding-vqg/dataset"
	"github.com/NvidiaLabs/guiding-vqg/optimizer"
	"github.com/NvidiaLabs/guiding-vqg/training"
)

// BaselineConfig holds the model hyperparameters
type BaselineConfig struct {
	VocabSize    int
	HiddenDim    int
	ImageDim     int // 0 disables the image projection
	ObjectDim    int // 0 disables the object-feature projection
	MaxDecodeLen int
	Dropout      float64
	StartID      int // Token id that seeds decoding ([CLS])
	StopID       int // Token id that terminates decoding ([SEP])
	Seed         int64
}

// Validate rejects invalid hyperparameters and fills in defaults
func (c *BaselineConfig) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("hidden dim must be positive, got %d", c.HiddenDim)
	}
	if c.ImageDim < 0 || c.ObjectDim < 0 {
		return fmt.Errorf("feature dims must be non-negative")
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %v", c.Dropout)
	}
	if c.MaxDecodeLen <= 0 {
		c.MaxDecodeLen = 26
	}
	return nil
}

// Baseline is a single-layer conditional generator with an optional Gaussian
// latent bottleneck. All weights are flat row-major buffers updated by the
// shared optimizer through manually derived gradients.
type Baseline struct {
	config   BaselineConfig
	rng      *rand.Rand
	training bool

	embed *optimizer.Parameter // VocabSize x HiddenDim
	wOut  *optimizer.Parameter // VocabSize x HiddenDim
	wImg  *optimizer.Parameter // HiddenDim x ImageDim, nil when ImageDim is 0
	wObj  *optimizer.Parameter // HiddenDim x ObjectDim, nil when ObjectDim is 0
	wMu   *optimizer.Parameter // HiddenDim x HiddenDim
	wLv   *optimizer.Parameter // HiddenDim x HiddenDim

	cache *stepCache
}

// stepCache holds the activations of the last forward pass for backprop
type stepCache struct {
	mode       training.Mode
	examples   []exampleCache
	tokenCount int
}

type exampleCache struct {
	keywordIDs  []int
	image       []float64
	objMean     []float64
	dropoutMask []float64 // nil when dropout is off

	context []float64
	mu      []float64
	lv      []float64
	eps     []float64
	decCtx  []float64

	tokens []tokenCache
}

type tokenCache struct {
	prev   int
	target int
	probs  []float64
}

// NewBaseline creates a baseline generator with small random weights
func NewBaseline(config BaselineConfig) (*Baseline, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %v", err)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	init := func(p *optimizer.Parameter) {
		for i := range p.Data {
			p.Data[i] = rng.NormFloat64() * 0.02
		}
	}

	m := &Baseline{
		config: config,
		rng:    rng,
		embed:  optimizer.NewParameter("embed", config.VocabSize, config.HiddenDim),
		wOut:   optimizer.NewParameter("w_out", config.VocabSize, config.HiddenDim),
		wMu:    optimizer.NewParameter("w_mu", config.HiddenDim, config.HiddenDim),
		wLv:    optimizer.NewParameter("w_lv", config.HiddenDim, config.HiddenDim),
	}
	init(m.embed)
	init(m.wOut)
	init(m.wMu)
	init(m.wLv)

	if config.ImageDim > 0 {
		m.wImg = optimizer.NewParameter("w_img", config.HiddenDim, config.ImageDim)
		init(m.wImg)
	}
	if config.ObjectDim > 0 {
		m.wObj = optimizer.NewParameter("w_obj", config.HiddenDim, config.ObjectDim)
		init(m.wObj)
	}

	return m, nil
}

// SetTraining toggles training-time behavior. Dropout only fires while
// training is on; validation and test passes see the deterministic context.
func (m *Baseline) SetTraining(training bool) {
	m.training = training
}

// Parameters exposes the trainable buffers for optimizer construction
func (m *Baseline) Parameters() []*optimizer.Parameter {
	params := []*optimizer.Parameter{m.embed, m.wOut, m.wMu, m.wLv}
	if m.wImg != nil {
		params = append(params, m.wImg)
	}
	if m.wObj != nil {
		params = append(params, m.wObj)
	}
	return params
}

// Forward runs a teacher-forced pass over the batch. It returns the mean
// next-token cross-entropy and, in latent mode, the KL divergence of the
// posterior from the unit Gaussian averaged over the batch. Activations are
// cached for a subsequent Backward call.
func (m *Baseline) Forward(batch *dataset.Batch, mode training.Mode) (float64, *float64, error) {
	if batch == nil || batch.Size() == 0 {
		return 0, nil, fmt.Errorf("empty batch")
	}

	cache := &stepCache{mode: mode, examples: make([]exampleCache, batch.Size())}
	recSum := 0.0
	klSum := 0.0

	for i := 0; i < batch.Size(); i++ {
		ex := &cache.examples[i]
		if err := m.buildContext(batch, i, ex); err != nil {
			return 0, nil, err
		}

		if mode == training.ModeLatent {
			m.sampleLatent(ex)
			for d := 0; d < m.config.HiddenDim; d++ {
				klSum += -0.5 * (1 + ex.lv[d] - ex.mu[d]*ex.mu[d] - math.Exp(ex.lv[d]))
			}
		} else {
			ex.decCtx = ex.context
		}

		if m.training && m.config.Dropout > 0 {
			m.applyDropout(ex)
		}

		question := batch.QuestionIDs[i]
		masks := batch.QuestionMasks[i]
		for p := 1; p < len(question); p++ {
			if masks[p] == 0 {
				break
			}
			prev, target := question[p-1], question[p]
			probs := m.nextTokenProbs(ex.decCtx, prev)
			recSum += -math.Log(math.Max(probs[target], 1e-12))
			ex.tokens = append(ex.tokens, tokenCache{prev: prev, target: target, probs: probs})
			cache.tokenCount++
		}
	}

	recLoss := 0.0
	if cache.tokenCount > 0 {
		recLoss = recSum / float64(cache.tokenCount)
	}

	m.cache = cache

	if mode == training.ModeLatent {
		kld := klSum / float64(batch.Size())
		return recLoss, &kld, nil
	}
	return recLoss, nil, nil
}

// Backward accumulates gradients for the last Forward call. klWeight scales
// the KL gradient (0 when the latent path is inactive).
func (m *Baseline) Backward(klWeight float64) error {
	cache := m.cache
	if cache == nil {
		return fmt.Errorf("no forward pass to backpropagate")
	}
	m.cache = nil

	dim := m.config.HiddenDim
	batchSize := float64(len(cache.examples))

	for i := range cache.examples {
		ex := &cache.examples[i]
		dDecCtx := make([]float64, dim)

		scale := 1.0 / float64(cache.tokenCount)
		for _, tok := range ex.tokens {
			embRow := tok.prev * dim
			hidden := make([]float64, dim)
			for d := 0; d < dim; d++ {
				hidden[d] = ex.decCtx[d] + m.embed.Data[embRow+d]
			}

			// d(cross entropy)/d(logits) is softmax minus the one-hot target,
			// scaled by the token-mean normalization
			dHidden := make([]float64, dim)
			for v := 0; v < m.config.VocabSize; v++ {
				dLogit := tok.probs[v] * scale
				if v == tok.target {
					dLogit -= scale
				}
				if dLogit == 0 {
					continue
				}
				row := v * dim
				for d := 0; d < dim; d++ {
					m.wOut.Grad[row+d] += dLogit * hidden[d]
					dHidden[d] += dLogit * m.wOut.Data[row+d]
				}
			}

			// The hidden state is the sum of the decode context and the
			// previous-token embedding, so both receive dHidden unchanged.
			for d := 0; d < dim; d++ {
				m.embed.Grad[embRow+d] += dHidden[d]
				dDecCtx[d] += dHidden[d]
			}
		}

		dContext := make([]float64, dim)

		if ex.dropoutMask != nil {
			for d := 0; d < dim; d++ {
				dDecCtx[d] *= ex.dropoutMask[d]
			}
		}

		if cache.mode == training.ModeLatent {
			dMu := make([]float64, dim)
			dLv := make([]float64, dim)
			for d := 0; d < dim; d++ {
				dz := dDecCtx[d]
				dMu[d] = dz + klWeight*ex.mu[d]/batchSize
				dLv[d] = dz*0.5*math.Exp(0.5*ex.lv[d])*ex.eps[d] +
					klWeight*0.5*(math.Exp(ex.lv[d])-1)/batchSize
				dContext[d] += dDecCtx[d]
			}
			m.backpropLinearSquare(m.wMu, ex.context, dMu, dContext)
			m.backpropLinearSquare(m.wLv, ex.context, dLv, dContext)
		} else {
			copy(dContext, dDecCtx)
		}

		m.backpropContext(ex, dContext)
	}

	return nil
}

// DecodeGreedy generates one token sequence per example, taking the argmax
// token at each step until the stop token or the length cap. In latent mode
// the deterministic posterior mean replaces sampling.
func (m *Baseline) DecodeGreedy(batch *dataset.Batch, mode training.Mode) ([][]int, error) {
	if batch == nil || batch.Size() == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	decoded := make([][]int, batch.Size())
	for i := 0; i < batch.Size(); i++ {
		var ex exampleCache
		if err := m.buildContext(batch, i, &ex); err != nil {
			return nil, err
		}

		decCtx := ex.context
		if mode == training.ModeLatent {
			mu := m.matVec(m.wMu, ex.context)
			decCtx = make([]float64, m.config.HiddenDim)
			for d := range decCtx {
				decCtx[d] = ex.context[d] + mu[d]
			}
		}

		sequence := []int{m.config.StartID}
		for len(sequence) < m.config.MaxDecodeLen {
			probs := m.nextTokenProbs(decCtx, sequence[len(sequence)-1])
			next := argmax(probs)
			sequence = append(sequence, next)
			if next == m.config.StopID {
				break
			}
		}
		decoded[i] = sequence
	}

	return decoded, nil
}

// buildContext fuses the keyword embeddings with projected image and object
// features into the example's context vector.
func (m *Baseline) buildContext(batch *dataset.Batch, i int, ex *exampleCache) error {
	dim := m.config.HiddenDim
	ex.context = make([]float64, dim)

	for p, id := range batch.InputIDs[i] {
		if batch.InputMasks[i][p] == 0 {
			break
		}
		if id < 0 || id >= m.config.VocabSize {
			return fmt.Errorf("input token id %d out of vocabulary range", id)
		}
		ex.keywordIDs = append(ex.keywordIDs, id)
	}
	if len(ex.keywordIDs) > 0 {
		scale := 1.0 / float64(len(ex.keywordIDs))
		for _, id := range ex.keywordIDs {
			row := id * dim
			for d := 0; d < dim; d++ {
				ex.context[d] += m.embed.Data[row+d] * scale
			}
		}
	}

	if m.wImg != nil && i < len(batch.Images) && len(batch.Images[i]) > 0 {
		if len(batch.Images[i]) != m.config.ImageDim {
			return fmt.Errorf("image feature has %d values, expected %d", len(batch.Images[i]), m.config.ImageDim)
		}
		ex.image = batch.Images[i]
		addInto(ex.context, m.matVec(m.wImg, ex.image))
	}

	if m.wObj != nil && i < len(batch.ObjectFeatures) && len(batch.ObjectFeatures[i]) > 0 {
		ex.objMean = meanRows(batch.ObjectFeatures[i])
		if len(ex.objMean) != m.config.ObjectDim {
			return fmt.Errorf("object feature has %d values, expected %d", len(ex.objMean), m.config.ObjectDim)
		}
		addInto(ex.context, m.matVec(m.wObj, ex.objMean))
	}

	return nil
}

// sampleLatent draws z from the reparameterized posterior and sets the
// decode context to context + z.
func (m *Baseline) sampleLatent(ex *exampleCache) {
	dim := m.config.HiddenDim
	ex.mu = m.matVec(m.wMu, ex.context)
	ex.lv = m.matVec(m.wLv, ex.context)
	ex.eps = make([]float64, dim)
	ex.decCtx = make([]float64, dim)

	for d := 0; d < dim; d++ {
		ex.eps[d] = m.rng.NormFloat64()
		z := ex.mu[d] + math.Exp(0.5*ex.lv[d])*ex.eps[d]
		ex.decCtx[d] = ex.context[d] + z
	}
}

// applyDropout applies inverted dropout to the decode context
func (m *Baseline) applyDropout(ex *exampleCache) {
	dim := m.config.HiddenDim
	keep := 1.0 - m.config.Dropout
	mask := make([]float64, dim)
	dropped := make([]float64, dim)

	for d := 0; d < dim; d++ {
		if m.rng.Float64() < keep {
			mask[d] = 1.0 / keep
		}
		dropped[d] = ex.decCtx[d] * mask[d]
	}

	ex.dropoutMask = mask
	ex.decCtx = dropped
}

// nextTokenProbs computes softmax(wOut * (decCtx + embed(prev)))
func (m *Baseline) nextTokenProbs(decCtx []float64, prev int) []float64 {
	dim := m.config.HiddenDim
	hidden := make([]float64, dim)
	row := prev * dim
	for d := 0; d < dim; d++ {
		hidden[d] = decCtx[d] + m.embed.Data[row+d]
	}

	logits := make([]float64, m.config.VocabSize)
	maxLogit := math.Inf(-1)
	for v := 0; v < m.config.VocabSize; v++ {
		sum := 0.0
		base := v * dim
		for d := 0; d < dim; d++ {
			sum += m.wOut.Data[base+d] * hidden[d]
		}
		logits[v] = sum
		if sum > maxLogit {
			maxLogit = sum
		}
	}

	total := 0.0
	for v := range logits {
		logits[v] = math.Exp(logits[v] - maxLogit)
		total += logits[v]
	}
	for v := range logits {
		logits[v] /= total
	}
	return logits
}

// backpropLinearSquare accumulates gradients for y = W*x with a square W,
// adding W^T * dY into dX.
func (m *Baseline) backpropLinearSquare(w *optimizer.Parameter, x, dY, dX []float64) {
	dim := m.config.HiddenDim
	for r := 0; r < dim; r++ {
		row := r * dim
		for c := 0; c < dim; c++ {
			w.Grad[row+c] += dY[r] * x[c]
			dX[c] += w.Data[row+c] * dY[r]
		}
	}
}

// backpropContext distributes the context gradient to the keyword
// embeddings and the feature projections.
func (m *Baseline) backpropContext(ex *exampleCache, dContext []float64) {
	dim := m.config.HiddenDim

	if len(ex.keywordIDs) > 0 {
		scale := 1.0 / float64(len(ex.keywordIDs))
		for _, id := range ex.keywordIDs {
			row := id * dim
			for d := 0; d < dim; d++ {
				m.embed.Grad[row+d] += dContext[d] * scale
			}
		}
	}

	if m.wImg != nil && ex.image != nil {
		for r := 0; r < dim; r++ {
			row := r * m.config.ImageDim
			for c := range ex.image {
				m.wImg.Grad[row+c] += dContext[r] * ex.image[c]
			}
		}
	}

	if m.wObj != nil && ex.objMean != nil {
		for r := 0; r < dim; r++ {
			row := r * m.config.ObjectDim
			for c := range ex.objMean {
				m.wObj.Grad[row+c] += dContext[r] * ex.objMean[c]
			}
		}
	}
}

// matVec computes W*x for a row-major W whose row count is HiddenDim
func (m *Baseline) matVec(w *optimizer.Parameter, x []float64) []float64 {
	dim := m.config.HiddenDim
	cols := len(x)
	out := make([]float64, dim)
	for r := 0; r < dim; r++ {
		row := r * cols
		sum := 0.0
		for c := 0; c < cols; c++ {
			sum += w.Data[row+c] * x[c]
		}
		out[r] = sum
	}
	return out
}

func addInto(dst, src []float64) {
	for i := range src {
		dst[i] += src[i]
	}
}

func meanRows(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	mean := make([]float64, len(rows[0]))
	for _, row := range rows {
		for i, v := range row {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(rows))
	}
	return mean
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
