package dataset

import (
	"fmt"
	"math/rand"
	"sync"
)

// Batch represents a fixed-shape batch of examples. Token-id fields are
// padded to the longest sequence in the batch; the matching mask rows hold 1
// for real tokens and 0 for padding.
type Batch struct {
	ImageIDs        []string
	Images          [][]float64
	QuestionIDs     [][]int
	QuestionMasks   [][]int
	InputIDs        [][]int
	InputMasks      [][]int
	ObjectFeatures  [][][]float64
	ObjectLocations [][][]float64
}

// Size returns the number of examples in the batch
func (b *Batch) Size() int {
	return len(b.ImageIDs)
}

// DataLoader provides batching, shuffling, and epoch iteration over a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	padID     int
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. padID is the token id used to pad
// question and input sequences to a common length within each batch.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, padID int) *DataLoader {
	if batchSize <= 0 {
		batchSize = 1
	}

	datasetLen := dataset.Len()
	indices := make([]int, datasetLen)
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		padID:     padID,
		indices:   indices,
		position:  0,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		// Shuffle indices for the new epoch
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := rand.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch or nil if the epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}

	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch collects the samples at the given indices into a padded batch
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	examples := make([]*Example, 0, len(indices))
	maxQuestion, maxInput := 0, 0
	for _, idx := range indices {
		example, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		examples = append(examples, example)

		if len(example.QuestionIDs) > maxQuestion {
			maxQuestion = len(example.QuestionIDs)
		}
		if len(example.InputIDs) > maxInput {
			maxInput = len(example.InputIDs)
		}
	}

	batch := &Batch{
		ImageIDs:        make([]string, len(examples)),
		Images:          make([][]float64, len(examples)),
		QuestionIDs:     make([][]int, len(examples)),
		QuestionMasks:   make([][]int, len(examples)),
		InputIDs:        make([][]int, len(examples)),
		InputMasks:      make([][]int, len(examples)),
		ObjectFeatures:  make([][][]float64, len(examples)),
		ObjectLocations: make([][][]float64, len(examples)),
	}

	for i, example := range examples {
		batch.ImageIDs[i] = example.ImageID
		batch.Images[i] = example.Image
		batch.QuestionIDs[i], batch.QuestionMasks[i] = padSequence(example.QuestionIDs, maxQuestion, dl.padID)
		batch.InputIDs[i], batch.InputMasks[i] = padSequence(example.InputIDs, maxInput, dl.padID)
		batch.ObjectFeatures[i] = example.ObjectFeatures
		batch.ObjectLocations[i] = example.ObjectLocations
	}

	return batch, nil
}

// padSequence pads ids to length with padID and builds the attention mask
func padSequence(ids []int, length int, padID int) ([]int, []int) {
	padded := make([]int, length)
	mask := make([]int, length)
	for i := 0; i < length; i++ {
		if i < len(ids) {
			padded[i] = ids[i]
			mask[i] = 1
		} else {
			padded[i] = padID
		}
	}
	return padded, mask
}
