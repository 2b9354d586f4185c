package dataset

import (
	"encoding/json"
	"fmt"
	"os"
)

// Example is a single VQG training sample: a pooled image feature, the
// tokenized target question, the tokenized category/keyword input, and the
// detected object features with their locations.
type Example struct {
	ImageID         string      `json:"image_id"`
	Image           []float64   `json:"image"`
	QuestionIDs     []int       `json:"question_ids"`
	InputIDs        []int       `json:"input_ids"`
	ObjectFeatures  [][]float64 `json:"object_features,omitempty"`
	ObjectLocations [][]float64 `json:"object_locations,omitempty"`
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                      // Total number of samples
	Get(idx int) (*Example, error) // Returns a single sample
}

// SliceDataset is an in-memory Dataset backed by a slice of examples
type SliceDataset struct {
	examples []*Example
}

// NewSliceDataset creates a dataset over the given examples
func NewSliceDataset(examples []*Example) *SliceDataset {
	return &SliceDataset{examples: examples}
}

// Len returns the total number of samples
func (d *SliceDataset) Len() int {
	return len(d.examples)
}

// Get returns a single sample
func (d *SliceDataset) Get(idx int) (*Example, error) {
	if idx < 0 || idx >= len(d.examples) {
		return nil, fmt.Errorf("sample index %d out of range [0, %d)", idx, len(d.examples))
	}
	return d.examples[idx], nil
}

// LoadJSON reads a dataset of examples from a JSON file
func LoadJSON(path string) (*SliceDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %v", err)
	}

	var examples []*Example
	if err := json.Unmarshal(data, &examples); err != nil {
		return nil, fmt.Errorf("failed to decode dataset file %s: %v", path, err)
	}

	if len(examples) == 0 {
		return nil, fmt.Errorf("dataset file %s contains no examples", path)
	}

	return NewSliceDataset(examples), nil
}
