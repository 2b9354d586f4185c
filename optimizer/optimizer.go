package optimizer

import (
	"fmt"

	"github.com/NvidiaLabs/guiding-vqg/checkpoints"
)

// Parameter is a flat trainable buffer with its accumulated gradient.
// Multi-dimensional weights are stored row-major; Shape records the logical
// dimensions for checkpointing.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParameter creates a zero-initialized parameter with the given shape
func NewParameter(name string, shape ...int) *Parameter {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// ZeroGrad resets the accumulated gradient
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Size returns the number of elements in the buffer
func (p *Parameter) Size() int {
	return len(p.Data)
}

// Optimizer defines the methods that all optimizers must implement.
// GetState/LoadState enable checkpoint save/restore of momentum buffers.
type Optimizer interface {
	Step() error      // Updates parameters based on accumulated gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoints.OptimizerState) error
}

// validateStateType ensures a checkpointed state matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state cannot be nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// checkBufferCompat verifies a restored state buffer matches a parameter
func checkBufferCompat(name string, data []float64, param *Parameter) error {
	if len(data) != param.Size() {
		return fmt.Errorf("state buffer %s size mismatch: state %d, parameter %s has %d",
			name, len(data), param.Name, param.Size())
	}
	return nil
}
