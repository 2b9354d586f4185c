package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/NvidiaLabs/guiding-vqg/checkpoints"
)

// Adam implements the Adam optimizer with bias-corrected moment estimates.
// A freshly constructed instance carries zeroed moments, so rebuilding the
// optimizer is the way to discard momentum state.
type Adam struct {
	parameters  []*Parameter
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           [][]float64 // First moment estimates
	v           [][]float64 // Second moment estimates
	mutex       sync.RWMutex
}

// AdamConfig holds configuration for the Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdam creates a new Adam optimizer over the given parameters
func NewAdam(parameters []*Parameter, config AdamConfig) *Adam {
	if config.Beta1 <= 0 || config.Beta1 >= 1 {
		config.Beta1 = 0.9
	}
	if config.Beta2 <= 0 || config.Beta2 >= 1 {
		config.Beta2 = 0.999
	}
	if config.Epsilon <= 0 {
		config.Epsilon = 1e-8
	}

	adam := &Adam{
		parameters:  parameters,
		lr:          config.LearningRate,
		beta1:       config.Beta1,
		beta2:       config.Beta2,
		eps:         config.Epsilon,
		weightDecay: config.WeightDecay,
		step:        0,
		m:           make([][]float64, len(parameters)),
		v:           make([][]float64, len(parameters)),
	}

	for i, param := range parameters {
		adam.m[i] = make([]float64, param.Size())
		adam.v[i] = make([]float64, param.Size())
	}

	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for i, param := range adam.parameters {
		m := adam.m[i]
		v := adam.v[i]

		for j := range param.Data {
			grad := param.Grad[j]

			if adam.weightDecay > 0 {
				grad += adam.weightDecay * param.Data[j]
			}

			// m = beta1 * m + (1 - beta1) * grad
			m[j] = adam.beta1*m[j] + (1.0-adam.beta1)*grad

			// v = beta2 * v + (1 - beta2) * grad^2
			v[j] = adam.beta2*v[j] + (1.0-adam.beta2)*grad*grad

			mHat := m[j] / bias1
			vHat := v[j] / bias2

			param.Data[j] -= adam.lr * mHat / (math.Sqrt(vHat) + adam.eps)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	for _, param := range adam.parameters {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// StepCount returns the number of optimization steps taken
func (adam *Adam) StepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*checkpoints.OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.lr,
			"beta1":         adam.beta1,
			"beta2":         adam.beta2,
			"epsilon":       adam.eps,
			"weight_decay":  adam.weightDecay,
			"step_count":    adam.step,
		},
	}

	for i := range adam.parameters {
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("m_%d", i),
			Shape:     append([]int(nil), adam.parameters[i].Shape...),
			Data:      append([]float64(nil), adam.m[i]...),
			StateType: "m",
		})
		state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("v_%d", i),
			Shape:     append([]int(nil), adam.parameters[i].Shape...),
			Data:      append([]float64(nil), adam.v[i]...),
			StateType: "v",
		})
	}

	return state, nil
}

// LoadState restores optimizer state from a checkpoint
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	if raw, ok := state.Parameters["step_count"]; ok {
		switch n := raw.(type) {
		case int64:
			adam.step = n
		case float64:
			adam.step = int64(n)
		}
	}

	for _, tensor := range state.StateData {
		var idx int
		var dst [][]float64

		switch tensor.StateType {
		case "m":
			if n, err := fmt.Sscanf(tensor.Name, "m_%d", &idx); n != 1 || err != nil {
				return fmt.Errorf("unrecognized state buffer name: %s", tensor.Name)
			}
			dst = adam.m
		case "v":
			if n, err := fmt.Sscanf(tensor.Name, "v_%d", &idx); n != 1 || err != nil {
				return fmt.Errorf("unrecognized state buffer name: %s", tensor.Name)
			}
			dst = adam.v
		default:
			continue
		}

		if idx < 0 || idx >= len(adam.parameters) {
			return fmt.Errorf("state buffer index %d out of range [0, %d)", idx, len(adam.parameters))
		}
		if err := checkBufferCompat(tensor.Name, tensor.Data, adam.parameters[idx]); err != nil {
			return err
		}

		dst[idx] = append([]float64(nil), tensor.Data...)
	}

	return nil
}
