package optimizer

import (
	"fmt"
	"sync"

	"github.com/NvidiaLabs/guiding-vqg/checkpoints"
)

// SGD implements Stochastic Gradient Descent with optional momentum,
// weight decay, dampening and Nesterov acceleration.
type SGD struct {
	parameters   []*Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   [][]float64
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer over the given parameters
func NewSGD(parameters []*Parameter, lr float64, momentum float64, weightDecay float64, dampening float64, nesterov bool) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make([][]float64, len(parameters)),
	}

	if momentum > 0 {
		for i, param := range parameters {
			sgd.velocities[i] = make([]float64, param.Size())
		}
	}

	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for i, param := range sgd.parameters {
		for j := range param.Data {
			grad := param.Grad[j]

			if sgd.weightDecay > 0 {
				grad += sgd.weightDecay * param.Data[j]
			}

			if sgd.momentum > 0 {
				velocity := sgd.velocities[i]
				if velocity == nil {
					velocity = make([]float64, param.Size())
					sgd.velocities[i] = velocity
				}

				// velocity = momentum * velocity + (1 - dampening) * grad
				velocity[j] = sgd.momentum*velocity[j] + (1.0-sgd.dampening)*grad

				if sgd.nesterov {
					grad += sgd.momentum * velocity[j]
				} else {
					grad = velocity[j]
				}
			}

			param.Data[j] -= sgd.learningRate * grad
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	for _, param := range sgd.parameters {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.momentum,
			"weight_decay":  sgd.weightDecay,
			"dampening":     sgd.dampening,
			"nesterov":      sgd.nesterov,
		},
	}

	if sgd.momentum > 0 {
		for i, velocity := range sgd.velocities {
			state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("momentum_%d", i),
				Shape:     append([]int(nil), sgd.parameters[i].Shape...),
				Data:      append([]float64(nil), velocity...),
				StateType: "momentum",
			})
		}
	}

	return state, nil
}

// LoadState restores optimizer state from a checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			continue
		}

		var idx int
		if n, err := fmt.Sscanf(tensor.Name, "momentum_%d", &idx); n != 1 || err != nil {
			return fmt.Errorf("unrecognized state buffer name: %s", tensor.Name)
		}
		if idx < 0 || idx >= len(sgd.parameters) {
			return fmt.Errorf("state buffer index %d out of range [0, %d)", idx, len(sgd.parameters))
		}
		if err := checkBufferCompat(tensor.Name, tensor.Data, sgd.parameters[idx]); err != nil {
			return err
		}

		sgd.velocities[idx] = append([]float64(nil), tensor.Data...)
	}

	return nil
}
