// Package optim implements optimization algorithms and learning-rate
// schedules for training.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//   - Scheduler: epoch-level learning-rate schedules (StepLR, ExponentialLR,
//     ReduceLROnPlateau)
//   - StepSchedule: per-update schedules (Noam warmup)
//
// Design inspired by PyTorch's torch.optim.
//
// Example usage:
//
//	optimizer := optim.NewAdam(model.Parameters(), optim.AdamConfig{LR: 0.001})
//
//	for _, batch := range batches {
//	    optimizer.ZeroGrad()
//	    loss := computeLoss(model, batch)
//	    _ = loss.Backward()
//	    optimizer.Step()
//	}
package optim

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/nmt/internal/nn"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies the accumulated gradients of all parameters.
	// Parameters without a gradient are skipped.
	Step()

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float64

	// SetLR updates the learning rate.
	SetLR(lr float64)

	// StateDict returns a copy of the optimizer state for checkpoints.
	StateDict() State

	// LoadStateDict restores state produced by StateDict.
	LoadStateDict(state State) error
}

// State is the serializable state of an optimizer.
//
// Buffers are keyed "<buffer>.<param index>", e.g. "m.0", "velocity.3".
type State struct {
	Type     string
	LR       float64
	Timestep int64
	Config   map[string]float64
	Buffers  map[string]*mat.Dense
}

// Config is the base configuration for all optimizers.
type Config struct {
	LR float64 // Learning rate
}

func bufferKey(name string, i int) string {
	return fmt.Sprintf("%s.%d", name, i)
}

// loadBuffers restores per-parameter buffers named name from state.
func loadBuffers(params []*nn.Parameter, state State, name string) (map[*nn.Parameter]*mat.Dense, error) {
	out := make(map[*nn.Parameter]*mat.Dense)
	for i, p := range params {
		buf, ok := state.Buffers[bufferKey(name, i)]
		if !ok {
			continue
		}
		r, c := p.Value().Dims()
		br, bc := buf.Dims()
		if r != br || c != bc {
			return nil, fmt.Errorf("%s shape mismatch for parameter %d (%s): expected [%d %d], got [%d %d]",
				name, i, p.Name(), r, c, br, bc)
		}
		out[p] = mat.DenseCopyOf(buf)
	}
	return out, nil
}

// saveBuffers copies per-parameter buffers into state under name.
func saveBuffers(params []*nn.Parameter, buffers map[*nn.Parameter]*mat.Dense, name string, state State) {
	for i, p := range params {
		if buf, ok := buffers[p]; ok {
			state.Buffers[bufferKey(name, i)] = mat.DenseCopyOf(buf)
		}
	}
}

func zeroGrad(params []*nn.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
