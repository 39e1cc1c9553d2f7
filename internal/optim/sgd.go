package optim

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/nmt/internal/nn"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD struct {
	params     []*nn.Parameter
	lr         float64
	momentum   float64
	velocities map[*nn.Parameter]*mat.Dense
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01)
	Momentum float64 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD(params []*nn.Parameter, config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}

	return &SGD{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*nn.Parameter]*mat.Dense),
	}
}

// Step performs a single optimization step.
func (s *SGD) Step() {
	for _, param := range s.params {
		grad := param.Grad()
		if grad == nil {
			continue
		}

		if s.momentum == 0 {
			param.Value().Apply(func(i, j int, v float64) float64 {
				return v - s.lr*grad.At(i, j)
			}, param.Value())
			continue
		}

		velocity, ok := s.velocities[param]
		if !ok {
			r, c := param.Value().Dims()
			velocity = mat.NewDense(r, c, nil)
			s.velocities[param] = velocity
		}
		// velocity = momentum * velocity + grad
		velocity.Scale(s.momentum, velocity)
		velocity.Add(velocity, grad)
		// param -= lr * velocity
		param.Value().Apply(func(i, j int, v float64) float64 {
			return v - s.lr*velocity.At(i, j)
		}, param.Value())
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD) ZeroGrad() {
	zeroGrad(s.params)
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float64 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD) SetLR(lr float64) {
	s.lr = lr
}

// StateDict exports velocity buffers ("velocity.{param_index}").
func (s *SGD) StateDict() State {
	state := State{
		Type:    "SGD",
		LR:      s.lr,
		Config:  map[string]float64{"momentum": s.momentum},
		Buffers: make(map[string]*mat.Dense),
	}
	saveBuffers(s.params, s.velocities, "velocity", state)
	return state
}

// LoadStateDict restores learning rate and velocity buffers.
func (s *SGD) LoadStateDict(state State) error {
	if state.Type != "SGD" {
		return fmt.Errorf("cannot load %q optimizer state into SGD", state.Type)
	}
	velocities, err := loadBuffers(s.params, state, "velocity")
	if err != nil {
		return err
	}
	s.velocities = velocities
	s.lr = state.LR
	return nil
}
