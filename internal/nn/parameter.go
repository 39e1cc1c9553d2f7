package nn

import (
	"gonum.org/v1/gonum/mat"
)

// Parameter represents a trainable parameter in a neural network.
//
// Example:
//
//	weight := nn.NewParameter("proj.weight", mat.NewDense(4, 8, nil))
//	g := weight.GradDense() // allocated on first use
//	weight.ZeroGrad()
type Parameter struct {
	name  string
	value *mat.Dense
	grad  *mat.Dense // nil until the first backward pass touches it
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, value *mat.Dense) *Parameter {
	return &Parameter{
		name:  name,
		value: value,
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Value returns the parameter matrix. Optimizers update it in place.
func (p *Parameter) Value() *mat.Dense {
	return p.value
}

// Grad returns the gradient, or nil if no backward pass reached this
// parameter since the last ZeroGrad.
func (p *Parameter) Grad() *mat.Dense {
	return p.grad
}

// GradDense returns the gradient, allocating a zero matrix if needed.
// Backward passes accumulate into it.
func (p *Parameter) GradDense() *mat.Dense {
	if p.grad == nil {
		r, c := p.value.Dims()
		p.grad = mat.NewDense(r, c, nil)
	}
	return p.grad
}

// ZeroGrad clears the gradient.
func (p *Parameter) ZeroGrad() {
	p.grad = nil
}

// NumElements returns the number of scalars in the parameter.
func (p *Parameter) NumElements() int {
	r, c := p.value.Dims()
	return r * c
}
