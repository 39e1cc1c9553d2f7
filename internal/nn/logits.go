package nn

import (
	"errors"
	"fmt"
)

// ErrNoGrad is returned by Backward when the forward pass ran without
// gradient recording.
var ErrNoGrad = errors.New("backward called on a result computed without gradient recording")

// Logits holds raw output scores indexed [batch][time][vocab] together with
// the backward pass of the forward call that produced them.
type Logits struct {
	Values   [][][]float64
	backward func(grad [][][]float64)
}

// NewLogits wraps values. backward may be nil for inference results.
func NewLogits(values [][][]float64, backward func(grad [][][]float64)) *Logits {
	return &Logits{Values: values, backward: backward}
}

// RequiresGrad reports whether Backward can be called.
func (l *Logits) RequiresGrad() bool {
	return l.backward != nil
}

// Backward propagates grad (same shape as Values) into the parameters of the
// model that produced the logits.
func (l *Logits) Backward(grad [][][]float64) error {
	if l.backward == nil {
		return ErrNoGrad
	}
	if len(grad) != len(l.Values) {
		return fmt.Errorf("logits backward: gradient batch %d, want %d", len(grad), len(l.Values))
	}
	l.backward(grad)
	return nil
}

// Release drops the scores and the backward closure.
func (l *Logits) Release() {
	l.Values = nil
	l.backward = nil
}

// Loss is a scalar training objective with its backward pass.
type Loss struct {
	value    float64
	scale    float64
	backward func(scale float64) error
}

// NewLoss creates a loss. backward receives the factor every gradient must
// be multiplied by.
func NewLoss(value float64, backward func(scale float64) error) *Loss {
	return &Loss{value: value, scale: 1, backward: backward}
}

// Item returns the loss value.
func (l *Loss) Item() float64 {
	return l.value * l.scale
}

// Scale returns the loss multiplied by f. Gradients scale accordingly.
func (l *Loss) Scale(f float64) *Loss {
	return &Loss{value: l.value, scale: l.scale * f, backward: l.backward}
}

// Backward computes gradients of the loss for every parameter upstream.
func (l *Loss) Backward() error {
	if l.backward == nil {
		return ErrNoGrad
	}
	return l.backward(l.scale)
}

// Criterion computes a loss from logits and integer labels [batch][time].
type Criterion interface {
	Forward(logits *Logits, targets [][]int) (*Loss, error)
}
