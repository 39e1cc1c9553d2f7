package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CrossEntropyLoss computes token-level cross-entropy for sequence outputs.
//
// Mathematical Formulation:
//
//	Loss = mean over non-ignored (b, t) of -log_softmax(logits[b][t])[target[b][t]]
//
// Gradient (Backward):
//
//	∂L/∂logits[b][t] = (softmax(logits[b][t]) - onehot(target[b][t])) / count
//
// Positions whose target equals IgnoreIndex (the padding id) contribute
// neither to the loss nor to the gradient.
type CrossEntropyLoss struct {
	IgnoreIndex int
}

// NewCrossEntropyLoss creates a criterion that ignores the given label.
// Use a negative ignoreIndex to count every position.
func NewCrossEntropyLoss(ignoreIndex int) *CrossEntropyLoss {
	return &CrossEntropyLoss{IgnoreIndex: ignoreIndex}
}

// Forward computes the mean loss over all counted positions.
func (c *CrossEntropyLoss) Forward(logits *Logits, targets [][]int) (*Loss, error) {
	if len(logits.Values) != len(targets) {
		return nil, fmt.Errorf("cross entropy: logits batch %d, targets batch %d", len(logits.Values), len(targets))
	}

	total := 0.0
	count := 0
	for b, row := range logits.Values {
		if len(row) != len(targets[b]) {
			return nil, fmt.Errorf("cross entropy: row %d has %d steps, targets %d", b, len(row), len(targets[b]))
		}
		for t, scores := range row {
			target := targets[b][t]
			if target == c.IgnoreIndex {
				continue
			}
			if target < 0 || target >= len(scores) {
				return nil, fmt.Errorf("cross entropy: target %d out of range [0, %d) at (%d, %d)", target, len(scores), b, t)
			}
			total += floats.LogSumExp(scores) - scores[target]
			count++
		}
	}
	if count == 0 {
		return NewLoss(0, func(float64) error { return nil }), nil
	}
	mean := total / float64(count)

	backward := func(scale float64) error {
		if !logits.RequiresGrad() {
			return ErrNoGrad
		}
		grad := make([][][]float64, len(logits.Values))
		norm := scale / float64(count)
		for b, row := range logits.Values {
			grad[b] = make([][]float64, len(row))
			for t, scores := range row {
				g := make([]float64, len(scores))
				grad[b][t] = g
				target := targets[b][t]
				if target == c.IgnoreIndex {
					continue
				}
				lse := floats.LogSumExp(scores)
				for v, s := range scores {
					g[v] = math.Exp(s-lse) * norm
				}
				g[target] -= norm
			}
		}
		return logits.Backward(grad)
	}

	return NewLoss(mean, backward), nil
}
