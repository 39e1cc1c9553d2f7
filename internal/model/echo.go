package model

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/nmt/internal/nn"
)

// Echo copies its source: target position t scores source token t+1 with
// Confidence on top of a learned bias. It is the upper bound for copy tasks
// and a fast stand-in model for pipeline tests.
type Echo struct {
	vocab      int
	confidence float64
	bias       *nn.Parameter // [1, vocab]

	training  bool
	recording bool
}

var _ nn.Seq2Seq = (*Echo)(nil)

// NewEcho creates an echo model over a shared vocabulary of the given size.
func NewEcho(vocab int) *Echo {
	return &Echo{
		vocab:      vocab,
		confidence: 10,
		bias:       nn.NewParameter("bias", nn.Zeros(1, vocab)),
		training:   true,
		recording:  true,
	}
}

// Parameters returns the bias.
func (e *Echo) Parameters() []*nn.Parameter { return []*nn.Parameter{e.bias} }

// Train switches to training mode.
func (e *Echo) Train() { e.training = true }

// Eval switches to evaluation mode.
func (e *Echo) Eval() { e.training = false }

// Training reports whether the model is in training mode.
func (e *Echo) Training() bool { return e.training }

// SetGradEnabled toggles gradient recording and returns the previous value.
func (e *Echo) SetGradEnabled(enabled bool) bool {
	prev := e.recording
	e.recording = enabled
	return prev
}

// StateDict returns a copy of the bias.
func (e *Echo) StateDict() nn.StateDict { return nn.DenseStateDict(e.Parameters()) }

// LoadStateDict restores the bias.
func (e *Echo) LoadStateDict(state nn.StateDict) error {
	return nn.LoadDenseStateDict(e.Parameters(), state)
}

// GenerateSquareSubsequentMask returns the n x n causal mask.
func (e *Echo) GenerateSquareSubsequentMask(n int) nn.Mask { return nn.SquareSubsequentMask(n) }

// Forward scores the next source token at every target position.
func (e *Echo) Forward(in nn.ForwardInput) (*nn.Logits, error) {
	if len(in.Src) != len(in.Tgt) {
		return nil, fmt.Errorf("forward: source batch %d, target batch %d", len(in.Src), len(in.Tgt))
	}
	bias := e.bias.Value().RawRowView(0)
	values := make([][][]float64, len(in.Tgt))
	for b := range in.Tgt {
		values[b] = make([][]float64, len(in.Tgt[b]))
		for t := range in.Tgt[b] {
			scores := make([]float64, e.vocab)
			copy(scores, bias)
			if t+1 < len(in.Src[b]) {
				tok := in.Src[b][t+1]
				if tok < 0 || int(tok) >= e.vocab {
					return nil, fmt.Errorf("forward: row %d: source id %d: %w", b, tok, ErrTokenOutOfRange)
				}
				scores[tok] += e.confidence
			}
			values[b][t] = scores
		}
	}

	if !e.recording {
		return nn.NewLogits(values, nil), nil
	}
	return nn.NewLogits(values, func(grad [][][]float64) {
		dBias := e.bias.GradDense().RawRowView(0)
		for _, row := range grad {
			for _, g := range row {
				floats.Add(dBias, g)
			}
		}
	}), nil
}

// BeamSearch returns each source without its leading SOS, through the first
// EOS, with padding dropped and at most maxLen tokens.
func (e *Echo) BeamSearch(src [][]int32, srcPadding [][]bool, sos, eos int32, maxLen, _ int) (*nn.Hypotheses, error) {
	hyps := &nn.Hypotheses{
		Tokens: make([][]int32, len(src)),
		Scores: make([]float64, len(src)),
	}
	for b, row := range src {
		out := make([]int32, 0, len(row))
		for j, tok := range row {
			if len(out) == maxLen {
				break
			}
			if (srcPadding != nil && srcPadding[b][j]) || (j == 0 && tok == sos) {
				continue
			}
			out = append(out, tok)
			if tok == eos {
				break
			}
		}
		hyps.Tokens[b] = out
	}
	return hyps, nil
}
