// Package nn defines the model-side contracts of the training driver.
//
// This package provides:
//   - Module: parameters, state dicts and train/eval mode
//   - Seq2Seq: teacher-forced forward pass, beam search and causal masks
//   - Parameter: a named weight matrix with its gradient
//   - Logits and Loss: forward results carrying their backward pass
//   - CrossEntropyLoss: the training criterion
//   - Inference: a scope that switches a module to eval mode and back
//
// Design inspired by PyTorch's nn.Module; matrices are gonum dense matrices.
package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StateDict maps parameter names to parameter values.
type StateDict map[string]*mat.Dense

// Module is the base interface for trainable models.
type Module interface {
	// Parameters returns all trainable parameters in a stable order.
	Parameters() []*Parameter

	// Train switches the module to training mode.
	Train()

	// Eval switches the module to evaluation mode (no dropout or similar).
	Eval()

	// Training reports whether the module is in training mode.
	Training() bool

	// SetGradEnabled turns gradient recording on or off and returns the
	// previous setting. Forward passes made with recording off return
	// logits without a backward pass.
	SetGradEnabled(enabled bool) bool

	// StateDict returns copies of all parameter values.
	StateDict() StateDict

	// LoadStateDict overwrites parameter values. Every parameter must be
	// present with a matching shape.
	LoadStateDict(state StateDict) error
}

// ForwardInput is one teacher-forced decoder call.
//
// Tgt is the decoder input (targets without their last token). Key padding
// masks are true at filler positions. Attention masks are additive: 0 where
// attention is allowed, -Inf where it is blocked; nil means "no mask".
type ForwardInput struct {
	Src [][]int32
	Tgt [][]int32

	SrcMask    Mask
	TgtMask    Mask
	MemoryMask Mask

	SrcKeyPadding    [][]bool
	TgtKeyPadding    [][]bool
	MemoryKeyPadding [][]bool
}

// Hypotheses is the result of decoding a batch: one best token sequence per
// input (without the start token) and its score.
type Hypotheses struct {
	Tokens [][]int32
	Scores []float64
}

// Seq2Seq is an encoder-decoder model.
type Seq2Seq interface {
	Module

	// Forward computes output scores [batch][time][vocab] in teacher-forced mode.
	Forward(in ForwardInput) (*Logits, error)

	// BeamSearch decodes up to maxLen tokens per source sequence keeping
	// beamSize candidates, starting from sos and finishing at eos.
	BeamSearch(src [][]int32, srcPadding [][]bool, sos, eos int32, maxLen, beamSize int) (*Hypotheses, error)

	// GenerateSquareSubsequentMask returns the n x n causal mask.
	GenerateSquareSubsequentMask(n int) Mask
}

// DenseStateDict copies the values of params into a state dict.
func DenseStateDict(params []*Parameter) StateDict {
	state := make(StateDict, len(params))
	for _, p := range params {
		state[p.Name()] = mat.DenseCopyOf(p.Value())
	}
	return state
}

// LoadDenseStateDict copies state into params, checking names and shapes.
func LoadDenseStateDict(params []*Parameter, state StateDict) error {
	for _, p := range params {
		src, ok := state[p.Name()]
		if !ok {
			return fmt.Errorf("state dict: missing parameter %q", p.Name())
		}
		r, c := p.Value().Dims()
		sr, sc := src.Dims()
		if r != sr || c != sc {
			return fmt.Errorf("state dict: parameter %q has shape [%d %d], want [%d %d]", p.Name(), sr, sc, r, c)
		}
		p.Value().Copy(src)
	}
	return nil
}
