package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/nmt/internal/nn"
)

func TestEcho_BeamSearchCopiesSource(t *testing.T) {
	e := NewEcho(8)
	in, _ := copyBatch()

	hyps, err := e.BeamSearch(in.Src, in.SrcKeyPadding, sos, eos, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{3, 4, 5, eos}, {6, 7, eos}}, hyps.Tokens)

	short, err := e.BeamSearch(in.Src, in.SrcKeyPadding, sos, eos, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{3, 4}, {6, 7}}, short.Tokens)
}

func TestEcho_ForwardPredictsNextSourceToken(t *testing.T) {
	e := NewEcho(8)
	in, labels := copyBatch()

	logits, err := e.Forward(in)
	require.NoError(t, err)
	for b, row := range logits.Values {
		for ti, scores := range row {
			if labels[b][ti] == int(pad) {
				continue
			}
			best := 0
			for v := range scores {
				if scores[v] > scores[best] {
					best = v
				}
			}
			assert.Equal(t, labels[b][ti], best, "row %d step %d", b, ti)
		}
	}

	loss, err := nn.NewCrossEntropyLoss(int(pad)).Forward(logits, labels)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())
	assert.NotNil(t, e.Parameters()[0].Grad())
}
