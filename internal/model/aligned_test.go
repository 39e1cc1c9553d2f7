package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/nmt/internal/nn"
	"github.com/born-ml/nmt/internal/optim"
)

const (
	pad int32 = 0
	sos int32 = 1
	eos int32 = 2
)

func newTestModel(t *testing.T, seed int64) *Aligned {
	t.Helper()
	m, err := New(Config{SrcVocab: 8, TgtVocab: 8, DModel: 6, Pad: pad, SOS: sos, Seed: seed})
	require.NoError(t, err)
	return m
}

// copyBatch is a two-sentence copy task with one padded row.
func copyBatch() (nn.ForwardInput, [][]int) {
	src := [][]int32{{sos, 3, 4, 5, eos}, {sos, 6, 7, eos, pad}}
	srcPad := [][]bool{{false, false, false, false, false}, {false, false, false, false, true}}
	tgtIn := [][]int32{{sos, 3, 4, 5}, {sos, 6, 7, eos}}
	tgtPad := [][]bool{{false, false, false, false}, {false, false, false, true}}
	labels := [][]int{{3, 4, 5, 2}, {6, 7, 2, 0}}

	in := nn.ForwardInput{
		Src:              src,
		Tgt:              tgtIn,
		TgtMask:          nn.SquareSubsequentMask(4),
		SrcKeyPadding:    srcPad,
		TgtKeyPadding:    tgtPad,
		MemoryKeyPadding: srcPad,
	}
	return in, labels
}

func lossValue(t *testing.T, m *Aligned, in nn.ForwardInput, labels [][]int) float64 {
	t.Helper()
	logits, err := m.Forward(in)
	require.NoError(t, err)
	loss, err := nn.NewCrossEntropyLoss(int(pad)).Forward(logits, labels)
	require.NoError(t, err)
	return loss.Item()
}

func TestAligned_ForwardShape(t *testing.T) {
	m := newTestModel(t, 1)
	in, _ := copyBatch()

	logits, err := m.Forward(in)
	require.NoError(t, err)
	require.Len(t, logits.Values, 2)
	for _, row := range logits.Values {
		require.Len(t, row, 4)
		for _, scores := range row {
			assert.Len(t, scores, 8)
		}
	}
	assert.True(t, logits.RequiresGrad())
}

func TestAligned_GradientCheck(t *testing.T) {
	m := newTestModel(t, 7)
	in, labels := copyBatch()

	logits, err := m.Forward(in)
	require.NoError(t, err)
	loss, err := nn.NewCrossEntropyLoss(int(pad)).Forward(logits, labels)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	const eps = 1e-6
	for _, p := range m.Parameters() {
		grad := p.Grad()
		require.NotNil(t, grad, p.Name())
		rows, cols := p.Value().Dims()
		for _, idx := range [][2]int{{0, 0}, {rows / 2, cols / 2}, {rows - 1, cols - 1}, {3 % rows, 1 % cols}} {
			i, j := idx[0], idx[1]
			orig := p.Value().At(i, j)

			p.Value().Set(i, j, orig+eps)
			plus := lossValue(t, m, in, labels)
			p.Value().Set(i, j, orig-eps)
			minus := lossValue(t, m, in, labels)
			p.Value().Set(i, j, orig)

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, grad.At(i, j), 1e-6, "%s[%d,%d]", p.Name(), i, j)
		}
	}
}

func TestAligned_PaddedSourceIgnored(t *testing.T) {
	m := newTestModel(t, 3)
	in, _ := copyBatch()

	before, err := m.Forward(in)
	require.NoError(t, err)

	// Changing a padded source position must not change any score.
	in.Src[1][4] = 5
	after, err := m.Forward(in)
	require.NoError(t, err)
	assert.Equal(t, before.Values[1], after.Values[1])
}

func TestAligned_TrainingReducesLoss(t *testing.T) {
	m := newTestModel(t, 11)
	in, labels := copyBatch()
	criterion := nn.NewCrossEntropyLoss(int(pad))
	optimizer := optim.NewAdam(m.Parameters(), optim.AdamConfig{LR: 0.05})

	initial := lossValue(t, m, in, labels)
	for j := 0; j < 50; j++ {
		optimizer.ZeroGrad()
		logits, err := m.Forward(in)
		require.NoError(t, err)
		loss, err := criterion.Forward(logits, labels)
		require.NoError(t, err)
		require.NoError(t, loss.Backward())
		optimizer.Step()
	}
	assert.Less(t, lossValue(t, m, in, labels), initial)
}

func TestAligned_NoGradForward(t *testing.T) {
	m := newTestModel(t, 1)
	in, labels := copyBatch()

	restore := nn.Inference(m)
	logits, err := m.Forward(in)
	require.NoError(t, err)
	assert.False(t, logits.RequiresGrad())
	assert.False(t, m.Training())

	loss, err := nn.NewCrossEntropyLoss(int(pad)).Forward(logits, labels)
	require.NoError(t, err)
	assert.ErrorIs(t, loss.Backward(), nn.ErrNoGrad)

	restore()
	assert.True(t, m.Training())
}

func TestAligned_ForwardErrors(t *testing.T) {
	m := newTestModel(t, 1)

	in, _ := copyBatch()
	in.TgtMask = nn.SquareSubsequentMask(3)
	_, err := m.Forward(in)
	assert.Error(t, err, "mask of the wrong size")

	in, _ = copyBatch()
	in.Tgt[0][1] = 42
	_, err = m.Forward(in)
	assert.ErrorIs(t, err, ErrTokenOutOfRange)

	in, _ = copyBatch()
	in.Src = in.Src[:1]
	_, err = m.Forward(in)
	assert.Error(t, err)

	_, err = New(Config{SrcVocab: 0, TgtVocab: 3})
	assert.Error(t, err)
}

func TestAligned_StateDictRoundTrip(t *testing.T) {
	a := newTestModel(t, 1)
	b := newTestModel(t, 2)
	in, _ := copyBatch()

	require.NoError(t, b.LoadStateDict(a.StateDict()))

	la, err := a.Forward(in)
	require.NoError(t, err)
	lb, err := b.Forward(in)
	require.NoError(t, err)
	assert.Equal(t, la.Values, lb.Values)
}

func TestAligned_BeamSearch(t *testing.T) {
	m := newTestModel(t, 5)
	in, _ := copyBatch()

	hyps, err := m.BeamSearch(in.Src, in.SrcKeyPadding, sos, eos, 6, 3)
	require.NoError(t, err)
	require.Len(t, hyps.Tokens, 2)
	require.Len(t, hyps.Scores, 2)

	for _, tokens := range hyps.Tokens {
		assert.LessOrEqual(t, len(tokens), 6)
		assert.NotContains(t, tokens, pad)
		assert.NotContains(t, tokens, sos)
	}

	again, err := m.BeamSearch(in.Src, in.SrcKeyPadding, sos, eos, 6, 3)
	require.NoError(t, err)
	assert.Equal(t, hyps, again)
}

func TestAligned_BeamSearchWorkers(t *testing.T) {
	seq, err := New(Config{SrcVocab: 8, TgtVocab: 8, DModel: 6, Pad: pad, SOS: sos, Seed: 9, Workers: 1})
	require.NoError(t, err)
	par, err := New(Config{SrcVocab: 8, TgtVocab: 8, DModel: 6, Pad: pad, SOS: sos, Seed: 9, Workers: 4})
	require.NoError(t, err)

	var src [][]int32
	for i := 0; i < 12; i++ {
		src = append(src, []int32{sos, int32(3 + i%5), int32(3 + (i+2)%5), eos})
	}

	a, err := seq.BeamSearch(src, nil, sos, eos, 6, 2)
	require.NoError(t, err)
	b, err := par.BeamSearch(src, nil, sos, eos, 6, 2)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	src[7] = []int32{sos, 42, eos}
	_, err = par.BeamSearch(src, nil, sos, eos, 6, 2)
	require.ErrorIs(t, err, ErrTokenOutOfRange)
	assert.Contains(t, err.Error(), "row 7")
}

func TestAligned_Modes(t *testing.T) {
	m := newTestModel(t, 1)
	assert.True(t, m.Training())
	m.Eval()
	assert.False(t, m.Training())
	m.Train()
	assert.True(t, m.Training())

	assert.True(t, m.SetGradEnabled(false))
	assert.False(t, m.SetGradEnabled(true))

	mask := m.GenerateSquareSubsequentMask(3)
	assert.True(t, mask.IsCausal(3))
}
