package data

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fieldsEncoder map[string]int32

func (e fieldsEncoder) Encode(text string) ([]int32, error) {
	var ids []int32
	for _, w := range strings.Fields(text) {
		ids = append(ids, e[w])
	}
	return ids, nil
}

func testPairs() []Pair {
	return []Pair{
		{Src: []int32{4, 5}, Tgt: []int32{6}},
		{Src: []int32{4}, Tgt: []int32{6, 7, 8}},
		{Src: []int32{5, 5, 5}, Tgt: []int32{7}},
	}
}

func TestSliceLoader_Batches(t *testing.T) {
	l, err := NewSliceLoader(testPairs(), SliceLoaderConfig{BatchSize: 2, MaxLen: 8, SOS: 1, EOS: 2, Pad: 0})
	require.NoError(t, err)

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 2, l.BatchSize())

	b, err := l.Batch(0)
	require.NoError(t, err)
	require.NoError(t, b.Validate())
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, []int32{1, 4, 5, 2, 0, 0, 0, 0}, b.Src[0])
	assert.Equal(t, []bool{false, false, false, false, true, true, true, true}, b.SrcPadding[0])
	assert.Equal(t, []int{4, 3}, b.SrcLens)
	assert.Equal(t, []int{3, 5}, b.TgtLens)

	last, err := l.Batch(1)
	require.NoError(t, err)
	assert.Equal(t, 1, last.Size())

	_, err = l.Batch(2)
	assert.Error(t, err)
}

func TestSliceLoader_Restartable(t *testing.T) {
	l, err := NewSliceLoader(testPairs(), SliceLoaderConfig{BatchSize: 3, SOS: 1, EOS: 2})
	require.NoError(t, err)

	first, err := l.Batch(0)
	require.NoError(t, err)
	first.Release()

	again, err := l.Batch(0)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Size())
	assert.Equal(t, int32(1), again.Src[0][0])
}

func TestSliceLoader_Truncates(t *testing.T) {
	pairs := []Pair{{Src: []int32{4, 4, 4, 4, 4}, Tgt: []int32{5}}}
	l, err := NewSliceLoader(pairs, SliceLoaderConfig{BatchSize: 1, MaxLen: 4, SOS: 1, EOS: 2})
	require.NoError(t, err)

	b, err := l.Batch(0)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 4, 4, 2}, b.Src[0])
}

func TestNewSliceLoader_Empty(t *testing.T) {
	_, err := NewSliceLoader(nil, SliceLoaderConfig{})
	assert.ErrorIs(t, err, ErrEmptyCorpus)
}

func TestBatch_TrimAndShift(t *testing.T) {
	l, err := NewSliceLoader(testPairs()[:1], SliceLoaderConfig{BatchSize: 1, MaxLen: 10, SOS: 1, EOS: 2})
	require.NoError(t, err)
	b, err := l.Batch(0)
	require.NoError(t, err)

	b.Trim()
	assert.Equal(t, []int32{1, 4, 5, 2}, b.Src[0])
	assert.Len(t, b.SrcPadding[0], 4)
	assert.Equal(t, []int32{1, 6, 2}, b.Tgt[0])

	in, inPad := b.TargetInput()
	assert.Equal(t, []int32{1, 6}, in[0])
	assert.Equal(t, []bool{false, false}, inPad[0])
	assert.Equal(t, [][]int{{6, 2}}, b.TargetOutput())
}

func TestBatch_Release(t *testing.T) {
	l, err := NewSliceLoader(testPairs(), SliceLoaderConfig{BatchSize: 3, SOS: 1, EOS: 2})
	require.NoError(t, err)
	b, err := l.Batch(0)
	require.NoError(t, err)

	b.Release()
	assert.Nil(t, b.Src)
	assert.Nil(t, b.Tgt)
	assert.Nil(t, b.SrcPadding)
	assert.Nil(t, b.TgtLens)
	assert.Equal(t, 0, b.Size())
}

func TestBatch_ValidateInconsistent(t *testing.T) {
	b := &Batch{
		Src:        [][]int32{{1, 2}},
		SrcPadding: [][]bool{{false}},
		SrcLens:    []int{2},
		Tgt:        [][]int32{{1, 2}},
		TgtPadding: [][]bool{{false, false}},
		TgtLens:    []int{2},
	}
	assert.Error(t, b.Validate())
}

func TestReadParallel(t *testing.T) {
	enc := fieldsEncoder{"a": 4, "b": 5, "x": 6}
	input := "a b\tx\n\nb\tx x\n"

	pairs, err := ReadParallel(strings.NewReader(input), enc)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, []int32{4, 5}, pairs[0].Src)
	assert.Equal(t, []int32{6, 6}, pairs[1].Tgt)

	_, err = ReadParallel(strings.NewReader("no tab here\n"), enc)
	assert.Error(t, err)

	_, err = ReadParallel(strings.NewReader("\n\n"), enc)
	assert.ErrorIs(t, err, ErrEmptyCorpus)
}
