package tokenizer

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubwordVocab_Sentences(t *testing.T) {
	vocab := NewSubwordVocab(
		[]string{PadSubword, SOSSubword, EOSSubword, UNKSubword, "the", "trans@@", "lation", "works"},
		DefaultSpecials(),
		true,
	)

	tests := []struct {
		name string
		ids  []int32
		want string
	}{
		{name: "strips sos and eos", ids: []int32{1, 4, 7, 2}, want: "the works"},
		{name: "unsplits subwords", ids: []int32{1, 4, 5, 6, 2, 0, 0}, want: "the translation"},
		{name: "stops at first eos", ids: []int32{1, 4, 2, 7, 7}, want: "the"},
		{name: "no sos", ids: []int32{7}, want: "works"},
		{name: "empty", ids: []int32{1, 2}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := vocab.Sentences([][]int32{tt.ids})
			require.NoError(t, err)
			assert.Equal(t, []string{tt.want}, got)
		})
	}
}

func TestSubwordVocab_KeepSplit(t *testing.T) {
	vocab := NewSubwordVocab([]string{PadSubword, SOSSubword, EOSSubword, UNKSubword, "trans@@", "lation"}, DefaultSpecials(), false)

	got, err := vocab.Decode([]int32{1, 4, 5, 2})
	require.NoError(t, err)
	assert.Equal(t, "trans@@ lation", got)
}

func TestSubwordVocab_UnknownID(t *testing.T) {
	vocab := BuildSubwordVocab([]string{"a b"}, true)

	_, err := vocab.Sentences([][]int32{{1, 99, 2}})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestBuildSubwordVocab(t *testing.T) {
	vocab := BuildSubwordVocab([]string{"b a b", "c b a"}, true)

	assert.Equal(t, 7, vocab.Size())
	assert.Equal(t, DefaultSpecials(), vocab.Specials())

	ids, err := vocab.Encode("b a c zzz")
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 5, 6, 3}, ids)

	text, err := vocab.Decode(append(append([]int32{1}, ids[:3]...), 2))
	require.NoError(t, err)
	assert.Equal(t, "b a c", text)
}

func TestSubwordVocab_SaveLoad(t *testing.T) {
	vocab := BuildSubwordVocab([]string{"hello wor@@ ld"}, true)
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, vocab.Save(path))

	loaded, err := LoadSubwordVocab(path)
	require.NoError(t, err)
	assert.Equal(t, vocab.Size(), loaded.Size())
	assert.Equal(t, DefaultSpecials(), loaded.Specials())

	ids, err := loaded.Encode("hello wor@@ ld")
	require.NoError(t, err)
	text, err := loaded.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestReadSubwordVocab_NoSpecials(t *testing.T) {
	vocab, err := ReadSubwordVocab(strings.NewReader("x\ny\n"), true)
	require.NoError(t, err)

	_, err = vocab.Encode("z")
	assert.ErrorIs(t, err, ErrUnknownToken)

	text, err := vocab.Decode([]int32{0, 1})
	require.NoError(t, err)
	assert.Equal(t, "x y", text)
}

func TestTikToken_Sentences(t *testing.T) {
	if testing.Short() {
		t.Skip("tiktoken downloads its BPE ranks")
	}

	tok, err := NewTikToken("cl100k_base", Specials{Pad: -1, SOS: -1, EOS: 100257, UNK: -1})
	require.NoError(t, err)
	assert.Equal(t, 100277, tok.VocabSize())

	ids, err := tok.Encode("Hello, world!")
	require.NoError(t, err)

	got, err := tok.Sentences([][]int32{append(ids, 100257, 100257)})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello, world!"}, got)
}

func TestNewTikToken_Invalid(t *testing.T) {
	tok, err := NewTikToken("invalid_encoding_xyz", DefaultSpecials())
	assert.ErrorIs(t, err, ErrUnknownEncoding)
	assert.Nil(t, tok)
}

func TestEncodingSize(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"cl100k_base", 100277},
		{"o200k_base", 200019},
		{"p50k_base", 50281},
		{"p50k_edit", 50285},
		{"r50k_base", 50257},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := EncodingSize(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}

	_, err := EncodingSize("gpt2")
	assert.ErrorIs(t, err, ErrUnknownEncoding)
	assert.Equal(t, []string{"cl100k_base", "o200k_base", "p50k_base", "p50k_edit", "r50k_base"}, Encodings())
}

func TestTikToken_IdsBelowVocabSize(t *testing.T) {
	if testing.Short() {
		t.Skip("tiktoken downloads its BPE ranks")
	}

	// p50k_base adds whitespace-run tokens 50257..50280 on top of r50k_base.
	tok, err := NewTikToken("p50k_base", Specials{Pad: -1, SOS: -1, EOS: -1, UNK: -1})
	require.NoError(t, err)

	ids, err := tok.Encode("def f():\n" + strings.Repeat(" ", 24) + "return 1")
	require.NoError(t, err)
	for _, id := range ids {
		assert.Less(t, int(id), tok.VocabSize())
	}
}
