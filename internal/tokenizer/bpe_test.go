package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenizerJSON = `{
  "added_tokens": [
    {"id": 0, "content": "<pad>", "special": true},
    {"id": 1, "content": "<s>", "special": true},
    {"id": 2, "content": "</s>", "special": true},
    {"id": 3, "content": "<unk>", "special": true}
  ],
  "model": {
    "type": "BPE",
    "end_of_word_suffix": "</w>",
    "vocab": {
      "t": 4, "h": 5, "e</w>": 6, "c": 7, "a": 8, "t</w>": 9,
      "th": 10, "the</w>": 11, "ca": 12, "cat</w>": 13
    },
    "merges": ["t h", ["th", "e</w>"], "c a", ["ca", "t</w>"]]
  }
}`

func writeTokenizer(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadBPE(t *testing.T) {
	b, err := LoadBPE(writeTokenizer(t, tokenizerJSON))
	require.NoError(t, err)
	assert.Equal(t, DefaultSpecials(), b.Specials())
	assert.Equal(t, 14, b.Size())

	tests := []struct {
		name string
		text string
		want []int32
	}{
		{"merged words", "the cat", []int32{11, 13}},
		{"no merge applies", "hat", []int32{5, 8, 9}},
		{"unknown pieces", "dog", []int32{3, 3, 3}},
		{"empty", "  ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := b.Encode(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestBPE_Sentences(t *testing.T) {
	b, err := LoadBPE(writeTokenizer(t, tokenizerJSON))
	require.NoError(t, err)

	got, err := b.Sentences([][]int32{
		{1, 11, 13, 2, 0},
		{10, 6, 5, 8, 9, 2, 11},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"the cat", "the hat"}, got)

	_, err = b.Sentences([][]int32{{99}})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestLoadBPE_AppendsMissingSpecials(t *testing.T) {
	b, err := LoadBPE(writeTokenizer(t, `{"model": {"vocab": {"a</w>": 0, "b</w>": 1}, "merges": []}}`))
	require.NoError(t, err)
	assert.Equal(t, Specials{Pad: 2, SOS: 3, EOS: 4, UNK: -1}, b.Specials())
	assert.Equal(t, 5, b.Size())

	_, err = b.Encode("c")
	assert.ErrorIs(t, err, ErrUnknownToken, "no UNK to fall back on")

	got, err := b.Sentences([][]int32{{3, 0, 1, 4, 2}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a b"}, got)
}

func TestLoadBPE_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "vocab"},
		{"wordpiece", `{"model": {"type": "WordPiece", "vocab": {"a": 0}}}`},
		{"empty vocab", `{"model": {"type": "BPE", "vocab": {}}}`},
		{"bad merge", `{"model": {"vocab": {"a": 0}, "merges": ["a b c"]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBPE(writeTokenizer(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadBPE(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
