package tokenizer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pkoukk/tiktoken-go"
)

// ErrUnknownEncoding is returned for an encoding name with no known size.
var ErrUnknownEncoding = errors.New("unknown tiktoken encoding")

// encodingSizes is one past the largest id each encoding can produce,
// its own special tokens included.
var encodingSizes = map[string]int{
	"cl100k_base": 100277, // <|endofprompt|> = 100276
	"o200k_base":  200019, // <|endofprompt|> = 200018
	"p50k_base":   50281,
	"p50k_edit":   50285, // <|endofprompt|> = 50284
	"r50k_base":   50257, // <|endoftext|> = 50256
}

// EncodingSize returns the id range of the named encoding. Ids at or above
// it are free for a model's own specials.
func EncodingSize(name string) (int, error) {
	n, ok := encodingSizes[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrUnknownEncoding)
	}
	return n, nil
}

// Encodings lists the supported encoding names, sorted.
func Encodings() []string {
	names := make([]string, 0, len(encodingSizes))
	for name := range encodingSizes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TikToken detokenizes ids produced with an OpenAI BPE encoding.
//
// Models trained on tiktoken ids reserve their own SOS/EOS/padding ids;
// pass them through Specials so they are stripped before decoding.
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
	size     int
	specials Specials
}

// NewTikToken loads the named encoding, one of Encodings.
func NewTikToken(encodingName string, specials Specials) (*TikToken, error) {
	size, err := EncodingSize(encodingName)
	if err != nil {
		return nil, err
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}

	return &TikToken{
		encoding: encoding,
		name:     encodingName,
		size:     size,
		specials: specials,
	}, nil
}

// Encode converts text to token ids.
func (t *TikToken) Encode(text string) ([]int32, error) {
	tokens := t.encoding.Encode(text, nil, nil)

	result := make([]int32, len(tokens))
	for i, tok := range tokens {
		result[i] = int32(tok) //nolint:gosec // G115: Token ID fits in int32 - vocab size < 2^31.
	}

	return result, nil
}

// Decode converts one id sequence to text, dropping special ids.
func (t *TikToken) Decode(tokens []int32) (string, error) {
	tokens = t.specials.strip(tokens)
	intTokens := make([]int, len(tokens))
	for i, tok := range tokens {
		if tok < 0 {
			return "", fmt.Errorf("id %d: %w", tok, ErrUnknownToken)
		}
		intTokens[i] = int(tok)
	}

	return t.encoding.Decode(intTokens), nil
}

// Sentences decodes a batch of id sequences.
func (t *TikToken) Sentences(batch [][]int32) ([]string, error) {
	out := make([]string, len(batch))
	for i, ids := range batch {
		s, err := t.Decode(ids)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// VocabSize returns the encoding's id range, see EncodingSize.
func (t *TikToken) VocabSize() int {
	return t.size
}

// Name returns the encoding name.
func (t *TikToken) Name() string {
	return t.name
}
