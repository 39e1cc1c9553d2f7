package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultEndOfWordSuffix marks the last piece of every word when
// tokenizer.json does not set model.end_of_word_suffix.
const DefaultEndOfWordSuffix = "</w>"

// BPE is a byte-pair encoding vocabulary loaded from a HuggingFace
// tokenizer.json. Words are split on whitespace and merged piece by piece
// in merge-rank order; the last piece of a word carries the end-of-word
// suffix so Sentences can restore the spaces.
type BPE struct {
	vocab    map[string]int32
	reverse  map[int32]string
	ranks    map[pair]int
	suffix   string
	size     int
	specials Specials
}

type pair struct {
	first  string
	second string
}

// NewBPE creates a vocabulary from piece ids and merges in priority order.
// Specials not present in vocab are disabled.
func NewBPE(vocab map[string]int32, merges [][2]string, suffix string, specials Specials) *BPE {
	b := &BPE{
		vocab:    vocab,
		reverse:  make(map[int32]string, len(vocab)),
		ranks:    make(map[pair]int, len(merges)),
		suffix:   suffix,
		specials: specials,
	}
	for piece, id := range vocab {
		b.reverse[id] = piece
		if int(id) >= b.size {
			b.size = int(id) + 1
		}
	}
	for i, m := range merges {
		p := pair{m[0], m[1]}
		if _, dup := b.ranks[p]; !dup {
			b.ranks[p] = i
		}
	}
	return b
}

// hfTokenizer is the subset of tokenizer.json read by LoadBPE.
type hfTokenizer struct {
	Model struct {
		Type            string            `json:"type"`
		Vocab           map[string]int    `json:"vocab"`
		Merges          []json.RawMessage `json:"merges"`
		EndOfWordSuffix *string           `json:"end_of_word_suffix"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadBPE reads a HuggingFace tokenizer.json with a BPE model.
//
// Special added tokens named like <pad>, <s>/<bos>/<sos>, </s>/<eos> and
// <unk> become the specials. A missing pad, SOS or EOS is given the next
// free id after the vocabulary.
func LoadBPE(path string) (*BPE, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: tokenizer path comes from user configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer.json: %w", err)
	}

	var cfg hfTokenizer
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}
	if cfg.Model.Type != "" && cfg.Model.Type != "BPE" {
		return nil, fmt.Errorf("tokenizer.json: model type %q is not BPE", cfg.Model.Type)
	}
	if len(cfg.Model.Vocab) == 0 {
		return nil, errors.New("tokenizer.json: vocabulary is empty")
	}

	vocab := make(map[string]int32, len(cfg.Model.Vocab)+len(cfg.AddedTokens))
	for piece, id := range cfg.Model.Vocab {
		vocab[piece] = int32(id) //nolint:gosec // G115: vocabulary size < 2^31
	}

	merges := make([][2]string, 0, len(cfg.Model.Merges))
	for i, m := range cfg.Model.Merges {
		merge, err := parseMerge(m)
		if err != nil {
			return nil, fmt.Errorf("tokenizer.json: merge %d: %w", i, err)
		}
		merges = append(merges, merge)
	}

	specials := Specials{Pad: -1, SOS: -1, EOS: -1, UNK: -1}
	for _, tok := range cfg.AddedTokens {
		id := int32(tok.ID) //nolint:gosec // G115: vocabulary size < 2^31
		vocab[tok.Content] = id
		if !tok.Special {
			continue
		}
		switch strings.ToLower(tok.Content) {
		case "<pad>", "[pad]":
			specials.Pad = id
		case "<s>", "<bos>", "<sos>", "[cls]":
			specials.SOS = id
		case "</s>", "<eos>", "[sep]":
			specials.EOS = id
		case "<unk>", "[unk]":
			specials.UNK = id
		}
	}

	suffix := DefaultEndOfWordSuffix
	if cfg.Model.EndOfWordSuffix != nil {
		suffix = *cfg.Model.EndOfWordSuffix
	}

	b := NewBPE(vocab, merges, suffix, specials)
	for _, sp := range []struct {
		id   *int32
		name string
	}{{&b.specials.Pad, PadSubword}, {&b.specials.SOS, SOSSubword}, {&b.specials.EOS, EOSSubword}} {
		if *sp.id >= 0 {
			continue
		}
		*sp.id = int32(b.size) //nolint:gosec // G115: vocabulary size < 2^31
		b.reverse[*sp.id] = sp.name
		b.size++
	}
	return b, nil
}

// parseMerge accepts both the "a b" and the ["a", "b"] merge encodings.
func parseMerge(raw json.RawMessage) ([2]string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		parts := strings.Split(s, " ")
		if len(parts) != 2 {
			return [2]string{}, fmt.Errorf("%q is not a pair", s)
		}
		return [2]string{parts[0], parts[1]}, nil
	}
	var p []string
	if err := json.Unmarshal(raw, &p); err != nil {
		return [2]string{}, err
	}
	if len(p) != 2 {
		return [2]string{}, fmt.Errorf("%q is not a pair", p)
	}
	return [2]string{p[0], p[1]}, nil
}

// Encode converts text to piece ids. Pieces missing from the vocabulary
// map to UNK, or fail when UNK is disabled.
func (b *BPE) Encode(text string) ([]int32, error) {
	var ids []int32
	for _, word := range strings.Fields(text) {
		for _, piece := range b.merge(word) {
			id, ok := b.vocab[piece]
			switch {
			case ok:
				ids = append(ids, id)
			case b.specials.UNK >= 0:
				ids = append(ids, b.specials.UNK)
			default:
				return nil, fmt.Errorf("piece %q: %w", piece, ErrUnknownToken)
			}
		}
	}
	return ids, nil
}

// merge splits word into characters and applies the lowest-ranked merge
// until none applies.
func (b *BPE) merge(word string) []string {
	pieces := make([]string, 0, len(word))
	for _, r := range word {
		pieces = append(pieces, string(r))
	}
	pieces[len(pieces)-1] += b.suffix

	for len(pieces) > 1 {
		best, bestRank := -1, len(b.ranks)
		for i := 0; i < len(pieces)-1; i++ {
			if rank, ok := b.ranks[pair{pieces[i], pieces[i+1]}]; ok && rank < bestRank {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		merged := pieces[best] + pieces[best+1]
		pieces = append(pieces[:best+1], pieces[best+2:]...)
		pieces[best] = merged
	}
	return pieces
}

// Decode converts one id sequence to text, dropping special ids.
func (b *BPE) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range b.specials.strip(ids) {
		piece, ok := b.reverse[id]
		if !ok {
			return "", fmt.Errorf("id %d: %w", id, ErrUnknownToken)
		}
		if b.suffix != "" && strings.HasSuffix(piece, b.suffix) {
			sb.WriteString(strings.TrimSuffix(piece, b.suffix))
			sb.WriteByte(' ')
			continue
		}
		sb.WriteString(piece)
	}
	return strings.TrimRight(sb.String(), " "), nil
}

// Sentences decodes a batch of id sequences.
func (b *BPE) Sentences(batch [][]int32) ([]string, error) {
	out := make([]string, len(batch))
	for i, ids := range batch {
		s, err := b.Decode(ids)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// Size returns one past the largest id, specials included.
func (b *BPE) Size() int { return b.size }

// Specials returns the reserved ids.
func (b *BPE) Specials() Specials { return b.specials }
