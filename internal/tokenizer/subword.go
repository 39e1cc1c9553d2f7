package tokenizer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ContinuationMarker ends every subword that is glued to the next one.
const ContinuationMarker = "@@"

// Reserved subword strings written at the head of built vocabularies.
const (
	PadSubword = "<pad>"
	SOSSubword = "<sos>"
	EOSSubword = "<eos>"
	UNKSubword = "<unk>"
)

// ErrUnknownToken is returned when an id has no subword.
var ErrUnknownToken = errors.New("token id not in vocabulary")

// SubwordVocab is an index -> subword table.
type SubwordVocab struct {
	subwords []string
	index    map[string]int32
	specials Specials
	unsplit  bool
}

// NewSubwordVocab creates a vocabulary. Ids are positions in subwords.
//
// If unsplit is true, Sentences removes "@@ " continuation markers so
// "trans@@ lation" becomes "translation".
func NewSubwordVocab(subwords []string, specials Specials, unsplit bool) *SubwordVocab {
	index := make(map[string]int32, len(subwords))
	for i, w := range subwords {
		if _, ok := index[w]; !ok {
			index[w] = int32(i) //nolint:gosec // G115: vocabulary size < 2^31
		}
	}
	return &SubwordVocab{
		subwords: subwords,
		index:    index,
		specials: specials,
		unsplit:  unsplit,
	}
}

// BuildSubwordVocab builds a vocabulary from whitespace-separated texts.
// The four specials come first, then subwords by descending frequency
// (ties broken alphabetically).
func BuildSubwordVocab(texts []string, unsplit bool) *SubwordVocab {
	counts := make(map[string]int)
	for _, text := range texts {
		for _, w := range strings.Fields(text) {
			counts[w]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	subwords := append([]string{PadSubword, SOSSubword, EOSSubword, UNKSubword}, words...)
	return NewSubwordVocab(subwords, DefaultSpecials(), unsplit)
}

// ReadSubwordVocab reads one subword per line. Lines "<pad>", "<sos>",
// "<eos>" and "<unk>" define the specials; missing ones are disabled.
func ReadSubwordVocab(r io.Reader, unsplit bool) (*SubwordVocab, error) {
	var subwords []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		w := strings.TrimRight(scanner.Text(), "\r\n")
		if w == "" {
			continue
		}
		subwords = append(subwords, w)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	if len(subwords) == 0 {
		return nil, errors.New("vocabulary is empty")
	}

	specials := Specials{Pad: -1, SOS: -1, EOS: -1, UNK: -1}
	for i, w := range subwords {
		id := int32(i) //nolint:gosec // G115: vocabulary size < 2^31
		switch w {
		case PadSubword:
			specials.Pad = id
		case SOSSubword:
			specials.SOS = id
		case EOSSubword:
			specials.EOS = id
		case UNKSubword:
			specials.UNK = id
		}
	}
	return NewSubwordVocab(subwords, specials, unsplit), nil
}

// LoadSubwordVocab reads a vocabulary file with unsplitting enabled.
func LoadSubwordVocab(path string) (*SubwordVocab, error) {
	//nolint:gosec // G304: vocabulary path comes from user configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadSubwordVocab(f, true)
}

// Save writes the vocabulary, one subword per line.
func (v *SubwordVocab) Save(path string) error {
	//nolint:gosec // G304: vocabulary path comes from user configuration
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create vocabulary: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, s := range v.subwords {
		if _, err := w.WriteString(s + "\n"); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write vocabulary: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write vocabulary: %w", err)
	}
	return f.Close()
}

// Size returns the number of entries.
func (v *SubwordVocab) Size() int {
	return len(v.subwords)
}

// Specials returns the reserved ids.
func (v *SubwordVocab) Specials() Specials {
	return v.specials
}

// Encode maps whitespace-separated subwords to ids. Unknown subwords map
// to UNK, or fail when the vocabulary has no UNK entry.
func (v *SubwordVocab) Encode(text string) ([]int32, error) {
	fields := strings.Fields(text)
	ids := make([]int32, len(fields))
	for i, w := range fields {
		id, ok := v.index[w]
		if !ok {
			if v.specials.UNK < 0 {
				return nil, fmt.Errorf("subword %q: %w", w, ErrUnknownToken)
			}
			id = v.specials.UNK
		}
		ids[i] = id
	}
	return ids, nil
}

// Decode converts one id sequence to a sentence.
func (v *SubwordVocab) Decode(ids []int32) (string, error) {
	ids = v.specials.strip(ids)
	words := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || int(id) >= len(v.subwords) {
			return "", fmt.Errorf("id %d: %w", id, ErrUnknownToken)
		}
		words[i] = v.subwords[id]
	}
	sentence := strings.Join(words, " ")
	if v.unsplit {
		sentence = strings.ReplaceAll(sentence, ContinuationMarker+" ", "")
		sentence = strings.TrimSuffix(sentence, ContinuationMarker)
	}
	return sentence, nil
}

// Sentences converts a batch of id sequences to sentences.
func (v *SubwordVocab) Sentences(batch [][]int32) ([]string, error) {
	out := make([]string, len(batch))
	for i, ids := range batch {
		s, err := v.Decode(ids)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}
