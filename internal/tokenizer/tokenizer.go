package tokenizer

// Detokenizer maps batches of token ids to sentences.
type Detokenizer interface {
	// Sentences converts each id sequence of the batch to one sentence.
	Sentences(batch [][]int32) ([]string, error)
}

// Specials holds the reserved token ids. A negative id means "not used".
type Specials struct {
	Pad int32
	SOS int32
	EOS int32
	UNK int32
}

// DefaultSpecials is the layout used by vocabularies built from a corpus:
// <pad>=0, <sos>=1, <eos>=2, <unk>=3.
func DefaultSpecials() Specials {
	return Specials{Pad: 0, SOS: 1, EOS: 2, UNK: 3}
}

// strip returns the ids between an optional leading SOS and the first EOS,
// with padding removed.
func (s Specials) strip(ids []int32) []int32 {
	out := make([]int32, 0, len(ids))
	for _, id := range ids {
		if id == s.EOS && s.EOS >= 0 {
			break
		}
		if (id == s.SOS && s.SOS >= 0) || (id == s.Pad && s.Pad >= 0) {
			continue
		}
		out = append(out, id)
	}
	return out
}
