// Package generate provides decoding strategies for sequence models.
//
// This package implements beam search (and greedy decoding as beam size 1)
// over any model that can score the next token of a prefix.
package generate

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrEmptyVocabulary is returned when a scorer yields no log-probabilities.
var ErrEmptyVocabulary = errors.New("scorer returned no log-probabilities")

// StepScorer scores the next token.
type StepScorer interface {
	// LogProbs returns log-probabilities over the vocabulary for the token
	// following prefix. prefix always starts with the SOS token.
	LogProbs(prefix []int32) ([]float64, error)
}

// StepScorerFunc adapts a function to StepScorer.
type StepScorerFunc func(prefix []int32) ([]float64, error)

// LogProbs calls f.
func (f StepScorerFunc) LogProbs(prefix []int32) ([]float64, error) {
	return f(prefix)
}

// BeamConfig configures beam search.
type BeamConfig struct {
	// BeamSize is the number of live candidates. 1 = greedy decoding.
	BeamSize int

	// MaxLen is the maximum number of generated tokens (EOS included).
	MaxLen int

	// SOS starts every prefix; EOS finishes a candidate.
	SOS int32
	EOS int32

	// LengthPenalty is the exponent alpha of the length normalization
	// score / len^alpha used to rank finished candidates. 0 = raw log-prob.
	LengthPenalty float64
}

// DefaultBeamConfig returns sensible defaults for beam search.
func DefaultBeamConfig() BeamConfig {
	return BeamConfig{
		BeamSize:      4,
		MaxLen:        128,
		SOS:           1,
		EOS:           2,
		LengthPenalty: 0,
	}
}

// Result is the best candidate found by BeamSearch.
type Result struct {
	Tokens []int32 // Generated tokens without SOS; ends with EOS if finished
	Score  float64 // Length-normalized log-probability
}

type candidate struct {
	tokens []int32
	score  float64
}

// BeamSearch decodes one sequence.
//
// At every step each live candidate is extended by every token; the
// BeamSize best extensions that do not end in EOS stay live, extensions
// ending in EOS are finished. Search stops once BeamSize candidates have
// finished, no candidate is live, or MaxLen tokens were generated. Ties are
// broken by candidate rank, then by lower token id, so results are
// deterministic.
func BeamSearch(scorer StepScorer, config BeamConfig) (Result, error) {
	if config.BeamSize <= 0 {
		return Result{}, fmt.Errorf("beam size must be positive, got %d", config.BeamSize)
	}
	if config.MaxLen <= 0 {
		return Result{}, fmt.Errorf("max length must be positive, got %d", config.MaxLen)
	}

	live := []candidate{{tokens: []int32{config.SOS}}}
	var finished []candidate

	for step := 0; step < config.MaxLen && len(live) > 0 && len(finished) < config.BeamSize; step++ {
		var extensions []candidate
		for _, c := range live {
			logProbs, err := scorer.LogProbs(c.tokens)
			if err != nil {
				return Result{}, fmt.Errorf("step %d: %w", step, err)
			}
			if len(logProbs) == 0 {
				return Result{}, ErrEmptyVocabulary
			}
			for tok, lp := range logProbs {
				if math.IsInf(lp, -1) || math.IsNaN(lp) {
					continue
				}
				tokens := make([]int32, len(c.tokens)+1)
				copy(tokens, c.tokens)
				tokens[len(c.tokens)] = int32(tok) //nolint:gosec // G115: vocabulary size < 2^31
				extensions = append(extensions, candidate{tokens: tokens, score: c.score + lp})
			}
		}
		sort.SliceStable(extensions, func(i, j int) bool {
			return extensions[i].score > extensions[j].score
		})

		live = live[:0:0]
		for _, ext := range extensions {
			if len(live) == config.BeamSize || len(finished) == config.BeamSize {
				break
			}
			if ext.tokens[len(ext.tokens)-1] == config.EOS {
				finished = append(finished, ext)
			} else {
				live = append(live, ext)
			}
		}
	}

	pool := finished
	if len(pool) == 0 {
		pool = live
	}
	if len(pool) == 0 {
		return Result{Tokens: []int32{}}, nil
	}

	best := pool[0]
	bestScore := normalize(best, config.LengthPenalty)
	for _, c := range pool[1:] {
		if s := normalize(c, config.LengthPenalty); s > bestScore {
			best, bestScore = c, s
		}
	}
	return Result{Tokens: best.tokens[1:], Score: bestScore}, nil
}

// Greedy decodes by always taking the most likely token.
func Greedy(scorer StepScorer, maxLen int, sos, eos int32) (Result, error) {
	return BeamSearch(scorer, BeamConfig{BeamSize: 1, MaxLen: maxLen, SOS: sos, EOS: eos})
}

func normalize(c candidate, alpha float64) float64 {
	if alpha == 0 {
		return c.score
	}
	n := len(c.tokens) - 1
	if n < 1 {
		n = 1
	}
	return c.score / math.Pow(float64(n), alpha)
}
