// Package bleu computes corpus-level BLEU scores.
//
// The computation follows Papineni et al. (2002) as implemented by
// nltk.translate.bleu_score.corpus_bleu: clipped n-gram precisions are summed
// over the whole corpus before the geometric mean is taken, the brevity
// penalty uses the reference length closest to each hypothesis, and several
// smoothing methods of Chen & Cherry (2014) are available for corpora that
// have no matching higher-order n-grams.
package bleu

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrLengthMismatch is returned when hypotheses and references differ in count.
	ErrLengthMismatch = errors.New("hypothesis and reference counts differ")

	// ErrNoReferences is returned when a hypothesis has no reference.
	ErrNoReferences = errors.New("hypothesis has no reference")

	// ErrUnknownSmoothing is returned for smoothing methods outside 0..4.
	ErrUnknownSmoothing = errors.New("unknown smoothing method")
)

// Smoothing selects how zero n-gram precisions are handled.
type Smoothing int

// Smoothing methods, numbered as in Chen & Cherry (2014).
const (
	// NoSmoothing keeps zero precisions (any zero precision gives a score of ~0).
	NoSmoothing Smoothing = iota
	// Epsilon adds 0.1 to the numerator of zero precisions.
	Epsilon
	// AddOne adds one to numerator and denominator for n >= 2.
	AddOne
	// NIST replaces the k-th zero precision by 1/(2^k * denominator).
	NIST
	// LengthScaled is NIST with the geometric sequence scaled by 5/ln(length).
	LengthScaled
)

// tinyPrecision stands in for a zero precision so that its logarithm is
// finite. It is the smallest normal float64.
const tinyPrecision = 0x1p-1022

const lengthScaledK = 5.0

// Score is a corpus BLEU result.
type Score struct {
	Score      float64   // BLEU in [0, 100]
	Precisions []float64 // Modified n-gram precisions in percent, unsmoothed
	BP         float64   // Brevity penalty
	SysLen     int       // Total hypothesis length
	RefLen     int       // Total closest-reference length
}

func (s Score) String() string {
	parts := make([]string, len(s.Precisions))
	for i, p := range s.Precisions {
		parts[i] = fmt.Sprintf("%.1f", p)
	}
	return fmt.Sprintf("BLEU = %.2f %s (BP = %.3f hyp_len = %d ref_len = %d)",
		s.Score, strings.Join(parts, "/"), s.BP, s.SysLen, s.RefLen)
}

type options struct {
	maxOrder  int
	smoothing Smoothing
}

// Option configures Corpus.
type Option func(*options)

// WithMaxOrder sets the highest n-gram order (default: 4). Weights are uniform.
func WithMaxOrder(n int) Option {
	return func(o *options) {
		o.maxOrder = n
	}
}

// WithSmoothing selects a smoothing method (default: NoSmoothing).
func WithSmoothing(method Smoothing) Option {
	return func(o *options) {
		o.smoothing = method
	}
}

// fraction is an unreduced precision numerator/denominator.
type fraction struct {
	num, den float64
}

// Corpus computes BLEU for tokenized hypotheses, each with one or more
// tokenized references.
//
// Example:
//
//	hyps := [][]string{strings.Fields("the cat sat on the mat")}
//	refs := [][][]string{{strings.Fields("the cat sat on the mat")}}
//	s, _ := bleu.Corpus(hyps, refs) // s.Score == 100
func Corpus(hyps [][]string, refs [][][]string, opts ...Option) (Score, error) {
	o := options{maxOrder: 4}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxOrder <= 0 {
		return Score{}, fmt.Errorf("max order must be positive, got %d", o.maxOrder)
	}
	if o.smoothing < NoSmoothing || o.smoothing > LengthScaled {
		return Score{}, fmt.Errorf("%w: %d", ErrUnknownSmoothing, o.smoothing)
	}
	if len(hyps) != len(refs) {
		return Score{}, fmt.Errorf("%w: %d hypotheses, %d references", ErrLengthMismatch, len(hyps), len(refs))
	}

	numerators := make([]int, o.maxOrder)
	denominators := make([]int, o.maxOrder)
	sysLen, refLen := 0, 0

	for i, hyp := range hyps {
		if len(refs[i]) == 0 {
			return Score{}, fmt.Errorf("sentence %d: %w", i, ErrNoReferences)
		}
		for n := 1; n <= o.maxOrder; n++ {
			num, den := clippedCounts(hyp, refs[i], n)
			numerators[n-1] += num
			denominators[n-1] += den
		}
		sysLen += len(hyp)
		refLen += closestRefLength(refs[i], len(hyp))
	}

	score := Score{
		Precisions: make([]float64, o.maxOrder),
		BP:         brevityPenalty(refLen, sysLen),
		SysLen:     sysLen,
		RefLen:     refLen,
	}
	precisions := make([]fraction, o.maxOrder)
	for n := range precisions {
		precisions[n] = fraction{num: float64(numerators[n]), den: float64(denominators[n])}
		if denominators[n] > 0 {
			score.Precisions[n] = 100 * precisions[n].num / precisions[n].den
		}
	}

	// No unigram matches: BLEU is 0 regardless of smoothing.
	if numerators[0] == 0 {
		return score, nil
	}

	smoothed := smooth(precisions, o.smoothing, sysLen)
	weight := 1 / float64(o.maxOrder)
	logSum := 0.0
	for _, p := range smoothed {
		logSum += weight * math.Log(p)
	}
	score.Score = 100 * score.BP * math.Exp(logSum)
	return score, nil
}

// Sentences computes corpus BLEU for whitespace-tokenized sentences with one
// reference each.
func Sentences(hyps, refs []string, method Smoothing) (Score, error) {
	if len(hyps) != len(refs) {
		return Score{}, fmt.Errorf("%w: %d hypotheses, %d references", ErrLengthMismatch, len(hyps), len(refs))
	}
	tokHyps := make([][]string, len(hyps))
	tokRefs := make([][][]string, len(refs))
	for i := range hyps {
		tokHyps[i] = strings.Fields(hyps[i])
		tokRefs[i] = [][]string{strings.Fields(refs[i])}
	}
	return Corpus(tokHyps, tokRefs, WithSmoothing(method))
}

// clippedCounts returns the number of hypothesis n-grams matched by the
// references (each n-gram clipped to its maximum count in any single
// reference) and the number of hypothesis n-grams, at least 1.
func clippedCounts(hyp []string, refs [][]string, n int) (int, int) {
	counts := ngrams(hyp, n)
	maxRef := make(map[string]int, len(counts))
	for _, ref := range refs {
		for gram, c := range ngrams(ref, n) {
			if _, ok := counts[gram]; ok && c > maxRef[gram] {
				maxRef[gram] = c
			}
		}
	}

	num, den := 0, 0
	for gram, c := range counts {
		num += min(c, maxRef[gram])
		den += c
	}
	return num, max(den, 1)
}

func ngrams(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], "\x00")]++
	}
	return counts
}

// closestRefLength picks the reference length nearest to hypLen, preferring
// the shorter one on ties.
func closestRefLength(refs [][]string, hypLen int) int {
	best := len(refs[0])
	for _, ref := range refs[1:] {
		l := len(ref)
		d, bd := abs(l-hypLen), abs(best-hypLen)
		if d < bd || (d == bd && l < best) {
			best = l
		}
	}
	return best
}

func brevityPenalty(refLen, sysLen int) float64 {
	switch {
	case sysLen > refLen:
		return 1
	case sysLen == 0:
		return 0
	default:
		return math.Exp(1 - float64(refLen)/float64(sysLen))
	}
}

// smooth returns the precisions as floats with zero precisions replaced
// according to method.
func smooth(p []fraction, method Smoothing, sysLen int) []float64 {
	out := make([]float64, len(p))
	incvnt := 1
	for i, f := range p {
		out[i] = f.num / f.den
		switch method {
		case Epsilon:
			if f.num == 0 {
				out[i] = 0.1 / f.den
			}
		case AddOne:
			if i > 0 {
				out[i] = (f.num + 1) / (f.den + 1)
			}
		case NIST:
			if f.num == 0 {
				out[i] = 1 / (math.Pow(2, float64(incvnt)) * f.den)
				incvnt++
			}
		case LengthScaled:
			if f.num == 0 && sysLen > 1 {
				out[i] = 1 / (math.Pow(2, float64(incvnt)) * lengthScaledK / math.Log(float64(sysLen))) / f.den
				incvnt++
			}
		}
		if out[i] == 0 {
			out[i] = tinyPrecision
		}
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
