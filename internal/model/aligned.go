// Package model provides a small reference sequence-to-sequence model.
//
// Aligned predicts target token t+1 from target token t, the source token at
// the same position and the mean of the source sequence:
//
//	z_t = E_tgt[y_t] + E_src[x_t] + mean_j E_src[x_j]
//	h_t = tanh(z_t)
//	logits_t = h_t W + b
//
// It is small enough to train on a CPU in tests while exercising every part
// of the training driver: teacher-forced forward passes, padding and causal
// masks, backward passes, optimizer state and beam search.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/nmt/internal/generate"
	"github.com/born-ml/nmt/internal/nn"
	"github.com/born-ml/nmt/internal/parallel"
)

// ErrTokenOutOfRange is returned for ids outside the model's vocabularies.
var ErrTokenOutOfRange = errors.New("token id out of vocabulary range")

// Config holds the model hyperparameters.
type Config struct {
	SrcVocab      int     // Source vocabulary size
	TgtVocab      int     // Target vocabulary size
	DModel        int     // Hidden size (default: 32)
	Pad           int32   // Padding id, never generated
	SOS           int32   // Start id, never generated
	LengthPenalty float64 // Beam search length normalization exponent
	Seed          int64   // Weight initialization seed
	Workers       int     // Rows decoded concurrently by BeamSearch (default: one per CPU, 1 = sequential)
}

// Aligned is the reference Seq2Seq model.
type Aligned struct {
	config   Config
	srcEmbed *nn.Parameter // [SrcVocab, DModel]
	tgtEmbed *nn.Parameter // [TgtVocab, DModel]
	proj     *nn.Parameter // [DModel, TgtVocab]
	bias     *nn.Parameter // [1, TgtVocab]

	training  bool
	recording bool
}

var _ nn.Seq2Seq = (*Aligned)(nil)

// New creates a model with randomly initialized weights.
func New(config Config) (*Aligned, error) {
	if config.SrcVocab <= 0 || config.TgtVocab <= 0 {
		return nil, fmt.Errorf("vocabulary sizes must be positive (src=%d, tgt=%d)", config.SrcVocab, config.TgtVocab)
	}
	if config.DModel <= 0 {
		config.DModel = 32
	}

	//nolint:gosec // math/rand is appropriate for ML weight initialization
	rng := rand.New(rand.NewSource(config.Seed))
	return &Aligned{
		config:    config,
		srcEmbed:  nn.NewParameter("src_embed.weight", nn.Normal(config.SrcVocab, config.DModel, 0.1, rng)),
		tgtEmbed:  nn.NewParameter("tgt_embed.weight", nn.Normal(config.TgtVocab, config.DModel, 0.1, rng)),
		proj:      nn.NewParameter("proj.weight", nn.Xavier(config.DModel, config.TgtVocab, rng)),
		bias:      nn.NewParameter("proj.bias", nn.Zeros(1, config.TgtVocab)),
		training:  true,
		recording: true,
	}, nil
}

// Config returns the model configuration.
func (m *Aligned) Config() Config {
	return m.config
}

// Parameters returns the trainable parameters.
func (m *Aligned) Parameters() []*nn.Parameter {
	return []*nn.Parameter{m.srcEmbed, m.tgtEmbed, m.proj, m.bias}
}

// Train switches to training mode.
func (m *Aligned) Train() { m.training = true }

// Eval switches to evaluation mode.
func (m *Aligned) Eval() { m.training = false }

// Training reports whether the model is in training mode.
func (m *Aligned) Training() bool { return m.training }

// SetGradEnabled toggles gradient recording and returns the previous value.
func (m *Aligned) SetGradEnabled(enabled bool) bool {
	prev := m.recording
	m.recording = enabled
	return prev
}

// StateDict returns copies of all parameters.
func (m *Aligned) StateDict() nn.StateDict {
	return nn.DenseStateDict(m.Parameters())
}

// LoadStateDict restores parameters.
func (m *Aligned) LoadStateDict(state nn.StateDict) error {
	return nn.LoadDenseStateDict(m.Parameters(), state)
}

// GenerateSquareSubsequentMask returns the n x n causal mask.
func (m *Aligned) GenerateSquareSubsequentMask(n int) nn.Mask {
	return nn.SquareSubsequentMask(n)
}

// source is the encoded form of one source row.
// valid marks the positions usable as aligned tokens; ids lists the
// non-padded source ids that make up the context mean ctx.
type source struct {
	tokens []int32
	valid  []bool
	ids    []int
	ctx    []float64
}

func (m *Aligned) encode(src []int32, padding []bool) (*source, error) {
	s := &source{
		tokens: src,
		valid:  make([]bool, len(src)),
		ctx:    make([]float64, m.config.DModel),
	}
	for j, tok := range src {
		if padding != nil && j < len(padding) && padding[j] {
			continue
		}
		if tok < 0 || int(tok) >= m.config.SrcVocab {
			return nil, fmt.Errorf("source id %d: %w", tok, ErrTokenOutOfRange)
		}
		s.valid[j] = true
		s.ids = append(s.ids, int(tok))
		floats.Add(s.ctx, m.srcEmbed.Value().RawRowView(int(tok)))
	}
	if len(s.ids) > 0 {
		floats.Scale(1/float64(len(s.ids)), s.ctx)
	}
	return s, nil
}

// hidden computes h = tanh(E_tgt[y] + E_src[x_t] + ctx) for target token y at
// position t.
func (m *Aligned) hidden(s *source, y int32, t int) ([]float64, error) {
	if y < 0 || int(y) >= m.config.TgtVocab {
		return nil, fmt.Errorf("target id %d: %w", y, ErrTokenOutOfRange)
	}
	h := make([]float64, m.config.DModel)
	copy(h, m.tgtEmbed.Value().RawRowView(int(y)))
	floats.Add(h, s.ctx)
	if t < len(s.valid) && s.valid[t] {
		floats.Add(h, m.srcEmbed.Value().RawRowView(int(s.tokens[t])))
	}
	for i, v := range h {
		h[i] = math.Tanh(v)
	}
	return h, nil
}

// scores computes h W + b.
func (m *Aligned) scores(h []float64) []float64 {
	out := mat.NewVecDense(m.config.TgtVocab, nil)
	out.MulVec(m.proj.Value().T(), mat.NewVecDense(len(h), h))
	raw := out.RawVector().Data
	floats.Add(raw, m.bias.Value().RawRowView(0))
	return raw
}

// Forward computes teacher-forced scores [batch][time][TgtVocab].
//
// The target mask must be causal (or nil); the memory key padding mask
// (defaulting to the source one) selects the source positions that feed the
// context. Target padding positions are scored like any other; the
// criterion ignores their labels.
func (m *Aligned) Forward(in nn.ForwardInput) (*nn.Logits, error) {
	if len(in.Src) != len(in.Tgt) {
		return nil, fmt.Errorf("forward: source batch %d, target batch %d", len(in.Src), len(in.Tgt))
	}
	memoryPadding := in.MemoryKeyPadding
	if memoryPadding == nil {
		memoryPadding = in.SrcKeyPadding
	}

	values := make([][][]float64, len(in.Tgt))
	sources := make([]*source, len(in.Tgt))
	hiddens := make([][][]float64, len(in.Tgt))
	for b := range in.Tgt {
		if in.TgtMask != nil && !in.TgtMask.IsCausal(len(in.Tgt[b])) {
			return nil, fmt.Errorf("forward: row %d: target mask is not a %dx%d causal mask", b, len(in.Tgt[b]), len(in.Tgt[b]))
		}
		var padding []bool
		if memoryPadding != nil {
			padding = memoryPadding[b]
		}
		s, err := m.encode(in.Src[b], padding)
		if err != nil {
			return nil, fmt.Errorf("forward: row %d: %w", b, err)
		}
		sources[b] = s
		values[b] = make([][]float64, len(in.Tgt[b]))
		hiddens[b] = make([][]float64, len(in.Tgt[b]))
		for t, y := range in.Tgt[b] {
			h, err := m.hidden(s, y, t)
			if err != nil {
				return nil, fmt.Errorf("forward: row %d: %w", b, err)
			}
			hiddens[b][t] = h
			values[b][t] = m.scores(h)
		}
	}

	if !m.recording {
		return nn.NewLogits(values, nil), nil
	}
	backward := func(grad [][][]float64) {
		m.backward(in.Tgt, sources, hiddens, grad)
	}
	return nn.NewLogits(values, backward), nil
}

// backward accumulates parameter gradients for dL/dlogits = grad.
func (m *Aligned) backward(tgt [][]int32, sources []*source, hiddens [][][]float64, grad [][][]float64) {
	dProj := m.proj.GradDense()
	dBias := m.bias.GradDense().RawRowView(0)
	dTgt := m.tgtEmbed.GradDense()
	dSrc := m.srcEmbed.GradDense()
	dz := make([]float64, m.config.DModel)

	for b := range grad {
		s := sources[b]
		for t, g := range grad[b] {
			if floats.Norm(g, 1) == 0 {
				continue
			}
			h := hiddens[b][t]
			gVec := mat.NewVecDense(len(g), g)
			hVec := mat.NewVecDense(len(h), h)

			// dW += h g^T, db += g
			dProj.RankOne(dProj, 1, hVec, gVec)
			floats.Add(dBias, g)

			// dz = (W g) * (1 - h^2)
			dh := mat.NewVecDense(m.config.DModel, nil)
			dh.MulVec(m.proj.Value(), gVec)
			for i := range dz {
				dz[i] = dh.AtVec(i) * (1 - h[i]*h[i])
			}

			floats.Add(dTgt.RawRowView(int(tgt[b][t])), dz)
			if t < len(s.valid) && s.valid[t] {
				floats.Add(dSrc.RawRowView(int(s.tokens[t])), dz)
			}
			if n := len(s.ids); n > 0 {
				for _, j := range s.ids {
					floats.AddScaled(dSrc.RawRowView(j), 1/float64(n), dz)
				}
			}
		}
	}
}

// BeamSearch decodes every source row independently.
func (m *Aligned) BeamSearch(src [][]int32, srcPadding [][]bool, sos, eos int32, maxLen, beamSize int) (*nn.Hypotheses, error) {
	hyps := &nn.Hypotheses{
		Tokens: make([][]int32, len(src)),
		Scores: make([]float64, len(src)),
	}
	config := generate.BeamConfig{
		BeamSize:      beamSize,
		MaxLen:        maxLen,
		SOS:           sos,
		EOS:           eos,
		LengthPenalty: m.config.LengthPenalty,
	}
	workers := parallel.DefaultConfig()
	if m.config.Workers > 0 {
		workers.NumWorkers = m.config.Workers
		workers.Enabled = m.config.Workers > 1
	}
	// Rows are independent and only read the weights.
	err := parallel.For(len(src), func(b int) error {
		var padding []bool
		if srcPadding != nil {
			padding = srcPadding[b]
		}
		s, err := m.encode(src[b], padding)
		if err != nil {
			return fmt.Errorf("beam search: row %d: %w", b, err)
		}
		res, err := generate.BeamSearch(m.scorer(s), config)
		if err != nil {
			return fmt.Errorf("beam search: row %d: %w", b, err)
		}
		hyps.Tokens[b] = res.Tokens
		hyps.Scores[b] = res.Score
		return nil
	}, workers)
	if err != nil {
		return nil, err
	}
	return hyps, nil
}

// scorer returns next-token log-probabilities for one encoded source.
func (m *Aligned) scorer(s *source) generate.StepScorer {
	return generate.StepScorerFunc(func(prefix []int32) ([]float64, error) {
		t := len(prefix) - 1
		h, err := m.hidden(s, prefix[t], t)
		if err != nil {
			return nil, err
		}
		logits := m.scores(h)
		lse := floats.LogSumExp(logits)
		for v := range logits {
			logits[v] -= lse
		}
		for _, banned := range []int32{m.config.Pad, m.config.SOS} {
			if banned >= 0 && int(banned) < len(logits) {
				logits[banned] = math.Inf(-1)
			}
		}
		return logits, nil
	})
}
