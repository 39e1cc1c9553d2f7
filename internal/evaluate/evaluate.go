// Package evaluate scores a sequence-to-sequence model on a dataset: mean
// teacher-forced loss, decoded hypotheses and corpus BLEU.
//
// Every routine runs the model in inference mode (evaluation mode with
// gradient recording off) and restores the previous mode before returning,
// whether it succeeds or fails.
package evaluate

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"

	"github.com/born-ml/nmt/internal/bleu"
	"github.com/born-ml/nmt/internal/data"
	"github.com/born-ml/nmt/internal/device"
	"github.com/born-ml/nmt/internal/nn"
	"github.com/born-ml/nmt/internal/tokenizer"
)

// ErrNoBatches is returned when a loader yields nothing to evaluate.
var ErrNoBatches = errors.New("loader has no batches")

// Options configures Decode and BLEU.
type Options struct {
	SOS      int32
	EOS      int32
	MaxLen   int // Maximum generated tokens per sentence
	BeamSize int // 1 = greedy

	// DecodeBatches is the number of batches, sampled without replacement,
	// to decode. <= 0 or >= the number of batches decodes everything.
	DecodeBatches int

	// Rand drives batch sampling and the choice of printed examples.
	// nil = a source seeded with Seed.
	Rand *rand.Rand
	Seed int64

	// PrintSeqs logs that many random reference/hypothesis pairs.
	PrintSeqs int

	Smoothing   bleu.Smoothing
	Detokenizer tokenizer.Detokenizer
	Device      device.Device // nil = CPU
	Logger      *log.Logger   // nil = discard
}

func (o *Options) defaults() error {
	if o.Detokenizer == nil {
		return errors.New("evaluate: detokenizer is required")
	}
	if o.Device == nil {
		o.Device = device.NewCPU()
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	if o.Rand == nil {
		//nolint:gosec // sampling evaluation batches does not need crypto randomness
		o.Rand = rand.New(rand.NewSource(o.Seed))
	}
	return nil
}

// Decode translates the (sampled) batches of loader and returns the
// detokenized hypotheses with their references, in batch order.
func Decode(model nn.Seq2Seq, loader data.Loader, opts Options) (hyps, refs []string, err error) {
	if err := opts.defaults(); err != nil {
		return nil, nil, err
	}

	restore := nn.Inference(model)
	defer restore()

	for _, i := range sampleBatches(loader.Len(), opts.DecodeBatches, opts.Rand) {
		h, r, err := decodeBatch(model, loader, i, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("decode batch %d: %w", i, err)
		}
		hyps = append(hyps, h...)
		refs = append(refs, r...)
	}

	if opts.PrintSeqs > 0 && len(hyps) > 0 {
		printSequences(opts.Logger, hyps, refs, opts.PrintSeqs, opts.Rand)
	}
	return hyps, refs, nil
}

func decodeBatch(model nn.Seq2Seq, loader data.Loader, i int, opts Options) ([]string, []string, error) {
	batch, release, err := device.Fetch(opts.Device, loader, i)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	out, err := model.BeamSearch(batch.Src, batch.SrcPadding, opts.SOS, opts.EOS, opts.MaxLen, opts.BeamSize)
	if err != nil {
		return nil, nil, fmt.Errorf("beam search: %w", err)
	}
	hyps, err := opts.Detokenizer.Sentences(out.Tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("hypotheses: %w", err)
	}
	refs, err := opts.Detokenizer.Sentences(batch.Tgt)
	if err != nil {
		return nil, nil, fmt.Errorf("references: %w", err)
	}
	return hyps, refs, nil
}

// BLEU decodes loader and returns corpus BLEU (0..100) of the hypotheses
// against the references.
func BLEU(model nn.Seq2Seq, loader data.Loader, opts Options) (float64, error) {
	hyps, refs, err := Decode(model, loader, opts)
	if err != nil {
		return 0, err
	}
	score, err := bleu.Sentences(hyps, refs, opts.Smoothing)
	if err != nil {
		return 0, fmt.Errorf("bleu: %w", err)
	}
	return score.Score, nil
}

// Loss returns the mean per-batch teacher-forced loss over loader.
func Loss(model nn.Seq2Seq, criterion nn.Criterion, loader data.Loader, dev device.Device) (float64, error) {
	if loader.Len() == 0 {
		return 0, ErrNoBatches
	}
	if dev == nil {
		dev = device.NewCPU()
	}

	restore := nn.Inference(model)
	defer restore()

	total := 0.0
	for i, n := 0, loader.Len(); i < n; i++ {
		loss, err := batchLoss(model, criterion, loader, i, dev)
		if err != nil {
			return 0, fmt.Errorf("loss batch %d: %w", i, err)
		}
		total += loss
	}
	return total / float64(loader.Len()), nil
}

func batchLoss(model nn.Seq2Seq, criterion nn.Criterion, loader data.Loader, i int, dev device.Device) (float64, error) {
	batch, release, err := device.Fetch(dev, loader, i)
	if err != nil {
		return 0, err
	}
	defer release()

	loss, logits, err := ComputeLoss(model, criterion, batch)
	if err != nil {
		return 0, err
	}
	logits.Release()
	return loss.Item(), nil
}

// ComputeLoss runs one teacher-forced forward pass over a trimmed batch:
// the decoder reads the targets without their last token under a causal
// mask and is scored against the targets shifted left by one. The source
// padding mask doubles as the memory padding mask.
func ComputeLoss(model nn.Seq2Seq, criterion nn.Criterion, batch *data.Batch) (*nn.Loss, *nn.Logits, error) {
	tgtIn, tgtPadding := batch.TargetInput()
	width := 0
	if len(tgtIn) > 0 {
		width = len(tgtIn[0])
	}

	logits, err := model.Forward(nn.ForwardInput{
		Src:              batch.Src,
		Tgt:              tgtIn,
		SrcMask:          nil,
		TgtMask:          model.GenerateSquareSubsequentMask(width),
		MemoryMask:       nil,
		SrcKeyPadding:    batch.SrcPadding,
		TgtKeyPadding:    tgtPadding,
		MemoryKeyPadding: batch.SrcPadding,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("forward: %w", err)
	}
	loss, err := criterion.Forward(logits, batch.TargetOutput())
	if err != nil {
		logits.Release()
		return nil, nil, fmt.Errorf("criterion: %w", err)
	}
	return loss, logits, nil
}

// sampleBatches returns k distinct batch indices out of n in ascending
// order, or all of them when k <= 0 or k >= n.
func sampleBatches(n, k int, rng *rand.Rand) []int {
	if k <= 0 || k >= n {
		idxs := make([]int, n)
		for i := range idxs {
			idxs[i] = i
		}
		return idxs
	}
	idxs := rng.Perm(n)[:k]
	sort.Ints(idxs)
	return idxs
}

func printSequences(logger *log.Logger, hyps, refs []string, n int, rng *rand.Rand) {
	idxs := sampleBatches(len(hyps), n, rng)
	logger.Printf("Printing %d random translations", len(idxs))
	for _, i := range idxs {
		logger.Printf("======================== ref %04d ========================", i)
		logger.Print(refs[i])
		logger.Printf("------------------------ hyp %04d ------------------------", i)
		logger.Print(hyps[i])
	}
	logger.Print("=============================================================")
}
