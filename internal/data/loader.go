package data

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrEmptyCorpus is returned when a corpus has no usable pairs.
var ErrEmptyCorpus = errors.New("corpus contains no sentence pairs")

// Loader produces the minibatches of one dataset.
//
// A Loader is finite and restartable: Batch(i) may be called any number of
// times, for any 0 <= i < Len(), and returns a freshly materialized batch
// each time. Callers own the returned batch and may Release it.
type Loader interface {
	// Len returns the number of batches.
	Len() int

	// BatchSize returns the nominal number of examples per batch.
	BatchSize() int

	// Batch materializes batch i.
	Batch(i int) (*Batch, error)
}

// Pair is one parallel example as token ids, without SOS/EOS.
type Pair struct {
	Src []int32
	Tgt []int32
}

// SliceLoader batches an in-memory list of pairs.
type SliceLoader struct {
	pairs     []Pair
	batchSize int
	maxLen    int
	sos       int32
	eos       int32
	pad       int32
}

// SliceLoaderConfig configures a SliceLoader.
type SliceLoaderConfig struct {
	BatchSize int   // Examples per batch (default: 32)
	MaxLen    int   // Padded row width including SOS/EOS; longer pairs are truncated (default: 0 = longest pair)
	SOS       int32 // Start-of-sequence id prepended to every row
	EOS       int32 // End-of-sequence id appended to every row
	Pad       int32 // Filler id
}

// NewSliceLoader creates a loader over pairs. Pairs are batched in order.
func NewSliceLoader(pairs []Pair, config SliceLoaderConfig) (*SliceLoader, error) {
	if len(pairs) == 0 {
		return nil, ErrEmptyCorpus
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.MaxLen <= 0 {
		for _, p := range pairs {
			config.MaxLen = max(config.MaxLen, len(p.Src)+2, len(p.Tgt)+2)
		}
	}
	if config.MaxLen < 2 {
		return nil, fmt.Errorf("max length %d cannot hold SOS and EOS", config.MaxLen)
	}

	return &SliceLoader{
		pairs:     pairs,
		batchSize: config.BatchSize,
		maxLen:    config.MaxLen,
		sos:       config.SOS,
		eos:       config.EOS,
		pad:       config.Pad,
	}, nil
}

// Len returns the number of batches.
func (l *SliceLoader) Len() int {
	return (len(l.pairs) + l.batchSize - 1) / l.batchSize
}

// BatchSize returns the configured batch size.
func (l *SliceLoader) BatchSize() int {
	return l.batchSize
}

// Batch materializes batch i padded to the loader's max length.
func (l *SliceLoader) Batch(i int) (*Batch, error) {
	if i < 0 || i >= l.Len() {
		return nil, fmt.Errorf("batch index %d out of range [0, %d)", i, l.Len())
	}
	start := i * l.batchSize
	end := min(start+l.batchSize, len(l.pairs))

	b := &Batch{}
	for _, p := range l.pairs[start:end] {
		src, srcPad, srcLen := l.encode(p.Src)
		tgt, tgtPad, tgtLen := l.encode(p.Tgt)
		b.Src = append(b.Src, src)
		b.SrcPadding = append(b.SrcPadding, srcPad)
		b.SrcLens = append(b.SrcLens, srcLen)
		b.Tgt = append(b.Tgt, tgt)
		b.TgtPadding = append(b.TgtPadding, tgtPad)
		b.TgtLens = append(b.TgtLens, tgtLen)
	}
	return b, nil
}

// encode wraps ids in SOS/EOS and pads the row to maxLen.
func (l *SliceLoader) encode(ids []int32) ([]int32, []bool, int) {
	if len(ids) > l.maxLen-2 {
		ids = ids[:l.maxLen-2]
	}
	row := make([]int32, l.maxLen)
	padding := make([]bool, l.maxLen)
	row[0] = l.sos
	copy(row[1:], ids)
	n := len(ids) + 2
	row[n-1] = l.eos
	for t := n; t < l.maxLen; t++ {
		row[t] = l.pad
		padding[t] = true
	}
	return row, padding, n
}

// Encoder maps whitespace-separated subwords to token ids.
type Encoder interface {
	Encode(text string) ([]int32, error)
}

// ReadParallel reads a tab-separated parallel corpus: one "source<TAB>target"
// pair per line. Blank lines are skipped.
func ReadParallel(r io.Reader, enc Encoder) ([]Pair, error) {
	var pairs []Pair
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		srcText, tgtText, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, fmt.Errorf("line %d: missing tab separator", line)
		}
		src, err := enc.Encode(srcText)
		if err != nil {
			return nil, fmt.Errorf("line %d: source: %w", line, err)
		}
		tgt, err := enc.Encode(tgtText)
		if err != nil {
			return nil, fmt.Errorf("line %d: target: %w", line, err)
		}
		pairs = append(pairs, Pair{Src: src, Tgt: tgt})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	if len(pairs) == 0 {
		return nil, ErrEmptyCorpus
	}
	return pairs, nil
}

// ReadParallelFile is ReadParallel over a file path.
func ReadParallelFile(path string, enc Encoder) ([]Pair, error) {
	//nolint:gosec // G304: corpus path comes from user configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer func() { _ = f.Close() }()

	pairs, err := ReadParallel(f, enc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pairs, nil
}
