// Package data provides minibatches of parallel token sequences for training
// and evaluating sequence-to-sequence models.
package data

import "fmt"

// Batch is one minibatch of source/target token id sequences.
//
// Every row is padded to the same width. Padding masks are true at filler
// positions. SrcLens and TgtLens hold the number of real tokens per row
// (including SOS/EOS).
type Batch struct {
	Src        [][]int32
	SrcPadding [][]bool
	SrcLens    []int

	Tgt        [][]int32
	TgtPadding [][]bool
	TgtLens    []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.Src)
}

// Validate checks that all rows of the batch agree in count and width.
func (b *Batch) Validate() error {
	n := len(b.Src)
	if len(b.SrcPadding) != n || len(b.SrcLens) != n ||
		len(b.Tgt) != n || len(b.TgtPadding) != n || len(b.TgtLens) != n {
		return fmt.Errorf("batch: inconsistent row counts (src=%d, src_pad=%d, src_lens=%d, tgt=%d, tgt_pad=%d, tgt_lens=%d)",
			len(b.Src), len(b.SrcPadding), len(b.SrcLens), len(b.Tgt), len(b.TgtPadding), len(b.TgtLens))
	}
	if err := checkRows("src", b.Src, b.SrcPadding, b.SrcLens); err != nil {
		return err
	}
	return checkRows("tgt", b.Tgt, b.TgtPadding, b.TgtLens)
}

func checkRows(side string, tokens [][]int32, padding [][]bool, lens []int) error {
	if len(tokens) == 0 {
		return nil
	}
	width := len(tokens[0])
	for i := range tokens {
		if len(tokens[i]) != width || len(padding[i]) != width {
			return fmt.Errorf("batch: %s row %d has width %d/%d, want %d", side, i, len(tokens[i]), len(padding[i]), width)
		}
		if lens[i] < 0 || lens[i] > width {
			return fmt.Errorf("batch: %s row %d length %d out of range [0, %d]", side, i, lens[i], width)
		}
	}
	return nil
}

// Trim cuts source and target rows down to the longest real sequence in the
// batch, dropping columns that are padding in every row.
func (b *Batch) Trim() {
	b.Src, b.SrcPadding = trimRows(b.Src, b.SrcPadding, maxLen(b.SrcLens))
	b.Tgt, b.TgtPadding = trimRows(b.Tgt, b.TgtPadding, maxLen(b.TgtLens))
}

func maxLen(lens []int) int {
	m := 0
	for _, l := range lens {
		m = max(m, l)
	}
	return m
}

func trimRows(tokens [][]int32, padding [][]bool, width int) ([][]int32, [][]bool) {
	for i := range tokens {
		if len(tokens[i]) > width {
			tokens[i] = tokens[i][:width]
		}
		if len(padding[i]) > width {
			padding[i] = padding[i][:width]
		}
	}
	return tokens, padding
}

// TargetInput returns the decoder input: every target row without its last
// column, with the matching padding mask.
func (b *Batch) TargetInput() ([][]int32, [][]bool) {
	tokens := make([][]int32, len(b.Tgt))
	padding := make([][]bool, len(b.TgtPadding))
	for i := range b.Tgt {
		if n := len(b.Tgt[i]); n > 0 {
			tokens[i] = b.Tgt[i][:n-1]
			padding[i] = b.TgtPadding[i][:n-1]
		}
	}
	return tokens, padding
}

// TargetOutput returns the labels the decoder is trained to predict: every
// target row shifted left by one, widened to int.
func (b *Batch) TargetOutput() [][]int {
	labels := make([][]int, len(b.Tgt))
	for i, row := range b.Tgt {
		if len(row) == 0 {
			continue
		}
		labels[i] = make([]int, len(row)-1)
		for t, tok := range row[1:] {
			labels[i][t] = int(tok)
		}
	}
	return labels
}

// Release drops every reference held by the batch. A released batch is empty.
func (b *Batch) Release() {
	b.Src, b.SrcPadding, b.SrcLens = nil, nil, nil
	b.Tgt, b.TgtPadding, b.TgtLens = nil, nil, nil
}
