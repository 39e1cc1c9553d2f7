package train

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/born-ml/nmt/internal/bleu"
	"github.com/born-ml/nmt/internal/results"
)

// ErrInvalidConfig is returned by New for unusable configurations.
var ErrInvalidConfig = errors.New("invalid training configuration")

// Config controls one training run.
type Config struct {
	StartEpoch int    // First epoch number, > 1 when resuming (default: 1)
	NEpochs    int    // Last epoch number, inclusive; < StartEpoch runs no epochs
	SaveDir    string // Checkpoint and results directory (default: "./")
	ReportFreq int    // Log the mean training loss every ReportFreq batches (0 = never)

	MaxLen   int   // Maximum decoded length
	BeamSize int   // Beam width for BLEU decoding
	SOS      int32 // Start-of-sequence id
	EOS      int32 // End-of-sequence id

	// DecodeBatches is the number of randomly sampled batches decoded for
	// BLEU each epoch. <= 0 decodes every batch.
	DecodeBatches int

	// AccumulateSteps is the number of batches whose gradients are summed
	// (each loss scaled by 1/AccumulateSteps) before one optimizer update
	// (default: 1).
	AccumulateSteps int

	Smoothing bleu.Smoothing // BLEU smoothing method
	PrintSeqs int            // Random dev translations logged per epoch
	Seed      int64          // Seeds batch sampling for BLEU

	// LogMode selects whether results.txt is created with a header or
	// appended to. Unset = Create when StartEpoch == 1, else Append.
	LogMode results.Mode
}

// normalize fills defaults and checks ranges.
func (c *Config) normalize() error {
	if c.StartEpoch == 0 {
		c.StartEpoch = 1
	}
	if c.AccumulateSteps == 0 {
		c.AccumulateSteps = 1
	}
	if c.SaveDir == "" {
		c.SaveDir = "."
	}
	if !strings.HasSuffix(c.SaveDir, string(os.PathSeparator)) && !strings.HasSuffix(c.SaveDir, "/") {
		c.SaveDir += string(os.PathSeparator)
	}
	if c.LogMode == results.Unset {
		c.LogMode = results.ModeFor(c.StartEpoch)
	}

	switch {
	case c.StartEpoch < 1:
		return fmt.Errorf("%w: start epoch %d < 1", ErrInvalidConfig, c.StartEpoch)
	case c.ReportFreq < 0:
		return fmt.Errorf("%w: report frequency %d < 0", ErrInvalidConfig, c.ReportFreq)
	case c.MaxLen <= 0:
		return fmt.Errorf("%w: max length %d <= 0", ErrInvalidConfig, c.MaxLen)
	case c.BeamSize <= 0:
		return fmt.Errorf("%w: beam size %d <= 0", ErrInvalidConfig, c.BeamSize)
	case c.AccumulateSteps < 0:
		return fmt.Errorf("%w: accumulate steps %d < 0", ErrInvalidConfig, c.AccumulateSteps)
	case c.Smoothing < bleu.NoSmoothing || c.Smoothing > bleu.LengthScaled:
		return fmt.Errorf("%w: smoothing method %d", ErrInvalidConfig, c.Smoothing)
	}
	return nil
}
