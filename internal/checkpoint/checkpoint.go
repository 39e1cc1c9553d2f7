// Package checkpoint saves and restores training state.
//
// A checkpoint holds the model parameters, the optimizer state and the
// metrics of the epoch that produced it. Files use a small binary format:
//
//	[0x00] "NMTC"            magic
//	[0x04] uint32            format version
//	[0x08] uint32            flags
//	[0x0C] uint64            header size
//	[0x14] [32]byte          SHA-256 of header and data
//	[0x34] JSON header       Header
//	       zero padding      up to a 64-byte boundary
//	       float64 data      little-endian, row-major, in header order
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/born-ml/nmt/internal/nn"
	"github.com/born-ml/nmt/internal/optim"
)

// Record is everything stored in one checkpoint.
type Record struct {
	RunID     uuid.UUID
	Epoch     int
	Step      int64 // Optimizer updates so far
	TrainBLEU float64
	DevBLEU   float64
	DevLoss   float64
	Model     nn.StateDict
	Optimizer optim.State
	CreatedAt time.Time
}

// FileName returns the checkpoint file name for an epoch, e.g.
// "checkpoint_3_24.5670.pth".
func FileName(epoch int, devBLEU float64) string {
	return fmt.Sprintf("checkpoint_%d_%.4f.pth", epoch, devBLEU)
}

// Save writes rec to path, replacing any existing file.
func Save(path string, rec *Record) error {
	data, err := Marshal(rec)
	if err != nil {
		return err
	}
	//nolint:gosec // G306: checkpoints are not secret
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Record, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for checkpoint loading
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	rec, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

var fileNamePattern = regexp.MustCompile(`^checkpoint_(\d+)_(-?[0-9.]+|NaN|[+-]?Inf)\.pth$`)

// Latest returns the checkpoint in dir with the highest epoch. Among files of
// the same epoch the most recently modified wins.
func Latest(dir string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	best, bestEpoch := "", -1
	var bestTime time.Time
	for _, e := range entries {
		m := fileNamePattern.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		epoch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", 0, err
		}
		if epoch > bestEpoch || (epoch == bestEpoch && info.ModTime().After(bestTime)) {
			best, bestEpoch, bestTime = e.Name(), epoch, info.ModTime()
		}
	}
	if best == "" {
		return "", 0, fmt.Errorf("%w in %s", ErrNotFound, dir)
	}
	return filepath.Join(dir, best), bestEpoch, nil
}
