package checkpoint

import (
	"math"
	"strconv"
	"time"
)

// Format constants.
const (
	MagicBytes      = "NMTC"
	FormatVersion   = 1  // v1: JSON header, SHA-256 over header and data
	HeaderAlignment = 64 // Tensor data starts on a 64-byte boundary
	ChecksumSize    = 32 // SHA-256 checksum size
	FixedHeaderSize = 4 + 4 + 4 + 8 + ChecksumSize
)

// Flags for the checkpoint format.
const (
	FlagHasOptimizer uint32 = 1 << 0 // bit 0: optimizer state included
)

// Tensor groups.
const (
	GroupModel     = "model"
	GroupOptimizer = "optimizer"
)

// Header is the JSON header of a checkpoint file.
type Header struct {
	FormatVersion int           `json:"format_version"`
	RunID         string        `json:"run_id"`
	Epoch         int           `json:"epoch"`
	Step          int64         `json:"step"`
	TrainBLEU     jsonFloat     `json:"train_bleu"`
	DevBLEU       jsonFloat     `json:"dev_bleu"`
	DevLoss       jsonFloat     `json:"dev_loss"`
	CreatedAt     time.Time     `json:"created_at"`
	Optimizer     OptimizerMeta `json:"optimizer"`
	Tensors       []TensorMeta  `json:"tensors"`
}

// OptimizerMeta holds the scalar part of the optimizer state.
type OptimizerMeta struct {
	Type     string             `json:"type"`
	LR       jsonFloat          `json:"lr"`
	Timestep int64              `json:"timestep"`
	Config   map[string]float64 `json:"config,omitempty"`
}

// TensorMeta describes a float64 matrix in the data section.
type TensorMeta struct {
	Group  string `json:"group"`  // GroupModel or GroupOptimizer
	Name   string `json:"name"`   // Parameter or buffer name (e.g., "proj.weight", "m.0")
	Shape  [2]int `json:"shape"`  // Rows, columns
	Offset int64  `json:"offset"` // Bytes from the start of the data section
	Size   int64  `json:"size"`   // Size in bytes
}

// jsonFloat is a float64 that survives JSON when it is NaN or infinite
// (a diverged loss, for example).
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *jsonFloat) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

// alignedOffset returns the start of the data section for a header of the
// given size.
func alignedOffset(headerSize int64) int64 {
	pos := int64(FixedHeaderSize) + headerSize
	padding := (HeaderAlignment - pos%HeaderAlignment) % HeaderAlignment
	return pos + padding
}
