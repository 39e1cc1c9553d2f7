package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/nmt/internal/nn"
	"github.com/born-ml/nmt/internal/optim"
)

// Unmarshal decodes a checkpoint produced by Marshal, verifying the magic
// bytes, version, checksum and tensor layout.
func Unmarshal(raw []byte) (*Record, error) {
	if len(raw) < FixedHeaderSize {
		return nil, fmt.Errorf("failed to read fixed header: %w", io.ErrUnexpectedEOF)
	}
	if string(raw[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	if version := binary.LittleEndian.Uint32(raw[4:8]); version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, version, FormatVersion)
	}
	headerSize := binary.LittleEndian.Uint64(raw[12:20])
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	var stored [ChecksumSize]byte
	copy(stored[:], raw[20:FixedHeaderSize])

	//nolint:gosec // G115: headerSize <= MaxHeaderSize
	headerEnd := int64(FixedHeaderSize) + int64(headerSize)
	dataOffset := alignedOffset(int64(headerSize)) //nolint:gosec // G115: see above
	if int64(len(raw)) < headerEnd || int64(len(raw)) < dataOffset {
		return nil, fmt.Errorf("failed to read header: %w", io.ErrUnexpectedEOF)
	}
	headerJSON := raw[FixedHeaderSize:headerEnd]
	data := raw[dataOffset:]

	h := sha256.New()
	h.Write(headerJSON)
	h.Write(data)
	var computed [ChecksumSize]byte
	copy(computed[:], h.Sum(nil))
	if computed != stored {
		return nil, ErrChecksumMismatch
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	if err := validateTensors(header.Tensors, int64(len(data))); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	runID, err := uuid.Parse(header.RunID)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", header.RunID, err)
	}

	rec := &Record{
		RunID:     runID,
		Epoch:     header.Epoch,
		Step:      header.Step,
		TrainBLEU: float64(header.TrainBLEU),
		DevBLEU:   float64(header.DevBLEU),
		DevLoss:   float64(header.DevLoss),
		CreatedAt: header.CreatedAt,
		Model:     make(nn.StateDict),
		Optimizer: optim.State{
			Type:     header.Optimizer.Type,
			LR:       float64(header.Optimizer.LR),
			Timestep: header.Optimizer.Timestep,
			Config:   header.Optimizer.Config,
			Buffers:  make(map[string]*mat.Dense),
		},
	}

	for _, t := range header.Tensors {
		values := make([]float64, t.Shape[0]*t.Shape[1])
		chunk := data[t.Offset : t.Offset+t.Size]
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(chunk[i*8:]))
		}
		m := mat.NewDense(t.Shape[0], t.Shape[1], values)

		target := rec.Model
		if t.Group == GroupOptimizer {
			target = rec.Optimizer.Buffers
		}
		if _, dup := target[t.Name]; dup {
			return nil, &ValidationError{Type: "duplicate_name", Tensor: t.Name, Details: "group " + t.Group}
		}
		target[t.Name] = m
	}

	return rec, nil
}
