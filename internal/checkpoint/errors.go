package checkpoint

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors.
var (
	ErrChecksumMismatch   = errors.New("checksum mismatch: file may be corrupted")
	ErrHeaderTooLarge     = errors.New("header exceeds maximum size")
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrInvalidTensor      = errors.New("invalid tensor entry")
	ErrNotFound           = errors.New("no checkpoint found")
)

// Validation limits.
const (
	MaxHeaderSize    = 100 * 1024 * 1024 // 100MB
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// ValidationError provides detailed information about a malformed tensor entry.
type ValidationError struct {
	Type    string // Kind of failure (e.g., "offset_overlap", "out_of_bounds")
	Tensor  string // Tensor involved
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor != "" {
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

// Unwrap makes every ValidationError match ErrInvalidTensor.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidTensor
}

// validateTensors checks names, shapes and that every tensor lies inside the
// data section without overlapping the next one. Tensors are laid out in
// header order.
func validateTensors(tensors []TensorMeta, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}

	var end int64
	for _, t := range tensors {
		if len(t.Name) == 0 || len(t.Name) > MaxTensorNameLen || strings.ContainsRune(t.Name, 0) {
			return &ValidationError{Type: "invalid_name", Tensor: t.Name, Details: fmt.Sprintf("length %d", len(t.Name))}
		}
		if t.Group != GroupModel && t.Group != GroupOptimizer {
			return &ValidationError{Type: "invalid_group", Tensor: t.Name, Details: fmt.Sprintf("group %q", t.Group)}
		}
		if t.Shape[0] <= 0 || t.Shape[1] <= 0 {
			return &ValidationError{Type: "invalid_shape", Tensor: t.Name, Details: fmt.Sprintf("shape %v", t.Shape)}
		}
		if int64(t.Shape[0]) > dataSize/8/int64(t.Shape[1]) {
			return &ValidationError{Type: "out_of_bounds", Tensor: t.Name, Details: fmt.Sprintf("shape %v exceeds data_size %d", t.Shape, dataSize)}
		}
		if want := int64(t.Shape[0]) * int64(t.Shape[1]) * 8; t.Size != want {
			return &ValidationError{Type: "size_mismatch", Tensor: t.Name, Details: fmt.Sprintf("size %d, shape %v needs %d", t.Size, t.Shape, want)}
		}
		if t.Offset < end {
			return &ValidationError{Type: "offset_overlap", Tensor: t.Name, Details: fmt.Sprintf("offset %d < end of previous tensor %d", t.Offset, end)}
		}
		if t.Offset > dataSize-t.Size {
			return &ValidationError{Type: "out_of_bounds", Tensor: t.Name, Details: fmt.Sprintf("offset %d + size %d > data_size %d", t.Offset, t.Size, dataSize)}
		}
		end = t.Offset + t.Size
	}
	return nil
}
