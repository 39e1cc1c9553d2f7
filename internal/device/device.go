// Package device abstracts where training batches and model memory live.
//
// The training and evaluation loops move every batch to the device before use
// and call EmptyCache after every iteration so that nothing a batch allocated
// outlives it. Only the CPU device is implemented; the other kinds are
// recognized so configuration files can name them and get a clear error.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/born-ml/nmt/internal/data"
)

// ErrUnsupported is returned by Parse for device kinds without an implementation.
var ErrUnsupported = errors.New("unsupported device")

// Kind identifies a compute device type.
type Kind int

// Known device kinds.
const (
	CPUKind Kind = iota
	CUDAKind
	VulkanKind
	MetalKind
	WebGPUKind
)

// String returns a human-readable device name.
func (k Kind) String() string {
	switch k {
	case CPUKind:
		return "CPU"
	case CUDAKind:
		return "CUDA"
	case VulkanKind:
		return "Vulkan"
	case MetalKind:
		return "Metal"
	case WebGPUKind:
		return "WebGPU"
	default:
		return "Unknown"
	}
}

// Device is a compute device.
type Device interface {
	// Kind returns the device type.
	Kind() Kind

	// Transfer returns the batch placed on the device. The result may share
	// memory with b.
	Transfer(b *data.Batch) (*data.Batch, error)

	// EmptyCache releases memory cached by the device.
	EmptyCache()

	// Describe returns a one-line description of the hardware.
	Describe() string
}

// Parse returns the device for a configuration name such as "cpu".
func Parse(name string) (Device, error) {
	for k := CPUKind; k <= WebGPUKind; k++ {
		if !strings.EqualFold(name, k.String()) {
			continue
		}
		if k == CPUKind {
			return NewCPU(), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, k)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
}

// Fetch materializes batch i of loader, moves it to dev and trims it to its
// longest sequence. The returned release func drops the batch (host and
// device copies) and empties the device cache; call it once per fetch, on
// every path.
func Fetch(dev Device, loader data.Loader, i int) (*data.Batch, func(), error) {
	host, err := loader.Batch(i)
	if err != nil {
		return nil, nil, err
	}
	b, err := dev.Transfer(host)
	if err != nil {
		if host != nil {
			host.Release()
		}
		dev.EmptyCache()
		return nil, nil, err
	}
	b.Trim()

	release := func() {
		host.Release()
		if b != host {
			b.Release()
		}
		dev.EmptyCache()
	}
	return b, release, nil
}

// CPU is the host device. Batches already live in host memory, so Transfer
// is the identity.
type CPU struct {
	freeOSMemory bool
}

// CPUOption configures the CPU device.
type CPUOption func(*CPU)

// WithFreeOSMemory makes EmptyCache force a garbage collection and return
// freed memory to the operating system. Off by default: it is slow.
func WithFreeOSMemory(enabled bool) CPUOption {
	return func(c *CPU) {
		c.freeOSMemory = enabled
	}
}

// NewCPU creates the CPU device.
func NewCPU(opts ...CPUOption) *CPU {
	c := &CPU{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Kind returns CPUKind.
func (c *CPU) Kind() Kind {
	return CPUKind
}

// Transfer validates b and returns it unchanged.
func (c *CPU) Transfer(b *data.Batch) (*data.Batch, error) {
	if b == nil {
		return nil, errors.New("transfer: nil batch")
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	return b, nil
}

// EmptyCache returns freed memory to the OS when enabled.
func (c *CPU) EmptyCache() {
	if c.freeOSMemory {
		debug.FreeOSMemory()
	}
}

// Describe reports the CPU model, core count and SIMD support.
func (c *CPU) Describe() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}

	var simd []string
	for _, f := range []struct {
		name string
		id   cpuid.FeatureID
	}{
		{"AVX2", cpuid.AVX2},
		{"AVX512F", cpuid.AVX512F},
		{"FMA3", cpuid.FMA3},
		{"ASIMD", cpuid.ASIMD},
	} {
		if cpuid.CPU.Supports(f.id) {
			simd = append(simd, f.name)
		}
	}
	if len(simd) == 0 {
		simd = append(simd, "none")
	}

	return fmt.Sprintf("CPU: %s (%d logical cores, SIMD: %s)", brand, runtime.NumCPU(), strings.Join(simd, ", "))
}
