package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/nmt/internal/nn"
	"github.com/born-ml/nmt/internal/optim"
)

func testRecord() *Record {
	return &Record{
		RunID:     uuid.MustParse("6f1c2a4e-3b7d-4c1e-9a55-0d2f8e6b1c90"),
		Epoch:     3,
		Step:      120,
		TrainBLEU: 31.25,
		DevBLEU:   24.567,
		DevLoss:   1.75,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Model: nn.StateDict{
			"proj.weight": mat.NewDense(2, 3, []float64{1, -2, 3.5, 0, 1e-9, -7}),
			"proj.bias":   mat.NewDense(1, 3, []float64{0.1, 0.2, 0.3}),
		},
		Optimizer: optim.State{
			Type:     "Adam",
			LR:       0.001,
			Timestep: 120,
			Config:   map[string]float64{"beta1": 0.9, "beta2": 0.999, "eps": 1e-8},
			Buffers: map[string]*mat.Dense{
				"m.0": mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}),
				"v.0": mat.NewDense(2, 3, []float64{6, 5, 4, 3, 2, 1}),
			},
		},
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "checkpoint_3_24.5670.pth", FileName(3, 24.567))
	assert.Equal(t, "checkpoint_1_0.0000.pth", FileName(1, 0))
	assert.Equal(t, "checkpoint_10_100.0000.pth", FileName(10, 100))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(3, 24.567))
	rec := testRecord()

	require.NoError(t, Save(path, rec))
	got, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, rec.Epoch, got.Epoch)
	assert.Equal(t, rec.Step, got.Step)
	assert.Equal(t, rec.TrainBLEU, got.TrainBLEU)
	assert.Equal(t, rec.DevBLEU, got.DevBLEU)
	assert.Equal(t, rec.DevLoss, got.DevLoss)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	require.Len(t, got.Model, 2)
	for name, want := range rec.Model {
		assert.True(t, mat.Equal(want, got.Model[name]), name)
	}

	assert.Equal(t, rec.Optimizer.Type, got.Optimizer.Type)
	assert.Equal(t, rec.Optimizer.LR, got.Optimizer.LR)
	assert.Equal(t, rec.Optimizer.Timestep, got.Optimizer.Timestep)
	assert.Equal(t, rec.Optimizer.Config, got.Optimizer.Config)
	for name, want := range rec.Optimizer.Buffers {
		assert.True(t, mat.Equal(want, got.Optimizer.Buffers[name]), name)
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	a, err := Marshal(testRecord())
	require.NoError(t, err)
	b, err := Marshal(testRecord())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMarshal_Layout(t *testing.T) {
	raw, err := Marshal(testRecord())
	require.NoError(t, err)

	assert.Equal(t, MagicBytes, string(raw[:4]))
	assert.Equal(t, uint32(FormatVersion), binary.LittleEndian.Uint32(raw[4:8]))
	assert.Equal(t, FlagHasOptimizer, binary.LittleEndian.Uint32(raw[8:12]))

	headerSize := int64(binary.LittleEndian.Uint64(raw[12:20]))
	dataOffset := alignedOffset(headerSize)
	assert.Zero(t, dataOffset%HeaderAlignment)

	// 6 + 3 model values and 12 optimizer values.
	assert.Equal(t, int64(len(raw))-dataOffset, int64((6+3+12)*8))
}

func TestMarshal_NonFiniteMetrics(t *testing.T) {
	rec := testRecord()
	rec.DevLoss = math.NaN()
	rec.TrainBLEU = math.Inf(1)

	raw, err := Marshal(rec)
	require.NoError(t, err)
	got, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got.DevLoss))
	assert.True(t, math.IsInf(got.TrainBLEU, 1))
}

func TestUnmarshal_Corruption(t *testing.T) {
	good, err := Marshal(testRecord())
	require.NoError(t, err)

	corrupt := func(mutate func([]byte)) []byte {
		raw := append([]byte(nil), good...)
		mutate(raw)
		return raw
	}

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"bad magic", corrupt(func(b []byte) { copy(b, "BORN") }), ErrInvalidMagic},
		{"bad version", corrupt(func(b []byte) { binary.LittleEndian.PutUint32(b[4:8], 9) }), ErrUnsupportedVersion},
		{"huge header", corrupt(func(b []byte) { binary.LittleEndian.PutUint64(b[12:20], MaxHeaderSize+1) }), ErrHeaderTooLarge},
		{"flipped data bit", corrupt(func(b []byte) { b[len(b)-1] ^= 0x01 }), ErrChecksumMismatch},
		{"flipped header bit", corrupt(func(b []byte) { b[FixedHeaderSize+2] ^= 0x01 }), ErrChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.raw)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = Unmarshal(good[:10])
	assert.Error(t, err)
}

func TestValidateTensors(t *testing.T) {
	ok := []TensorMeta{
		{Group: GroupModel, Name: "a", Shape: [2]int{1, 2}, Offset: 0, Size: 16},
		{Group: GroupOptimizer, Name: "m.0", Shape: [2]int{1, 1}, Offset: 16, Size: 8},
	}
	require.NoError(t, validateTensors(ok, 24))

	tests := []struct {
		name    string
		tensors []TensorMeta
	}{
		{"out of bounds", []TensorMeta{{Group: GroupModel, Name: "a", Shape: [2]int{1, 4}, Offset: 0, Size: 32}}},
		{"overlap", []TensorMeta{ok[0], {Group: GroupModel, Name: "b", Shape: [2]int{1, 1}, Offset: 8, Size: 8}}},
		{"size mismatch", []TensorMeta{{Group: GroupModel, Name: "a", Shape: [2]int{1, 2}, Offset: 0, Size: 8}}},
		{"bad group", []TensorMeta{{Group: "other", Name: "a", Shape: [2]int{1, 1}, Offset: 0, Size: 8}}},
		{"empty name", []TensorMeta{{Group: GroupModel, Shape: [2]int{1, 1}, Offset: 0, Size: 8}}},
		{"shape overflows size", []TensorMeta{{Group: GroupModel, Name: "a", Shape: [2]int{1 << 32, 1 << 32}, Offset: 0, Size: 0}}},
		{"shape wraps to data size", []TensorMeta{{Group: GroupModel, Name: "a", Shape: [2]int{1<<61 + 1, 1}, Offset: 0, Size: 8}}},
		{"offset overflows end", []TensorMeta{{Group: GroupModel, Name: "a", Shape: [2]int{1, 1}, Offset: math.MaxInt64 - 4, Size: 8}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTensors(tt.tensors, 24)
			assert.ErrorIs(t, err, ErrInvalidTensor)
		})
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Latest(dir)
	require.ErrorIs(t, err, ErrNotFound)

	for _, name := range []string{FileName(1, 10), FileName(2, 12.5), FileName(10, 9), "results.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	path, epoch, err := Latest(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, epoch)
	assert.Equal(t, filepath.Join(dir, "checkpoint_10_9.0000.pth"), path)
}

// sealed frames header and data as a checkpoint with a valid checksum.
func sealed(t *testing.T, header Header, data []byte) []byte {
	t.Helper()
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	dataOffset := alignedOffset(int64(len(headerJSON)))
	raw := make([]byte, dataOffset, dataOffset+int64(len(data)))
	copy(raw, MagicBytes)
	binary.LittleEndian.PutUint32(raw[4:8], FormatVersion)
	binary.LittleEndian.PutUint64(raw[12:20], uint64(len(headerJSON)))
	sum := sha256.Sum256(append(append([]byte(nil), headerJSON...), data...))
	copy(raw[20:FixedHeaderSize], sum[:])
	copy(raw[FixedHeaderSize:], headerJSON)
	return append(raw, data...)
}

func TestUnmarshal_OverflowingShape(t *testing.T) {
	header := Header{
		FormatVersion: FormatVersion,
		RunID:         uuid.New().String(),
		Epoch:         1,
		Tensors: []TensorMeta{
			// 2^32 * 2^32 * 8 wraps to 0 bytes.
			{Group: GroupModel, Name: "proj.weight", Shape: [2]int{1 << 32, 1 << 32}, Offset: 0, Size: 0},
		},
	}
	raw := sealed(t, header, make([]byte, 8))

	var err error
	require.NotPanics(t, func() { _, err = Unmarshal(raw) })
	assert.ErrorIs(t, err, ErrInvalidTensor)

	header.Tensors[0].Shape = [2]int{1, 1}
	header.Tensors[0].Size = 8
	rec, err := Unmarshal(sealed(t, header, make([]byte, 8)))
	require.NoError(t, err)
	assert.Contains(t, rec.Model, "proj.weight")
}
