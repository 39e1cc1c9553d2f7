package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Marshal encodes rec in the checkpoint format.
//
// Tensors are written in sorted name order within each group, so equal
// records produce equal bytes.
func Marshal(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("marshal: nil record")
	}

	header := Header{
		FormatVersion: FormatVersion,
		RunID:         rec.RunID.String(),
		Epoch:         rec.Epoch,
		Step:          rec.Step,
		TrainBLEU:     jsonFloat(rec.TrainBLEU),
		DevBLEU:       jsonFloat(rec.DevBLEU),
		DevLoss:       jsonFloat(rec.DevLoss),
		CreatedAt:     rec.CreatedAt.UTC(),
		Optimizer: OptimizerMeta{
			Type:     rec.Optimizer.Type,
			LR:       jsonFloat(rec.Optimizer.LR),
			Timestep: rec.Optimizer.Timestep,
			Config:   rec.Optimizer.Config,
		},
	}

	var data bytes.Buffer
	appendGroup := func(group string, tensors map[string]*mat.Dense) {
		names := make([]string, 0, len(tensors))
		for name := range tensors {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			m := tensors[name]
			r, c := m.Dims()
			offset := int64(data.Len())
			var word [8]byte
			for i := 0; i < r; i++ {
				for _, v := range m.RawRowView(i) {
					binary.LittleEndian.PutUint64(word[:], math.Float64bits(v))
					data.Write(word[:])
				}
			}
			header.Tensors = append(header.Tensors, TensorMeta{
				Group:  group,
				Name:   name,
				Shape:  [2]int{r, c},
				Offset: offset,
				Size:   int64(data.Len()) - offset,
			})
		}
	}
	appendGroup(GroupModel, rec.Model)
	appendGroup(GroupOptimizer, rec.Optimizer.Buffers)

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if len(headerJSON) > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	h := sha256.New()
	h.Write(headerJSON)
	h.Write(data.Bytes())
	var checksum [ChecksumSize]byte
	copy(checksum[:], h.Sum(nil))

	flags := uint32(0)
	if rec.Optimizer.Type != "" {
		flags |= FlagHasOptimizer
	}

	headerSize := int64(len(headerJSON))
	dataOffset := alignedOffset(headerSize)
	out := bytes.NewBuffer(make([]byte, 0, dataOffset+int64(data.Len())))

	out.WriteString(MagicBytes)
	_ = binary.Write(out, binary.LittleEndian, uint32(FormatVersion))
	_ = binary.Write(out, binary.LittleEndian, flags)
	_ = binary.Write(out, binary.LittleEndian, uint64(headerSize))
	out.Write(checksum[:])
	out.Write(headerJSON)
	out.Write(make([]byte, dataOffset-int64(FixedHeaderSize)-headerSize))
	out.Write(data.Bytes())

	return out.Bytes(), nil
}
