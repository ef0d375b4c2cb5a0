package clip_distill

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/wbrown/clip_distill/types"
)

var batchMagic = [4]byte{'C', 'D', 'B', '1'}

const (
	flagUseDistill uint8 = 1 << iota
	flagIsAccum
	flagHalf
	flagUint32
)

// maxBatchBytes bounds the body a header may announce.
const maxBatchBytes = 1 << 32

var ErrBadBatchFile = errors.New("clip_distill: malformed batch file")

// batchHeader precedes every serialized batch. All fields are little
// endian.
type batchHeader struct {
	Magic     [4]byte
	Flags     uint8
	Rows      uint32
	Cols      uint32
	Latents   uint32
	LatentDim uint32
	Start     uint32
	End       uint32
	Step      uint32
	Lambda    float64
}

// WriteBatch
// Serializes batch as a header followed by the input ids, uint32 when
// useUint32 is set and uint16 otherwise, a uint8 attention mask, int32 clip
// indices and the latents, as float16 when useHalf is set and float32
// otherwise. Returns the bytes written.
func WriteBatch(w io.Writer, batch *Batch, useHalf, useUint32 bool) (int,
	error) {
	header := batchHeader{
		Magic:   batchMagic,
		Rows:    uint32(len(batch.InputIds)),
		Latents: uint32(len(batch.LatentVecs)),
		Start:   uint32(batch.Start),
		End:     uint32(batch.End),
		Step:    uint32(batch.Step),
		Lambda:  batch.Lambda,
	}
	if len(batch.InputIds) > 0 {
		header.Cols = uint32(len(batch.InputIds[0]))
	}
	if len(batch.LatentVecs) > 0 {
		header.LatentDim = uint32(len(batch.LatentVecs[0]))
	}
	if len(batch.AttentionMask) != len(batch.InputIds) ||
		len(batch.ClipIdx) != len(batch.InputIds) {
		return 0, fmt.Errorf("%w: %d rows, %d mask rows, %d clip indices",
			ErrBadBatchFile, len(batch.InputIds), len(batch.AttentionMask),
			len(batch.ClipIdx))
	}
	if batch.UseDistill {
		header.Flags |= flagUseDistill
	}
	if batch.IsAccum {
		header.Flags |= flagIsAccum
	}
	if useHalf {
		header.Flags |= flagHalf
	}
	tokenSize := types.Uint16TokenSize
	if useUint32 {
		header.Flags |= flagUint32
		tokenSize = types.TokenSize
	}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return 0, err
	}
	written := binary.Size(&header)

	body := make([]byte, 0,
		len(batch.InputIds)*int(header.Cols)*(tokenSize+1)+
			len(batch.InputIds)*4)
	for rowIdx := range batch.InputIds {
		row := batch.InputIds[rowIdx]
		if uint32(len(row)) != header.Cols {
			return written, fmt.Errorf("%w: ragged row %d",
				ErrBadBatchFile, rowIdx)
		}
		bin, err := row.ToBin(useUint32)
		if err != nil {
			return written, fmt.Errorf("row %d: %w", rowIdx, err)
		}
		body = append(body, *bin...)
	}
	for rowIdx, row := range batch.AttentionMask {
		if uint32(len(row)) != header.Cols {
			return written, fmt.Errorf("%w: ragged mask row %d",
				ErrBadBatchFile, rowIdx)
		}
		for _, m := range row {
			body = append(body, uint8(m))
		}
	}
	for _, clipIdx := range batch.ClipIdx {
		body = binary.LittleEndian.AppendUint32(body, uint32(int32(clipIdx)))
	}
	for _, vec := range batch.LatentVecs {
		if uint32(len(vec)) != header.LatentDim {
			return written, fmt.Errorf("%w: ragged latents",
				ErrBadBatchFile)
		}
		body = append(body, vec.ToBin(useHalf)...)
	}
	n, err := w.Write(body)
	return written + n, err
}

// ReadBatch
// Reads one batch written by WriteBatch. Returns io.EOF at a clean end of
// input. Tensors are not restored.
func ReadBatch(r io.Reader) (*Batch, error) {
	var header batchHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: header: %v", ErrBadBatchFile, err)
	}
	if header.Magic != batchMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadBatchFile,
			header.Magic[:])
	}
	useHalf := header.Flags&flagHalf != 0
	floatSize := types.FloatSize
	if useHalf {
		floatSize = types.HalfSize
	}
	useUint32 := header.Flags&flagUint32 != 0
	tokenSize := types.Uint16TokenSize
	if useUint32 {
		tokenSize = types.TokenSize
	}
	// Sizes are untrusted; compute them in uint64 and bound them.
	cells := uint64(header.Rows) * uint64(header.Cols)
	floats := uint64(header.Latents) * uint64(header.LatentDim)
	if header.Latents > 0 && header.LatentDim == 0 {
		return nil, fmt.Errorf("%w: %d latents of dimension 0",
			ErrBadBatchFile, header.Latents)
	}
	if cells > maxBatchBytes || floats > maxBatchBytes {
		return nil, fmt.Errorf("%w: header announces %d cells and %d "+
			"latent values", ErrBadBatchFile, cells, floats)
	}
	bodySize := cells*uint64(tokenSize+1) + uint64(header.Rows)*4 +
		floats*uint64(floatSize)
	if bodySize > maxBatchBytes {
		return nil, fmt.Errorf("%w: header announces a %d byte body",
			ErrBadBatchFile, bodySize)
	}
	rows, cols := int(header.Rows), int(header.Cols)
	body, err := readBody(r, bodySize)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrBadBatchFile, err)
	}

	batch := &Batch{
		InputIds:      make([]types.Tokens, rows),
		AttentionMask: make([][]int32, rows),
		ClipIdx:       make([]int, rows),
		LatentVecs:    make([]types.LatentVec, header.Latents),
		UseDistill:    header.Flags&flagUseDistill != 0,
		IsAccum:       header.Flags&flagIsAccum != 0,
		Start:         int(header.Start),
		End:           int(header.End),
		Step:          int(header.Step),
		Lambda:        header.Lambda,
	}
	offset := 0
	rowBytes := cols * tokenSize
	for rowIdx := 0; rowIdx < rows; rowIdx++ {
		bin := body[offset : offset+rowBytes]
		if useUint32 {
			batch.InputIds[rowIdx] = *types.TokensFromBin32(&bin)
		} else {
			batch.InputIds[rowIdx] = *types.TokensFromBin(&bin)
		}
		offset += rowBytes
	}
	for rowIdx := 0; rowIdx < rows; rowIdx++ {
		mask := make([]int32, cols)
		for col := range mask {
			mask[col] = int32(body[offset+col])
		}
		batch.AttentionMask[rowIdx] = mask
		offset += cols
	}
	for rowIdx := 0; rowIdx < rows; rowIdx++ {
		batch.ClipIdx[rowIdx] = int(int32(
			binary.LittleEndian.Uint32(body[offset:])))
		offset += 4
	}
	vecBytes := int(header.LatentDim) * floatSize
	for vecIdx := range batch.LatentVecs {
		batch.LatentVecs[vecIdx] = types.LatentFromBin(
			body[offset:offset+vecBytes], useHalf)
		offset += vecBytes
	}
	return batch, nil
}

// readBody reads exactly size bytes. The buffer grows as data arrives, so a
// header announcing more than the input holds fails without allocating it.
func readBody(r io.Reader, size uint64) ([]byte, error) {
	var buf bytes.Buffer
	if size <= 64*1024*1024 {
		buf.Grow(int(size))
	}
	n, err := io.Copy(&buf, io.LimitReader(r, int64(size)))
	if err != nil {
		return nil, err
	}
	if uint64(n) < size {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}
