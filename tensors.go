package clip_distill

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Tensors
// Dense views of a batch: int32 input_ids and attention_mask of shape
// (rows, cols) and float32 latent_vecs of shape (latents, dim).
type Tensors struct {
	InputIds      tensor.Tensor
	AttentionMask tensor.Tensor
	LatentVecs    tensor.Tensor
}

func buildTensors(batch *Batch, dim int) (Tensors, error) {
	rows := len(batch.InputIds)
	if rows == 0 {
		return Tensors{}, fmt.Errorf("clip_distill: empty encoding")
	}
	cols := len(batch.InputIds[0])
	ids := make([]int32, 0, rows*cols)
	mask := make([]int32, 0, rows*cols)
	for rowIdx := range batch.InputIds {
		if len(batch.InputIds[rowIdx]) != cols ||
			len(batch.AttentionMask[rowIdx]) != cols {
			return Tensors{}, fmt.Errorf(
				"clip_distill: ragged encoding, row %d has %d tokens, "+
					"want %d", rowIdx, len(batch.InputIds[rowIdx]), cols)
		}
		for _, token := range batch.InputIds[rowIdx] {
			ids = append(ids, int32(token))
		}
		mask = append(mask, batch.AttentionMask[rowIdx]...)
	}
	latents := make([]float32, 0, len(batch.LatentVecs)*dim)
	for _, vec := range batch.LatentVecs {
		latents = append(latents, vec...)
	}
	return Tensors{
		InputIds: tensor.New(tensor.WithShape(rows, cols),
			tensor.WithBacking(ids)),
		AttentionMask: tensor.New(tensor.WithShape(rows, cols),
			tensor.WithBacking(mask)),
		LatentVecs: tensor.New(tensor.WithShape(len(batch.LatentVecs), dim),
			tensor.WithBacking(latents)),
	}, nil
}

func (ts Tensors) place(device Device) (Tensors, error) {
	var placed Tensors
	var err error
	if placed.InputIds, err = device.Place("input_ids",
		ts.InputIds); err != nil {
		return Tensors{}, err
	}
	if placed.AttentionMask, err = device.Place("attention_mask",
		ts.AttentionMask); err != nil {
		return Tensors{}, err
	}
	if placed.LatentVecs, err = device.Place("latent_vecs",
		ts.LatentVecs); err != nil {
		return Tensors{}, err
	}
	return placed, nil
}
