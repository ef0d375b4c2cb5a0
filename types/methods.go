package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

func (tokens *Tokens) ToBin(useUint32 bool) (*[]byte, error) {
	if useUint32 {
		return tokens.ToBinUint32()
	} else {
		return tokens.ToBinUint16()
	}
}

func (tokens *Tokens) ToBinUint16() (*[]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(*tokens)*2))
	for idx := range *tokens {
		bs := (*tokens)[idx]
		if bs > 65535 {
			return nil, fmt.Errorf("integer overflow: tried to write token ID %d as unsigned 16-bit", bs)
		}
		err := binary.Write(buf, binary.LittleEndian, uint16(bs))
		if err != nil {
			return nil, err
		}
	}
	byt := buf.Bytes()
	return &byt, nil
}

func (tokens *Tokens) ToBinUint32() (*[]byte, error) {
	byt := make([]byte, len(*tokens)*TokenSize)
	for idx, token := range *tokens {
		binary.LittleEndian.PutUint32(byt[idx*TokenSize:], uint32(token))
	}
	return &byt, nil
}

func TokensFromBin(bin *[]byte) *Tokens {
	tokens := make(Tokens, 0, len(*bin)/2)
	buf := bytes.NewReader(*bin)
	for {
		var token uint16
		if err := binary.Read(buf, binary.LittleEndian, &token); err != nil {
			break
		}
		tokens = append(tokens, Token(token))
	}
	return &tokens
}

func TokensFromBin32(bin *[]byte) *Tokens {
	tokens := make(Tokens, 0, len(*bin)/TokenSize)
	for idx := 0; idx+TokenSize <= len(*bin); idx += TokenSize {
		tokens = append(tokens,
			Token(binary.LittleEndian.Uint32((*bin)[idx:])))
	}
	return &tokens
}

// ToBin serializes the vector as little-endian float32, or as IEEE 754
// half precision when useHalf is set.
func (vec LatentVec) ToBin(useHalf bool) []byte {
	if useHalf {
		byt := make([]byte, len(vec)*HalfSize)
		for idx, f := range vec {
			binary.LittleEndian.PutUint16(byt[idx*HalfSize:],
				float16.Fromfloat32(f).Bits())
		}
		return byt
	}
	byt := make([]byte, len(vec)*FloatSize)
	for idx, f := range vec {
		binary.LittleEndian.PutUint32(byt[idx*FloatSize:], math.Float32bits(f))
	}
	return byt
}

// LatentFromBin is the inverse of LatentVec.ToBin.
func LatentFromBin(bin []byte, useHalf bool) LatentVec {
	if useHalf {
		vec := make(LatentVec, len(bin)/HalfSize)
		for idx := range vec {
			vec[idx] = float16.Frombits(
				binary.LittleEndian.Uint16(bin[idx*HalfSize:])).Float32()
		}
		return vec
	}
	vec := make(LatentVec, len(bin)/FloatSize)
	for idx := range vec {
		vec[idx] = math.Float32frombits(
			binary.LittleEndian.Uint32(bin[idx*FloatSize:]))
	}
	return vec
}

// ZeroLatents returns n zeroed vectors of dimension dim.
func ZeroLatents(n, dim int) []LatentVec {
	backing := make([]float32, n*dim)
	latents := make([]LatentVec, n)
	for idx := range latents {
		latents[idx] = backing[idx*dim : (idx+1)*dim : (idx+1)*dim]
	}
	return latents
}

// Rows returns the number of encoded texts.
func (enc *Encoding) Rows() int {
	return len(enc.InputIds)
}

// Cols returns the padded row length, or 0 for an empty encoding.
func (enc *Encoding) Cols() int {
	if len(enc.InputIds) == 0 {
		return 0
	}
	return len(enc.InputIds[0])
}

// MaskSums returns the number of non-padding positions in every row.
func (enc *Encoding) MaskSums() []int {
	sums := make([]int, len(enc.AttentionMask))
	for rowIdx, row := range enc.AttentionMask {
		for _, m := range row {
			sums[rowIdx] += int(m)
		}
	}
	return sums
}
