package reader

import (
	"encoding/json"
	"fmt"

	"github.com/wbrown/clip_distill/types"
)

// RecordReader is anything that yields records one at a time, such as a
// Reader.
type RecordReader interface {
	Next() (Record, error)
}

// TextSource
// Adapts a RecordReader into a source of plain text examples, discarding
// record metadata.
type TextSource struct {
	Records RecordReader
}

func (src *TextSource) Next() (types.Example, error) {
	record, err := src.Records.Next()
	if err != nil {
		return types.Example{}, err
	}
	return types.Example{Text: record.Text}, nil
}

// LatentSource
// Adapts a RecordReader whose metadata holds an image latent into a source
// of (text, latent) examples. The metadata is either a bare JSON array of
// numbers or an object with a `latent` array.
type LatentSource struct {
	Records RecordReader
	Dim     int
}

func (src *LatentSource) Next() (types.Example, error) {
	record, err := src.Records.Next()
	if err != nil {
		return types.Example{}, err
	}
	latent, err := ParseLatent(record.Meta, src.Dim)
	if err != nil {
		return types.Example{}, err
	}
	return types.Example{Text: record.Text, Latent: latent}, nil
}

// ParseLatent
// Decodes a latent vector from record metadata, checking its dimension
// when dim is positive.
func ParseLatent(meta json.RawMessage, dim int) (types.LatentVec, error) {
	if len(meta) == 0 {
		return nil, fmt.Errorf("%w: record has no latent", ErrBadRecord)
	}
	var latent types.LatentVec
	if err := json.Unmarshal(meta, &latent); err != nil {
		var wrapped struct {
			Latent types.LatentVec `json:"latent"`
		}
		if objErr := json.Unmarshal(meta, &wrapped); objErr != nil ||
			wrapped.Latent == nil {
			return nil, fmt.Errorf("%w: latent: %v", ErrBadRecord, err)
		}
		latent = wrapped.Latent
	}
	if dim > 0 && len(latent) != dim {
		return nil, fmt.Errorf("%w: latent has %d dimensions, want %d",
			ErrBadRecord, len(latent), dim)
	}
	return latent, nil
}
