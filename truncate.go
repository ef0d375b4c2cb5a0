package clip_distill

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var ErrTruncationRange = errors.New("clip_distill: truncation range out of bounds")

// Truncator
// Picks randomized contiguous windows of whitespace split words. The random
// source is injected so that offsets are reproducible under a fixed seed.
type Truncator struct {
	rng *rand.Rand
}

// NewTruncator returns a Truncator drawing offsets from rng, or from a
// time seeded source when rng is nil.
func NewTruncator(rng *rand.Rand) *Truncator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Truncator{rng: rng}
}

// Clip
// Fits a caption into length words, leaving room for a trailing special
// token. Sequences that already fit are returned unchanged. Otherwise a
// start is drawn uniformly from [0, len(ts)-(length+1)] and the window ends
// at min(start+length-1, len(ts)-start). That end falls at or before start
// when start lies past the middle of ts; the window is then taken as the
// length-1 words from start instead, so it is never empty.
func (t *Truncator) Clip(ts []string, length int) ([]string, error) {
	if length < 1 {
		return nil, fmt.Errorf("%w: length %d", ErrTruncationRange, length)
	}
	if len(ts) <= length {
		return ts, nil
	}
	// Plus one so that we can have our special token.
	upper := len(ts) - (length + 1)
	if upper < 0 {
		return nil, fmt.Errorf("%w: %d words, length %d",
			ErrTruncationRange, len(ts), length)
	}
	start := t.rng.Intn(upper + 1)
	end := start + length - 1
	if rest := len(ts) - start; rest < end {
		end = rest
	}
	if end <= start {
		span := length - 1
		if span < 1 {
			span = 1
		}
		end = start + span
	}
	return ts[start:end], nil
}

// Pile
// Fits a document into length words. Sequences that already fit are
// returned unchanged. Otherwise a start is drawn uniformly from
// [0, len(ts)-length] and everything from start to the end of ts is kept;
// the tokenizer's own truncation bounds the final length.
func (t *Truncator) Pile(ts []string, length int) []string {
	if length < 1 || len(ts) <= length {
		return ts
	}
	start := t.rng.Intn(len(ts) - length + 1)
	return ts[start:]
}
