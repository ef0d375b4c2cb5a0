package clip_distill

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wbrown/clip_distill/types"
)

var ErrLatentDim = errors.New("clip_distill: latent vector has the wrong dimension")

type AccumState uint8

const (
	// Idle means no macro-batch is buffered.
	Idle AccumState = iota
	// Draining means a macro-batch is buffered and slices remain.
	Draining
)

func (state AccumState) String() string {
	switch state {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("AccumState(%d)", uint8(state))
	}
}

// Slice
// One micro-slice of a macro-batch. Latents holds the latents of the whole
// macro-batch, not only those of [Start, End), so the contrastive loss can
// draw negatives from the full macro-batch. IsAccum is set on every slice
// but the last.
type Slice struct {
	Encoding *types.Encoding
	Latents  []types.LatentVec
	Start    int
	End      int
	IsAccum  bool
}

// Accumulator
// Pulls Macro contrastive examples at a time from a source and hands them
// out again as slices of Micro examples.
type Accumulator struct {
	macro        int
	micro        int
	textLen      int
	latentDim    int
	specialToken string
	source       Source
	tokenizer    Tokenizer
	truncator    *Truncator

	state   AccumState
	cursor  int
	texts   []string
	latents []types.LatentVec
}

// NewAccumulator
// Creates an Idle accumulator. cfg is assumed valid.
func NewAccumulator(cfg Config, source Source, tokenizer Tokenizer,
	truncator *Truncator) *Accumulator {
	if truncator == nil {
		truncator = NewTruncator(nil)
	}
	return &Accumulator{
		macro:        cfg.Macro,
		micro:        cfg.Micro,
		textLen:      cfg.ClipTextLen,
		latentDim:    cfg.LatentDim,
		specialToken: cfg.SpecialToken,
		source:       source,
		tokenizer:    tokenizer,
		truncator:    truncator,
		state:        Idle,
	}
}

func (acc *Accumulator) State() AccumState {
	return acc.state
}

// Cursor returns the index of the next slice within the macro-batch.
func (acc *Accumulator) Cursor() int {
	return acc.cursor
}

// Next
// Returns the next slice, first pulling a fresh macro-batch when Idle.
// Exactly ceil(Macro/Micro) slices are emitted per macro-batch.
func (acc *Accumulator) Next() (*Slice, error) {
	if acc.state == Idle {
		if err := acc.fill(); err != nil {
			return nil, err
		}
	}
	return acc.drain()
}

// fill pulls a full macro-batch. On any failure the accumulator stays Idle
// and nothing pulled so far is kept.
func (acc *Accumulator) fill() error {
	texts := make([]string, 0, acc.macro)
	latents := types.ZeroLatents(acc.macro, acc.latentDim)
	for idx := 0; idx < acc.macro; idx++ {
		example, err := acc.source.Next()
		if err != nil {
			return err
		}
		if len(example.Latent) != acc.latentDim {
			return fmt.Errorf("%w: example %d has %d, want %d",
				ErrLatentDim, idx, len(example.Latent), acc.latentDim)
		}
		text := example.Text
		if words := strings.Fields(text); len(words) > acc.textLen {
			clipped, clipErr := acc.truncator.Clip(words, acc.textLen)
			if clipErr != nil {
				return clipErr
			}
			text = strings.Join(clipped, " ")
		}
		texts = append(texts, text+acc.specialToken)
		copy(latents[idx], example.Latent)
	}
	acc.texts = texts
	acc.latents = latents
	acc.cursor = 0
	acc.state = Draining
	return nil
}

func (acc *Accumulator) drain() (*Slice, error) {
	start := acc.cursor * acc.micro
	end := start + acc.micro
	if end > acc.macro {
		end = acc.macro
	}
	enc, err := acc.tokenizer.EncodeBatch(acc.texts[start:end], acc.textLen,
		true, types.PadMaxLength)
	if err != nil {
		return nil, err
	}
	slice := &Slice{
		Encoding: enc,
		Latents:  acc.latents,
		Start:    start,
		End:      end,
	}
	if end == acc.macro {
		acc.state = Idle
		acc.cursor = 0
		acc.texts = nil
		acc.latents = nil
	} else {
		acc.cursor++
		slice.IsAccum = true
	}
	return slice, nil
}
