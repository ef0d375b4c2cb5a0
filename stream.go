// Package clip_distill interleaves a general text corpus with an image
// caption corpus for contrastive distillation training. A Stream decides
// which corpus each step draws from, accumulates contrastive macro-batches
// across micro-steps, truncates over-length text into fixed budgets and
// derives the positional metadata the loss needs.
package clip_distill

import (
	"errors"
	"math/rand"
	"strings"

	"github.com/wbrown/clip_distill/reader"
	"github.com/wbrown/clip_distill/types"
	"gorgonia.org/tensor"
)

// ErrSourceExhausted is what sources return once depleted.
var ErrSourceExhausted = reader.ErrExhausted

// Source yields one raw example per call.
type Source interface {
	Next() (types.Example, error)
}

// Tokenizer encodes a batch of texts.
type Tokenizer interface {
	EncodeBatch(texts []string, maxLength int, truncation bool,
		padding types.Padding) (*types.Encoding, error)
}

// Vocabulary is implemented by tokenizers that accept new tokens. A Stream
// registers its special and pad tokens through it.
type Vocabulary interface {
	Len() int
	AddTokens(tokens ...string) int
	SetPadToken(token string) error
	TokenId(text string) (types.Token, bool)
}

// Device places a tensor on a compute unit.
type Device interface {
	Place(name string, t tensor.Tensor) (tensor.Tensor, error)
}

// Batch
// One training step's worth of data. Start and End are only meaningful
// when UseDistill is set. Pile steps carry all-zero LatentVecs, one per
// example, as placeholders so every batch has the same shape of fields.
type Batch struct {
	InputIds      []types.Tokens
	AttentionMask [][]int32
	LatentVecs    []types.LatentVec
	// Index of the last non-padding token of every row.
	ClipIdx    []int
	UseDistill bool
	IsAccum    bool
	Start      int
	End        int
	Step       int
	Lambda     float64
	Tensors    Tensors
}

type Option func(*Stream)

// WithDevice routes every batch's tensors through device.
func WithDevice(device Device) Option {
	return func(s *Stream) {
		s.device = device
	}
}

// WithRand sets the random source used for truncation offsets.
func WithRand(rng *rand.Rand) Option {
	return func(s *Stream) {
		s.rng = rng
	}
}

// Stream
// Produces batches alternating between MixingRatio-1 pile steps and one
// CLIP macro-step. A CLIP macro-step spans ceil(Macro/Micro) calls. A
// Stream is not safe for concurrent use.
type Stream struct {
	cfg            Config
	pile           Source
	tokenizer      Tokenizer
	device         Device
	rng            *rand.Rand
	truncator      *Truncator
	accumulator    *Accumulator
	specialTokenId int
	mixStep        int
	step           int
}

// NewStream
// Validates cfg and wires a stream over the pile and CLIP sources. When
// the tokenizer is a Vocabulary, the special token is added to it and the
// pad token registered.
func NewStream(cfg Config, pile, clip Source, tokenizer Tokenizer,
	opts ...Option) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pile == nil || clip == nil {
		return nil, errors.New("clip_distill: nil source")
	}
	if tokenizer == nil {
		return nil, errors.New("clip_distill: nil tokenizer")
	}
	s := &Stream{
		cfg:            cfg,
		pile:           pile,
		tokenizer:      tokenizer,
		specialTokenId: -1,
		mixStep:        1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if vocab, ok := tokenizer.(Vocabulary); ok {
		vocab.AddTokens(cfg.SpecialToken)
		if err := vocab.SetPadToken(cfg.PadToken); err != nil {
			return nil, err
		}
		if id, found := vocab.TokenId(cfg.SpecialToken); found {
			s.specialTokenId = int(id)
		}
	}
	s.truncator = NewTruncator(s.rng)
	s.accumulator = NewAccumulator(cfg, clip, tokenizer, s.truncator)
	return s, nil
}

func (s *Stream) Config() Config {
	return s.cfg
}

// Len is the number of steps the training loop should draw.
func (s *Stream) Len() int {
	return s.cfg.Steps
}

// SpecialTokenId returns the vocabulary id of the special token, or -1
// when the tokenizer does not expose its vocabulary.
func (s *Stream) SpecialTokenId() int {
	return s.specialTokenId
}

// MixStep returns the number of steps since the last CLIP dispatch.
func (s *Stream) MixStep() int {
	return s.mixStep
}

func (s *Stream) Accumulator() *Accumulator {
	return s.accumulator
}

// Next
// Produces the next batch. Any failure aborts the call and is returned
// unmodified; no partial batch is returned.
func (s *Stream) Next() (*Batch, error) {
	useClip := s.mixStep%s.cfg.MixingRatio == 0
	if useClip {
		s.mixStep = 0
	}
	batch := &Batch{UseDistill: useClip}
	var enc *types.Encoding
	if useClip {
		slice, err := s.accumulator.Next()
		if err != nil {
			return nil, err
		}
		// The ratio counts macro-batches, not micro-slices.
		if !slice.IsAccum {
			s.mixStep++
		}
		enc = slice.Encoding
		batch.LatentVecs = slice.Latents
		batch.IsAccum = slice.IsAccum
		batch.Start = slice.Start
		batch.End = slice.End
	} else {
		pileEnc, err := s.pileStep()
		if err != nil {
			return nil, err
		}
		s.mixStep++
		enc = pileEnc
		batch.LatentVecs = types.ZeroLatents(enc.Rows(), s.cfg.LatentDim)
	}
	batch.InputIds = enc.InputIds
	batch.AttentionMask = enc.AttentionMask

	tensors, err := buildTensors(batch, s.cfg.LatentDim)
	if err != nil {
		return nil, err
	}
	if s.device != nil {
		if tensors, err = tensors.place(s.device); err != nil {
			return nil, err
		}
	}
	batch.Tensors = tensors

	sums := enc.MaskSums()
	batch.ClipIdx = make([]int, len(sums))
	for idx := range sums {
		batch.ClipIdx[idx] = sums[idx] - 1
	}

	s.step++
	batch.Step = s.step
	batch.Lambda = s.cfg.Lambda.At(s.step)
	return batch, nil
}

func (s *Stream) pileStep() (*types.Encoding, error) {
	texts := make([]string, 0, s.cfg.PileBatchSize)
	for idx := 0; idx < s.cfg.PileBatchSize; idx++ {
		example, err := s.pile.Next()
		if err != nil {
			return nil, err
		}
		text := example.Text
		if words := strings.Fields(text); len(words) > s.cfg.PileContextLen {
			text = strings.Join(
				s.truncator.Pile(words, s.cfg.PileContextLen), " ")
		}
		texts = append(texts, text)
	}
	return s.tokenizer.EncodeBatch(texts, s.cfg.PileContextLen, true,
		types.PadMaxLength)
}
