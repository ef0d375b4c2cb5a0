package clip_distill

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/clip_distill/types"
	"gorgonia.org/tensor"
)

func newTestStream(t *testing.T, cfg Config, opts ...Option) (*Stream,
	*wordTokenizer, *endlessSource, *endlessSource) {
	pile := &endlessSource{prefix: "p", words: 40}
	clip := &endlessSource{prefix: "c", words: 4, dim: cfg.LatentDim}
	tok := newWordTokenizer()
	opts = append([]Option{WithRand(rand.New(rand.NewSource(1)))}, opts...)
	stream, err := NewStream(cfg, pile, clip, tok, opts...)
	require.NoError(t, err)
	return stream, tok, pile, clip
}

func TestStreamMixingPattern(t *testing.T) {
	cfg := testConfig()
	stream, _, _, _ := newTestStream(t, cfg)
	// Two pile steps, then a macro-step spanning four calls.
	expected := []bool{
		false, false, true, true, true, true,
		false, false, true, true, true, true,
		false,
	}
	for call, useDistill := range expected {
		batch, err := stream.Next()
		require.NoError(t, err)
		assert.Equal(t, useDistill, batch.UseDistill, "call %d", call+1)
		assert.Equal(t, call+1, batch.Step)
	}
}

func TestStreamTenthCallDistills(t *testing.T) {
	cfg := testConfig()
	cfg.MixingRatio = 10
	cfg.Macro = 5
	cfg.Micro = 5
	stream, _, _, _ := newTestStream(t, cfg)
	for call := 1; call <= 30; call++ {
		batch, err := stream.Next()
		require.NoError(t, err)
		assert.Equal(t, call%10 == 0, batch.UseDistill, "call %d", call)
		if batch.UseDistill {
			assert.False(t, batch.IsAccum)
			assert.Equal(t, 0, batch.Start)
			assert.Equal(t, 5, batch.End)
		}
	}
}

func TestStreamMacroSpan(t *testing.T) {
	cfg := testConfig()
	stream, _, _, clip := newTestStream(t, cfg)
	for call := 0; call < 2; call++ {
		_, err := stream.Next()
		require.NoError(t, err)
	}
	spans := [][2]int{{0, 5}, {5, 10}, {10, 15}, {15, 20}}
	for idx, span := range spans {
		batch, err := stream.Next()
		require.NoError(t, err)
		require.True(t, batch.UseDistill)
		assert.Equal(t, span[0], batch.Start)
		assert.Equal(t, span[1], batch.End)
		assert.Equal(t, idx < len(spans)-1, batch.IsAccum)
		assert.Len(t, batch.InputIds, 5)
		assert.Len(t, batch.LatentVecs, cfg.Macro)
		if idx < len(spans)-1 {
			assert.Equal(t, 0, stream.MixStep())
		}
	}
	assert.Equal(t, 1, stream.MixStep())
	assert.Equal(t, Idle, stream.Accumulator().State())
	assert.Equal(t, cfg.Macro, clip.pulled)
}

func TestStreamClipIdx(t *testing.T) {
	cfg := testConfig()
	stream, _, _, _ := newTestStream(t, cfg)
	for call := 0; call < 12; call++ {
		batch, err := stream.Next()
		require.NoError(t, err)
		require.Len(t, batch.ClipIdx, len(batch.AttentionMask))
		for row, mask := range batch.AttentionMask {
			sum := 0
			for _, m := range mask {
				sum += int(m)
			}
			assert.Equal(t, sum-1, batch.ClipIdx[row])
		}
	}
}

func TestStreamCaptionEndsInSpecialToken(t *testing.T) {
	cfg := testConfig()
	cfg.MixingRatio = 1
	stream, _, _, _ := newTestStream(t, cfg)
	batch, err := stream.Next()
	require.NoError(t, err)
	require.True(t, batch.UseDistill)
	for row, ids := range batch.InputIds {
		assert.Equal(t, types.Token(stream.SpecialTokenId()),
			ids[batch.ClipIdx[row]])
	}
}

func TestStreamLongPileDocument(t *testing.T) {
	cfg := testConfig()
	cfg.PileContextLen = 1024
	pile := &sliceSource{examples: []types.Example{
		{Text: strings.Join(words(2000), " ")},
	}}
	clip := &endlessSource{prefix: "c", words: 4, dim: cfg.LatentDim}
	stream, err := NewStream(cfg, pile, clip, newWordTokenizer(),
		WithRand(rand.New(rand.NewSource(9))))
	require.NoError(t, err)

	batch, err := stream.Next()
	require.NoError(t, err)
	require.False(t, batch.UseDistill)
	require.Len(t, batch.InputIds, 1)
	assert.Len(t, batch.InputIds[0], 1024)
	assert.LessOrEqual(t, batch.ClipIdx[0]+1, 1024)
	assert.Equal(t, 1023, batch.ClipIdx[0])
}

func TestStreamShortPilePadded(t *testing.T) {
	cfg := testConfig()
	pile := &sliceSource{examples: []types.Example{
		{Text: "only five words in here"},
	}}
	clip := &endlessSource{prefix: "c", words: 4, dim: cfg.LatentDim}
	tok := newWordTokenizer()
	stream, err := NewStream(cfg, pile, clip, tok)
	require.NoError(t, err)

	batch, err := stream.Next()
	require.NoError(t, err)
	assert.Len(t, batch.InputIds[0], cfg.PileContextLen)
	assert.Equal(t, 4, batch.ClipIdx[0])
	pad, _ := tok.TokenId(cfg.PadToken)
	assert.Equal(t, pad, batch.InputIds[0][cfg.PileContextLen-1])
}

func TestStreamPileZeroLatents(t *testing.T) {
	cfg := testConfig()
	cfg.PileBatchSize = 3
	stream, _, pile, _ := newTestStream(t, cfg)
	batch, err := stream.Next()
	require.NoError(t, err)
	require.False(t, batch.UseDistill)
	assert.Equal(t, 3, pile.pulled)
	assert.Len(t, batch.InputIds, 3)
	require.Len(t, batch.LatentVecs, 3)
	for _, vec := range batch.LatentVecs {
		assert.Equal(t, make(types.LatentVec, cfg.LatentDim), vec)
	}
	assert.False(t, batch.IsAccum)
	assert.Equal(t, 0, batch.Start)
	assert.Equal(t, 0, batch.End)
}

func TestStreamSpecialTokenId(t *testing.T) {
	cfg := testConfig()
	tok := newWordTokenizer()
	tok.AddTokens("hello", "world")
	stream, err := NewStream(cfg, &sliceSource{}, &sliceSource{}, tok)
	require.NoError(t, err)
	// The special token takes the first free id.
	assert.Equal(t, 2, stream.SpecialTokenId())
	id, ok := tok.TokenId(cfg.SpecialToken)
	require.True(t, ok)
	assert.Equal(t, stream.SpecialTokenId(), int(id))
	_, ok = tok.TokenId(cfg.PadToken)
	assert.True(t, ok)
	assert.Equal(t, 4, tok.Len())
}

func TestStreamRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MixingRatio = 0
	_, err := NewStream(cfg, &sliceSource{}, &sliceSource{},
		newWordTokenizer())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStream(testConfig(), nil, &sliceSource{}, newWordTokenizer())
	assert.Error(t, err)
	_, err = NewStream(testConfig(), &sliceSource{}, &sliceSource{}, nil)
	assert.Error(t, err)
}

func TestStreamPileExhausted(t *testing.T) {
	cfg := testConfig()
	stream, err := NewStream(cfg, &sliceSource{},
		&endlessSource{prefix: "c", words: 4, dim: cfg.LatentDim},
		newWordTokenizer())
	require.NoError(t, err)
	_, err = stream.Next()
	assert.ErrorIs(t, err, ErrSourceExhausted)
	assert.Equal(t, 1, stream.MixStep())
}

func TestStreamClipExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MixingRatio = 1
	stream, err := NewStream(cfg,
		&endlessSource{prefix: "p", words: 4}, &sliceSource{},
		newWordTokenizer())
	require.NoError(t, err)
	_, err = stream.Next()
	assert.ErrorIs(t, err, ErrSourceExhausted)
	assert.Equal(t, Idle, stream.Accumulator().State())
}

func TestStreamDevicePlacement(t *testing.T) {
	cfg := testConfig()
	device := &countingDevice{}
	stream, _, _, _ := newTestStream(t, cfg, WithDevice(device))
	for call := 0; call < 3; call++ {
		_, err := stream.Next()
		require.NoError(t, err)
	}
	require.Len(t, device.names, 9)
	for call := 0; call < 3; call++ {
		assert.Equal(t, []string{"input_ids", "attention_mask",
			"latent_vecs"}, device.names[call*3:call*3+3])
	}
}

func TestStreamDeviceFailure(t *testing.T) {
	stream, _, _, _ := newTestStream(t, testConfig(),
		WithDevice(failingDevice{}))
	batch, err := stream.Next()
	assert.Nil(t, batch)
	assert.ErrorIs(t, err, errPlacement)
}

func TestStreamTensors(t *testing.T) {
	cfg := testConfig()
	stream, _, _, _ := newTestStream(t, cfg)
	batch, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, cfg.PileContextLen},
		batch.Tensors.InputIds.Shape())
	assert.Equal(t, tensor.Shape{1, cfg.PileContextLen},
		batch.Tensors.AttentionMask.Shape())
	assert.Equal(t, tensor.Shape{1, cfg.LatentDim},
		batch.Tensors.LatentVecs.Shape())

	for call := 0; call < 2; call++ {
		batch, err = stream.Next()
		require.NoError(t, err)
	}
	require.True(t, batch.UseDistill)
	assert.Equal(t, tensor.Shape{cfg.Micro, cfg.ClipTextLen},
		batch.Tensors.InputIds.Shape())
	assert.Equal(t, tensor.Shape{cfg.Macro, cfg.LatentDim},
		batch.Tensors.LatentVecs.Shape())
	ids := batch.Tensors.InputIds.Data().([]int32)
	assert.Equal(t, int32(batch.InputIds[0][0]), ids[0])
}

func TestStreamLambda(t *testing.T) {
	cfg := testConfig()
	cfg.Lambda = LambdaSchedule{Kind: ScheduleTruncatedSine, Coeff: 2,
		Period: 4}
	stream, _, _, _ := newTestStream(t, cfg)
	expected := []float64{2, 0, 0, 0, 2}
	for call, lambda := range expected {
		batch, err := stream.Next()
		require.NoError(t, err)
		assert.InDelta(t, lambda, batch.Lambda, 1e-9, "step %d", call+1)
	}
}

func TestStreamSeededReproducible(t *testing.T) {
	cfg := testConfig()
	first, _, _, _ := newTestStream(t, cfg)
	second, _, _, _ := newTestStream(t, cfg)
	for call := 0; call < 10; call++ {
		a, errA := first.Next()
		b, errB := second.Next()
		require.NoError(t, errA)
		require.NoError(t, errB)
		assert.Equal(t, a.InputIds, b.InputIds)
		assert.Equal(t, a.ClipIdx, b.ClipIdx)
	}
}
