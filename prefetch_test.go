package clip_distill

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingIterator struct {
	calls  atomic.Int64
	failAt int64
	err    error
}

func (ci *countingIterator) Next() (*Batch, error) {
	call := ci.calls.Add(1)
	if ci.failAt > 0 && call >= ci.failAt {
		return nil, ci.err
	}
	return &Batch{Step: int(call)}, nil
}

func TestPrefetchOrderAndSteps(t *testing.T) {
	it := &countingIterator{}
	p := Prefetch(context.Background(), it, 4, 10)
	defer p.Close()
	for step := 1; step <= 10; step++ {
		batch, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, step, batch.Step)
	}
	_, err := p.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int64(10), it.calls.Load())
}

func TestPrefetchStickyError(t *testing.T) {
	failure := errors.New("source broke")
	it := &countingIterator{failAt: 3, err: failure}
	p := Prefetch(context.Background(), it, 2, 0)
	defer p.Close()
	for step := 1; step <= 2; step++ {
		_, err := p.Next()
		require.NoError(t, err)
	}
	_, err := p.Next()
	assert.Equal(t, failure, err)
	_, err = p.Next()
	assert.Equal(t, failure, err)
	assert.Equal(t, int64(3), it.calls.Load())
}

func TestPrefetchCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Prefetch(ctx, &countingIterator{}, 1, 0)
	_, err := p.Next()
	require.NoError(t, err)
	cancel()
	_, err = p.Next()
	assert.ErrorIs(t, err, context.Canceled)
	p.Close()
}

func TestPrefetchStream(t *testing.T) {
	cfg := testConfig()
	direct, _, _, _ := newTestStream(t, cfg)
	wrapped, _, _, _ := newTestStream(t, cfg)
	p := Prefetch(context.Background(), wrapped, 3, 12)
	defer p.Close()
	for call := 0; call < 12; call++ {
		expected, err := direct.Next()
		require.NoError(t, err)
		batch, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, expected.UseDistill, batch.UseDistill)
		assert.Equal(t, expected.InputIds, batch.InputIds)
		assert.Equal(t, expected.Step, batch.Step)
	}
}
