package ringbuffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveCommitPeekRelease(t *testing.T) {
	r := New[int](2, 64)

	buf, slot, ok := r.Reserve()
	require.True(t, ok)
	copy(buf, []byte("hello"))
	r.Commit(slot, 5, 42)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := r.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(lease.Data))
	assert.Equal(t, 42, lease.Meta)

	lease.Release()
	_, _, ok = r.Reserve()
	assert.True(t, ok)
}

func TestReserveDropsWhenFull(t *testing.T) {
	r := New[int](1, 16)

	_, slot, ok := r.Reserve()
	require.True(t, ok)
	r.Commit(slot, 4, 1)

	_, _, ok = r.Reserve()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), r.Dropped())
}

func TestPeekRespectsContextCancellation(t *testing.T) {
	r := New[int](1, 16)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Peek(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFIFOOrdering(t *testing.T) {
	r := New[int](4, 16)

	for i := 0; i < 4; i++ {
		buf, slot, ok := r.Reserve()
		require.True(t, ok)
		buf[0] = byte(i)
		r.Commit(slot, 1, i)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		lease, err := r.Peek(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, lease.Meta)
		lease.Release()
	}
}
