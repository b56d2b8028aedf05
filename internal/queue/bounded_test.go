package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBounded_FIFOOrder(t *testing.T) {
	q := NewBounded[int]("test", 4, time.Second, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Put(ctx, i))
	}
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, 1, <-q.C())
	assert.Equal(t, 2, <-q.C())
	assert.Equal(t, 3, <-q.C())
}

func TestBounded_DropsOldestAfterTimeout(t *testing.T) {
	var dropped []int
	q := NewBounded[int]("eval-0", 2, 10*time.Millisecond, func(v int) {
		dropped = append(dropped, v)
	})
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, 1))
	require.NoError(t, q.Put(ctx, 2))

	start := time.Now()
	require.NoError(t, q.Put(ctx, 3))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "producer should block before dropping")

	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, []int{1}, dropped)
	assert.Equal(t, "eval-0", q.Name())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, <-q.C())
	assert.Equal(t, 3, <-q.C())
}

func TestBounded_BlockedProducerResumesWhenSpaceFrees(t *testing.T) {
	q := NewBounded[int]("test", 1, time.Second, nil)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, 2) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, <-q.C())
	require.NoError(t, <-done)
	assert.Equal(t, 2, <-q.C())
	assert.Zero(t, q.Dropped())
}

func TestBounded_MemoryStaysBoundedUnderStall(t *testing.T) {
	q := NewBounded[int]("stalled", 8, 0, nil)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Put(ctx, i))
	}
	assert.Equal(t, 8, q.Len())
	assert.Equal(t, int64(992), q.Dropped())
}

func TestBounded_CloseDrainsThenEnds(t *testing.T) {
	q := NewBounded[string]("test", 4, time.Second, nil)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, "a"))
	require.NoError(t, q.Put(ctx, "b"))

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Put(ctx, "c"), ErrClosed)

	var got []string
	for v := range q.C() {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestBounded_ContextCancelWhileBlocked(t *testing.T) {
	q := NewBounded[int]("test", 1, time.Minute, nil)
	require.NoError(t, q.Put(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.ErrorIs(t, q.Put(ctx, 2), context.Canceled)
}

func TestBounded_ConcurrentProducers(t *testing.T) {
	q := NewBounded[int]("test", 16, time.Millisecond, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = q.Put(ctx, i)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, q.Len(), 16)
	assert.Equal(t, int64(400), int64(q.Len())+q.Dropped())
}
