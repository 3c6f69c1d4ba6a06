package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupertnash/adios2/errors"
)

func TestFIFOOrder(t *testing.T) {
	q, err := New[int](4, DropNewest)
	require.NoError(t, err)
	defer q.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Write(i))
	}
	for i := 1; i <= 3; i++ {
		v, ok := q.TryRead()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryRead()
	assert.False(t, ok)
}

func TestDropOldest(t *testing.T) {
	q, err := New[int](2, DropOldest)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Write(1))
	require.NoError(t, q.Write(2))
	require.NoError(t, q.Write(3))

	v, ok := q.TryRead()
	require.True(t, ok)
	assert.Equal(t, 2, v, "oldest item dropped on overflow")
	assert.Equal(t, int64(1), q.Stats().Drops.Load())
}

func TestDropNewest(t *testing.T) {
	q, err := New[int](2, DropNewest)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Write(1))
	require.NoError(t, q.Write(2))
	require.NoError(t, q.Write(3))

	v, _ := q.TryRead()
	assert.Equal(t, 1, v, "newest item dropped on overflow")
	assert.Equal(t, 1, q.Len())
}

func TestBlockPolicyUnblocksOnRead(t *testing.T) {
	q, err := New[int](1, Block)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Write(1))

	done := make(chan error, 1)
	go func() { done <- q.Write(2) }()

	select {
	case <-done:
		t.Fatal("write must block while full")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := q.TryRead()
	require.True(t, ok)
	require.NoError(t, <-done)
}

func TestReadWaitTimeout(t *testing.T) {
	q, err := New[int](1, Block)
	require.NoError(t, err)
	defer q.Close()

	start := time.Now()
	_, ok := q.ReadWait(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Equal(t, int64(1), q.Stats().Timeout.Load())
}

func TestReadWaitDeliversConcurrentWrite(t *testing.T) {
	q, err := New[string](1, Block)
	require.NoError(t, err)
	defer q.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Write("step")
	}()

	v, ok := q.ReadWait(time.Second)
	require.True(t, ok)
	assert.Equal(t, "step", v)
}

func TestCloseWakesWaiters(t *testing.T) {
	q, err := New[int](1, Block)
	require.NoError(t, err)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.ReadWait(-1)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	assert.False(t, <-done)

	assert.True(t, errors.Is(q.Write(1), errors.ErrInvalidState))
}

func TestDrainAfterClose(t *testing.T) {
	q, err := New[int](4, DropNewest)
	require.NoError(t, err)
	require.NoError(t, q.Write(7))
	q.Close()

	v, ok := q.TryRead()
	require.True(t, ok, "queued items remain readable after close")
	assert.Equal(t, 7, v)
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q, err := New[int](16, Block)
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	received := make(chan int, n)

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				require.NoError(t, q.Write(base+i))
			}
		}(w * 1000)
	}

	var rg sync.WaitGroup
	for r := 0; r < 2; r++ {
		rg.Add(1)
		go func() {
			defer rg.Done()
			for {
				v, ok := q.ReadWait(-1)
				if !ok {
					return
				}
				received <- v
			}
		}()
	}

	wg.Wait()
	for q.Len() > 0 {
		time.Sleep(time.Millisecond)
	}
	q.Close()
	rg.Wait()
	close(received)

	count := 0
	for range received {
		count++
	}
	assert.Equal(t, n, count)
}

func TestInvalidCapacity(t *testing.T) {
	_, err := New[int](0, Block)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}
