package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	_, err := New[int](0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = New[int](-1)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOfferAndPollFIFO(t *testing.T) {
	q, err := New[int](4)
	require.NoError(t, err)

	require.True(t, q.Offer(1))
	require.True(t, q.Offer(2))
	require.True(t, q.Offer(3))
	require.Equal(t, 3, q.Len())

	v, ok := q.Poll()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = q.Poll()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestOfferFailsWhenFull(t *testing.T) {
	q, err := New[int](2)
	require.NoError(t, err)
	require.True(t, q.Offer(1))
	require.True(t, q.Offer(2))
	require.False(t, q.Offer(3))
}

func TestPollEmptyReturnsFalse(t *testing.T) {
	q, err := New[int](1)
	require.NoError(t, err)
	_, ok := q.Poll()
	require.False(t, ok)
}

func TestPutBlocksUntilRoomAvailable(t *testing.T) {
	q, err := New[int](1)
	require.NoError(t, err)
	require.NoError(t, q.Put(context.Background(), 1))

	putDone := make(chan error, 1)
	go func() {
		putDone <- q.Put(context.Background(), 2)
	}()

	select {
	case <-putDone:
		t.Fatal("Put returned before room was made")
	case <-time.After(20 * time.Millisecond):
	}

	v, ok := q.Poll()
	require.True(t, ok)
	require.Equal(t, 1, v)

	select {
	case err := <-putDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Put never unblocked after Poll freed capacity")
	}

	v, ok = q.Poll()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestTakeBlocksUntilElementAvailable(t *testing.T) {
	q, err := New[int](2)
	require.NoError(t, err)

	takeDone := make(chan int, 1)
	go func() {
		v, err := q.Take(context.Background())
		require.NoError(t, err)
		takeDone <- v
	}()

	select {
	case <-takeDone:
		t.Fatal("Take returned before a Put happened")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Put(context.Background(), 99))

	select {
	case v := <-takeDone:
		require.Equal(t, 99, v)
	case <-time.After(time.Second):
		t.Fatal("Take never unblocked after Put")
	}
}

func TestPutRespectsContextCancellation(t *testing.T) {
	q, err := New[int](1)
	require.NoError(t, err)
	require.NoError(t, q.Put(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = q.Put(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTakeRespectsContextCancellation(t *testing.T) {
	q, err := New[int](1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Take(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Take did not observe cancellation")
	}
}

func TestClearRemovesAllElements(t *testing.T) {
	q, err := New[int](2)
	require.NoError(t, err)
	require.True(t, q.Offer(1))
	require.True(t, q.Offer(2))

	n := q.Clear()
	require.Equal(t, 2, n)
	require.Equal(t, 0, q.Len())
}

func TestDrainToRespectsMax(t *testing.T) {
	q, err := New[int](8)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.True(t, q.Offer(i))
	}

	out := q.DrainTo(3)
	require.Equal(t, []int{0, 1, 2}, out)
	require.Equal(t, 2, q.Len())

	rest := q.DrainTo(0)
	require.Equal(t, []int{3, 4}, rest)
	require.Equal(t, 0, q.Len())
}

func TestPeekDoesNotRemove(t *testing.T) {
	q, err := New[int](4)
	require.NoError(t, err)
	_, ok := q.Peek()
	require.False(t, ok)

	require.True(t, q.Offer(1))
	require.True(t, q.Offer(2))

	v, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 2, q.Len())

	v, ok = q.Poll()
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestRemainingCapacityTracksLen(t *testing.T) {
	q, err := New[int](3)
	require.NoError(t, err)
	require.Equal(t, 3, q.RemainingCapacity())
	require.True(t, q.Offer(1))
	require.Equal(t, 2, q.RemainingCapacity())
	require.True(t, q.Offer(2))
	require.True(t, q.Offer(3))
	require.Equal(t, 0, q.RemainingCapacity())
	_, _ = q.Poll()
	require.Equal(t, 1, q.RemainingCapacity())
}

func TestRemoveSplicesInteriorElementAndFreesCapacity(t *testing.T) {
	q, err := New[int](3)
	require.NoError(t, err)
	require.True(t, q.Offer(1))
	require.True(t, q.Offer(2))
	require.True(t, q.Offer(3))

	require.False(t, q.Remove(99, func(a, b int) bool { return a == b }))
	require.True(t, q.Remove(2, func(a, b int) bool { return a == b }))
	require.Equal(t, 2, q.Len())

	var out []int
	for v := range q.All() {
		out = append(out, v)
	}
	require.Equal(t, []int{1, 3}, out)

	require.True(t, q.Offer(4))
	out = nil
	for v := range q.All() {
		out = append(out, v)
	}
	require.Equal(t, []int{1, 3, 4}, out)
}

func TestRemoveLastElementUpdatesTail(t *testing.T) {
	q, err := New[int](3)
	require.NoError(t, err)
	require.True(t, q.Offer(1))
	require.True(t, q.Offer(2))

	require.True(t, q.Remove(2, func(a, b int) bool { return a == b }))
	require.True(t, q.Offer(3))

	var out []int
	for v := range q.All() {
		out = append(out, v)
	}
	require.Equal(t, []int{1, 3}, out)
}

func TestDrainToCrossingFullBoundaryDoesNotDeadlockWithClear(t *testing.T) {
	for i := 0; i < 200; i++ {
		q, err := New[int](2)
		require.NoError(t, err)
		require.True(t, q.Offer(1))
		require.True(t, q.Offer(2))

		done := make(chan struct{}, 2)
		go func() {
			q.DrainTo(0)
			done <- struct{}{}
		}()
		go func() {
			q.Clear()
			done <- struct{}{}
		}()

		for j := 0; j < 2; j++ {
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("DrainTo/Clear deadlocked")
			}
		}
	}
}

func TestContainsAndAll(t *testing.T) {
	q, err := New[string](4)
	require.NoError(t, err)
	require.True(t, q.Offer("a"))
	require.True(t, q.Offer("b"))
	require.True(t, q.Offer("c"))

	eq := func(a, b string) bool { return a == b }
	require.True(t, q.Contains("b", eq))
	require.False(t, q.Contains("z", eq))

	var seen []string
	for v := range q.All() {
		seen = append(seen, v)
	}
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestAllStopsEarlyWhenYieldReturnsFalse(t *testing.T) {
	q, err := New[int](4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.True(t, q.Offer(i))
	}

	var seen []int
	q.All()(func(v int) bool {
		seen = append(seen, v)
		return v < 1
	})
	require.Equal(t, []int{0, 1}, seen)
}

func TestCascadingSignalsDrainSmallCapacityUnderManyProducersConsumers(t *testing.T) {
	q, err := New[int](3)
	require.NoError(t, err)

	const producers, perProducer, consumers = 5, 3, 5
	total := producers * perProducer

	var produceWg sync.WaitGroup
	for p := 0; p < producers; p++ {
		produceWg.Add(1)
		go func(base int) {
			defer produceWg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, q.Put(context.Background(), base*perProducer+i))
			}
		}(p)
	}

	results := make(chan int, total)
	var consumeWg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		consumeWg.Add(1)
		go func() {
			defer consumeWg.Done()
			for i := 0; i < perProducer; i++ {
				v, err := q.Take(context.Background())
				require.NoError(t, err)
				results <- v
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		produceWg.Wait()
		consumeWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producers/consumers did not drain within bounded time (O(N) signal cascade expected, not O(N^2))")
	}
	close(results)

	seen := make(map[int]bool, total)
	for v := range results {
		require.False(t, seen[v], "duplicate value: %d", v)
		seen[v] = true
	}
	require.Equal(t, total, len(seen))
	require.Equal(t, 0, q.Len())
	require.Equal(t, 3, q.RemainingCapacity())
}

func TestConcurrentProducersConsumersPreserveCount(t *testing.T) {
	q, err := New[int](16)
	require.NoError(t, err)

	const producers, perProducer = 8, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, q.Put(context.Background(), base*perProducer+i))
			}
		}(p)
	}

	total := producers * perProducer
	results := make(chan int, total)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var consumeWg sync.WaitGroup
	for c := 0; c < 4; c++ {
		consumeWg.Add(1)
		go func() {
			defer consumeWg.Done()
			for {
				v, err := q.Take(ctx)
				if err != nil {
					return
				}
				results <- v
			}
		}()
	}

	wg.Wait()

	seen := make(map[int]bool, total)
	for len(seen) < total {
		v := <-results
		require.False(t, seen[v], "duplicate value observed: %d", v)
		seen[v] = true
	}
	require.Equal(t, total, len(seen))
	cancel()
	consumeWg.Wait()
}
