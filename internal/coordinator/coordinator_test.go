package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(name string) Options {
	return Options{
		Name:       name,
		Retries:    3,
		RetryDelay: 10 * time.Millisecond,
	}
}

func TestRetryThenSuccess(t *testing.T) {
	var calls int32
	var timestamps []time.Time

	coord := New(testOptions("retry"), func(context.Context) (int, error) {
		timestamps = append(timestamps, time.Now())
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return 0, fmt.Errorf("transient failure %d", n)
		}
		return 42, nil
	})

	data, err := coord.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, data)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.NoError(t, coord.LastError())
	assert.False(t, coord.LastSuccess().IsZero())

	require.Len(t, timestamps, 3)
	for i := 1; i < len(timestamps); i++ {
		assert.GreaterOrEqual(t, timestamps[i].Sub(timestamps[i-1]), 10*time.Millisecond,
			"attempts must be separated by the retry delay")
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls int32
	boom := errors.New("boom")

	coord := New(testOptions("failing"), func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, boom
	})

	_, err := coord.Update(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Error(t, coord.LastError())
}

func TestCancellationNotRetried(t *testing.T) {
	var calls int32
	ctx, cancel := context.WithCancel(context.Background())

	coord := New(testOptions("cancelled"), func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return 0, ctx.Err()
	})

	_, err := coord.Update(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "cancellation must not be retried")
}

func TestConcurrentRefreshDedup(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	coord := New(testOptions("dedup"), func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return 7, nil
	})

	var wg sync.WaitGroup
	results := make([]int, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = coord.Update(context.Background())
	}()

	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = coord.Update(context.Background())
	}()

	// Give the second caller time to join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "concurrent refreshes must share one fetch")
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 7, results[i])
	}
}

func TestListenersNotifiedOnSuccess(t *testing.T) {
	var notified int32
	coord := New(testOptions("listeners"), func(context.Context) (int, error) {
		return 1, nil
	})

	remove := coord.AddListener(func() { atomic.AddInt32(&notified, 1) })

	_, err := coord.Update(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&notified))

	remove()
	_, err = coord.Update(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&notified), "removed listener must not fire")
}

func TestListenersNotNotifiedOnFailure(t *testing.T) {
	var notified int32
	coord := New(Options{Name: "fail", Retries: 1, RetryDelay: time.Millisecond}, func(context.Context) (int, error) {
		return 0, errors.New("nope")
	})
	coord.AddListener(func() { atomic.AddInt32(&notified, 1) })

	_, err := coord.Update(context.Background())
	require.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&notified))
}

func TestRefreshAllFailFast(t *testing.T) {
	okFeed := NewPoller(testOptions("ok"), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	badFeed := NewPoller(Options{Name: "bad", Retries: 1, RetryDelay: time.Millisecond}, func(context.Context) error {
		return errors.New("initial load failed")
	})

	start := time.Now()
	err := RefreshAll(context.Background(), okFeed, badFeed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Less(t, time.Since(start), 2*time.Second, "failure must cancel the slow sibling")
}

func TestRunDisabledWithoutInterval(t *testing.T) {
	coord := NewPoller(testOptions("disabled"), func(context.Context) error { return nil })

	done := make(chan struct{})
	go func() {
		coord.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must return immediately when no interval is set")
	}
}

func TestRunPeriodicRefresh(t *testing.T) {
	var calls int32
	coord := NewPoller(Options{
		Name:       "periodic",
		Interval:   15 * time.Millisecond,
		Retries:    1,
		RetryDelay: time.Millisecond,
	}, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
