// Package coordinator implements the polling pattern shared by every
// data feed: fixed-interval scheduling around one fetch operation,
// bounded retry with a fixed pause, dedup of concurrent refreshes,
// and listener fan-out on success.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRetries    = 3
	DefaultRetryDelay = 2 * time.Second
)

// Options configures a coordinator.
type Options struct {
	// Name identifies the feed in logs and health reporting.
	Name string

	// Interval between scheduled refreshes. Zero or negative disables
	// the periodic loop; manual refreshes still work.
	Interval time.Duration

	// Retries is the total number of fetch attempts per refresh.
	Retries int

	// RetryDelay is the fixed pause between attempts. No exponential
	// backoff, no jitter.
	RetryDelay time.Duration

	Logger *zap.Logger
}

// Refresher is the non-generic surface used for joint refreshes and
// health reporting.
type Refresher interface {
	Name() string
	Run(ctx context.Context)
	Refresh(ctx context.Context) error
	LastError() error
	LastSuccess() time.Time
}

// Coordinator owns one polling loop and its freshest result. Multiple
// consumers subscribe through AddListener and read Data.
type Coordinator[T any] struct {
	name       string
	interval   time.Duration
	retries    int
	retryDelay time.Duration
	log        *zap.Logger
	update     func(ctx context.Context) (T, error)

	// flight dedups concurrent refreshes: a second caller arriving
	// while a fetch is in flight awaits the first caller's result
	// instead of issuing a duplicate request.
	flight singleflight.Group

	mu           sync.Mutex
	data         T
	lastErr      error
	lastSuccess  time.Time
	listeners    map[int]func()
	nextListener int
}

// New builds a coordinator around a fetch operation returning data.
func New[T any](opts Options, update func(ctx context.Context) (T, error)) *Coordinator[T] {
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator[T]{
		name:       opts.Name,
		interval:   opts.Interval,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		log:        logger.With(zap.String("coordinator", opts.Name)),
		update:     update,
		listeners:  make(map[int]func()),
	}
}

// NewPoller builds a coordinator around a fetch operation with no
// return value, the common case for feeds that mutate the client's
// collections in place.
func NewPoller(opts Options, update func(ctx context.Context) error) *Coordinator[struct{}] {
	return New(opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, update(ctx)
	})
}

func (c *Coordinator[T]) Name() string { return c.name }

// Data returns the freshest successful result.
func (c *Coordinator[T]) Data() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// LastError returns the error of the most recent refresh, nil after a
// success.
func (c *Coordinator[T]) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastSuccess returns when the feed last refreshed successfully.
func (c *Coordinator[T]) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// AddListener subscribes a callback invoked after every successful
// refresh. The returned function removes the subscription.
func (c *Coordinator[T]) AddListener(listener func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = listener
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Update refreshes the feed and returns the fetched data. Concurrent
// callers share one underlying fetch and observe the same result or
// the same error.
func (c *Coordinator[T]) Update(ctx context.Context) (T, error) {
	result, err, _ := c.flight.Do("refresh", func() (any, error) {
		return c.fetchWithRetry(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// Refresh is Update without the data, satisfying Refresher.
func (c *Coordinator[T]) Refresh(ctx context.Context) error {
	_, err := c.Update(ctx)
	return err
}

func (c *Coordinator[T]) fetchWithRetry(ctx context.Context) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		data, err := c.update(ctx)
		if err == nil {
			c.storeSuccess(data)
			return data, nil
		}

		// Cancellation propagates immediately, never retried.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return zero, err
		}

		if attempt >= c.retries {
			wrapped := fmt.Errorf("unable to fetch data: %w", err)
			c.storeFailure(wrapped)
			return zero, wrapped
		}

		c.log.Debug("retrying after fetch error",
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Coordinator[T]) storeSuccess(data T) {
	c.mu.Lock()
	c.data = data
	c.lastErr = nil
	c.lastSuccess = time.Now()
	callbacks := make([]func(), 0, len(c.listeners))
	for _, listener := range c.listeners {
		callbacks = append(callbacks, listener)
	}
	c.mu.Unlock()

	for _, listener := range callbacks {
		listener()
	}
}

func (c *Coordinator[T]) storeFailure(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Run drives the periodic loop until the context is cancelled. Feeds
// with a non-positive interval return immediately.
func (c *Coordinator[T]) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("refresh failed", zap.Error(err))
			}
		}
	}
}

// RefreshAll performs the all-or-nothing initial load: every feed
// refreshes jointly, and the first failure cancels the rest.
func RefreshAll(ctx context.Context, feeds ...Refresher) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, feed := range feeds {
		group.Go(func() error {
			if err := feed.Refresh(ctx); err != nil {
				return fmt.Errorf("%s: %w", feed.Name(), err)
			}
			return nil
		})
	}
	return group.Wait()
}
