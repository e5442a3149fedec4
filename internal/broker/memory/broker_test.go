package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/taskqueue/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(10, 2, nil)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, "tasks", []byte(m)))
	}
	assert.Equal(t, 3, b.Len("tasks"))

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "tasks", func(_ context.Context, body []byte) error {
			mu.Lock()
			seen = append(seen, string(body))
			mu.Unlock()
			return nil
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

func TestFailedDeliveryIsRedelivered(t *testing.T) {
	b := New(10, 1, nil)
	b.RedeliveryDelay = time.Millisecond
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, "tasks", []byte("x")))

	var attempts atomic.Int32
	go func() {
		_ = b.Subscribe(ctx, "tasks", func(context.Context, []byte) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return attempts.Load() == 3 }, time.Second, time.Millisecond)
}

func TestRedeliveryOnFullTopic(t *testing.T) {
	tests := []struct {
		name     string
		workers  int
		messages int
	}{
		{name: "single worker", workers: 1, messages: 5},
		{name: "several workers", workers: 3, messages: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(1, tt.workers, nil)
			b.RedeliveryDelay = time.Millisecond
			defer func() { _ = b.Close() }()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var (
				mu       sync.Mutex
				failed   = make(map[string]bool)
				accepted atomic.Int32
			)
			done := make(chan error, 1)
			go func() {
				done <- b.Subscribe(ctx, "tasks", func(_ context.Context, body []byte) error {
					mu.Lock()
					defer mu.Unlock()
					if !failed[string(body)] {
						failed[string(body)] = true
						return errors.New("first attempt fails")
					}
					accepted.Add(1)
					return nil
				})
			}()

			for i := 0; i < tt.messages; i++ {
				require.NoError(t, b.Publish(ctx, "tasks", []byte{byte('a' + i)}))
			}

			assert.Eventually(t, func() bool {
				return int(accepted.Load()) == tt.messages
			}, 2*time.Second, time.Millisecond)

			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("Subscribe did not return after cancel")
			}
		})
	}
}

func TestSubscribeReturnsWithPendingRedelivery(t *testing.T) {
	b := New(1, 1, nil)
	b.RedeliveryDelay = time.Hour
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Publish(ctx, "tasks", []byte("x")))

	var attempts atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "tasks", func(context.Context, []byte) error {
			attempts.Add(1)
			return errors.New("always fails")
		})
	}()

	assert.Eventually(t, func() bool { return attempts.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New(1, 1, nil)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "tasks", []byte("x"))
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestPublishBlocksUntilContextDone(t *testing.T) {
	b := New(1, 1, nil)
	defer func() { _ = b.Close() }()

	require.NoError(t, b.Publish(context.Background(), "tasks", []byte("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, "tasks", []byte("2")), context.DeadlineExceeded)
}
