package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_ProcessesTasks(t *testing.T) {
	r := NewRunner(2, 10, slog.Default())
	require.NoError(t, r.Start(context.Background()))
	defer func() { _ = r.Stop(time.Second) }()

	var ran atomic.Int32
	done := make(chan struct{})
	err := r.Go(Task{Name: "test", Run: func(context.Context) error {
		ran.Add(1)
		close(done)
		return nil
	}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.Equal(t, int32(1), ran.Load())
}

func TestRunner_SubmitBeforeStart(t *testing.T) {
	r := NewRunner(1, 1, slog.Default())
	err := r.Go(Task{Name: "early", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRunner_DropsWhenFull(t *testing.T) {
	r := NewRunner(1, 1, slog.Default())
	require.NoError(t, r.Start(context.Background()))
	defer func() { _ = r.Stop(time.Second) }()

	block := make(chan struct{})
	// First task occupies the single worker, second fills the queue.
	_ = r.Go(Task{Name: "block", Run: func(context.Context) error {
		<-block
		return nil
	}})
	time.Sleep(20 * time.Millisecond)
	_ = r.Go(Task{Name: "queued", Run: func(context.Context) error { return nil }})

	var dropped bool
	for i := 0; i < 5; i++ {
		if err := r.Go(Task{Name: "extra", Run: func(context.Context) error { return nil }}); errors.Is(err, ErrQueueFull) {
			dropped = true
			break
		}
	}
	close(block)

	assert.True(t, dropped)
	assert.Greater(t, r.Stats().Dropped, int64(0))
}

func TestRunner_FailuresCountedNotSurfaced(t *testing.T) {
	r := NewRunner(1, 4, slog.Default())
	require.NoError(t, r.Start(context.Background()))

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Go(Task{Name: "failing", Run: func(context.Context) error {
			return boom
		}}))
	}

	require.NoError(t, r.Stop(time.Second))
	assert.Equal(t, int64(3), r.Stats().Failed)
	assert.Equal(t, int64(3), r.Stats().Processed)
}

func TestRunner_DoubleStart(t *testing.T) {
	r := NewRunner(1, 1, slog.Default())
	require.NoError(t, r.Start(context.Background()))
	defer func() { _ = r.Stop(time.Second) }()

	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}
