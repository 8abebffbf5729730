package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, workers, max, queue int) *Pool {
	t.Helper()
	p, err := New(Options{Name: "test", Workers: workers, MaxWorkers: max, QueueSize: queue, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return p
}

func TestPoolRunsEveryTask(t *testing.T) {
	p := newPool(t, 4, 8, 50)
	var n atomic.Int64
	for i := 0; i < 200; i++ {
		require.NoError(t, p.Submit(func() { n.Add(1) }))
	}
	require.NoError(t, p.Shutdown(5*time.Second))
	assert.Equal(t, int64(200), n.Load())
}

func TestPoolCallerRunsWhenSaturated(t *testing.T) {
	var callerRuns atomic.Int64
	p, err := New(Options{
		Name: "sat", Workers: 1, MaxWorkers: 1, QueueSize: 1, Logger: zerolog.Nop(),
		OnCallerRuns: func() { callerRuns.Add(1) },
	})
	require.NoError(t, err)

	gate := make(chan struct{})
	block := func() { <-gate }

	require.NoError(t, p.Submit(block))
	require.Eventually(t, func() bool { return p.Running() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(block))
	require.Eventually(t, func() bool { return p.Queued() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Submit(block))
	require.Equal(t, 1, p.Queued())

	ran := false
	require.NoError(t, p.Submit(func() { ran = true }))
	assert.True(t, ran, "saturated submit must run on the caller")
	assert.Equal(t, int64(1), p.CallerRuns())
	assert.Equal(t, int64(1), callerRuns.Load())

	close(gate)
	require.NoError(t, p.Shutdown(5*time.Second))
}

func TestPoolGrowsTowardMax(t *testing.T) {
	p := newPool(t, 1, 3, 1)
	gate := make(chan struct{})

	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for i := 0; i < 4; i++ {
			assert.NoError(t, p.Submit(func() { <-gate }))
		}
	}()

	require.Eventually(t, func() bool { return p.Cap() > 1 }, 2*time.Second, time.Millisecond)
	assert.LessOrEqual(t, p.Cap(), 3)
	close(gate)
	<-submitted
	require.NoError(t, p.Shutdown(5*time.Second))
}

func TestPoolRecoversPanics(t *testing.T) {
	var panics atomic.Int64
	p, err := New(Options{Name: "panic", Workers: 2, MaxWorkers: 2, QueueSize: 10, Logger: zerolog.Nop(), OnPanic: func() { panics.Add(1) }})
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { panic("boom") }))
	require.NoError(t, p.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped running tasks after a panic")
	}
	require.NoError(t, p.Shutdown(5*time.Second))
	assert.Equal(t, int64(1), panics.Load())
}

func TestPoolShutdownTimeout(t *testing.T) {
	p := newPool(t, 1, 1, 5)
	gate := make(chan struct{})
	defer close(gate)

	require.NoError(t, p.Submit(func() { <-gate }))
	err := p.Shutdown(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.ErrorIs(t, p.Submit(func() {}), ErrClosed)
	assert.NoError(t, p.Shutdown(time.Second))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Name: "bad", Workers: 0, QueueSize: 1})
	assert.Error(t, err)
	_, err = New(Options{Name: "bad", Workers: 1, QueueSize: 0})
	assert.Error(t, err)
}
