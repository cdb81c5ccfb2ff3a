package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	stop     chan struct{}
	shutdown chan struct{}
	err      error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{stop: make(chan struct{}), shutdown: make(chan struct{}, 1)}
}

func (f *fakeRunner) Run(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	select {
	case <-f.stop:
	case <-ctx.Done():
	}
	return nil
}

func (f *fakeRunner) Shutdown(context.Context) error {
	f.shutdown <- struct{}{}
	close(f.stop)
	return nil
}

func runEngine(t *testing.T, e *Engine, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not return")
		return nil
	}
}

func TestEngine_RequestShutdownDrainsRunner(t *testing.T) {
	fr := newFakeRunner()
	e := newEngine(Config{ShutdownTimeout: time.Second}, fr, nil)
	done := runEngine(t, e, context.Background())

	e.RequestShutdown()
	e.RequestShutdown()
	require.NoError(t, wait(t, done))
	require.Len(t, fr.shutdown, 1)
}

func TestEngine_ContextCancelDrainsRunner(t *testing.T) {
	fr := newFakeRunner()
	e := newEngine(Config{ShutdownTimeout: time.Second}, fr, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runEngine(t, e, ctx)

	cancel()
	require.NoError(t, wait(t, done))
	require.Len(t, fr.shutdown, 1, "cancellation must go through the graceful path")
}

func TestEngine_RunnerFailureIsReturned(t *testing.T) {
	fr := newFakeRunner()
	fr.err = errors.New("sink down")
	e := newEngine(Config{ShutdownTimeout: time.Second}, fr, nil)
	require.ErrorIs(t, wait(t, runEngine(t, e, context.Background())), fr.err)
}
