package task

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCallsHooks(t *testing.T) {
	var started atomic.Bool
	var doneErr error
	want := errors.New("boom")

	h := Start(context.Background(), func(ctx context.Context) error {
		assert.True(t, started.Load(), "OnStart must run before the job")
		return want
	}, Hooks{
		OnStart: func() { started.Store(true) },
		OnDone:  func(err error) { doneErr = err },
	})

	assert.ErrorIs(t, h.Wait(), want)
	assert.ErrorIs(t, doneErr, want)
}

func TestStartRecoversPanic(t *testing.T) {
	var doneErr error
	h := Start(context.Background(), func(ctx context.Context) error {
		panic("bad slice")
	}, Hooks{OnDone: func(err error) { doneErr = err }})

	err := h.Wait()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad slice"))
	assert.Equal(t, err, doneErr)
}

func TestRunnerAllowsOneJob(t *testing.T) {
	var r Runner
	release := make(chan struct{})

	h, err := r.Start(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}, Hooks{})
	require.NoError(t, err)
	assert.True(t, r.Busy())

	_, err = r.Start(context.Background(), func(ctx context.Context) error { return nil }, Hooks{})
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, h.Wait())
	assert.False(t, r.Busy())

	h, err = r.Start(context.Background(), func(ctx context.Context) error { return nil }, Hooks{})
	require.NoError(t, err)
	assert.NoError(t, h.Wait())
}
