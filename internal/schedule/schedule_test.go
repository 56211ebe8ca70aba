package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurd/internal/service"
)

type fakeReconciler struct {
	calls atomic.Int32
	block chan struct{}
	err   error
}

func (f *fakeReconciler) ReconcileAll(ctx context.Context) (service.ReconcileStats, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return service.ReconcileStats{}, f.err
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("every now and then", &fakeReconciler{})
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	rec := &fakeReconciler{err: errors.New("one series failed")}
	r, err := New("*/15 * * * *", rec)
	require.NoError(t, err)

	assert.True(t, r.RunOnce())
	assert.True(t, r.RunOnce())
	assert.Equal(t, int32(2), rec.calls.Load())
}

func TestRunOnceSkipsOverlappingPass(t *testing.T) {
	rec := &fakeReconciler{block: make(chan struct{})}
	r, err := New("*/15 * * * *", rec)
	require.NoError(t, err)

	done := make(chan bool)
	go func() { done <- r.RunOnce() }()
	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, time.Millisecond)

	assert.False(t, r.RunOnce())
	close(rec.block)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestStartStop(t *testing.T) {
	r, err := New("@every 1h", &fakeReconciler{})
	require.NoError(t, err)
	r.Start(context.Background())
	r.Stop()
}
