package refresher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/engine"
	"cadence/internal/logging"
)

type fakeJob struct {
	calls atomic.Int32
	err   error
}

func (f *fakeJob) RegenerateAll(ctx context.Context, userID string) (engine.RegenerateSummary, error) {
	f.calls.Add(1)
	return engine.RegenerateSummary{Activities: 2, Failed: 0}, f.err
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(&fakeJob{}, "every day", logging.Discard())
	assert.Error(t, err)
	_, err = New(&fakeJob{}, "@daily", logging.Discard())
	assert.NoError(t, err)
	_, err = New(&fakeJob{}, "30 3 * * *", logging.Discard())
	assert.NoError(t, err)
}

func TestTickCountsFailuresToo(t *testing.T) {
	job := &fakeJob{err: errors.New("boom")}
	r, err := New(job, "@hourly", logging.Discard())
	require.NoError(t, err)
	r.Tick(context.Background())
	r.Tick(context.Background())
	assert.Equal(t, int32(2), job.calls.Load())
	assert.Equal(t, int64(2), r.Runs())
}

func TestRunStopsOnCancel(t *testing.T) {
	r, err := New(&fakeJob{}, "@every 1s", logging.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop")
	}
}
