package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	runs    atomic.Int32
	err     error
	blockOn chan struct{}
	sawDone atomic.Bool
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.blockOn != nil {
		select {
		case <-j.blockOn:
		case <-ctx.Done():
			j.sawDone.Store(true)
		}
	}
	return j.err
}

func newTestScheduler() *Scheduler {
	return New(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestScheduler_AddJobRejectsBadSchedule(t *testing.T) {
	s := newTestScheduler()

	err := s.AddJob("every now and then", &countingJob{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counting")
}

func TestScheduler_AcceptsDescriptorsAndSeconds(t *testing.T) {
	s := newTestScheduler()

	assert.NoError(t, s.AddJob("@every 1s", &countingJob{}))
	assert.NoError(t, s.AddJob("*/5 * * * * *", &countingJob{}))
	assert.NoError(t, s.AddJob("@hourly", &countingJob{}))
}

func TestScheduler_RunsScheduledJob(t *testing.T) {
	s := newTestScheduler()
	job := &countingJob{err: errors.New("ignored")}
	require.NoError(t, s.AddJob("* * * * * *", job))

	s.Start()
	defer s.Stop()

	// a failing run does not unschedule the job
	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s := newTestScheduler()
	job := &countingJob{blockOn: make(chan struct{})}
	require.NoError(t, s.AddJob("* * * * * *", job))

	s.Start()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	// still blocked across further firings
	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	close(job.blockOn)
	s.Stop()
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	s := newTestScheduler()
	job := &countingJob{blockOn: make(chan struct{})}
	require.NoError(t, s.AddJob("* * * * * *", job))

	s.Start()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.True(t, job.sawDone.Load())
}

func TestScheduler_RunNow(t *testing.T) {
	s := newTestScheduler()
	job := &countingJob{err: errors.New("boom")}

	err := s.RunNow(job)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, int32(1), job.runs.Load())
}
