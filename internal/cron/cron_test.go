package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchedule(t *testing.T) {
	for _, ok := range []string{"@every 1s", "@daily", "0 3 * * *", "*/5 * * * * *"} {
		assert.NoError(t, ValidateSchedule(ok), ok)
	}
	for _, bad := range []string{"", "every day", "61 * * * *", "@every nope"} {
		assert.Error(t, ValidateSchedule(bad), bad)
	}
}

func TestAddValidatesJobs(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(&Job{Schedule: "@every 1s", Run: noop}))
	assert.Error(t, s.Add(&Job{Name: "x", Run: noop}))
	assert.Error(t, s.Add(&Job{Name: "x", Schedule: "@every 1s"}))
	require.NoError(t, s.Add(&Job{Name: "x", Schedule: "@every 1s", Run: noop}))
	assert.Error(t, s.Add(&Job{Name: "x", Schedule: "@every 2s", Run: noop}), "duplicate name")
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler(nil)
	var n atomic.Int32
	job := &Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		n.Add(1)
		return nil
	}}
	require.NoError(t, s.Add(job))
	s.Start()
	defer s.Stop()

	assert.False(t, s.Next("tick").IsZero())
	assert.True(t, s.Next("missing").IsZero())
	require.Eventually(t, func() bool { return n.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, job.Runs(), int64(1))
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	job := &Job{Name: "slow", Schedule: "@every 1h", Run: func(context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	}}
	require.NoError(t, s.Add(job))

	done := make(chan struct{})
	go func() {
		_ = s.RunNow("slow")
		close(done)
	}()
	<-entered
	require.NoError(t, s.RunNow("slow"))
	assert.Equal(t, int64(1), job.Skipped())
	close(release)
	<-done
	assert.Equal(t, int64(1), job.Runs())
	assert.Error(t, s.RunNow("missing"))
}

func TestJobPanicsAndErrorsAreContained(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()
	require.NoError(t, s.Add(&Job{Name: "boom", Schedule: "@every 1h", Run: func(context.Context) error {
		panic("boom")
	}}))
	require.NoError(t, s.Add(&Job{Name: "fail", Schedule: "@every 1h", Run: func(context.Context) error {
		return errors.New("nope")
	}}))
	assert.NotPanics(t, func() {
		_ = s.RunNow("boom")
		_ = s.RunNow("fail")
	})
}

type fakePurger struct {
	ages []time.Duration
	err  error
}

func (f *fakePurger) PurgeTrash(olderThan time.Duration) ([]string, error) {
	f.ages = append(f.ages, olderThan)
	return []string{"old"}, f.err
}

func TestPurgeJob(t *testing.T) {
	_, err := NewPurgeJob("@daily", time.Hour, nil)
	assert.Error(t, err)
	_, err = NewPurgeJob("@daily", -time.Hour, &fakePurger{})
	assert.Error(t, err)

	p := &fakePurger{}
	job, err := NewPurgeJob("@daily", 72*time.Hour, p)
	require.NoError(t, err)
	assert.Equal(t, PurgeJobName, job.Name)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []time.Duration{72 * time.Hour}, p.ages)

	p.err = errors.New("disk gone")
	assert.EqualError(t, job.Run(context.Background()), "disk gone")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, job.Run(ctx), context.Canceled)
}
