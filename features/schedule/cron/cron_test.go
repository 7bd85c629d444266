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

func TestAddValidation(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add("", "@hourly", noop))
	assert.Error(t, s.Add("job", "@hourly", nil))
	assert.Error(t, s.Add("job", "", noop))
	assert.Error(t, s.Add("job", "not a schedule", noop))
	assert.Error(t, s.Add("job", "-5s", noop), "negative durations are rejected")

	require.NoError(t, s.Add("job", "@hourly", noop))
	err := s.Add("job", "@hourly", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestParseScheduleForms(t *testing.T) {
	t.Parallel()

	cases := []string{"*/5 * * * *", "@daily", "1h30m", "50ms"}
	for _, spec := range cases {
		sched, err := parseSchedule(spec)
		require.NoError(t, err, spec)
		require.NotNil(t, sched, spec)
	}
}

func TestConstantDelaySupportsSubSecond(t *testing.T) {
	t.Parallel()

	sched, err := parseSchedule("20ms")
	require.NoError(t, err)

	now := time.Now()
	assert.Equal(t, now.Add(20*time.Millisecond), sched.Next(now))
}

func TestIntervalEntryFires(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	var fires atomic.Int32
	require.NoError(t, s.Add("tick", "10ms", func(context.Context) error {
		fires.Add(1)
		return nil
	}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return fires.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
}

func TestFailingTriggerDoesNotStopSchedule(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	var fires atomic.Int32
	require.NoError(t, s.Add("flaky", "10ms", func(context.Context) error {
		if fires.Add(1) == 1 {
			return errors.New("boom")
		}
		return nil
	}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return fires.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
}

func TestPanickingTriggerDoesNotStopSchedule(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	var fires atomic.Int32
	require.NoError(t, s.Add("wild", "10ms", func(context.Context) error {
		if fires.Add(1) == 1 {
			panic("unexpected")
		}
		return nil
	}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return fires.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
}

func TestRemoveStopsFiring(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	var fires atomic.Int32
	require.NoError(t, s.Add("tick", "10ms", func(context.Context) error {
		fires.Add(1)
		return nil
	}))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return fires.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	s.Remove("tick")
	after := fires.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, fires.Load(), after+1, "at most one in-flight fire after removal")

	s.Remove("tick") // absent names are ignored
}

func TestNextRun(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	require.NoError(t, s.Add("later", "1h", func(context.Context) error { return nil }))

	assert.True(t, s.NextRun("later").IsZero(), "no next time before Start")
	assert.True(t, s.NextRun("absent").IsZero())

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		next := s.NextRun("later")
		return !next.IsZero() && next.After(time.Now())
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	s.Stop() // stopping before start is a no-op
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestTriggersDoNotFireBeforeStart(t *testing.T) {
	t.Parallel()

	s := New(Options{})
	var fires atomic.Int32
	require.NoError(t, s.Add("tick", "10ms", func(context.Context) error {
		fires.Add(1)
		return nil
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fires.Load())
}
