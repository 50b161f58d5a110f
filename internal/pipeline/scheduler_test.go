package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rescuebot/internal/model"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeRunner) RunOnce(context.Context) (model.BatchSummary, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	return model.BatchSummary{Status: model.BatchStatusSuccess}, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, time.Hour, nil)

	assert.True(t, s.Start())
	assert.False(t, s.Start())
	assert.True(t, s.Running())

	// The first run fires right away.
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Stop())
	assert.False(t, s.Running())
	assert.Equal(t, 1, runner.count())
}

func TestSchedulerStopWhenStopped(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, time.Minute, nil)
	assert.False(t, s.Stop())
}

func TestSchedulerStopWaitsForInFlightRun(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewScheduler(runner, time.Hour, nil)
	s.Start()
	<-runner.started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a batch was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the batch finished")
	}
	assert.False(t, s.Running())
}

func TestSchedulerSurvivesRunErrors(t *testing.T) {
	runner := &fakeRunner{err: &Error{Kind: KindWatermark, Err: errors.New("db down")}}
	s := NewScheduler(runner, 5*time.Millisecond, nil)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return runner.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.True(t, st.Running)
	assert.Contains(t, st.LastError, "db down")
}

func TestSchedulerRestart(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, time.Hour, nil)
	s.Start()
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	s.SetInterval(2 * time.Hour)
	assert.True(t, s.Start())
	require.Eventually(t, func() bool { return runner.count() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	assert.Equal(t, "2h0m0s", s.Status().Interval)
}

func TestErrorKinds(t *testing.T) {
	err := error(&Error{Kind: KindRecordNotFound, Op: "process single", RecordID: 7, Err: errors.New("not found")})
	assert.True(t, errors.Is(err, ErrRecordNotFound))
	assert.False(t, errors.Is(err, ErrWatermark))
	assert.Equal(t, KindRecordNotFound, KindOf(err))
	assert.Equal(t, "process single: record_not_found (record 7): not found", err.Error())
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab...", Truncate("abc", 2))
	assert.Equal(t, "분석...", Truncate("분석결과", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}
