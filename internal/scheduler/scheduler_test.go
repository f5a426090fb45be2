package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	mu        sync.Mutex
	schedules map[string]string
	err       error
}

func (s *stubSource) Schedules(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedules, s.err
}

func (s *stubSource) set(schedules map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = schedules
}

type countingRunner struct {
	mu   sync.Mutex
	runs map[string]int
}

func (r *countingRunner) RunScheduled(ctx context.Context, workflow string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[string]int{}
	}
	r.runs[workflow]++
	return nil
}

func (r *countingRunner) count(workflow string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[workflow]
}

func newTestScheduler(source Source, runner WorkflowRunner) *Scheduler {
	return New(source, runner, slog.Default())
}

func TestNextRun(t *testing.T) {
	s := newTestScheduler(&stubSource{}, &countingRunner{})

	from := time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC)
	next, err := s.NextRun("0 2 * * *", from)

	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRun_BadExpression(t *testing.T) {
	s := newTestScheduler(&stubSource{}, &countingRunner{})

	_, err := s.NextRun("not a cron", time.Now())

	assert.Error(t, err)
}

func TestIsDue_FirstSightingArmsOnly(t *testing.T) {
	s := newTestScheduler(&stubSource{}, &countingRunner{})
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	due, next, err := s.isDue("nightly", "* * * * *", now)

	require.NoError(t, err)
	assert.False(t, due)
	assert.True(t, next.After(now))
}

func TestIsDue_FiresOnceElapsed(t *testing.T) {
	s := newTestScheduler(&stubSource{}, &countingRunner{})
	start := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	due, _, err := s.isDue("nightly", "* * * * *", start)
	require.NoError(t, err)
	require.False(t, due)

	due, _, err = s.isDue("nightly", "* * * * *", start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, due)

	// The schedule re-arms after firing.
	due, _, err = s.isDue("nightly", "* * * * *", start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, due)
}

func TestIsDue_BadExpression(t *testing.T) {
	s := newTestScheduler(&stubSource{}, &countingRunner{})

	_, _, err := s.isDue("nightly", "61 * * * *", time.Now())

	assert.Error(t, err)
}

func TestTick_RunsDueWorkflows(t *testing.T) {
	source := &stubSource{schedules: map[string]string{"nightly": "* * * * *"}}
	runner := &countingRunner{}
	s := newTestScheduler(source, runner)

	// Arm, then backdate the next-run time so the second tick fires.
	s.tick(context.Background())
	s.nextMu.Lock()
	s.nextRun["nightly"] = time.Now().UTC().Add(-time.Minute)
	s.nextMu.Unlock()

	s.tick(context.Background())

	require.Eventually(t, func() bool {
		return runner.count("nightly") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTick_DropsVanishedSchedules(t *testing.T) {
	source := &stubSource{schedules: map[string]string{"nightly": "* * * * *"}}
	s := newTestScheduler(source, &countingRunner{})

	s.tick(context.Background())
	s.nextMu.Lock()
	_, armed := s.nextRun["nightly"]
	s.nextMu.Unlock()
	require.True(t, armed)

	source.set(map[string]string{})
	s.tick(context.Background())

	s.nextMu.Lock()
	_, still := s.nextRun["nightly"]
	s.nextMu.Unlock()
	assert.False(t, still)
}

func TestTick_DedupsInflightRuns(t *testing.T) {
	source := &stubSource{schedules: map[string]string{"nightly": "* * * * *"}}
	runner := &countingRunner{}
	s := newTestScheduler(source, runner)

	require.True(t, s.tryAcquire("nightly"))

	s.tick(context.Background())
	s.nextMu.Lock()
	s.nextRun["nightly"] = time.Now().UTC().Add(-time.Minute)
	s.nextMu.Unlock()
	s.tick(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, runner.count("nightly"))

	s.release("nightly")
}

func TestStartStop(t *testing.T) {
	source := &stubSource{schedules: map[string]string{}}
	s := newTestScheduler(source, &countingRunner{})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())

	// Stop is idempotent.
	require.NoError(t, s.Stop())
}
