package health

import (
	"context"
	"testing"
	"time"
)

type flakyChecker struct {
	results []bool
	i       int
}

func (f *flakyChecker) Check(ctx context.Context) Result {
	healthy := f.results[f.i]
	if f.i < len(f.results)-1 {
		f.i++
	}
	return Result{Healthy: healthy, CheckedAt: time.Now()}
}

func (f *flakyChecker) Type() CheckType { return CheckTypeTCP }

func TestMonitor_WaitHealthyReturnsOnFirstSuccess(t *testing.T) {
	checker := &flakyChecker{results: []bool{true}}
	monitor := NewMonitor(checker, Config{Interval: 10 * time.Millisecond, Timeout: time.Second, Retries: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := monitor.WaitHealthy(ctx); err != nil {
		t.Errorf("expected WaitHealthy to succeed, got %v", err)
	}
}

func TestMonitor_WaitHealthyRecoversAfterFailureStreak(t *testing.T) {
	// One failure crosses Retries=1 into unhealthy, then a success clears
	// it again - proves the same Monitor both flags unhealthy and recovers
	// rather than latching the first bad result forever.
	checker := &flakyChecker{results: []bool{false, true}}
	monitor := NewMonitor(checker, Config{Interval: 5 * time.Millisecond, Timeout: time.Second, Retries: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := monitor.WaitHealthy(ctx); err != nil {
		t.Errorf("expected WaitHealthy to eventually succeed, got %v", err)
	}
	if !monitor.Status().Healthy {
		t.Error("expected monitor status to report healthy after recovery")
	}
}

func TestMonitor_WaitHealthyRespectsContextCancellation(t *testing.T) {
	checker := &flakyChecker{results: []bool{false}}
	monitor := NewMonitor(checker, Config{Interval: 5 * time.Millisecond, Timeout: time.Second, Retries: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := monitor.WaitHealthy(ctx); err == nil {
		t.Error("expected WaitHealthy to fail once the context deadline passes")
	}
}

func TestMonitor_StartInvokesOnTransitionOnDebouncedChange(t *testing.T) {
	checker := &flakyChecker{results: []bool{true, false, false}}
	monitor := NewMonitor(checker, Config{Interval: 5 * time.Millisecond, Timeout: time.Second, Retries: 2})

	transitions := make(chan bool, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor.Start(ctx, func(healthy bool, result Result) {
		transitions <- healthy
	})
	defer monitor.Stop()

	select {
	case healthy := <-transitions:
		if healthy {
			t.Error("expected the first reported transition to be unhealthy")
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for a health transition")
	}
}
