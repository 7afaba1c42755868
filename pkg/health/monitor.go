package health

import (
	"context"
	"time"
)

// Monitor runs a Checker on a schedule and applies Status's hysteresis
// (Config's consecutive-failure threshold and start-period grace)
// before reporting a transition, so a single flaky check doesn't flip a
// caller's readiness decision back and forth.
type Monitor struct {
	checker Checker
	config  Config

	status *Status
	stopCh chan struct{}
}

// NewMonitor returns a Monitor that checks checker on config.Interval,
// using DefaultConfig's thresholds if config is the zero value.
func NewMonitor(checker Checker, config Config) *Monitor {
	if config.Interval == 0 {
		config = DefaultConfig()
	}
	return &Monitor{
		checker: checker,
		config:  config,
		status:  NewStatus(),
		stopCh:  make(chan struct{}),
	}
}

// WaitHealthy polls the checker until a check succeeds while the status is
// healthy and outside the start-period grace, or ctx is done. A failing
// check never satisfies it, even while the consecutive-failure threshold
// still keeps the status healthy.
// Intended for a startup gate, e.g. a worker waiting for its Sentinel to
// report ready before dialing it.
func (m *Monitor) WaitHealthy(ctx context.Context) error {
	if m.probe(ctx) && m.status.LastResult.Healthy {
		return nil
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.probe(ctx) && m.status.LastResult.Healthy {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()
	result := m.checker.Check(checkCtx)

	m.status.Update(result, m.config)
	return m.status.Healthy && !m.status.InStartPeriod(m.config)
}

// Status returns a snapshot of the monitor's current hysteresis state.
func (m *Monitor) Status() Status {
	return *m.status
}

// Start runs the monitor continuously in the background, invoking
// onTransition whenever the debounced healthy state changes. It returns
// immediately; call Stop to halt the loop.
func (m *Monitor) Start(ctx context.Context, onTransition func(healthy bool, result Result)) {
	go func() {
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		prev := m.status.Healthy
		for {
			select {
			case <-ticker.C:
				healthy := m.probe(ctx)
				if healthy != prev {
					prev = healthy
					if onTransition != nil {
						onTransition(healthy, m.status.LastResult)
					}
				}
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts a monitor started with Start.
func (m *Monitor) Stop() {
	close(m.stopCh)
}
