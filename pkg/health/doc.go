/*
Package health provides health check mechanisms for monitoring the liveness
of the processes a running deployment depends on: a worker's Sentinel
control-plane connection and the guest bridge's sandbox interpreter.

This package implements three types of health checks: HTTP, TCP, and Exec.
None of them are wired into an automatic restart loop - there is no
reconciler here - they exist so operators and preflight code can ask "is this
dependency actually up" before committing to a longer-running operation.
Monitor adds debouncing on top of a Checker for callers that need to ride
out a single flaky result rather than reacting to every poll.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴──────┬──────────┐
	    ▼           ▼          ▼
	┌────────┐  ┌──────┐  ┌────────┐
	│  HTTP  │  │ TCP  │  │  Exec  │
	│Checker │  │Checker│ │Checker │
	└────────┘  └──────┘  └────────┘
	     │          │          │
	     ▼          ▼          ▼
	  GET /    Connect     Run command
	  /health   :port       on host

# Health Check Types

## HTTP Health Checks

HTTP checks perform HTTP requests to verify an HTTP-exposed dependency is
reachable and responding:

	Check Type: HTTP
	Configuration:
	├── URL: http://sentinel-host:9090/ready
	├── Method: GET, POST, HEAD
	├── Headers: Custom HTTP headers
	├── Expected Status: 200-399 (configurable)
	└── Timeout: 10 seconds

A worker started with a health address wraps an HTTPChecker against the
Sentinel's /ready endpoint (pkg/metrics.ReadyHandler) in a Monitor. Its
startup gate returns once a poll of /ready succeeds; a failing poll never
opens it. A running Monitor reports not-ready only after Config's
consecutive-failure threshold is reached.

## TCP Health Checks

TCP checks verify that a port is listening and accepting connections:

	Check Type: TCP
	Configuration:
	├── Address: sentinel-host:7070
	├── Timeout: 5 seconds
	└── Connection test only (no data sent)

A worker with no health address configured falls back to a bare TCPChecker
against the configured Sentinel address as a preflight: it distinguishes
"Sentinel is down" from "my identify handshake is malformed" before the
worker reports itself failed to start.

## Exec Health Checks

Exec checks run a command on the host and check its exit code:

	Check Type: Exec
	Configuration:
	├── Command: ["python3.11", "--version"]
	├── Timeout: 10 seconds
	├── Exit code 0 → Healthy
	└── Exit code != 0 → Unhealthy

The deployment pipeline's sandbox probe stage uses an ExecChecker against the
resolved interpreter path before spawning the full bridge, so a missing or
broken interpreter in a provisioned environment fails with "interpreter did
not respond" rather than a confusing bridge handshake timeout.

# Core Components

## Checker Interface

All health checkers implement this interface:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

This allows polymorphic health checking - callers don't need to know the
check type, just call Check() and interpret the Result.

## Result Structure

All checks return a standardized Result:

	type Result struct {
		Healthy   bool          // Check passed?
		Message   string        // Human-readable message
		CheckedAt time.Time     // When check ran
		Duration  time.Duration // How long check took
	}

## Status Tracking

Status tracks health over time:

	type Status struct {
		ConsecutiveFailures  int    // Failure streak
		ConsecutiveSuccesses int    // Success streak
		LastCheck            time.Time
		LastResult           Result
		Healthy              bool   // Current health state
		StartedAt            time.Time
	}

The status implements hysteresis - multiple failures required before marking
unhealthy, preventing flapping from a single transient timeout.

## Configuration

	type Config struct {
		Interval    time.Duration  // Time between checks (default: 30s)
		Timeout     time.Duration  // Max check duration (default: 10s)
		Retries     int            // Failures before unhealthy (default: 3)
		StartPeriod time.Duration  // Grace period for slow startup (default: 0)
	}

# Usage Examples

## Worker preflight: is the Sentinel reachable

	checker := health.NewTCPChecker(sentinelAddr).WithTimeout(3 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		return fmt.Errorf("sentinel unreachable: %s", result.Message)
	}

## Sandbox probe: does the interpreter actually start

	checker := health.NewExecChecker([]string{interpreterPath, "--version"}).
		WithTimeout(5 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		return fmt.Errorf("interpreter did not respond: %s", result.Message)
	}

## Worker startup gate: wait for the Sentinel to report ready

	checker := health.NewHTTPChecker(fmt.Sprintf("http://%s/ready", healthAddr))
	monitor := health.NewMonitor(checker, health.DefaultConfig())
	if err := monitor.WaitHealthy(ctx); err != nil {
		return fmt.Errorf("sentinel never became ready: %w", err)
	}

## Monitor: continuous debounced health with a transition callback

	monitor := health.NewMonitor(checker, health.DefaultConfig())
	monitor.Start(ctx, func(healthy bool, result health.Result) {
		if !healthy {
			log.Warn().Str("message", result.Message).Msg("dependency degraded")
		}
	})
	defer monitor.Stop()

# Design Patterns

## Strategy Pattern

	Checker (interface)
	├── HTTPChecker (HTTP strategy)
	├── TCPChecker (TCP strategy)
	└── ExecChecker (Exec strategy)

## Builder Pattern

Checkers use fluent builders for configuration:

	checker := NewHTTPChecker(url).
		WithMethod("POST").
		WithHeader("Auth", "token").
		WithTimeout(5 * time.Second)

## Hysteresis Pattern

	Healthy → 1 failure → Still healthy
	Healthy → 2 failures → Still healthy
	Healthy → 3 failures → Unhealthy!

	Unhealthy → 1 success → Healthy!

## Context-Based Cancellation

All checks respect context deadlines:

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := checker.Check(ctx)  // Respects timeout

# Recommended Check Intervals

  - HTTP: 10-30 seconds
  - TCP: 5-15 seconds
  - Exec: 30-60 seconds (these spawn a process; don't poll tightly)

# See Also

  - pkg/deploy - runs the sandbox probe's ExecChecker during promotion
  - pkg/worker - runs a Sentinel-readiness Monitor (TCPChecker, or
    HTTPChecker against /ready when a health address is configured)
    before connecting, and keeps it polling in the background afterward
  - pkg/metrics - exposes /health, /ready and /live over HTTP, the
    endpoint the worker's HTTPChecker polls
*/
package health
