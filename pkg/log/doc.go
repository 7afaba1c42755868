/*
Package log provides structured logging for the Sentinel using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, a configurable level, and helper
functions for the common logging patterns used across the broker, the
deployment pipeline, and the worker client.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Context Loggers                   │          │
	│  │  - WithComponent("broker")                  │          │
	│  │  - WithJobID("job-abc123")                  │          │
	│  │  - WithWorkerID("worker-xyz")                │          │
	│  │  - WithPluginName("normalize_orders")        │          │
	│  │  - WithEnvHash("a1b2c3...")                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {"level":"info","component":"broker",      │          │
	│  │   "job_id":"job-abc123",                    │          │
	│  │   "message":"job dispatched"}               │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2024-01-15T10:30:00Z INF job dispatched    │          │
	│  │    component=broker                         │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all packages in the module

Log Levels:
  - Debug: guest stdout/stderr forwarding, per-batch sink writes
  - Info: job dispatched, worker identified, manifest activated
  - Warn: unexpected protocol frame, heartbeat eviction
  - Error: dispatch failed, sink commit failed, store write failed
  - Fatal: cannot open the data directory, cannot bind the control port

Configuration:
  - Level: filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: tag all logs from one subsystem (broker, deploy, server)
  - WithJobID: tag all logs for one dispatched job
  - WithWorkerID: tag all logs for one connected worker
  - WithPluginName: tag all logs for one plugin's manifest/deployment
  - WithEnvHash: tag all logs for one content-addressed environment

# Usage

Initializing the Logger:

	import "github.com/casparianflow/sentinel/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("sentinel starting")
	log.Debug("checking queue depth")
	log.Warn("heartbeat sweep evicted a worker")
	log.Error("failed to persist manifest")
	log.Fatal("cannot open data directory") // exits process

Structured Logging:

	log.Logger.Info().
		Str("plugin_name", "normalize_orders").
		Int("sinks", 2).
		Msg("manifest promoted to active")

Component Loggers:

	brokerLog := log.WithComponent("broker")
	brokerLog.Info().Msg("dispatch loop started")

	jobLog := log.WithJobID(fmt.Sprintf("%d", jobID))
	jobLog.Info().Str("plugin", payload.PluginName).Msg("job dispatched")

Complete Example:

	package main

	import (
		"os"
		"github.com/casparianflow/sentinel/pkg/log"
	)

	func main() {
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("sentinel starting")

		brokerLog := log.WithComponent("broker")
		brokerLog.Info().Int("queued", 5).Msg("dispatch tick")

		log.Info("sentinel stopped")
	}

# Integration Points

This package integrates with:

  - pkg/broker: logs worker state transitions and dispatch decisions
  - pkg/server: logs connection accept/identify/disconnect
  - pkg/worker: logs job execution and heartbeat failures
  - pkg/deploy: logs manifest rejection and promotion
  - pkg/environment: logs environment materialization

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once at startup,
    accessible from any package without passing it down the call stack

Context Logger Pattern:
  - Create a child logger with With* and pass it into a function instead
    of repeating the same fields on every log line

Structured Logging Pattern:
  - Typed fields (.Str, .Int, .Err) instead of string concatenation, so
    logs stay parseable by log aggregation tools

Error Logging Pattern:
  - Always use .Err(err) for error values, including *casperr.Error, whose
    Kind and Retryable fields are worth promoting to their own log fields
    at call sites that care about retry policy

# Troubleshooting

No Log Output:
  - Check log.Init() was called before any logging
  - Check the configured level isn't filtering the messages you expect

Missing Context Fields:
  - Check the call site used a With* context logger, not the bare
    package-level log.Info/log.Error helpers

# Security

  - Never log a manifest's signature, a publisher's API key, or a
    lockfile's contents verbatim; log hashes and identifiers instead
  - Use structured fields, not string concatenation, for any value that
    originates from a plugin's submitted source or a file's contents

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
