/*
Package log provides structured logging for coldb using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

coldb's logging system provides structured JSON logging with minimal overhead:

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
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("flush")                   │          │
	│  │  - WithNode("node-abc123")                  │          │
	│  │  - WithTable("events")                      │          │
	│  │  - WithTxn("txn-def456")                    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "flush",                    │          │
	│  │    "time": "2024-10-13T10:30:00Z",         │          │
	│  │    "message": "memtable flushed"            │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2024-10-13T10:30:00Z INF memtable flushed component=flush │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all coldb packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithNode: Add node ID context
  - WithTable: Add table name context
  - WithTxn: Add transaction ID context

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Performance: Verbose, may impact production
  - Example: "Scanning segment: rows=40000, level=2"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Performance: Moderate volume
  - Example: "Table created: events (5 columns)"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention
  - Performance: Low volume
  - Example: "Peer heartbeat missed (1 occurrence)"

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed operations, exceptions
  - Performance: Low volume
  - Example: "Failed to flush memtable: disk full"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable errors only
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "Failed to open WAL: %v"

# Usage

Initializing the Logger:

	import "github.com/coldb/coldb/pkg/log"

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

	// Custom output (file)
	file, _ := os.OpenFile("/var/log/coldb.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("Engine initialized successfully")
	log.Debug("Checking segment manifest")
	log.Warn("High memtable pressure detected")
	log.Error("Failed to connect to peer")
	log.Fatal("Cannot start without a writable data directory") // Exits process

Structured Logging:

	log.Logger.Info().
		Str("table", "events").
		Int("row_count", 150000).
		Msg("Table loaded")

	log.Logger.Error().
		Err(err).
		Str("node_id", "node-abc").
		Msg("Cluster join failed")

Component Loggers:

	// Create component-specific logger
	flushLog := log.WithComponent("flush")
	flushLog.Info().Msg("Starting flush loop")
	flushLog.Debug().Str("table", "events").Msg("Flushing memtable")

	// Multiple context fields
	compactLog := log.WithComponent("compaction").
		With().Str("table", "events").
		Int("level", 1).Logger()
	compactLog.Info().Msg("Starting compaction")
	compactLog.Error().Err(err).Msg("Compaction failed")

Context Logger Helpers:

	// Node-specific logs
	nodeLog := log.WithNode("node-abc123")
	nodeLog.Info().Msg("Node joined cluster")

	// Table-specific logs
	tableLog := log.WithTable("events")
	tableLog.Info().Msg("Table schema updated")

	// Transaction-specific logs
	txnLog := log.WithTxn("txn-def456")
	txnLog.Info().Msg("Transaction committed")

Complete Example:

	package main

	import (
		"errors"
		"os"
		"github.com/coldb/coldb/pkg/log"
	)

	func main() {
		// Initialize logger
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("coldb node starting")

		// Component-specific logging
		flushLog := log.WithComponent("flush")
		flushLog.Info().
			Str("table", "events").
			Int("entry_count", 5000).
			Msg("Flushing memtable")

		// Error logging
		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "cluster").
			Msg("Failed to connect to peer")

		log.Info("coldb node stopped")
	}

# Integration Points

This package integrates with:

  - pkg/engine: Logs table lifecycle, transactions, and operations
  - pkg/flush: Logs memtable flush starts/completions/failures
  - pkg/compaction: Logs compaction runs per level
  - pkg/wal: Logs append/replay errors
  - pkg/cluster: Logs node join/leave and heartbeat events

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"engine","time":"2024-10-13T10:30:00Z","message":"Table created"}
	{"level":"info","component":"flush","table":"events","time":"2024-10-13T10:30:01Z","message":"Memtable flushed"}
	{"level":"error","component":"cluster","node_id":"node-abc","error":"dial tcp: connection refused","time":"2024-10-13T10:30:02Z","message":"Peer connect failed"}

Console Format (Development):

	2024-10-13T10:30:00Z INF Table created component=engine
	2024-10-13T10:30:01Z INF Memtable flushed component=flush table=events
	2024-10-13T10:30:02Z ERR Peer connect failed component=cluster node_id=node-abc error="connection refused"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Better than string concatenation
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Records the error text in an "error" field
  - Enables error tracking and alerting
  - Consistent error format across codebase

# Performance Characteristics

Logging Overhead:
  - Disabled level: 0ns (compile-time optimization)
  - JSON encode: ~500ns per log line
  - Console format: ~1µs per log line
  - String field: +50ns per field
  - Int field: +30ns per field

Memory Allocation:
  - Zero allocation for disabled levels
  - ~100 bytes per log line (JSON)
  - ~200 bytes per log line (console)
  - Amortized by buffer pooling

Throughput:
  - JSON: ~2M log lines per second
  - Console: ~1M log lines per second
  - Bottleneck: I/O write speed
  - Async writes recommended for high volume

Log Level Impact:
  - Debug: High volume, use in development only
  - Info: Moderate volume, suitable for production
  - Warn/Error: Low volume, minimal impact
  - Recommendation: Info level in production

# Troubleshooting

Common Issues:

No Log Output:
  - Symptom: No logs appearing
  - Check: log.Init() called before logging
  - Check: Log level set appropriately (Debug < Info < Warn < Error)
  - Solution: Initialize logger in main() before any logging

Excessive Log Volume:
  - Symptom: Disk space fills quickly
  - Cause: Debug level in production
  - Check: Log level configuration
  - Solution: Use Info level in production, rotate logs

Missing Context Fields:
  - Symptom: Logs missing component or ID fields
  - Cause: Using global Logger instead of context logger
  - Solution: Use WithComponent() or create child loggers

Log Parsing Fails:
  - Symptom: Cannot parse JSON logs
  - Cause: Invalid JSON in message field
  - Check: Embedded quotes or control characters
  - Solution: Use .Str() instead of string interpolation

Performance Degradation:
  - Symptom: Slow application performance
  - Cause: Excessive logging in hot path
  - Check: Log statements in tight loops
  - Solution: Reduce log frequency, use sampling

# Log Rotation

File-Based Logging:

coldb doesn't include built-in log rotation. Use external tools:

Logrotate (Linux):
	# /etc/logrotate.d/coldb
	/var/log/coldb/*.log {
	    daily
	    rotate 7
	    compress
	    delaycompress
	    missingok
	    notifempty
	    copytruncate
	}

Systemd Journal:
	# Automatic rotation by systemd
	journalctl -u coldb -f

Docker/Kubernetes:
	# Use container runtime log drivers
	# JSON logs to stdout (already implemented)

# Log Aggregation

Recommended Tools:

Elasticsearch + Filebeat:
  - Filebeat ships logs to Elasticsearch
  - Kibana for visualization and search
  - Query: component:"flush" AND level:"error"

Loki + Promtail:
  - Lightweight log aggregation
  - Grafana integration
  - Query: {component="compaction"} |= "error"

CloudWatch Logs:
  - AWS native log aggregation
  - Metric filters for alerting
  - Query: fields @message | filter component = "flush"

Datadog:
  - Full-stack observability
  - APM and log correlation
  - Query: service:coldb component:cluster status:error

# Monitoring

Log-Based Alerts:

High Error Rate:
  - Query: rate(log entries with level="error"[5m]) > 10
  - Description: More than 10 errors per second
  - Action: Check recent errors, investigate root cause

No Logs:
  - Query: absent(log entries[1m])
  - Description: No logs received in 1 minute
  - Action: Check coldb process, log pipeline

Specific Error Pattern:
  - Query: log entries containing "failed to flush memtable"
  - Description: Storage-layer write pressure
  - Action: Check disk space, flush service health

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact tokens, passwords, API keys
  - Use log scrubbing for compliance (GDPR, PCI)
  - Review logs before sharing externally

Log Access:
  - Restrict log file permissions (0640)
  - Limit log aggregation access (RBAC)
  - Audit log access in production
  - Encrypt logs at rest and in transit

Log Injection:
  - Use structured logging (prevents injection)
  - Never concatenate user input into log messages
  - Use typed fields (.Str, .Int) for user data
  - Validate/sanitize before logging if necessary

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() so the error text is a field
  - Include context (node ID, table, transaction ID)

Don't:
  - Log sensitive data (secrets, passwords)
  - Use Debug level in production
  - Log in tight loops (use sampling)
  - Concatenate strings (use .Str, .Int)
  - Block on log writes (use buffered output)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
  - Log aggregation: https://www.elastic.co/what-is/log-aggregation
*/
package log
