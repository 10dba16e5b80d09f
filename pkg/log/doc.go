/*
Package log provides structured logging for Meridian using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Usage

Initializing the logger:

	import "github.com/meridian-io/meridian/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("cluster initialized")
	log.Warn("heartbeat missed for instance")
	log.Error("failed to apply raft log entry")

Structured logging:

	log.Logger.Info().
		Str("data_id", key.DataID).
		Str("group", key.Group).
		Msg("config published")

Component and context loggers:

	cfgLog := log.WithComponent("config")
	cfgLog.Info().Msg("long-poll sweep started")

	connLog := log.WithConnID(connID)
	connLog.Info().Msg("bi-stream connection established")

# Design Patterns

A single package-level Logger instance is initialized once via Init()
and is safe for concurrent use. Child loggers created with WithComponent,
WithNodeID, WithConnID, and WithNamespace attach a fixed field and should
be threaded through a call rather than rebuilt on every log line.

# Security

Never log tokens, passwords, or config content verbatim; use typed
fields and redact sensitive values before logging.
*/
package log
