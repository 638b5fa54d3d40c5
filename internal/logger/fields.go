package logger

import (
	"log/slog"
	"time"
)

// Standard field keys. Use these consistently so logs from concurrently
// running instances can be told apart and filtered.
const (
	KeyInstanceID = "instance_id"
	KeyComponent  = "component"
	KeyTraceID    = "trace_id"
	KeySpanID     = "span_id"

	KeyState   = "state"
	KeyResult  = "result"
	KeyAttempt = "attempt"
	KeyElapsed = "elapsed"
	KeyTimeout = "timeout"
	KeyBackoff = "backoff"

	KeyHost = "host"
	KeyPort = "port"
	KeyAddr = "addr"
	KeyURL  = "url"
	KeyDir  = "dir"

	KeyWebPort          = "web_port"
	KeyTCPPort          = "tcp_port"
	KeyStoragePort      = "storage_port"
	KeyCoordinationPort = "coordination_port"

	KeyTopic     = "topic"
	KeyPartition = "partition"
	KeyEntryID   = "entry_id"

	KeyError = "error"
)

// Err returns a slog.Attr for an error; nil errors produce an empty attr.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Port returns a slog.Attr for a TCP port.
func Port(p int) slog.Attr {
	return slog.Int(KeyPort, p)
}

// Dir returns a slog.Attr for a filesystem directory.
func Dir(path string) slog.Attr {
	return slog.String(KeyDir, path)
}

// Elapsed returns a slog.Attr with the time elapsed since start.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration(KeyElapsed, time.Since(start).Round(time.Millisecond))
}

// InstanceID returns a slog.Attr for the owning instance.
func InstanceID(id string) slog.Attr {
	return slog.String(KeyInstanceID, id)
}
