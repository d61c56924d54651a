package pipeline

import (
	"io"
	"log"
)

// Streams used by the cycle and runner:
//
//   - ops: failed ticks, failed retargets, remote exit and a final status
//     message that could not be queued.
//   - diag: config versions applied, registration dropping out or coming
//     back, pacing changes and cycle closure.
//   - trace: one line per tick with frame, tracked-body and message counts,
//     plus ignored control addresses.
var (
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters points the cycle's ops, diag and trace streams at the given
// writers. A nil writer silences that stream; trace is normally left nil
// outside debugging since it logs every tick.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = cycleLogger(ops)
	diagLogger = cycleLogger(diag)
	traceLogger = cycleLogger(trace)
}

// SetLegacyLogger sends every cycle stream to w, for KV2_DEBUG_LOG.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(w, w, w)
}

func cycleLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, "[pipeline] ", log.LstdFlags|log.Lmicroseconds)
}

func logTo(l *log.Logger, format string, args []interface{}) {
	if l != nil {
		l.Printf(format, args...)
	}
}

func opsf(format string, args ...interface{})   { logTo(opsLogger, format, args) }
func diagf(format string, args ...interface{})  { logTo(diagLogger, format, args) }
func tracef(format string, args ...interface{}) { logTo(traceLogger, format, args) }
