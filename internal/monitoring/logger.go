package monitoring

import "log"

// Logf is the process-wide diagnostic logger used by the recorder, the
// monitor and other helpers that have no stream of their own. It defaults
// to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf and returns a function restoring the previous
// logger. Passing nil mutes it.
func SetLogger(f func(format string, v ...interface{})) (restore func()) {
	prev := Logf
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
	return func() { Logf = prev }
}
