package monitoring

import "log"

// Logf is the package-level diagnostic logger used for high-volume engine
// output (per-cluster scoring, pipeline stage timing). It defaults to
// log.Printf but may be replaced by SetLogger. Tests mute it; embedders can
// redirect it into their own logging stack.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
