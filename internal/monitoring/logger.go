// Package monitoring holds the process-wide diagnostic logger shared by
// scansystem, the receiver, and the cmd/scanctl binary.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var verbose atomic.Bool

// SetVerbose toggles whether Debugf calls reach Logf. Off by default so the
// receiver's per-packet drop/late bookkeeping doesn't flood normal operation.
func SetVerbose(v bool) {
	verbose.Store(v)
}

// Debugf logs via Logf only while verbose mode is enabled, for call sites
// like the receiver's per-packet drop accounting that are too noisy to log
// unconditionally.
func Debugf(format string, v ...interface{}) {
	if verbose.Load() {
		Logf(format, v...)
	}
}
