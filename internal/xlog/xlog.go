// Package xlog gates debug/trace logging for the allocator packages
// behind a single process-wide switch: warnings and errors always go
// through, verbose/debug lines only when explicitly enabled.
package xlog

import (
	"sync/atomic"

	log "github.com/bnclabs/golog"
)

var verbose = int64(0)

// Enable turns on debug/verbose logging for the allocator packages.
// Disabled by default so a busy alloc/free loop does not pay for
// formatting on every call.
func Enable() {
	atomic.StoreInt64(&verbose, 1)
}

// Disable turns off debug/verbose logging.
func Disable() {
	atomic.StoreInt64(&verbose, 0)
}

func enabled() bool {
	return atomic.LoadInt64(&verbose) > 0
}

func Debugf(format string, v ...interface{}) {
	if enabled() {
		log.Debugf(format, v...)
	}
}

func Verbosef(format string, v ...interface{}) {
	if enabled() {
		log.Verbosef(format, v...)
	}
}

// Warnf always logs; recoverable allocation failures (pool exhaustion,
// driver out of memory) are reported here regardless of the verbose
// switch.
func Warnf(format string, v ...interface{}) {
	log.Warnf(format, v...)
}

// Errorf always logs.
func Errorf(format string, v ...interface{}) {
	log.Errorf(format, v...)
}

// Fatalf always logs before the caller aborts the process.
func Fatalf(format string, v ...interface{}) {
	log.Fatalf(format, v...)
}
