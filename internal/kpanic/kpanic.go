// Package kpanic is the single choke point for fatal kernel invariant
// violations: lock timeouts, refcount overflow/underflow, double-free,
// killing a Running thread, and the other conditions the design treats as
// unrecoverable rather than as a typed error returned to a caller.
//
// On real hardware this prints the message and returns through the saved
// bootloader link register. That handoff can't be exercised on a host, so tests
// install their own handler with SetHandler and recover the resulting
// panic.
package kpanic

import "fmt"

var handler = func(msg string) {
	panic(msg)
}

// SetHandler installs h as the fatal-error handler, returning the previous
// handler so callers (typically tests) can restore it.
func SetHandler(h func(msg string)) (previous func(msg string)) {
	previous = handler
	handler = h
	return previous
}

// Panic reports a fatal invariant violation. format/args follow fmt.Sprintf
// conventions.
func Panic(format string, args ...any) {
	handler(fmt.Sprintf(format, args...))
}
