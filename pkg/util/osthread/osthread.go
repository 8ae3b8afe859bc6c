// Package osthread identifies the operating system thread the calling
// goroutine is running on. Results are only meaningful while the goroutine is
// locked to its thread with runtime.LockOSThread.
package osthread

// ID is an operating system thread identifier.
type ID uint64

// Current returns the id of the calling OS thread.
func Current() ID {
	return current()
}
