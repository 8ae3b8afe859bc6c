//go:build !linux && !windows && !cgo

package osthread

import (
	"bytes"
	"runtime"
	"strconv"
)

// Without cgo there is no portable way to ask for the thread. A goroutine
// locked to its thread is the only one running on it, so the goroutine id
// identifies the thread for as long as the lock is held.
func current() ID {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic("osthread: cannot parse goroutine id: " + err.Error())
	}
	return ID(id)
}
