package osthread

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCurrentIsStableWhileLocked(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	id := Current()
	require.NotZero(t, id)
	for i := 0; i < 100; i++ {
		runtime.Gosched()
		require.Equal(t, id, Current())
	}
}

func TestCurrentDiffersAcrossLockedThreads(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	mine := Current()

	other := make(chan ID)
	go func() {
		runtime.LockOSThread()
		// Exiting without unlocking terminates the thread, so it cannot be
		// the one this test is locked to.
		other <- Current()
	}()
	require.NotEqual(t, mine, <-other)
}
