//go:build !linux

package introspect

import (
	"fmt"
	"runtime"
)

type ProcessMemory struct{}

func NewProcessMemory(string) (*ProcessMemory, error) {
	return nil, fmt.Errorf("%w: reading process memory is not supported on %s", ErrUnsupportedRuntime, runtime.GOOS)
}

func (*ProcessMemory) ReadAt([]byte, int64) (int, error) {
	return 0, ErrUnsupportedRuntime
}

func (*ProcessMemory) Invalidate() {}

func (*ProcessMemory) Close() error {
	return nil
}
