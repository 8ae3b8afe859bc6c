//go:build !linux && !windows

package symtab

import (
	"fmt"
	"runtime"
)

func (r *ProcessResolver) platformStrategies() []strategy {
	return nil
}

func (r *ProcessResolver) readModules() ([]Module, error) {
	return nil, fmt.Errorf("listing modules is not supported on %s", runtime.GOOS)
}
