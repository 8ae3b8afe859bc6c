package introspect

import (
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/procfs"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// ProcessMemory reads the memory of the current process through
// /proc/self/mem. Reads of unmapped or unreadable pages fail with
// ErrAddressNotMapped instead of faulting.
type ProcessMemory struct {
	procFS string
	f      *os.File

	mu    sync.RWMutex
	maps  mappings
	stale atomic.Bool
}

func NewProcessMemory(procFS string) (*ProcessMemory, error) {
	if procFS == "" {
		procFS = procfs.DefaultMountPoint
	}
	f, err := os.Open(procFS + "/self/mem")
	if err != nil {
		return nil, err
	}
	m := &ProcessMemory{procFS: procFS, f: f}
	if err := m.refresh(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *ProcessMemory) refresh() error {
	fs, err := procfs.NewFS(m.procFS)
	if err != nil {
		return err
	}
	proc, err := fs.Self()
	if err != nil {
		return err
	}
	procMaps, err := proc.ProcMaps()
	if err != nil {
		return err
	}
	ms := make([]Mapping, 0, len(procMaps))
	for _, pm := range procMaps {
		mapping := Mapping{Min: Address(pm.StartAddr), Max: Address(pm.EndAddr)}
		if pm.Perms != nil {
			if pm.Perms.Read {
				mapping.Perm |= Read
			}
			if pm.Perms.Write {
				mapping.Perm |= Write
			}
			if pm.Perms.Execute {
				mapping.Perm |= Exec
			}
		}
		ms = append(ms, mapping)
	}
	sorted, err := newMappings(ms)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.maps = sorted
	m.mu.Unlock()
	return nil
}

// Invalidate marks the known mappings as possibly outdated. The next read
// of a range that is not known to be mapped reloads them, once.
func (m *ProcessMemory) Invalidate() {
	m.stale.Store(true)
}

func (m *ProcessMemory) readable(a Address, n int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maps.readable(a, n)
}

// ReadAt reads len(p) bytes at address off.
func (m *ProcessMemory) ReadAt(p []byte, off int64) (int, error) {
	a := Address(off)
	if !m.readable(a, len(p)) {
		if !m.stale.CompareAndSwap(true, false) {
			return 0, fmt.Errorf("%w: %s", ErrAddressNotMapped, a)
		}
		if err := m.refresh(); err != nil {
			return 0, err
		}
		if !m.readable(a, len(p)) {
			return 0, fmt.Errorf("%w: %s", ErrAddressNotMapped, a)
		}
	}
	n, err := unix.Pread(int(m.f.Fd()), p, off)
	if err != nil {
		return n, fmt.Errorf("%w: %s: %w", ErrAddressNotMapped, a, err)
	}
	if n < len(p) {
		return n, fmt.Errorf("%w: short read at %s", ErrAddressNotMapped, a)
	}
	return n, nil
}

func (m *ProcessMemory) Close() error {
	return m.f.Close()
}
