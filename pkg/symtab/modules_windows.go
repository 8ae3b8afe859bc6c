package symtab

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func (r *ProcessResolver) platformStrategies() []strategy {
	return []strategy{{source: sourceModuleScan, resolve: r.scanModules}}
}

func enumProcessModules() ([]windows.Handle, error) {
	process := windows.CurrentProcess()
	handles := make([]windows.Handle, 256)
	for {
		var needed uint32
		size := uint32(len(handles)) * uint32(unsafe.Sizeof(handles[0]))
		if err := windows.EnumProcessModules(process, &handles[0], size, &needed); err != nil {
			return nil, fmt.Errorf("EnumProcessModules: %w", err)
		}
		n := int(needed / uint32(unsafe.Sizeof(handles[0])))
		if n <= len(handles) {
			return handles[:n], nil
		}
		handles = make([]windows.Handle, n)
	}
}

func (r *ProcessResolver) readModules() ([]Module, error) {
	if !r.self() {
		return nil, errors.New("only the current process can be scanned on windows")
	}
	handles, err := enumProcessModules()
	if err != nil {
		return nil, err
	}
	buf := make([]uint16, windows.MAX_LONG_PATH)
	res := make([]Module, 0, len(handles))
	for _, h := range handles {
		n, err := windows.GetModuleFileName(h, &buf[0], uint32(len(buf)))
		if err != nil {
			continue
		}
		res = append(res, Module{Path: windows.UTF16ToString(buf[:n]), Base: uintptr(h)})
	}
	return r.orderModules(res), nil
}

// scanModules asks every loaded module for name, hinted modules first.
func (r *ProcessResolver) scanModules(name string) (uintptr, error) {
	modules, err := r.readModules()
	if err != nil {
		return 0, err
	}
	for _, m := range modules {
		addr, err := windows.GetProcAddress(windows.Handle(m.Base), name)
		if err == nil && addr != 0 {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
}
