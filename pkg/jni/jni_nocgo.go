//go:build !cgo

package jni

import (
	"github.com/grafana/jvmgetter/pkg/jvm"
)

// Runtime is unavailable without cgo: there is no way to call into the
// virtual machine.
type Runtime struct{}

func (Runtime) CreatedVMs(uintptr, int) ([]jvm.VM, error) {
	return nil, jvm.ErrRuntimeUnavailable
}

func (Runtime) Supplied() (jvm.VM, bool) {
	return nil, false
}

type VM struct {
	ptr uintptr
}

func NewVM(ptr uintptr) *VM {
	return &VM{ptr: ptr}
}

func (vm *VM) Pointer() uintptr { return vm.ptr }

func (vm *VM) GetEnv(int32) (jvm.Env, error) {
	return nil, jvm.ErrRuntimeUnavailable
}

func (vm *VM) AttachCurrentThread(jvm.AttachArgs) (jvm.Env, error) {
	return nil, jvm.ErrRuntimeUnavailable
}

func (vm *VM) DetachCurrentThread() error {
	return jvm.ErrRuntimeUnavailable
}
