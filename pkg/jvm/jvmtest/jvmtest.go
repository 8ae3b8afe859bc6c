// Package jvmtest provides an in-process fake of the JNI embedding API.
//
// The fake models the two properties jvmgetter cares about: environments are
// bound to OS threads, and application classes are only visible to FindClass
// on threads the virtual machine created itself. Threads attached from native
// code see the system class loader only, as on Android.
package jvmtest

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/grafana/jvmgetter/pkg/jvm"
	"github.com/grafana/jvmgetter/pkg/util/osthread"
)

// Runtime is a fake jvm.Runtime.
type Runtime struct {
	// EntryPoint is the only address CreatedVMs accepts.
	EntryPoint uintptr
	VMs        []*VM
	// SuppliedVM simulates a JNI_OnLoad hand-off.
	SuppliedVM *VM

	calls atomic.Int64
}

func (r *Runtime) CreatedVMs(entryPoint uintptr, max int) ([]jvm.VM, error) {
	r.calls.Inc()
	if entryPoint != r.EntryPoint {
		return nil, fmt.Errorf("unexpected entry point %#x", entryPoint)
	}
	res := make([]jvm.VM, 0, len(r.VMs))
	for i, vm := range r.VMs {
		if i == max {
			break
		}
		res = append(res, vm)
	}
	return res, nil
}

func (r *Runtime) Supplied() (jvm.VM, bool) {
	if r.SuppliedVM == nil {
		return nil, false
	}
	return r.SuppliedVM, true
}

// Calls returns how many times CreatedVMs was invoked.
func (r *Runtime) Calls() int {
	return int(r.calls.Load())
}

// Class is a loaded class with static fields.
type Class struct {
	Name string
	// App classes are loaded by the application class loader.
	App    bool
	fields []*field
}

type field struct {
	name      string
	signature string
	value     jvm.Value
}

// SetStatic defines or updates a static field.
func (c *Class) SetStatic(name, signature string, v jvm.Value) *Class {
	for _, f := range c.fields {
		if f.name == name && f.signature == signature {
			f.value = v
			return c
		}
	}
	c.fields = append(c.fields, &field{name: name, signature: signature, value: v})
	return c
}

// VM is a fake jvm.VM.
type VM struct {
	address uintptr

	// AttachErr makes AttachCurrentThread fail, as during shutdown.
	AttachErr error

	mu       sync.Mutex
	classes  map[string]*Class
	threads  map[osthread.ID]*Env
	refs     map[jvm.Ref]*Class
	nextRef  jvm.Ref
	attaches int
	detaches int
}

// NewVM returns a VM whose root handle is address.
func NewVM(address uintptr) *VM {
	return &VM{
		address: address,
		classes: map[string]*Class{},
		threads: map[osthread.ID]*Env{},
		refs:    map[jvm.Ref]*Class{},
		nextRef: 0x1000,
	}
}

// DefineClass registers a loaded class under its internal name.
func (vm *VM) DefineClass(name string, app bool) *Class {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	c := &Class{Name: name, App: app}
	vm.classes[name] = c
	return c
}

// AdoptCurrentThread turns the calling OS thread into a thread the virtual
// machine created. The caller must be locked to its OS thread.
func (vm *VM) AdoptCurrentThread() *Env {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	env := &Env{vm: vm, thread: osthread.Current(), runtimeThread: true}
	vm.threads[env.thread] = env
	return env
}

// ExitCurrentThread ends a thread created with AdoptCurrentThread.
func (vm *VM) ExitCurrentThread() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	delete(vm.threads, osthread.Current())
}

// IsAttached reports whether the calling OS thread is attached.
func (vm *VM) IsAttached() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	_, ok := vm.threads[osthread.Current()]
	return ok
}

// AttachedThreads returns the number of attached threads.
func (vm *VM) AttachedThreads() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.threads)
}

// Attaches returns how many native threads were attached.
func (vm *VM) Attaches() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.attaches
}

// Detaches returns how many threads were detached.
func (vm *VM) Detaches() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.detaches
}

func (vm *VM) Pointer() uintptr {
	return vm.address
}

func (vm *VM) GetEnv(version int32) (jvm.Env, error) {
	if version < jvm.Version1_1 || version > jvm.Version1_8 {
		return nil, jvm.CheckStatus("GetEnv", jvm.StatusEVersion)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	env, ok := vm.threads[osthread.Current()]
	if !ok {
		return nil, jvm.CheckStatus("GetEnv", jvm.StatusEDetached)
	}
	return env, nil
}

func (vm *VM) AttachCurrentThread(args jvm.AttachArgs) (jvm.Env, error) {
	if vm.AttachErr != nil {
		return nil, vm.AttachErr
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	id := osthread.Current()
	if env, ok := vm.threads[id]; ok {
		return env, nil
	}
	env := &Env{vm: vm, thread: id, name: args.Name, daemon: args.Daemon}
	vm.threads[id] = env
	vm.attaches++
	return env, nil
}

func (vm *VM) DetachCurrentThread() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	id := osthread.Current()
	if _, ok := vm.threads[id]; !ok {
		return jvm.CheckStatus("DetachCurrentThread", jvm.StatusEDetached)
	}
	delete(vm.threads, id)
	vm.detaches++
	return nil
}

// Env is a fake jvm.Env bound to one OS thread.
type Env struct {
	vm            *VM
	thread        osthread.ID
	runtimeThread bool
	name          string
	daemon        bool
	localRefs     int
}

// Daemon reports whether the thread was attached as a daemon.
func (e *Env) Daemon() bool { return e.daemon }

// Name is the thread name given at attach time.
func (e *Env) Name() string { return e.name }

// LocalRefs returns the number of live local references.
func (e *Env) LocalRefs() int {
	e.vm.mu.Lock()
	defer e.vm.mu.Unlock()
	return e.localRefs
}

func (e *Env) checkThread() {
	if cur := osthread.Current(); cur != e.thread {
		panic(fmt.Sprintf("JNIEnv of thread %d used on thread %d", e.thread, cur))
	}
}

func (e *Env) Pointer() uintptr {
	return uintptr(e.thread)<<4 | 1
}

func (e *Env) JavaVM() (uintptr, error) {
	return e.vm.address, nil
}

func (e *Env) FindClass(name string) (jvm.Ref, error) {
	e.checkThread()
	e.vm.mu.Lock()
	defer e.vm.mu.Unlock()
	c, ok := e.vm.classes[name]
	if !ok || (c.App && !e.runtimeThread) {
		return 0, fmt.Errorf("%w: %s", jvm.ErrClassNotFound, name)
	}
	e.vm.nextRef += 8
	ref := e.vm.nextRef
	e.vm.refs[ref] = c
	e.localRefs++
	return ref, nil
}

func (e *Env) class(ref jvm.Ref) (*Class, error) {
	e.vm.mu.Lock()
	defer e.vm.mu.Unlock()
	c, ok := e.vm.refs[ref]
	if !ok {
		return nil, fmt.Errorf("invalid class reference %#x", uintptr(ref))
	}
	return c, nil
}

func (e *Env) GetStaticFieldID(class jvm.Ref, name, signature string) (jvm.FieldID, error) {
	e.checkThread()
	c, err := e.class(class)
	if err != nil {
		return 0, err
	}
	for i, f := range c.fields {
		if f.name == name && f.signature == signature {
			return jvm.FieldID(i + 1), nil
		}
	}
	return 0, fmt.Errorf("%w: %s.%s:%s", jvm.ErrFieldNotFound, c.Name, name, signature)
}

func (e *Env) GetStaticField(class jvm.Ref, id jvm.FieldID, typ jvm.Type) (jvm.Value, error) {
	e.checkThread()
	c, err := e.class(class)
	if err != nil {
		return jvm.Value{}, err
	}
	if id == 0 || int(id) > len(c.fields) {
		return jvm.Value{}, fmt.Errorf("invalid field id %d", id)
	}
	f := c.fields[id-1]
	if f.signature != typ.Signature {
		return jvm.Value{}, fmt.Errorf("field %s has signature %s, requested %s", f.name, f.signature, typ.Signature)
	}
	return f.value, nil
}

func (e *Env) DeleteLocalRef(ref jvm.Ref) {
	e.checkThread()
	e.vm.mu.Lock()
	defer e.vm.mu.Unlock()
	if _, ok := e.vm.refs[ref]; ok {
		delete(e.vm.refs, ref)
		e.localRefs--
	}
}
