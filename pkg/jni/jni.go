//go:build cgo

// Package jni implements the jvm interfaces on top of a real virtual machine
// loaded into the process. Calls go through the JNI function tables by index,
// so no JDK headers or libraries are needed at build time.
package jni

/*
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

typedef int32_t jg_jint;

typedef struct {
	jg_jint version;
	char* name;
	void* group;
} jg_attach_args;

// JNIInvokeInterface
#define JG_VM_ATTACH_CURRENT_THREAD 4
#define JG_VM_DETACH_CURRENT_THREAD 5
#define JG_VM_GET_ENV 6
#define JG_VM_ATTACH_CURRENT_THREAD_AS_DAEMON 7

// JNINativeInterface
#define JG_FIND_CLASS 6
#define JG_EXCEPTION_CLEAR 17
#define JG_DELETE_LOCAL_REF 23
#define JG_GET_STATIC_FIELD_ID 144
#define JG_GET_STATIC_OBJECT_FIELD 145
#define JG_GET_STATIC_BOOLEAN_FIELD 146
#define JG_GET_STATIC_BYTE_FIELD 147
#define JG_GET_STATIC_CHAR_FIELD 148
#define JG_GET_STATIC_SHORT_FIELD 149
#define JG_GET_STATIC_INT_FIELD 150
#define JG_GET_STATIC_LONG_FIELD 151
#define JG_GET_STATIC_FLOAT_FIELD 152
#define JG_GET_STATIC_DOUBLE_FIELD 153
#define JG_GET_STRING_LENGTH 164
#define JG_GET_JAVA_VM 219
#define JG_GET_STRING_REGION 220
#define JG_EXCEPTION_CHECK 228

static void** jg_table(uintptr_t p) {
	return *(void***)p;
}

static jg_jint jg_get_created_vms(uintptr_t fn, uintptr_t* buf, jg_jint len, jg_jint* n) {
	return ((jg_jint (*)(uintptr_t*, jg_jint, jg_jint*))fn)(buf, len, n);
}

static jg_jint jg_get_env(uintptr_t vm, uintptr_t* env, jg_jint version) {
	return ((jg_jint (*)(uintptr_t, uintptr_t*, jg_jint))jg_table(vm)[JG_VM_GET_ENV])(vm, env, version);
}

static jg_jint jg_attach(uintptr_t vm, uintptr_t* env, jg_jint version, char* name, int daemon) {
	jg_attach_args args = {version, name, NULL};
	int idx = daemon ? JG_VM_ATTACH_CURRENT_THREAD_AS_DAEMON : JG_VM_ATTACH_CURRENT_THREAD;
	return ((jg_jint (*)(uintptr_t, uintptr_t*, jg_attach_args*))jg_table(vm)[idx])(vm, env, &args);
}

static jg_jint jg_detach(uintptr_t vm) {
	return ((jg_jint (*)(uintptr_t))jg_table(vm)[JG_VM_DETACH_CURRENT_THREAD])(vm);
}

static int jg_clear_exception(uintptr_t env) {
	void** t = jg_table(env);
	if (((uint8_t (*)(uintptr_t))t[JG_EXCEPTION_CHECK])(env)) {
		((void (*)(uintptr_t))t[JG_EXCEPTION_CLEAR])(env);
		return 1;
	}
	return 0;
}

static uintptr_t jg_find_class(uintptr_t env, const char* name) {
	uintptr_t cls = ((uintptr_t (*)(uintptr_t, const char*))jg_table(env)[JG_FIND_CLASS])(env, name);
	if (jg_clear_exception(env)) {
		return 0;
	}
	return cls;
}

static uintptr_t jg_get_static_field_id(uintptr_t env, uintptr_t cls, const char* name, const char* sig) {
	uintptr_t id = ((uintptr_t (*)(uintptr_t, uintptr_t, const char*, const char*))jg_table(env)[JG_GET_STATIC_FIELD_ID])(env, cls, name, sig);
	if (jg_clear_exception(env)) {
		return 0;
	}
	return id;
}

// jg_get_static_field reads a static field and widens it to 64 bits.
static uint64_t jg_get_static_field(uintptr_t env, uintptr_t cls, uintptr_t id, char kind) {
	void** t = jg_table(env);
	switch (kind) {
	case 'Z': return ((uint8_t (*)(uintptr_t, uintptr_t, uintptr_t))t[JG_GET_STATIC_BOOLEAN_FIELD])(env, cls, id);
	case 'B': return (uint8_t)((int8_t (*)(uintptr_t, uintptr_t, uintptr_t))t[JG_GET_STATIC_BYTE_FIELD])(env, cls, id);
	case 'C': return ((uint16_t (*)(uintptr_t, uintptr_t, uintptr_t))t[JG_GET_STATIC_CHAR_FIELD])(env, cls, id);
	case 'S': return (uint16_t)((int16_t (*)(uintptr_t, uintptr_t, uintptr_t))t[JG_GET_STATIC_SHORT_FIELD])(env, cls, id);
	case 'I': return (uint32_t)((int32_t (*)(uintptr_t, uintptr_t, uintptr_t))t[JG_GET_STATIC_INT_FIELD])(env, cls, id);
	case 'J': return (uint64_t)((int64_t (*)(uintptr_t, uintptr_t, uintptr_t))t[JG_GET_STATIC_LONG_FIELD])(env, cls, id);
	case 'F': {
		float f = ((float (*)(uintptr_t, uintptr_t, uintptr_t))t[JG_GET_STATIC_FLOAT_FIELD])(env, cls, id);
		uint32_t bits;
		memcpy(&bits, &f, sizeof(bits));
		return bits;
	}
	case 'D': {
		double d = ((double (*)(uintptr_t, uintptr_t, uintptr_t))t[JG_GET_STATIC_DOUBLE_FIELD])(env, cls, id);
		uint64_t bits;
		memcpy(&bits, &d, sizeof(bits));
		return bits;
	}
	default:
		return ((uintptr_t (*)(uintptr_t, uintptr_t, uintptr_t))t[JG_GET_STATIC_OBJECT_FIELD])(env, cls, id);
	}
}

static void jg_delete_local_ref(uintptr_t env, uintptr_t ref) {
	((void (*)(uintptr_t, uintptr_t))jg_table(env)[JG_DELETE_LOCAL_REF])(env, ref);
}

static jg_jint jg_get_java_vm(uintptr_t env, uintptr_t* vm) {
	return ((jg_jint (*)(uintptr_t, uintptr_t*))jg_table(env)[JG_GET_JAVA_VM])(env, vm);
}

static jg_jint jg_string_length(uintptr_t env, uintptr_t str) {
	return ((jg_jint (*)(uintptr_t, uintptr_t))jg_table(env)[JG_GET_STRING_LENGTH])(env, str);
}

static void jg_string_region(uintptr_t env, uintptr_t str, jg_jint len, uint16_t* buf) {
	((void (*)(uintptr_t, uintptr_t, jg_jint, jg_jint, uint16_t*))jg_table(env)[JG_GET_STRING_REGION])(env, str, 0, len, buf);
}
*/
import "C"

import (
	"fmt"
	"unicode/utf16"
	"unsafe"

	"go.uber.org/atomic"

	"github.com/grafana/jvmgetter/pkg/jvm"
)

var supplied atomic.Uintptr

// Runtime is the process wide embedding API.
type Runtime struct{}

func (Runtime) CreatedVMs(entryPoint uintptr, max int) ([]jvm.VM, error) {
	if entryPoint == 0 {
		return nil, fmt.Errorf("nil entry point")
	}
	if max < 1 {
		max = 1
	}
	buf := make([]C.uintptr_t, max)
	var n C.jg_jint
	status := C.jg_get_created_vms(C.uintptr_t(entryPoint), &buf[0], C.jg_jint(max), &n)
	if err := jvm.CheckStatus("JNI_GetCreatedJavaVMs", jvm.Status(status)); err != nil {
		return nil, err
	}
	res := make([]jvm.VM, 0, int(n))
	for i := 0; i < int(n) && i < max; i++ {
		res = append(res, &VM{ptr: uintptr(buf[i])})
	}
	return res, nil
}

func (Runtime) Supplied() (jvm.VM, bool) {
	if p := supplied.Load(); p != 0 {
		return &VM{ptr: p}, true
	}
	return nil, false
}

// VM wraps a JavaVM pointer.
type VM struct {
	ptr uintptr
}

// NewVM wraps a JavaVM pointer obtained elsewhere, for example from a host
// calling into Go with its own handle.
func NewVM(ptr uintptr) *VM {
	return &VM{ptr: ptr}
}

func (vm *VM) Pointer() uintptr {
	return vm.ptr
}

func (vm *VM) GetEnv(version int32) (jvm.Env, error) {
	var env C.uintptr_t
	status := C.jg_get_env(C.uintptr_t(vm.ptr), &env, C.jg_jint(version))
	if err := jvm.CheckStatus("GetEnv", jvm.Status(status)); err != nil {
		return nil, err
	}
	return &Env{ptr: uintptr(env)}, nil
}

func (vm *VM) AttachCurrentThread(args jvm.AttachArgs) (jvm.Env, error) {
	var name *C.char
	if args.Name != "" {
		name = C.CString(args.Name)
		defer C.free(unsafe.Pointer(name))
	}
	daemon := C.int(0)
	if args.Daemon {
		daemon = 1
	}
	var env C.uintptr_t
	status := C.jg_attach(C.uintptr_t(vm.ptr), &env, C.jg_jint(args.Version), name, daemon)
	if err := jvm.CheckStatus("AttachCurrentThread", jvm.Status(status)); err != nil {
		return nil, err
	}
	return &Env{ptr: uintptr(env)}, nil
}

func (vm *VM) DetachCurrentThread() error {
	return jvm.CheckStatus("DetachCurrentThread", jvm.Status(C.jg_detach(C.uintptr_t(vm.ptr))))
}

// Env wraps a JNIEnv pointer. It is only valid on the thread it came from.
type Env struct {
	ptr uintptr
}

func (e *Env) Pointer() uintptr {
	return e.ptr
}

func (e *Env) env() C.uintptr_t {
	return C.uintptr_t(e.ptr)
}

func (e *Env) JavaVM() (uintptr, error) {
	var vm C.uintptr_t
	if err := jvm.CheckStatus("GetJavaVM", jvm.Status(C.jg_get_java_vm(e.env(), &vm))); err != nil {
		return 0, err
	}
	return uintptr(vm), nil
}

func (e *Env) FindClass(name string) (jvm.Ref, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	cls := C.jg_find_class(e.env(), cname)
	if cls == 0 {
		return 0, fmt.Errorf("%w: %s", jvm.ErrClassNotFound, name)
	}
	return jvm.Ref(cls), nil
}

func (e *Env) GetStaticFieldID(class jvm.Ref, name, signature string) (jvm.FieldID, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	csig := C.CString(signature)
	defer C.free(unsafe.Pointer(csig))
	id := C.jg_get_static_field_id(e.env(), C.uintptr_t(class), cname, csig)
	if id == 0 {
		return 0, fmt.Errorf("%w: %s:%s", jvm.ErrFieldNotFound, name, signature)
	}
	return jvm.FieldID(id), nil
}

func (e *Env) GetStaticField(class jvm.Ref, field jvm.FieldID, typ jvm.Type) (jvm.Value, error) {
	if typ.Kind == jvm.KindInvalid {
		return jvm.Value{}, fmt.Errorf("%w: %q", jvm.ErrMalformedDescriptor, typ.Signature)
	}
	bits := uint64(C.jg_get_static_field(e.env(), C.uintptr_t(class), C.uintptr_t(field), C.char(typ.Signature[0])))
	if typ.Kind != jvm.KindObject {
		return jvm.RawValue(typ, bits), nil
	}
	ref := jvm.Ref(bits)
	if !typ.IsString() || ref == 0 {
		return jvm.ObjectValue(typ, ref), nil
	}
	defer e.DeleteLocalRef(ref)
	return jvm.StringValue(e.stringValue(ref)), nil
}

func (e *Env) stringValue(ref jvm.Ref) string {
	n := int(C.jg_string_length(e.env(), C.uintptr_t(ref)))
	if n <= 0 {
		return ""
	}
	buf := make([]uint16, n)
	C.jg_string_region(e.env(), C.uintptr_t(ref), C.jg_jint(n), (*C.uint16_t)(unsafe.Pointer(&buf[0])))
	return string(utf16.Decode(buf))
}

func (e *Env) DeleteLocalRef(ref jvm.Ref) {
	if ref != 0 {
		C.jg_delete_local_ref(e.env(), C.uintptr_t(ref))
	}
}
