// Package jvm describes the subset of the Java Native Interface that
// jvmgetter relies on. The interfaces are implemented by pkg/jni on top of a
// real virtual machine and by pkg/jvm/jvmtest for tests.
package jvm

// JNI versions accepted by GetEnv and AttachCurrentThread.
const (
	Version1_1 int32 = 0x00010001
	Version1_2 int32 = 0x00010002
	Version1_4 int32 = 0x00010004
	Version1_6 int32 = 0x00010006
	Version1_8 int32 = 0x00010008
)

// EnumerationEntryPoint is the exported name of the function that lists the
// virtual machines created in the current process.
const EnumerationEntryPoint = "JNI_GetCreatedJavaVMs"

// Ref is a JNI object reference (jobject, jclass, ...).
type Ref uintptr

// FieldID is an opaque JNI field identifier (jfieldID).
type FieldID uintptr

// Runtime is the process-level embedding API.
type Runtime interface {
	// CreatedVMs calls the JNI_GetCreatedJavaVMs compatible function located
	// at entryPoint and returns at most max virtual machines.
	CreatedVMs(entryPoint uintptr, max int) ([]VM, error)
	// Supplied returns the VM captured from a conventional load-time
	// hand-off (JNI_OnLoad), if one happened.
	Supplied() (VM, bool)
}

// AttachArgs controls how a native thread is attached.
type AttachArgs struct {
	Version int32
	Name    string
	// Daemon threads do not keep the virtual machine alive on shutdown.
	Daemon bool
}

// VM is the root handle of a virtual machine (JavaVM*). It is valid on every
// thread.
type VM interface {
	Pointer() uintptr
	// GetEnv returns the environment of the calling thread, or an error
	// matching ErrDetached when the thread is not attached.
	GetEnv(version int32) (Env, error)
	AttachCurrentThread(args AttachArgs) (Env, error)
	DetachCurrentThread() error
}

// Env is a thread-local execution environment (JNIEnv*). It must only be used
// on the OS thread it was obtained on.
type Env interface {
	Pointer() uintptr
	// JavaVM returns the address of the VM this environment belongs to.
	JavaVM() (uintptr, error)
	// FindClass resolves name (internal form, a/b/C) with the class loader
	// associated with the calling context. Failures match ErrClassNotFound
	// and leave no pending exception behind.
	FindClass(name string) (Ref, error)
	// GetStaticFieldID fails with ErrFieldNotFound and leaves no pending
	// exception behind.
	GetStaticFieldID(class Ref, name, signature string) (FieldID, error)
	GetStaticField(class Ref, field FieldID, typ Type) (Value, error)
	DeleteLocalRef(ref Ref)
}
