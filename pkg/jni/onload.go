//go:build cgo && jni_onload

package jni

/*
#include <stdint.h>
*/
import "C"

import "github.com/grafana/jvmgetter/pkg/jvm"

// JNI_OnLoad is called by System.loadLibrary when the shared library built
// from this module is loaded. The handle it receives is returned by
// Runtime.Supplied.
//
//export JNI_OnLoad
func JNI_OnLoad(vm C.uintptr_t, _ C.uintptr_t) C.int32_t {
	supplied.Store(uintptr(vm))
	return C.int32_t(jvm.Version1_6)
}
