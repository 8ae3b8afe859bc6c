//go:build unix && cgo

package symtab

/*
#cgo linux LDFLAGS: -ldl
#define _GNU_SOURCE
#include <dlfcn.h>
#include <stdlib.h>

static void* jg_dlsym_default(const char* name, char** err) {
	dlerror();
	void* p = dlsym(RTLD_DEFAULT, name);
	char* e = dlerror();
	if (e != NULL) {
		*err = e;
	}
	return p;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

func init() {
	dlsym = dlsymDefault
}

// dlsymDefault looks name up in the global scope of the dynamic linker.
func dlsymDefault(name string) (uintptr, error) {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	var cerr *C.char
	p := C.jg_dlsym_default(cs, &cerr)
	if cerr != nil {
		return 0, fmt.Errorf("%w: dlsym(%q): %s", ErrNotFound, name, C.GoString(cerr))
	}
	if p == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return uintptr(p), nil
}
