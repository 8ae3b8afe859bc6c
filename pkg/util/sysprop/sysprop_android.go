//go:build android && cgo

package sysprop

/*
#include <stdlib.h>
#include <sys/system_properties.h>

static int jg_property_get(const char* name, char* value) {
	return __system_property_get(name, value);
}
*/
import "C"

import "unsafe"

func get(name string) string {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	buf := (*C.char)(C.malloc(C.PROP_VALUE_MAX))
	defer C.free(unsafe.Pointer(buf))
	if n := C.jg_property_get(cname, buf); n <= 0 {
		return ""
	}
	return C.GoString(buf)
}
