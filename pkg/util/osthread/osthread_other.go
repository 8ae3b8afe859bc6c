//go:build !linux && !windows && cgo

package osthread

/*
#include <pthread.h>
#include <stdint.h>

static uint64_t jg_thread_id(void) {
	return (uint64_t)(uintptr_t)pthread_self();
}
*/
import "C"

func current() ID {
	return ID(C.jg_thread_id())
}
