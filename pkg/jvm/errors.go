package jvm

import (
	"errors"
	"fmt"
)

var (
	ErrRuntimeNotFound      = errors.New("no java vm found in process")
	ErrRuntimeUnavailable   = errors.New("jni support is not compiled in")
	ErrAttachFailed         = errors.New("failed to attach thread to java vm")
	ErrDetached             = errors.New("thread is not attached to java vm")
	ErrVersion              = errors.New("jni version not supported")
	ErrClassNotFound        = errors.New("class not found")
	ErrFieldNotFound        = errors.New("field not found")
	ErrMalformedDescriptor  = errors.New("malformed field descriptor")
	ErrUnsupportedFieldType = errors.New("unsupported field type")

	// ErrContextMiss is raised when a class is not visible from the calling
	// thread's class loader. It selects the fallback lookup and is never
	// returned to callers of the field accessor.
	ErrContextMiss = errors.New("class not visible from current class loader")
)

// Status is a JNI return code.
type Status int32

const (
	StatusOK        Status = 0
	StatusErr       Status = -1
	StatusEDetached Status = -2
	StatusEVersion  Status = -3
	StatusENoMem    Status = -4
	StatusEExist    Status = -5
	StatusEInval    Status = -6
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "JNI_OK"
	case StatusErr:
		return "JNI_ERR"
	case StatusEDetached:
		return "JNI_EDETACHED"
	case StatusEVersion:
		return "JNI_EVERSION"
	case StatusENoMem:
		return "JNI_ENOMEM"
	case StatusEExist:
		return "JNI_EEXIST"
	case StatusEInval:
		return "JNI_EINVAL"
	}
	return fmt.Sprintf("JNI status %d", int32(s))
}

// StatusError is a failed JNI call.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case StatusEDetached:
		return ErrDetached
	case StatusEVersion:
		return ErrVersion
	}
	return nil
}

// CheckStatus returns nil for StatusOK and a *StatusError otherwise.
func CheckStatus(op string, s Status) error {
	if s == StatusOK {
		return nil
	}
	return &StatusError{Op: op, Status: s}
}
