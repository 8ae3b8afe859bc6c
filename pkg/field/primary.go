package field

import (
	"fmt"

	"github.com/grafana/jvmgetter/pkg/jvm"
)

// Primary reads static fields through FindClass and GetStaticFieldID.
type Primary struct{}

func (Primary) ReadStaticField(env jvm.Env, d jvm.FieldDescriptor) (jvm.Value, error) {
	if err := d.Validate(); err != nil {
		return jvm.Value{}, err
	}
	cls, err := env.FindClass(d.Class)
	if err != nil {
		// FindClass uses the class loader of the calling context, so a miss
		// says nothing about the class existing.
		return jvm.Value{}, fmt.Errorf("%w: %w", jvm.ErrContextMiss, err)
	}
	defer env.DeleteLocalRef(cls)

	id, err := env.GetStaticFieldID(cls, d.Name, d.Signature)
	if err != nil {
		return jvm.Value{}, fmt.Errorf("%w: %s: %w", jvm.ErrFieldNotFound, d, err)
	}
	return env.GetStaticField(cls, id, d.Type())
}
