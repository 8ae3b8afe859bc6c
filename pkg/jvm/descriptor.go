package jvm

import (
	"fmt"
	"strings"
)

// FieldDescriptor identifies a static field by class, name and signature.
type FieldDescriptor struct {
	// Class is the internal class name, for example "dev/gobley/SimpleObject".
	Class     string
	Name      string
	Signature string
}

// NewFieldDescriptor normalizes className (dotted, internal or descriptor
// form) and validates the result.
func NewFieldDescriptor(className, fieldName, signature string) (FieldDescriptor, error) {
	d := FieldDescriptor{
		Class:     InternalName(className),
		Name:      fieldName,
		Signature: signature,
	}
	if err := d.Validate(); err != nil {
		return FieldDescriptor{}, err
	}
	return d, nil
}

// Validate checks that the descriptor is well formed.
func (d FieldDescriptor) Validate() error {
	if err := validateInternalName(d.Class); err != nil {
		return err
	}
	if d.Name == "" || strings.ContainsAny(d.Name, ".;[/") {
		return fmt.Errorf("%w: invalid field name %q", ErrMalformedDescriptor, d.Name)
	}
	_, err := ParseType(d.Signature)
	return err
}

// Type returns the parsed signature. The descriptor must be valid.
func (d FieldDescriptor) Type() Type {
	return MustParseType(d.Signature)
}

// ClassDescriptor returns the class in type descriptor form ("La/b/C;").
func (d FieldDescriptor) ClassDescriptor() string {
	return "L" + d.Class + ";"
}

func (d FieldDescriptor) String() string {
	return d.Class + "." + d.Name + ":" + d.Signature
}

// InternalName converts "a.b.C" and "La/b/C;" to "a/b/C".
func InternalName(className string) string {
	if len(className) > 2 && className[0] == 'L' && className[len(className)-1] == ';' {
		className = className[1 : len(className)-1]
	}
	return strings.ReplaceAll(className, ".", "/")
}

func validateInternalName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty class name", ErrMalformedDescriptor)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || strings.ContainsAny(part, ".;[") {
			return fmt.Errorf("%w: invalid class name %q", ErrMalformedDescriptor, name)
		}
	}
	return nil
}
