package jvm

import (
	"fmt"
	"strings"
)

// Kind is the JNI type category of a field, named after its signature
// character.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBoolean
	KindByte
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindObject
)

var kindNames = [...]string{"invalid", "boolean", "byte", "char", "short", "int", "long", "float", "double", "object"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Primitive reports whether values of the kind are stored inline.
func (k Kind) Primitive() bool {
	return k >= KindBoolean && k <= KindDouble
}

// Size is the number of bytes a field of this kind occupies inside a managed
// object. References are compressed to 32 bits.
func (k Kind) Size() int {
	switch k {
	case KindBoolean, KindByte:
		return 1
	case KindChar, KindShort:
		return 2
	case KindInt, KindFloat, KindObject:
		return 4
	case KindLong, KindDouble:
		return 8
	}
	return 0
}

const stringSignature = "Ljava/lang/String;"

// Type is a parsed field signature.
type Type struct {
	Kind      Kind
	Signature string
}

// IsString reports whether the type is java.lang.String.
func (t Type) IsString() bool {
	return t.Signature == stringSignature
}

func (t Type) String() string {
	return t.Signature
}

// ParseType parses a single JNI field signature such as "I",
// "Ljava/lang/String;" or "[[J".
func ParseType(signature string) (Type, error) {
	n, err := typeLength(signature)
	if err != nil {
		return Type{}, err
	}
	if n != len(signature) {
		return Type{}, fmt.Errorf("%w: trailing characters in signature %q", ErrMalformedDescriptor, signature)
	}
	return Type{Kind: kindOf(signature[0]), Signature: signature}, nil
}

// MustParseType is ParseType for signatures known to be valid.
func MustParseType(signature string) Type {
	t, err := ParseType(signature)
	if err != nil {
		panic(err)
	}
	return t
}

func kindOf(c byte) Kind {
	switch c {
	case 'Z':
		return KindBoolean
	case 'B':
		return KindByte
	case 'C':
		return KindChar
	case 'S':
		return KindShort
	case 'I':
		return KindInt
	case 'J':
		return KindLong
	case 'F':
		return KindFloat
	case 'D':
		return KindDouble
	case 'L', '[':
		return KindObject
	}
	return KindInvalid
}

// typeLength returns the length of the leading field type in s.
func typeLength(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty signature", ErrMalformedDescriptor)
	}
	switch s[0] {
	case 'Z', 'B', 'C', 'S', 'I', 'J', 'F', 'D':
		return 1, nil
	case 'L':
		end := strings.IndexByte(s, ';')
		if end < 0 {
			return 0, fmt.Errorf("%w: unterminated class signature %q", ErrMalformedDescriptor, s)
		}
		if err := validateInternalName(s[1:end]); err != nil {
			return 0, err
		}
		return end + 1, nil
	case '[':
		n, err := typeLength(s[1:])
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	}
	return 0, fmt.Errorf("%w: unknown type %q in signature", ErrMalformedDescriptor, s[0])
}
