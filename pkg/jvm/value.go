package jvm

import (
	"fmt"
	"math"
)

// Value is the content of a field. Two values read from the same field are
// equal (==) if and only if they are bit-identical.
type Value struct {
	typ  Type
	bits uint64
	str  string
	ref  Ref
	null bool
}

var (
	typeBoolean = MustParseType("Z")
	typeByte    = MustParseType("B")
	typeChar    = MustParseType("C")
	typeShort   = MustParseType("S")
	typeInt     = MustParseType("I")
	typeLong    = MustParseType("J")
	typeFloat   = MustParseType("F")
	typeDouble  = MustParseType("D")
	typeString  = MustParseType(stringSignature)
)

// RawValue reinterprets the low bytes of bits according to a primitive type.
func RawValue(t Type, bits uint64) Value {
	switch t.Kind.Size() {
	case 1:
		bits &= 0xff
	case 2:
		bits &= 0xffff
	case 4:
		bits &= 0xffffffff
	}
	return Value{typ: t, bits: bits}
}

func BooleanValue(v bool) Value {
	if v {
		return RawValue(typeBoolean, 1)
	}
	return RawValue(typeBoolean, 0)
}

func ByteValue(v int8) Value      { return RawValue(typeByte, uint64(uint8(v))) }
func CharValue(v uint16) Value    { return RawValue(typeChar, uint64(v)) }
func ShortValue(v int16) Value    { return RawValue(typeShort, uint64(uint16(v))) }
func IntValue(v int32) Value      { return RawValue(typeInt, uint64(uint32(v))) }
func LongValue(v int64) Value     { return RawValue(typeLong, uint64(v)) }
func FloatValue(v float32) Value  { return RawValue(typeFloat, uint64(math.Float32bits(v))) }
func DoubleValue(v float64) Value { return RawValue(typeDouble, math.Float64bits(v)) }
func StringValue(v string) Value  { return Value{typ: typeString, str: v} }

// ObjectValue wraps a local reference. A zero reference is a null value.
func ObjectValue(t Type, r Ref) Value {
	if r == 0 {
		return NullValue(t)
	}
	return Value{typ: t, ref: r}
}

// NullValue is a null reference of type t.
func NullValue(t Type) Value { return Value{typ: t, null: true} }

func (v Value) Type() Type      { return v.typ }
func (v Value) Bits() uint64    { return v.bits }
func (v Value) Bool() bool      { return v.bits != 0 }
func (v Value) Byte() int8      { return int8(v.bits) }
func (v Value) Char() uint16    { return uint16(v.bits) }
func (v Value) Short() int16    { return int16(v.bits) }
func (v Value) Int() int32      { return int32(v.bits) }
func (v Value) Long() int64     { return int64(v.bits) }
func (v Value) Float() float32  { return math.Float32frombits(uint32(v.bits)) }
func (v Value) Double() float64 { return math.Float64frombits(v.bits) }

// Text returns the content of a java.lang.String value.
func (v Value) Text() string { return v.str }

// Ref returns the local reference of a non-string object value.
func (v Value) Ref() Ref { return v.ref }

// IsNull reports whether an object value holds no reference.
func (v Value) IsNull() bool {
	return v.null
}

func (v Value) String() string {
	switch v.typ.Kind {
	case KindBoolean:
		return fmt.Sprint(v.Bool())
	case KindByte:
		return fmt.Sprint(v.Byte())
	case KindChar:
		return fmt.Sprintf("%q", rune(v.Char()))
	case KindShort:
		return fmt.Sprint(v.Short())
	case KindInt:
		return fmt.Sprint(v.Int())
	case KindLong:
		return fmt.Sprint(v.Long())
	case KindFloat:
		return fmt.Sprint(v.Float())
	case KindDouble:
		return fmt.Sprint(v.Double())
	case KindObject:
		if v.null {
			return "null"
		}
		if v.typ.IsString() {
			return v.str
		}
		return fmt.Sprintf("%s@%#x", v.typ.Signature, uintptr(v.ref))
	}
	return "<invalid>"
}
