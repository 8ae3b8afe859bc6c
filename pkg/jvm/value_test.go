package jvm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRawValueMatchesTypedConstructors(t *testing.T) {
	assert.Equal(t, IntValue(42), RawValue(MustParseType("I"), 42))
	assert.Equal(t, IntValue(-1), RawValue(MustParseType("I"), 0xffffffff))
	// Bytes beyond the field size are ignored.
	assert.Equal(t, IntValue(7), RawValue(MustParseType("I"), 0xdead_0000_0007))
	assert.Equal(t, ByteValue(-2), RawValue(MustParseType("B"), 0xfe))
	assert.Equal(t, ShortValue(-3), RawValue(MustParseType("S"), 0xfffd))
	assert.Equal(t, CharValue('x'), RawValue(MustParseType("C"), 'x'))
	assert.Equal(t, BooleanValue(true), RawValue(MustParseType("Z"), 1))
	assert.Equal(t, LongValue(math.MinInt64), RawValue(MustParseType("J"), 1<<63))
	assert.Equal(t, FloatValue(1.5), RawValue(MustParseType("F"), uint64(math.Float32bits(1.5))))
	assert.Equal(t, DoubleValue(-0.25), RawValue(MustParseType("D"), math.Float64bits(-0.25)))
}

func TestValueAccessors(t *testing.T) {
	assert.Equal(t, int32(42), IntValue(42).Int())
	assert.Equal(t, int64(-5), LongValue(-5).Long())
	assert.Equal(t, float32(2.5), FloatValue(2.5).Float())
	assert.Equal(t, "hello", StringValue("hello").Text())
	assert.Equal(t, "42", IntValue(42).String())
	assert.Equal(t, "true", BooleanValue(true).String())
	assert.Equal(t, "hello", StringValue("hello").String())
}

func TestNullValues(t *testing.T) {
	str := MustParseType("Ljava/lang/String;")
	assert.True(t, NullValue(str).IsNull())
	assert.False(t, StringValue("").IsNull())
	assert.NotEqual(t, NullValue(str), StringValue(""))
	assert.True(t, ObjectValue(MustParseType("[I"), 0).IsNull())
	assert.False(t, ObjectValue(MustParseType("[I"), 0x10).IsNull())
	assert.Equal(t, "null", NullValue(str).String())
}

func TestStatusError(t *testing.T) {
	assert.NoError(t, CheckStatus("GetEnv", StatusOK))
	err := CheckStatus("GetEnv", StatusEDetached)
	assert.ErrorIs(t, err, ErrDetached)
	assert.EqualError(t, err, "GetEnv: JNI_EDETACHED")
	assert.ErrorIs(t, CheckStatus("GetEnv", StatusEVersion), ErrVersion)
	assert.NotErrorIs(t, CheckStatus("AttachCurrentThread", StatusErr), ErrDetached)
	assert.Equal(t, "JNI status -42", Status(-42).String())
}
