package introspect

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteMemory maps data at base.
type byteMemory struct {
	base Address
	data []byte
}

func (m *byteMemory) ReadAt(p []byte, off int64) (int, error) {
	a := Address(off)
	if a < m.base || int(a-m.base)+len(p) > len(m.data) {
		return 0, fmt.Errorf("%w: %s", ErrAddressNotMapped, a)
	}
	return copy(p, m.data[a-m.base:]), nil
}

func TestMappings(t *testing.T) {
	rw := Mapping{Min: 0x7f0000001000, Max: 0x7f0000003000, Perm: Read | Write}
	ro := Mapping{Min: 0x7f0000003000, Max: 0x7f0000004000, Perm: Read}
	none := Mapping{Min: 0x7f0000004000, Max: 0x7f0000005000}
	reserved := Mapping{Min: 0x7e0000000000, Max: 0x7e0400000000}
	ms, err := newMappings([]Mapping{none, rw, reserved, ro})
	require.NoError(t, err)
	require.Len(t, ms, 4)

	assert.Equal(t, rw, *ms.findMapping(0x7f0000001000))
	assert.Equal(t, rw, *ms.findMapping(0x7f0000002fff))
	assert.Equal(t, ro, *ms.findMapping(0x7f0000003000))
	assert.Equal(t, reserved, *ms.findMapping(0x7e0200000000))
	assert.Nil(t, ms.findMapping(0x7f0000000fff))
	assert.Nil(t, ms.findMapping(0x7f0000005000))
	assert.Nil(t, ms.findMapping(0x10))

	assert.True(t, ms.readable(0x7f0000001ff8, 16))
	assert.True(t, ms.readable(0x7f0000002ff8, 16), "spans adjacent readable mappings")
	assert.False(t, ms.readable(0x7f0000003ff8, 9), "crosses into an unreadable mapping")
	assert.False(t, ms.readable(0x7f0000000ff8, 16), "starts in an unmapped page")
	assert.False(t, ms.readable(0x7e0000001000, 8), "reservation without access")
	assert.True(t, ms.readable(0x10, 0))
	assert.False(t, ms.readable(0xfffffffffffffff8, 16), "wraps around")

	_, err = newMappings([]Mapping{{Min: 0x1001, Max: 0x2000}})
	require.Error(t, err)
	_, err = newMappings([]Mapping{{Min: 0x1000, Max: 0x2001}})
	require.Error(t, err)
	_, err = newMappings([]Mapping{{Min: 0x1000, Max: 0x3000}, {Min: 0x2000, Max: 0x4000}})
	require.Error(t, err)
}

func TestAddress(t *testing.T) {
	assert.Equal(t, Address(0x1008), Address(0x1000).Add(8))
	assert.Equal(t, Address(0xff8), Address(0x1000).Add(-8))
	assert.Equal(t, Address(0x1008), Address(0x1001).Align(8))
	assert.Equal(t, Address(0x1000), Address(0x1000).Align(8))
	assert.Equal(t, "0x1000", Address(0x1000).String())
}

func TestReader(t *testing.T) {
	mem := &byteMemory{base: 0x1000, data: []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0xff, 0xee, 0xdd, 0xcc, 0x00, 0x00, 0x00, 0x00,
	}}
	r := &reader{mem: mem, ptrSize: 8}

	v16, err := r.u16(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0201), v16)

	v32, err := r.u32(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), v32)

	p, err := r.ptr(0x1000)
	require.NoError(t, err)
	assert.Equal(t, Address(0x0807060504030201), p)

	ref, err := r.ref(0x1008)
	require.NoError(t, err)
	assert.Equal(t, Address(0xccddeeff), ref)

	b, err := r.bits(0x1008, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xff), b)
	b, err = r.bits(0x1008, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xeeff), b)

	r.ptrSize = 4
	p, err = r.ptr(0x1004)
	require.NoError(t, err)
	assert.Equal(t, Address(0x08070605), p)

	_, err = r.u64(0x100c)
	assert.True(t, errors.Is(err, ErrAddressNotMapped))
	_, err = r.u32(0)
	assert.True(t, errors.Is(err, ErrAddressNotMapped))

	long, err := r.read(0x1000, 16)
	require.NoError(t, err)
	assert.Equal(t, mem.data, long)
}

func TestReaderTaggedPointer(t *testing.T) {
	mem := &byteMemory{base: 0x1000, data: []byte{
		0x90, 0x43, 0x8b, 0x00, 0x00, 0x00, 0x00, 0xb4,
	}}
	r := &reader{mem: mem, ptrSize: 8}

	p, err := r.ptr(0x1000)
	require.NoError(t, err)
	assert.Equal(t, Address(0xb4000000008b4390), p)

	r.tagMask = TopByteTagMask
	p, err = r.ptr(0x1000)
	require.NoError(t, err)
	assert.Equal(t, Address(0x8b4390), p)
	assert.Equal(t, Address(0x8b4390), r.untag(0xb4000000008b4390))
}
