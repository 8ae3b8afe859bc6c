package introspect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMUTF8(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want []byte
	}{
		{in: "Ljava/lang/String;", want: []byte("Ljava/lang/String;")},
		{in: "a\x00b", want: []byte{'a', 0xc0, 0x80, 'b'}},
		{in: "é", want: []byte{0xc3, 0xa9}},
		{in: "€", want: []byte{0xe2, 0x82, 0xac}},
		{in: "😀", want: []byte{0xed, 0xa0, 0xbd, 0xed, 0xb8, 0x80}},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got := EncodeMUTF8(tc.in)
			assert.Equal(t, tc.want, got)
			s, err := decodeMUTF8(got)
			require.NoError(t, err)
			assert.Equal(t, tc.in, s)
		})
	}

	_, err := decodeMUTF8([]byte{0xff})
	assert.Error(t, err)
	_, err = decodeMUTF8([]byte{0xe2, 0x82})
	assert.Error(t, err)
}

func TestDescriptorHash(t *testing.T) {
	assert.Equal(t, uint32(0), DescriptorHash(""))
	assert.Equal(t, uint32('a'*31+'b'), DescriptorHash("ab"))
	assert.NotEqual(t, DescriptorHash("La/B;"), DescriptorHash("La/C;"))
}

// testDex builds a dex file with strings "B", "I", "La/Main;", "count", and
// one field La/Main;.count:I, mapped at 0x10000.
func testDex(t *testing.T) *dexFile {
	t.Helper()
	mem, _ := buildTestDex("dex\n035\x00", false)
	d, err := openDex(&reader{mem: mem, ptrSize: 8}, 0x10000, 0)
	require.NoError(t, err)
	return d
}

// buildTestDex lays out the dex file of testDex at 0x10000. With split set
// the string data moves to a data section at the returned address and the
// string offsets become relative to it, as in compact dex files.
func buildTestDex(magic string, split bool) (*byteMemory, Address) {
	strs := []string{"B", "I", "La/Main;", "count"}
	b := make([]byte, dexHeaderSize)
	copy(b, magic)
	put32 := func(off int, v uint32) {
		b[off], b[off+1], b[off+2], b[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	stringIDs := len(b)
	b = append(b, make([]byte, 4*len(strs))...)
	typeIDs := len(b)
	b = append(b, 1, 0, 0, 0, 2, 0, 0, 0)
	fieldIDs := len(b)
	b = append(b, 1, 0, 0, 0, 3, 0, 0, 0)

	const dataAt = 0x8000
	var data []byte
	for i, s := range strs {
		if split {
			put32(stringIDs+4*i, uint32(len(data)))
			data = append(data, byte(len(s)))
			data = append(data, s...)
			data = append(data, 0)
			continue
		}
		put32(stringIDs+4*i, uint32(len(b)))
		b = append(b, byte(len(s)))
		b = append(b, s...)
		b = append(b, 0)
	}
	put32(dexStringIDsSize, uint32(len(strs)))
	put32(dexStringIDsOff, uint32(stringIDs))
	put32(dexTypeIDsSize, 2)
	put32(dexTypeIDsOff, uint32(typeIDs))
	put32(dexFieldIDsSize, 1)
	put32(dexFieldIDsOff, uint32(fieldIDs))

	image := make([]byte, dataAt+4096)
	copy(image, b)
	copy(image[dataAt:], data)
	return &byteMemory{base: 0x10000, data: image}, 0x10000 + dataAt
}

func TestDexFile(t *testing.T) {
	d := testDex(t)

	s, err := d.string(3)
	require.NoError(t, err)
	assert.Equal(t, "count", s)

	desc, err := d.typeDescriptor(1)
	require.NoError(t, err)
	assert.Equal(t, "La/Main;", desc)

	f, err := d.field(0)
	require.NoError(t, err)
	assert.Equal(t, dexFieldID{Class: "La/Main;", Type: "I", Name: "count"}, f)

	_, err = d.string(4)
	assert.Error(t, err)
	_, err = d.typeDescriptor(2)
	assert.Error(t, err)
	_, err = d.field(1)
	assert.Error(t, err)
}

func TestCompactDex(t *testing.T) {
	mem, dataBegin := buildTestDex("cdex001\x00", true)
	r := &reader{mem: mem, ptrSize: 8}

	d, err := openDex(r, 0x10000, dataBegin)
	require.NoError(t, err)
	f, err := d.field(0)
	require.NoError(t, err)
	assert.Equal(t, dexFieldID{Class: "La/Main;", Type: "I", Name: "count"}, f)

	_, err = openDex(r, 0x10000, 0)
	require.ErrorIs(t, err, ErrUnsupportedRuntime)
}

func TestDexMagic(t *testing.T) {
	mem := &byteMemory{base: 0x1000, data: make([]byte, dexHeaderSize)}
	_, err := openDex(&reader{mem: mem, ptrSize: 8}, 0x1000, 0)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupportedRuntime)
}

func TestULEB128(t *testing.T) {
	mem := &byteMemory{base: 0x1000, data: []byte{0xe5, 0x8e, 0x26, 0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}}
	d := &dexFile{r: &reader{mem: mem, ptrSize: 8}}

	v, n, err := d.uleb128(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(624485), v)
	assert.Equal(t, 3, n)

	v, n, err = d.uleb128(0x1003)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7f), v)
	assert.Equal(t, 1, n)

	_, _, err = d.uleb128(0x1004)
	assert.Error(t, err)
}
