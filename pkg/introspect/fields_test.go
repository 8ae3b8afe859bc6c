package introspect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticOffsets(t *testing.T) {
	for _, tc := range []struct {
		name   string
		start  uint32
		fields []StaticField
		want   []uint32
	}{
		{
			name: "references first, gap filled by int",
			// d at 120, the long is aligned to 128 leaving a hole at 124
			// that the int takes.
			start: 120,
			fields: []StaticField{
				{Name: "a", Signature: "I", DexIndex: 0},
				{Name: "b", Signature: "J", DexIndex: 1},
				{Name: "c", Signature: "Z", DexIndex: 2},
				{Name: "d", Signature: "Ljava/lang/Object;", DexIndex: 3},
				{Name: "e", Signature: "S", DexIndex: 4},
				{Name: "f", Signature: "B", DexIndex: 5},
			},
			want: []uint32{124, 128, 138, 120, 136, 139},
		},
		{
			name:  "gap split for narrower fields",
			start: 124,
			fields: []StaticField{
				{Name: "j", Signature: "J", DexIndex: 0},
				{Name: "s", Signature: "S", DexIndex: 1},
				{Name: "b", Signature: "B", DexIndex: 2},
				{Name: "c", Signature: "C", DexIndex: 3},
			},
			want: []uint32{128, 126, 136, 124},
		},
		{
			name:  "dex index breaks ties",
			start: 120,
			fields: []StaticField{
				{Name: "y", Signature: "I", DexIndex: 7},
				{Name: "x", Signature: "I", DexIndex: 3},
				{Name: "s", Signature: "Ljava/lang/String;", DexIndex: 9},
				{Name: "r", Signature: "[I", DexIndex: 1},
			},
			want: []uint32{132, 128, 124, 120},
		},
		{
			name:  "float and int share a size, int first",
			start: 128,
			fields: []StaticField{
				{Name: "f", Signature: "F", DexIndex: 0},
				{Name: "i", Signature: "I", DexIndex: 1},
				{Name: "d", Signature: "D", DexIndex: 2},
				{Name: "l", Signature: "J", DexIndex: 3},
			},
			want: []uint32{148, 144, 136, 128},
		},
		{
			name:  "no fields",
			start: 120,
			want:  []uint32{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := StaticOffsets(tc.fields, tc.start)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := StaticOffsets([]StaticField{{Name: "bad", Signature: "Q"}}, 120)
	assert.Error(t, err)
}

func TestFirstStaticOffset(t *testing.T) {
	l := android9
	assert.Equal(t, uint32(120), FirstStaticOffset(&l, false, 11))
	// RoundUp(120+4, 8) + IMT pointer + 11 vtable entries
	assert.Equal(t, uint32(128+8+88), FirstStaticOffset(&l, true, 11))

	l.PointerSize = 4
	assert.Equal(t, uint32(124+4+44), FirstStaticOffset(&l, true, 11))
}

func TestReadString(t *testing.T) {
	l := android9
	data := make([]byte, 64)
	// compressed "hi"
	data[8] = 2 << 1
	copy(data[16:], "hi")
	// uncompressed "é€"
	data[40] = 2<<1 | 1
	copy(data[48:], []byte{0xe9, 0x00, 0xac, 0x20})
	w := newWalker(nil, &l, &byteMemory{base: 0x1000, data: data})

	s, err := w.readString(0x1000)
	require.NoError(t, err)
	assert.Equal(t, "hi", s)

	s, err = w.readString(0x1000 + 32)
	require.NoError(t, err)
	assert.Equal(t, "é€", s)

	l.StringCompression = false
	data[40] = 2
	s, err = w.readString(0x1000 + 32)
	require.NoError(t, err)
	assert.Equal(t, "é€", s)
}
