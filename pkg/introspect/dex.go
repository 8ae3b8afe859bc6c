package introspect

import (
	"bytes"
	"fmt"
	"unicode/utf16"
)

// Offsets into the dex file header.
const (
	dexStringIDsSize = 0x38
	dexStringIDsOff  = 0x3c
	dexTypeIDsSize   = 0x40
	dexTypeIDsOff    = 0x44
	dexFieldIDsSize  = 0x50
	dexFieldIDsOff   = 0x54
	dexHeaderSize    = 0x70

	fieldIDItemSize = 8
	noIndex16       = 0xffff
)

var (
	dexMagic        = []byte("dex\n")
	compactDexMagic = []byte("cdex")
)

// dexFile reads ids from the main section starting at begin and string data
// relative to data. Standard dex files have data == begin; compact dex keeps
// string data in a data section that may be shared between dex files.
type dexFile struct {
	r     *reader
	begin Address
	data  Address

	stringIDsSize, stringIDsOff uint32
	typeIDsSize, typeIDsOff     uint32
	fieldIDsSize, fieldIDsOff   uint32
}

// dexFieldID is a decoded field_id_item.
type dexFieldID struct {
	Class string
	Type  string
	Name  string
}

// openDex opens the dex file at begin. dataBegin is the start of the data
// section recorded by the runtime, 0 when the runtime does not record one.
func openDex(r *reader, begin, dataBegin Address) (*dexFile, error) {
	h, err := r.read(begin, dexHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("reading dex header: %w", err)
	}
	data := begin
	switch {
	case bytes.HasPrefix(h, dexMagic):
	case bytes.HasPrefix(h, compactDexMagic):
		if dataBegin == 0 {
			return nil, fmt.Errorf("%w: compact dex at %s without a data section", ErrUnsupportedRuntime, begin)
		}
		data = dataBegin
	default:
		return nil, fmt.Errorf("no dex magic at %s", begin)
	}
	le := func(off int) uint32 {
		return uint32(h[off]) | uint32(h[off+1])<<8 | uint32(h[off+2])<<16 | uint32(h[off+3])<<24
	}
	return &dexFile{
		r:             r,
		begin:         begin,
		data:          data,
		stringIDsSize: le(dexStringIDsSize),
		stringIDsOff:  le(dexStringIDsOff),
		typeIDsSize:   le(dexTypeIDsSize),
		typeIDsOff:    le(dexTypeIDsOff),
		fieldIDsSize:  le(dexFieldIDsSize),
		fieldIDsOff:   le(dexFieldIDsOff),
	}, nil
}

func (d *dexFile) string(idx uint32) (string, error) {
	if idx >= d.stringIDsSize {
		return "", fmt.Errorf("string index %d out of range (%d)", idx, d.stringIDsSize)
	}
	off, err := d.r.u32(d.begin.Add(int64(d.stringIDsOff) + 4*int64(idx)))
	if err != nil {
		return "", err
	}
	a := d.data.Add(int64(off))
	n, size, err := d.uleb128(a)
	if err != nil {
		return "", err
	}
	data, err := d.cstring(a.Add(int64(size)), 3*int(n))
	if err != nil {
		return "", err
	}
	s, err := decodeMUTF8(data)
	if err != nil {
		return "", fmt.Errorf("string %d: %w", idx, err)
	}
	return s, nil
}

func (d *dexFile) typeDescriptor(idx uint32) (string, error) {
	if idx >= d.typeIDsSize {
		return "", fmt.Errorf("type index %d out of range (%d)", idx, d.typeIDsSize)
	}
	sidx, err := d.r.u32(d.begin.Add(int64(d.typeIDsOff) + 4*int64(idx)))
	if err != nil {
		return "", err
	}
	return d.string(sidx)
}

func (d *dexFile) field(idx uint32) (dexFieldID, error) {
	if idx >= d.fieldIDsSize {
		return dexFieldID{}, fmt.Errorf("field index %d out of range (%d)", idx, d.fieldIDsSize)
	}
	b, err := d.r.read(d.begin.Add(int64(d.fieldIDsOff)+fieldIDItemSize*int64(idx)), fieldIDItemSize)
	if err != nil {
		return dexFieldID{}, err
	}
	classIdx := uint32(b[0]) | uint32(b[1])<<8
	typeIdx := uint32(b[2]) | uint32(b[3])<<8
	nameIdx := uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24

	var f dexFieldID
	if f.Class, err = d.typeDescriptor(classIdx); err != nil {
		return dexFieldID{}, err
	}
	if f.Type, err = d.typeDescriptor(typeIdx); err != nil {
		return dexFieldID{}, err
	}
	if f.Name, err = d.string(nameIdx); err != nil {
		return dexFieldID{}, err
	}
	return f, nil
}

// uleb128 decodes an unsigned LEB128 value of at most 5 bytes.
func (d *dexFile) uleb128(a Address) (uint32, int, error) {
	var v uint32
	for i := 0; i < 5; i++ {
		b, err := d.r.read(a.Add(int64(i)), 1)
		if err != nil {
			return 0, 0, err
		}
		v |= uint32(b[0]&0x7f) << (7 * i)
		if b[0]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("uleb128 at %s is too long", a)
}

// cstring reads a NUL terminated string of at most limit bytes. Reads never
// cross a page boundary past the terminator.
func (d *dexFile) cstring(a Address, limit int) ([]byte, error) {
	var out []byte
	for len(out) <= limit {
		chunk := int(pageSize - (a % pageSize))
		if chunk > 64 {
			chunk = 64
		}
		b, err := d.r.read(a, chunk)
		if err != nil {
			return nil, err
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			return append(out, b[:i]...), nil
		}
		out = append(out, b...)
		a = a.Add(int64(chunk))
	}
	return nil, fmt.Errorf("unterminated string at %s", a)
}

// decodeMUTF8 decodes the modified UTF-8 used by dex files: NUL is encoded
// in two bytes and supplementary characters as surrogate pairs of three
// bytes each.
func decodeMUTF8(b []byte) (string, error) {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xe0 == 0xc0:
			if i+1 >= len(b) {
				return "", fmt.Errorf("truncated sequence at %d", i)
			}
			units = append(units, uint16(c&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2
		case c&0xf0 == 0xe0:
			if i+2 >= len(b) {
				return "", fmt.Errorf("truncated sequence at %d", i)
			}
			units = append(units, uint16(c&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3
		default:
			return "", fmt.Errorf("invalid byte %#x at %d", c, i)
		}
	}
	return string(utf16.Decode(units)), nil
}

// EncodeMUTF8 encodes s in the modified UTF-8 of dex files.
func EncodeMUTF8(s string) []byte {
	var b []byte
	for _, u := range utf16.Encode([]rune(s)) {
		switch {
		case u != 0 && u < 0x80:
			b = append(b, byte(u))
		case u < 0x800:
			b = append(b, 0xc0|byte(u>>6), 0x80|byte(u&0x3f))
		default:
			b = append(b, 0xe0|byte(u>>12), 0x80|byte(u>>6&0x3f), 0x80|byte(u&0x3f))
		}
	}
	return b
}

// DescriptorHash is the hash class tables store in the low bits of each
// slot.
func DescriptorHash(descriptor string) uint32 {
	var h uint32
	for _, c := range EncodeMUTF8(descriptor) {
		h = h*31 + uint32(c)
	}
	return h
}
