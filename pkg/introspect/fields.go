package introspect

import (
	"container/heap"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/grafana/jvmgetter/pkg/jvm"
)

const referenceSize = 4

// StaticField is a static field as declared in the dex file.
type StaticField struct {
	Name      string
	Signature string
	// DexIndex is the index of the field_id_item; it breaks ties between
	// fields of the same type.
	DexIndex uint32
}

// StaticOffsets returns the offset of every field in fields, in the same
// order, when statics are laid out starting at start. References come first,
// then primitives from the widest to the narrowest, each aligned to its size.
// Holes left by alignment are filled with later, narrower fields.
func StaticOffsets(fields []StaticField, start uint32) ([]uint32, error) {
	kinds := make([]jvm.Kind, len(fields))
	for i, f := range fields {
		t, err := jvm.ParseType(f.Signature)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		kinds[i] = t.Kind
	}
	order := make([]int, len(fields))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		ka, kb := kinds[a], kinds[b]
		if ka != kb {
			if ka == jvm.KindObject {
				return true
			}
			if kb == jvm.KindObject {
				return false
			}
			if ka.Size() != kb.Size() {
				return ka.Size() > kb.Size()
			}
			return ka < kb
		}
		return fields[a].DexIndex < fields[b].DexIndex
	})

	offsets := make([]uint32, len(fields))
	offset := start
	var gaps fieldGaps
	next := 0
	for ; next < len(order); next++ {
		idx := order[next]
		if kinds[idx] != jvm.KindObject {
			break
		}
		if offset%referenceSize != 0 {
			aligned := roundUp(offset, referenceSize)
			gaps.add(offset, aligned)
			offset = aligned
		}
		offsets[idx] = offset
		offset += referenceSize
	}
	for _, n := range []uint32{8, 4, 2, 1} {
		for ; next < len(order); next++ {
			idx := order[next]
			if uint32(kinds[idx].Size()) < n {
				break
			}
			if offset%n != 0 {
				aligned := roundUp(offset, n)
				gaps.add(offset, aligned)
				offset = aligned
			}
			if len(gaps) > 0 && gaps[0].size >= n {
				g := heap.Pop(&gaps).(fieldGap)
				offsets[idx] = g.start
				if g.size > n {
					gaps.add(g.start+n, g.start+g.size)
				}
				continue
			}
			offsets[idx] = offset
			offset += n
		}
	}
	return offsets, nil
}

func roundUp(v, n uint32) uint32 {
	return (v + n - 1) &^ (n - 1)
}

type fieldGap struct {
	start, size uint32
}

// fieldGaps is a heap returning the largest gap first, the lowest one among
// gaps of equal size.
type fieldGaps []fieldGap

func (g fieldGaps) Len() int { return len(g) }
func (g fieldGaps) Less(i, j int) bool {
	return g[i].size > g[j].size || (g[i].size == g[j].size && g[i].start < g[j].start)
}
func (g fieldGaps) Swap(i, j int) { g[i], g[j] = g[j], g[i] }
func (g *fieldGaps) Push(x any)   { *g = append(*g, x.(fieldGap)) }
func (g *fieldGaps) Pop() any {
	old := *g
	x := old[len(old)-1]
	*g = old[:len(old)-1]
	return x
}

// add records [start, end) as aligned 4, 2 and 1 byte holes.
func (g *fieldGaps) add(start, end uint32) {
	for cur := start; cur != end; {
		remaining := end - cur
		switch {
		case remaining >= 4 && cur%4 == 0:
			heap.Push(g, fieldGap{cur, 4})
			cur += 4
		case remaining >= 2 && cur%2 == 0:
			heap.Push(g, fieldGap{cur, 2})
			cur += 2
		default:
			heap.Push(g, fieldGap{cur, 1})
			cur++
		}
	}
}

// FirstStaticOffset returns where statics start in a class object.
// Instantiable classes embed their vtable, preceded by its length and the
// IMT pointer, between the class fields and the statics.
func FirstStaticOffset(l *Layout, embeddedVTable bool, vtableLength uint32) uint32 {
	start := uint32(l.ClassSize)
	if !embeddedVTable {
		return start
	}
	ptr := uint32(l.PointerSize)
	start = roundUp(start+4, ptr)
	start += ptr
	start += vtableLength * ptr
	return start
}

const maxStringLength = 1 << 24

// readString decodes the java.lang.String at s.
func (w *walker) readString(s Address) (string, error) {
	count, err := w.r.u32(s.Add(int64(w.l.StringCount)))
	if err != nil {
		return "", err
	}
	length, compressed := count, false
	if w.l.StringCompression {
		length, compressed = count>>1, count&1 == 0
	}
	if length > maxStringLength {
		return "", fmt.Errorf("string at %s has implausible length %d", s, length)
	}
	data := s.Add(int64(w.l.StringValue))
	if compressed {
		b, err := w.r.read(data, int(length))
		if err != nil {
			return "", err
		}
		runes := make([]rune, len(b))
		for i, c := range b {
			runes[i] = rune(c)
		}
		return string(runes), nil
	}
	b, err := w.r.read(data, 2*int(length))
	if err != nil {
		return "", err
	}
	units := make([]uint16, length)
	for i := range units {
		units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

// readValue reads a static field of type t stored at a.
func (w *walker) readValue(a Address, t jvm.Type) (jvm.Value, error) {
	if t.Kind.Primitive() {
		bits, err := w.r.bits(a, t.Kind.Size())
		if err != nil {
			return jvm.Value{}, err
		}
		return jvm.RawValue(t, bits), nil
	}
	if !t.IsString() {
		return jvm.Value{}, fmt.Errorf("%w: %s", jvm.ErrUnsupportedFieldType, t)
	}
	ref, err := w.r.ref(a)
	if err != nil {
		return jvm.Value{}, err
	}
	if ref == 0 {
		return jvm.NullValue(t), nil
	}
	s, err := w.readString(ref)
	if err != nil {
		return jvm.Value{}, err
	}
	return jvm.StringValue(s), nil
}
