// Package arttest builds synthetic Android runtime heaps. The image holds a
// JavaVMExt, Runtime, ClassLinker, class tables, a dex file and class
// objects laid out according to an introspect.Layout, so that introspection
// can be tested without a device.
package arttest

import (
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/grafana/jvmgetter/pkg/introspect"
	"github.com/grafana/jvmgetter/pkg/jvm"
)

const (
	// Base is the address of the first byte of every image. It is below
	// 4GiB so that objects can be referenced with 32 bit references.
	Base = 0x10000000

	pageSize       = 4096
	accPublic      = 0x0001
	accStatic      = 0x0008
	accAbstract    = 0x0400
	internTableOff = 32

	// pointerTag is set on native pointers of layouts with a tag mask.
	pointerTag = 0xb4 << 56
)

// Heap describes the classes of a synthetic runtime.
type Heap struct {
	layout     introspect.Layout
	distance   int
	compactDex bool
	classes    []*Class
}

func New(l introspect.Layout) *Heap {
	return &Heap{layout: l}
}

// UseDistance places the class linker at the i-th distance of the layout.
func (h *Heap) UseDistance(i int) *Heap {
	h.distance = i
	return h
}

// CompactDex stores the classes in a compact dex file whose string data
// lives in a separate data section.
func (h *Heap) CompactDex() *Heap {
	h.compactDex = true
	return h
}

type static struct {
	name      string
	signature string
	value     jvm.Value
}

type Class struct {
	descriptor    string
	boot          bool
	abstract      bool
	uninitialized bool
	wrongOffsets  bool
	vtableLength  uint32
	statics       []static
}

// DefineClass adds a class. Boot classes go to the boot class table, the
// others to an application class loader.
func (h *Heap) DefineClass(name string, boot bool) *Class {
	c := &Class{
		descriptor:   "L" + jvm.InternalName(name) + ";",
		boot:         boot,
		vtableLength: 11,
	}
	h.classes = append(h.classes, c)
	return c
}

func (c *Class) SetStatic(name, signature string, v jvm.Value) *Class {
	c.statics = append(c.statics, static{name: name, signature: signature, value: v})
	return c
}

// Abstract makes the class abstract, so it has no embedded vtable.
func (c *Class) Abstract() *Class {
	c.abstract = true
	return c
}

// Uninitialized leaves the class verified but not initialized.
func (c *Class) Uninitialized() *Class {
	c.uninitialized = true
	return c
}

// WrongOffsets records field offsets that differ from the computed layout.
func (c *Class) WrongOffsets() *Class {
	c.wrongOffsets = true
	return c
}

// Image is the memory of a synthetic runtime. Layouts with a pointer tag
// mask get tagged native pointers, as on devices with heap tagging; tagged
// addresses are not mapped.
type Image struct {
	data []byte
	// VM is the address of the JavaVMExt.
	VM uintptr
}

func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < Base || off-Base+int64(len(p)) > int64(len(img.data)) {
		return 0, fmt.Errorf("%w: %#x", introspect.ErrAddressNotMapped, off)
	}
	return copy(p, img.data[off-Base:]), nil
}

type arena struct {
	data    []byte
	ptrSize int
	tag     uint64
}

func (a *arena) alloc(size, align int) uint64 {
	off := (len(a.data) + align - 1) &^ (align - 1)
	a.data = append(a.data, make([]byte, off+size-len(a.data))...)
	return Base + uint64(off)
}

func (a *arena) slice(addr uint64, n int) []byte {
	off := int(addr - Base)
	return a.data[off : off+n]
}

func (a *arena) put16(addr uint64, v uint16) {
	binary.LittleEndian.PutUint16(a.slice(addr, 2), v)
}

func (a *arena) put32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(a.slice(addr, 4), v)
}

func (a *arena) put64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(a.slice(addr, 8), v)
}

func (a *arena) putPtr(addr, v uint64) {
	if a.ptrSize == 4 {
		a.put32(addr, uint32(v))
		return
	}
	a.put64(addr, v)
}

// putAddr stores a pointer to a natively allocated structure.
func (a *arena) putAddr(addr, v uint64) {
	if v != 0 {
		v |= a.tag
	}
	a.putPtr(addr, v)
}

func (a *arena) putBits(addr uint64, size int, v uint64) {
	for i := 0; i < size; i++ {
		a.data[int(addr-Base)+i] = byte(v >> (8 * i))
	}
}

type fieldKey struct {
	class, name, signature string
}

// dex is the single dex file holding every class of the heap. main is the
// header and id sections; string data is in main, or in data for compact
// dex files.
type dex struct {
	strings map[string]uint32
	types   map[string]uint32
	fields  map[fieldKey]uint32
	main    []byte
	data    []byte
}

func uleb128(v uint32) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

func buildDex(classes []*Class, compact bool) *dex {
	stringSet := map[string]struct{}{}
	typeSet := map[string]struct{}{}
	var keys []fieldKey
	for _, c := range classes {
		stringSet[c.descriptor] = struct{}{}
		typeSet[c.descriptor] = struct{}{}
		for _, s := range c.statics {
			stringSet[s.name] = struct{}{}
			stringSet[s.signature] = struct{}{}
			typeSet[s.signature] = struct{}{}
			keys = append(keys, fieldKey{c.descriptor, s.name, s.signature})
		}
	}
	d := &dex{strings: map[string]uint32{}, types: map[string]uint32{}, fields: map[fieldKey]uint32{}}

	strs := make([]string, 0, len(stringSet))
	for s := range stringSet {
		strs = append(strs, s)
	}
	sort.Strings(strs)
	for i, s := range strs {
		d.strings[s] = uint32(i)
	}
	types := make([]string, 0, len(typeSet))
	for t := range typeSet {
		types = append(types, t)
	}
	sort.Strings(types)
	for i, t := range types {
		d.types[t] = uint32(i)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.class != b.class {
			return d.types[a.class] < d.types[b.class]
		}
		if a.name != b.name {
			return d.strings[a.name] < d.strings[b.name]
		}
		return d.types[a.signature] < d.types[b.signature]
	})
	for i, k := range keys {
		d.fields[k] = uint32(i)
	}

	const headerSize = 0x70
	stringIDsOff := headerSize
	typeIDsOff := stringIDsOff + 4*len(strs)
	fieldIDsOff := typeIDsOff + 4*len(types)
	dataOff := fieldIDsOff + 8*len(keys)

	b := make([]byte, dataOff)
	if compact {
		copy(b, "cdex001\x00")
	} else {
		copy(b, "dex\n035\x00")
	}
	le := binary.LittleEndian
	le.PutUint32(b[0x24:], headerSize)
	le.PutUint32(b[0x28:], 0x12345678)
	le.PutUint32(b[0x38:], uint32(len(strs)))
	le.PutUint32(b[0x3c:], uint32(stringIDsOff))
	le.PutUint32(b[0x40:], uint32(len(types)))
	le.PutUint32(b[0x44:], uint32(typeIDsOff))
	le.PutUint32(b[0x50:], uint32(len(keys)))
	le.PutUint32(b[0x54:], uint32(fieldIDsOff))
	var data []byte
	for i, s := range strs {
		item := uleb128(uint32(len(utf16.Encode([]rune(s)))))
		item = append(item, introspect.EncodeMUTF8(s)...)
		item = append(item, 0)
		if compact {
			le.PutUint32(b[stringIDsOff+4*i:], uint32(len(data)))
			data = append(data, item...)
			continue
		}
		le.PutUint32(b[stringIDsOff+4*i:], uint32(len(b)))
		b = append(b, item...)
	}
	for i, t := range types {
		le.PutUint32(b[typeIDsOff+4*i:], d.strings[t])
	}
	for i, k := range keys {
		off := fieldIDsOff + 8*i
		le.PutUint16(b[off:], uint16(d.types[k.class]))
		le.PutUint16(b[off+2:], uint16(d.types[k.signature]))
		le.PutUint32(b[off+4:], d.strings[k.name])
	}
	le.PutUint32(b[0x20:], uint32(len(b)))
	d.main = b
	d.data = data
	return d
}

// Build lays the heap out in memory.
func (h *Heap) Build() (*Image, error) {
	l := &h.layout
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if h.distance >= len(l.ClassLinkerDistances) {
		return nil, fmt.Errorf("layout has %d class linker distances, want index %d", len(l.ClassLinkerDistances), h.distance)
	}
	ptr := l.PointerSize
	a := &arena{ptrSize: ptr, tag: pointerTag & l.PointerTagMask}
	// Keep address Base unused so that no structure is at a valid nil.
	a.alloc(pageSize, pageSize)

	d := buildDex(h.classes, h.compactDex)
	dexBegin := a.alloc(len(d.main), 8)
	copy(a.slice(dexBegin, len(d.main)), d.main)
	dataBegin := dexBegin
	if h.compactDex {
		dataBegin = a.alloc(len(d.data)+1, 8)
		copy(a.slice(dataBegin, len(d.data)), d.data)
	}
	dexFile := a.alloc(max(l.DexFileBegin, l.DexFileDataBegin)+ptr, 8)
	a.putPtr(dexFile+uint64(l.DexFileBegin), dexBegin)
	if l.DexFileDataBegin > 0 {
		a.putPtr(dexFile+uint64(l.DexFileDataBegin), dataBegin)
	}
	dexCache := a.alloc(l.DexCacheDexFile+8, 8)
	a.putAddr(dexCache+uint64(l.DexCacheDexFile), dexFile)
	internTable := a.alloc(16, 8)

	addrs := make(map[*Class]uint64, len(h.classes))
	for _, c := range h.classes {
		addr, err := h.buildClass(a, d, c, dexCache)
		if err != nil {
			return nil, err
		}
		addrs[c] = addr
	}

	var boot, app []*Class
	for _, c := range h.classes {
		if c.boot {
			boot = append(boot, c)
		} else {
			app = append(app, c)
		}
	}
	bootTable := h.buildClassTable(a, boot, addrs)
	appTable := h.buildClassTable(a, app, addrs)

	clSize := l.ClassLinkerScanEnd
	for _, end := range []int{l.ClassLinkerBootClassTable + ptr, l.ClassLinkerClassLoaders + 3*ptr, internTableOff + ptr} {
		if end > clSize {
			clSize = end
		}
	}
	cl := a.alloc(clSize, 8)
	a.putAddr(cl+internTableOff, internTable)
	a.putAddr(cl+uint64(l.ClassLinkerBootClassTable), bootTable)

	// class_loaders_: a loader without classes, then the application loader.
	head := cl + uint64(l.ClassLinkerClassLoaders)
	nodeSize := l.ListNodeData + l.ClassLoaderDataClassTable + 2*ptr
	nodes := []uint64{a.alloc(nodeSize, 8), a.alloc(nodeSize, 8)}
	tables := []uint64{0, appTable}
	for i, n := range nodes {
		prev, next := head, head
		if i > 0 {
			prev = nodes[i-1]
		}
		if i < len(nodes)-1 {
			next = nodes[i+1]
		}
		a.putAddr(n, prev)
		a.putAddr(n+uint64(ptr), next)
		data := n + uint64(l.ListNodeData)
		a.putPtr(data, dexCache)
		a.putAddr(data+uint64(l.ClassLoaderDataClassTable), tables[i])
	}
	a.putAddr(head, nodes[len(nodes)-1])
	a.putAddr(head+uint64(ptr), nodes[0])
	a.putPtr(head+uint64(2*ptr), uint64(len(nodes)))

	vm := a.alloc(l.JavaVMRuntime+2*ptr, 8)
	runtime := a.alloc(l.RuntimeScanEnd+ptr, 8)
	a.putPtr(vm, vm+uint64(l.JavaVMRuntime+ptr))
	a.putAddr(vm+uint64(l.JavaVMRuntime), runtime)

	vmOff := l.RuntimeScanStart + 8*ptr
	clOff := vmOff - l.ClassLinkerDistances[h.distance]
	if clOff-ptr < 0 || vmOff >= l.RuntimeScanEnd {
		return nil, fmt.Errorf("runtime scan range [%d, %d) cannot hold java_vm_", l.RuntimeScanStart, l.RuntimeScanEnd)
	}
	a.putAddr(runtime+uint64(vmOff), vm)
	a.putAddr(runtime+uint64(clOff), cl)
	a.putAddr(runtime+uint64(clOff-ptr), internTable)

	a.alloc(0, pageSize)
	return &Image{data: a.data, VM: uintptr(vm | a.tag)}, nil
}

func (h *Heap) buildClass(a *arena, d *dex, c *Class, dexCache uint64) (uint64, error) {
	l := &h.layout
	statics := append([]static(nil), c.statics...)
	sort.SliceStable(statics, func(i, j int) bool {
		return d.fields[fieldKey{c.descriptor, statics[i].name, statics[i].signature}] <
			d.fields[fieldKey{c.descriptor, statics[j].name, statics[j].signature}]
	})
	fields := make([]introspect.StaticField, len(statics))
	for i, s := range statics {
		fields[i] = introspect.StaticField{
			Name:      s.name,
			Signature: s.signature,
			DexIndex:  d.fields[fieldKey{c.descriptor, s.name, s.signature}],
		}
	}
	embedded := !c.abstract
	start := introspect.FirstStaticOffset(l, embedded, c.vtableLength)
	offsets, err := introspect.StaticOffsets(fields, start)
	if err != nil {
		return 0, err
	}
	size := int(start)
	if size < l.ClassSize+4 {
		size = l.ClassSize + 4
	}
	for i, s := range statics {
		if end := int(offsets[i]) + jvm.MustParseType(s.signature).Kind.Size(); end > size {
			size = end
		}
	}

	class := a.alloc(size, 8)
	a.put32(class+uint64(l.ClassDexCache), uint32(dexCache))
	a.put32(class+uint64(l.ClassDexClassDefIdx), 0)
	a.put32(class+uint64(l.ClassDexTypeIdx), d.types[c.descriptor])
	flags := uint32(accPublic)
	if c.abstract {
		flags |= accAbstract
	}
	a.put32(class+uint64(l.ClassAccessFlags), flags)
	a.put32(class+uint64(l.ClassPrimitiveType), 0)
	status := uint32(l.StatusInitialized)
	if c.uninitialized {
		status--
	}
	a.put32(class+uint64(l.ClassStatus), status<<l.StatusShift)
	if embedded {
		a.put32(class+uint64(l.ClassSize), c.vtableLength)
	}

	if len(statics) > 0 {
		arr := a.alloc(l.FieldArrayData+len(statics)*l.ArtFieldSize, 8)
		a.put32(arr, uint32(len(statics)))
		for i := range statics {
			af := arr + uint64(l.FieldArrayData+i*l.ArtFieldSize)
			a.put32(af, uint32(class))
			a.put32(af+uint64(l.ArtFieldAccessFlags), accPublic|accStatic)
			a.put32(af+uint64(l.ArtFieldDexIndex), fields[i].DexIndex)
			off := offsets[i]
			if c.wrongOffsets {
				off += 4
			}
			a.put32(af+uint64(l.ArtFieldOffset), off)
		}
		a.putPtr(class+uint64(l.ClassSFields), arr)
	}

	for i, s := range statics {
		at := class + uint64(offsets[i])
		t := s.value.Type()
		switch {
		case t.Kind.Primitive():
			a.putBits(at, t.Kind.Size(), s.value.Bits())
		case s.value.IsNull():
			a.put32(at, 0)
		case t.IsString():
			a.put32(at, uint32(h.buildString(a, s.value.Text())))
		default:
			a.put32(at, uint32(class))
		}
	}
	return class, nil
}

func (h *Heap) buildString(a *arena, s string) uint64 {
	l := &h.layout
	units := utf16.Encode([]rune(s))
	compressible := l.StringCompression
	for _, u := range units {
		if u > 0xff {
			compressible = false
		}
	}
	n := uint32(len(units))
	if compressible {
		str := a.alloc(l.StringValue+len(units), 8)
		a.put32(str+uint64(l.StringCount), n<<1)
		for i, u := range units {
			a.data[int(str-Base)+l.StringValue+i] = byte(u)
		}
		return str
	}
	str := a.alloc(l.StringValue+2*len(units), 8)
	count := n
	if l.StringCompression {
		count = n<<1 | 1
	}
	a.put32(str+uint64(l.StringCount), count)
	for i, u := range units {
		a.put16(str+uint64(l.StringValue+2*i), u)
	}
	return str
}

// buildClassTable creates a ClassTable with an empty class set followed by
// one holding classes.
func (h *Heap) buildClassTable(a *arena, classes []*Class, addrs map[*Class]uint64) uint64 {
	l := &h.layout
	ptr := l.PointerSize
	mask := uint64(l.TableSlotHashMask)

	sets := a.alloc(2*l.ClassSetSize, 8)
	for i, members := range [][]*Class{nil, classes} {
		buckets := 8
		for buckets < 2*len(members) {
			buckets *= 2
		}
		data := a.alloc(4*buckets, 8)
		for _, c := range members {
			hash := uint64(introspect.DescriptorHash(c.descriptor))
			slot := hash % uint64(buckets)
			for binary.LittleEndian.Uint32(a.slice(data+4*slot, 4)) != 0 {
				slot = (slot + 1) % uint64(buckets)
			}
			a.put32(data+4*slot, uint32(addrs[c]|hash&mask))
		}
		set := sets + uint64(i*l.ClassSetSize)
		a.putPtr(set+uint64(l.HashSetNumElements), uint64(len(members)))
		a.putPtr(set+uint64(l.HashSetNumBuckets), uint64(buckets))
		a.putAddr(set+uint64(l.HashSetData), data)
	}

	table := a.alloc(l.ClassTableClasses+3*ptr, 8)
	end := sets + uint64(2*l.ClassSetSize)
	a.putAddr(table+uint64(l.ClassTableClasses), sets)
	a.putAddr(table+uint64(l.ClassTableClasses+ptr), end)
	a.putAddr(table+uint64(l.ClassTableClasses+2*ptr), end)
	return table
}
