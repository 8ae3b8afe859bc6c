package introspect

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/jvmgetter/pkg/jvm"
)

const (
	accInterface = 0x0200
	accAbstract  = 0x0400

	maxClassLoaders = 1 << 16
	maxBuckets      = 1 << 24
	maxClassSets    = 1 << 10
	maxStaticFields = 1 << 16
)

// walker reads runtime structures for a single lookup.
type walker struct {
	logger log.Logger
	r      *reader
	l      *Layout
	dex    map[Address]*dexFile
}

func newWalker(logger log.Logger, l *Layout, mem io.ReaderAt) *walker {
	return &walker{
		logger: logger,
		r:      &reader{mem: mem, ptrSize: l.PointerSize, tagMask: Address(l.PointerTagMask)},
		l:      l,
		dex:    map[Address]*dexFile{},
	}
}

// classLinker finds Runtime::class_linker_ by locating java_vm_ inside the
// Runtime and stepping back by one of the known distances. A candidate is
// accepted when the pointer just before it, intern_table_, is also held by
// the class linker.
func (w *walker) classLinker(vm Address) (Address, error) {
	vm = w.r.untag(vm)
	runtime, err := w.r.ptr(vm.Add(int64(w.l.JavaVMRuntime)))
	if err != nil {
		return 0, fmt.Errorf("reading runtime: %w", err)
	}
	ptr := w.l.PointerSize
	for off := w.l.RuntimeScanStart; off < w.l.RuntimeScanEnd; off += ptr {
		v, err := w.r.ptr(runtime.Add(int64(off)))
		if err != nil {
			return 0, fmt.Errorf("scanning runtime: %w", err)
		}
		if v != vm {
			continue
		}
		for _, dist := range w.l.ClassLinkerDistances {
			clOff := off - dist
			if clOff-ptr < 0 {
				continue
			}
			cl, err := w.r.ptr(runtime.Add(int64(clOff)))
			if err != nil || cl == 0 {
				continue
			}
			internTable, err := w.r.ptr(runtime.Add(int64(clOff - ptr)))
			if err != nil || internTable == 0 {
				continue
			}
			if w.holds(cl, internTable) {
				level.Debug(w.logger).Log("msg", "found class linker", "runtime", runtime, "java_vm_offset", off, "distance", dist)
				return cl, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: class linker not found in runtime at %s", ErrLayoutMismatch, runtime)
}

// holds reports whether the first ClassLinkerScanEnd bytes at a contain v.
func (w *walker) holds(a, v Address) bool {
	for off := 0; off < w.l.ClassLinkerScanEnd; off += w.l.PointerSize {
		p, err := w.r.ptr(a.Add(int64(off)))
		if err != nil {
			return false
		}
		if p == v {
			return true
		}
	}
	return false
}

// classTables returns the boot class table followed by the table of every
// registered class loader.
func (w *walker) classTables(cl Address) ([]Address, error) {
	var tables []Address
	boot, err := w.r.ptr(cl.Add(int64(w.l.ClassLinkerBootClassTable)))
	if err != nil {
		return nil, fmt.Errorf("reading boot class table: %w", err)
	}
	if boot != 0 {
		tables = append(tables, boot)
	}

	head := cl.Add(int64(w.l.ClassLinkerClassLoaders))
	node, err := w.r.ptr(head.Add(int64(w.l.PointerSize)))
	if err != nil {
		return nil, fmt.Errorf("reading class loaders: %w", err)
	}
	for i := 0; node != head; i++ {
		if node == 0 || i >= maxClassLoaders {
			return nil, fmt.Errorf("%w: class loader list at %s is corrupt", ErrLayoutMismatch, head)
		}
		data := node.Add(int64(w.l.ListNodeData))
		table, err := w.r.ptr(data.Add(int64(w.l.ClassLoaderDataClassTable)))
		if err != nil {
			return nil, fmt.Errorf("reading class loader data: %w", err)
		}
		if table != 0 {
			tables = append(tables, table)
		}
		if node, err = w.r.ptr(node.Add(int64(w.l.PointerSize))); err != nil {
			return nil, fmt.Errorf("reading class loaders: %w", err)
		}
	}
	return tables, nil
}

// findClass returns the first class named descriptor in the class tables.
func (w *walker) findClass(cl Address, descriptor string) (Address, error) {
	tables, err := w.classTables(cl)
	if err != nil {
		return 0, err
	}
	hash := DescriptorHash(descriptor)
	for _, t := range tables {
		c, err := w.searchTable(t, descriptor, hash)
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not in any of %d class tables", jvm.ErrClassNotFound, descriptor, len(tables))
}

func (w *walker) searchTable(table Address, descriptor string, hash uint32) (Address, error) {
	vec := table.Add(int64(w.l.ClassTableClasses))
	begin, err := w.r.ptr(vec)
	if err != nil {
		return 0, fmt.Errorf("reading class table %s: %w", table, err)
	}
	end, err := w.r.ptr(vec.Add(int64(w.l.PointerSize)))
	if err != nil {
		return 0, fmt.Errorf("reading class table %s: %w", table, err)
	}
	if end < begin || (end-begin)%Address(w.l.ClassSetSize) != 0 || int((end-begin)/Address(w.l.ClassSetSize)) > maxClassSets {
		return 0, fmt.Errorf("%w: class table %s has a corrupt set vector", ErrLayoutMismatch, table)
	}
	mask := w.l.TableSlotHashMask
	for set := begin; set < end; set = set.Add(int64(w.l.ClassSetSize)) {
		n, err := w.r.ptr(set.Add(int64(w.l.HashSetNumBuckets)))
		if err != nil {
			return 0, err
		}
		data, err := w.r.ptr(set.Add(int64(w.l.HashSetData)))
		if err != nil {
			return 0, err
		}
		if n == 0 || data == 0 {
			continue
		}
		if n > maxBuckets {
			return 0, fmt.Errorf("%w: class set %s has %d buckets", ErrLayoutMismatch, set, n)
		}
		buckets, err := w.r.read(data, 4*int(n))
		if err != nil {
			return 0, err
		}
		buckets = append([]byte(nil), buckets...)
		for i := 0; i < int(n); i++ {
			slot := uint32(buckets[4*i]) | uint32(buckets[4*i+1])<<8 | uint32(buckets[4*i+2])<<16 | uint32(buckets[4*i+3])<<24
			if slot == 0 || slot&mask != hash&mask {
				continue
			}
			class := Address(slot &^ mask)
			got, err := w.classDescriptor(class)
			if errors.Is(err, ErrUnsupportedRuntime) {
				return 0, err
			}
			if err != nil {
				level.Debug(w.logger).Log("msg", "skipping unreadable class", "class", class, "err", err)
				continue
			}
			if got == descriptor {
				return class, nil
			}
		}
	}
	return 0, nil
}

func (w *walker) dexFile(class Address) (*dexFile, error) {
	dexCache, err := w.r.ref(class.Add(int64(w.l.ClassDexCache)))
	if err != nil {
		return nil, err
	}
	if dexCache == 0 {
		return nil, fmt.Errorf("class %s has no dex cache", class)
	}
	df, err := w.r.ptr(dexCache.Add(int64(w.l.DexCacheDexFile)))
	if err != nil {
		return nil, err
	}
	begin, err := w.r.ptr(df.Add(int64(w.l.DexFileBegin)))
	if err != nil {
		return nil, err
	}
	if d, ok := w.dex[begin]; ok {
		return d, nil
	}
	var dataBegin Address
	if w.l.DexFileDataBegin > 0 {
		if dataBegin, err = w.r.ptr(df.Add(int64(w.l.DexFileDataBegin))); err != nil {
			return nil, err
		}
	}
	d, err := openDex(w.r, begin, dataBegin)
	if err != nil {
		return nil, err
	}
	w.dex[begin] = d
	return d, nil
}

func (w *walker) classDescriptor(class Address) (string, error) {
	defIdx, err := w.r.u32(class.Add(int64(w.l.ClassDexClassDefIdx)))
	if err != nil {
		return "", err
	}
	if defIdx == noIndex16 {
		return "", fmt.Errorf("class %s has no class def", class)
	}
	d, err := w.dexFile(class)
	if err != nil {
		return "", err
	}
	typeIdx, err := w.r.u32(class.Add(int64(w.l.ClassDexTypeIdx)))
	if err != nil {
		return "", err
	}
	return d.typeDescriptor(typeIdx)
}

// initialized reports whether the class status reached initialized.
func (w *walker) initialized(class Address) (bool, error) {
	raw, err := w.r.u32(class.Add(int64(w.l.ClassStatus)))
	if err != nil {
		return false, err
	}
	status := int(int32(raw))
	if w.l.StatusShift > 0 {
		status = int(raw >> w.l.StatusShift)
	}
	return status >= w.l.StatusInitialized, nil
}

// readStatic reads the static field d of class.
func (w *walker) readStatic(class Address, d jvm.FieldDescriptor) (jvm.Value, error) {
	dex, err := w.dexFile(class)
	if err != nil {
		return jvm.Value{}, err
	}
	sfields, err := w.r.ptr(class.Add(int64(w.l.ClassSFields)))
	if err != nil {
		return jvm.Value{}, err
	}
	var n uint32
	if sfields != 0 {
		if n, err = w.r.u32(sfields); err != nil {
			return jvm.Value{}, err
		}
	}
	if n > maxStaticFields {
		return jvm.Value{}, fmt.Errorf("%w: class %s has %d static fields", ErrLayoutMismatch, class, n)
	}

	fields := make([]StaticField, n)
	actual := make([]uint32, n)
	target := -1
	for i := range fields {
		af := sfields.Add(int64(w.l.FieldArrayData) + int64(i)*int64(w.l.ArtFieldSize))
		idx, err := w.r.u32(af.Add(int64(w.l.ArtFieldDexIndex)))
		if err != nil {
			return jvm.Value{}, err
		}
		if actual[i], err = w.r.u32(af.Add(int64(w.l.ArtFieldOffset))); err != nil {
			return jvm.Value{}, err
		}
		id, err := dex.field(idx)
		if err != nil {
			return jvm.Value{}, err
		}
		fields[i] = StaticField{Name: id.Name, Signature: id.Type, DexIndex: idx}
		if id.Name == d.Name && id.Type == d.Signature {
			target = i
		}
	}
	if target < 0 {
		return jvm.Value{}, fmt.Errorf("%w: %s", jvm.ErrFieldNotFound, d)
	}

	ok, err := w.initialized(class)
	if err != nil {
		return jvm.Value{}, err
	}
	if !ok {
		return jvm.Value{}, fmt.Errorf("%w: %s", ErrClassNotInitialized, d.Class)
	}

	start, err := w.firstStaticOffset(class)
	if err != nil {
		return jvm.Value{}, err
	}
	offsets, err := StaticOffsets(fields, start)
	if err != nil {
		return jvm.Value{}, err
	}
	if offsets[target] != actual[target] {
		return jvm.Value{}, fmt.Errorf("%w: %s computed at offset %d, runtime has %d", ErrLayoutMismatch, d, offsets[target], actual[target])
	}
	return w.readValue(class.Add(int64(offsets[target])), d.Type())
}

func (w *walker) firstStaticOffset(class Address) (uint32, error) {
	flags, err := w.r.u32(class.Add(int64(w.l.ClassAccessFlags)))
	if err != nil {
		return 0, err
	}
	primitive, err := w.r.u32(class.Add(int64(w.l.ClassPrimitiveType)))
	if err != nil {
		return 0, err
	}
	embedded := primitive&0xffff == 0 && flags&(accInterface|accAbstract) == 0
	var vtableLength uint32
	if embedded {
		if vtableLength, err = w.r.u32(class.Add(int64(w.l.ClassSize))); err != nil {
			return 0, err
		}
	}
	return FirstStaticOffset(w.l, embedded, vtableLength), nil
}
