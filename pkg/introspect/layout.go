package introspect

import (
	"fmt"
	"os"
	"sort"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Layout holds the offsets of the runtime structures walked to find a class.
// All offsets are in bytes. Pointers are PointerSize wide, object references
// are 32 bit.
type Layout struct {
	APILevel    int `yaml:"api_level"`
	PointerSize int `yaml:"pointer_size"`

	// PointerTagMask is cleared from every native pointer read. arm64
	// releases with heap tagging set a tag in the top byte of malloc'd
	// pointers.
	PointerTagMask uint64 `yaml:"pointer_tag_mask"`

	// JavaVMExt
	JavaVMRuntime int `yaml:"java_vm_runtime"`

	// Runtime. java_vm_ is found by scanning [start, end) for the VM
	// pointer; class_linker_ sits at one of the listed distances below it.
	RuntimeScanStart     int   `yaml:"runtime_scan_start"`
	RuntimeScanEnd       int   `yaml:"runtime_scan_end"`
	ClassLinkerDistances []int `yaml:"class_linker_distances,flow"`

	// ClassLinker. intern_table_ is searched for in the first
	// ClassLinkerScanEnd bytes to validate a class_linker_ candidate.
	ClassLinkerScanEnd        int `yaml:"class_linker_scan_end"`
	ClassLinkerClassLoaders   int `yaml:"class_linker_class_loaders"`
	ClassLinkerBootClassTable int `yaml:"class_linker_boot_class_table"`

	// std::list node and ClassLinker::ClassLoaderData
	ListNodeData              int `yaml:"list_node_data"`
	ClassLoaderDataClassTable int `yaml:"class_loader_data_class_table"`

	// ClassTable and its HashSet<TableSlot>
	ClassTableClasses  int    `yaml:"class_table_classes"`
	ClassSetSize       int    `yaml:"class_set_size"`
	HashSetNumElements int    `yaml:"hash_set_num_elements"`
	HashSetNumBuckets  int    `yaml:"hash_set_num_buckets"`
	HashSetData        int    `yaml:"hash_set_data"`
	TableSlotHashMask  uint32 `yaml:"table_slot_hash_mask"`

	// mirror::Class. ClassSize is sizeof(Class); instantiable classes keep
	// the embedded vtable length there, followed by the IMT pointer and the
	// vtable itself.
	ClassDexCache       int `yaml:"class_dex_cache"`
	ClassSFields        int `yaml:"class_sfields"`
	ClassAccessFlags    int `yaml:"class_access_flags"`
	ClassDexClassDefIdx int `yaml:"class_dex_class_def_idx"`
	ClassDexTypeIdx     int `yaml:"class_dex_type_idx"`
	ClassPrimitiveType  int `yaml:"class_primitive_type"`
	ClassStatus         int `yaml:"class_status"`
	ClassSize           int `yaml:"class_size"`
	StatusShift         int `yaml:"status_shift"`
	StatusInitialized   int `yaml:"status_initialized"`

	// DexCache and DexFile. DexFileDataBegin is 0 for runtimes without a
	// separate data section, which cannot load compact dex files.
	DexCacheDexFile  int `yaml:"dex_cache_dex_file"`
	DexFileBegin     int `yaml:"dex_file_begin"`
	DexFileDataBegin int `yaml:"dex_file_data_begin"`

	// LengthPrefixedArray<ArtField> and ArtField
	FieldArrayData      int `yaml:"field_array_data"`
	ArtFieldSize        int `yaml:"art_field_size"`
	ArtFieldAccessFlags int `yaml:"art_field_access_flags"`
	ArtFieldDexIndex    int `yaml:"art_field_dex_index"`
	ArtFieldOffset      int `yaml:"art_field_offset"`

	// mirror::String
	StringCount       int  `yaml:"string_count"`
	StringValue       int  `yaml:"string_value"`
	StringCompression bool `yaml:"string_compression"`
}

const stdStringSize = 24

// TopByteTagMask covers the pointer tag arm64 keeps in the top byte.
const TopByteTagMask = 0xff << 56

// android9 is the arm64/x86_64 layout of Android 9 (API 28); the other
// builtin layouts are expressed as differences from it.
var android9 = Layout{
	APILevel:    28,
	PointerSize: 8,

	JavaVMRuntime: 8,

	RuntimeScanStart:     384,
	RuntimeScanEnd:       384 + 100*8,
	ClassLinkerDistances: []int{stdStringSize + 3*8},

	ClassLinkerScanEnd:        0x200,
	ClassLinkerClassLoaders:   80,
	ClassLinkerBootClassTable: 104,

	ListNodeData:              16,
	ClassLoaderDataClassTable: 8,

	ClassTableClasses:  56,
	ClassSetSize:       64,
	HashSetNumElements: 8,
	HashSetNumBuckets:  16,
	HashSetData:        40,
	TableSlotHashMask:  7,

	ClassDexCache:       16,
	ClassSFields:        56,
	ClassAccessFlags:    64,
	ClassDexClassDefIdx: 80,
	ClassDexTypeIdx:     84,
	ClassPrimitiveType:  104,
	ClassStatus:         112,
	ClassSize:           120,
	StatusShift:         28,
	StatusInitialized:   14,

	DexCacheDexFile:  16,
	DexFileBegin:     8,
	DexFileDataBegin: 24,

	FieldArrayData:      4,
	ArtFieldSize:        16,
	ArtFieldAccessFlags: 4,
	ArtFieldDexIndex:    8,
	ArtFieldOffset:      12,

	StringCount:       8,
	StringValue:       16,
	StringCompression: true,
}

func derive(base Layout, apiLevel int, f func(l *Layout)) Layout {
	l := base.clone()
	l.APILevel = apiLevel
	f(&l)
	return l
}

var builtinLayouts = []Layout{
	derive(android9, 26, func(l *Layout) {
		l.ClassLinkerDistances = []int{stdStringSize + 2*8}
		l.StatusShift = 0
		l.StatusInitialized = 10
		l.DexFileDataBegin = 0
	}),
	derive(android9, 27, func(l *Layout) {
		l.StatusShift = 0
		l.StatusInitialized = 10
		l.DexFileDataBegin = 0
	}),
	android9,
	derive(android9, 29, func(l *Layout) {
		l.ClassLinkerDistances = []int{2 * 8}
	}),
	derive(android9, 30, func(l *Layout) {
		l.ClassLinkerDistances = []int{3 * 8, 4 * 8}
		l.ClassLinkerClassLoaders = 88
		l.ClassLinkerBootClassTable = 112
		l.PointerTagMask = TopByteTagMask
	}),
}

// Validate checks that the layout can be walked without reading pointers
// of unknown size.
func (l *Layout) Validate() error {
	if l.PointerSize != 4 && l.PointerSize != 8 {
		return fmt.Errorf("api level %d: invalid pointer size %d", l.APILevel, l.PointerSize)
	}
	if len(l.ClassLinkerDistances) == 0 {
		return fmt.Errorf("api level %d: no class linker distances", l.APILevel)
	}
	if l.RuntimeScanEnd <= l.RuntimeScanStart {
		return fmt.Errorf("api level %d: empty runtime scan range", l.APILevel)
	}
	if l.ArtFieldSize <= 0 || l.ClassSetSize <= 0 || l.ClassSize <= 0 {
		return fmt.Errorf("api level %d: structure sizes must be positive", l.APILevel)
	}
	if l.PointerSize == 4 && l.PointerTagMask>>32 != 0 {
		return fmt.Errorf("api level %d: pointer tag mask %#x does not fit 32 bit pointers", l.APILevel, l.PointerTagMask)
	}
	return nil
}

// Layouts is a set of layouts keyed by API level.
type Layouts struct {
	byLevel map[int]Layout
}

// BuiltinLayouts returns the layouts compiled into the package.
func BuiltinLayouts() *Layouts {
	ls := &Layouts{byLevel: map[int]Layout{}}
	for _, l := range builtinLayouts {
		ls.byLevel[l.APILevel] = l
	}
	return ls
}

// Levels returns the known API levels in ascending order.
func (ls *Layouts) Levels() []int {
	levels := lo.Keys(ls.byLevel)
	sort.Ints(levels)
	return levels
}

// Get returns the layout for apiLevel. When there is none and guessing is
// allowed, the layout of the closest lower level is returned and guessed is
// set.
func (ls *Layouts) Get(apiLevel int, allowGuess bool) (l Layout, guessed bool, err error) {
	if l, ok := ls.byLevel[apiLevel]; ok {
		return l.clone(), false, nil
	}
	levels := ls.Levels()
	if !allowGuess || len(levels) == 0 || apiLevel < levels[0] {
		return Layout{}, false, fmt.Errorf("%w: no layout for api level %d", ErrUnsupportedRuntime, apiLevel)
	}
	closest := levels[0]
	for _, v := range levels {
		if v <= apiLevel {
			closest = v
		}
	}
	return ls.byLevel[closest].clone(), true, nil
}

func (l Layout) clone() Layout {
	l.ClassLinkerDistances = append([]int(nil), l.ClassLinkerDistances...)
	return l
}

type layoutFile struct {
	Layouts []yaml.Node `yaml:"layouts"`
}

// LoadFile adds the layouts of a YAML file. Every entry starts from the
// layout of its "base" level (or the closest known one) and overrides the
// fields it names.
func (ls *Layouts) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return ls.Load(data)
}

func (ls *Layouts) Load(data []byte) error {
	var f layoutFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing layouts: %w", err)
	}
	for i := range f.Layouts {
		node := &f.Layouts[i]
		var head struct {
			APILevel int `yaml:"api_level"`
			Base     int `yaml:"base"`
		}
		if err := node.Decode(&head); err != nil {
			return fmt.Errorf("layout %d: %w", i, err)
		}
		if head.APILevel <= 0 {
			return fmt.Errorf("layout %d: api_level is required", i)
		}
		base := head.Base
		if base == 0 {
			base = head.APILevel
		}
		l, _, err := ls.Get(base, true)
		if err != nil {
			l = android9.clone()
		}
		if err := node.Decode(&l); err != nil {
			return fmt.Errorf("layout %d: %w", i, err)
		}
		l.APILevel = head.APILevel
		if err := l.Validate(); err != nil {
			return err
		}
		ls.byLevel[l.APILevel] = l
	}
	return nil
}
