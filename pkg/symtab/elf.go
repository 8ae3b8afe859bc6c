package symtab

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/ulikunitz/xz"
)

const pageSize = 0x1000

// Symbol is a symbol found in an ELF file. Value is the link time address.
type Symbol struct {
	Name    string
	Value   uint64
	Section string
}

// Mapping is a file backed memory mapping of a module.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	Exec   bool
}

type segment struct {
	off   uint64
	vaddr uint64
}

// elfLookup is the per file result of a symbol search, kept in the module
// cache. It holds everything needed to relocate the symbol without reopening
// the file.
type elfLookup struct {
	symbol   Symbol
	found    bool
	fixed    bool
	segments []segment
}

// LookupELF searches the file at path for name: first the dynamic symbol
// table, then the static one and, if miniDebugInfo is set, the xz compressed
// .gnu_debugdata section.
func LookupELF(path, name string, miniDebugInfo bool) (Symbol, error) {
	l, err := lookupELFFile(path, name, miniDebugInfo)
	if err != nil {
		return Symbol{}, err
	}
	if !l.found {
		return Symbol{}, fmt.Errorf("%w: %s in %s", ErrNotFound, name, path)
	}
	return l.symbol, nil
}

func lookupELFFile(path, name string, miniDebugInfo bool) (elfLookup, error) {
	f, err := elf.Open(path)
	if err != nil {
		return elfLookup{}, err
	}
	defer f.Close()

	res := elfLookup{fixed: f.Type == elf.ET_EXEC}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
			res.segments = append(res.segments, segment{off: prog.Off, vaddr: prog.Vaddr})
		}
	}

	var errs *multierror.Error
	dynsym, err := f.DynamicSymbols()
	if err == nil {
		if v, ok := findSymbol(dynsym, name); ok {
			res.symbol, res.found = Symbol{Name: name, Value: v, Section: ".dynsym"}, true
			return res, nil
		}
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		errs = multierror.Append(errs, fmt.Errorf("dynsym: %w", err))
	}

	symtab, err := f.Symbols()
	if err == nil {
		if v, ok := findSymbol(symtab, name); ok {
			res.symbol, res.found = Symbol{Name: name, Value: v, Section: ".symtab"}, true
			return res, nil
		}
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		errs = multierror.Append(errs, fmt.Errorf("symtab: %w", err))
	}

	if miniDebugInfo {
		v, ok, err := lookupMiniDebugInfo(f, name)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("gnu_debugdata: %w", err))
		} else if ok {
			res.symbol, res.found = Symbol{Name: name, Value: v, Section: ".gnu_debugdata"}, true
			return res, nil
		}
	}
	return res, errs.ErrorOrNil()
}

func findSymbol(symbols []elf.Symbol, name string) (uint64, bool) {
	for _, s := range symbols {
		if s.Name != name || s.Section == elf.SHN_UNDEF || s.Value == 0 {
			continue
		}
		return s.Value, true
	}
	return 0, false
}

// lookupMiniDebugInfo searches the embedded ELF file Android and Fedora place
// in .gnu_debugdata.
func lookupMiniDebugInfo(f *elf.File, name string) (uint64, bool, error) {
	sec := f.Section(".gnu_debugdata")
	if sec == nil {
		return 0, false, nil
	}
	data, err := sec.Data()
	if err != nil {
		return 0, false, err
	}
	reader, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, false, err
	}
	var uncompressed bytes.Buffer
	if _, err = io.Copy(&uncompressed, reader); err != nil {
		return 0, false, err
	}
	inner, err := elf.NewFile(bytes.NewReader(uncompressed.Bytes()))
	if err != nil {
		return 0, false, err
	}
	symbols, err := inner.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, ok := findSymbol(symbols, name)
	return v, ok, nil
}

// loadBase returns the difference between run time and link time addresses
// of a module, given its mappings. The executable PT_LOAD segment is matched
// with the executable mapping of the same file offset.
func (l *elfLookup) loadBase(mappings []Mapping) (uint64, bool) {
	if l.fixed {
		return 0, true
	}
	for _, seg := range l.segments {
		off := seg.off &^ (pageSize - 1)
		for _, m := range mappings {
			if m.Exec && m.Offset == off {
				return m.Start - seg.vaddr&^(pageSize-1), true
			}
		}
	}
	return 0, false
}
