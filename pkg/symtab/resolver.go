// Package symtab locates exported symbols of modules loaded into a process
// without linking against them.
package symtab

import (
	"errors"
	"flag"
	"fmt"

	"github.com/grafana/dskit/flagext"

	"github.com/grafana/jvmgetter/pkg/jvm"
)

// ErrNotFound is returned when no loaded module exports the symbol.
var ErrNotFound = errors.New("symbol not found")

// Resolver maps a symbol name to its address in the target process.
type Resolver interface {
	Resolve(name string) (uintptr, error)
}

// StaticResolver resolves symbols from a fixed table.
type StaticResolver map[string]uintptr

func (s StaticResolver) Resolve(name string) (uintptr, error) {
	if addr, ok := s[name]; ok && addr != 0 {
		return addr, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
}

type Config struct {
	EntryPoint     string                 `yaml:"entry_point"`
	ProcFS         string                 `yaml:"proc_fs" category:"advanced"`
	Pid            int                    `yaml:"pid" category:"advanced"`
	ModuleHints    flagext.StringSliceCSV `yaml:"module_hints"`
	DisableDlsym   bool                   `yaml:"disable_dlsym" category:"advanced"`
	DisableELFScan bool                   `yaml:"disable_elf_scan" category:"advanced"`
	MiniDebugInfo  bool                   `yaml:"mini_debug_info"`
	CacheSize      int                    `yaml:"cache_size" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.EntryPoint, "symtab.entry-point", jvm.EnumerationEntryPoint, "Name of the exported function enumerating the created virtual machines.")
	f.StringVar(&cfg.ProcFS, "symtab.proc-fs", "/proc", "Mount point of the proc filesystem.")
	f.IntVar(&cfg.Pid, "symtab.pid", 0, "Process to scan. 0 means the current process.")
	f.Var(&cfg.ModuleHints, "symtab.module-hints", "Comma separated module basenames scanned before the others.")
	f.BoolVar(&cfg.DisableDlsym, "symtab.disable-dlsym", false, "Do not ask the dynamic linker before scanning modules.")
	f.BoolVar(&cfg.DisableELFScan, "symtab.disable-elf-scan", false, "Do not read symbol tables of mapped ELF files.")
	f.BoolVar(&cfg.MiniDebugInfo, "symtab.mini-debug-info", true, "Search the xz compressed .gnu_debugdata section when the regular tables miss.")
	f.IntVar(&cfg.CacheSize, "symtab.cache-size", 256, "Number of per module lookups to cache.")
}

func (cfg *Config) Validate() error {
	if cfg.EntryPoint == "" {
		return fmt.Errorf("entry-point must not be empty")
	}
	if cfg.Pid < 0 {
		return fmt.Errorf("invalid pid %d", cfg.Pid)
	}
	if cfg.CacheSize < 1 {
		return fmt.Errorf("invalid cache-size value, must be positive")
	}
	return nil
}
