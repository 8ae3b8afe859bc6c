package symtab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

const (
	sourceDlsym      = "dlsym"
	sourceModuleScan = "module_scan"
	sourceELFScan    = "elf_scan"
)

// Module is a file loaded into the scanned process.
type Module struct {
	Path string
	// Base is the lowest mapped address of the module.
	Base   uintptr
	Hinted bool

	dev      uint64
	inode    uint64
	mappings []Mapping
}

type cacheKey struct {
	dev, inode uint64
	path       string
	name       string
}

type strategy struct {
	source  string
	resolve func(name string) (uintptr, error)
}

// dlsym is set on platforms with a dynamic linker reachable through cgo.
var dlsym func(name string) (uintptr, error)

// ProcessResolver resolves symbols exported by any module of a process. It
// asks the dynamic linker first and then reads the symbol tables of the
// loaded modules, which also finds symbols the linker refuses to hand out
// (private libraries on Android 7 to 11).
type ProcessResolver struct {
	logger  log.Logger
	cfg     Config
	metrics *metrics
	hints   []string
	cache   *lru.Cache[cacheKey, elfLookup]

	strategies []strategy
}

func NewProcessResolver(logger log.Logger, cfg Config, reg prometheus.Registerer) (*ProcessResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cache, err := lru.New[cacheKey, elfLookup](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	r := &ProcessResolver{
		logger:  logger,
		cfg:     cfg,
		metrics: newMetrics(reg),
		hints:   moduleHints(cfg.ModuleHints),
		cache:   cache,
	}
	if dlsym != nil && !cfg.DisableDlsym && r.self() {
		r.strategies = append(r.strategies, strategy{source: sourceDlsym, resolve: dlsym})
	}
	r.strategies = append(r.strategies, r.platformStrategies()...)
	return r, nil
}

func (r *ProcessResolver) self() bool {
	return r.cfg.Pid == 0 || r.cfg.Pid == os.Getpid()
}

// Resolve returns the run time address of name. Strategies are tried in
// order and the first hit wins.
func (r *ProcessResolver) Resolve(name string) (uintptr, error) {
	for _, s := range r.strategies {
		addr, err := s.resolve(name)
		if err == nil {
			r.metrics.resolutions.WithLabelValues(s.source, "found").Inc()
			level.Debug(r.logger).Log("msg", "symbol resolved", "symbol", name, "source", s.source, "addr", fmt.Sprintf("%#x", addr))
			return addr, nil
		}
		r.metrics.resolutions.WithLabelValues(s.source, "not_found").Inc()
		if !errors.Is(err, ErrNotFound) {
			level.Debug(r.logger).Log("msg", "symbol lookup failed", "symbol", name, "source", s.source, "err", err)
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Modules lists the modules of the process in scan order.
func (r *ProcessResolver) Modules() ([]Module, error) {
	return r.readModules()
}

func (r *ProcessResolver) hinted(path string) bool {
	base := filepath.Base(path)
	return lo.ContainsBy(r.hints, func(h string) bool {
		return h == base || h == path
	})
}

// orderModules moves hinted modules to the front, keeping the relative order
// of the rest.
func (r *ProcessResolver) orderModules(modules []Module) []Module {
	for i := range modules {
		modules[i].Hinted = r.hinted(modules[i].Path)
	}
	sort.SliceStable(modules, func(i, j int) bool {
		return modules[i].Hinted && !modules[j].Hinted
	})
	return modules
}

// lookupModule finds name in a module's ELF file and relocates it.
func (r *ProcessResolver) lookupModule(m Module, name string) (uintptr, error) {
	key := cacheKey{dev: m.dev, inode: m.inode, path: m.Path, name: name}
	l, ok := r.cache.Get(key)
	if !ok {
		var err error
		l, err = lookupELFFile(m.Path, name, r.cfg.MiniDebugInfo)
		if err != nil {
			return 0, err
		}
		r.cache.Add(key, l)
	}
	if !l.found {
		return 0, ErrNotFound
	}
	base, ok := l.loadBase(m.mappings)
	if !ok {
		return 0, fmt.Errorf("load base of %s not found", m.Path)
	}
	return uintptr(base + l.symbol.Value), nil
}

// scanELF searches the symbol tables of every mapped module.
func (r *ProcessResolver) scanELF(name string) (uintptr, error) {
	modules, err := r.readModules()
	if err != nil {
		return 0, err
	}
	var errs *multierror.Error
	for _, m := range modules {
		addr, err := r.lookupModule(m, name)
		if err == nil {
			level.Debug(r.logger).Log("msg", "symbol found in module", "symbol", name, "module", m.Path)
			return addr, nil
		}
		if !errors.Is(err, ErrNotFound) {
			r.metrics.moduleErrs.Inc()
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", m.Path, err))
		}
	}
	if errs.ErrorOrNil() != nil {
		level.Debug(r.logger).Log("msg", "some modules could not be scanned", "symbol", name, "err", errs)
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// moduleHints returns the platform hints followed by the configured ones,
// trimmed and without duplicates.
func moduleHints(configured []string) []string {
	hints := lo.FilterMap(configured, func(h string, _ int) (string, bool) {
		h = strings.TrimSpace(h)
		return h, h != ""
	})
	return lo.Uniq(append(defaultHints(), hints...))
}
