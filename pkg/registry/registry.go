// Package registry caches the process wide root handle of the virtual
// machine.
package registry

import (
	"flag"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/jvmgetter/pkg/jvm"
	"github.com/grafana/jvmgetter/pkg/symtab"
)

type Config struct {
	MaxVMs int `yaml:"max_vms" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxVMs, "registry.max-vms", 1, "Number of virtual machines requested from the enumeration function. Only the first one is used.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxVMs < 1 {
		return fmt.Errorf("invalid max-vms value, must be positive")
	}
	return nil
}

type handle struct {
	vm     jvm.VM
	source string
}

// Registry resolves the root handle once and hands the same value to every
// caller afterwards. Failed resolutions are not remembered.
type Registry struct {
	logger     log.Logger
	cfg        Config
	resolver   symtab.Resolver
	runtime    jvm.Runtime
	entryPoint string
	metrics    *metrics

	cached atomic.Pointer[handle]
	mu     sync.Mutex
}

func New(logger log.Logger, cfg Config, resolver symtab.Resolver, runtime jvm.Runtime, entryPoint string, reg prometheus.Registerer) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if entryPoint == "" {
		entryPoint = jvm.EnumerationEntryPoint
	}
	return &Registry{
		logger:     logger,
		cfg:        cfg,
		resolver:   resolver,
		runtime:    runtime,
		entryPoint: entryPoint,
		metrics:    newMetrics(reg),
	}, nil
}

// RootHandle returns the cached handle, resolving it on first use. A handle
// handed over at load time takes precedence over enumeration.
func (r *Registry) RootHandle() (jvm.VM, error) {
	if h := r.cached.Load(); h != nil {
		r.metrics.resolutions.WithLabelValues("cached").Inc()
		return h.vm, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h := r.cached.Load(); h != nil {
		r.metrics.resolutions.WithLabelValues("cached").Inc()
		return h.vm, nil
	}

	h, err := r.resolve()
	if err != nil {
		r.metrics.resolutions.WithLabelValues("failed").Inc()
		return nil, err
	}
	if !r.cached.CompareAndSwap(nil, h) {
		// Provide won while the runtime was being enumerated.
		cur := r.cached.Load()
		level.Debug(r.logger).Log("msg", "discarding resolved root handle, one was provided meanwhile", "source", h.source)
		return cur.vm, nil
	}
	r.metrics.resolutions.WithLabelValues(h.source).Inc()
	level.Debug(r.logger).Log("msg", "root handle resolved", "source", h.source, "vm", fmt.Sprintf("%#x", h.vm.Pointer()))
	return h.vm, nil
}

func (r *Registry) resolve() (*handle, error) {
	if vm, ok := r.runtime.Supplied(); ok {
		return &handle{vm: vm, source: "supplied"}, nil
	}

	entry, err := r.resolver.Resolve(r.entryPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jvm.ErrRuntimeNotFound, err)
	}
	vms, err := r.runtime.CreatedVMs(entry, r.cfg.MaxVMs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jvm.ErrRuntimeNotFound, err)
	}
	switch {
	case len(vms) == 0:
		return nil, fmt.Errorf("%w: no virtual machine created", jvm.ErrRuntimeNotFound)
	case len(vms) > 1:
		level.Warn(r.logger).Log("msg", "more than one virtual machine found, using the first", "count", len(vms))
	}
	return &handle{vm: vms[0], source: "enumerated"}, nil
}

// Provide installs a handle received from the host, as JNI_OnLoad does. The
// first handle wins; a later different one is ignored with a warning.
func (r *Registry) Provide(vm jvm.VM) bool {
	if vm == nil {
		return false
	}
	h := &handle{vm: vm, source: "supplied"}
	if r.cached.CompareAndSwap(nil, h) {
		r.metrics.resolutions.WithLabelValues(h.source).Inc()
		return true
	}
	if cur := r.cached.Load(); cur.vm.Pointer() != vm.Pointer() {
		level.Warn(r.logger).Log("msg", "ignoring root handle, another one is already cached",
			"cached", fmt.Sprintf("%#x", cur.vm.Pointer()), "provided", fmt.Sprintf("%#x", vm.Pointer()))
	}
	return false
}
