// Package jvmgetter gives native code running inside a Java virtual machine
// access to it without being linked against the runtime library: the root
// handle, the environment of the calling thread and static fields of loaded
// classes.
package jvmgetter

import (
	"flag"
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jvmgetter/pkg/attach"
	"github.com/grafana/jvmgetter/pkg/field"
	"github.com/grafana/jvmgetter/pkg/jni"
	"github.com/grafana/jvmgetter/pkg/jvm"
	"github.com/grafana/jvmgetter/pkg/registry"
	"github.com/grafana/jvmgetter/pkg/symtab"
)

type Config struct {
	Symtab   symtab.Config   `yaml:"symtab"`
	Registry registry.Config `yaml:"registry"`
	Attach   attach.Config   `yaml:"attach"`
	Field    field.Config    `yaml:"field"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Symtab.RegisterFlags(f)
	c.Registry.RegisterFlags(f)
	c.Attach.RegisterFlags(f)
	c.Field.RegisterFlags(f)
}

func (c *Config) Validate() error {
	if err := c.Symtab.Validate(); err != nil {
		return fmt.Errorf("invalid symtab config: %w", err)
	}
	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("invalid registry config: %w", err)
	}
	if err := c.Attach.Validate(); err != nil {
		return fmt.Errorf("invalid attach config: %w", err)
	}
	if err := c.Field.Validate(); err != nil {
		return fmt.Errorf("invalid field config: %w", err)
	}
	return nil
}

// DefaultConfig returns the configuration with every flag at its default.
func DefaultConfig() Config {
	var c Config
	c.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return c
}

type options struct {
	resolver  symtab.Resolver
	runtime   jvm.Runtime
	fieldOpts []field.Option
}

type Option func(*options)

// WithResolver replaces the scan of the current process.
func WithResolver(r symtab.Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithRuntime replaces the JNI binding.
func WithRuntime(rt jvm.Runtime) Option {
	return func(o *options) {
		o.runtime = rt
	}
}

// WithFallback sets the strategy used when a class is not visible from the
// calling thread.
func WithFallback(s field.Strategy) Option {
	return func(o *options) {
		o.fieldOpts = append(o.fieldOpts, field.WithFallback(s))
	}
}

// Getter wires the symbol resolver, root handle registry, attachment
// manager and field accessor together. It is safe for concurrent use.
type Getter struct {
	logger   log.Logger
	cfg      Config
	resolver symtab.Resolver
	registry *registry.Registry
	attach   *attach.Manager
	fields   *field.Accessor
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer, opts ...Option) (*Getter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.resolver == nil {
		r, err := symtab.NewProcessResolver(log.With(logger, "component", "symtab"), cfg.Symtab, reg)
		if err != nil {
			return nil, fmt.Errorf("creating symbol resolver: %w", err)
		}
		o.resolver = r
	}
	if o.runtime == nil {
		o.runtime = jni.Runtime{}
	}

	g := &Getter{logger: logger, cfg: cfg, resolver: o.resolver}
	var err error
	g.registry, err = registry.New(log.With(logger, "component", "registry"), cfg.Registry, o.resolver, o.runtime, cfg.Symtab.EntryPoint, reg)
	if err != nil {
		return nil, fmt.Errorf("creating registry: %w", err)
	}
	g.attach, err = attach.New(log.With(logger, "component", "attach"), cfg.Attach, g.registry, reg)
	if err != nil {
		return nil, fmt.Errorf("creating attachment manager: %w", err)
	}
	g.fields, err = field.New(log.With(logger, "component", "field"), cfg.Field, reg, o.fieldOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating field accessor: %w", err)
	}
	return g, nil
}

// FindRuntimeEnumerationEntryPoint returns the address of the function
// listing the created virtual machines. It fails with symtab.ErrNotFound
// when no loaded module exports it.
func (g *Getter) FindRuntimeEnumerationEntryPoint() (uintptr, error) {
	return g.resolver.Resolve(g.cfg.Symtab.EntryPoint)
}

// RootHandle returns the virtual machine of the process. Every successful
// call returns the same handle.
func (g *Getter) RootHandle() (jvm.VM, error) {
	return g.registry.RootHandle()
}

// ProvideRootHandle installs a handle received from the host at load time.
// It reports whether the handle is now the cached one.
func (g *Getter) ProvideRootHandle(vm jvm.VM) bool {
	return g.registry.Provide(vm)
}

// EnvironmentForCurrentThread returns the environment of the calling OS
// thread, attaching it if needed. The caller must hold
// runtime.LockOSThread until it calls Release on the result.
func (g *Getter) EnvironmentForCurrentThread() (*attach.Attachment, error) {
	return g.attach.Environment()
}

// ReadStaticField reads a static field of a loaded class from any thread.
// className may be dotted ("a.b.C") or internal ("a/b/C"); signature is a
// JNI field signature such as "I" or "Ljava/lang/String;". Object values
// other than strings carry local references that are only valid until the
// thread is detached.
func (g *Getter) ReadStaticField(className, fieldName, signature string) (jvm.Value, error) {
	var v jvm.Value
	err := g.attach.Do(func(env jvm.Env) error {
		var err error
		v, err = g.fields.ReadStaticField(env, className, fieldName, signature)
		return err
	})
	return v, err
}
