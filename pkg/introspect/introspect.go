// Package introspect reads static fields by walking the internal class tables
// of the Android runtime (ART) instead of going through a class loader.
//
// Native threads attached to the runtime resolve FindClass against the
// system class loader and cannot see application classes. The runtime
// itself keeps every loaded class in per-loader class tables, which this
// package locates from the JavaVM pointer using a table of structure layouts
// keyed by Android API level.
package introspect

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/jvmgetter/pkg/jvm"
	"github.com/grafana/jvmgetter/pkg/util/sysprop"
)

// SDKProperty holds the API level of the running Android release.
const SDKProperty = "ro.build.version.sdk"

var (
	ErrUnsupportedRuntime  = errors.New("runtime layout is not supported")
	ErrClassNotInitialized = errors.New("class is not initialized")
	ErrAddressNotMapped    = errors.New("address is not mapped")
	ErrLayoutMismatch      = errors.New("runtime does not match layout")
)

type Config struct {
	// APILevel selects the layout. 0 reads SDKProperty.
	APILevel   int
	LayoutFile string
	AllowGuess bool
}

type Option func(*Introspector)

// WithMemory reads runtime structures from m instead of the memory of the
// current process.
func WithMemory(m io.ReaderAt) Option {
	return func(in *Introspector) {
		in.mem = m
	}
}

// WithLayouts replaces the built-in layouts.
func WithLayouts(ls *Layouts) Option {
	return func(in *Introspector) {
		in.layouts = ls
	}
}

// Introspector is a field.Strategy reading statics from the runtime's own
// data structures. Layout selection and memory setup happen on first use;
// failures are returned to the caller and retried on the next call.
type Introspector struct {
	logger  log.Logger
	cfg     Config
	layouts *Layouts
	mem     io.ReaderAt

	mu          sync.Mutex
	layout      *Layout
	vm          Address
	classLinker Address
}

func New(logger log.Logger, cfg Config, opts ...Option) (*Introspector, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	in := &Introspector{
		logger:  log.With(logger, "component", "introspect"),
		cfg:     cfg,
		layouts: BuiltinLayouts(),
	}
	for _, o := range opts {
		o(in)
	}
	if cfg.LayoutFile != "" {
		if err := in.layouts.LoadFile(cfg.LayoutFile); err != nil {
			return nil, fmt.Errorf("loading layouts from %s: %w", cfg.LayoutFile, err)
		}
	}
	return in, nil
}

func (in *Introspector) apiLevel() (int, error) {
	if in.cfg.APILevel > 0 {
		return in.cfg.APILevel, nil
	}
	v, ok := sysprop.Get(SDKProperty)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not set", ErrUnsupportedRuntime, SDKProperty)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrUnsupportedRuntime, SDKProperty, v)
	}
	return n, nil
}

// walker sets up layout and memory if needed and returns a walker over them
// for a single lookup.
func (in *Introspector) walker() (*walker, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.layout == nil {
		apiLevel, err := in.apiLevel()
		if err != nil {
			return nil, err
		}
		l, guessed, err := in.layouts.Get(apiLevel, in.cfg.AllowGuess)
		if err != nil {
			return nil, err
		}
		if guessed {
			level.Warn(in.logger).Log("msg", "no layout for runtime, using the closest known one", "api_level", apiLevel, "layout", l.APILevel)
		}
		in.layout = &l
	}
	if in.mem == nil {
		m, err := NewProcessMemory("")
		if err != nil {
			return nil, fmt.Errorf("opening process memory: %w", err)
		}
		in.mem = m
	}
	if inv, ok := in.mem.(invalidator); ok {
		inv.Invalidate()
	}
	return newWalker(in.logger, in.layout, in.mem), nil
}

// invalidator is implemented by memory that caches the address space
// layout. Each lookup allows one reload of it.
type invalidator interface {
	Invalidate()
}

func (in *Introspector) findClassLinker(w *walker, vm Address) (Address, error) {
	in.mu.Lock()
	if in.vm == vm && in.classLinker != 0 {
		cl := in.classLinker
		in.mu.Unlock()
		return cl, nil
	}
	in.mu.Unlock()

	cl, err := w.classLinker(vm)
	if err != nil {
		return 0, err
	}
	in.mu.Lock()
	in.vm, in.classLinker = vm, cl
	in.mu.Unlock()
	return cl, nil
}

// ReadStaticField implements field.Strategy. Only primitive and
// java.lang.String fields can be read; the class must be initialized.
func (in *Introspector) ReadStaticField(env jvm.Env, d jvm.FieldDescriptor) (jvm.Value, error) {
	t := d.Type()
	if !t.Kind.Primitive() && !t.IsString() {
		return jvm.Value{}, fmt.Errorf("%w: %s", jvm.ErrUnsupportedFieldType, t)
	}
	w, err := in.walker()
	if err != nil {
		return jvm.Value{}, err
	}
	vm, err := env.JavaVM()
	if err != nil {
		return jvm.Value{}, err
	}
	cl, err := in.findClassLinker(w, Address(vm))
	if err != nil {
		return jvm.Value{}, err
	}
	class, err := w.findClass(cl, d.ClassDescriptor())
	if err != nil {
		return jvm.Value{}, err
	}
	return w.readStatic(class, d)
}
