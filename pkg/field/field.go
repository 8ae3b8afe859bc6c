// Package field reads static fields of loaded classes.
//
// Reads go through the regular JNI lookup first. When the class is not
// visible from the calling thread's class loader, which is what native
// threads see on Android, a fallback strategy takes over. The only fallback,
// reading the runtime's class tables directly, is compiled in with the
// jvmintrospect build tag.
package field

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jvmgetter/pkg/jvm"
)

// Strategy reads the static field d using env.
type Strategy interface {
	ReadStaticField(env jvm.Env, d jvm.FieldDescriptor) (jvm.Value, error)
}

type Option func(*Accessor)

// WithFallback replaces the fallback chosen by the build.
func WithFallback(s Strategy) Option {
	return func(a *Accessor) {
		a.fallback = s
	}
}

// Accessor runs the per call state machine: primary lookup, then on a
// context miss the fallback lookup.
type Accessor struct {
	logger   log.Logger
	cfg      Config
	primary  Strategy
	fallback Strategy
	metrics  *metrics
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer, opts ...Option) (*Accessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	a := &Accessor{
		logger:  logger,
		cfg:     cfg,
		primary: Primary{},
		metrics: newMetrics(reg),
	}
	if cfg.Fallback == FallbackAuto && newFallback != nil {
		fb, err := newFallback(logger, cfg.Introspect)
		if err != nil {
			return nil, fmt.Errorf("creating fallback: %w", err)
		}
		a.fallback = fb
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// HasFallback reports whether a context miss can be recovered from.
func (a *Accessor) HasFallback() bool {
	return a.fallback != nil
}

// ReadStaticField reads className.fieldName with the given type signature.
// env must belong to the calling thread.
func (a *Accessor) ReadStaticField(env jvm.Env, className, fieldName, signature string) (jvm.Value, error) {
	d, err := jvm.NewFieldDescriptor(className, fieldName, signature)
	if err != nil {
		a.metrics.reads.WithLabelValues("primary", "malformed").Inc()
		return jvm.Value{}, err
	}

	v, err := a.primary.ReadStaticField(env, d)
	if err == nil {
		a.metrics.reads.WithLabelValues("primary", "ok").Inc()
		return v, nil
	}
	if !errors.Is(err, jvm.ErrContextMiss) {
		a.metrics.reads.WithLabelValues("primary", resultOf(err)).Inc()
		return jvm.Value{}, err
	}

	if a.fallback == nil {
		a.metrics.reads.WithLabelValues("primary", "class_not_found").Inc()
		return jvm.Value{}, fmt.Errorf("%w: %s", jvm.ErrClassNotFound, d.Class)
	}
	level.Debug(a.logger).Log("msg", "class not visible from this thread, using fallback", "field", d)
	v, err = a.fallback.ReadStaticField(env, d)
	if err != nil {
		a.metrics.reads.WithLabelValues("fallback", resultOf(err)).Inc()
		return jvm.Value{}, err
	}
	a.metrics.reads.WithLabelValues("fallback", "ok").Inc()
	return v, nil
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, jvm.ErrClassNotFound):
		return "class_not_found"
	case errors.Is(err, jvm.ErrFieldNotFound):
		return "field_not_found"
	case errors.Is(err, jvm.ErrMalformedDescriptor):
		return "malformed"
	case errors.Is(err, jvm.ErrUnsupportedFieldType):
		return "unsupported"
	}
	return "error"
}
