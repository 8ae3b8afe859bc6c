package field

import (
	"errors"
	"flag"
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jvmgetter/pkg/jvm"
	"github.com/grafana/jvmgetter/pkg/jvm/jvmtest"
	"github.com/grafana/jvmgetter/pkg/test"
)

type fakeStrategy struct {
	calls []jvm.FieldDescriptor
	value jvm.Value
	err   error
}

func (f *fakeStrategy) ReadStaticField(_ jvm.Env, d jvm.FieldDescriptor) (jvm.Value, error) {
	f.calls = append(f.calls, d)
	return f.value, f.err
}

func newVM() *jvmtest.VM {
	vm := jvmtest.NewVM(0x1000)
	vm.DefineClass("SimpleObject", true).
		SetStatic("simpleValue", "I", jvm.IntValue(42)).
		SetStatic("name", "Ljava/lang/String;", jvm.StringValue("simple")).
		SetStatic("ratio", "D", jvm.DoubleValue(0.25))
	vm.DefineClass("java/lang/Integer", false).
		SetStatic("MAX_VALUE", "I", jvm.IntValue(2147483647))
	return vm
}

func newAccessor(t *testing.T, reg prometheus.Registerer, opts ...Option) *Accessor {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("test", flag.PanicOnError))
	a, err := New(test.NewTestingLogger(t), cfg, reg, opts...)
	require.NoError(t, err)
	return a
}

// runtimeThread runs fn on a thread created by the virtual machine.
func runtimeThread(t *testing.T, vm *jvmtest.VM, fn func(env jvm.Env)) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		env := vm.AdoptCurrentThread()
		defer vm.ExitCurrentThread()
		fn(env)
	}()
	<-done
}

// nativeThread runs fn on a native thread attached for the duration of fn.
func nativeThread(t *testing.T, vm *jvmtest.VM, fn func(env jvm.Env)) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		env, err := vm.AttachCurrentThread(jvm.AttachArgs{Version: jvm.Version1_6})
		if err != nil {
			t.Error(err)
			return
		}
		defer func() { _ = vm.DetachCurrentThread() }()
		fn(env)
	}()
	<-done
}

func TestPrimaryOnRuntimeThread(t *testing.T) {
	vm := newVM()
	fb := &fakeStrategy{}
	reg := prometheus.NewRegistry()
	a := newAccessor(t, reg, WithFallback(fb))

	runtimeThread(t, vm, func(env jvm.Env) {
		v, err := a.ReadStaticField(env, "SimpleObject", "simpleValue", "I")
		require.NoError(t, err)
		require.Equal(t, int32(42), v.Int())

		v, err = a.ReadStaticField(env, "SimpleObject", "name", "Ljava/lang/String;")
		require.NoError(t, err)
		require.Equal(t, "simple", v.Text())

		v, err = a.ReadStaticField(env, "SimpleObject", "ratio", "D")
		require.NoError(t, err)
		require.Equal(t, 0.25, v.Double())

		require.Zero(t, env.(*jvmtest.Env).LocalRefs())
	})
	require.Empty(t, fb.calls)
	require.Equal(t, 3.0, testutil.ToFloat64(a.metrics.reads.WithLabelValues("primary", "ok")))
}

func TestSystemClassOnNativeThread(t *testing.T) {
	vm := newVM()
	fb := &fakeStrategy{}
	a := newAccessor(t, nil, WithFallback(fb))

	nativeThread(t, vm, func(env jvm.Env) {
		v, err := a.ReadStaticField(env, "java.lang.Integer", "MAX_VALUE", "I")
		require.NoError(t, err)
		require.Equal(t, int32(2147483647), v.Int())
	})
	require.Empty(t, fb.calls)
}

func TestContextMissUsesFallback(t *testing.T) {
	vm := newVM()
	fb := &fakeStrategy{value: jvm.IntValue(42)}
	reg := prometheus.NewRegistry()
	a := newAccessor(t, reg, WithFallback(fb))

	nativeThread(t, vm, func(env jvm.Env) {
		v, err := a.ReadStaticField(env, "SimpleObject", "simpleValue", "I")
		require.NoError(t, err)
		require.Equal(t, int32(42), v.Int())
	})
	require.Len(t, fb.calls, 1)
	require.Equal(t, jvm.FieldDescriptor{Class: "SimpleObject", Name: "simpleValue", Signature: "I"}, fb.calls[0])
	require.Equal(t, 1.0, testutil.ToFloat64(a.metrics.reads.WithLabelValues("fallback", "ok")))
}

func TestContextMissWithoutFallback(t *testing.T) {
	vm := newVM()
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("test", flag.PanicOnError))
	cfg.Fallback = FallbackDisabled
	a, err := New(test.NewTestingLogger(t), cfg, nil)
	require.NoError(t, err)
	require.False(t, a.HasFallback())

	nativeThread(t, vm, func(env jvm.Env) {
		_, err := a.ReadStaticField(env, "SimpleObject", "simpleValue", "I")
		require.ErrorIs(t, err, jvm.ErrClassNotFound)
		require.NotErrorIs(t, err, jvm.ErrContextMiss)
	})
}

func TestErrorsThatSkipFallback(t *testing.T) {
	vm := newVM()
	tests := []struct {
		name      string
		className string
		fieldName string
		signature string
		wantErr   error
	}{
		{name: "malformed signature", className: "SimpleObject", fieldName: "simpleValue", signature: "Q", wantErr: jvm.ErrMalformedDescriptor},
		{name: "empty class", className: "", fieldName: "simpleValue", signature: "I", wantErr: jvm.ErrMalformedDescriptor},
		{name: "missing field", className: "SimpleObject", fieldName: "missing", signature: "I", wantErr: jvm.ErrFieldNotFound},
		{name: "wrong signature", className: "SimpleObject", fieldName: "simpleValue", signature: "J", wantErr: jvm.ErrFieldNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeStrategy{value: jvm.IntValue(1)}
			a := newAccessor(t, nil, WithFallback(fb))
			runtimeThread(t, vm, func(env jvm.Env) {
				_, err := a.ReadStaticField(env, tt.className, tt.fieldName, tt.signature)
				require.ErrorIs(t, err, tt.wantErr)
			})
			require.Empty(t, fb.calls)
		})
	}
}

var errStaleClass = errors.New("stale class reference")

// failingFieldEnv fails every field id lookup with err.
type failingFieldEnv struct {
	jvm.Env
	err error
}

func (e failingFieldEnv) GetStaticFieldID(jvm.Ref, string, string) (jvm.FieldID, error) {
	return 0, e.err
}

func TestPrimaryKeepsFieldLookupError(t *testing.T) {
	vm := newVM()
	d, err := jvm.NewFieldDescriptor("SimpleObject", "simpleValue", "I")
	require.NoError(t, err)

	runtimeThread(t, vm, func(env jvm.Env) {
		_, err := Primary{}.ReadStaticField(failingFieldEnv{Env: env, err: errStaleClass}, d)
		require.ErrorIs(t, err, jvm.ErrFieldNotFound)
		require.ErrorIs(t, err, errStaleClass)
		require.Zero(t, env.(*jvmtest.Env).LocalRefs())
	})
}

func TestFallbackErrorsPropagate(t *testing.T) {
	vm := newVM()
	fb := &fakeStrategy{err: jvm.ErrClassNotFound}
	reg := prometheus.NewRegistry()
	a := newAccessor(t, reg, WithFallback(fb))

	nativeThread(t, vm, func(env jvm.Env) {
		_, err := a.ReadStaticField(env, "com.example.Missing", "value", "I")
		require.ErrorIs(t, err, jvm.ErrClassNotFound)
	})
	require.Len(t, fb.calls, 1)
	require.Equal(t, "com/example/Missing", fb.calls[0].Class)
	require.Equal(t, 1.0, testutil.ToFloat64(a.metrics.reads.WithLabelValues("fallback", "class_not_found")))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(cfg *Config)
		wantErr bool
	}{
		{name: "defaults", setup: func(*Config) {}},
		{name: "disabled", setup: func(cfg *Config) { cfg.Fallback = FallbackDisabled }},
		{name: "unknown fallback", setup: func(cfg *Config) { cfg.Fallback = "always" }, wantErr: true},
		{name: "negative api level", setup: func(cfg *Config) { cfg.Introspect.APILevel = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.RegisterFlags(flag.NewFlagSet("test", flag.PanicOnError))
			tt.setup(&cfg)
			if tt.wantErr {
				require.Error(t, cfg.Validate())
			} else {
				require.NoError(t, cfg.Validate())
			}
		})
	}
}
