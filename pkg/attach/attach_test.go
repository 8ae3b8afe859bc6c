package attach

import (
	"errors"
	"flag"
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/jvmgetter/pkg/jvm"
	"github.com/grafana/jvmgetter/pkg/jvm/jvmtest"
	"github.com/grafana/jvmgetter/pkg/test"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticHandle struct {
	vm  jvm.VM
	err error
}

func (h staticHandle) RootHandle() (jvm.VM, error) {
	return h.vm, h.err
}

func newManager(t *testing.T, vm jvm.VM, reg prometheus.Registerer) *Manager {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("test", flag.PanicOnError))
	cfg.ThreadName = "jvmgetter-test"
	m, err := New(test.NewTestingLogger(t), cfg, staticHandle{vm: vm}, reg)
	require.NoError(t, err)
	return m
}

// onThread runs fn on a goroutine locked to its OS thread.
func onThread(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		fn()
	}()
	<-done
}

func TestNativeThreadIsAttachedAndDetached(t *testing.T) {
	vm := jvmtest.NewVM(0x1000)
	reg := prometheus.NewRegistry()
	m := newManager(t, vm, reg)

	onThread(t, func() {
		require.False(t, vm.IsAttached())
		a, err := m.Environment()
		require.NoError(t, err)
		require.True(t, a.Owned)
		require.True(t, vm.IsAttached())
		require.True(t, m.Attached())
		require.Equal(t, "jvmgetter-test", a.Env.(*jvmtest.Env).Name())
		require.Equal(t, 1.0, testutil.ToFloat64(m.metrics.attached))

		require.NoError(t, a.Release())
		require.False(t, vm.IsAttached())
		require.False(t, m.Attached())
	})
	require.Equal(t, 1, vm.Attaches())
	require.Equal(t, 1, vm.Detaches())
	require.Equal(t, 0.0, testutil.ToFloat64(m.metrics.attached))
	require.Equal(t, 1.0, testutil.ToFloat64(m.metrics.detachments))
}

func TestRuntimeThreadIsNeverDetached(t *testing.T) {
	vm := jvmtest.NewVM(0x1000)
	m := newManager(t, vm, nil)

	onThread(t, func() {
		own := vm.AdoptCurrentThread()
		defer vm.ExitCurrentThread()

		a, err := m.Environment()
		require.NoError(t, err)
		require.False(t, a.Owned)
		require.Same(t, own, a.Env)

		require.NoError(t, a.Release())
		require.True(t, vm.IsAttached())
		require.False(t, m.Attached())
	})
	require.Equal(t, 0, vm.Attaches())
	require.Equal(t, 0, vm.Detaches())
}

func TestNestedAcquisitionsShareRecord(t *testing.T) {
	vm := jvmtest.NewVM(0x1000)
	m := newManager(t, vm, nil)

	onThread(t, func() {
		outer, err := m.Environment()
		require.NoError(t, err)
		inner, err := m.Environment()
		require.NoError(t, err)
		require.Same(t, outer, inner)

		require.NoError(t, inner.Release())
		require.True(t, vm.IsAttached())
		require.NoError(t, outer.Release())
		require.False(t, vm.IsAttached())

		// released twice: no-op
		require.NoError(t, outer.Release())
	})
	require.Equal(t, 1, vm.Attaches())
	require.Equal(t, 1, vm.Detaches())
}

func TestReleaseClearsRecord(t *testing.T) {
	vm := jvmtest.NewVM(0x1000)
	m := newManager(t, vm, nil)

	onThread(t, func() {
		for i := 0; i < 3; i++ {
			a, err := m.Environment()
			require.NoError(t, err)
			require.True(t, a.Owned)
			require.NoError(t, a.Release())
		}
	})
	require.Equal(t, 3, vm.Attaches())
	require.Equal(t, 3, vm.Detaches())
}

func TestExternallyDetachedThreadIsReattached(t *testing.T) {
	vm := jvmtest.NewVM(0x1000)
	m := newManager(t, vm, nil)

	onThread(t, func() {
		first, err := m.Environment()
		require.NoError(t, err)
		require.NoError(t, vm.DetachCurrentThread())

		second, err := m.Environment()
		require.NoError(t, err)
		require.NotSame(t, first, second)
		require.True(t, second.Owned)
		require.True(t, vm.IsAttached())

		// the stale record is gone, releasing it does nothing
		require.NoError(t, first.Release())
		require.True(t, vm.IsAttached())
		require.NoError(t, second.Release())
		require.False(t, vm.IsAttached())
	})
	require.Equal(t, 2, vm.Attaches())
}

func TestAttachFailure(t *testing.T) {
	vm := jvmtest.NewVM(0x1000)
	vm.AttachErr = jvm.CheckStatus("AttachCurrentThread", jvm.StatusENoMem)
	reg := prometheus.NewRegistry()
	m := newManager(t, vm, reg)

	onThread(t, func() {
		_, err := m.Environment()
		require.ErrorIs(t, err, jvm.ErrAttachFailed)
		var status *jvm.StatusError
		require.True(t, errors.As(err, &status))
		require.Equal(t, jvm.StatusENoMem, status.Status)
		require.False(t, m.Attached())
	})
	require.Equal(t, 1.0, testutil.ToFloat64(m.metrics.attachments.WithLabelValues("failed")))
}

func TestNoRootHandle(t *testing.T) {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("test", flag.PanicOnError))
	m, err := New(nil, cfg, staticHandle{err: jvm.ErrRuntimeNotFound}, nil)
	require.NoError(t, err)

	err = m.Do(func(jvm.Env) error {
		t.Fatal("must not run")
		return nil
	})
	require.ErrorIs(t, err, jvm.ErrAttachFailed)
	require.ErrorIs(t, err, jvm.ErrRuntimeNotFound)
}

func TestDoReleasesOnEveryPath(t *testing.T) {
	vm := jvmtest.NewVM(0x1000)
	m := newManager(t, vm, nil)
	errBoom := errors.New("boom")

	onThread(t, func() {
		err := m.Do(func(env jvm.Env) error {
			require.True(t, vm.IsAttached())
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)
		require.False(t, vm.IsAttached())

		require.Panics(t, func() {
			_ = m.Do(func(jvm.Env) error { panic("boom") })
		})
		require.False(t, vm.IsAttached())
		require.False(t, m.Attached())
	})
	require.Equal(t, 2, vm.Detaches())
}

func TestReleaseOnWrongThread(t *testing.T) {
	vm := jvmtest.NewVM(0x1000)
	m := newManager(t, vm, nil)

	acquired := make(chan *Attachment)
	tried := make(chan struct{})
	done := make(chan error)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		a, err := m.Environment()
		if err != nil {
			close(acquired)
			done <- err
			return
		}
		acquired <- a
		<-tried
		done <- a.Release()
	}()

	a := <-acquired
	require.NotNil(t, a)
	onThread(t, func() {
		require.ErrorIs(t, a.Release(), ErrWrongThread)
	})
	close(tried)
	require.NoError(t, <-done)
	require.Equal(t, 0, vm.AttachedThreads())
}

func TestManyThreads(t *testing.T) {
	vm := jvmtest.NewVM(0x1000)
	m := newManager(t, vm, nil)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			return m.Do(func(env jvm.Env) error {
				if !vm.IsAttached() {
					return errors.New("thread not attached")
				}
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 0, vm.AttachedThreads())
	require.Equal(t, vm.Attaches(), vm.Detaches())
	require.Equal(t, 0.0, testutil.ToFloat64(m.metrics.attached))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{JNIVersion: 0x00010003}
	require.Error(t, cfg.Validate())
	cfg.JNIVersion = int(jvm.Version1_8)
	require.NoError(t, cfg.Validate())
}
