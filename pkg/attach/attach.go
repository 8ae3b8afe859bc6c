// Package attach hands out execution environments for the calling OS thread,
// attaching it to the virtual machine when needed.
//
// An environment is only valid on the thread it was obtained on. Goroutines
// move between threads, so callers either hold runtime.LockOSThread for as
// long as they use an Attachment or go through Manager.Do.
package attach

import (
	"errors"
	"flag"
	"fmt"
	"runtime"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jvmgetter/pkg/jvm"
	"github.com/grafana/jvmgetter/pkg/util/osthread"
)

var ErrWrongThread = errors.New("attachment released on a different thread")

type Config struct {
	JNIVersion int    `yaml:"jni_version" category:"advanced"`
	Daemon     bool   `yaml:"daemon"`
	ThreadName string `yaml:"thread_name"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.JNIVersion, "attach.jni-version", int(jvm.Version1_6), "JNI version requested when looking up or attaching a thread.")
	f.BoolVar(&cfg.Daemon, "attach.daemon", false, "Attach native threads as daemon threads, which do not keep the virtual machine alive.")
	f.StringVar(&cfg.ThreadName, "attach.thread-name", "", "Name given to threads attached by jvmgetter. Empty lets the virtual machine choose.")
}

func (cfg *Config) Validate() error {
	switch int32(cfg.JNIVersion) {
	case jvm.Version1_1, jvm.Version1_2, jvm.Version1_4, jvm.Version1_6, jvm.Version1_8:
		return nil
	}
	return fmt.Errorf("unsupported jni-version %#x", cfg.JNIVersion)
}

// HandleProvider returns the root handle of the virtual machine.
type HandleProvider interface {
	RootHandle() (jvm.VM, error)
}

// Attachment is the environment of one OS thread. Owned is set when this
// package attached the thread, in which case the last Release detaches it.
type Attachment struct {
	Env   jvm.Env
	Owned bool

	m      *Manager
	vm     jvm.VM
	thread osthread.ID
	refs   int
}

// Release gives the attachment back. It must be called on the thread the
// attachment was obtained on.
func (a *Attachment) Release() error {
	return a.m.release(a)
}

type Manager struct {
	logger  log.Logger
	cfg     Config
	handles HandleProvider
	metrics *metrics

	mu      sync.Mutex
	records map[osthread.ID]*Attachment
}

func New(logger log.Logger, cfg Config, handles HandleProvider, reg prometheus.Registerer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		logger:  logger,
		cfg:     cfg,
		handles: handles,
		metrics: newMetrics(reg),
		records: map[osthread.ID]*Attachment{},
	}, nil
}

// Environment returns the attachment of the calling thread. Nested calls on
// one thread share a record; every call must be paired with a Release.
func (m *Manager) Environment() (*Attachment, error) {
	vm, err := m.handles.RootHandle()
	if err != nil {
		m.metrics.attachments.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %w", jvm.ErrAttachFailed, err)
	}
	id := osthread.Current()
	version := int32(m.cfg.JNIVersion)

	if rec := m.record(id); rec != nil {
		env, err := vm.GetEnv(version)
		if err == nil && env.Pointer() == rec.Env.Pointer() {
			m.mu.Lock()
			rec.refs++
			m.mu.Unlock()
			m.metrics.attachments.WithLabelValues("existing").Inc()
			return rec, nil
		}
		level.Debug(m.logger).Log("msg", "dropping stale attachment record", "thread", id, "owned", rec.Owned)
		m.drop(rec)
	}

	rec := &Attachment{m: m, vm: vm, thread: id, refs: 1}
	env, err := vm.GetEnv(version)
	switch {
	case err == nil:
		rec.Env = env
		m.metrics.attachments.WithLabelValues("existing").Inc()
	case errors.Is(err, jvm.ErrDetached):
		env, err = vm.AttachCurrentThread(jvm.AttachArgs{Version: version, Name: m.cfg.ThreadName, Daemon: m.cfg.Daemon})
		if err != nil {
			m.metrics.attachments.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("%w: %w", jvm.ErrAttachFailed, err)
		}
		rec.Env, rec.Owned = env, true
		m.metrics.attachments.WithLabelValues("attached").Inc()
		m.metrics.attached.Inc()
		level.Debug(m.logger).Log("msg", "attached thread", "thread", id, "daemon", m.cfg.Daemon)
	default:
		m.metrics.attachments.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %w", jvm.ErrAttachFailed, err)
	}

	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()
	return rec, nil
}

// Do runs fn with the environment of a locked OS thread and releases it
// afterwards, also when fn panics.
func (m *Manager) Do(fn func(env jvm.Env) error) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	a, err := m.Environment()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := a.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(a.Env)
}

// Attached reports whether the calling thread holds an attachment.
func (m *Manager) Attached() bool {
	return m.record(osthread.Current()) != nil
}

func (m *Manager) record(id osthread.ID) *Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

// drop forgets a record whose thread was detached behind our back.
func (m *Manager) drop(rec *Attachment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[rec.thread] == rec {
		delete(m.records, rec.thread)
		if rec.Owned {
			m.metrics.attached.Dec()
		}
	}
}

func (m *Manager) release(a *Attachment) error {
	if cur := osthread.Current(); cur != a.thread {
		return fmt.Errorf("%w: obtained on %d, released on %d", ErrWrongThread, a.thread, cur)
	}
	m.mu.Lock()
	if m.records[a.thread] != a {
		m.mu.Unlock()
		return nil
	}
	a.refs--
	if a.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.records, a.thread)
	m.mu.Unlock()

	if !a.Owned {
		return nil
	}
	m.metrics.attached.Dec()
	m.metrics.detachments.Inc()
	if err := a.vm.DetachCurrentThread(); err != nil {
		return fmt.Errorf("detaching thread %d: %w", a.thread, err)
	}
	level.Debug(m.logger).Log("msg", "detached thread", "thread", a.thread)
	return nil
}
