// Package servicemanager implements the reference-counted lifecycle
// of auxiliary global services (registry, auth proxy, DB services)
// keyed by VM instance, spec section 2's "Service manager" component.
// When a VM is registered, refcounts are incremented on the services
// it needs and a service may be started as a background process;
// when the last referring VM is destroyed, the service is stopped.
// Loosely grounded on hectolitro-yeet's pkg/svc (the pack's closest
// analogue to a singleton-process supervisor with a PID file), since
// the teacher has no equivalent: lazydocker only ever observes
// services a compose project already started, it never supervises
// one of its own.
package servicemanager

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vmtool/vm/pkg/config"
	"github.com/vmtool/vm/pkg/storage"
	"github.com/vmtool/vm/pkg/vmerrors"
)

func probePort(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 300*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ServiceSpec describes how to start/stop/probe one global service.
type ServiceSpec struct {
	Name    string
	Command []string
	Port    int
	// Env is injected into the spawned process in addition to the
	// parent's environment.
	Env map[string]string
}

// Manager tracks the refcount and running state of every global
// service, serializing start/stop of a given service under a
// per-service mutex (spec section 5: "start and stop of a service are
// never concurrent for the same service").
type Manager struct {
	mu       sync.Mutex
	serviceMu map[string]*sync.Mutex
	refcounts map[string]map[string]bool // service -> set of referring instance names
	pidDir    string
	log       *logrus.Entry
	specs     map[string]ServiceSpec
	Global    *config.GlobalConfig
}

func New(log *logrus.Entry, pidDir string, global *config.GlobalConfig) *Manager {
	return &Manager{
		serviceMu: map[string]*sync.Mutex{},
		refcounts: map[string]map[string]bool{},
		pidDir:    pidDir,
		log:       log,
		specs:     map[string]ServiceSpec{},
		Global:    global,
	}
}

// RegisterSpec installs the launch spec for a named service.
func (m *Manager) RegisterSpec(spec ServiceSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec.Name] = spec
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.serviceMu[name] == nil {
		m.serviceMu[name] = &sync.Mutex{}
	}
	return m.serviceMu[name]
}

func (m *Manager) pidFile(name string) string {
	return filepath.Join(m.pidDir, "."+name+"-server.pid")
}

// Acquire increments instance's reference on service, starting it
// (singleton, via PID file plus liveness probe) if this is the first
// reference.
func (m *Manager) Acquire(ctx context.Context, serviceName, instance string) error {
	lock := m.lockFor(serviceName)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if m.refcounts[serviceName] == nil {
		m.refcounts[serviceName] = map[string]bool{}
	}
	alreadyRunning := len(m.refcounts[serviceName]) > 0
	m.refcounts[serviceName][instance] = true
	m.mu.Unlock()

	if alreadyRunning {
		return nil
	}

	if m.isAlive(serviceName) {
		return nil
	}

	spec, ok := m.specs[serviceName]
	if !ok {
		return vmerrors.Newf(vmerrors.Config, "no service spec registered for %q", serviceName)
	}
	return m.start(ctx, spec)
}

// Release decrements instance's reference on service, stopping it if
// this was the last reference.
func (m *Manager) Release(ctx context.Context, serviceName, instance string) error {
	lock := m.lockFor(serviceName)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if m.refcounts[serviceName] != nil {
		delete(m.refcounts[serviceName], instance)
	}
	remaining := len(m.refcounts[serviceName])
	m.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	return m.stop(serviceName)
}

func (m *Manager) start(ctx context.Context, spec ServiceSpec) error {
	if err := os.MkdirAll(m.pidDir, 0o755); err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "create service pid directory")
	}
	if len(spec.Command) == 0 {
		return vmerrors.Newf(vmerrors.Config, "service %q has no launch command", spec.Name)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if err := cmd.Start(); err != nil {
		return vmerrors.Wrap(vmerrors.Provider, err, "start service "+spec.Name)
	}

	pid := cmd.Process.Pid
	if err := storage.AtomicWrite(m.pidFile(spec.Name), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}

	// Detach: the spawned service outlives this command invocation.
	go func() { _ = cmd.Wait() }()

	m.log.Infof("started service %q (pid %d)", spec.Name, pid)
	return m.waitReady(ctx, spec)
}

func (m *Manager) waitReady(ctx context.Context, spec ServiceSpec) error {
	if spec.Port == 0 {
		return nil
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if probePort(spec.Port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return vmerrors.Newf(vmerrors.DependencyMissing, "service %q did not become ready on port %d", spec.Name, spec.Port)
}

func (m *Manager) stop(serviceName string) error {
	path := m.pidFile(serviceName)
	exists, err := storage.Exists(path)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	data, err := storage.ReadFile(path)
	if err != nil {
		return err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return storage.Remove(path)
	}

	proc, err := os.FindProcess(pid)
	if err == nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
	m.log.Infof("stopped service %q (pid %d)", serviceName, pid)
	return storage.Remove(path)
}

// isAlive checks the PID file plus a liveness signal, per spec
// section 5's "singleton start via PID file plus liveness probe".
func (m *Manager) isAlive(serviceName string) bool {
	path := m.pidFile(serviceName)
	exists, _ := storage.Exists(path)
	if !exists {
		return false
	}
	data, err := storage.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// InjectedEnv reports which global services are currently enabled so
// a compose render can inject the right env vars. Satisfies
// provider.ServiceNotifier; the actual env var values are computed by
// pkg/provider/docker.Renderer from the GlobalConfig directly; this
// method exists for callers that only have a Manager handle and need
// to know enablement without threading GlobalConfig through twice.
func (m *Manager) InjectedEnv(ctx context.Context) (map[string]string, error) {
	env := map[string]string{}
	if m.Global == nil {
		return env, nil
	}
	for name, svc := range m.Global.Services {
		if svc.Enabled {
			env["VM_SERVICE_"+name+"_ENABLED"] = "true"
		}
	}
	return env, nil
}
