// Package provider defines the engine-agnostic lifecycle contract
// (spec section 4.1) that every concrete backend (docker, podman,
// tart, vagrant) implements, plus the instance-name resolution rules
// shared by all of them. Modeled on the teacher's
// commands.ContainerRuntime interface shape (context-first methods,
// typed summary/detail structs), re-scoped from "inspect a running
// engine" to "drive a full create/start/stop/destroy lifecycle".
package provider

import (
	"context"
	"io"

	"github.com/vmtool/vm/pkg/config"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// State is the provider-independent lifecycle state of an instance.
type State int

const (
	StateAbsent State = iota
	StateStopped
	StateRunning
	StatePaused
	StateOther
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "other"
	}
}

// InstanceInfo is a provider-reported record of one instance.
type InstanceInfo struct {
	Name    string
	Provider string
	Status  State
	ID      string
	Uptime  string
	Project string
}

// ServiceStatus is the normalized status of one service container
// belonging to an instance.
type ServiceStatus struct {
	Name   string
	Status State
	Port   int
}

// StatusReport is the normalized resource/health snapshot returned by
// GetStatusReport.
type StatusReport struct {
	CPUPercent    *float64
	MemoryUsedMB  *float64
	MemoryLimitMB *float64
	DiskUsedGB    *float64
	DiskTotalGB   *float64
	Uptime        string
	Services      []ServiceStatus
}

// CreateOptions controls the create() lifecycle entry point.
type CreateOptions struct {
	Instance string
	Force    bool
}

// ProviderContext carries the cross-cutting inputs the spec requires
// for compose rendering and orphaned-service checks: the user's
// global configuration, verbosity, and the preserve_services policy.
// Resolves the cyclic-reference design note (spec section 9) by
// holding both the provider and the service manager behind a single
// value whose lifetime spans one command invocation; components refer
// to each other through this context rather than owning each other.
type ProviderContext struct {
	GlobalConfig     *config.GlobalConfig
	Verbose          bool
	PreserveServices bool
	ServiceNotifier  ServiceNotifier
}

// ServiceNotifier is the narrow view of the service manager a
// provider needs during compose render and lifecycle transitions: it
// must be able to ask which global services are enabled and obtain
// the env vars they inject, without owning the service manager.
type ServiceNotifier interface {
	InjectedEnv(ctx context.Context) (map[string]string, error)
}

// TempMountUpdater is the optional capability a provider may expose
// via AsTempProvider: the ability to recreate an instance with a
// different set of mounts without discarding its identity.
type TempMountUpdater interface {
	UpdateMounts(ctx context.Context, instance string, cfg *config.VmConfig, mounts []MountSpec) error
}

// MountSpec is a single host-to-guest bind mount, provider-agnostic.
type MountSpec struct {
	Source      string
	Target      string
	ReadOnly    bool
}

// Provider is the full lifecycle contract a concrete engine driver
// implements. Every method that can block on engine I/O takes a
// context so the CLI layer can propagate user cancellation (Ctrl-C)
// per spec section 5.
type Provider interface {
	// Create builds artifacts, ensures the engine is reachable, and
	// materializes and provisions the instance.
	Create(ctx context.Context, cfg *config.VmConfig, pctx ProviderContext, opts CreateOptions) error

	Start(ctx context.Context, instance string) error
	Stop(ctx context.Context, instance string) error
	Restart(ctx context.Context, instance string) error
	Destroy(ctx context.Context, instance string) error
	Kill(ctx context.Context, instance string) error

	// SSH opens an interactive shell into the guest at a
	// workspace-relative path.
	SSH(ctx context.Context, instance string, relativePath string) error

	// Exec runs a one-shot command. argv is passed through without
	// any shell interpolation at this layer.
	Exec(ctx context.Context, instance string, argv []string) error

	Logs(ctx context.Context, instance string, out io.Writer) error
	Status(ctx context.Context, instance string) (State, error)
	GetStatusReport(ctx context.Context, instance string) (*StatusReport, error)

	List(ctx context.Context) ([]InstanceInfo, error)

	SupportsMultiInstance() bool
	ResolveInstanceName(ctx context.Context, project string, instance string) (string, error)

	// AsTempProvider returns a TempMountUpdater if this provider
	// supports the ephemeral/temp-VM mount hot-reload capability, and
	// ok=false otherwise.
	AsTempProvider() (TempMountUpdater, bool)

	// Name identifies the provider kind ("docker", "podman", "tart", "vagrant").
	Name() string
}

// ErrProviderNotImplemented is returned by every lifecycle method of a
// stub provider (spec section 5.1: tart/vagrant are a deliberate
// implementation boundary, not a silent gap).
var ErrProviderNotImplemented = vmerrors.New(vmerrors.Internal, "provider not implemented").WithHint("this provider kind is a stub in this build; use docker or podman")

// Factory builds a concrete Provider; For resolves a
// config.ProviderKind through the registered factories. Concrete
// providers register themselves via RegisterFactory to avoid an
// import cycle between this package and pkg/provider/docker etc.
type Factory func() Provider

var factories = map[config.ProviderKind]Factory{}

// RegisterFactory is called by each concrete provider package's
// Register function (invoked explicitly from cmd/vm) to make it
// resolvable by kind.
func RegisterFactory(kind config.ProviderKind, f Factory) {
	factories[kind] = f
}

// For builds the Provider for a given kind, erroring with
// DependencyMissing if no factory was registered (the provider
// package's Register was never called).
func For(kind config.ProviderKind) (Provider, error) {
	f, ok := factories[kind]
	if !ok {
		return nil, vmerrors.Newf(vmerrors.DependencyMissing, "no provider registered for %q", kind).
			WithHint("import the corresponding pkg/provider/<kind> package")
	}
	return f(), nil
}
