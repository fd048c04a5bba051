// Package docker implements the Provider contract against the Docker
// engine: compose rendering (spec section 4.1.2) and the multi-phase
// create/start/stop/destroy lifecycle (spec section 4.1.1). Grounded
// on the teacher's pkg/commands/docker.go for the engine-client shape
// (github.com/docker/docker/client) and on original_source's
// vm-provider/src/docker/{compose.rs,lifecycle.rs,lifecycle/creation.rs}
// for the rendering rules and creation phases themselves, which have
// no teacher equivalent (lazydocker only ever inspects an existing
// compose project, never renders one).
package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vmtool/vm/pkg/config"
	"github.com/vmtool/vm/pkg/provider"
)

// ComposeDocument is a typed docker-compose document. Marshaled
// directly via yaml.v3 rather than string templating, so determinism
// (spec section 4.1.2: byte-identical output for identical input)
// falls out of struct field order and yaml.v3's own key-sorting for
// map values, rather than depending on Go map iteration order.
type ComposeDocument struct {
	Services map[string]*ComposeService `yaml:"services"`
	Networks map[string]*ComposeNetwork `yaml:"networks,omitempty"`
	Volumes  map[string]*ComposeVolume  `yaml:"volumes,omitempty"`
}

type ComposeService struct {
	Image         string            `yaml:"image,omitempty"`
	Build         *ComposeBuild     `yaml:"build,omitempty"`
	ContainerName string            `yaml:"container_name,omitempty"`
	Hostname      string            `yaml:"hostname,omitempty"`
	User          string            `yaml:"user,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	Ports         []string          `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	Networks      []string          `yaml:"networks,omitempty"`
	Command       []string          `yaml:"command,omitempty"`
	TTY           bool              `yaml:"tty,omitempty"`
	StdinOpen     bool              `yaml:"stdin_open,omitempty"`
	ExtraHosts    []string          `yaml:"extra_hosts,omitempty"`
	DependsOn     []string          `yaml:"depends_on,omitempty"`
}

type ComposeBuild struct {
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	Args       map[string]string `yaml:"args,omitempty"`
}

type ComposeNetwork struct {
	External bool `yaml:"external,omitempty"`
}

type ComposeVolume struct {
	External bool `yaml:"external,omitempty"`
}

// HostUser carries the invoking user's identity, injected into the
// guest so files it creates are host-writable.
type HostUser struct {
	UID int
	GID int
}

// CurrentHostUser resolves the invoking user's UID/GID. Windows has
// no stable UID concept; 0/0 is used there and the guest image is
// expected to tolerate it (spec section 4.1's platform gate already
// rejects worktrees on native Windows).
func CurrentHostUser() HostUser {
	if runtime.GOOS == "windows" {
		return HostUser{}
	}
	return HostUser{UID: os.Getuid(), GID: os.Getgid()}
}

// hostGatewayName returns the platform's name for reaching the host
// from inside a container (spec section 4.1.2: registry env vars).
func hostGatewayName() string {
	if runtime.GOOS == "linux" {
		return "172.17.0.1"
	}
	return "host.docker.internal"
}

// Renderer produces compose documents for a VmConfig.
type Renderer struct {
	PackageLinker PackageLinker
	WorktreeFinder WorktreeFinder
}

func NewRenderer() *Renderer {
	return &Renderer{
		PackageLinker:  HostPackageLinker{},
		WorktreeFinder: GitWorktreeFinder{},
	}
}

// Render builds the compose document for cfg, returning the document
// plus the list of service container names the render expects to
// exist afterward (used by the orphaned-service check, spec section
// 4.1.1 phase 8).
func (r *Renderer) Render(ctx context.Context, cfg *config.VmConfig, instanceName string, pctx provider.ProviderContext) (*ComposeDocument, []string, error) {
	doc := &ComposeDocument{
		Services: map[string]*ComposeService{},
	}

	env := map[string]string{}
	mounts := []string{}

	hostUser := CurrentHostUser()

	// Package linking mounts (spec section 4.1.2).
	if cfg.PackageLinking.Pip {
		if paths, err := r.PackageLinker.Detect(ctx, "pip"); err == nil {
			for _, p := range paths {
				mounts = append(mounts, fmt.Sprintf("%s:/opt/vm/pip-packages/%s:ro", p.HostPath, p.Name))
			}
			if len(paths) > 0 {
				env["PIP_FIND_LINKS"] = "/opt/vm/pip-packages"
			}
		}
	}
	if cfg.PackageLinking.Npm {
		if paths, err := r.PackageLinker.Detect(ctx, "npm"); err == nil {
			for _, p := range paths {
				mounts = append(mounts, fmt.Sprintf("%s:/opt/vm/npm-packages/%s:ro", p.HostPath, p.Name))
			}
			if len(paths) > 0 {
				env["NPM_CONFIG_PREFIX"] = "/opt/vm/npm-packages"
			}
		}
	}
	if cfg.PackageLinking.Cargo {
		if paths, err := r.PackageLinker.Detect(ctx, "cargo"); err == nil {
			for _, p := range paths {
				mounts = append(mounts, fmt.Sprintf("%s:/opt/vm/cargo-packages/%s:ro", p.HostPath, p.Name))
			}
		}
	}

	// Registry env vars (spec section 4.1.2).
	if pctx.GlobalConfig != nil {
		if svc, ok := pctx.GlobalConfig.Services["package_registry"]; ok && svc.Enabled {
			host := hostGatewayName()
			port := svc.Port
			if port == 0 {
				port = 8080
			}
			env["NPM_CONFIG_REGISTRY"] = fmt.Sprintf("http://%s:%d/npm/", host, port)
			env["PIP_INDEX_URL"] = fmt.Sprintf("http://%s:%d/pypi/simple/", host, port)
			env["PIP_EXTRA_INDEX_URL"] = "https://pypi.org/simple/"
			env["PIP_TRUSTED_HOST"] = host
			env["VM_CARGO_REGISTRY_HOST"] = host
			env["VM_CARGO_REGISTRY_PORT"] = strconv.Itoa(port)
		}
		if svc, ok := pctx.GlobalConfig.Services["postgresql"]; ok && svc.Enabled {
			env["DATABASE_URL"] = fmt.Sprintf("postgres://vm:vm@%s-postgres:5432/vm", cfg.Project.Name)
		}
		if svc, ok := pctx.GlobalConfig.Services["redis"]; ok && svc.Enabled {
			env["REDIS_URL"] = fmt.Sprintf("redis://%s-redis:6379", cfg.Project.Name)
		}
		if svc, ok := pctx.GlobalConfig.Services["mongodb"]; ok && svc.Enabled {
			env["MONGODB_URL"] = fmt.Sprintf("mongodb://%s-mongodb:27017", cfg.Project.Name)
		}
	}

	// Caller-specified environment always wins (applied last, after
	// the registry/db injections, matching original_source's
	// "config.environment overrides derived env" ordering).
	for k, v := range cfg.Environment {
		env[k] = v
	}

	// Worktrees (spec section 4.1.2).
	if cfg.Worktrees.Enabled {
		if wts, err := r.WorktreeFinder.Siblings(cfg.Project.WorkspacePath); err == nil {
			for _, wt := range wts {
				mounts = append(mounts, fmt.Sprintf("%s:/worktrees/%s:rw", wt.Path, wt.Name))
			}
		}
	}

	mounts = append([]string{cfg.Project.WorkspacePath + ":/workspace:rw"}, mounts...)
	sort.Strings(mounts[1:])

	image := cfg.VM.Image
	var build *ComposeBuild
	if image == "" {
		image = ""
		build = &ComposeBuild{Context: ".", Dockerfile: "Dockerfile"}
	}

	main := &ComposeService{
		Image:         image,
		Build:         build,
		ContainerName: instanceName,
		Hostname:      cfg.Project.Hostname,
		User:          fmt.Sprintf("%d:%d", hostUser.UID, hostUser.GID),
		Environment:   env,
		Volumes:       mounts,
		TTY:           true,
		StdinOpen:     true,
	}
	if len(cfg.Networking.Networks) > 0 {
		main.Networks = append([]string{}, cfg.Networking.Networks...)
	}
	if cfg.Ports.Map != nil {
		keys := make([]string, 0, len(cfg.Ports.Map))
		for k := range cfg.Ports.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, name := range keys {
			host := cfg.Ports.Map[name]
			main.Ports = append(main.Ports, fmt.Sprintf("%d:%d", host, host))
		}
	}
	doc.Services[instanceName] = main

	expectedNames := []string{instanceName}

	serviceNames := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		serviceNames = append(serviceNames, name)
	}
	sort.Strings(serviceNames)
	for _, name := range serviceNames {
		svc := cfg.Services[name]
		if !svc.Enabled {
			continue
		}
		containerName := fmt.Sprintf("%s-%s", cfg.Project.Name, name)
		cs := &ComposeService{
			Image:         svc.Image,
			ContainerName: containerName,
		}
		if svc.Port != 0 {
			cs.Ports = []string{fmt.Sprintf("%d:%d", svc.Port, svc.Port)}
		}
		doc.Services[name] = cs
		expectedNames = append(expectedNames, containerName)
		main.DependsOn = append(main.DependsOn, name)
	}
	sort.Strings(main.DependsOn)

	if len(cfg.Networking.Networks) > 0 {
		doc.Networks = map[string]*ComposeNetwork{}
		for _, n := range cfg.Networking.Networks {
			doc.Networks[n] = &ComposeNetwork{}
		}
	}

	return doc, expectedNames, nil
}

// Marshal serializes doc deterministically.
func Marshal(doc *ComposeDocument) ([]byte, error) {
	return yaml.Marshal(doc)
}

// ProjectContainerPrefix returns the naming prefix used to detect
// orphaned service containers for a project (spec section 4.1.1 phase
// 8): "<project>-".
func ProjectContainerPrefix(project string) string {
	return project + "-"
}

// IsServiceContainerName reports whether name looks like
// "<project>-<service>" for the given project, used by the
// orphaned-service check to avoid flagging other instances of the
// same project ("<project>-foo", "<project>-bar" coexist by design).
func IsServiceContainerName(name, project string, knownServiceNames []string) bool {
	prefix := ProjectContainerPrefix(project)
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	suffix := strings.TrimPrefix(name, prefix)
	for _, s := range knownServiceNames {
		if s == suffix {
			return true
		}
	}
	return false
}

// ConfigFilePath returns the rendered compose.yml path for a build
// context directory.
func ConfigFilePath(buildDir string) string {
	return filepath.Join(buildDir, "compose.yml")
}
