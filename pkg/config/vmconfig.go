package config

import (
	"github.com/vmtool/vm/pkg/vmerrors"
	"gopkg.in/yaml.v3"
)

// ProviderKind enumerates the supported backends, spec section 3.
type ProviderKind string

const (
	ProviderDocker  ProviderKind = "docker"
	ProviderPodman  ProviderKind = "podman"
	ProviderTart    ProviderKind = "tart"
	ProviderVagrant ProviderKind = "vagrant"
)

// ProjectConfig identifies the project a VmConfig belongs to.
type ProjectConfig struct {
	Name          string `yaml:"name"`
	WorkspacePath string `yaml:"workspace_path,omitempty"`
	Hostname      string `yaml:"hostname,omitempty"`
}

// MemoryLimit is either a bounded megabyte count or "unlimited".
// Modeled as a struct rather than a bare int so "unlimited" round
// trips through YAML without a magic sentinel value.
type MemoryLimit struct {
	Unlimited bool
	MB        int
}

// VMSettings is the `vm` block of VmConfig.
type VMSettings struct {
	Memory MemoryLimit `yaml:"memory,omitempty"`
	CPUs   int         `yaml:"cpus,omitempty"`
	Box    string      `yaml:"box,omitempty"`
	Image  string      `yaml:"image,omitempty"`
	// Provider-specific fields for tart/vagrant. Supplemented from
	// original_source's tart/provider.rs and vagrant/provider.rs: a
	// deliberate stub boundary (see DESIGN.md) rather than a silent
	// gap, so a VmConfig using those providers still round-trips.
	Provider VMProviderConfig `yaml:"provider,omitempty"`
}

// VMProviderConfig carries the tart/vagrant-specific knobs that
// docker/podman don't use.
type VMProviderConfig struct {
	Box    string `yaml:"box,omitempty"`
	Image  string `yaml:"image,omitempty"`
	CPU    int    `yaml:"cpu,omitempty"`
	Memory int    `yaml:"memory,omitempty"`
}

// PortsConfig is the `ports` block.
type PortsConfig struct {
	Range [2]int           `yaml:"range,omitempty"`
	Map   map[string]int   `yaml:"map,omitempty"`
}

// ServiceConfig is one entry of the `services` mapping.
type ServiceConfig struct {
	Name    string         `yaml:"name"`
	Enabled bool           `yaml:"enabled"`
	Image   string         `yaml:"image,omitempty"`
	Port    int            `yaml:"port,omitempty"`
	Version string         `yaml:"version,omitempty"`
	Extra   map[string]any `yaml:"extra,omitempty"`
}

// PackageLinkingConfig is the `package_linking` block.
type PackageLinkingConfig struct {
	Pip   bool `yaml:"pip"`
	Npm   bool `yaml:"npm"`
	Cargo bool `yaml:"cargo"`
}

// WorktreesConfig is the `worktrees` block, shared by VmConfig and
// GlobalConfig.
type WorktreesConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BasePath string `yaml:"base_path,omitempty"` // deprecated, per spec section 3
}

// NetworkingConfig is the `networking` block.
type NetworkingConfig struct {
	Networks []string `yaml:"networks,omitempty"`
}

// TerminalConfig is the `terminal` block.
type TerminalConfig struct {
	Shell string `yaml:"shell,omitempty"`
}

// VmConfig is the merged, effective configuration for one
// project/instance. Spec section 3.
type VmConfig struct {
	Provider       ProviderKind             `yaml:"provider"`
	Project        ProjectConfig            `yaml:"project"`
	VM             VMSettings               `yaml:"vm,omitempty"`
	Ports          PortsConfig              `yaml:"ports,omitempty"`
	Services       map[string]ServiceConfig `yaml:"services,omitempty"`
	PackageLinking PackageLinkingConfig     `yaml:"package_linking,omitempty"`
	PipPackages    []string                 `yaml:"pip_packages,omitempty"`
	NpmPackages    []string                 `yaml:"npm_packages,omitempty"`
	CargoPackages  []string                 `yaml:"cargo_packages,omitempty"`
	Environment    map[string]string        `yaml:"environment,omitempty"`
	Worktrees      WorktreesConfig          `yaml:"worktrees,omitempty"`
	Networking     NetworkingConfig         `yaml:"networking,omitempty"`
	Terminal       TerminalConfig           `yaml:"terminal,omitempty"`
	ExtraConfig    map[string]any           `yaml:"extra_config,omitempty"`
}

// Validate enforces the invariants spec section 3 names: provider and
// project.name present; memory limit, if bounded, is >= 1 MB; port
// range, if present, satisfies start <= end within 1..65535.
func (c *VmConfig) Validate() error {
	if c.Provider == "" {
		return vmerrors.New(vmerrors.Config, "provider is required").WithField("provider")
	}
	if c.Project.Name == "" {
		return vmerrors.New(vmerrors.Config, "project.name is required").WithField("project.name")
	}
	if !c.VM.Memory.Unlimited && c.VM.Memory.MB != 0 && c.VM.Memory.MB < 1 {
		return vmerrors.New(vmerrors.Config, "vm.memory must be \"unlimited\" or >= 1 MB").WithField("vm.memory")
	}
	if c.Ports.Range != [2]int{0, 0} {
		start, end := c.Ports.Range[0], c.Ports.Range[1]
		if start > end {
			return vmerrors.New(vmerrors.Config, "ports.range start must be <= end").WithField("ports.range")
		}
		if start < 1 || end > 65535 {
			return vmerrors.New(vmerrors.Config, "ports.range must be within 1..65535").WithField("ports.range")
		}
	}
	return nil
}

// GlobalDefaults is the `defaults` block of GlobalConfig.
type GlobalDefaults struct {
	Memory MemoryLimit `yaml:"memory,omitempty"`
	CPUs   int         `yaml:"cpus,omitempty"`
}

// GlobalServiceConfig is one entry of GlobalConfig.Services.
type GlobalServiceConfig struct {
	Enabled  bool `yaml:"enabled"`
	Port     int  `yaml:"port,omitempty"`
	Capacity int  `yaml:"capacity,omitempty"`
}

// GlobalConfig is the user-level defaults document, spec section 3.
type GlobalConfig struct {
	Defaults GlobalDefaults                 `yaml:"defaults,omitempty"`
	Services map[string]GlobalServiceConfig `yaml:"services,omitempty"`
	Worktrees WorktreesConfig               `yaml:"worktrees,omitempty"`
}

// DefaultGlobalConfig returns the built-in defaults applied before any
// layered YAML is merged in, generalizing the teacher's
// GetDefaultConfig (pkg/config/app_config.go) from UI preferences to
// the service-enablement defaults this system needs.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Defaults: GlobalDefaults{
			Memory: MemoryLimit{MB: 2048},
			CPUs:   2,
		},
		Services: map[string]GlobalServiceConfig{
			"package_registry": {Enabled: false, Port: 8080},
			"auth_proxy":       {Enabled: false, Port: 8443},
			"postgresql":       {Enabled: false, Port: 5432},
			"redis":            {Enabled: false, Port: 6379},
			"mongodb":          {Enabled: false, Port: 27017},
			"docker_registry":  {Enabled: false, Port: 5000},
		},
		Worktrees: WorktreesConfig{Enabled: false},
	}
}

// MarshalYAML renders "unlimited" or a bare integer, matching the
// VmConfig field's documented two-state representation.
func (m MemoryLimit) MarshalYAML() (interface{}, error) {
	if m.Unlimited {
		return "unlimited", nil
	}
	return m.MB, nil
}

// UnmarshalYAML accepts either the string "unlimited" or an integer
// megabyte count.
func (m *MemoryLimit) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		if s == "unlimited" {
			m.Unlimited = true
			return nil
		}
	}
	var n int
	if err := node.Decode(&n); err != nil {
		return vmerrors.Newf(vmerrors.Config, "vm.memory must be an integer or \"unlimited\": %v", err)
	}
	m.MB = n
	return nil
}
