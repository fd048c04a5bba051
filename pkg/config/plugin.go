package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/vmtool/vm/pkg/storage"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// PluginType distinguishes the two plugin content kinds, spec section 3.
type PluginType string

const (
	PluginTypePreset  PluginType = "preset"
	PluginTypeService PluginType = "service"
)

// PluginInfo is the parsed content of a plugin.yaml manifest.
type PluginInfo struct {
	Name        string     `yaml:"name"`
	Version     string     `yaml:"version"`
	Description string     `yaml:"description,omitempty"`
	Author      string     `yaml:"author,omitempty"`
	Type        PluginType `yaml:"type"`
}

// Plugin is a discovered plugin directory plus its parsed manifest.
type Plugin struct {
	Info        PluginInfo
	Dir         string
	ContentFile string
}

var pluginNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationIssue is one finding from ValidatePlugin: either a hard
// error (the plugin is rejected) or a warning (accepted, but
// imperfect). Mirrors vm-plugin/validation.rs's ValidationError plus
// ValidationResult.warnings.
type ValidationIssue struct {
	Field      string
	Message    string
	Suggestion string
	Warning    bool
}

// ValidatePlugin checks the manifest invariants spec section 3 names
// (non-empty name matching [A-Za-z0-9_-]+, strict MAJOR.MINOR.PATCH
// version, content file present and parseable) plus the teacher-style
// soft recommendations (description/author present). Mirrors
// vm-plugin/validation.rs's validate_metadata plus
// validate_preset_content/validate_service_content.
func ValidatePlugin(p *Plugin) ([]ValidationIssue, error) {
	var issues []ValidationIssue

	if p.Info.Name == "" {
		issues = append(issues, ValidationIssue{Field: "name", Message: "plugin name cannot be empty",
			Suggestion: "add a descriptive name like 'rust-advanced' or 'postgres-db'"})
	} else if !pluginNameRe.MatchString(p.Info.Name) {
		issues = append(issues, ValidationIssue{Field: "name", Message: "plugin name contains invalid characters",
			Suggestion: "use only alphanumeric characters, hyphens, and underscores"})
	}

	if p.Info.Version == "" {
		issues = append(issues, ValidationIssue{Field: "version", Message: "version cannot be empty",
			Suggestion: "use semantic versioning like '1.0.0'"})
	} else if !IsValidSemver(p.Info.Version) {
		issues = append(issues, ValidationIssue{Field: "version", Message: "invalid version format: " + p.Info.Version,
			Suggestion: "use semantic versioning format: MAJOR.MINOR.PATCH (e.g. '1.0.0')"})
	}

	if p.Info.Description == "" {
		issues = append(issues, ValidationIssue{Field: "description", Warning: true,
			Message: "no description provided"})
	}
	if p.Info.Author == "" {
		issues = append(issues, ValidationIssue{Field: "author", Warning: true,
			Message: "no author provided"})
	}

	if exists, _ := storage.Exists(p.ContentFile); !exists {
		expected := "preset.yaml"
		if p.Info.Type == PluginTypeService {
			expected = "service.yaml"
		}
		issues = append(issues, ValidationIssue{Field: "content_file",
			Message:    "content file not found: " + p.ContentFile,
			Suggestion: "create " + expected + " in the plugin directory"})
		return issues, nil
	}

	data, err := storage.ReadFile(p.ContentFile)
	if err != nil {
		issues = append(issues, ValidationIssue{Field: "content_file", Message: "failed to read content file: " + err.Error()})
		return issues, nil
	}
	var doc Value
	if err := yaml.Unmarshal(data, &doc); err != nil {
		field := "preset_content"
		if p.Info.Type == PluginTypeService {
			field = "service_content"
		}
		issues = append(issues, ValidationIssue{Field: field, Message: "failed to parse content: " + err.Error(),
			Suggestion: "check YAML syntax and structure"})
	}

	return issues, nil
}

// HasErrors reports whether issues contains at least one non-warning entry.
func HasErrors(issues []ValidationIssue) bool {
	for _, i := range issues {
		if !i.Warning {
			return true
		}
	}
	return false
}

// IsValidSemver enforces strict MAJOR.MINOR.PATCH, rejecting the
// looser forms semver.NewVersion alone would accept (leading "v",
// two-component "1.0", build metadata beyond what this system cares
// about). Grounded on vm-plugin/validation.rs's is_valid_semver test
// cases: "1.0.0"/"0.1.0"/"10.20.30" valid; "1.0"/"1"/"1.0.0.0"/
// "v1.0.0"/"1.0.x" invalid.
func IsValidSemver(version string) bool {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
		if len(p) > 1 && p[0] == '0' {
			return false
		}
	}
	_, err := semver.StrictNewVersion(version)
	return err == nil
}

// pluginSearchDirs returns the fixed set of directories plugin
// discovery scans, spec section 4.2: a user directory and a system
// directory.
func pluginSearchDirs() []string {
	dirs := []string{filepath.Join(GlobalConfigDir(), "plugins")}
	if sys := os.Getenv("VM_SYSTEM_PLUGIN_DIR"); sys != "" {
		dirs = append(dirs, sys)
	} else {
		dirs = append(dirs, "/usr/local/share/vm/plugins")
	}
	return dirs
}

// DiscoverPlugins scans the fixed plugin directories for
// subdirectories containing a plugin.yaml, parsing and returning
// every one found regardless of validity (callers decide whether to
// reject via ValidatePlugin).
func DiscoverPlugins() ([]*Plugin, error) {
	var plugins []*Plugin
	for _, dir := range pluginSearchDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			pluginDir := filepath.Join(dir, e.Name())
			manifestPath := filepath.Join(pluginDir, "plugin.yaml")
			exists, err := storage.Exists(manifestPath)
			if err != nil || !exists {
				continue
			}
			data, err := storage.ReadFile(manifestPath)
			if err != nil {
				continue
			}
			var info PluginInfo
			if err := yaml.Unmarshal(data, &info); err != nil {
				continue
			}
			contentFile := "preset.yaml"
			if info.Type == PluginTypeService {
				contentFile = "service.yaml"
			}
			plugins = append(plugins, &Plugin{
				Info:        info,
				Dir:         pluginDir,
				ContentFile: filepath.Join(pluginDir, contentFile),
			})
		}
	}
	return plugins, nil
}

// ServicePlugins filters plugins down to PluginTypeService entries.
func ServicePlugins(plugins []*Plugin) []*Plugin {
	var out []*Plugin
	for _, p := range plugins {
		if p.Info.Type == PluginTypeService {
			out = append(out, p)
		}
	}
	return out
}

// PortConflict describes two service plugins claiming the same host port.
type PortConflict struct {
	Port           int
	Plugin         string
	ConflictsWith  string
	SuggestedPort  int
}

// CheckServicePortConflicts unions each service plugin's host ports
// (parsed from its service.yaml `ports` list, entries of the form
// "host[:container]") and reports every pairwise collision plus a
// free-port suggestion in base+1..base+99. Mirrors
// vm-plugin/validation.rs's validate_service_port_conflicts/
// find_available_port.
func CheckServicePortConflicts(plugins []*Plugin) ([]PortConflict, error) {
	servicePlugins := ServicePlugins(plugins)
	portsByPlugin := map[string][]int{}
	for _, p := range servicePlugins {
		ports, err := loadServicePorts(p)
		if err != nil {
			continue
		}
		portsByPlugin[p.Info.Name] = ports
	}

	var conflicts []PortConflict
	seen := map[int]string{} // port -> first plugin name claiming it
	for _, p := range servicePlugins {
		for _, port := range portsByPlugin[p.Info.Name] {
			if owner, exists := seen[port]; exists && owner != p.Info.Name {
				used := map[int]bool{port: true}
				conflicts = append(conflicts, PortConflict{
					Port:          port,
					Plugin:        p.Info.Name,
					ConflictsWith: owner,
					SuggestedPort: findAvailablePort(port, used),
				})
			} else if !exists {
				seen[port] = p.Info.Name
			}
		}
	}
	return conflicts, nil
}

func loadServicePorts(p *Plugin) ([]int, error) {
	data, err := storage.ReadFile(p.ContentFile)
	if err != nil {
		return nil, err
	}
	var content struct {
		Ports []string `yaml:"ports"`
	}
	if err := yaml.Unmarshal(data, &content); err != nil {
		return nil, vmerrors.Wrap(vmerrors.Config, err, "parse service.yaml")
	}
	var ports []int
	for _, mapping := range content.Ports {
		parts := strings.SplitN(mapping, ":", 2)
		if port, err := strconv.Atoi(parts[0]); err == nil {
			ports = append(ports, port)
		}
	}
	return ports, nil
}

func findAvailablePort(basePort int, used map[int]bool) int {
	for offset := 1; offset < 100; offset++ {
		candidate := basePort + offset
		if candidate >= 65535 {
			break
		}
		if !used[candidate] {
			return candidate
		}
	}
	return basePort + 100
}
