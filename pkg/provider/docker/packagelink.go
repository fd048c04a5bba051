package docker

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
)

// PackagePath is one detected host-local package source directory to
// bind-mount into the guest.
type PackagePath struct {
	Name     string
	HostPath string
}

// PackageLinker detects per-package source directories on the host
// for a given ecosystem, per spec section 4.1.2's package linking
// mounts rule. Interfaced so lifecycle tests can substitute a fake
// without shelling out.
type PackageLinker interface {
	Detect(ctx context.Context, ecosystem string) ([]PackagePath, error)
}

// HostPackageLinker shells out to each ecosystem's own package
// manager to enumerate locally-editable/installed packages. Grounded
// on original_source's pipx categorization logic (spec section 11's
// Open Question decision: include-when-unknown) for pip, and on the
// equivalent `npm root -g` / `cargo install --list` probes for
// npm/cargo described alongside it.
type HostPackageLinker struct{}

func (HostPackageLinker) Detect(ctx context.Context, ecosystem string) ([]PackagePath, error) {
	switch ecosystem {
	case "pip":
		return detectPipxPackages(ctx)
	case "npm":
		return detectNpmGlobalPackages(ctx)
	case "cargo":
		return detectCargoInstalledPackages(ctx)
	default:
		return nil, nil
	}
}

type pipxListOutput struct {
	Venvs map[string]struct {
		Metadata struct {
			MainPackage struct {
				PackageOrURL string `json:"package_or_url"`
			} `json:"main_package"`
		} `json:"metadata"`
	} `json:"venvs"`
}

// detectPipxPackages runs `pipx list --json` and returns each venv's
// package directory. A package whose source pipx cannot categorize
// (an empty/unknown PackageOrURL) is still included per the
// include-when-unknown policy: better to mount a package the host
// might not actually own locally than to silently omit one it does.
func detectPipxPackages(ctx context.Context) ([]PackagePath, error) {
	out, err := exec.CommandContext(ctx, "pipx", "list", "--json").Output()
	if err != nil {
		return nil, nil
	}
	var parsed pipxListOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, nil
	}
	var paths []PackagePath
	for name := range parsed.Venvs {
		paths = append(paths, PackagePath{Name: name, HostPath: "~/.local/pipx/venvs/" + name})
	}
	return paths, nil
}

func detectNpmGlobalPackages(ctx context.Context) ([]PackagePath, error) {
	out, err := exec.CommandContext(ctx, "npm", "root", "-g").Output()
	if err != nil {
		return nil, nil
	}
	root := strings.TrimSpace(string(out))
	if root == "" {
		return nil, nil
	}
	return []PackagePath{{Name: "global", HostPath: root}}, nil
}

func detectCargoInstalledPackages(ctx context.Context) ([]PackagePath, error) {
	out, err := exec.CommandContext(ctx, "cargo", "install", "--list").Output()
	if err != nil {
		return nil, nil
	}
	var paths []PackagePath
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" || strings.HasPrefix(line, " ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		paths = append(paths, PackagePath{Name: fields[0], HostPath: "~/.cargo/registry/src"})
		break // one shared registry src dir covers every installed crate
	}
	return paths, nil
}
