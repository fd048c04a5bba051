// Package tempvm implements the ephemeral ("temp") VM workflow, spec
// section 4.1.3: a single user-wide VM whose mount set can be
// hot-reloaded without losing its identity. Grounded on
// original_source's vm-temp/temp_ops.rs for the state shape and
// mount-string grammar; the exclusive file lock and atomic
// read-modify-write are modeled on the teacher's storage conventions
// (pkg/storage.AtomicWrite), generalized with gofrs/flock for
// cross-process exclusion since TempVmState (unlike a registry index)
// has a single well-known path rather than one per resource.
package tempvm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/vmtool/vm/pkg/config"
	"github.com/vmtool/vm/pkg/provider"
	"github.com/vmtool/vm/pkg/storage"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// Permission is the mount's access mode.
type Permission int

const (
	ReadWrite Permission = iota
	ReadOnly
)

func (p Permission) String() string {
	if p == ReadOnly {
		return "ro"
	}
	return "rw"
}

// Mount is one host-to-guest bind mount of the temp VM.
type Mount struct {
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	Permissions Permission `json:"permissions"`
}

// TempVmState is the persisted description of the ephemeral VM, spec
// section 3.
type TempVmState struct {
	Name        string    `json:"name"`
	Provider    string    `json:"provider"`
	ProjectDir  string    `json:"project_dir"`
	CreatedAt   time.Time `json:"created_at"`
	AutoDestroy bool      `json:"auto_destroy"`
	Mounts      []Mount   `json:"mounts"`
}

const tempVmName = "vm-temp"

// ParseMount parses a mount string of the form
// "src[:dst][:ro|:rw]" (spec section 4.1.3). dst defaults to src;
// permissions default to rw.
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) == 0 || parts[0] == "" {
		return Mount{}, vmerrors.Newf(vmerrors.Validation, "invalid mount spec %q", spec)
	}

	src := parts[0]
	dst := src
	perm := ReadWrite

	switch len(parts) {
	case 1:
	case 2:
		if parts[1] == "ro" || parts[1] == "rw" {
			if parts[1] == "ro" {
				perm = ReadOnly
			}
		} else {
			dst = parts[1]
		}
	case 3:
		dst = parts[1]
		switch parts[2] {
		case "ro":
			perm = ReadOnly
		case "rw":
			perm = ReadWrite
		default:
			return Mount{}, vmerrors.Newf(vmerrors.Validation, "invalid mount permission %q in %q", parts[2], spec)
		}
	default:
		return Mount{}, vmerrors.Newf(vmerrors.Validation, "invalid mount spec %q", spec)
	}

	absSrc, err := filepath.Abs(src)
	if err != nil {
		return Mount{}, vmerrors.Wrap(vmerrors.Validation, err, "resolve mount source "+src)
	}
	absDst := dst
	if !filepath.IsAbs(absDst) {
		absDst, err = filepath.Abs(dst)
		if err != nil {
			return Mount{}, vmerrors.Wrap(vmerrors.Validation, err, "resolve mount target "+dst)
		}
	}

	return Mount{Source: absSrc, Target: absDst, Permissions: perm}, nil
}

// validateUniqueSources enforces spec section 4.1.3's invariant: two
// mounts may not share the same normalized source.
func validateUniqueSources(mounts []Mount) error {
	seen := map[string]bool{}
	for _, m := range mounts {
		if seen[m.Source] {
			return vmerrors.Newf(vmerrors.Conflict, "mount source %q is already mounted", m.Source).WithIdentifier(m.Source)
		}
		seen[m.Source] = true
	}
	return nil
}

// StatePath returns the known user-directory path for the temp VM
// state file.
func StatePath() string {
	if dir := os.Getenv("VM_TEMP_STATE_DIR"); dir != "" {
		return filepath.Join(dir, "temp-vm.json")
	}
	return filepath.Join(config.GlobalConfigDir(), "temp-vm.json")
}

func lockPath() string {
	return StatePath() + ".lock"
}

// StateManager owns atomic read-modify-write access to TempVmState
// under an exclusive, cross-process advisory lock.
type StateManager struct {
	Path string
	Lock string
}

func NewStateManager() *StateManager {
	return &StateManager{Path: StatePath(), Lock: lockPath()}
}

// withLock runs fn while holding the exclusive file lock.
func (m *StateManager) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(m.Lock), 0o755); err != nil {
		return vmerrors.Wrap(vmerrors.Filesystem, err, "create state directory")
	}
	fl := flock.New(m.Lock)
	locked, err := fl.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil || !locked {
		return vmerrors.Newf(vmerrors.Conflict, "another vm temp command is already in progress").WithHint("wait for it to finish and retry")
	}
	defer fl.Unlock()
	return fn()
}

// Load reads the current state, or NotFound if no temp VM exists.
func (m *StateManager) Load() (*TempVmState, error) {
	exists, err := storage.Exists(m.Path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, vmerrors.New(vmerrors.NotFound, "no temp VM exists").WithHint("create one with `vm temp create`")
	}
	data, err := storage.ReadFile(m.Path)
	if err != nil {
		return nil, err
	}
	var state TempVmState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, vmerrors.Wrap(vmerrors.Config, err, "parse temp VM state")
	}
	return &state, nil
}

func (m *StateManager) write(state *TempVmState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return vmerrors.Wrap(vmerrors.Internal, err, "serialize temp VM state")
	}
	return storage.AtomicWrite(m.Path, data, 0o600)
}

// Create constructs a new temp VM state and drives prov.Create with
// the given mounts. Errors if a temp VM already exists.
func (m *StateManager) Create(ctx context.Context, prov provider.Provider, kind config.ProviderKind, projectDir string, mountSpecs []string, autoDestroy bool) (*TempVmState, error) {
	var result *TempVmState
	err := m.withLock(ctx, func() error {
		if exists, _ := storage.Exists(m.Path); exists {
			return vmerrors.New(vmerrors.Conflict, "a temp VM already exists").WithHint("destroy it first with `vm temp destroy`")
		}

		mounts := make([]Mount, 0, len(mountSpecs))
		for _, spec := range mountSpecs {
			mnt, err := ParseMount(spec)
			if err != nil {
				return err
			}
			mounts = append(mounts, mnt)
		}
		if err := validateUniqueSources(mounts); err != nil {
			return err
		}

		state := &TempVmState{
			Name:        tempVmName,
			Provider:    string(kind),
			ProjectDir:  projectDir,
			CreatedAt:   time.Now(),
			AutoDestroy: autoDestroy,
			Mounts:      mounts,
		}

		cfg := toVmConfig(state)
		if err := prov.Create(ctx, cfg, provider.ProviderContext{}, provider.CreateOptions{Instance: tempVmName}); err != nil {
			return err
		}
		if err := m.write(state); err != nil {
			return err
		}
		result = state
		return nil
	})
	return result, err
}

// toVmConfig builds the minimal VmConfig a temp VM's Create call
// needs: project name fixed to the temp VM's own name, provider kind
// from state.
func toVmConfig(state *TempVmState) *config.VmConfig {
	return &config.VmConfig{
		Provider: config.ProviderKind(state.Provider),
		Project: config.ProjectConfig{
			Name:          tempVmName,
			WorkspacePath: state.ProjectDir,
		},
	}
}

// Mount adds a mount and re-applies it via the provider's
// update-mounts capability (hot-reload).
func (m *StateManager) Mount(ctx context.Context, prov provider.Provider, spec string) (*TempVmState, error) {
	var result *TempVmState
	err := m.withLock(ctx, func() error {
		state, err := m.Load()
		if err != nil {
			return err
		}
		mnt, err := ParseMount(spec)
		if err != nil {
			return err
		}
		newMounts := append(append([]Mount{}, state.Mounts...), mnt)
		if err := validateUniqueSources(newMounts); err != nil {
			return err
		}

		updater, ok := prov.AsTempProvider()
		if !ok {
			return vmerrors.New(vmerrors.Internal, "provider does not support mount updates")
		}
		if err := updater.UpdateMounts(ctx, tempVmName, toVmConfig(state), toMountSpecs(newMounts)); err != nil {
			return err
		}

		state.Mounts = newMounts
		if err := m.write(state); err != nil {
			return err
		}
		result = state
		return nil
	})
	return result, err
}

// Unmount removes the mount whose source is path (or every mount, if
// all is set) and re-applies.
func (m *StateManager) Unmount(ctx context.Context, prov provider.Provider, path string, all bool) (*TempVmState, error) {
	var result *TempVmState
	err := m.withLock(ctx, func() error {
		state, err := m.Load()
		if err != nil {
			return err
		}

		var newMounts []Mount
		if all {
			newMounts = nil
		} else {
			abs, err := filepath.Abs(path)
			if err != nil {
				return vmerrors.Wrap(vmerrors.Validation, err, "resolve unmount path "+path)
			}
			found := false
			for _, mnt := range state.Mounts {
				if mnt.Source == abs {
					found = true
					continue
				}
				newMounts = append(newMounts, mnt)
			}
			if !found {
				return vmerrors.Newf(vmerrors.NotFound, "no mount for %q", path).WithIdentifier(path)
			}
		}

		updater, ok := prov.AsTempProvider()
		if !ok {
			return vmerrors.New(vmerrors.Internal, "provider does not support mount updates")
		}
		if err := updater.UpdateMounts(ctx, tempVmName, toVmConfig(state), toMountSpecs(newMounts)); err != nil {
			return err
		}

		state.Mounts = newMounts
		if err := m.write(state); err != nil {
			return err
		}
		result = state
		return nil
	})
	return result, err
}

// Destroy tears down the temp VM and removes its state file.
func (m *StateManager) Destroy(ctx context.Context, prov provider.Provider) error {
	return m.withLock(ctx, func() error {
		if exists, _ := storage.Exists(m.Path); !exists {
			return nil
		}
		if err := prov.Destroy(ctx, tempVmName); err != nil && vmerrors.KindOf(err) != vmerrors.NotFound {
			return err
		}
		return storage.Remove(m.Path)
	})
}

func toMountSpecs(mounts []Mount) []provider.MountSpec {
	specs := make([]provider.MountSpec, 0, len(mounts))
	for _, m := range mounts {
		specs = append(specs, provider.MountSpec{
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.Permissions == ReadOnly,
		})
	}
	return specs
}
