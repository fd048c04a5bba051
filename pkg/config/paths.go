package config

import (
	"os"
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/vmtool/vm/pkg/vmerrors"
)

const (
	projectConfigFilename = "vm.yaml"
	globalConfigFilename  = "global.yaml"
	vendorName            = "vm"
)

// GlobalConfigDir resolves the platform config directory the way the
// teacher's configDirForVendor does: an explicit CONFIG_DIR override
// first, else xdg's ConfigHome for this vendor/app pair.
func GlobalConfigDir() string {
	if envDir := os.Getenv("VM_CONFIG_DIR"); envDir != "" {
		return envDir
	}
	dirs := xdg.New(vendorName, vendorName)
	return dirs.ConfigHome()
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GlobalConfigDir(), globalConfigFilename)
}

// EnsureGlobalConfigPath resolves GlobalConfigPath and ensures its
// parent directory exists, mirroring the teacher's
// findOrCreateConfigDir.
func EnsureGlobalConfigPath() (string, error) {
	dir := GlobalConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", vmerrors.Wrap(vmerrors.Filesystem, err, "create global config directory")
	}
	return filepath.Join(dir, globalConfigFilename), nil
}

// FindLocalConfig walks upward from the current directory looking for
// vm.yaml, mirroring config_ops.rs's find_local_config. Returns a
// NotFound-kind error if none is found before reaching the filesystem
// root.
func FindLocalConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", vmerrors.Wrap(vmerrors.Filesystem, err, "get working directory")
	}
	for {
		candidate := filepath.Join(dir, projectConfigFilename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", vmerrors.Newf(vmerrors.NotFound, "no %s found in current directory or parent directories", projectConfigFilename).
				WithHint("create one with the init command")
		}
		dir = parent
	}
}

// FindOrCreateLocalConfig finds vm.yaml as FindLocalConfig does, or
// returns the path for a new one in the current directory when none
// exists yet.
func FindOrCreateLocalConfig() (string, error) {
	if path, err := FindLocalConfig(); err == nil {
		return path, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", vmerrors.Wrap(vmerrors.Filesystem, err, "get working directory")
	}
	return filepath.Join(dir, projectConfigFilename), nil
}

// ConfigPath resolves the config file to operate on for a given scope.
func ConfigPath(global bool) (string, error) {
	if global {
		return EnsureGlobalConfigPath()
	}
	return FindOrCreateLocalConfig()
}
