// Package registry implements the embedded package registry server,
// spec section 4.3: a single HTTP server multiplexing Cargo, npm and
// PyPI wire protocols under fixed URL prefixes, backed by on-disk
// storage with upstream mirroring. Files are stored under paths built
// from package name, version and filename, not under their content
// hash. Grounded on
// hectolitro-yeet's pkg/catch/api.go for the net/http.ServeMux
// method-pattern routing style (the teacher, lazydocker, has no HTTP
// server at all); the per-ecosystem wire formats themselves are
// grounded on original_source's vm-package-server/src/{pypi,npm,
// cargo}.rs.
package registry

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vmtool/vm/pkg/config"
)

// AppState is shared across every handler: the data directory root,
// the upstream HTTP client, and server configuration. Handlers hold a
// reference for the request duration only (spec section 3's
// ownership rule).
type AppState struct {
	DataDir       string
	ServerAddr    string
	UpstreamClient *http.Client
	Config        *config.GlobalConfig
	Log           *logrus.Entry
}

// Upstream base URLs for cache-on-miss fetches.
const (
	PyPIUpstream  = "https://pypi.org"
	NpmUpstream   = "https://registry.npmjs.org"
	CargoUpstream = "https://index.crates.io"
)

// NewAppState constructs an AppState rooted at dataDir, ensuring the
// per-ecosystem subdirectories exist (spec section 6's filesystem
// layout) and configuring a short-timeout upstream client (spec
// section 4.3.5: "a short-timeout HTTP client is used; the caller's
// request is not blocked on slow upstreams longer than the configured
// timeout").
func NewAppState(dataDir, serverAddr string, cfg *config.GlobalConfig, log *logrus.Entry) (*AppState, error) {
	dirs := []string{
		filepath.Join(dataDir, "pypi", "packages"),
		filepath.Join(dataDir, "pypi", "index"),
		filepath.Join(dataDir, "npm", "tarballs"),
		filepath.Join(dataDir, "npm", "metadata"),
		filepath.Join(dataDir, "cargo", "crates"),
		filepath.Join(dataDir, "cargo", "index"),
	}
	for _, d := range dirs {
		if err := ensureDir(d); err != nil {
			return nil, err
		}
	}

	return &AppState{
		DataDir:    dataDir,
		ServerAddr: serverAddr,
		UpstreamClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		Config: cfg,
		Log:    log,
	}, nil
}

// PyPIPackagesDir is where uploaded/cached distribution files live.
func (s *AppState) PyPIPackagesDir() string { return filepath.Join(s.DataDir, "pypi", "packages") }

// PyPIIndexDir holds one file per normalized project name, listing its
// known distribution filenames (spec section 4.3.1's per-project index).
func (s *AppState) PyPIIndexDir() string { return filepath.Join(s.DataDir, "pypi", "index") }

// NpmTarballsDir is where published/cached npm tarballs live.
func (s *AppState) NpmTarballsDir() string { return filepath.Join(s.DataDir, "npm", "tarballs") }

// NpmMetadataDir is where per-package npm metadata JSON documents live.
func (s *AppState) NpmMetadataDir() string { return filepath.Join(s.DataDir, "npm", "metadata") }

// CargoCratesDir is where published/cached .crate files live.
func (s *AppState) CargoCratesDir() string { return filepath.Join(s.DataDir, "cargo", "crates") }

// CargoIndexDir is where per-crate sparse index files live, keyed by
// the 1/2/3/ab/cd path-derivation rule.
func (s *AppState) CargoIndexDir() string { return filepath.Join(s.DataDir, "cargo", "index") }

// PidFilePath is the singleton-enforcement PID file, spec section 6.
func (s *AppState) PidFilePath() string {
	return filepath.Join(s.DataDir, ".pkg-server.pid")
}
