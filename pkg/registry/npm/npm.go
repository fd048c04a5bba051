// Package npm implements a compatible subset of the npm registry API:
// package metadata GET/PUT and tarball GET, spec section 4.3.2.
// Grounded on original_source/vm-package-server/src/npm.rs for the
// wire format (the `_attachments` publish envelope, `dist-tags`,
// per-version `dist.tarball`/`dist.shasum`).
package npm

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/vmtool/vm/pkg/registry"
	"github.com/vmtool/vm/pkg/storage"
	"github.com/vmtool/vm/pkg/validation"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// RegisterRoutes wires the npm endpoints onto mux. Scoped package
// names (`@scope/name`) span two path segments, which net/http's
// method-pattern wildcards can't express as a single capture, so
// plain and scoped forms are registered as distinct patterns sharing
// the same handler core.
func RegisterRoutes(mux *http.ServeMux, state *registry.AppState) {
	mux.HandleFunc("GET /npm/{pkg}", handleGetMetadata(state))
	mux.HandleFunc("GET /npm/{scope}/{pkg}", handleGetMetadataScoped(state))
	mux.HandleFunc("GET /npm/{pkg}/-/{filename}", handleGetTarball(state))
	mux.HandleFunc("GET /npm/{scope}/{pkg}/-/{filename}", handleGetTarballScoped(state))
	mux.HandleFunc("PUT /npm/{pkg}", handlePut(state))
	mux.HandleFunc("PUT /npm/{scope}/{pkg}", handlePutScoped(state))
	mux.HandleFunc("DELETE /npm/{pkg}/{version}", handleDeleteVersion(state))
	mux.HandleFunc("DELETE /npm/{scope}/{pkg}/{version}", handleDeleteVersionScoped(state))
	mux.HandleFunc("DELETE /npm/package/{pkg}", handleDeletePackage(state))
	mux.HandleFunc("DELETE /npm/package/{scope}/{pkg}", handleDeletePackageScoped(state))
}

func fullName(scope, pkg string) string {
	if scope == "" {
		return pkg
	}
	return scope + "/" + pkg
}

func metadataPath(state *registry.AppState, name string) string {
	return filepath.Join(state.NpmMetadataDir(), sanitizeForFilename(name)+".json")
}

func tarballPath(state *registry.AppState, filename string) string {
	return filepath.Join(state.NpmTarballsDir(), filename)
}

// sanitizeForFilename collapses a scoped name's '/' so it can live as
// a single filename component; "@scope/name" becomes "@scope__name".
func sanitizeForFilename(name string) string {
	return strings.ReplaceAll(name, "/", "__")
}

type npmMetadata struct {
	Name        string                 `json:"name"`
	DistTags    map[string]string      `json:"dist-tags"`
	Versions    map[string]interface{} `json:"versions"`
	Attachments map[string]interface{} `json:"_attachments,omitempty"`
}

func validateName(raw string) (string, error) {
	// npm scoped names keep their leading '@'; validation.ValidatePackageName
	// operates on the unscoped local name, per spec section 4.4's rule set.
	local := raw
	if strings.HasPrefix(raw, "@") {
		parts := strings.SplitN(raw, "/", 2)
		if len(parts) == 2 {
			local = parts[1]
		}
	}
	if _, err := validation.ValidatePackageName(local, validation.EcosystemNpm); err != nil {
		return "", err
	}
	return raw, nil
}

func handleGetMetadataScoped(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.PathValue("scope")
		if !strings.HasPrefix(scope, "@") {
			registry.WriteError(w, state.Log, vmerrors.New(vmerrors.Validation, "npm scope must start with @"))
			return
		}
		getMetadata(state, fullName(scope, r.PathValue("pkg")), w, r)
	}
}

func handleGetMetadata(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		getMetadata(state, r.PathValue("pkg"), w, r)
	}
}

func getMetadata(state *registry.AppState, rawName string, w http.ResponseWriter, r *http.Request) {
	name, err := validateName(rawName)
	if err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}

	data, err := storage.ReadFile(metadataPath(state, name))
	if err == nil {
		meta, derr := decodeMetadata(data)
		if derr != nil {
			registry.WriteError(w, state.Log, derr)
			return
		}
		rewriteTarballURLs(meta, state.ServerAddr, name)
		writeJSON(w, meta)
		return
	}
	if vmerrors.KindOf(err) != vmerrors.NotFound {
		registry.WriteError(w, state.Log, err)
		return
	}

	body, uerr := state.FetchUpstream(registry.NpmUpstream + "/" + name)
	if uerr != nil {
		registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "npm package %q not found", name))
		return
	}
	meta, derr := decodeMetadata(body)
	if derr != nil {
		registry.WriteError(w, state.Log, derr)
		return
	}
	if werr := storage.AtomicWrite(metadataPath(state, name), body, 0o644); werr != nil {
		state.Log.Warnf("cache npm metadata %q: %v", name, werr)
	}
	rewriteTarballURLs(meta, state.ServerAddr, name)
	writeJSON(w, meta)
}

func decodeMetadata(data []byte) (map[string]interface{}, error) {
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, vmerrors.Wrap(vmerrors.Internal, err, "decode npm metadata")
	}
	return meta, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// rewriteTarballURLs points every versions.*.dist.tarball at this
// server instead of the upstream registry, spec section 4.3.2.
func rewriteTarballURLs(meta map[string]interface{}, serverAddr, name string) {
	versions, ok := meta["versions"].(map[string]interface{})
	if !ok {
		return
	}
	for version, raw := range versions {
		v, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		dist, ok := v["dist"].(map[string]interface{})
		if !ok {
			continue
		}
		tarballName := sanitizeForFilename(name) + "-" + version + ".tgz"
		dist["tarball"] = "http://" + serverAddr + "/npm/" + name + "/-/" + tarballName
	}
}

func handleGetTarballScoped(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		getTarball(state, fullName(r.PathValue("scope"), r.PathValue("pkg")), r.PathValue("filename"), w, r)
	}
}

func handleGetTarball(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		getTarball(state, r.PathValue("pkg"), r.PathValue("filename"), w, r)
	}
}

func getTarball(state *registry.AppState, name, filename string, w http.ResponseWriter, r *http.Request) {
	if _, err := validateName(name); err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}
	if err := validation.ValidateFilename(filename); err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}

	path := tarballPath(state, filename)
	data, err := storage.ReadFile(path)
	if err == nil {
		registry.WritePayload(w, r, "application/octet-stream", data)
		return
	}
	if vmerrors.KindOf(err) != vmerrors.NotFound {
		registry.WriteError(w, state.Log, err)
		return
	}

	body, uerr := state.FetchUpstream(registry.NpmUpstream + "/" + name + "/-/" + filename)
	if uerr != nil {
		registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "npm tarball %q not found", filename))
		return
	}
	// Best-effort cache, spec section 4.3.2: a cache-write failure must
	// not fail the response that already has the bytes in hand.
	if werr := storage.AtomicWrite(path, body, 0o644); werr != nil {
		state.Log.Warnf("cache npm tarball %q: %v", filename, werr)
	}
	registry.WritePayload(w, r, "application/octet-stream", body)
}

func handlePutScoped(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.PathValue("scope")
		if !strings.HasPrefix(scope, "@") {
			registry.WriteError(w, state.Log, vmerrors.New(vmerrors.Validation, "npm scope must start with @"))
			return
		}
		putPackage(state, fullName(scope, r.PathValue("pkg")), w, r)
	}
}

func handlePut(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		putPackage(state, r.PathValue("pkg"), w, r)
	}
}

func putPackage(state *registry.AppState, rawName string, w http.ResponseWriter, r *http.Request) {
	name, err := validateName(rawName)
	if err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, int64(validation.MaxRequestBodySize))
	var payload npmMetadata
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		registry.WriteError(w, state.Log, vmerrors.Wrap(vmerrors.UploadError, err, "decode npm publish payload"))
		return
	}

	for filename, rawAttachment := range payload.Attachments {
		attachment, ok := rawAttachment.(map[string]interface{})
		if !ok {
			continue
		}
		encoded, _ := attachment["data"].(string)
		if err := validation.ValidateBase64Characters(encoded); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		if err := validation.ValidateBase64Size(encoded); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			registry.WriteError(w, state.Log, vmerrors.Wrap(vmerrors.UploadError, err, "decode base64 tarball"))
			return
		}
		if err := validation.ValidateFileSize(uint64(len(decoded)), validation.MaxPackageFileSize); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		if err := validation.ValidateFilename(filename); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		sum := sha1.Sum(decoded)
		shasum := hex.EncodeToString(sum[:])

		if err := storage.AtomicWrite(tarballPath(state, filename), decoded, 0o644); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		setShasum(payload.Versions, shasum)
	}

	payload.Attachments = nil
	data, err := json.Marshal(payload)
	if err != nil {
		registry.WriteError(w, state.Log, vmerrors.Wrap(vmerrors.Internal, err, "encode npm metadata"))
		return
	}
	if err := storage.AtomicWrite(metadataPath(state, name), data, 0o644); err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
}

// setShasum stamps dist.shasum on every version entry, matching the
// single-attachment publish flow the npm CLI actually performs (one
// tarball per publish call).
func setShasum(versions map[string]interface{}, shasum string) {
	for _, raw := range versions {
		v, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		dist, ok := v["dist"].(map[string]interface{})
		if !ok {
			dist = map[string]interface{}{}
			v["dist"] = dist
		}
		dist["shasum"] = shasum
	}
}

func handleDeleteVersionScoped(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleteVersion(state, fullName(r.PathValue("scope"), r.PathValue("pkg")), r.PathValue("version"), w, r)
	}
}

func handleDeleteVersion(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleteVersion(state, r.PathValue("pkg"), r.PathValue("version"), w, r)
	}
}

func deleteVersion(state *registry.AppState, rawName, version string, w http.ResponseWriter, r *http.Request) {
	name, err := validateName(rawName)
	if err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}
	if _, err := validation.ValidateVersion(version); err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}

	data, err := storage.ReadFile(metadataPath(state, name))
	if err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}
	meta, err := decodeMetadata(data)
	if err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}
	versions, _ := meta["versions"].(map[string]interface{})
	if versions == nil {
		registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "npm %s version %s not found", name, version))
		return
	}
	if _, ok := versions[version]; !ok {
		registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "npm %s version %s not found", name, version))
		return
	}
	delete(versions, version)

	tarballName := sanitizeForFilename(name) + "-" + version + ".tgz"
	_ = storage.Remove(tarballPath(state, tarballName))

	out, err := json.Marshal(meta)
	if err != nil {
		registry.WriteError(w, state.Log, vmerrors.Wrap(vmerrors.Internal, err, "encode npm metadata"))
		return
	}
	if err := storage.AtomicWrite(metadataPath(state, name), out, 0o644); err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleDeletePackageScoped(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deletePackage(state, fullName(r.PathValue("scope"), r.PathValue("pkg")), w, r)
	}
}

func handleDeletePackage(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deletePackage(state, r.PathValue("pkg"), w, r)
	}
}

func deletePackage(state *registry.AppState, rawName string, w http.ResponseWriter, r *http.Request) {
	name, err := validateName(rawName)
	if err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}

	path := metadataPath(state, name)
	exists, err := storage.Exists(path)
	if err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}
	if !exists {
		registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "npm package %q not found", name))
		return
	}

	data, _ := storage.ReadFile(path)
	if meta, derr := decodeMetadata(data); derr == nil {
		if versions, ok := meta["versions"].(map[string]interface{}); ok {
			for version := range versions {
				tarballName := sanitizeForFilename(name) + "-" + version + ".tgz"
				_ = storage.Remove(tarballPath(state, tarballName))
			}
		}
	}
	_ = storage.Remove(path)
	w.WriteHeader(http.StatusNoContent)
}
