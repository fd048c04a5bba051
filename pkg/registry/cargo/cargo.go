// Package cargo implements the Cargo sparse-registry protocol: the
// registry config document, the per-crate index (newline-delimited
// JSON records), crate download, and the binary publish framing, spec
// section 4.3.3. Grounded on original_source/vm-package-server/src/
// cargo.rs for the wire format, which is carried over exactly since
// cargo itself is the client and cannot be made lenient.
package cargo

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vmtool/vm/pkg/registry"
	"github.com/vmtool/vm/pkg/storage"
	"github.com/vmtool/vm/pkg/validation"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// RegisterRoutes wires the Cargo endpoints onto mux.
func RegisterRoutes(mux *http.ServeMux, state *registry.AppState) {
	mux.HandleFunc("GET /cargo/config.json", handleConfig(state))
	mux.HandleFunc("GET /cargo/api/v1/crates/new", handleMethodNotAllowed)
	mux.HandleFunc("PUT /cargo/api/v1/crates/new", handlePublish(state))
	mux.HandleFunc("GET /cargo/api/v1/crates/{crate}/{version}/download", handleDownload(state))
	mux.HandleFunc("DELETE /cargo/crates/{name}", handleDeleteCrate(state))
	mux.HandleFunc("DELETE /cargo/{name}/{version}", handleDeleteVersion(state))
	mux.HandleFunc("GET /cargo/{indexpath...}", handleIndex(state))
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusMethodNotAllowed)
}

type indexRecord struct {
	Name     string          `json:"name"`
	Vers     string          `json:"vers"`
	Deps     json.RawMessage `json:"deps"`
	Cksum    string          `json:"cksum"`
	Features json.RawMessage `json:"features"`
	Yanked   bool            `json:"yanked"`
}

// IndexPath derives the sparse-index relative path for a lowercased
// crate name, per spec section 4.3.3 / 4.5's index_path rules:
//
//	len 1 -> "1/<name>"
//	len 2 -> "2/<name>"
//	len 3 -> "3/<name[0]>/<name>"
//	len >= 4 -> "<name[0:2]>/<name[2:4]>/<name>"
func IndexPath(name string) string {
	n := strings.ToLower(name)
	switch {
	case len(n) == 1:
		return "1/" + n
	case len(n) == 2:
		return "2/" + n
	case len(n) == 3:
		return "3/" + n[0:1] + "/" + n
	default:
		return n[0:2] + "/" + n[2:4] + "/" + n
	}
}

func handleConfig(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]string{
			"dl":  "http://" + state.ServerAddr + "/cargo/api/v1/crates/{crate}/{version}/download",
			"api": "http://" + state.ServerAddr + "/cargo",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}
}

func handleIndex(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		indexpath := r.PathValue("indexpath")
		if err := validation.ValidateSafePath(indexpath); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		path := filepath.Join(state.CargoIndexDir(), indexpath)
		data, err := storage.ReadFile(path)
		if err == nil {
			registry.WritePayload(w, r, "text/plain; charset=utf-8", data)
			return
		}
		if vmerrors.KindOf(err) != vmerrors.NotFound {
			registry.WriteError(w, state.Log, err)
			return
		}

		body, uerr := state.FetchUpstream(registry.CargoUpstream + "/" + indexpath)
		if uerr != nil {
			registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "cargo index %q not found", indexpath))
			return
		}
		if werr := storage.AtomicWrite(path, body, 0o644); werr != nil {
			state.Log.Warnf("cache cargo index %q: %v", indexpath, werr)
		}
		registry.WritePayload(w, r, "text/plain; charset=utf-8", body)
	}
}

func cratePath(state *registry.AppState, name, version string) string {
	return filepath.Join(state.CargoCratesDir(), fmt.Sprintf("%s-%s.crate", name, version))
}

func handleDownload(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := validation.ValidatePackageName(r.PathValue("crate"), validation.EcosystemCargo)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		version, err := validation.ValidateVersion(r.PathValue("version"))
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		path := cratePath(state, name, version)
		data, rerr := storage.ReadFile(path)
		if rerr == nil {
			registry.WritePayload(w, r, "application/octet-stream", data)
			return
		}
		if vmerrors.KindOf(rerr) != vmerrors.NotFound {
			registry.WriteError(w, state.Log, rerr)
			return
		}

		url := fmt.Sprintf("%s/api/v1/crates/%s/%s/download", registry.CargoUpstream, name, version)
		body, uerr := state.FetchUpstream(url)
		if uerr != nil {
			registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "crate %s@%s not found", name, version))
			return
		}
		if werr := storage.AtomicWrite(path, body, 0o644); werr != nil {
			state.Log.Warnf("cache crate %s@%s: %v", name, version, werr)
		}
		registry.WritePayload(w, r, "application/octet-stream", body)
	}
}

// handlePublish decodes the Cargo publish wire format: le_u32 metadata
// length, metadata JSON, le_u32 crate length, crate bytes, spec
// section 4.3.3.
func handlePublish(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(validation.MaxRequestBodySize)+1))
		if err != nil {
			registry.WriteError(w, state.Log, vmerrors.Wrap(vmerrors.UploadError, err, "read cargo publish body"))
			return
		}
		if len(body) > validation.MaxRequestBodySize {
			registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.UploadError, "cargo publish payload exceeds max request body size"))
			return
		}
		if len(body) < 4 {
			registry.WriteError(w, state.Log, vmerrors.New(vmerrors.UploadError, "cargo publish payload truncated"))
			return
		}

		metadataLen := int(binary.LittleEndian.Uint32(body[0:4]))
		if metadataLen < 0 || metadataLen > validation.MaxMetadataSize {
			registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.UploadError, "cargo metadata length %d exceeds limit", metadataLen))
			return
		}
		if 4+metadataLen > len(body) {
			registry.WriteError(w, state.Log, vmerrors.New(vmerrors.UploadError, "cargo publish payload truncated before metadata end"))
			return
		}
		metadataBytes := body[4 : 4+metadataLen]

		rest := body[4+metadataLen:]
		if len(rest) < 4 {
			registry.WriteError(w, state.Log, vmerrors.New(vmerrors.UploadError, "cargo publish payload truncated before crate length"))
			return
		}
		crateLen := int(binary.LittleEndian.Uint32(rest[0:4]))
		if crateLen < 0 || crateLen > validation.MaxPackageFileSize {
			registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.UploadError, "cargo crate length %d exceeds limit", crateLen))
			return
		}
		if err := validation.ValidateCargoUploadStructure(len(body), metadataLen, crateLen); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		crateBytes := rest[4 : 4+crateLen]

		var meta struct {
			Name     string          `json:"name"`
			Vers     string          `json:"vers"`
			Deps     json.RawMessage `json:"deps"`
			Features json.RawMessage `json:"features"`
		}
		if err := json.Unmarshal(metadataBytes, &meta); err != nil {
			registry.WriteError(w, state.Log, vmerrors.Wrap(vmerrors.UploadError, err, "decode cargo publish metadata"))
			return
		}

		name, err := validation.ValidatePackageName(meta.Name, validation.EcosystemCargo)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		version, err := validation.ValidateVersion(meta.Vers)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		sum := sha256.Sum256(crateBytes)
		cksum := hex.EncodeToString(sum[:])

		if err := storage.AtomicWrite(cratePath(state, name, version), crateBytes, 0o644); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		record := indexRecord{
			Name:     name,
			Vers:     version,
			Deps:     orEmptyArray(meta.Deps),
			Cksum:    cksum,
			Features: orEmptyObject(meta.Features),
			Yanked:   false,
		}
		line, err := json.Marshal(record)
		if err != nil {
			registry.WriteError(w, state.Log, vmerrors.Wrap(vmerrors.Internal, err, "encode cargo index record"))
			return
		}
		indexFile := filepath.Join(state.CargoIndexDir(), IndexPath(name))
		if err := storage.AppendLine(indexFile, string(line)); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"message": "Crate published successfully",
		})
	}
}

func orEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// handleDeleteVersion yanks (default) or removes (force=true) one
// version's index line, spec section 4.3.3.
func handleDeleteVersion(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := validation.ValidatePackageName(r.PathValue("name"), validation.EcosystemCargo)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		version, err := validation.ValidateVersion(r.PathValue("version"))
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

		indexFile := filepath.Join(state.CargoIndexDir(), IndexPath(name))
		data, err := storage.ReadFile(indexFile)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		var out []string
		found := false
		for _, ln := range lines {
			if ln == "" {
				continue
			}
			var rec indexRecord
			if err := json.Unmarshal([]byte(ln), &rec); err != nil {
				out = append(out, ln)
				continue
			}
			if rec.Vers != version {
				out = append(out, ln)
				continue
			}
			found = true
			if force {
				continue // dropped from the index entirely
			}
			rec.Yanked = true
			updated, err := json.Marshal(rec)
			if err != nil {
				registry.WriteError(w, state.Log, vmerrors.Wrap(vmerrors.Internal, err, "re-encode cargo index record"))
				return
			}
			out = append(out, string(updated))
		}
		if !found {
			registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "crate %s@%s not found", name, version))
			return
		}

		rewritten := ""
		if len(out) > 0 {
			rewritten = strings.Join(out, "\n") + "\n"
		}
		if err := storage.AtomicWrite(indexFile, []byte(rewritten), 0o644); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		if force {
			_ = storage.Remove(cratePath(state, name, version))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleDeleteCrate removes every published version of a crate: all
// `<name>-*.crate` files and the crate's index file, spec section
// 4.3.3.
func handleDeleteCrate(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := validation.ValidatePackageName(r.PathValue("name"), validation.EcosystemCargo)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		indexFile := filepath.Join(state.CargoIndexDir(), IndexPath(name))
		exists, err := storage.Exists(indexFile)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		if !exists {
			registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "crate %q not found", name))
			return
		}

		entries, err := storage.ListByRecency(state.CargoCratesDir())
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		prefix := name + "-"
		for _, e := range entries {
			if strings.HasPrefix(e.Name, prefix) && strings.HasSuffix(e.Name, ".crate") {
				_ = storage.Remove(e.Path)
			}
		}
		_ = storage.Remove(indexFile)
		w.WriteHeader(http.StatusNoContent)
	}
}
