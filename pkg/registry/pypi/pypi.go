// Package pypi implements the PyPI-compatible subset of the package
// registry: a Simple Index (PEP 503) HTML listing and a multipart
// upload endpoint, spec section 4.3.1. Grounded on the sibling
// endpoints' wire format in original_source/vm-package-server/src/
// npm.rs and cargo.rs (upload/cache-on-miss/delete shape - pypi.rs
// itself isn't present in the retrieval pack) plus lib.rs's
// validate_filename and normalize_pypi_name, and on the teacher's
// net/http usage patterns for multipart parsing.
package pypi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/vmtool/vm/pkg/registry"
	"github.com/vmtool/vm/pkg/storage"
	"github.com/vmtool/vm/pkg/validation"
	"github.com/vmtool/vm/pkg/vmerrors"
)

// RegisterRoutes wires the PyPI endpoints onto mux under the /pypi/
// prefix, spec section 4.3's "fixed URL prefixes".
func RegisterRoutes(mux *http.ServeMux, state *registry.AppState) {
	mux.HandleFunc("GET /pypi/simple/", handleSimple(state))
	mux.HandleFunc("GET /pypi/packages/{filename}", handlePackageFile(state))
	mux.HandleFunc("POST /pypi/", handleUpload(state))
	mux.HandleFunc("DELETE /pypi/{name}/{version}", handleDeleteVersion(state))
	mux.HandleFunc("DELETE /pypi/package/{name}", handleDeleteProject(state))
}

// fileEntry is one file in a project's index: the stored filename
// plus the SHA-256 computed at upload time (spec.md:183), carried
// through to the Simple Index as the `#sha256=` href fragment pip
// uses for integrity checking.
type fileEntry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256,omitempty"`
}

func indexFilePath(state *registry.AppState, normalized string) string {
	return filepath.Join(state.PyPIIndexDir(), normalized+".json")
}

func loadFileList(state *registry.AppState, normalized string) ([]fileEntry, error) {
	data, err := storage.ReadFile(indexFilePath(state, normalized))
	if err != nil {
		if vmerrors.KindOf(err) == vmerrors.NotFound {
			return nil, nil
		}
		return nil, err
	}
	var files []fileEntry
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, vmerrors.Wrap(vmerrors.Internal, err, "decode pypi project index")
	}
	return files, nil
}

func saveFileList(state *registry.AppState, normalized string, files []fileEntry) error {
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	data, err := json.Marshal(files)
	if err != nil {
		return vmerrors.Wrap(vmerrors.Internal, err, "encode pypi project index")
	}
	return storage.AtomicWrite(indexFilePath(state, normalized), data, 0o644)
}

// handleSimple serves both the root aggregate index (GET
// /pypi/simple/) and a per-project index (GET /pypi/simple/{name}/),
// since net/http.ServeMux can't express an optional trailing segment
// with method-pattern routing alone.
func handleSimple(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/pypi/simple/")
		rest = strings.Trim(rest, "/")
		if rest == "" {
			handleRootIndex(state, w, r)
			return
		}
		handleProjectIndex(state, rest, w, r)
	}
}

func handleRootIndex(state *registry.AppState, w http.ResponseWriter, r *http.Request) {
	entries, err := storage.ListByRecency(state.PyPIIndexDir())
	if err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name, ".json"))
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><body>\n")
	for _, name := range names {
		fmt.Fprintf(&b, "<a href=\"%s/\">%s</a><br/>\n", html.EscapeString(name), html.EscapeString(name))
	}
	b.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}

func handleProjectIndex(state *registry.AppState, rawName string, w http.ResponseWriter, r *http.Request) {
	name, err := validation.ValidatePackageName(rawName, validation.EcosystemPyPI)
	if err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}
	normalized := validation.NormalizePyPIName(name)

	files, err := loadFileList(state, normalized)
	if err != nil {
		registry.WriteError(w, state.Log, err)
		return
	}
	if len(files) > 0 {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(renderProjectIndexHTML(normalized, files)))
		return
	}

	// Local miss: fall back to the public index and rewrite its links
	// to point back at this server, spec section 4.3.1.
	body, err := state.FetchUpstream(registry.PyPIUpstream + "/simple/" + normalized + "/")
	if err != nil {
		registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "pypi project %q not found", normalized))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(rewriteUpstreamHTML(string(body))))
}

func renderProjectIndexHTML(name string, files []fileEntry) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><body>\n")
	for _, f := range files {
		href := "/pypi/packages/" + f.Name
		if f.SHA256 != "" {
			href += "#sha256=" + f.SHA256
		}
		fmt.Fprintf(&b, "<a href=\"%s\">%s</a><br/>\n", html.EscapeString(href), html.EscapeString(f.Name))
	}
	b.WriteString("</body></html>\n")
	_ = name
	return b.String()
}

var hrefRe = regexp.MustCompile(`href="([^"]+)"`)

// rewriteUpstreamHTML rewrites every href in an upstream Simple Index
// page to point at this server's /pypi/packages/{filename} route,
// keeping only the final path segment as the served filename.
func rewriteUpstreamHTML(body string) string {
	return hrefRe.ReplaceAllStringFunc(body, func(match string) string {
		sub := hrefRe.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		target := sub[1]
		if idx := strings.Index(target, "#"); idx >= 0 {
			target = target[:idx]
		}
		filename := target
		if idx := strings.LastIndex(filename, "/"); idx >= 0 {
			filename = filename[idx+1:]
		}
		return fmt.Sprintf(`href="/pypi/packages/%s"`, filename)
	})
}

func handlePackageFile(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := r.PathValue("filename")
		if err := validation.ValidateFilename(filename); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		path := filepath.Join(state.PyPIPackagesDir(), filename)
		data, err := storage.ReadFile(path)
		if err == nil {
			registry.WritePayload(w, r, "application/octet-stream", data)
			return
		}
		if vmerrors.KindOf(err) != vmerrors.NotFound {
			registry.WriteError(w, state.Log, err)
			return
		}

		// Cache-on-read: fetch the upstream file once (read fully into
		// memory), cache it locally, and serve the same bytes, spec
		// section 4.3.5.
		body, uerr := state.FetchUpstream(registry.PyPIUpstream + "/packages/" + filename)
		if uerr != nil {
			registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "pypi file %q not found", filename))
			return
		}
		if werr := storage.AtomicWrite(path, body, 0o644); werr != nil {
			state.Log.Warnf("cache pypi file %q: %v", filename, werr)
		}
		registry.WritePayload(w, r, "application/octet-stream", body)
	}
}

func handleUpload(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(int64(validation.MaxUploadSize)); err != nil {
			registry.WriteError(w, state.Log, vmerrors.Wrap(vmerrors.UploadError, err, "parse multipart upload"))
			return
		}
		defer r.MultipartForm.RemoveAll()

		if len(r.MultipartForm.Value)+len(r.MultipartForm.File) > validation.MaxMultipartFields {
			registry.WriteError(w, state.Log, vmerrors.New(vmerrors.UploadError, "too many multipart fields"))
			return
		}

		fileHeaders := r.MultipartForm.File["content"]
		if len(fileHeaders) == 0 {
			registry.WriteError(w, state.Log, vmerrors.New(vmerrors.Validation, "multipart upload missing \"content\" file field"))
			return
		}
		fh := fileHeaders[0]

		// fh.Filename has already been through Go's multipart parser,
		// which runs the Content-Disposition filename through
		// filepath.Base before storing it - a "../etc/passwd" upload
		// arrives here as "passwd", silently swallowing the traversal
		// attempt. Validate the raw, un-base-ized name from the header
		// instead so ValidateFilename actually sees what was sent.
		filename := fh.Filename
		if err := validation.ValidateFilename(rawUploadFilename(fh)); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		if err := validation.ValidateFileSize(uint64(fh.Size), validation.MaxPackageFileSize); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		projectName := r.MultipartForm.Value["name"]
		rawName := strings.TrimSuffix(filename, filepath.Ext(filename))
		if len(projectName) > 0 && projectName[0] != "" {
			rawName = projectName[0]
		}
		name, err := validation.ValidatePackageName(firstToken(rawName), validation.EcosystemPyPI)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		normalized := validation.NormalizePyPIName(name)

		f, err := fh.Open()
		if err != nil {
			registry.WriteError(w, state.Log, vmerrors.Wrap(vmerrors.UploadError, err, "open uploaded file"))
			return
		}
		defer f.Close()

		hasher := sha256.New()
		path := filepath.Join(state.PyPIPackagesDir(), filename)
		n, err := storage.CopyStream(path, 0o644, io.TeeReader(f, hasher))
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		if err := validation.ValidateFileSize(uint64(n), validation.MaxPackageFileSize); err != nil {
			_ = storage.Remove(path)
			registry.WriteError(w, state.Log, err)
			return
		}
		sha256Hex := hex.EncodeToString(hasher.Sum(nil))

		files, err := loadFileList(state, normalized)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		files = upsertFileEntry(files, fileEntry{Name: filename, SHA256: sha256Hex})
		if err := saveFileList(state, normalized, files); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func handleDeleteVersion(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawName := r.PathValue("name")
		version := r.PathValue("version")
		name, err := validation.ValidatePackageName(rawName, validation.EcosystemPyPI)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		if _, err := validation.ValidateVersion(version); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		normalized := validation.NormalizePyPIName(name)

		files, err := loadFileList(state, normalized)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}

		marker := "-" + version
		var kept []fileEntry
		var removed []fileEntry
		for _, f := range files {
			if strings.Contains(f.Name, marker) {
				removed = append(removed, f)
				continue
			}
			kept = append(kept, f)
		}
		if len(removed) == 0 {
			registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "pypi %s version %s not found", normalized, version))
			return
		}
		for _, f := range removed {
			_ = storage.Remove(filepath.Join(state.PyPIPackagesDir(), f.Name))
		}
		if err := saveFileList(state, normalized, kept); err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDeleteProject(state *registry.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawName := r.PathValue("name")
		name, err := validation.ValidatePackageName(rawName, validation.EcosystemPyPI)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		normalized := validation.NormalizePyPIName(name)

		files, err := loadFileList(state, normalized)
		if err != nil {
			registry.WriteError(w, state.Log, err)
			return
		}
		if len(files) == 0 {
			exists, _ := storage.Exists(indexFilePath(state, normalized))
			if !exists {
				registry.WriteError(w, state.Log, vmerrors.Newf(vmerrors.NotFound, "pypi project %q not found", normalized))
				return
			}
		}
		for _, f := range files {
			_ = storage.Remove(filepath.Join(state.PyPIPackagesDir(), f.Name))
		}
		_ = storage.Remove(indexFilePath(state, normalized))
		w.WriteHeader(http.StatusNoContent)
	}
}

// upsertFileEntry replaces the entry named e.Name if one already
// exists (a re-upload refreshing its hash), else appends it.
func upsertFileEntry(list []fileEntry, e fileEntry) []fileEntry {
	for i, x := range list {
		if x.Name == e.Name {
			list[i] = e
			return list
		}
	}
	return append(list, e)
}

func firstToken(s string) string {
	if idx := strings.IndexAny(s, "-_"); idx > 0 {
		return s[:idx]
	}
	return s
}

// rawUploadFilename recovers the Content-Disposition filename exactly
// as the client sent it, bypassing (*multipart.FileHeader).Filename's
// filepath.Base normalization so a path-traversal attempt can still be
// rejected by validation.ValidateFilename instead of being silently
// sanitized away.
func rawUploadFilename(fh *multipart.FileHeader) string {
	cd := fh.Header.Get("Content-Disposition")
	if cd == "" {
		return fh.Filename
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return fh.Filename
	}
	if raw, ok := params["filename"]; ok {
		return raw
	}
	return fh.Filename
}
