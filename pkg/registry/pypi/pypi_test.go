package pypi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/vmtool/vm/pkg/registry"
)

func testState(t *testing.T) *registry.AppState {
	t.Helper()
	state, err := registry.NewAppState(t.TempDir(), "127.0.0.1:0", nil, logrus.NewEntry(logrus.New()))
	assert.NoError(t, err)
	return state
}

func testMux(t *testing.T) (*http.ServeMux, *registry.AppState) {
	state := testState(t)
	mux := http.NewServeMux()
	RegisterRoutes(mux, state)
	return mux, state
}

func uploadMultipart(t *testing.T, mux *http.ServeMux, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("content", filename)
	assert.NoError(t, err)
	_, err = part.Write(content)
	assert.NoError(t, err)
	assert.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/pypi/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestUploadThenProjectIndexListsFile(t *testing.T) {
	mux, _ := testMux(t)

	rec := uploadMultipart(t, mux, "mypkg-1.0.0.tar.gz", []byte("fake sdist"))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/pypi/simple/mypkg/", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mypkg-1.0.0.tar.gz")
}

func TestUploadThenDownloadPackageFile(t *testing.T) {
	mux, _ := testMux(t)
	uploadMultipart(t, mux, "mypkg-1.0.0.tar.gz", []byte("fake sdist content"))

	req := httptest.NewRequest(http.MethodGet, "/pypi/packages/mypkg-1.0.0.tar.gz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake sdist content", rec.Body.String())
}

func TestUploadRejectsMissingContentField(t *testing.T) {
	mux, _ := testMux(t)
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	assert.NoError(t, w.WriteField("name", "mypkg"))
	assert.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/pypi/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestDeleteVersionRemovesMatchingFilesOnly(t *testing.T) {
	mux, _ := testMux(t)
	uploadMultipart(t, mux, "mypkg-1.0.0.tar.gz", []byte("a"))
	uploadMultipart(t, mux, "mypkg-1.0.1.tar.gz", []byte("b"))

	req := httptest.NewRequest(http.MethodDelete, "/pypi/mypkg/1.0.0", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/pypi/simple/mypkg/", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.NotContains(t, rec.Body.String(), "1.0.0")
	assert.Contains(t, rec.Body.String(), "1.0.1")
}

func TestDeleteVersionNotFoundWhenNoMatch(t *testing.T) {
	mux, _ := testMux(t)
	uploadMultipart(t, mux, "mypkg-1.0.0.tar.gz", []byte("a"))

	req := httptest.NewRequest(http.MethodDelete, "/pypi/mypkg/9.9.9", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteProjectRemovesEntireIndex(t *testing.T) {
	mux, _ := testMux(t)
	uploadMultipart(t, mux, "mypkg-1.0.0.tar.gz", []byte("a"))

	req := httptest.NewRequest(http.MethodDelete, "/pypi/package/mypkg", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/pypi/package/mypkg", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRootIndexListsUploadedProjects(t *testing.T) {
	mux, _ := testMux(t)
	uploadMultipart(t, mux, "alpha-1.0.0.tar.gz", []byte("a"))
	uploadMultipart(t, mux, "beta-1.0.0.tar.gz", []byte("b"))

	req := httptest.NewRequest(http.MethodGet, "/pypi/simple/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alpha")
	assert.Contains(t, rec.Body.String(), "beta")
}

func TestRewriteUpstreamHTMLRewritesHrefsToLocalPackagesRoute(t *testing.T) {
	in := `<a href="https://files.pythonhosted.org/packages/ab/cd/mypkg-1.0.0.tar.gz#sha256=deadbeef">mypkg-1.0.0.tar.gz</a>`
	out := rewriteUpstreamHTML(in)
	assert.Contains(t, out, `href="/pypi/packages/mypkg-1.0.0.tar.gz"`)
}

func TestFirstTokenSplitsOnSeparator(t *testing.T) {
	assert.Equal(t, "mypkg", firstToken("mypkg-1.0.0"))
	assert.Equal(t, "noseparator", firstToken("noseparator"))
}

// uploadMultipartRawFilename builds the multipart body by hand so the
// Content-Disposition filename can carry a traversal attempt that
// mime/multipart's own FileHeader.Filename would otherwise base-ize away.
func uploadMultipartRawFilename(t *testing.T, mux *http.ServeMux, rawFilename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="content"; filename="%s"`, rawFilename)}
	header["Content-Type"] = []string{"application/octet-stream"}
	part, err := w.CreatePart(header)
	assert.NoError(t, err)
	_, err = part.Write(content)
	assert.NoError(t, err)
	assert.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/pypi/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestUploadRejectsContentDispositionParentDirectoryReference(t *testing.T) {
	mux, state := testMux(t)

	rec := uploadMultipartRawFilename(t, mux, "../etc/passwd", []byte("malicious"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "parent directory reference")

	assert.NoFileExists(t, state.PyPIPackagesDir()+"/passwd")
	assert.NoFileExists(t, state.PyPIPackagesDir()+"/../etc/passwd")
}

func TestProjectIndexHTMLIncludesSHA256Fragment(t *testing.T) {
	mux, _ := testMux(t)
	content := []byte("fake sdist for hashing")
	rec := uploadMultipart(t, mux, "mypkg-1.0.0.tar.gz", content)
	assert.Equal(t, http.StatusOK, rec.Code)

	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])

	req := httptest.NewRequest(http.MethodGet, "/pypi/simple/mypkg/", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf("#sha256=%s", want))
}
