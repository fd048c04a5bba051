package npm

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/vmtool/vm/pkg/registry"
)

func testMux(t *testing.T) (*http.ServeMux, *registry.AppState) {
	t.Helper()
	state, err := registry.NewAppState(t.TempDir(), "127.0.0.1:4873", nil, logrus.NewEntry(logrus.New()))
	assert.NoError(t, err)
	mux := http.NewServeMux()
	RegisterRoutes(mux, state)
	return mux, state
}

func publishPayload(name, version, tarballName, content string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	return fmt.Sprintf(`{
		"name": %q,
		"dist-tags": {"latest": %q},
		"versions": {%q: {"name": %q, "version": %q, "dist": {}}},
		"_attachments": {%q: {"content_type": "application/octet-stream", "data": %q}}
	}`, name, version, version, name, version, tarballName, encoded)
}

func TestPutThenGetMetadataRewritesTarballURL(t *testing.T) {
	mux, _ := testMux(t)

	body := publishPayload("left-pad", "1.0.0", "left-pad-1.0.0.tgz", "tarball-bytes")
	req := httptest.NewRequest(http.MethodPut, "/npm/left-pad", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/npm/left-pad", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://127.0.0.1:4873/npm/left-pad/-/")
}

func TestPutThenGetTarball(t *testing.T) {
	mux, _ := testMux(t)
	body := publishPayload("left-pad", "1.0.0", "left-pad-1.0.0.tgz", "tarball-bytes")
	req := httptest.NewRequest(http.MethodPut, "/npm/left-pad", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/npm/left-pad/-/left-pad-1.0.0.tgz", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tarball-bytes", rec.Body.String())
}

func TestScopedPackagePublishAndFetch(t *testing.T) {
	mux, _ := testMux(t)
	body := publishPayload("@myorg/widget", "2.0.0", "widget-2.0.0.tgz", "scoped-bytes")
	req := httptest.NewRequest(http.MethodPut, "/npm/@myorg/widget", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/npm/@myorg/widget", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestScopedPackageRejectsMissingAtPrefix(t *testing.T) {
	mux, _ := testMux(t)
	req := httptest.NewRequest(http.MethodGet, "/npm/notscope/widget", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestDeleteVersionRemovesItFromMetadata(t *testing.T) {
	mux, _ := testMux(t)
	body := publishPayload("left-pad", "1.0.0", "left-pad-1.0.0.tgz", "x")
	req := httptest.NewRequest(http.MethodPut, "/npm/left-pad", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/npm/left-pad/1.0.0", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/npm/left-pad/1.0.0", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeletePackageRemovesMetadataEntirely(t *testing.T) {
	mux, _ := testMux(t)
	body := publishPayload("left-pad", "1.0.0", "left-pad-1.0.0.tgz", "x")
	req := httptest.NewRequest(http.MethodPut, "/npm/left-pad", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/npm/package/left-pad", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/npm/left-pad", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestSanitizeForFilenameCollapsesScopeSeparator(t *testing.T) {
	assert.Equal(t, "@myorg__widget", sanitizeForFilename("@myorg/widget"))
}

func TestFullNameJoinsScopeAndPackage(t *testing.T) {
	assert.Equal(t, "@myorg/widget", fullName("@myorg", "widget"))
	assert.Equal(t, "widget", fullName("", "widget"))
}
