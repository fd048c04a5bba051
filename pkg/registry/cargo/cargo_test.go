package cargo

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/vmtool/vm/pkg/registry"
)

func TestIndexPathDerivationRule(t *testing.T) {
	cases := map[string]string{
		"a":      "1/a",
		"ab":     "2/ab",
		"abc":    "3/a/abc",
		"abcd":   "ab/cd/abcd",
		"serde":  "se/rd/serde",
		"Serde":  "se/rd/serde",
		"x":      "1/x",
		"xy":     "2/xy",
		"tokio1": "to/ki/tokio1",
	}
	for name, want := range cases {
		assert.Equal(t, want, IndexPath(name), "name=%s", name)
	}
}

func testMux(t *testing.T) (*http.ServeMux, *registry.AppState) {
	t.Helper()
	state, err := registry.NewAppState(t.TempDir(), "127.0.0.1:8080", nil, logrus.NewEntry(logrus.New()))
	assert.NoError(t, err)
	mux := http.NewServeMux()
	RegisterRoutes(mux, state)
	return mux, state
}

func buildPublishBody(t *testing.T, name, version string, crateBytes []byte) []byte {
	t.Helper()
	meta, err := json.Marshal(map[string]interface{}{
		"name": name,
		"vers": version,
		"deps": []interface{}{},
	})
	assert.NoError(t, err)

	var buf bytes.Buffer
	assert.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(meta))))
	buf.Write(meta)
	assert.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(crateBytes))))
	buf.Write(crateBytes)
	return buf.Bytes()
}

func TestHandleConfigReportsDownloadAndAPIURLs(t *testing.T) {
	mux, _ := testMux(t)
	req := httptest.NewRequest(http.MethodGet, "/cargo/config.json", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]string
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc["dl"], "/cargo/api/v1/crates/{crate}/{version}/download")
	assert.Contains(t, doc["api"], "/cargo")
}

func TestPublishThenDownloadAndIndex(t *testing.T) {
	mux, _ := testMux(t)
	body := buildPublishBody(t, "mycrate", "1.0.0", []byte("crate-bytes"))

	req := httptest.NewRequest(http.MethodPut, "/cargo/api/v1/crates/new", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/cargo/api/v1/crates/mycrate/1.0.0/download", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "crate-bytes", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/cargo/"+IndexPath("mycrate"), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"vers":"1.0.0"`)
	assert.Contains(t, rec.Body.String(), `"yanked":false`)
}

func TestDeleteVersionYanksByDefault(t *testing.T) {
	mux, _ := testMux(t)
	body := buildPublishBody(t, "mycrate", "1.0.0", []byte("x"))
	req := httptest.NewRequest(http.MethodPut, "/cargo/api/v1/crates/new", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/cargo/mycrate/1.0.0", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/cargo/"+IndexPath("mycrate"), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"yanked":true`)
}

func TestDeleteVersionForceRemovesEntry(t *testing.T) {
	mux, _ := testMux(t)
	body := buildPublishBody(t, "mycrate", "1.0.0", []byte("x"))
	req := httptest.NewRequest(http.MethodPut, "/cargo/api/v1/crates/new", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/cargo/mycrate/1.0.0?force=true", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/cargo/api/v1/crates/mycrate/1.0.0/download", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestDeleteCrateRemovesAllVersionsAndIndex(t *testing.T) {
	mux, _ := testMux(t)
	for _, v := range []string{"1.0.0", "1.1.0"} {
		body := buildPublishBody(t, "mycrate", v, []byte("x"))
		req := httptest.NewRequest(http.MethodPut, "/cargo/api/v1/crates/new", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/cargo/crates/mycrate", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/cargo/"+IndexPath("mycrate"), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestGetCratesNewIsMethodNotAllowed(t *testing.T) {
	mux, _ := testMux(t)
	req := httptest.NewRequest(http.MethodGet, "/cargo/api/v1/crates/new", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
