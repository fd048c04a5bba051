package registry

import (
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// WritePayload serves data as the response body, transparently
// gzip-compressing via klauspost/compress when the client advertises
// support, spec section 4.3.5's "re-serving cached artifacts" path.
// Every ecosystem handler (package files, tarballs, crate files,
// sparse index pages) funnels through this instead of a bare w.Write
// so compression and the content digest ETag are applied uniformly.
func WritePayload(w http.ResponseWriter, r *http.Request, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+ContentDigest(data).String()+`"`)

	if !acceptsGzip(r) || len(data) < 256 {
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	gw, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		_, _ = w.Write(data)
		return
	}
	_, _ = gw.Write(data)
	_ = gw.Close()
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(enc) == "gzip" {
			return true
		}
	}
	return false
}
