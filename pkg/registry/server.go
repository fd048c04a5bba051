package registry

import (
	"context"
	"net/http"
	"time"
)

// RouteRegistrar is implemented by each ecosystem subpackage
// (pkg/registry/pypi, npm, cargo) to attach its handlers to the
// shared mux without pkg/registry importing any of them — avoids the
// import cycle those subpackages' AppState dependency would otherwise
// create.
type RouteRegistrar func(mux *http.ServeMux, state *AppState)

// NewServer builds the *http.Server multiplexing every ecosystem
// under its fixed prefix (spec section 4.3), delegating to whichever
// registrars the caller supplies.
func NewServer(state *AppState, registrars ...RouteRegistrar) *http.Server {
	mux := http.NewServeMux()
	for _, register := range registrars {
		register(mux, state)
	}
	mux.HandleFunc("GET /healthz", handleHealthz(state))

	return &http.Server{
		Addr:              state.ServerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func handleHealthz(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Shutdown gracefully stops srv, giving in-flight handlers up to the
// supplied context's deadline to finish (streamed upstream fetches in
// particular can be long-lived).
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
