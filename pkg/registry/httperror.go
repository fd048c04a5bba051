package registry

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/vmtool/vm/pkg/vmerrors"
)

// statusFor maps a vmerrors.Kind to its HTTP status, spec section 7's
// propagation policy.
func statusFor(kind vmerrors.Kind) int {
	switch kind {
	case vmerrors.Validation:
		return http.StatusBadRequest
	case vmerrors.NotFound:
		return http.StatusNotFound
	case vmerrors.Conflict:
		return http.StatusConflict
	case vmerrors.UploadError:
		return http.StatusRequestEntityTooLarge
	case vmerrors.Upstream:
		return http.StatusBadGateway
	case vmerrors.DependencyMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// WriteError renders err as a JSON error body with the status its
// Kind maps to, logging server-side (5xx) failures.
func WriteError(w http.ResponseWriter, log *logrus.Entry, err error) {
	kind := vmerrors.KindOf(err)
	status := statusFor(kind)

	body := errorBody{Error: err.Error()}
	if e, ok := vmerrors.As(err); ok {
		body.Hint = e.Hint
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)

	if status >= 500 && log != nil {
		log.Errorf("registry handler error: %v", err)
	}
}
