package registry

import (
	"io"

	"github.com/vmtool/vm/pkg/vmerrors"
)

// FetchUpstream performs a GET against url using state's short-timeout
// client, per spec section 4.3.5: "upstreams are consulted only on
// local miss... upstream errors are forwarded as NotFound for the
// resource." Only a 2xx response is considered authoritative; anything
// else (including a transport error) collapses to a NotFound so
// callers can treat upstream-miss and local-miss identically.
func (s *AppState) FetchUpstream(url string) ([]byte, error) {
	resp, err := s.UpstreamClient.Get(url)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.NotFound, err, "fetch upstream "+url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, vmerrors.Newf(vmerrors.NotFound, "upstream %s returned %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.Upstream, err, "read upstream body "+url)
	}
	return body, nil
}

// FetchUpstreamStream is like FetchUpstream but hands the caller the
// live response body for direct streaming to the client and/or a
// cache-on-read sink, instead of buffering into memory. The caller
// must close the returned body.
func (s *AppState) FetchUpstreamStream(url string) (io.ReadCloser, error) {
	resp, err := s.UpstreamClient.Get(url)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.NotFound, err, "fetch upstream "+url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, vmerrors.Newf(vmerrors.NotFound, "upstream %s returned %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}
