package vmerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCapturesKindAndMessage(t *testing.T) {
	err := New(NotFound, "preset not found")
	assert.Equal(t, NotFound, err.Kind)
	assert.Contains(t, err.Error(), "NotFound")
	assert.Contains(t, err.Error(), "preset not found")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Filesystem, cause, "write config")
	assert.Same(t, cause, err.Unwrap())
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(Internal, nil, "unreachable"))
}

func TestWithersChainAndMutateReceiver(t *testing.T) {
	err := New(Conflict, "instance already exists").
		WithHint("use --force to recreate").
		WithIdentifier("myproj-dev")
	assert.Equal(t, "use --force to recreate", err.Hint)
	assert.Equal(t, "myproj-dev", err.Identifier)
}

func TestAsUnwrapsThroughPlainWrapping(t *testing.T) {
	classified := New(Validation, "bad package name")
	wrapped := fmtErrorf(classified)

	got, ok := As(wrapped)
	if assert.True(t, ok) {
		assert.Equal(t, Validation, got.Kind)
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("unclassified")))
	assert.Equal(t, Upstream, KindOf(New(Upstream, "pypi.org unreachable")))
}

func TestKindStringNames(t *testing.T) {
	cases := map[Kind]string{
		Internal:          "Internal",
		DependencyMissing: "DependencyMissing",
		Config:            "Config",
		NotFound:          "NotFound",
		Conflict:          "Conflict",
		Validation:        "Validation",
		UploadError:       "UploadError",
		Upstream:          "Upstream",
		Filesystem:        "Filesystem",
		Provider:          "Provider",
	}
	for kind, name := range cases {
		assert.Equal(t, name, kind.String())
	}
}

func TestWrapTopAndStackTrace(t *testing.T) {
	assert.Nil(t, WrapTop(nil))

	top := WrapTop(New(Internal, "boom"))
	trace := StackTrace(top)
	assert.Contains(t, trace, "boom")
}

// fmtErrorf mimics a third-party library wrapping our error with %w,
// the shape As must see through.
func fmtErrorf(err error) error {
	return &wrappedErr{inner: err}
}

type wrappedErr struct{ inner error }

func (w *wrappedErr) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrappedErr) Unwrap() error { return w.inner }
