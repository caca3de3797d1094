package pverr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"direct", New(CodeNotFound, "missing"), CodeNotFound},
		{"wrapped", fmt.Errorf("outer: %w", New(CodeOverloaded, "busy")), CodeOverloaded},
		{"foreign", errors.New("disk on fire"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("io failure")
	err := Wrap(CodeInternal, cause, "writing sidecar")
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "writing sidecar")
	assert.Contains(t, err.Error(), "io failure")
}

func TestWithDetail(t *testing.T) {
	err := New(CodeAlreadyExists, "collection exists").WithDetail("collection", "books")
	assert.Equal(t, "books", err.Details["collection"])
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(CodeModelMismatch))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(CodeOverloaded))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(CodeTimeout))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Code("bogus")))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 3, ExitCode(New(CodeNotFound, "x")))
	assert.Equal(t, 4, ExitCode(New(CodeInvalidFilter, "x")))
	assert.Equal(t, 5, ExitCode(New(CodeUnauthorized, "x")))
	assert.Equal(t, 6, ExitCode(New(CodeOverloaded, "x")))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
}
