package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/policy"
)

func TestFetchFileReturnsLocalPath(t *testing.T) {
	dir := t.TempDir()
	wasmPath := filepath.Join(dir, "policy.wasm")
	require.NoError(t, os.WriteFile(wasmPath, []byte("\x00asm"), 0o644))

	f, err := New(filepath.Join(dir, "downloads"), config.SourcesConfig{})
	require.NoError(t, err)

	ref, err := policy.ParseReference("file://" + wasmPath)
	require.NoError(t, err)

	got, err := f.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, wasmPath, got)
}

func TestFetchFileMissingReturnsInvalidReferenceError(t *testing.T) {
	dir := t.TempDir()
	f, err := New(filepath.Join(dir, "downloads"), config.SourcesConfig{})
	require.NoError(t, err)

	ref, err := policy.ParseReference("file:///does/not/exist.wasm")
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), ref)
	require.Error(t, err)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, ErrInvalidReference, fetchErr.Kind)
}

func TestFetchHTTPPlainRequiresInsecureAllowList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\x00asm"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, err := New(filepath.Join(dir, "downloads"), config.SourcesConfig{})
	require.NoError(t, err)

	ref, err := policy.ParseReference(srv.URL + "/policy.wasm")
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), ref)
	require.Error(t, err)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, ErrAuth, fetchErr.Kind)
}

func TestFetchHTTPPlainAllowedWhenInsecureListed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\x00asm"))
	}))
	defer srv.Close()

	u, err := policy.ParseReference(srv.URL + "/policy.wasm")
	require.NoError(t, err)

	dir := t.TempDir()
	f, err := New(filepath.Join(dir, "downloads"), config.SourcesConfig{InsecureSources: []string{"127.0.0.1"}})
	require.NoError(t, err)

	dest, err := f.Fetch(context.Background(), u)
	require.NoError(t, err)
	contents, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "\x00asm", string(contents))
}

func TestFetchHTTPNotFoundIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, err := New(filepath.Join(dir, "downloads"), config.SourcesConfig{InsecureSources: []string{"127.0.0.1"}})
	require.NoError(t, err)

	ref, err := policy.ParseReference(srv.URL + "/missing.wasm")
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), ref)
	require.Error(t, err)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, ErrNetwork, fetchErr.Kind)
}

func TestFetchRejectsUnsupportedScheme(t *testing.T) {
	dir := t.TempDir()
	f, err := New(filepath.Join(dir, "downloads"), config.SourcesConfig{})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), policy.Reference{Scheme: "ftp", Raw: "ftp://example.com/x.wasm"})
	require.Error(t, err)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, ErrInvalidReference, fetchErr.Kind)
}
