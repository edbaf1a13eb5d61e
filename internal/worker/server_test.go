package worker

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/evalenv"
)

func newTestServer(cfg Config) *Server {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(evalenv.New(nil, nil), nil, nil, cfg, log)
}

func TestHandlerReadinessAlwaysOK(t *testing.T) {
	srv := newTestServer(Config{})
	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerValidateUnknownPolicyReturns404(t *testing.T) {
	srv := newTestServer(Config{})
	body := `{"apiVersion":"admission.k8s.io/v1","kind":"AdmissionReview","request":{"uid":"1","namespace":"default"}}`
	req := httptest.NewRequest(http.MethodPost, "/validate/does-not-exist", strings.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerValidateMalformedBodyReturns400(t *testing.T) {
	srv := newTestServer(Config{})
	req := httptest.NewRequest(http.MethodPost, "/validate/some-id", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerValidateMissingRequestFieldReturns400(t *testing.T) {
	srv := newTestServer(Config{})
	req := httptest.NewRequest(http.MethodPost, "/validate/some-id", strings.NewReader(`{"kind":"AdmissionReview"}`))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerValidateAlwaysAcceptNamespaceShortCircuits(t *testing.T) {
	srv := newTestServer(Config{AlwaysAcceptNamespace: "kubewarden"})
	body := `{"request":{"uid":"abc-123","namespace":"kubewarden"}}`
	req := httptest.NewRequest(http.MethodPost, "/validate/unregistered-policy", strings.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":true`)
	assert.Contains(t, rec.Body.String(), `"uid":"abc-123"`)
}

func TestHandlerValidateRawMalformedBodyReturns400(t *testing.T) {
	srv := newTestServer(Config{})
	req := httptest.NewRequest(http.MethodPost, "/validate_raw/some-id", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerValidateRawUnknownPolicyReturns404(t *testing.T) {
	srv := newTestServer(Config{})
	req := httptest.NewRequest(http.MethodPost, "/validate_raw/does-not-exist", strings.NewReader(`{"request":{"a":1}}`))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcquireReleasesPermitOnSuccess(t *testing.T) {
	srv := newTestServer(Config{})
	release, err := srv.acquire(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	require.NoError(t, err)
	release()

	// A permit must be available again immediately, proving release()
	// actually returned it rather than leaking it.
	release2, err := srv.acquire(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	require.NoError(t, err)
	release2()
}
