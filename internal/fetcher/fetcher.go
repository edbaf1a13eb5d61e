// Package fetcher implements the Policy Artifact Fetcher (spec.md §4.A): it
// resolves a policy.Reference to a local Wasm blob. It never verifies
// signatures — that is internal/verifier's job.
package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/telemetry"
)

// ErrorKind classifies a fetch failure per spec.md §7.1.
type ErrorKind string

const (
	ErrNetwork         ErrorKind = "network"
	ErrAuth            ErrorKind = "auth"
	ErrInvalidReference ErrorKind = "invalid-reference"
	ErrMissingLayer    ErrorKind = "missing-layer"
)

// Error wraps a fetch failure with its taxonomy kind so callers (the boot
// sequence, mainly) can decide whether to abort or mark the policy
// always-rejecting per spec.md §7.1.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Fetcher resolves policy references into local files under a download
// directory, named after the reference (the URL's last path segment, or
// the sanitized image reference), so a repeated fetch of the same
// reference overwrites the same file.
type Fetcher struct {
	downloadDir string
	sources     config.SourcesConfig
	httpClient  *http.Client
	keychain    authn.Keychain
	recorder    *telemetry.Recorder
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithDockerConfigKeychain sets the credential source used for
// registry:// references, in the shape of a docker-config.json file.
func WithDockerConfigKeychain(kc authn.Keychain) Option {
	return func(f *Fetcher) { f.keychain = kc }
}

// WithRecorder attaches a metrics recorder; a nil Recorder (the default)
// makes every recorded call a no-op.
func WithRecorder(r *telemetry.Recorder) Option {
	return func(f *Fetcher) { f.recorder = r }
}

// New builds a Fetcher rooted at downloadDir, honoring the given sources
// config for insecure-host allow-listing and custom per-host root CAs.
func New(downloadDir string, sources config.SourcesConfig, opts ...Option) (*Fetcher, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory %q: %w", downloadDir, err)
	}
	f := &Fetcher{
		downloadDir: downloadDir,
		sources:     sources,
		httpClient:  http.DefaultClient,
		keychain:    authn.DefaultKeychain,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch resolves ref to a local file path containing the raw Wasm bytes.
// HTTP_PROXY/HTTPS_PROXY/NO_PROXY are honored via http.ProxyFromEnvironment,
// which is the transport's default when none is set explicitly.
func (f *Fetcher) Fetch(ctx context.Context, ref policy.Reference) (string, error) {
	path, err := f.fetch(ctx, ref)
	f.recorder.RecordFetch(ctx, string(ref.Scheme), err)
	return path, err
}

func (f *Fetcher) fetch(ctx context.Context, ref policy.Reference) (string, error) {
	switch ref.Scheme {
	case policy.SchemeFile:
		return f.fetchFile(ref)
	case policy.SchemeHTTPS:
		return f.fetchHTTPS(ctx, ref)
	case policy.SchemeRegistry:
		return f.fetchRegistry(ctx, ref)
	default:
		return "", &Error{Kind: ErrInvalidReference, Err: fmt.Errorf("unsupported reference scheme %q", ref.Scheme)}
	}
}

func (f *Fetcher) fetchFile(ref policy.Reference) (string, error) {
	if _, err := os.Stat(ref.Raw); err != nil {
		return "", &Error{Kind: ErrInvalidReference, Err: fmt.Errorf("local policy file %q: %w", ref.Raw, err)}
	}
	return ref.Raw, nil
}

func (f *Fetcher) fetchHTTPS(ctx context.Context, ref policy.Reference) (string, error) {
	u, err := url.Parse(ref.Raw)
	if err != nil {
		return "", &Error{Kind: ErrInvalidReference, Err: err}
	}

	client := f.httpClient
	if u.Scheme == "https" {
		tlsConfig, err := f.tlsConfigForHost(u.Hostname())
		if err != nil {
			return "", &Error{Kind: ErrInvalidReference, Err: err}
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		client = &http.Client{Transport: transport}
	} else if !f.sources.IsInsecure(u.Hostname()) {
		return "", &Error{Kind: ErrAuth, Err: fmt.Errorf("plain HTTP host %q is not in the insecure_sources allow-list", u.Hostname())}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.Raw, nil)
	if err != nil {
		return "", &Error{Kind: ErrInvalidReference, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &Error{Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: ErrNetwork, Err: fmt.Errorf("unexpected HTTP status %d fetching %s", resp.StatusCode, ref.Raw)}
	}

	dest := filepath.Join(f.downloadDir, filepath.Base(u.Path))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating destination file %q: %w", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", &Error{Kind: ErrNetwork, Err: err}
	}
	return dest, nil
}

func (f *Fetcher) tlsConfigForHost(host string) (*tls.Config, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	certs, err := f.sources.AuthoritiesFor(host)
	if err != nil {
		return nil, err
	}
	for _, pem := range certs {
		if !pool.AppendCertsFromPEM([]byte(pem)) {
			return nil, fmt.Errorf("failed to append custom CA for host %q", host)
		}
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// fetchRegistry speaks the OCI distribution protocol via
// go-containerregistry, pulling the single Wasm layer of the referenced
// image or artifact.
func (f *Fetcher) fetchRegistry(ctx context.Context, ref policy.Reference) (string, error) {
	imgRef, err := name.ParseReference(ref.Raw)
	if err != nil {
		return "", &Error{Kind: ErrInvalidReference, Err: err}
	}

	img, err := remote.Image(imgRef, remote.WithContext(ctx), remote.WithAuthFromKeychain(f.keychain))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", &Error{Kind: ErrNetwork, Err: err}
		}
		return "", &Error{Kind: ErrAuth, Err: err}
	}

	layers, err := img.Layers()
	if err != nil {
		return "", &Error{Kind: ErrMissingLayer, Err: err}
	}
	if len(layers) == 0 {
		return "", &Error{Kind: ErrMissingLayer, Err: fmt.Errorf("image %s has no layers", ref.Raw)}
	}
	// A Wasm policy artifact carries exactly one layer (the compiled
	// module). The pulled layer is not compared against the digest the
	// verifier returns.
	layer := layers[len(layers)-1]

	rc, err := layer.Uncompressed()
	if err != nil {
		return "", &Error{Kind: ErrMissingLayer, Err: err}
	}
	defer rc.Close()

	fileName := sanitizeFileName(imgRef.String())
	dest := filepath.Join(f.downloadDir, fileName+".wasm")
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating destination file %q: %w", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return "", &Error{Kind: ErrNetwork, Err: err}
	}
	return dest, nil
}

func sanitizeFileName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
