package policy

import (
	"fmt"
	"net/url"
	"strings"
)

// Scheme identifies how a Reference's bytes are retrieved.
type Scheme string

const (
	SchemeRegistry Scheme = "registry"
	SchemeHTTPS    Scheme = "https"
	SchemeFile     Scheme = "file"
)

// Reference uniquely identifies a Wasm policy artifact. Two references that
// resolve to the same content digest share a precompiled module (the
// sharing itself is enforced by internal/sandbox, keyed on digest, not
// here).
type Reference struct {
	Scheme Scheme
	// Raw is "ghcr.io/kubewarden/policies/privileged-pod:v0.2.0" for a
	// registry reference (scheme prefix stripped), an absolute path for a
	// file reference, and the full URL, scheme included, for an https or
	// http reference.
	Raw string
}

// ParseReference normalizes a policy descriptor's `module` field. A missing
// scheme prefix defaults to registry://, mirroring the teacher CRD's
// PolicySpec.Module doc comment ("If prefix is missing, it will default to
// registry://").
func ParseReference(raw string) (Reference, error) {
	if raw == "" {
		return Reference{}, fmt.Errorf("policy module reference is empty")
	}

	switch {
	case strings.HasPrefix(raw, "registry://"):
		return Reference{Scheme: SchemeRegistry, Raw: strings.TrimPrefix(raw, "registry://")}, nil
	case strings.HasPrefix(raw, "https://"):
		return Reference{Scheme: SchemeHTTPS, Raw: raw}, nil
	case strings.HasPrefix(raw, "http://"):
		return Reference{Scheme: SchemeHTTPS, Raw: raw}, nil
	case strings.HasPrefix(raw, "file://"):
		u, err := url.Parse(raw)
		if err != nil {
			return Reference{}, fmt.Errorf("invalid file:// policy reference %q: %w", raw, err)
		}
		return Reference{Scheme: SchemeFile, Raw: u.Path}, nil
	case strings.Contains(raw, "://"):
		return Reference{}, fmt.Errorf("unsupported policy reference scheme in %q", raw)
	default:
		// no scheme: default to registry, as kwctl/the controller does.
		return Reference{Scheme: SchemeRegistry, Raw: raw}, nil
	}
}

func (r Reference) String() string {
	return fmt.Sprintf("%s://%s", r.Scheme, r.Raw)
}
