package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// SourceAuthorityKind discriminates how a registry's custom CA is supplied.
type SourceAuthorityKind string

const (
	SourceAuthorityPath SourceAuthorityKind = "Path"
	SourceAuthorityData SourceAuthorityKind = "Data"
)

// SourceAuthority is one custom root CA entry for a registry host.
type SourceAuthority struct {
	Type SourceAuthorityKind `json:"type"`
	Path string              `json:"path,omitempty"`
	Data string              `json:"data,omitempty"`
}

// SourcesConfig is the decoded shape of the sources config file (spec.md
// §6): hosts allowed over plain HTTP, and per-host custom trust roots.
type SourcesConfig struct {
	InsecureSources   []string                     `json:"insecure_sources,omitempty"`
	SourceAuthorities map[string][]SourceAuthority `json:"source_authorities,omitempty"`
}

// IsInsecure reports whether host is allow-listed for plain HTTP.
func (s SourcesConfig) IsInsecure(host string) bool {
	for _, h := range s.InsecureSources {
		if h == host {
			return true
		}
	}
	return false
}

// AuthoritiesFor resolves and reads the PEM-encoded custom CA certificates
// configured for host, reading from disk for Path-kind entries.
func (s SourcesConfig) AuthoritiesFor(host string) ([]string, error) {
	entries, ok := s.SourceAuthorities[host]
	if !ok {
		return nil, nil
	}
	certs := make([]string, 0, len(entries))
	for _, e := range entries {
		switch e.Type {
		case SourceAuthorityData:
			certs = append(certs, e.Data)
		case SourceAuthorityPath:
			raw, err := os.ReadFile(e.Path)
			if err != nil {
				return nil, fmt.Errorf("reading CA cert file %q for host %q: %w", e.Path, host, err)
			}
			certs = append(certs, string(raw))
		default:
			return nil, fmt.Errorf("unknown source authority type %q for host %q", e.Type, host)
		}
	}
	return certs, nil
}

// LoadSourcesConfig reads and decodes a sources config file.
func LoadSourcesConfig(path string) (SourcesConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SourcesConfig{}, fmt.Errorf("reading sources config %q: %w", path, err)
	}
	var cfg SourcesConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return SourcesConfig{}, fmt.Errorf("parsing sources config %q: %w", path, err)
	}
	return cfg, nil
}
