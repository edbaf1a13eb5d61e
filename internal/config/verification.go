package config

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// VerificationConfig is the decoded shape of the verification config file
// (spec.md §3 Verification Config, §6). Constraints are grouped into
// AllOf (every constraint must hold) and AnyOf (at least MinimumMatches
// must hold, default 1). At least one of the two groups must be non-empty.
type VerificationConfig struct {
	APIVersion string         `json:"apiVersion"`
	AllOf      []Signature    `json:"allOf,omitempty"`
	AnyOf      *AnyOfGroup    `json:"anyOf,omitempty"`
}

type AnyOfGroup struct {
	MinimumMatches int         `json:"minimumMatches,omitempty"`
	Signatures     []Signature `json:"signatures"`
}

// SignatureKind discriminates the three constraint shapes from spec.md §4.B.
type SignatureKind string

const (
	SignaturePubKey        SignatureKind = "pubKey"
	SignatureGenericIssuer SignatureKind = "genericIssuer"
	SignatureGithubAction  SignatureKind = "githubAction"
)

// Signature is a single verification constraint. Exactly the fields
// relevant to Kind are expected to be populated; this mirrors the Rust
// original's tagged enum (verify/config.rs) folded into one Go struct
// since Go lacks sum types.
type Signature struct {
	Kind SignatureKind `json:"kind"`

	// githubAction (Owner), pubKey (Key)
	Owner *string `json:"owner,omitempty"`
	Key   string  `json:"key,omitempty"`

	// genericIssuer
	Issuer  string  `json:"issuer,omitempty"`
	Subject Subject `json:"subject,omitempty"`

	// githubAction
	Repo *string `json:"repo,omitempty"`

	Annotations map[string]string `json:"annotations,omitempty"`
}

// Subject matches either an exact string ("equal") or a URL prefix
// ("urlPrefix"); exactly one must be set.
type Subject struct {
	Equal     string `json:"equal,omitempty"`
	URLPrefix string `json:"urlPrefix,omitempty"`
}

// MarshalYAML/UnmarshalYAML intentionally omitted: Subject is decoded as a
// plain object with optional "equal"/"urlPrefix" keys, which
// sigs.k8s.io/yaml's JSON-tag-based decoding already handles.

// LoadVerificationConfig reads, decodes and validates a verification
// config file.
func LoadVerificationConfig(path string) (VerificationConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return VerificationConfig{}, fmt.Errorf("reading verification config %q: %w", path, err)
	}
	return ParseVerificationConfig(raw)
}

// ParseVerificationConfig decodes and validates the raw YAML bytes of a
// verification config file, normalizing urlPrefix subjects to end with "/"
// to block prefix-confusion attacks (spec.md §3 invariant).
func ParseVerificationConfig(raw []byte) (VerificationConfig, error) {
	var cfg VerificationConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return VerificationConfig{}, fmt.Errorf("parsing verification config: %w", err)
	}

	if cfg.APIVersion != "" && cfg.APIVersion != "v1" {
		return VerificationConfig{}, fmt.Errorf("unsupported verification config apiVersion %q", cfg.APIVersion)
	}

	if len(cfg.AllOf) == 0 && (cfg.AnyOf == nil || len(cfg.AnyOf.Signatures) == 0) {
		return VerificationConfig{}, fmt.Errorf("config is missing signatures in both allOf and anyOf")
	}

	if cfg.AnyOf != nil && cfg.AnyOf.MinimumMatches == 0 {
		cfg.AnyOf.MinimumMatches = 1
	}

	normalize := func(sigs []Signature) error {
		for i := range sigs {
			if err := validateSignature(&sigs[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := normalize(cfg.AllOf); err != nil {
		return VerificationConfig{}, err
	}
	if cfg.AnyOf != nil {
		if err := normalize(cfg.AnyOf.Signatures); err != nil {
			return VerificationConfig{}, err
		}
	}

	return cfg, nil
}

func validateSignature(sig *Signature) error {
	switch sig.Kind {
	case SignaturePubKey:
		if sig.Key == "" {
			return fmt.Errorf("pubKey signature constraint missing %q", "key")
		}
	case SignatureGenericIssuer:
		if sig.Issuer == "" {
			return fmt.Errorf("genericIssuer signature constraint missing %q", "issuer")
		}
		if sig.Subject.Equal == "" && sig.Subject.URLPrefix == "" {
			return fmt.Errorf("genericIssuer signature constraint missing subject")
		}
		if sig.Subject.URLPrefix != "" && !strings.HasSuffix(sig.Subject.URLPrefix, "/") {
			sig.Subject.URLPrefix += "/"
		}
	case SignatureGithubAction:
		if sig.Owner == nil || *sig.Owner == "" {
			return fmt.Errorf("githubAction signature constraint missing %q", "owner")
		}
	default:
		return fmt.Errorf("unknown signature constraint kind %q", sig.Kind)
	}
	return nil
}
