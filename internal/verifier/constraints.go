package verifier

import (
	"strings"

	"github.com/kubewarden/policy-server/internal/config"
)

// Identity is one signature's verified identity, recorded after
// cryptographic verification has already succeeded: issuer and subject
// from its Fulcio certificate (keyless signing), or the configured key
// for a signature that verified against a pubKey constraint's key.
type Identity struct {
	Kind    config.SignatureKind
	KeyID   string
	Issuer  string
	Subject string
}

// satisfiesConstraints reports whether the set of cryptographically
// verified identities attached to a policy satisfies cfg's allOf/anyOf
// signature requirements (spec.md §4.B, ported from
// policy-fetcher/src/verify/config.rs's Signature enum matching).
func satisfiesConstraints(identities []Identity, cfg config.VerificationConfig) bool {
	for _, required := range cfg.AllOf {
		if !anyIdentityMatches(identities, required) {
			return false
		}
	}

	if cfg.AnyOf != nil {
		matches := 0
		for _, required := range cfg.AnyOf.Signatures {
			if anyIdentityMatches(identities, required) {
				matches++
			}
		}
		if matches < cfg.AnyOf.MinimumMatches {
			return false
		}
	}

	return true
}

func anyIdentityMatches(identities []Identity, sig config.Signature) bool {
	for _, id := range identities {
		if identityMatches(id, sig) {
			return true
		}
	}
	return false
}

func identityMatches(id Identity, sig config.Signature) bool {
	switch sig.Kind {
	case config.SignaturePubKey:
		return id.Kind == config.SignaturePubKey && id.KeyID == sig.Key
	case config.SignatureGenericIssuer:
		if id.Kind != config.SignatureGenericIssuer || id.Issuer != sig.Issuer {
			return false
		}
		return subjectMatches(id.Subject, sig.Subject)
	case config.SignatureGithubAction:
		if id.Kind != config.SignatureGenericIssuer {
			return false
		}
		// GitHub Actions OIDC tokens are issued by a fixed, well-known
		// issuer; the "owner" constraint matches against the subject's
		// repository-owner segment, mirroring the original's dedicated
		// GitHubAction signature variant.
		const githubActionsIssuer = "https://token.actions.githubusercontent.com"
		if id.Issuer != githubActionsIssuer {
			return false
		}
		if sig.Owner == nil {
			return false
		}
		owner := "https://github.com/" + *sig.Owner + "/"
		if sig.Repo != nil {
			return id.Subject == owner+*sig.Repo
		}
		return strings.HasPrefix(id.Subject, owner)
	default:
		return false
	}
}

func subjectMatches(subject string, want config.Subject) bool {
	if want.Equal != "" {
		return subject == want.Equal
	}
	if want.URLPrefix != "" {
		return strings.HasPrefix(subject, want.URLPrefix)
	}
	return false
}
