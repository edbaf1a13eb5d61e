package verifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kubewarden/policy-server/internal/config"
)

func strPtr(s string) *string { return &s }

func TestSatisfiesConstraintsAllOfRequiresEveryEntry(t *testing.T) {
	cfg := config.VerificationConfig{
		AllOf: []config.Signature{
			{Kind: config.SignatureGenericIssuer, Issuer: "https://issuer.example", Subject: config.Subject{Equal: "alice"}},
			{Kind: config.SignaturePubKey, Key: "key-1"},
		},
	}

	missingSecond := []Identity{
		{Kind: config.SignatureGenericIssuer, Issuer: "https://issuer.example", Subject: "alice"},
	}
	assert.False(t, satisfiesConstraints(missingSecond, cfg))

	both := []Identity{
		{Kind: config.SignatureGenericIssuer, Issuer: "https://issuer.example", Subject: "alice"},
		{Kind: config.SignaturePubKey, KeyID: "key-1"},
	}
	assert.True(t, satisfiesConstraints(both, cfg))
}

func TestSatisfiesConstraintsAnyOfMinimumMatches(t *testing.T) {
	cfg := config.VerificationConfig{
		AnyOf: &config.AnyOfGroup{
			MinimumMatches: 2,
			Signatures: []config.Signature{
				{Kind: config.SignaturePubKey, Key: "key-1"},
				{Kind: config.SignaturePubKey, Key: "key-2"},
				{Kind: config.SignaturePubKey, Key: "key-3"},
			},
		},
	}

	onlyOne := []Identity{{Kind: config.SignaturePubKey, KeyID: "key-1"}}
	assert.False(t, satisfiesConstraints(onlyOne, cfg))

	twoMatch := []Identity{
		{Kind: config.SignaturePubKey, KeyID: "key-1"},
		{Kind: config.SignaturePubKey, KeyID: "key-2"},
	}
	assert.True(t, satisfiesConstraints(twoMatch, cfg))
}

func TestIdentityMatchesGenericIssuerURLPrefix(t *testing.T) {
	sig := config.Signature{
		Kind:    config.SignatureGenericIssuer,
		Issuer:  "https://token.actions.githubusercontent.com",
		Subject: config.Subject{URLPrefix: "https://github.com/kubewarden/"},
	}

	match := Identity{Kind: config.SignatureGenericIssuer, Issuer: sig.Issuer, Subject: "https://github.com/kubewarden/policy-server"}
	assert.True(t, identityMatches(match, sig))

	wrongOwner := Identity{Kind: config.SignatureGenericIssuer, Issuer: sig.Issuer, Subject: "https://github.com/someone-else/repo"}
	assert.False(t, identityMatches(wrongOwner, sig))
}

func TestIdentityMatchesGithubActionOwnerAndOptionalRepo(t *testing.T) {
	sigOwnerOnly := config.Signature{Kind: config.SignatureGithubAction, Owner: strPtr("kubewarden")}
	id := Identity{
		Kind:    config.SignatureGenericIssuer,
		Issuer:  "https://token.actions.githubusercontent.com",
		Subject: "https://github.com/kubewarden/policy-server",
	}
	assert.True(t, identityMatches(id, sigOwnerOnly))

	sigWithRepo := config.Signature{Kind: config.SignatureGithubAction, Owner: strPtr("kubewarden"), Repo: strPtr("other-repo")}
	assert.False(t, identityMatches(id, sigWithRepo))

	wrongIssuer := Identity{Kind: config.SignatureGenericIssuer, Issuer: "https://example.com", Subject: id.Subject}
	assert.False(t, identityMatches(wrongIssuer, sigOwnerOnly))
}

func TestIdentityMatchesPubKeyRequiresSameKeyID(t *testing.T) {
	sig := config.Signature{Kind: config.SignaturePubKey, Key: "sha256:abc"}
	assert.True(t, identityMatches(Identity{Kind: config.SignaturePubKey, KeyID: "sha256:abc"}, sig))
	assert.False(t, identityMatches(Identity{Kind: config.SignaturePubKey, KeyID: "sha256:def"}, sig))
}
