package verifier

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/config"
)

func generateECDSAPublicKeyPEM(t *testing.T) string {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func TestNewPubKeyVerifierAcceptsValidPEM(t *testing.T) {
	pemKey := generateECDSAPublicKeyPEM(t)

	pv, err := newPubKeyVerifier(pemKey)

	require.NoError(t, err)
	assert.NotNil(t, pv)
}

func TestNewPubKeyVerifierRejectsMalformedPEM(t *testing.T) {
	_, err := newPubKeyVerifier("not a pem encoded key")

	require.Error(t, err)
}

func TestPubKeyCandidatesDedupesAcrossAllOfAndAnyOf(t *testing.T) {
	cfg := config.VerificationConfig{
		AllOf: []config.Signature{
			{Kind: config.SignaturePubKey, Key: "key-1"},
			{Kind: config.SignatureGenericIssuer, Issuer: "https://issuer.example"},
		},
		AnyOf: &config.AnyOfGroup{
			Signatures: []config.Signature{
				{Kind: config.SignaturePubKey, Key: "key-1"},
				{Kind: config.SignaturePubKey, Key: "key-2"},
			},
		},
	}

	keys := pubKeyCandidates(cfg)

	assert.ElementsMatch(t, []string{"key-1", "key-2"}, keys)
}
