// Package verifier implements the Signature Verifier (spec.md §4.B): it
// resolves a registry:// policy reference to the cosign/Sigstore bundles
// attached to it, evaluates them against the allOf/anyOf constraints of a
// config.VerificationConfig, and on success returns the trusted manifest
// digest. It never fetches the policy's Wasm bytes itself. The server
// command fetches them separately via internal/fetcher and only logs the
// digest this returns; the fetched bytes are not checked against it.
package verifier

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	sigstorebundle "github.com/sigstore/sigstore-go/pkg/bundle"
	"github.com/sigstore/sigstore-go/pkg/root"
	"github.com/sigstore/sigstore-go/pkg/verify"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"

	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/telemetry"
)

// ErrNoMatch is returned when no attached, cryptographically valid
// signature satisfies the configured constraints.
var ErrNoMatch = errors.New("no signature matched the verification constraints")

// cosignBundleAnnotation is the OCI annotation key cosign attaches to each
// signature layer, carrying the Sigstore bundle (certificate chain,
// signature and Rekor inclusion proof) as JSON.
const cosignBundleAnnotation = "dev.sigstore.cosign/bundle"

// Verifier checks OCI-stored policy artifacts against Sigstore trust
// material.
type Verifier struct {
	keychain    authn.Keychain
	sigVerifier *verify.Verifier
	recorder    *telemetry.Recorder
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithKeychain overrides the registry credential source used to fetch
// signature manifests.
func WithKeychain(kc authn.Keychain) Option {
	return func(v *Verifier) { v.keychain = kc }
}

// WithRecorder attaches a metrics recorder; a nil Recorder (the default)
// makes every recorded call a no-op.
func WithRecorder(r *telemetry.Recorder) Option {
	return func(v *Verifier) { v.recorder = r }
}

// New builds a Verifier against the given trusted root material (Fulcio
// root CA, Rekor transparency log public key, TSA certs — see
// LoadTrustedRoot). It requires both a valid signed certificate timestamp
// and a transparency log inclusion proof for every signature, matching
// the original implementation's default keyless-verification posture.
func New(trustedRoot *root.TrustedRoot, opts ...Option) (*Verifier, error) {
	sigVerifier, err := verify.NewVerifier(trustedRoot,
		verify.WithSignedCertificateTimestamps(1),
		verify.WithTransparencyLog(1),
		verify.WithObserverTimestamps(1),
	)
	if err != nil {
		return nil, fmt.Errorf("building sigstore verifier: %w", err)
	}
	v := &Verifier{keychain: authn.DefaultKeychain, sigVerifier: sigVerifier}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify fetches the signatures attached to the registry:// reference raw
// and evaluates them against cfg. On success it returns the digest of the
// manifest that was actually signed.
func (v *Verifier) Verify(ctx context.Context, raw string, cfg config.VerificationConfig) (string, error) {
	digest, err := v.verify(ctx, raw, cfg)
	v.recorder.RecordVerification(ctx, err)
	return digest, err
}

func (v *Verifier) verify(ctx context.Context, raw string, cfg config.VerificationConfig) (string, error) {
	raw = strings.TrimPrefix(raw, "registry://")

	ref, err := name.ParseReference(raw)
	if err != nil {
		return "", fmt.Errorf("parsing image reference %q: %w", raw, err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(v.keychain))
	if err != nil {
		return "", fmt.Errorf("resolving manifest for %q: %w", raw, err)
	}
	manifestDigest := desc.Digest.String()

	sigRef, err := cosignSignatureTag(ref, manifestDigest)
	if err != nil {
		return "", err
	}
	sigDesc, err := remote.Get(sigRef, remote.WithContext(ctx), remote.WithAuthFromKeychain(v.keychain))
	if err != nil {
		return "", fmt.Errorf("fetching signature manifest for %q: %w", raw, err)
	}
	sigImg, err := sigDesc.Image()
	if err != nil {
		return "", fmt.Errorf("reading signature image for %q: %w", raw, err)
	}

	identities, err := v.verifiedIdentities(sigImg, manifestDigest, cfg)
	if err != nil {
		return "", err
	}

	if !satisfiesConstraints(identities, cfg) {
		return "", ErrNoMatch
	}

	return manifestDigest, nil
}

// verifiedIdentities walks the signature image's layers, each of which
// carries one Sigstore bundle as an OCI annotation, verifies the bundle
// cryptographically against the trusted root and the signed artifact
// digest, and returns one Identity per bundle that verifies successfully.
// Bundles that fail verification are skipped rather than aborting the
// whole call, matching cosign's "collect every valid signature" behavior.
//
// Besides the keyless (Fulcio certificate) path it also tries every
// "pubKey" constraint named in cfg, producing a config.SignaturePubKey
// Identity for any bundle whose signature verifies against that specific
// public key, matching the original's classic (non-keyless) cosign
// signing mode: no certificate, no transparency-log requirement.
func (v *Verifier) verifiedIdentities(sigImg v1.Image, artifactDigest string, cfg config.VerificationConfig) ([]Identity, error) {
	layers, err := sigImg.Layers()
	if err != nil {
		return nil, fmt.Errorf("reading signature layers: %w", err)
	}

	algo, hexDigest, ok := strings.Cut(artifactDigest, ":")
	if !ok {
		return nil, fmt.Errorf("unexpected digest format %q", artifactDigest)
	}

	pubKeyVerifiers := make(map[string]*verify.Verifier, len(cfg.AllOf))
	for _, key := range pubKeyCandidates(cfg) {
		pv, err := newPubKeyVerifier(key)
		if err != nil {
			return nil, fmt.Errorf("building public key verifier: %w", err)
		}
		pubKeyVerifiers[key] = pv
	}

	var identities []Identity
	for _, layer := range layers {
		annotations, err := layerAnnotations(layer)
		if err != nil {
			continue
		}
		bundleJSON, ok := annotations[cosignBundleAnnotation]
		if !ok {
			continue
		}

		b := &sigstorebundle.Bundle{}
		if err := b.UnmarshalJSON([]byte(bundleJSON)); err != nil {
			continue
		}

		policy := verify.NewPolicy(
			verify.WithArtifactDigest(algo, []byte(hexDigest)),
			verify.WithoutIdentitiesUnsafe(),
		)

		if result, err := v.sigVerifier.Verify(b, policy); err == nil {
			identities = append(identities, identityFromResult(result))
		}

		for key, pv := range pubKeyVerifiers {
			if _, err := pv.Verify(b, policy); err == nil {
				identities = append(identities, Identity{Kind: config.SignaturePubKey, KeyID: key})
			}
		}
	}
	return identities, nil
}

// pubKeyCandidates returns the distinct PEM public keys named by cfg's
// "pubKey" constraints, across both allOf and anyOf.
func pubKeyCandidates(cfg config.VerificationConfig) []string {
	seen := make(map[string]struct{})
	var keys []string
	collect := func(sigs []config.Signature) {
		for _, sig := range sigs {
			if sig.Kind != config.SignaturePubKey {
				continue
			}
			if _, ok := seen[sig.Key]; ok {
				continue
			}
			seen[sig.Key] = struct{}{}
			keys = append(keys, sig.Key)
		}
	}
	collect(cfg.AllOf)
	if cfg.AnyOf != nil {
		collect(cfg.AnyOf.Signatures)
	}
	return keys
}

// newPubKeyVerifier builds a sigstore-go verifier trusting only the given
// PEM-encoded public key, with no Fulcio/Rekor material at all.
func newPubKeyVerifier(pemKey string) (*verify.Verifier, error) {
	pub, err := cryptoutils.UnmarshalPEMToPublicKey([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parsing PEM public key: %w", err)
	}
	verifier, err := signature.LoadVerifier(pub, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("loading public key verifier: %w", err)
	}

	trustedMaterial := root.NewTrustedPublicKeyMaterial(func(string) (root.TimeConstrainedVerifier, error) {
		return alwaysValidVerifier{verifier}, nil
	})

	return verify.NewVerifier(trustedMaterial, verify.WithObserverTimestamps(1))
}

// alwaysValidVerifier adapts a signature.Verifier to root.TimeConstrainedVerifier:
// a plain cosign public key, unlike a Fulcio-issued certificate, has no
// validity window of its own.
type alwaysValidVerifier struct {
	signature.Verifier
}

func (alwaysValidVerifier) ValidAtTime(time.Time) bool { return true }

// layerAnnotations reads the per-layer OCI annotations carrying the
// cosign bundle. Plain v1.Layer implementations (e.g. ones backed by a
// remote descriptor) expose these via an optional interface.
func layerAnnotations(layer v1.Layer) (map[string]string, error) {
	annotated, ok := layer.(interface{ Annotations() (map[string]string, error) })
	if !ok {
		return nil, fmt.Errorf("layer does not expose annotations")
	}
	return annotated.Annotations()
}

func identityFromResult(result *verify.VerificationResult) Identity {
	id := Identity{}
	if result == nil || result.Signature == nil || result.Signature.Certificate == nil {
		return id
	}
	cert := result.Signature.Certificate
	id.Issuer = cert.Issuer
	id.Subject = cert.SubjectAlternativeName
	id.Kind = config.SignatureGenericIssuer
	return id
}

func cosignSignatureTag(ref name.Reference, digest string) (name.Reference, error) {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("unexpected digest format %q", digest)
	}
	tag := fmt.Sprintf("%s-%s.sig", parts[0], parts[1])
	return name.ParseReference(ref.Context().RepositoryStr() + ":" + tag)
}
