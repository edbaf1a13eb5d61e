package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// ociCacheTTL matches the original CallbackHandler's 60-second manifest
// cache: registry round trips are expensive enough to slow down policy
// evaluation noticeably, but short-lived enough that staleness within a
// minute is an acceptable trade.
const ociCacheTTL = 60 * time.Second

// OciClient answers the OCI-flavored callback Kinds (manifest, manifest
// digest, manifest+config), each behind its own time-bound cache keyed by
// image reference. Each cache has a matching singleflight.Group so that
// concurrent misses for the same image collapse into a single registry
// round trip instead of dog-piling (spec.md §5, Design Notes §9).
type OciClient struct {
	keychain authn.Keychain

	digestCache            *ttlcache.Cache[string, string]
	manifestCache          *ttlcache.Cache[string, []byte]
	manifestAndConfigCache *ttlcache.Cache[string, manifestAndConfig]

	digestGroup            singleflight.Group
	manifestGroup          singleflight.Group
	manifestAndConfigGroup singleflight.Group
}

type manifestAndConfig struct {
	Manifest []byte          `json:"manifest"`
	Digest   string          `json:"digest"`
	Config   json.RawMessage `json:"config"`
}

// NewOciClient builds an OciClient. The returned caches are started
// immediately and must be stopped via Close when the server shuts down.
func NewOciClient(keychain authn.Keychain) *OciClient {
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	c := &OciClient{
		keychain:               keychain,
		digestCache:            ttlcache.New[string, string](ttlcache.WithTTL[string, string](ociCacheTTL)),
		manifestCache:          ttlcache.New[string, []byte](ttlcache.WithTTL[string, []byte](ociCacheTTL)),
		manifestAndConfigCache: ttlcache.New[string, manifestAndConfig](ttlcache.WithTTL[string, manifestAndConfig](ociCacheTTL)),
	}
	go c.digestCache.Start()
	go c.manifestCache.Start()
	go c.manifestAndConfigCache.Start()
	return c
}

// Close stops the background cache-eviction goroutines.
func (c *OciClient) Close() {
	c.digestCache.Stop()
	c.manifestCache.Stop()
	c.manifestAndConfigCache.Stop()
}

// Digest implements KindOciManifestDigest.
func (c *OciClient) Digest(ctx context.Context, payload any) ([]byte, error) {
	req, ok := payload.(OciManifestDigestPayload)
	if !ok {
		return nil, fmt.Errorf("oci client: unexpected payload type %T", payload)
	}

	if item := c.digestCache.Get(req.Image); item != nil {
		return []byte(item.Value()), nil
	}

	v, err, _ := c.digestGroup.Do(req.Image, func() (any, error) {
		if item := c.digestCache.Get(req.Image); item != nil {
			return item.Value(), nil
		}

		ref, err := name.ParseReference(req.Image)
		if err != nil {
			return "", fmt.Errorf("parsing image reference %q: %w", req.Image, err)
		}
		desc, err := remote.Head(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(c.keychain))
		if err != nil {
			return "", fmt.Errorf("fetching manifest digest for %q: %w", req.Image, err)
		}

		digest := desc.Digest.String()
		c.digestCache.Set(req.Image, digest, ttlcache.DefaultTTL)
		return digest, nil
	})
	if err != nil {
		return nil, err
	}
	return []byte(v.(string)), nil
}

// Manifest implements KindOciManifest.
func (c *OciClient) Manifest(ctx context.Context, payload any) ([]byte, error) {
	req, ok := payload.(OciManifestPayload)
	if !ok {
		return nil, fmt.Errorf("oci client: unexpected payload type %T", payload)
	}

	if item := c.manifestCache.Get(req.Image); item != nil {
		return item.Value(), nil
	}

	v, err, _ := c.manifestGroup.Do(req.Image, func() (any, error) {
		if item := c.manifestCache.Get(req.Image); item != nil {
			return item.Value(), nil
		}

		raw, err := c.fetchRawManifest(ctx, req.Image)
		if err != nil {
			return nil, err
		}

		c.manifestCache.Set(req.Image, raw, ttlcache.DefaultTTL)
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ManifestAndConfig implements KindOciManifestAndConfig.
func (c *OciClient) ManifestAndConfig(ctx context.Context, payload any) ([]byte, error) {
	req, ok := payload.(OciManifestAndConfigPayload)
	if !ok {
		return nil, fmt.Errorf("oci client: unexpected payload type %T", payload)
	}

	if item := c.manifestAndConfigCache.Get(req.Image); item != nil {
		return json.Marshal(item.Value())
	}

	v, err, _ := c.manifestAndConfigGroup.Do(req.Image, func() (any, error) {
		if item := c.manifestAndConfigCache.Get(req.Image); item != nil {
			return item.Value(), nil
		}

		ref, err := name.ParseReference(req.Image)
		if err != nil {
			return manifestAndConfig{}, fmt.Errorf("parsing image reference %q: %w", req.Image, err)
		}
		img, err := remote.Image(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(c.keychain))
		if err != nil {
			return manifestAndConfig{}, fmt.Errorf("fetching image %q: %w", req.Image, err)
		}

		rawManifest, err := img.RawManifest()
		if err != nil {
			return manifestAndConfig{}, fmt.Errorf("reading manifest for %q: %w", req.Image, err)
		}
		digest, err := img.Digest()
		if err != nil {
			return manifestAndConfig{}, fmt.Errorf("computing digest for %q: %w", req.Image, err)
		}
		configFile, err := fetchConfig(img)
		if err != nil {
			return manifestAndConfig{}, fmt.Errorf("reading config for %q: %w", req.Image, err)
		}

		result := manifestAndConfig{Manifest: rawManifest, Digest: digest.String(), Config: configFile}
		c.manifestAndConfigCache.Set(req.Image, result, ttlcache.DefaultTTL)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(v.(manifestAndConfig))
}

func (c *OciClient) fetchRawManifest(ctx context.Context, image string) ([]byte, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, fmt.Errorf("parsing image reference %q: %w", image, err)
	}
	img, err := remote.Image(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(c.keychain))
	if err != nil {
		return nil, fmt.Errorf("fetching image %q: %w", image, err)
	}
	return img.RawManifest()
}

func fetchConfig(img v1.Image) (json.RawMessage, error) {
	raw, err := img.RawConfigFile()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
