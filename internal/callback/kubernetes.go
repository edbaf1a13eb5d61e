package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// KubernetesStore is the read surface internal/reflector provides: one
// implementation per running server, backed by its reflector caches and a
// dynamic client fallback for requests no reflector currently covers.
// Kept as an interface here so callback stays decoupled from client-go.
type KubernetesStore interface {
	ListResourceAll(ctx context.Context, apiVersion, kind, labelSelector, fieldSelector string) (json.RawMessage, error)
	ListResourceByNamespace(ctx context.Context, apiVersion, kind, namespace, labelSelector, fieldSelector string) (json.RawMessage, error)
	GetResource(ctx context.Context, apiVersion, kind, namespace, name string) (json.RawMessage, error)
	PluralName(ctx context.Context, apiVersion, kind string) (string, error)
	CanI(ctx context.Context, apiVersion, kind, namespace, verb string) (bool, error)
	ChangedSince(ctx context.Context, apiVersion, kind, labelSelector, fieldSelector string, since time.Time) (bool, error)
}

// RegisterKubernetesHandlers wires every Kubernetes-flavored Kind this bus
// understands to the given store.
func RegisterKubernetesHandlers(bus *Bus, store KubernetesStore) {
	bus.RegisterHandler(KindKubernetesListResourceAll, func(ctx context.Context, payload any) ([]byte, error) {
		req, ok := payload.(KubernetesListResourceAllPayload)
		if !ok {
			return nil, fmt.Errorf("kubernetes store: unexpected payload type %T", payload)
		}
		return store.ListResourceAll(ctx, req.APIVersion, req.Kind, req.LabelSelector, req.FieldSelector)
	})

	bus.RegisterHandler(KindKubernetesListResourceByNamespace, func(ctx context.Context, payload any) ([]byte, error) {
		req, ok := payload.(KubernetesListResourceByNamespacePayload)
		if !ok {
			return nil, fmt.Errorf("kubernetes store: unexpected payload type %T", payload)
		}
		return store.ListResourceByNamespace(ctx, req.APIVersion, req.Kind, req.Namespace, req.LabelSelector, req.FieldSelector)
	})

	bus.RegisterHandler(KindKubernetesGetResource, func(ctx context.Context, payload any) ([]byte, error) {
		req, ok := payload.(KubernetesGetResourcePayload)
		if !ok {
			return nil, fmt.Errorf("kubernetes store: unexpected payload type %T", payload)
		}
		return store.GetResource(ctx, req.APIVersion, req.Kind, req.Namespace, req.Name)
	})

	bus.RegisterHandler(KindKubernetesGetResourcePluralName, func(ctx context.Context, payload any) ([]byte, error) {
		req, ok := payload.(KubernetesGetResourcePluralNamePayload)
		if !ok {
			return nil, fmt.Errorf("kubernetes store: unexpected payload type %T", payload)
		}
		plural, err := store.PluralName(ctx, req.APIVersion, req.Kind)
		if err != nil {
			return nil, err
		}
		return json.Marshal(plural)
	})

	bus.RegisterHandler(KindKubernetesCanI, func(ctx context.Context, payload any) ([]byte, error) {
		req, ok := payload.(KubernetesCanIPayload)
		if !ok {
			return nil, fmt.Errorf("kubernetes store: unexpected payload type %T", payload)
		}
		allowed, err := store.CanI(ctx, req.APIVersion, req.Kind, req.Namespace, req.Verb)
		if err != nil {
			return nil, err
		}
		return json.Marshal(allowed)
	})

	bus.RegisterHandler(KindHasKubernetesListResourceAllResultChangedSince, func(ctx context.Context, payload any) ([]byte, error) {
		req, ok := payload.(HasKubernetesListResourceAllResultChangedSincePayload)
		if !ok {
			return nil, fmt.Errorf("kubernetes store: unexpected payload type %T", payload)
		}
		changed, err := store.ChangedSince(ctx, req.APIVersion, req.Kind, req.LabelSelector, req.FieldSelector, time.Unix(0, req.Since))
		if err != nil {
			return nil, err
		}
		return json.Marshal(changed)
	})
}

// RegisterOciHandlers wires every OCI-flavored Kind to the given client.
func RegisterOciHandlers(bus *Bus, client *OciClient) {
	bus.RegisterHandler(KindOciManifestDigest, client.Digest)
	bus.RegisterHandler(KindOciManifest, client.Manifest)
	bus.RegisterHandler(KindOciManifestAndConfig, client.ManifestAndConfig)
}
