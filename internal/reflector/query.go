package reflector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Store adapts a Manager into the callback.KubernetesStore interface, so
// the Host Capabilities Callback Bus can answer every Kubernetes-flavored
// request Kind out of the reflector cache (or, for one-shot reads that
// don't justify a standing reflector, a direct dynamic-client call).
type Store struct {
	manager *Manager
	clients *Clients
}

// NewStore builds a Store.
func NewStore(manager *Manager, clients *Clients) *Store {
	return &Store{manager: manager, clients: clients}
}

// ListResourceAll implements callback.KubernetesStore.
func (s *Store) ListResourceAll(ctx context.Context, apiVersion, kind, labelSelector, fieldSelector string) (json.RawMessage, error) {
	r, err := s.manager.GetOrCreate(ctx, ResourceKey{
		APIVersion: apiVersion, Kind: kind, LabelSelector: labelSelector, FieldSelector: fieldSelector,
	})
	if err != nil {
		return nil, err
	}
	if err := r.Ready(ctx); err != nil {
		return nil, fmt.Errorf("waiting for %s/%s reflector: %w", apiVersion, kind, err)
	}
	return json.Marshal(objectList(r.List()))
}

// ListResourceByNamespace implements callback.KubernetesStore.
func (s *Store) ListResourceByNamespace(ctx context.Context, apiVersion, kind, namespace, labelSelector, fieldSelector string) (json.RawMessage, error) {
	r, err := s.manager.GetOrCreate(ctx, ResourceKey{
		APIVersion: apiVersion, Kind: kind, Namespace: namespace, LabelSelector: labelSelector, FieldSelector: fieldSelector,
	})
	if err != nil {
		return nil, err
	}
	if err := r.Ready(ctx); err != nil {
		return nil, fmt.Errorf("waiting for %s/%s reflector: %w", apiVersion, kind, err)
	}
	return json.Marshal(objectList(r.List()))
}

// GetResource implements callback.KubernetesStore. It reaches the dynamic
// client directly rather than spinning up a standing reflector: a lookup
// by name is a one-shot need, and creating a whole watch for it would
// outlive the single evaluation that asked for it.
func (s *Store) GetResource(ctx context.Context, apiVersion, kind, namespace, name string) (json.RawMessage, error) {
	gvr, namespaced, err := resolveGVR(s.clients, apiVersion, kind)
	if err != nil {
		return nil, err
	}

	var obj any
	if namespaced {
		obj, err = s.clients.Dynamic.Resource(gvr).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	} else {
		obj, err = s.clients.Dynamic.Resource(gvr).Get(ctx, name, metav1.GetOptions{})
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s %q: %w", apiVersion, kind, name, err)
	}
	return json.Marshal(obj)
}

// PluralName implements callback.KubernetesStore.
func (s *Store) PluralName(ctx context.Context, apiVersion, kind string) (string, error) {
	gvr, _, err := resolveGVR(s.clients, apiVersion, kind)
	if err != nil {
		return "", err
	}
	return gvr.Resource, nil
}

// CanI implements callback.KubernetesStore by issuing a
// SelfSubjectAccessReview scoped to the policy server's own service
// account identity.
func (s *Store) CanI(ctx context.Context, apiVersion, kind, namespace, verb string) (bool, error) {
	gvr, _, err := resolveGVR(s.clients, apiVersion, kind)
	if err != nil {
		return false, err
	}

	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace: namespace,
				Verb:      verb,
				Group:     gvr.Group,
				Version:   gvr.Version,
				Resource:  gvr.Resource,
			},
		},
	}

	result, err := s.clients.Clientset.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("checking %s permission on %s/%s: %w", verb, apiVersion, kind, err)
	}
	return result.Status.Allowed, nil
}

// ChangedSince implements callback.KubernetesStore.
func (s *Store) ChangedSince(ctx context.Context, apiVersion, kind, labelSelector, fieldSelector string, since time.Time) (bool, error) {
	r, err := s.manager.GetOrCreate(ctx, ResourceKey{
		APIVersion: apiVersion, Kind: kind, LabelSelector: labelSelector, FieldSelector: fieldSelector,
	})
	if err != nil {
		return false, err
	}
	return r.LastChangedAt().After(since), nil
}

func objectList(items []*unstructured.Unstructured) any {
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := item.MarshalJSON()
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return struct {
		Items []json.RawMessage `json:"items"`
	}{Items: out}
}
