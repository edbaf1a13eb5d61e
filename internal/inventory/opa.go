// Package inventory implements the Context-Aware Inventory Builders
// (spec.md §4.G): given the set of Kubernetes resources a policy declared
// via contextAwareResources, fetch them over the Host Capabilities
// Callback Bus and shape them into the two JSON layouts OPA-style
// policies and Gatekeeper-style constraint templates each expect.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/policy"
)

// kubeObject is the minimal shape needed to place an object in an
// inventory: its raw JSON plus the namespace/name extracted from
// metadata (namespace absent means cluster-scoped).
type kubeObject struct {
	raw       json.RawMessage
	name      string
	namespace string
}

type objectListEnvelope struct {
	Items []json.RawMessage `json:"items"`
}

func decodeObjectList(raw json.RawMessage) ([]kubeObject, error) {
	var envelope objectListEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding resource list: %w", err)
	}

	out := make([]kubeObject, 0, len(envelope.Items))
	for _, item := range envelope.Items {
		var meta struct {
			Metadata struct {
				Name      string `json:"name"`
				Namespace string `json:"namespace"`
			} `json:"metadata"`
		}
		if err := json.Unmarshal(item, &meta); err != nil {
			return nil, fmt.Errorf("decoding resource metadata: %w", err)
		}
		if meta.Metadata.Name == "" {
			return nil, fmt.Errorf("resource is missing metadata.name")
		}
		out = append(out, kubeObject{raw: item, name: meta.Metadata.Name, namespace: meta.Metadata.Namespace})
	}
	return out, nil
}

// fetchAllowedResources pulls every object of every allowed resource type
// over the callback bus, returning them grouped by the
// policy.ContextAwareResource they came from, plus each resource's plural
// name.
func fetchAllowedResources(ctx context.Context, sender chan<- callback.Request, resources []policy.ContextAwareResource) (map[policy.ContextAwareResource][]kubeObject, map[policy.ContextAwareResource]string, error) {
	byResource := make(map[policy.ContextAwareResource][]kubeObject, len(resources))
	pluralNames := make(map[policy.ContextAwareResource]string, len(resources))

	for _, resource := range resources {
		listRaw, err := callback.Do(ctx, sender, callback.KindKubernetesListResourceAll, callback.KubernetesListResourceAllPayload{
			APIVersion: resource.APIVersion,
			Kind:       resource.Kind,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("listing %s/%s: %w", resource.APIVersion, resource.Kind, err)
		}
		objects, err := decodeObjectList(listRaw)
		if err != nil {
			return nil, nil, err
		}
		byResource[resource] = objects

		pluralRaw, err := callback.Do(ctx, sender, callback.KindKubernetesGetResourcePluralName, callback.KubernetesGetResourcePluralNamePayload{
			APIVersion: resource.APIVersion,
			Kind:       resource.Kind,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("resolving plural name for %s/%s: %w", resource.APIVersion, resource.Kind, err)
		}
		var plural string
		if err := json.Unmarshal(pluralRaw, &plural); err != nil {
			return nil, nil, fmt.Errorf("decoding plural name for %s/%s: %w", resource.APIVersion, resource.Kind, err)
		}
		pluralNames[resource] = plural
	}

	return byResource, pluralNames, nil
}

// BuildOpa fetches every allowed resource and shapes it the way kube-mgmt
// (the OPA-flavored Kubernetes sync sidecar) exposes cluster data: plural
// name -> [namespace ->] name -> object. A resource type may appear only
// once per inventory; mixing namespaced and cluster-scoped objects under
// the same plural name is a configuration error the caller should never
// produce, since a given (apiVersion, kind) pair is consistently one or
// the other.
func BuildOpa(ctx context.Context, sender chan<- callback.Request, resources []policy.ContextAwareResource) (json.RawMessage, error) {
	byResource, pluralNames, err := fetchAllowedResources(ctx, sender, resources)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	for resource, objects := range byResource {
		plural := pluralNames[resource]
		for _, obj := range objects {
			if err := registerOpaObject(out, plural, obj); err != nil {
				return nil, err
			}
		}
	}

	return json.Marshal(out)
}

func registerOpaObject(out map[string]any, plural string, obj kubeObject) error {
	existing, ok := out[plural]
	if !ok {
		if obj.namespace == "" {
			out[plural] = map[string]any{obj.name: obj.raw}
		} else {
			out[plural] = map[string]any{obj.namespace: map[string]any{obj.name: obj.raw}}
		}
		return nil
	}

	byKey, ok := existing.(map[string]any)
	if !ok {
		return fmt.Errorf("inventory: %q already registered with an incompatible shape", plural)
	}

	if obj.namespace == "" {
		byKey[obj.name] = obj.raw
		return nil
	}

	nsEntry, ok := byKey[obj.namespace]
	if !ok {
		byKey[obj.namespace] = map[string]any{obj.name: obj.raw}
		return nil
	}
	byName, ok := nsEntry.(map[string]any)
	if !ok {
		return fmt.Errorf("inventory: %q/%q already registered with an incompatible shape", plural, obj.namespace)
	}
	byName[obj.name] = obj.raw
	return nil
}
