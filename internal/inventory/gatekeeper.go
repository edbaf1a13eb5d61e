package inventory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/policy"
)

// BuildGatekeeper fetches every allowed resource and shapes it the way
// Gatekeeper's own constraint-template `data.inventory` document does:
//
//	cluster.<apiVersion>.<kind>.<name>
//	namespace.<ns>.<apiVersion>.<kind>.<name>
//
// unlike the OPA layout, objects are grouped by apiVersion/kind rather than
// by plural name, so no plural-name resolution call is needed here.
func BuildGatekeeper(ctx context.Context, sender chan<- callback.Request, resources []policy.ContextAwareResource) (json.RawMessage, error) {
	out := gatekeeperInventory{
		Cluster:   make(map[string]map[string]map[string]json.RawMessage),
		Namespace: make(map[string]map[string]map[string]map[string]json.RawMessage),
	}

	for _, resource := range resources {
		listRaw, err := callback.Do(ctx, sender, callback.KindKubernetesListResourceAll, callback.KubernetesListResourceAllPayload{
			APIVersion: resource.APIVersion,
			Kind:       resource.Kind,
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s/%s: %w", resource.APIVersion, resource.Kind, err)
		}
		objects, err := decodeObjectList(listRaw)
		if err != nil {
			return nil, err
		}

		for _, obj := range objects {
			out.add(resource.APIVersion, resource.Kind, obj)
		}
	}

	return json.Marshal(out)
}

// gatekeeperInventory mirrors GatekeeperInventory{cluster_resources,
// namespaced_resources}: cluster-scoped objects nest apiVersion -> kind ->
// name, namespaced ones additionally nest under their namespace.
type gatekeeperInventory struct {
	Cluster   map[string]map[string]map[string]json.RawMessage            `json:"cluster"`
	Namespace map[string]map[string]map[string]map[string]json.RawMessage `json:"namespace"`
}

func (g *gatekeeperInventory) add(apiVersion, kind string, obj kubeObject) {
	if obj.namespace == "" {
		byKind, ok := g.Cluster[apiVersion]
		if !ok {
			byKind = make(map[string]map[string]json.RawMessage)
			g.Cluster[apiVersion] = byKind
		}
		byName, ok := byKind[kind]
		if !ok {
			byName = make(map[string]json.RawMessage)
			byKind[kind] = byName
		}
		byName[obj.name] = obj.raw
		return
	}

	byAPIVersion, ok := g.Namespace[obj.namespace]
	if !ok {
		byAPIVersion = make(map[string]map[string]map[string]json.RawMessage)
		g.Namespace[obj.namespace] = byAPIVersion
	}
	byKind, ok := byAPIVersion[apiVersion]
	if !ok {
		byKind = make(map[string]map[string]json.RawMessage)
		byAPIVersion[apiVersion] = byKind
	}
	byName, ok := byKind[kind]
	if !ok {
		byName = make(map[string]json.RawMessage)
		byKind[kind] = byName
	}
	byName[obj.name] = obj.raw
}
