package evalenv

import (
	"encoding/json"
	"fmt"

	"github.com/kubewarden/policy-server/internal/callback"
)

// Wire shape every Kubewarden SDK serializes a capability request as on
// the guest side before handing it to __host_call/host.call: namespace
// selects the capability family ("kubernetes", "oci"), operation selects
// the specific request within it. These names are the stable contract
// between a compiled guest policy and this host; changing them would
// break every policy built against the Kubewarden SDKs.
const (
	namespaceKubernetes = "kubernetes"
	namespaceOci        = "oci"
)

type kubernetesListAllPayload struct {
	APIVersion    string   `json:"api_version"`
	Kind          string   `json:"kind"`
	LabelSelector string   `json:"label_selector,omitempty"`
	FieldSelector string   `json:"field_selector,omitempty"`
	FieldMasks    []string `json:"field_masks,omitempty"`
}

type kubernetesListByNamespacePayload struct {
	kubernetesListAllPayload
	Namespace string `json:"namespace"`
}

type kubernetesGetPayload struct {
	APIVersion string `json:"api_version"`
	Kind       string `json:"kind"`
	Namespace  string `json:"namespace,omitempty"`
	Name       string `json:"name"`
}

type kubernetesPluralPayload struct {
	APIVersion string `json:"api_version"`
	Kind       string `json:"kind"`
}

type kubernetesCanIPayload struct {
	APIVersion string `json:"api_version"`
	Kind       string `json:"kind"`
	Namespace  string `json:"namespace,omitempty"`
	Verb       string `json:"verb"`
}

type ociImagePayload struct {
	Image string `json:"image"`
}

// decodeCapabilityRequest translates a guest's raw host-call payload into
// the Host Capabilities Callback Bus's typed request, the glue between
// the ABI-neutral HostCallFunc contract (internal/abi/wapc,
// internal/abi/wasicli) and internal/callback's Kind/payload types.
func decodeCapabilityRequest(namespace, operation string, payload []byte) (callback.Kind, any, error) {
	switch namespace {
	case namespaceKubernetes:
		return decodeKubernetesRequest(operation, payload)
	case namespaceOci:
		return decodeOciRequest(operation, payload)
	default:
		return "", nil, fmt.Errorf("unknown capability namespace %q", namespace)
	}
}

func decodeKubernetesRequest(operation string, payload []byte) (callback.Kind, any, error) {
	switch operation {
	case "list_resources_all":
		var p kubernetesListAllPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", nil, err
		}
		return callback.KindKubernetesListResourceAll, callback.KubernetesListResourceAllPayload{
			APIVersion: p.APIVersion, Kind: p.Kind, LabelSelector: p.LabelSelector, FieldSelector: p.FieldSelector,
		}, nil

	case "list_resources_by_namespace":
		var p kubernetesListByNamespacePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", nil, err
		}
		return callback.KindKubernetesListResourceByNamespace, callback.KubernetesListResourceByNamespacePayload{
			APIVersion: p.APIVersion, Kind: p.Kind, Namespace: p.Namespace, LabelSelector: p.LabelSelector, FieldSelector: p.FieldSelector,
		}, nil

	case "get_resource":
		var p kubernetesGetPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", nil, err
		}
		return callback.KindKubernetesGetResource, callback.KubernetesGetResourcePayload{
			APIVersion: p.APIVersion, Kind: p.Kind, Namespace: p.Namespace, Name: p.Name,
		}, nil

	case "get_resource_plural_name":
		var p kubernetesPluralPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", nil, err
		}
		return callback.KindKubernetesGetResourcePluralName, callback.KubernetesGetResourcePluralNamePayload{
			APIVersion: p.APIVersion, Kind: p.Kind,
		}, nil

	case "can_i":
		var p kubernetesCanIPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", nil, err
		}
		return callback.KindKubernetesCanI, callback.KubernetesCanIPayload{
			APIVersion: p.APIVersion, Kind: p.Kind, Namespace: p.Namespace, Verb: p.Verb,
		}, nil

	default:
		return "", nil, fmt.Errorf("unknown kubernetes capability operation %q", operation)
	}
}

func decodeOciRequest(operation string, payload []byte) (callback.Kind, any, error) {
	var p ociImagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", nil, err
	}

	switch operation {
	case "oci_manifest_digest", "v1/manifest_digest":
		return callback.KindOciManifestDigest, callback.OciManifestDigestPayload{Image: p.Image}, nil
	case "oci_manifest", "v1/manifest":
		return callback.KindOciManifest, callback.OciManifestPayload{Image: p.Image}, nil
	case "oci_manifest_and_config", "v1/manifest_and_config":
		return callback.KindOciManifestAndConfig, callback.OciManifestAndConfigPayload{Image: p.Image}, nil
	default:
		return "", nil, fmt.Errorf("unknown oci capability operation %q", operation)
	}
}
