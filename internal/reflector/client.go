// Package reflector implements the Kubernetes Reflector Cache (spec.md
// §4.F): one cache.Reflector per distinct (apiVersion, kind, namespace?,
// labelSelector?, fieldSelector?, fieldMask?) tuple a loaded policy's
// contextAwareResources declare, lazily created on first request and kept
// warm for the lifetime of the server.
package reflector

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
)

// BuildConfig resolves a *rest.Config the way every Kubewarden component
// does: prefer the in-cluster service account, fall back to a kubeconfig
// file (KUBECONFIG env var, then ~/.kube/config) for local development.
// Mirrors the bootstrap pattern audit-scanner/cmd/root.go gets for free
// from ctrl.GetConfigOrDie, rebuilt on raw client-go since this binary
// does not otherwise depend on controller-runtime.
func BuildConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory for kubeconfig: %w", err)
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}

	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig from %s: %w", kubeconfig, err)
	}
	return cfg, nil
}

// Clients bundles the handles a Manager needs: a dynamic client for
// reflector watches and GVR-agnostic reads, plus a cached REST mapper to
// translate (apiVersion, kind) pairs into GroupVersionResource/plural
// names and namespaced-ness.
type Clients struct {
	Dynamic   dynamic.Interface
	Clientset kubernetes.Interface
	Discovery discovery.DiscoveryInterface
	Mapper    *restmapper.DeferredDiscoveryRESTMapper
}

// NewClients builds Clients from a *rest.Config.
func NewClients(cfg *rest.Config) (*Clients, error) {
	dynamicClient, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building dynamic client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building discovery client: %w", err)
	}
	discoveryClient := clientset.Discovery()
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(
		memory.NewMemCacheClient(discoveryClient),
	)

	return &Clients{Dynamic: dynamicClient, Clientset: clientset, Discovery: discoveryClient, Mapper: mapper}, nil
}
