package reflector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/cache"

	"github.com/kubewarden/policy-server/internal/fieldmask"
)

// ResourceKey names one distinct reflector a context-aware policy can
// request. Two requests with the same key share a reflector, matching
// Reflector::compute_id's intent of never watching the same resource set
// twice.
type ResourceKey struct {
	APIVersion    string
	Kind          string
	Namespace     string // empty means cluster-wide / all-namespaces
	LabelSelector string
	FieldSelector string
	FieldMask     []string
}

// id is a canonical, order-independent string uniquely identifying the
// key, used as the Manager's map key.
func (k ResourceKey) id() string {
	mask := append([]string(nil), k.FieldMask...)
	sort.Strings(mask)
	return strings.Join([]string{
		k.APIVersion, k.Kind, k.Namespace, k.LabelSelector, k.FieldSelector, strings.Join(mask, ","),
	}, "|")
}

// Reflector keeps one resource set's cache warm. List is safe to call
// before Ready fires; it simply returns whatever the store currently
// holds (possibly empty).
type Reflector struct {
	key   ResourceKey
	gvr   schema.GroupVersionResource
	store *trackingStore

	cancel context.CancelFunc
}

// Ready blocks until the reflector's initial List has completed, or ctx is
// done.
func (r *Reflector) Ready(ctx context.Context) error {
	select {
	case <-r.store.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns every object currently cached, in no particular order.
func (r *Reflector) List() []*unstructured.Unstructured {
	raw := r.store.List()
	out := make([]*unstructured.Unstructured, 0, len(raw))
	for _, obj := range raw {
		if u, ok := obj.(*unstructured.Unstructured); ok {
			out = append(out, u)
		}
	}
	return out
}

// Get returns a single cached object by namespace/name, or nil if absent.
func (r *Reflector) Get(namespace, name string) (*unstructured.Unstructured, bool) {
	key := name
	if namespace != "" {
		key = namespace + "/" + name
	}
	obj, exists, err := r.store.GetByKey(key)
	if err != nil || !exists {
		return nil, false
	}
	u, ok := obj.(*unstructured.Unstructured)
	return u, ok
}

// LastChangedAt reports the wall-clock time of the most recent add/update/
// delete/resync the reflector observed.
func (r *Reflector) LastChangedAt() time.Time {
	return r.store.lastChangedAt()
}

func (r *Reflector) stop() {
	r.cancel()
}

// Manager lazily creates and caches one Reflector per ResourceKey,
// matching the original CallbackHandler's reuse of an existing Reflector
// whenever a new request's compute_id matches one already running.
type Manager struct {
	clients *Clients

	mu         sync.Mutex
	reflectors map[string]*Reflector
}

// NewManager builds a Manager. clients.Mapper is used once per distinct
// (apiVersion, kind) to resolve its GroupVersionResource and namespaced-
// ness; results are cached internally by the mapper's own discovery cache.
func NewManager(clients *Clients) *Manager {
	return &Manager{clients: clients, reflectors: make(map[string]*Reflector)}
}

// GetOrCreate returns the Reflector for key, creating and starting it (in
// a background goroutine) on first use. The returned Reflector may not yet
// be Ready; callers that need a populated cache should call Ready first.
func (m *Manager) GetOrCreate(ctx context.Context, key ResourceKey) (*Reflector, error) {
	id := key.id()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.reflectors[id]; ok {
		return existing, nil
	}

	gvr, namespaced, err := m.resolveGVR(key.APIVersion, key.Kind)
	if err != nil {
		return nil, err
	}
	if key.Namespace != "" && !namespaced {
		return nil, fmt.Errorf("resource %s/%s is cluster-wide, cannot scope it to namespace %q", key.APIVersion, key.Kind, key.Namespace)
	}

	var mask *fieldmask.Node
	if len(key.FieldMask) > 0 {
		mask = fieldmask.New(key.FieldMask)
	}
	store := newTrackingStore(mask)

	listWatch := m.listWatchFor(gvr, key.Namespace, key.LabelSelector, key.FieldSelector)

	runCtx, cancel := context.WithCancel(context.Background())
	rfl := cache.NewReflector(listWatch, &unstructured.Unstructured{}, store, 0)
	go rfl.Run(runCtx.Done())

	r := &Reflector{key: key, gvr: gvr, store: store, cancel: cancel}
	m.reflectors[id] = r
	return r, nil
}

// StopAll cancels every running reflector; used on server shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reflectors {
		r.stop()
	}
}

func (m *Manager) resolveGVR(apiVersion, kind string) (schema.GroupVersionResource, bool, error) {
	return resolveGVR(m.clients, apiVersion, kind)
}

// resolveGVR translates an (apiVersion, kind) pair into its
// GroupVersionResource and whether it is namespace-scoped, via the
// cluster's REST mapper. Shared by Manager (to build reflectors) and
// Store (for the one-shot Get/PluralName/CanI requests that don't
// justify a standing reflector).
func resolveGVR(clients *Clients, apiVersion, kind string) (schema.GroupVersionResource, bool, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionResource{}, false, err
	}
	mapping, err := clients.Mapper.RESTMapping(gv.WithKind(kind).GroupKind(), gv.Version)
	if err != nil {
		return schema.GroupVersionResource{}, false, fmt.Errorf("resolving %s/%s: %w", apiVersion, kind, err)
	}
	namespaced := mapping.Scope.Name() == "namespace"
	return mapping.Resource, namespaced, nil
}

func (m *Manager) listWatchFor(gvr schema.GroupVersionResource, namespace, labelSelector, fieldSelector string) *cache.ListWatch {
	var resourceClient dynamic.ResourceInterface
	if namespace != "" {
		resourceClient = m.clients.Dynamic.Resource(gvr).Namespace(namespace)
	} else {
		resourceClient = m.clients.Dynamic.Resource(gvr)
	}

	return &cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			options.LabelSelector = labelSelector
			options.FieldSelector = fieldSelector
			return resourceClient.List(context.Background(), options)
		},
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			options.LabelSelector = labelSelector
			options.FieldSelector = fieldSelector
			options.Watch = true
			return resourceClient.Watch(context.Background(), options)
		},
	}
}
