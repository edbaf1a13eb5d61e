package reflector

import (
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/tools/cache"

	"github.com/kubewarden/policy-server/internal/fieldmask"
)

const lastAppliedConfigAnnotation = "kubectl.kubernetes.io/last-applied-configuration"

// trackingStore wraps a cache.Store and, for every object the reflector
// hands it, strips managedFields and the last-applied-configuration
// annotation (both pure bookkeeping that bloats memory for no benefit to a
// policy), prunes to the field mask when one is configured, records the
// wall-clock time of the mutation, and closes readyCh the first time a
// full Replace (the reflector's initial List) lands.
//
// Mirrors callback_handler/kubernetes/reflector.rs's modify_object + the
// watch-channel last_change_seen_at tracking, adapted to client-go's
// Store interface instead of a kube-rs Stream::inspect_ok combinator.
type trackingStore struct {
	cache.Store

	mask *fieldmask.Node

	lastChangedAtNanos atomic.Int64

	readyOnce sync.Once
	readyCh   chan struct{}
}

func newTrackingStore(mask *fieldmask.Node) *trackingStore {
	s := &trackingStore{
		Store:   cache.NewStore(cache.DeletionHandlingMetaNamespaceKeyFunc),
		mask:    mask,
		readyCh: make(chan struct{}),
	}
	s.lastChangedAtNanos.Store(time.Now().UnixNano())
	return s
}

func (s *trackingStore) touch() {
	s.lastChangedAtNanos.Store(time.Now().UnixNano())
}

func (s *trackingStore) lastChangedAt() time.Time {
	return time.Unix(0, s.lastChangedAtNanos.Load())
}

func (s *trackingStore) markReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

func (s *trackingStore) transform(obj any) any {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return obj
	}

	u.SetManagedFields(nil)
	annotations := u.GetAnnotations()
	if annotations != nil {
		if _, ok := annotations[lastAppliedConfigAnnotation]; ok {
			delete(annotations, lastAppliedConfigAnnotation)
			u.SetAnnotations(annotations)
		}
	}

	if s.mask != nil {
		fieldmask.Prune(u.Object, s.mask)
	}

	return u
}

func (s *trackingStore) Add(obj any) error {
	s.touch()
	return s.Store.Add(s.transform(obj))
}

func (s *trackingStore) Update(obj any) error {
	s.touch()
	return s.Store.Update(s.transform(obj))
}

func (s *trackingStore) Delete(obj any) error {
	s.touch()
	return s.Store.Delete(obj)
}

func (s *trackingStore) Replace(list []any, resourceVersion string) error {
	s.touch()
	transformed := make([]any, len(list))
	for i, obj := range list {
		transformed[i] = s.transform(obj)
	}
	err := s.Store.Replace(transformed, resourceVersion)
	s.markReady()
	return err
}
