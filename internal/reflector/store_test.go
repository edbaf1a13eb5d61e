package reflector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubewarden/policy-server/internal/fieldmask"
)

func TestTransformClearsManagedFields(t *testing.T) {
	s := newTrackingStore(nil)
	u := &unstructured.Unstructured{Object: map[string]any{
		"metadata": map[string]any{
			"managedFields": []any{map[string]any{"manager": "kubectl"}},
		},
	}}

	got := s.transform(u).(*unstructured.Unstructured)
	assert.Empty(t, got.GetManagedFields())
}

func TestTransformRemovesLastAppliedConfigAnnotation(t *testing.T) {
	s := newTrackingStore(nil)
	u := &unstructured.Unstructured{}
	u.SetAnnotations(map[string]string{
		lastAppliedConfigAnnotation: "{}",
		"other":                     "value",
	})

	got := s.transform(u).(*unstructured.Unstructured)
	annotations := got.GetAnnotations()
	assert.NotContains(t, annotations, lastAppliedConfigAnnotation)
	assert.Equal(t, "value", annotations["other"])
}

func TestTransformAppliesFieldMask(t *testing.T) {
	s := newTrackingStore(fieldmask.New([]string{"spec.containers.image"}))
	u := &unstructured.Unstructured{Object: map[string]any{
		"spec": map[string]any{
			"containers": []any{
				map[string]any{"name": "nginx", "image": "nginx:latest"},
			},
		},
		"status": map[string]any{"phase": "Running"},
	}}

	got := s.transform(u).(*unstructured.Unstructured)
	spec, ok := got.Object["spec"].(map[string]any)
	require.True(t, ok)
	containers, ok := spec["containers"].([]any)
	require.True(t, ok)
	container, ok := containers[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "nginx:latest", container["image"])
	assert.NotContains(t, container, "name")
	assert.NotContains(t, got.Object, "status")
}

func TestReplaceMarksStoreReady(t *testing.T) {
	s := newTrackingStore(nil)
	select {
	case <-s.readyCh:
		t.Fatal("store should not be ready before the first Replace")
	default:
	}

	require.NoError(t, s.Replace(nil, "1"))

	select {
	case <-s.readyCh:
	default:
		t.Fatal("store should be ready after Replace")
	}
}

func TestResourceKeyIDIsOrderIndependentOnFieldMask(t *testing.T) {
	a := ResourceKey{APIVersion: "v1", Kind: "Pod", FieldMask: []string{"spec", "metadata"}}
	b := ResourceKey{APIVersion: "v1", Kind: "Pod", FieldMask: []string{"metadata", "spec"}}
	assert.Equal(t, a.id(), b.id())
}

func TestResourceKeyIDDistinguishesNamespace(t *testing.T) {
	a := ResourceKey{APIVersion: "v1", Kind: "Pod", Namespace: "default"}
	b := ResourceKey{APIVersion: "v1", Kind: "Pod"}
	assert.NotEqual(t, a.id(), b.id())
}
