package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCountingRegistry wraps an in-memory OCI registry and counts requests
// matching method, so a test can assert how many actually reached the
// registry rather than being served from cache.
func newCountingRegistry(t *testing.T, method string) (*httptest.Server, *int32) {
	t.Helper()
	var count int32
	reg := registry.New()
	counting := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == method {
			atomic.AddInt32(&count, 1)
		}
		reg.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(counting)
	t.Cleanup(srv.Close)
	return srv, &count
}

func pushRandomImage(t *testing.T, registryAddr string) name.Reference {
	t.Helper()
	ref, err := name.ParseReference(registryAddr + "/repo:tag")
	require.NoError(t, err)

	img, err := random.Image(256, 1)
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img))

	return ref
}

func TestOciClientDigestCollapsesConcurrentMisses(t *testing.T) {
	srv, headCount := newCountingRegistry(t, http.MethodHead)
	ref := pushRandomImage(t, srv.Listener.Addr().String())
	// The push above sends its own HEAD requests; count only the client's.
	atomic.StoreInt32(headCount, 0)

	client := NewOciClient(nil)
	defer client.Close()

	const callers = 10
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, err := client.Digest(context.Background(), OciManifestDigestPayload{Image: ref.Name()})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(atomic.LoadInt32(headCount)), 1,
		"concurrent misses for the same image must collapse into a single manifest HEAD request")
}

func TestOciClientDigestCachesAfterFirstFetch(t *testing.T) {
	srv, headCount := newCountingRegistry(t, http.MethodHead)
	ref := pushRandomImage(t, srv.Listener.Addr().String())
	// The push above sends its own HEAD requests; count only the client's.
	atomic.StoreInt32(headCount, 0)

	client := NewOciClient(nil)
	defer client.Close()

	first, err := client.Digest(context.Background(), OciManifestDigestPayload{Image: ref.Name()})
	require.NoError(t, err)

	second, err := client.Digest(context.Background(), OciManifestDigestPayload{Image: ref.Name()})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(headCount), "second call should be served from cache")
}
