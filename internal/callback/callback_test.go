package callback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRoundTripsThroughRegisteredHandler(t *testing.T) {
	bus := NewBus()
	bus.RegisterHandler(KindKubernetesGetResourcePluralName, func(ctx context.Context, payload any) ([]byte, error) {
		req, ok := payload.(KubernetesGetResourcePluralNamePayload)
		require.True(t, ok)
		assert.Equal(t, "apps/v1", req.APIVersion)
		return []byte(`"deployments"`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	payload, err := Do(ctx, bus.Sender(), KindKubernetesGetResourcePluralName, KubernetesGetResourcePluralNamePayload{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
	})
	require.NoError(t, err)
	assert.Equal(t, `"deployments"`, string(payload))

	bus.Shutdown()
}

func TestDoReturnsErrorForUnregisteredKind(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	_, err := Do(ctx, bus.Sender(), KindOciManifest, OciManifestPayload{Image: "busybox"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestDoPropagatesHandlerError(t *testing.T) {
	bus := NewBus()
	bus.RegisterHandler(KindOciManifestDigest, func(ctx context.Context, payload any) ([]byte, error) {
		return nil, errors.New("registry unreachable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	_, err := Do(ctx, bus.Sender(), KindOciManifestDigest, OciManifestDigestPayload{Image: "busybox"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry unreachable")
}

func TestDoTimesOutWhenBusNeverStarts(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Do(ctx, bus.Sender(), KindOciManifest, OciManifestPayload{Image: "busybox"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunStopsOnShutdown(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		bus.Run(context.Background())
		close(done)
	}()

	bus.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after Shutdown")
	}
}
