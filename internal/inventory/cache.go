package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/policy"
)

// Flavor selects which inventory layout a cache entry holds.
type Flavor string

const (
	FlavorOpa        Flavor = "opa"
	FlavorGatekeeper Flavor = "gatekeeper"
)

// cachedInventory mirrors CachedInventory{data, cache_time}: the last
// serialized inventory built for a given allowed-resources set, plus the
// instant it was built at.
type cachedInventory struct {
	data      json.RawMessage
	cacheTime time.Time
}

// Cache is the global serialized-inventory cache keyed by the exact set of
// resources a policy declares through contextAwareResources. Gatekeeper
// policies are evaluated far more often than their backing cluster state
// changes, so recomputing the whole inventory on every request would be
// wasteful; instead the cache is only rebuilt once a reflector reports
// that at least one of the allowed resource types has changed since the
// entry was built.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cachedInventory
	group   singleflight.Group
}

// NewCache builds an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cachedInventory)}
}

// resourceSetKey is a canonical, order-independent identifier for a set of
// policy.ContextAwareResource, so two policies declaring the same allowed
// resources in a different order share a cache entry.
func resourceSetKey(resources []policy.ContextAwareResource) string {
	parts := make([]string, len(resources))
	for i, r := range resources {
		parts[i] = r.APIVersion + "/" + r.Kind
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Get returns the serialized inventory for resources in the given flavor,
// rebuilding it only if no entry exists yet or a reflector reports changed
// data since the cached entry was built. Concurrent misses for the same
// key are collapsed into a single rebuild via singleflight, so a burst of
// requests arriving while an entry is stale doesn't dog-pile into
// duplicate concurrent inventory builds (spec.md §5).
func (c *Cache) Get(ctx context.Context, sender chan<- callback.Request, flavor Flavor, resources []policy.ContextAwareResource) (json.RawMessage, error) {
	key := string(flavor) + "|" + resourceSetKey(resources)

	c.mu.Lock()
	existing, ok := c.entries[key]
	c.mu.Unlock()

	if ok {
		changed, err := c.changedSince(ctx, sender, resources, existing.cacheTime)
		if err != nil {
			return nil, err
		}
		if !changed {
			return existing.data, nil
		}
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		existing, ok := c.entries[key]
		c.mu.Unlock()
		if ok {
			changed, err := c.changedSince(ctx, sender, resources, existing.cacheTime)
			if err != nil {
				return nil, err
			}
			if !changed {
				return existing.data, nil
			}
		}

		data, err := c.build(ctx, sender, flavor, resources)
		if err != nil {
			return nil, err
		}

		entry := &cachedInventory{data: data, cacheTime: stableNow()}
		c.mu.Lock()
		c.entries[key] = entry
		c.mu.Unlock()

		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (c *Cache) build(ctx context.Context, sender chan<- callback.Request, flavor Flavor, resources []policy.ContextAwareResource) (json.RawMessage, error) {
	switch flavor {
	case FlavorOpa:
		return BuildOpa(ctx, sender, resources)
	case FlavorGatekeeper:
		return BuildGatekeeper(ctx, sender, resources)
	default:
		return nil, fmt.Errorf("inventory: unknown flavor %q", flavor)
	}
}

// changedSince asks the callback bus, for every allowed resource type,
// whether its reflector has observed a change since `since`. A single
// "yes" from any resource type is enough to invalidate the whole entry.
func (c *Cache) changedSince(ctx context.Context, sender chan<- callback.Request, resources []policy.ContextAwareResource, since time.Time) (bool, error) {
	for _, resource := range resources {
		raw, err := callback.Do(ctx, sender, callback.KindHasKubernetesListResourceAllResultChangedSince, callback.HasKubernetesListResourceAllResultChangedSincePayload{
			APIVersion: resource.APIVersion,
			Kind:       resource.Kind,
			Since:      since.UnixNano(),
		})
		if err != nil {
			return false, fmt.Errorf("checking staleness of %s/%s: %w", resource.APIVersion, resource.Kind, err)
		}
		var changed bool
		if err := json.Unmarshal(raw, &changed); err != nil {
			return false, fmt.Errorf("decoding staleness of %s/%s: %w", resource.APIVersion, resource.Kind, err)
		}
		if changed {
			return true, nil
		}
	}
	return false, nil
}

// stableNow returns the build time recorded on a new cache entry.
func stableNow() time.Time {
	return time.Now()
}
