// Package callback implements the Host Capabilities Callback Bus
// (spec.md §4.E): an in-process message-passing endpoint through which a
// running Wasm guest (via one of internal/abi's dispatchers) requests
// host-side work — OCI registry lookups and Kubernetes API reads — that
// would otherwise require blocking network I/O the guest itself can never
// perform directly.
//
// The design mirrors the original Rust CallbackHandler (an mpsc::Sender
// cloned into every policy evaluation, paired with a single consumer loop
// and a oneshot reply per request) using Go's native channel-of-channels
// idiom in place of oneshot + polling: each Request carries its own reply
// channel, so the consumer loop never needs to know anything about its
// callers' threading model.
package callback

import (
	"context"
	"fmt"
)

// Kind identifies the operation a Request asks the bus to perform.
type Kind string

const (
	KindOciManifest                                      Kind = "oci-manifest"
	KindOciManifestDigest                                Kind = "oci-manifest-digest"
	KindOciManifestAndConfig                             Kind = "oci-manifest-and-config"
	KindKubernetesListResourceAll                        Kind = "kubernetes-list-resource-all"
	KindKubernetesListResourceByNamespace                Kind = "kubernetes-list-resource-by-namespace"
	KindKubernetesGetResource                            Kind = "kubernetes-get-resource"
	KindKubernetesGetResourcePluralName                  Kind = "kubernetes-get-resource-plural-name"
	KindKubernetesCanI                                   Kind = "kubernetes-can-i"
	KindHasKubernetesListResourceAllResultChangedSince   Kind = "kubernetes-list-resource-all-changed-since"
)

// Request is one unit of work handed to the bus. Reply always receives
// exactly one Response before the bus moves on to the next queued request.
type Request struct {
	Kind    Kind
	Payload any
	Reply   chan Response
}

// Response is what a Handler sends back on a Request's Reply channel.
type Response struct {
	Payload []byte
	Err     error
}

// OciManifestDigestPayload asks for the content digest of an OCI image
// reference.
type OciManifestDigestPayload struct {
	Image string
}

// OciManifestPayload asks for the raw manifest of an OCI image reference.
type OciManifestPayload struct {
	Image string
}

// OciManifestAndConfigPayload asks for the manifest, its digest, and the
// image's config blob in one round trip.
type OciManifestAndConfigPayload struct {
	Image string
}

// KubernetesListResourceAllPayload asks for every cluster-wide (or
// all-namespaces) instance of a resource type, RBAC-permitting.
type KubernetesListResourceAllPayload struct {
	APIVersion    string
	Kind          string
	LabelSelector string
	FieldSelector string
}

// KubernetesListResourceByNamespacePayload is the namespaced variant of
// KubernetesListResourceAllPayload.
type KubernetesListResourceByNamespacePayload struct {
	APIVersion    string
	Kind          string
	Namespace     string
	LabelSelector string
	FieldSelector string
}

// KubernetesGetResourcePayload asks for a single named resource.
type KubernetesGetResourcePayload struct {
	APIVersion string
	Kind       string
	Namespace  string // empty for cluster-scoped resources
	Name       string
}

// KubernetesGetResourcePluralNamePayload resolves the REST plural name for
// an (apiVersion, kind) pair, e.g. ("apps/v1", "Deployment") -> "deployments".
type KubernetesGetResourcePluralNamePayload struct {
	APIVersion string
	Kind       string
}

// KubernetesCanIPayload mirrors a SubjectAccessReview-style permission
// check, scoped to the identity the policy server itself runs as.
type KubernetesCanIPayload struct {
	APIVersion string
	Kind       string
	Namespace  string
	Verb       string
}

// HasKubernetesListResourceAllResultChangedSincePayload lets a caller ask
// whether a previously-fetched KubernetesListResourceAll snapshot is still
// fresh without paying for the full re-fetch, by comparing against the
// reflector's last-changed-at instant.
type HasKubernetesListResourceAllResultChangedSincePayload struct {
	APIVersion    string
	Kind          string
	LabelSelector string
	FieldSelector string
	Since         int64 // unix nanoseconds
}

// Handler answers one Request. Implementations live in internal/reflector
// (Kubernetes payloads) and an OCI client (OCI payloads); Bus just routes.
type Handler func(ctx context.Context, payload any) ([]byte, error)

// Bus is the consumer side of the callback channel: it owns the goroutine
// that drains requests and dispatches them to the registered Handler for
// their Kind.
type Bus struct {
	requests chan Request
	handlers map[Kind]Handler
	shutdown chan struct{}
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithBufferSize overrides the default request channel buffer (100,
// matching the original DEFAULT_CHANNEL_BUFF_SIZE).
func WithBufferSize(size int) Option {
	return func(b *Bus) { b.requests = make(chan Request, size) }
}

const defaultBufferSize = 100

// NewBus builds a Bus with no handlers registered; call RegisterHandler for
// every Kind the running dispatchers may request before calling Run.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		requests: make(chan Request, defaultBufferSize),
		handlers: make(map[Kind]Handler),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterHandler binds a Handler to a Kind. Must be called before Run.
func (b *Bus) RegisterHandler(kind Kind, handler Handler) {
	b.handlers[kind] = handler
}

// Sender returns the channel Wasm-facing dispatchers enqueue Requests on.
// Safe to share across many concurrent evaluations.
func (b *Bus) Sender() chan<- Request {
	return b.requests
}

// Run drains requests until the context is cancelled or Shutdown is
// called, dispatching each to its registered Handler. One request is
// serviced at a time, matching the original single-consumer loop_eval.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case req, ok := <-b.requests:
			if !ok {
				return
			}
			b.dispatch(ctx, req)
		case <-b.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops Run's loop. Safe to call once.
func (b *Bus) Shutdown() {
	close(b.shutdown)
}

func (b *Bus) dispatch(ctx context.Context, req Request) {
	handler, ok := b.handlers[req.Kind]
	if !ok {
		req.Reply <- Response{Err: fmt.Errorf("callback bus: no handler registered for %q", req.Kind)}
		return
	}
	payload, err := handler(ctx, req.Payload)
	req.Reply <- Response{Payload: payload, Err: err}
}

// Do is the synchronous helper dispatchers use: it enqueues a Request and
// blocks (respecting ctx) until a Response arrives.
func Do(ctx context.Context, sender chan<- Request, kind Kind, payload any) ([]byte, error) {
	reply := make(chan Response, 1)
	req := Request{Kind: kind, Payload: payload, Reply: reply}

	select {
	case sender <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-reply:
		return resp.Payload, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
