// Package wapc implements the WapcV1 ABI family (spec.md §4.D.1): guest
// and host speak the waPC binary call protocol over the guest's linear
// memory. The guest exports a single __guest_call(op_len, req_len) entry
// point and calls back into host-provided __guest_request/__guest_response/
// __guest_error imports to exchange the operation payload and result; the
// host also exposes __host_call and friends so the guest can reach back
// into Kubewarden's capabilities (OCI, Kubernetes reads, ...).
package wapc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "gomodules.xyz/jsonpatch/v2"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/kubewarden/policy-server/internal/abi"
	"github.com/kubewarden/policy-server/internal/sandbox"
)

// HostCallFunc answers a guest's capability request. binding is always
// "kubewarden" for policies built against the Kubewarden SDKs; namespace
// and operation select the capability (e.g. "kubernetes", "get_resource").
type HostCallFunc func(ctx context.Context, binding, namespace, operation string, payload []byte) ([]byte, error)

// policyResponse is the guest's validate() reply, shaped the way every
// Kubewarden SDK serializes it.
type policyResponse struct {
	Accepted         bool              `json:"accepted"`
	Message          string            `json:"message,omitempty"`
	Code             int32             `json:"code,omitempty"`
	MutatedObject    json.RawMessage   `json:"mutated_object,omitempty"`
	AuditAnnotations map[string]string `json:"audit_annotations,omitempty"`
}

type settingsResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// protocolState holds everything that must survive between the Go-side
// guestCall and the guest's reentrant __guest_request/__guest_response/
// __guest_error/__host_call imports during a single evaluation. It is
// scoped to one rehydrated Instance — never reused across evaluations.
type protocolState struct {
	hostCall HostCallFunc

	pendingOp      []byte
	pendingPayload []byte

	response []byte
	guestErr []byte

	hostResponse []byte
	hostErr      []byte
}

// NewHostModule builds the waPC host-import module ("wapc", the
// convention every Kubewarden/waPC SDK links its guest against). It
// returns a sandbox.HostModuleBuilder to pass to Engine.Rehydrate, and the
// protocolState to later hand to New once the instance exists.
func NewHostModule(hostCall HostCallFunc) (sandbox.HostModuleBuilder, *protocolState) {
	state := &protocolState{hostCall: hostCall}
	builder := func(ctx context.Context, runtime wazero.Runtime) error {
		_, err := runtime.NewHostModuleBuilder("wapc").
			NewFunctionBuilder().WithFunc(state.guestRequestFn).Export("__guest_request").
			NewFunctionBuilder().WithFunc(state.guestResponseFn).Export("__guest_response").
			NewFunctionBuilder().WithFunc(state.guestErrorFn).Export("__guest_error").
			NewFunctionBuilder().WithFunc(state.hostCallFn).Export("__host_call").
			NewFunctionBuilder().WithFunc(state.hostResponseFn).Export("__host_response").
			NewFunctionBuilder().WithFunc(state.hostResponseLenFn).Export("__host_response_len").
			NewFunctionBuilder().WithFunc(state.hostErrorFn).Export("__host_error").
			NewFunctionBuilder().WithFunc(state.hostErrorLenFn).Export("__host_error_len").
			NewFunctionBuilder().WithFunc(state.consoleLogFn).Export("__console_log").
			Instantiate(ctx)
		return err
	}
	return builder, state
}

func (s *protocolState) guestRequestFn(ctx context.Context, m api.Module, opPtr, reqPtr uint32) {
	m.Memory().Write(opPtr, s.pendingOp)
	m.Memory().Write(reqPtr, s.pendingPayload)
}

func (s *protocolState) guestResponseFn(ctx context.Context, m api.Module, ptr, length uint32) {
	s.response = readBytes(m, ptr, length)
}

func (s *protocolState) guestErrorFn(ctx context.Context, m api.Module, ptr, length uint32) {
	s.guestErr = readBytes(m, ptr, length)
}

func (s *protocolState) hostCallFn(ctx context.Context, m api.Module, bPtr, bLen, nPtr, nLen, opPtr, opLen, pPtr, pLen uint32) uint32 {
	binding := readString(m, bPtr, bLen)
	namespace := readString(m, nPtr, nLen)
	operation := readString(m, opPtr, opLen)
	payload := readBytes(m, pPtr, pLen)

	if s.hostCall == nil {
		s.hostErr = []byte("this policy has no host capabilities configured")
		s.hostResponse = nil
		return 0
	}

	result, err := s.hostCall(ctx, binding, namespace, operation, payload)
	if err != nil {
		s.hostErr = []byte(err.Error())
		s.hostResponse = nil
		return 0
	}
	s.hostResponse = result
	s.hostErr = nil
	return 1
}

func (s *protocolState) hostResponseFn(ctx context.Context, m api.Module, ptr uint32) {
	m.Memory().Write(ptr, s.hostResponse)
}

func (s *protocolState) hostResponseLenFn(ctx context.Context, m api.Module) uint32 {
	return uint32(len(s.hostResponse))
}

func (s *protocolState) hostErrorFn(ctx context.Context, m api.Module, ptr uint32) {
	m.Memory().Write(ptr, s.hostErr)
}

func (s *protocolState) hostErrorLenFn(ctx context.Context, m api.Module) uint32 {
	return uint32(len(s.hostErr))
}

func (s *protocolState) consoleLogFn(ctx context.Context, m api.Module, ptr, length uint32) {
	_ = readString(m, ptr, length) // guest console logging is not forwarded to the server log
}

// Dispatcher drives a single waPC instance. One Dispatcher is used for
// exactly one sandbox.Instance; the instance must be rehydrated fresh for
// every evaluation, so a new Dispatcher (and protocolState) is built
// alongside it.
type Dispatcher struct {
	instance *sandbox.Instance
	state    *protocolState
}

// New builds a Dispatcher over an already-rehydrated instance whose host
// module was registered via NewHostModule.
func New(instance *sandbox.Instance, state *protocolState) *Dispatcher {
	return &Dispatcher{instance: instance, state: state}
}

// Validate implements abi.Dispatcher.
func (d *Dispatcher) Validate(ctx context.Context, settings, request json.RawMessage) (abi.Response, error) {
	raw, err := d.guestCall(ctx, "validate", settings, request)
	if err != nil {
		return abi.Response{}, err
	}

	var resp policyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return abi.Response{}, fmt.Errorf("decoding policy response: %w", err)
	}

	out := abi.Response{
		Allowed:          resp.Accepted,
		Message:          resp.Message,
		Code:             resp.Code,
		AuditAnnotations: resp.AuditAnnotations,
	}
	out.MutatedObject = mutationIfChanged(request, resp.MutatedObject)

	return out, nil
}

// ValidateSettings implements abi.Dispatcher.
func (d *Dispatcher) ValidateSettings(ctx context.Context, settings json.RawMessage) (abi.SettingsValidation, error) {
	raw, err := d.guestCall(ctx, "validate_settings", settings, nil)
	if err != nil {
		return abi.SettingsValidation{}, err
	}
	var resp settingsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return abi.SettingsValidation{}, fmt.Errorf("decoding settings validation response: %w", err)
	}
	return abi.SettingsValidation{Valid: resp.Valid, Message: resp.Message}, nil
}

// mutationIfChanged returns mutatedObject unless it is empty or
// byte-for-byte equal to the original request once leading and trailing
// whitespace is trimmed (any other difference counts as a change),
// so a policy that merely echoes the object back isn't treated as a
// mutation.
func mutationIfChanged(original, mutatedObject json.RawMessage) json.RawMessage {
	if len(mutatedObject) == 0 {
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(mutatedObject), bytes.TrimSpace(original)) {
		return nil
	}
	return mutatedObject
}

// Diff computes the RFC 6902 JSON Patch document turning original into
// mutated, used by internal/admission when a WapcV1 policy both allows
// and mutates the request — the only patch format a cluster's API server
// accepts back from an admission webhook (admissionv1.PatchTypeJSONPatch).
func Diff(original, mutated json.RawMessage) ([]byte, error) {
	ops, err := jsonpatch.CreatePatch(original, mutated)
	if err != nil {
		return nil, fmt.Errorf("computing json patch: %w", err)
	}
	return json.Marshal(ops)
}

// guestCall drives one full waPC round trip. The operation name and JSON
// payload are stashed in protocolState; __guest_call then reenters the
// host via __guest_request to actually place them in guest memory, does
// its work, and reenters via __guest_response/__guest_error to hand the
// result back before returning its success/failure code.
func (d *Dispatcher) guestCall(ctx context.Context, operation string, settings, request json.RawMessage) ([]byte, error) {
	payload := struct {
		Request  json.RawMessage `json:"request,omitempty"`
		Settings json.RawMessage `json:"settings,omitempty"`
	}{Request: request, Settings: settings}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", operation, err)
	}

	d.state.pendingOp = []byte(operation)
	d.state.pendingPayload = body
	d.state.response = nil
	d.state.guestErr = nil

	results, err := d.instance.Call(ctx, "__guest_call", uint64(len(operation)), uint64(len(body)))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("__guest_call returned no result for operation %q", operation)
	}

	if results[0] == 0 {
		return nil, fmt.Errorf("policy %q rejected the call: %s", operation, d.state.guestErr)
	}
	return d.state.response, nil
}

func readString(m api.Module, ptr, length uint32) string {
	return string(readBytes(m, ptr, length))
}

func readBytes(m api.Module, ptr, length uint32) []byte {
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
