// Package admission also holds the Admission Response Handler (spec.md
// §4.J): translating a raw ABI verdict into the response shape a cluster's
// API server expects, honoring the policy's resolved execution mode.
package admission

import (
	"encoding/json"
	"fmt"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/kubewarden/policy-server/internal/abi"
	"github.com/kubewarden/policy-server/internal/abi/wapc"
	"github.com/kubewarden/policy-server/internal/policy"
)

// Result is Build's full outcome: the response to send back plus enough
// of the original verdict for /audit and telemetry to record what a
// monitor-mode policy would really have decided.
type Result struct {
	Response           *admissionv1.AdmissionResponse
	OriginalVerdict    bool
	OriginalMessage    string
	RewrittenByMonitor bool
}

// Build transforms verdict into the final AdmissionResponse for uid,
// applying protect/monitor mode semantics, the descriptor's custom
// rejection message, and mutation-patch retention.
//
//   - protect + reject: passed through, with descriptor.Message
//     substituted for the guest's own message when set.
//   - monitor + reject: rewritten to allow; the original verdict is
//     reported back via Result for /audit and metrics to record.
//   - allow: passed through; the mutation patch is attached only when the
//     descriptor allows mutation and the guest actually changed the
//     object.
func Build(uid types.UID, mode policy.Mode, descriptor policy.Descriptor, originalObject json.RawMessage, verdict abi.Response) (Result, error) {
	resp := &admissionv1.AdmissionResponse{
		UID:              uid,
		Allowed:          verdict.Allowed,
		AuditAnnotations: verdict.AuditAnnotations,
	}

	if !verdict.Allowed {
		message := verdict.Message
		if descriptor.Message != "" {
			message = descriptor.Message
		}

		if mode == policy.ModeMonitor {
			resp.Allowed = true
			resp.Result = nil
			return Result{
				Response:           resp,
				OriginalVerdict:    false,
				OriginalMessage:    message,
				RewrittenByMonitor: true,
			}, nil
		}

		resp.Result = &metav1.Status{Message: message, Code: verdict.Code}
		return Result{Response: resp, OriginalVerdict: false, OriginalMessage: message}, nil
	}

	if descriptor.AllowedToMutate && len(verdict.MutatedObject) > 0 {
		patch, err := buildPatch(originalObject, verdict.MutatedObject)
		if err != nil {
			return Result{}, fmt.Errorf("computing mutation patch for %q: %w", descriptor.ID, err)
		}
		if patch != nil {
			resp.Patch = patch
			patchType := admissionv1.PatchTypeJSONPatch
			resp.PatchType = &patchType
		}
	}

	return Result{Response: resp, OriginalVerdict: true}, nil
}

// buildPatch diffs originalObject against mutatedObject, returning nil
// (not an empty-array patch) when the guest's mutated object is actually
// identical to what was sent in.
func buildPatch(originalObject, mutatedObject json.RawMessage) ([]byte, error) {
	patch, err := wapc.Diff(originalObject, mutatedObject)
	if err != nil {
		return nil, err
	}
	if string(patch) == "[]" {
		return nil, nil
	}
	return patch, nil
}

// RawResponse is the /validate_raw wire response: the guest's verdict
// returned verbatim, ignoring the policy's resolved execution mode
// entirely (spec.md §4.J).
type RawResponse struct {
	Accepted         bool              `json:"accepted"`
	Message          string            `json:"message,omitempty"`
	Code             int32             `json:"code,omitempty"`
	MutatedObject    json.RawMessage   `json:"mutated_object,omitempty"`
	AuditAnnotations map[string]string `json:"audit_annotations,omitempty"`
}

// BuildRaw wraps a raw ABI verdict for /validate_raw without any mode
// rewriting or patch-type wrapping — the caller gets exactly what the
// guest decided.
func BuildRaw(verdict abi.Response) RawResponse {
	return RawResponse{
		Accepted:         verdict.Allowed,
		Message:          verdict.Message,
		Code:             verdict.Code,
		MutatedObject:    verdict.MutatedObject,
		AuditAnnotations: verdict.AuditAnnotations,
	}
}
