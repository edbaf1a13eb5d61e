package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	admissionv1 "k8s.io/api/admission/v1"

	"github.com/kubewarden/policy-server/internal/abi"
	"github.com/kubewarden/policy-server/internal/admission"
	"github.com/kubewarden/policy-server/internal/evalenv"
	"github.com/kubewarden/policy-server/internal/inventory"
	"github.com/kubewarden/policy-server/internal/policy"
)

// origin labels a request for logging/telemetry only; it never changes
// evaluation semantics (spec.md §4.I only distinguishes /validate_raw,
// which bypasses mode rewriting entirely, handled separately below).
type origin string

const (
	originValidate origin = "validate"
	originAudit    origin = "audit"
)

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	s.serveAdmissionReview(w, r, originValidate)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	s.serveAdmissionReview(w, r, originAudit)
}

func (s *Server) serveAdmissionReview(w http.ResponseWriter, r *http.Request, o origin) {
	id := r.PathValue("id")
	log := s.log.With("policy_id", id, "origin", string(o))

	var review admissionv1.AdmissionReview
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil || review.Request == nil {
		if err == nil {
			err = fmt.Errorf("missing \"request\" field")
		}
		writeError(w, log, &errMalformedBody{cause: err})
		return
	}
	log = log.With("request_uid", string(review.Request.UID))

	resp, err := s.evaluate(r.Context(), id, review.Request)
	if err != nil {
		writeError(w, log, err)
		return
	}

	writeJSON(w, log, admissionv1.AdmissionReview{
		TypeMeta: review.TypeMeta,
		Response: resp,
	})
}

func (s *Server) handleValidateRaw(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := s.log.With("policy_id", id, "origin", "validate_raw")

	var rawReview struct {
		Request json.RawMessage `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&rawReview); err != nil || len(rawReview.Request) == 0 {
		if err == nil {
			err = fmt.Errorf("missing \"request\" field")
		}
		writeError(w, log, &errMalformedBody{cause: err})
		return
	}

	verdict, err := s.dispatch(r.Context(), id, abi.Request{AdmissionRequest: rawReview.Request})
	if err != nil {
		writeError(w, log, err)
		return
	}

	writeJSON(w, log, admission.BuildRaw(verdict))
}

// evaluate runs the always-accept-namespace short-circuit, then a full
// policy dispatch, and builds the final AdmissionResponse via
// internal/admission according to the policy's resolved mode.
func (s *Server) evaluate(ctx context.Context, id string, req *admissionv1.AdmissionRequest) (*admissionv1.AdmissionResponse, error) {
	if s.cfg.AlwaysAcceptNamespace != "" && req.Namespace == s.cfg.AlwaysAcceptNamespace {
		return &admissionv1.AdmissionResponse{UID: req.UID, Allowed: true}, nil
	}

	mode, ok := s.env.Mode(id)
	if !ok {
		return nil, evalenv.ErrUnknownPolicy
	}
	descriptor, _ := s.env.Descriptor(id)

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("re-encoding admission request: %w", err)
	}

	verdict, err := s.dispatch(ctx, id, abi.Request{AdmissionRequest: raw})
	if err != nil {
		return nil, err
	}

	result, err := admission.Build(req.UID, mode, descriptor, req.Object.Raw, verdict)
	if err != nil {
		return nil, fmt.Errorf("building admission response: %w", err)
	}
	return result.Response, nil
}

// dispatch builds the context-aware inventory when the target policy's
// ABI family consumes one, then runs the evaluation proper.
func (s *Server) dispatch(ctx context.Context, id string, req abi.Request) (abi.Response, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return abi.Response{}, fmt.Errorf("acquiring evaluation permit: %w", err)
	}
	defer release()

	if abiFamily, ok := s.env.ABIFamily(id); ok {
		if inv, err := s.buildInventoryIfNeeded(ctx, id, abiFamily); err != nil {
			return abi.Response{}, fmt.Errorf("building context-aware inventory: %w", err)
		} else if inv != nil {
			req.Inventory = inv
		}
	}

	resp, err := s.env.Validate(ctx, id, req)
	s.recorder.RecordEvaluation(ctx, id, resp.Allowed, err)
	return resp, err
}

func (s *Server) buildInventoryIfNeeded(ctx context.Context, id string, abiFamily policy.ABIFamily) (json.RawMessage, error) {
	var flavor inventory.Flavor
	switch abiFamily {
	case policy.ABIOpa:
		flavor = inventory.FlavorOpa
	case policy.ABIOpaGatekeeper:
		flavor = inventory.FlavorGatekeeper
	default:
		return nil, nil
	}

	descriptor, ok := s.env.Descriptor(id)
	if !ok || len(descriptor.ContextAwareResources) == 0 {
		return nil, nil
	}
	return s.inventory.Get(ctx, s.sender, flavor, descriptor.ContextAwareResources)
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("writing response body", "error", err)
	}
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("evaluation failed", "error", err)
	} else {
		log.Debug("request rejected", "error", err, "status", status)
	}
	http.Error(w, publicMessage(status, err), status)
}
