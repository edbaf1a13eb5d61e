package rego

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kubewarden/policy-server/internal/abi"
)

// shapeOpaOutput unwraps the Opa flavor's expected result shape:
// result[0].result.response holds a full AdmissionResponse.
func shapeOpaOutput(raw json.RawMessage) (abi.Response, error) {
	var envelope []struct {
		Result struct {
			Response struct {
				Allowed bool            `json:"allowed"`
				Status  *struct {
					Message string `json:"message"`
					Code    int32  `json:"code"`
				} `json:"status"`
				PatchedObject json.RawMessage `json:"patch,omitempty"`
			} `json:"response"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return abi.Response{}, fmt.Errorf("decoding Opa eval result: %w", err)
	}
	if len(envelope) == 0 {
		return abi.Response{}, fmt.Errorf("Opa eval result is empty: policy produced no result set")
	}

	resp := envelope[0].Result.Response
	out := abi.Response{Allowed: resp.Allowed}
	if resp.Status != nil {
		out.Message = resp.Status.Message
		out.Code = resp.Status.Code
	}
	out.MutatedObject = resp.PatchedObject
	return out, nil
}

// shapeGatekeeperOutput unwraps the Gatekeeper flavor's expected result
// shape: result[0].result.violation is a list of {msg} objects. An empty
// (or absent) list means allow; otherwise the request is rejected with
// every violation's msg joined by "; ".
func shapeGatekeeperOutput(raw json.RawMessage) (abi.Response, error) {
	var envelope []struct {
		Result struct {
			Violation []struct {
				Msg string `json:"msg"`
			} `json:"violation"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return abi.Response{}, fmt.Errorf("decoding Gatekeeper eval result: %w", err)
	}
	if len(envelope) == 0 {
		return abi.Response{Allowed: true}, nil
	}

	violations := envelope[0].Result.Violation
	if len(violations) == 0 {
		return abi.Response{Allowed: true}, nil
	}

	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Msg)
	}
	return abi.Response{Allowed: false, Message: strings.Join(msgs, "; ")}, nil
}
