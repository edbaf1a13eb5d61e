// Package abi defines the common contract every Wasm policy ABI family
// implements (spec.md §4.D): validate(settings, request) -> Response, and
// validate_settings(settings) -> SettingsValidation. The three concrete
// dispatchers (wapc, rego, wasicli) live in their own sub-packages since
// each speaks a completely different wire protocol to the guest.
package abi

import (
	"context"
	"encoding/json"
)

// Response is the ABI-neutral verdict a guest policy returns. Conversion
// to an actual cluster AdmissionResponse (protect/monitor rewriting,
// custom message substitution, patch retention) is internal/admission's
// job; this package only reports what the guest itself decided.
type Response struct {
	Allowed        bool
	Message        string
	Code           int32
	MutatedObject  json.RawMessage // non-nil only if the guest requested a mutation
	AuditAnnotations map[string]string
}

// SettingsValidation is the result of a policy's own settings schema
// check, run once at boot for every descriptor (spec.md §4.H).
type SettingsValidation struct {
	Valid   bool
	Message string
}

// Dispatcher is implemented once per ABI family.
type Dispatcher interface {
	Validate(ctx context.Context, settings, request json.RawMessage) (Response, error)
	ValidateSettings(ctx context.Context, settings json.RawMessage) (SettingsValidation, error)
}

// Request bundles what every dispatcher needs to build the guest-facing
// payload: the raw cluster admission request plus any context-aware
// inventory the policy's rules make available (populated by
// internal/inventory for Rego policies; unused by WapcV1/WasiCli).
type Request struct {
	AdmissionRequest json.RawMessage
	Inventory        json.RawMessage
}
