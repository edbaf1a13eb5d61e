// Package wasicli implements the WasiCli ABI family (spec.md §4.D.3): the
// guest is a plain WASI command. It reads a JSON payload of {command,
// request, settings} from stdin, writes its JSON response to stdout, and is
// invoked once per evaluation (wazero runs _start exactly once per
// Instance, which matches the sandbox package's one-instance-per-call
// lifecycle already). A custom "host" module import lets the guest reach
// back into Kubewarden capabilities mid-run.
package wasicli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/kubewarden/policy-server/internal/abi"
	"github.com/kubewarden/policy-server/internal/sandbox"
)

// HostCallFunc answers a guest capability request issued through the
// custom host.call import.
type HostCallFunc func(ctx context.Context, binding, namespace, operation string, payload []byte) ([]byte, error)

type policyResponse struct {
	Accepted      bool            `json:"accepted"`
	Message       string          `json:"message,omitempty"`
	Code          int32           `json:"code,omitempty"`
	MutatedObject json.RawMessage `json:"mutated_object,omitempty"`
}

type settingsResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

type callState struct {
	hostCall HostCallFunc
}

func (s *callState) hostCallFn(ctx context.Context, m api.Module, bPtr, bLen, nPtr, nLen, opPtr, opLen, pPtr, pLen, outPtr uint32) uint32 {
	binding := readString(m, bPtr, bLen)
	namespace := readString(m, nPtr, nLen)
	operation := readString(m, opPtr, opLen)
	payload := readBytes(m, pPtr, pLen)

	result, err := s.hostCall(ctx, binding, namespace, operation, payload)
	if err != nil {
		return 0
	}
	if !m.Memory().Write(outPtr, result) {
		return 0
	}
	return uint32(len(result))
}

// buildImports registers the runtime-level import modules a
// WASI command needs before it can be instantiated: the standard
// wasi_snapshot_preview1 surface, plus Kubewarden's custom "host" module
// exposing host.call.
func buildImports(hostCall HostCallFunc) sandbox.HostModuleBuilder {
	return func(ctx context.Context, runtime wazero.Runtime) error {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
			return fmt.Errorf("instantiating WASI preview1: %w", err)
		}
		state := &callState{hostCall: hostCall}
		_, err := runtime.NewHostModuleBuilder("host").
			NewFunctionBuilder().WithFunc(state.hostCallFn).Export("call").
			Instantiate(ctx)
		return err
	}
}

// NewHostModule is the package-public entry point the boot sequence uses
// as the sandbox.HostModuleBuilder passed to Engine.Rehydrate.
func NewHostModule(hostCall HostCallFunc) sandbox.HostModuleBuilder {
	return buildImports(hostCall)
}

// Dispatcher drives one WASI command instance by feeding it stdin and
// capturing stdout. Because the command's guest program runs to
// completion inside _start, each Dispatcher call rehydrates and runs a
// brand-new Instance under the hood rather than reusing one across
// validate/validate_settings.
type Dispatcher struct {
	rehydrate func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error
}

// New builds a Dispatcher. rehydrate should call the owning
// sandbox.Engine.RehydrateWithIO with the given stdin/stdout/stderr, which
// runs the instance to completion, since WASI commands execute their whole program inside
// _start rather than exposing separate validate/validate_settings
// exports.
func New(rehydrate func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error) *Dispatcher {
	return &Dispatcher{rehydrate: rehydrate}
}

// Validate implements abi.Dispatcher.
func (d *Dispatcher) Validate(ctx context.Context, settings, request json.RawMessage) (abi.Response, error) {
	raw, err := d.run(ctx, "validate", settings, request)
	if err != nil {
		return abi.Response{}, err
	}
	var resp policyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return abi.Response{}, fmt.Errorf("decoding WASI command response: %w", err)
	}
	return abi.Response{
		Allowed:       resp.Accepted,
		Message:       resp.Message,
		Code:          resp.Code,
		MutatedObject: resp.MutatedObject,
	}, nil
}

// ValidateSettings implements abi.Dispatcher.
func (d *Dispatcher) ValidateSettings(ctx context.Context, settings json.RawMessage) (abi.SettingsValidation, error) {
	raw, err := d.run(ctx, "validate_settings", settings, nil)
	if err != nil {
		return abi.SettingsValidation{}, err
	}
	var resp settingsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return abi.SettingsValidation{}, fmt.Errorf("decoding WASI command settings response: %w", err)
	}
	return abi.SettingsValidation{Valid: resp.Valid, Message: resp.Message}, nil
}

func (d *Dispatcher) run(ctx context.Context, command string, settings, request json.RawMessage) (json.RawMessage, error) {
	stdinPayload, err := json.Marshal(map[string]json.RawMessage{
		"command":  json.RawMessage(`"` + command + `"`),
		"settings": settings,
		"request":  request,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling stdin payload: %w", err)
	}

	var stdout, stderr bytes.Buffer
	if err := d.rehydrate(ctx, bytes.NewReader(stdinPayload), &stdout, &stderr); err != nil {
		return nil, fmt.Errorf("running WASI command (stderr: %s): %w", stderr.String(), err)
	}

	return bytes.TrimSpace(stdout.Bytes()), nil
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
