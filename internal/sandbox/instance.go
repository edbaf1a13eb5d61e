package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ErrTrapped wraps any error that escaped a guest call because the
// instance trapped (deadline exceeded, unreachable instruction, OOB
// memory access, and so on). The Instance it came from must not be
// reused; Rehydrate a fresh one.
var ErrTrapped = errors.New("wasm instance trapped")

// Instance is a single, disposable guest module instance built from a
// precompiled Module on the owning Engine's shared runtime. Exactly one
// evaluation should be dispatched through an Instance before it is
// closed — reuse across evaluations is what this package exists to
// prevent. Closing an Instance tears down only its own module instance,
// not the shared runtime or the precompiled code it was instantiated
// from.
type Instance struct {
	module  api.Module
	timeout time.Duration
}

var instanceSeq uint64

func nextInstanceName(digest Digest) string {
	n := atomic.AddUint64(&instanceSeq, 1)
	return fmt.Sprintf("%s-%d", digest, n)
}

// HostModuleBuilder lets ABI dispatch packages (internal/abi) register the
// host-import functions a guest module needs (wapc's host-call, OPA's
// opa_* builtins, WASI's fd_write, and so on) against the Engine's shared
// runtime before instantiation.
type HostModuleBuilder func(ctx context.Context, runtime wazero.Runtime) error

// Rehydrate instantiates m's precompiled code as a brand-new module
// instance: fresh linear memory and globals, with no carryover of state
// from any previous evaluation of the same Module. timeout, if non-zero,
// bounds every subsequent call made through Instance.Call; the Engine was
// built WithCloseOnContextDone, so a call whose deadline elapses mid-flight
// traps instead of hanging forever.
func (e *Engine) Rehydrate(ctx context.Context, m *Module, timeout time.Duration, buildHostModules HostModuleBuilder) (*Instance, error) {
	if buildHostModules != nil {
		if err := buildHostModules(ctx, e.runtime); err != nil {
			return nil, fmt.Errorf("registering host imports: %w", err)
		}
	}

	instCfg := wazero.NewModuleConfig().WithName(nextInstanceName(m.Digest))

	guest, err := e.runtime.InstantiateModule(ctx, m.compiled, instCfg)
	if err != nil {
		return nil, translateInstantiationError(err)
	}

	return &Instance{module: guest, timeout: timeout}, nil
}

// RehydrateWithIO is like Rehydrate but wires stdin/stdout/stderr into the
// instance's module config, for ABI families that communicate over the
// guest's standard streams rather than exported functions (WasiCli,
// spec.md §4.D.3). wazero's default module config runs the WASI command's
// "_start" export as part of instantiation, so by the time this returns
// successfully the guest has already run to completion and written its
// response to stdout.
func (e *Engine) RehydrateWithIO(ctx context.Context, m *Module, timeout time.Duration, buildHostModules HostModuleBuilder, stdin io.Reader, stdout, stderr io.Writer) (*Instance, error) {
	if buildHostModules != nil {
		if err := buildHostModules(ctx, e.runtime); err != nil {
			return nil, fmt.Errorf("registering host imports: %w", err)
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	instCfg := wazero.NewModuleConfig().
		WithName(nextInstanceName(m.Digest)).
		WithStdin(stdin).
		WithStdout(stdout).
		WithStderr(stderr)

	guest, err := e.runtime.InstantiateModule(ctx, m.compiled, instCfg)
	if err != nil {
		return nil, translateInstantiationError(err)
	}

	return &Instance{module: guest, timeout: timeout}, nil
}

// Call invokes exportName on the instance with args, translating any
// wazero trap into ErrTrapped so the caller knows this Instance is no
// longer usable and must be dropped.
func (inst *Instance) Call(ctx context.Context, exportName string, args ...uint64) ([]uint64, error) {
	if inst.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inst.timeout)
		defer cancel()
	}

	fn := inst.module.ExportedFunction(exportName)
	if fn == nil {
		return nil, fmt.Errorf("module does not export %q", exportName)
	}
	results, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: calling %q: %v", ErrTrapped, exportName, err)
	}
	return results, nil
}

// Memory exposes the guest's linear memory for marshaling call arguments
// and reading back results, per the ABI in use.
func (inst *Instance) Memory() api.Memory {
	return inst.module.Memory()
}

// Close tears down this module instance. It must be called exactly once,
// whether or not the instance trapped; a trapped instance must never be
// reused, only discarded and rebuilt from the precompiled Module via
// Engine.Rehydrate.
func (inst *Instance) Close(ctx context.Context) error {
	return inst.module.Close(ctx)
}

func translateInstantiationError(err error) error {
	return fmt.Errorf("%w: instantiation failed: %v", ErrTrapped, err)
}
