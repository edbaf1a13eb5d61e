// Package evalenv implements the Evaluation Environment (spec.md §4.H):
// an immutable-after-construction map from policy id to everything needed
// to evaluate it (digest, settings, ABI, context-aware allow-list, mode,
// mutate-flag, custom message, timeout), deduplicating precompiled modules
// by content digest via internal/sandbox, and exposing
// validate(policy-id, request) -> abi.Response.
package evalenv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kubewarden/policy-server/internal/abi"
	"github.com/kubewarden/policy-server/internal/abi/rego"
	"github.com/kubewarden/policy-server/internal/abi/wapc"
	"github.com/kubewarden/policy-server/internal/abi/wasicli"
	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/sandbox"
)

// State is a policy entry's boot-time lifecycle stage (spec.md §4.H).
type State string

const (
	StateLoaded       State = "loaded"
	StatePrecompiled  State = "precompiled"
	StateSettingsValid State = "settings-valid"
	StateReady        State = "ready"
	// StateAlwaysRejecting marks a policy that failed a boot-time
	// transition but was kept around (continue-on-errors) to always
	// reject with an initialization error rather than abort the process.
	StateAlwaysRejecting State = "always-rejecting"
)

// entry is one policy id's complete, immutable evaluation configuration.
type entry struct {
	descriptor policy.Descriptor
	mode       policy.Mode
	module     *sandbox.Module

	// builtinIDToName is only set for Rego-family policies: the numeric
	// builtin ids this particular compiled module uses, recovered once
	// via rego.RecoverBuiltinIDs right after precompilation (it is a
	// property of the compiled code, not of any one evaluation).
	builtinIDToName map[int32]string

	state     State
	initError string
}

// group is one policy-group id's configuration: its members reference
// plain entries already registered in the same Env.
type group struct {
	descriptor policy.GroupDescriptor
	members    map[string]policy.GroupMember
}

// Env is the Evaluation Environment. Safe for concurrent Validate calls
// once Boot has returned; AddPolicy/AddGroup must complete before Boot.
type Env struct {
	engine  *sandbox.Engine
	sender  chan<- callback.Request
	builtins rego.BuiltinCatalog

	continueOnErrors bool

	mu      sync.RWMutex
	entries map[string]*entry
	groups  map[string]*group
}

// Option configures an Env.
type Option func(*Env)

// WithContinueOnErrors keeps a policy that fails a boot-time transition
// as an always-rejecting entry instead of aborting the whole process.
func WithContinueOnErrors() Option {
	return func(e *Env) { e.continueOnErrors = true }
}

// New builds an Env. sender is the Host Capabilities Callback Bus's
// request channel, wired into every rehydrated instance's host imports.
func New(engine *sandbox.Engine, sender chan<- callback.Request, opts ...Option) *Env {
	e := &Env{
		engine:  engine,
		sender:  sender,
		builtins: rego.DefaultBuiltins(),
		entries: make(map[string]*entry),
		groups:  make(map[string]*group),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddPolicy precompiles wasmBytes (deduplicated by digest across every
// policy id that shares the same module content) and registers id against
// descriptor. The entry is registered in StatePrecompiled; Boot moves it to
// StateReady or StateAlwaysRejecting. StateLoaded is never assigned.
func (e *Env) AddPolicy(ctx context.Context, id string, descriptor policy.Descriptor, wasmBytes []byte) error {
	module, err := e.engine.Precompile(ctx, wasmBytes, ExtractMetadata)
	if err != nil {
		return fmt.Errorf("precompiling policy %q: %w", id, err)
	}
	if err := policy.ValidateRules(module.Metadata.Rules); err != nil {
		return fmt.Errorf("policy %q: %w", id, err)
	}

	mode, err := policy.ResolveExecutionMode(descriptor.PolicyMode, descriptor.AllowedToMutate, module.Metadata)
	if err != nil {
		return fmt.Errorf("policy %q: %w", id, err)
	}

	descriptor.ID = id
	ent := &entry{descriptor: descriptor, mode: mode, module: module, state: StatePrecompiled}

	if module.Metadata.ABI == policy.ABIOpa || module.Metadata.ABI == policy.ABIOpaGatekeeper {
		idToName, err := e.recoverBuiltinIDs(ctx, module)
		if err != nil {
			return fmt.Errorf("policy %q: %w", id, err)
		}
		ent.builtinIDToName = idToName
	}

	e.mu.Lock()
	e.entries[id] = ent
	e.mu.Unlock()
	return nil
}

// recoverBuiltinIDs rehydrates a disposable instance of module purely to
// call its "builtins" export, so the real per-evaluation host module can
// be built with the correct numeric-id -> name mapping from the start.
func (e *Env) recoverBuiltinIDs(ctx context.Context, module *sandbox.Module) (map[int32]string, error) {
	hostModule := rego.NewHostModule(e.builtins, nil)
	instance, err := e.engine.Rehydrate(ctx, module, 0, hostModule)
	if err != nil {
		return nil, fmt.Errorf("rehydrating instance to recover builtin ids: %w", err)
	}
	defer instance.Close(ctx)

	return rego.RecoverBuiltinIDs(ctx, instance)
}

// AddGroup registers a policy group. Every member name must already (or
// eventually, before Boot) resolve to a plain entry added via AddPolicy.
func (e *Env) AddGroup(id string, descriptor policy.GroupDescriptor) {
	descriptor.ID = id
	e.mu.Lock()
	e.groups[id] = &group{descriptor: descriptor, members: descriptor.Members}
	e.mu.Unlock()
}

// Boot runs validate_settings once per policy entry with a short-lived
// instance, moving an accepted entry from StatePrecompiled straight to
// StateReady; StateSettingsValid is never assigned as a separate stage.
// A policy whose settings are rejected either aborts Boot (default) or is
// demoted to StateAlwaysRejecting if WithContinueOnErrors was set.
func (e *Env) Boot(ctx context.Context) error {
	e.mu.RLock()
	ids := make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		if err := e.bootOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Env) bootOne(ctx context.Context, id string) error {
	e.mu.RLock()
	ent := e.entries[id]
	e.mu.RUnlock()

	result, err := runDispatchGeneric(e, ctx, ent, func(d abi.Dispatcher) (abi.SettingsValidation, error) {
		return d.ValidateSettings(ctx, ent.descriptor.Settings)
	})
	if err != nil {
		return e.fail(id, ent, fmt.Errorf("validating settings: %w", err))
	}
	if !result.Valid {
		return e.fail(id, ent, fmt.Errorf("policy rejected its own settings: %s", result.Message))
	}

	e.mu.Lock()
	ent.state = StateReady
	e.mu.Unlock()
	return nil
}

func (e *Env) fail(id string, ent *entry, cause error) error {
	if !e.continueOnErrors {
		return fmt.Errorf("policy %q failed to boot: %w", id, cause)
	}
	e.mu.Lock()
	ent.state = StateAlwaysRejecting
	ent.initError = cause.Error()
	e.mu.Unlock()
	return nil
}

// ErrUnknownPolicy is returned by Validate for an id that was never
// registered via AddPolicy/AddGroup.
var ErrUnknownPolicy = fmt.Errorf("unknown policy id")

// Validate evaluates the named policy (or policy group) against req,
// rehydrating a fresh sandbox instance per spec.md §4.C/§4.H.
func (e *Env) Validate(ctx context.Context, id string, req abi.Request) (abi.Response, error) {
	e.mu.RLock()
	ent, isEntry := e.entries[id]
	grp, isGroup := e.groups[id]
	e.mu.RUnlock()

	switch {
	case isEntry:
		return e.validateEntry(ctx, ent, req)
	case isGroup:
		return e.validateGroup(ctx, grp, req)
	default:
		return abi.Response{}, ErrUnknownPolicy
	}
}

// Mode reports the resolved execution mode for id (protect/monitor),
// needed by internal/admission to decide how to fold the verdict. Groups
// report their own declared mode (defaulting to protect).
func (e *Env) Mode(id string) (policy.Mode, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ent, ok := e.entries[id]; ok {
		return ent.mode, true
	}
	if grp, ok := e.groups[id]; ok {
		mode := grp.descriptor.PolicyMode
		if mode == "" {
			mode = policy.ModeProtect
		}
		return mode, true
	}
	return "", false
}

// Descriptor returns the registered plain descriptor for id, if any —
// used by internal/admission for custom-message substitution and the
// allowed-to-mutate check.
func (e *Env) Descriptor(id string) (policy.Descriptor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[id]
	if !ok {
		return policy.Descriptor{}, false
	}
	return ent.descriptor, true
}

// ABIFamily reports the compiled module's ABI family for a plain policy
// id, needed by internal/worker to decide whether a context-aware
// inventory must be built before dispatching (only the two Rego-family
// ABIs consume one). Groups have no single ABI family of their own.
func (e *Env) ABIFamily(id string) (policy.ABIFamily, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[id]
	if !ok {
		return "", false
	}
	return ent.module.Metadata.ABI, true
}

func (e *Env) validateEntry(ctx context.Context, ent *entry, req abi.Request) (abi.Response, error) {
	e.mu.RLock()
	state := ent.state
	initError := ent.initError
	e.mu.RUnlock()

	if state == StateAlwaysRejecting {
		return abi.Response{Allowed: false, Message: fmt.Sprintf("policy failed to initialize: %s", initError)}, nil
	}

	return e.runDispatch(ctx, ent, func(d abi.Dispatcher) (abi.Response, error) {
		if regoDispatcher, ok := d.(*rego.Dispatcher); ok && req.Inventory != nil {
			return regoDispatcher.ValidateWithInventory(ctx, ent.descriptor.Settings, req.AdmissionRequest, req.Inventory)
		}
		return d.Validate(ctx, ent.descriptor.Settings, req.AdmissionRequest)
	})
}

func (e *Env) validateGroup(ctx context.Context, grp *group, req abi.Request) (abi.Response, error) {
	type memberResult = struct {
		name     string
		response abi.Response
		err      error
	}

	results := make([]memberResult, 0, len(grp.members))
	for name, member := range grp.members {
		e.mu.RLock()
		ent, ok := e.entries[member.Module]
		e.mu.RUnlock()
		if !ok {
			results = append(results, memberResult{name: name, err: fmt.Errorf("group member %q references unknown policy %q", name, member.Module)})
			continue
		}

		memberReq := req
		memberEntry := &entry{descriptor: policy.Descriptor{Settings: member.Settings}, mode: ent.mode, module: ent.module, state: ent.state}
		resp, err := e.validateEntry(ctx, memberEntry, memberReq)
		results = append(results, memberResult{name: name, response: resp, err: err})
	}

	return foldGroupResults(grp.descriptor.Combinator, results)
}

func foldGroupResults(combinator policy.GroupCombinator, results []struct {
	name     string
	response abi.Response
	err      error
}) (abi.Response, error) {
	var messages []string
	allowedCount := 0
	for _, r := range results {
		if r.err != nil {
			messages = append(messages, fmt.Sprintf("%s: %s", r.name, r.err.Error()))
			continue
		}
		if r.response.Allowed {
			allowedCount++
		} else {
			messages = append(messages, fmt.Sprintf("%s: %s", r.name, r.response.Message))
		}
	}

	switch combinator {
	case policy.CombinatorAny:
		if allowedCount > 0 {
			return abi.Response{Allowed: true}, nil
		}
		return abi.Response{Allowed: false, Message: joinMessages(messages)}, nil
	case policy.CombinatorAll, "":
		if allowedCount == len(results) {
			return abi.Response{Allowed: true}, nil
		}
		return abi.Response{Allowed: false, Message: joinMessages(messages)}, nil
	default:
		return abi.Response{}, fmt.Errorf("unknown group combinator %q", combinator)
	}
}

func joinMessages(messages []string) string {
	out, _ := json.Marshal(messages)
	return string(out)
}

// runDispatch rehydrates a fresh instance for ent's module, builds the
// ABI-appropriate Dispatcher, runs fn, and always tears the instance down
// — no state from one evaluation leaks into the next (spec.md §4.C).
func runDispatchGeneric[T any](e *Env, ctx context.Context, ent *entry, fn func(abi.Dispatcher) (T, error)) (T, error) {
	var zero T
	timeout := ent.descriptor.Timeout()

	dispatcher, closeFn, err := e.buildDispatcher(ctx, ent, timeout)
	if err != nil {
		return zero, err
	}
	defer closeFn(ctx)

	result, err := fn(dispatcher)
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (e *Env) runDispatch(ctx context.Context, ent *entry, fn func(abi.Dispatcher) (abi.Response, error)) (abi.Response, error) {
	return runDispatchGeneric(e, ctx, ent, fn)
}

func (e *Env) buildDispatcher(ctx context.Context, ent *entry, timeout time.Duration) (abi.Dispatcher, func(context.Context) error, error) {
	switch ent.module.Metadata.ABI {
	case policy.ABIWapcV1:
		hostModule, state := wapc.NewHostModule(e.hostCallFunc())
		instance, err := e.engine.Rehydrate(ctx, ent.module, timeout, hostModule)
		if err != nil {
			return nil, nil, err
		}
		return wapc.New(instance, state), instance.Close, nil

	case policy.ABIOpa, policy.ABIOpaGatekeeper:
		flavor := rego.FlavorOpa
		if ent.module.Metadata.ABI == policy.ABIOpaGatekeeper {
			flavor = rego.FlavorGatekeeper
		}
		hostModule := rego.NewHostModule(e.builtins, ent.builtinIDToName)
		instance, err := e.engine.Rehydrate(ctx, ent.module, timeout, hostModule)
		if err != nil {
			return nil, nil, err
		}
		return rego.New(instance, flavor), instance.Close, nil

	case policy.ABIWasiCli:
		module, engine, hostCall := ent.module, e.engine, e.hostCallFunc()
		noopClose := func(context.Context) error { return nil }
		rehydrate := func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
			hostModule := wasicli.NewHostModule(hostCall)
			instance, err := engine.RehydrateWithIO(ctx, module, timeout, hostModule, stdin, stdout, stderr)
			if err != nil {
				return err
			}
			return instance.Close(ctx)
		}
		return wasicli.New(rehydrate), noopClose, nil

	default:
		return nil, nil, fmt.Errorf("unsupported ABI family %q", ent.module.Metadata.ABI)
	}
}

// hostCallFunc adapts the Host Capabilities Callback Bus into the
// (binding, namespace, operation, payload) -> []byte contract the WapcV1
// and WasiCli ABI families share.
func (e *Env) hostCallFunc() func(ctx context.Context, binding, namespace, operation string, payload []byte) ([]byte, error) {
	return func(ctx context.Context, binding, namespace, operation string, payload []byte) ([]byte, error) {
		kind, req, err := decodeCapabilityRequest(namespace, operation, payload)
		if err != nil {
			return nil, fmt.Errorf("host call %s/%s/%s: %w", binding, namespace, operation, err)
		}
		return callback.Do(ctx, e.sender, kind, req)
	}
}
