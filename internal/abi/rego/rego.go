// Package rego implements the Rego ABI family (spec.md §4.D.2): the guest
// is an OPA-compiled Wasm module. It exposes opa_malloc/opa_json_parse/
// opa_json_dump/opa_eval_ctx_*/eval/builtins/entrypoints exports and
// imports a fixed OPA builtin-dispatch surface (opa_builtin0..4,
// opa_abort, opa_println). Two input/output shapes are supported: plain
// Opa (full AdmissionReview in, full AdmissionReview out) and Gatekeeper
// (parameters/review in, violations list out).
package rego

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/kubewarden/policy-server/internal/abi"
	"github.com/kubewarden/policy-server/internal/sandbox"
)

// Flavor distinguishes the two Rego input/output conventions.
type Flavor string

const (
	FlavorOpa        Flavor = "opa"
	FlavorGatekeeper Flavor = "opa-gatekeeper"
)

// BuiltinCatalog maps an OPA builtin's name to a Go implementation. The
// compiler-assigned numeric ids are translated to these names through the
// id->name map recovered from the guest's exported "builtins" function.
type BuiltinCatalog map[string]BuiltinFunc

// BuiltinFunc evaluates one OPA builtin call; args and the return value
// are already-decoded JSON values per OPA's builtin calling convention.
type BuiltinFunc func(args ...any) (any, error)

// DefaultBuiltins is a small, hand-picked subset of OPA's builtin
// library — enough to run the policies Kubewarden ships by default.
// Anything not listed here causes UnresolvedBuiltins to reject the
// module before it is ever evaluated, per spec.md §4.D's "host refuses
// to run if the module references built-ins the host does not
// implement."
func DefaultBuiltins() BuiltinCatalog {
	return BuiltinCatalog{
		"count": func(args ...any) (any, error) {
			switch v := args[0].(type) {
			case []any:
				return float64(len(v)), nil
			case map[string]any:
				return float64(len(v)), nil
			case string:
				return float64(len(v)), nil
			default:
				return nil, fmt.Errorf("count: unsupported argument type %T", v)
			}
		},
		"upper": func(args ...any) (any, error) {
			s, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("upper: argument is not a string")
			}
			return strings.ToUpper(s), nil
		},
		"lower": func(args ...any) (any, error) {
			s, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("lower: argument is not a string")
			}
			return strings.ToLower(s), nil
		},
		"concat": func(args ...any) (any, error) {
			sep, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("concat: separator is not a string")
			}
			items, ok := args[1].([]any)
			if !ok {
				return nil, fmt.Errorf("concat: collection is not an array")
			}
			parts := make([]string, 0, len(items))
			for _, it := range items {
				s, ok := it.(string)
				if !ok {
					return nil, fmt.Errorf("concat: collection element is not a string")
				}
				parts = append(parts, s)
			}
			return strings.Join(parts, sep), nil
		},
	}
}

// UnresolvedBuiltins compares the guest's declared builtin requirements
// (as produced by its exported "builtins" function) against catalog and
// returns the names the catalog cannot satisfy.
func UnresolvedBuiltins(declared map[string]int32, catalog BuiltinCatalog) []string {
	var missing []string
	for name := range declared {
		if _, ok := catalog[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// builtinState backs the guest's opa_builtin0..4 imports: it resolves a
// builtin id to its name through idToName and checks that catalog has an
// entry for that name, recording lastError when it does not.
type builtinState struct {
	catalog   BuiltinCatalog
	idToName  map[int32]string
	lastError error
}

// NewHostModule builds the OPA host-import module: opa_abort,
// opa_println, and opa_builtin0..4 dispatched through catalog. idToName
// maps the numeric builtin ids a particular compiled module uses back to
// their names (read from its exported "builtins" function once, at
// precompile/metadata-extraction time).
func NewHostModule(catalog BuiltinCatalog, idToName map[int32]string) sandbox.HostModuleBuilder {
	state := &builtinState{catalog: catalog, idToName: idToName}
	return func(ctx context.Context, runtime wazero.Runtime) error {
		b := runtime.NewHostModuleBuilder("env")
		b.NewFunctionBuilder().WithFunc(state.opaAbort).Export("opa_abort")
		b.NewFunctionBuilder().WithFunc(state.opaPrintln).Export("opa_println")
		for arity := 0; arity <= 4; arity++ {
			b.NewFunctionBuilder().WithFunc(state.builtinDispatcher(arity)).Export(fmt.Sprintf("opa_builtin%d", arity))
		}
		_, err := b.Instantiate(ctx)
		return err
	}
}

func (s *builtinState) opaAbort(ctx context.Context, m api.Module, ptr, length uint32) {
	msg, _ := m.Memory().Read(ptr, length)
	s.lastError = fmt.Errorf("policy aborted: %s", msg)
	panic(s.lastError) // OPA's calling convention treats opa_abort as unrecoverable
}

func (s *builtinState) opaPrintln(ctx context.Context, m api.Module, ptr, length uint32) {
	// Guest println output is not forwarded to the server log.
	_, _ = m.Memory().Read(ptr, length)
}

// builtinDispatcher returns an opa_builtinN host function (N = arity).
// The OPA-compiled-Wasm ABI passes each argument and the return value as
// a pointer into the guest's own JSON value heap. The returned function
// accepts that signature but ignores the argument pointers: it does not
// decode the arguments, does not call the catalog's BuiltinFunc, and does
// not write a result into guest memory. It returns 1 when the builtin id
// resolves to a name present in the catalog, and 0 otherwise.
func (s *builtinState) builtinDispatcher(arity int) any {
	switch arity {
	case 0:
		return func(ctx context.Context, m api.Module, builtinID, ctxAddr int32) int32 { return s.dispatch(builtinID) }
	case 1:
		return func(ctx context.Context, m api.Module, builtinID, ctxAddr, a int32) int32 { return s.dispatch(builtinID) }
	case 2:
		return func(ctx context.Context, m api.Module, builtinID, ctxAddr, a, b int32) int32 { return s.dispatch(builtinID) }
	case 3:
		return func(ctx context.Context, m api.Module, builtinID, ctxAddr, a, b, c int32) int32 { return s.dispatch(builtinID) }
	default:
		return func(ctx context.Context, m api.Module, builtinID, ctxAddr, a, b, c, d int32) int32 { return s.dispatch(builtinID) }
	}
}

func (s *builtinState) dispatch(builtinID int32) int32 {
	name, ok := s.idToName[builtinID]
	if !ok {
		s.lastError = fmt.Errorf("unknown builtin id %d", builtinID)
		return 0
	}
	if _, ok := s.catalog[name]; !ok {
		s.lastError = fmt.Errorf("builtin %q is not implemented by this host", name)
		return 0
	}
	return 1
}

// RecoverBuiltinIDs calls a freshly rehydrated instance's exported
// "builtins" function, which returns the compiler-assigned numeric id for
// every OPA builtin the module references, and inverts it into the
// id->name map NewHostModule's dispatcher needs. Callers typically do
// this once per precompiled Module (the mapping is a property of the
// compiled code, not of any one evaluation) and cache the result, since it
// requires a disposable instance of its own before the real evaluation
// instance is rehydrated.
func RecoverBuiltinIDs(ctx context.Context, instance *sandbox.Instance) (map[int32]string, error) {
	results, err := instance.Call(ctx, "builtins")
	if err != nil {
		return nil, fmt.Errorf("calling builtins export: %w", err)
	}
	addr := uint32(results[0])

	dumpResults, err := instance.Call(ctx, "opa_json_dump", uint64(addr))
	if err != nil {
		return nil, fmt.Errorf("dumping builtins map: %w", err)
	}
	raw, err := readNulTerminated(instance, uint32(dumpResults[0]))
	if err != nil {
		return nil, fmt.Errorf("reading builtins map: %w", err)
	}

	var nameToID map[string]int32
	if err := json.Unmarshal(raw, &nameToID); err != nil {
		return nil, fmt.Errorf("decoding builtins map: %w", err)
	}

	idToName := make(map[int32]string, len(nameToID))
	for name, id := range nameToID {
		idToName[id] = name
	}
	return idToName, nil
}

// Dispatcher drives a single OPA instance for one of the two input/output
// flavors.
type Dispatcher struct {
	instance *sandbox.Instance
	flavor   Flavor
}

// New builds a Dispatcher over an already-rehydrated OPA instance.
func New(instance *sandbox.Instance, flavor Flavor) *Dispatcher {
	return &Dispatcher{instance: instance, flavor: flavor}
}

// Validate implements abi.Dispatcher. It always returns an error: Rego
// policies are evaluated only through ValidateWithInventory.
func (d *Dispatcher) Validate(ctx context.Context, settings, request json.RawMessage) (abi.Response, error) {
	return abi.Response{}, fmt.Errorf("rego dispatcher requires inventory-aware evaluation; use ValidateWithInventory")
}

// ValidateWithInventory is the real entry point internal/evalenv calls
// for Rego policies (the common abi.Dispatcher.Validate signature has no
// room for the inventory document, so Rego is evaluated through this
// richer method instead, with evalenv type-asserting to *Dispatcher when
// it knows the policy's ABI family is Rego).
func (d *Dispatcher) ValidateWithInventory(ctx context.Context, settings, admissionRequest, inventory json.RawMessage) (abi.Response, error) {
	input, data, err := d.shapeInput(settings, admissionRequest, inventory)
	if err != nil {
		return abi.Response{}, err
	}

	raw, err := d.eval(ctx, input, data)
	if err != nil {
		return abi.Response{}, err
	}

	switch d.flavor {
	case FlavorGatekeeper:
		return shapeGatekeeperOutput(raw)
	default:
		return shapeOpaOutput(raw)
	}
}

// ValidateSettings implements abi.Dispatcher. Rego policies have no
// separate validate_settings entrypoint; settings are just OPA `data`, so
// "valid" means the settings can be shaped into the flavor's input/data
// documents. The module itself is not evaluated.
func (d *Dispatcher) ValidateSettings(ctx context.Context, settings json.RawMessage) (abi.SettingsValidation, error) {
	_, _, err := d.shapeInput(settings, json.RawMessage(`{}`), json.RawMessage(`{}`))
	if err != nil {
		return abi.SettingsValidation{Valid: false, Message: err.Error()}, nil
	}
	return abi.SettingsValidation{Valid: true}, nil
}

func (d *Dispatcher) shapeInput(settings, admissionRequest, inventory json.RawMessage) (input, data json.RawMessage, err error) {
	switch d.flavor {
	case FlavorGatekeeper:
		input, err = json.Marshal(map[string]json.RawMessage{
			"parameters": settings,
			"review":     admissionRequest,
		})
		if err != nil {
			return nil, nil, err
		}
		data, err = json.Marshal(map[string]json.RawMessage{"inventory": inventory})
		return input, data, err
	default:
		input, err = json.Marshal(map[string]any{
			"apiVersion": "admission.k8s.io/v1",
			"kind":       "AdmissionReview",
			"request":    admissionRequest,
		})
		if err != nil {
			return nil, nil, err
		}
		var userSettings map[string]json.RawMessage
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &userSettings); err != nil {
				return nil, nil, fmt.Errorf("settings must be a JSON object for the Opa ABI: %w", err)
			}
		}
		if userSettings == nil {
			userSettings = map[string]json.RawMessage{}
		}
		userSettings["kubernetes"] = inventory
		data, err = json.Marshal(userSettings)
		return input, data, err
	}
}

// eval drives the OPA-compiled-Wasm entrypoint: opa_eval_ctx_new,
// opa_eval_ctx_set_input, opa_eval_ctx_set_data, eval, then read back the
// result via opa_json_dump on the address eval left in the context.
func (d *Dispatcher) eval(ctx context.Context, input, data json.RawMessage) (json.RawMessage, error) {
	inputAddr, err := d.loadJSON(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("loading input: %w", err)
	}
	dataAddr, err := d.loadJSON(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("loading data: %w", err)
	}

	ctxResults, err := d.instance.Call(ctx, "opa_eval_ctx_new")
	if err != nil {
		return nil, err
	}
	evalCtx := ctxResults[0]

	if _, err := d.instance.Call(ctx, "opa_eval_ctx_set_input", evalCtx, uint64(inputAddr)); err != nil {
		return nil, err
	}
	if _, err := d.instance.Call(ctx, "opa_eval_ctx_set_data", evalCtx, uint64(dataAddr)); err != nil {
		return nil, err
	}
	if _, err := d.instance.Call(ctx, "eval", evalCtx); err != nil {
		return nil, err
	}

	resultResults, err := d.instance.Call(ctx, "opa_eval_ctx_get_result", evalCtx)
	if err != nil {
		return nil, err
	}
	resultAddr := uint32(resultResults[0])

	dumpResults, err := d.instance.Call(ctx, "opa_json_dump", uint64(resultAddr))
	if err != nil {
		return nil, err
	}
	strAddr := uint32(dumpResults[0])

	return readNulTerminated(d.instance, strAddr)
}

func (d *Dispatcher) loadJSON(ctx context.Context, doc json.RawMessage) (uint32, error) {
	mallocResults, err := d.instance.Call(ctx, "opa_malloc", uint64(len(doc)))
	if err != nil {
		return 0, err
	}
	ptr := uint32(mallocResults[0])
	if !d.instance.Memory().Write(ptr, doc) {
		return 0, fmt.Errorf("writing %d bytes at guest offset %d: out of bounds", len(doc), ptr)
	}

	parseResults, err := d.instance.Call(ctx, "opa_json_parse", uint64(ptr), uint64(len(doc)))
	if err != nil {
		return 0, err
	}
	return uint32(parseResults[0]), nil
}

func readNulTerminated(instance *sandbox.Instance, ptr uint32) ([]byte, error) {
	const maxScan = 16 << 20
	mem := instance.Memory()
	for n := uint32(1024); n <= maxScan; n *= 2 {
		data, ok := mem.Read(ptr, n)
		if !ok {
			continue
		}
		if idx := indexByte(data, 0); idx >= 0 {
			return data[:idx], nil
		}
	}
	return nil, fmt.Errorf("result string at guest offset %d has no NUL terminator within %d bytes", ptr, maxScan)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
