// Package sandbox implements the Wasm Sandbox Lifecycle (spec.md §4.C):
// precompile a Wasm module once per content digest, then rehydrate a fresh
// instance from that precompiled artifact for every evaluation, with an
// optional context-deadline-based timeout. No state from one evaluation may leak
// into the next, and a trapped instance is never reused.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/kubewarden/policy-server/internal/policy"
)

// Digest is the content-addressed identity of a precompiled module
// (sha256 of its raw Wasm bytes).
type Digest string

// Module is a precompiled, immutable Wasm artifact. Multiple policy
// descriptors that reference the same content digest share one Module.
type Module struct {
	Digest   Digest
	Metadata policy.Metadata
	compiled wazero.CompiledModule
}

// Engine owns the wazero runtime and the set of precompiled modules,
// keyed by content digest so identical artifacts are compiled exactly
// once regardless of how many policies reference them.
//
// Deadlines are enforced via wazero's WithCloseOnContextDone: every
// guest call is dispatched with a context carrying a deadline, and
// wazero polls it between instructions, trapping the call the instant it
// elapses — functionally the same guarantee as the original's
// once-per-second epoch tick, without this package needing to drive a
// separate ticker goroutine to get there.
type Engine struct {
	runtime       wazero.Runtime
	engineVersion policy.EngineVersion

	mu      sync.RWMutex
	modules map[Digest]*Module
}

// NewEngine creates an Engine backed by a single wazero runtime shared by
// every precompiled module. engineVersion is compared against each
// module's declared minimum engine version at precompile time.
func NewEngine(ctx context.Context, engineVersion policy.EngineVersion) *Engine {
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(wazero.NewCompilationCache()).
		WithCloseOnContextDone(true)
	return &Engine{
		runtime:       wazero.NewRuntimeWithConfig(ctx, cfg),
		engineVersion: engineVersion,
		modules:       make(map[Digest]*Module),
	}
}

// Close releases the wazero runtime and every module compiled against it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Precompile compiles raw Wasm bytes exactly once per content digest,
// extracts policy metadata, and rejects modules whose declared minimum
// engine version exceeds the one this Engine was built with (comparing
// only major.minor, per spec.md §4.H). Repeat calls with bytes that hash
// to an already-known digest return the cached Module.
func (e *Engine) Precompile(ctx context.Context, wasmBytes []byte, extractMetadata func([]byte) (policy.Metadata, error)) (*Module, error) {
	digest := digestOf(wasmBytes)

	e.mu.RLock()
	if m, ok := e.modules[digest]; ok {
		e.mu.RUnlock()
		return m, nil
	}
	e.mu.RUnlock()

	meta, err := extractMetadata(wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("extracting metadata from module %s: %w", digest, err)
	}
	if meta.MinimumEngineVersion.ExceedsRunning(e.engineVersion) {
		return nil, fmt.Errorf("module %s requires engine version %d.%d, running %d.%d",
			digest, meta.MinimumEngineVersion.Major, meta.MinimumEngineVersion.Minor,
			e.engineVersion.Major, e.engineVersion.Minor)
	}

	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compiling module %s: %w", digest, err)
	}

	m := &Module{Digest: digest, Metadata: meta, compiled: compiled}

	e.mu.Lock()
	if existing, ok := e.modules[digest]; ok {
		e.mu.Unlock()
		compiled.Close(ctx)
		return existing, nil
	}
	e.modules[digest] = m
	e.mu.Unlock()

	return m, nil
}

func digestOf(wasmBytes []byte) Digest {
	sum := sha256.Sum256(wasmBytes)
	return Digest(hex.EncodeToString(sum[:]))
}
