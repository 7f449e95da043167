// Package wasmguest hosts the component-model VM engine: a wazero runtime
// configured for component-model async calls, epoch interruption, and a
// per-instance memory limiter installed directly on wazero's allocator
// hook. The guest's actual WIT-defined exports/imports (eval_script,
// call_func, hostcall, http_request, ...) are generated Go bindings in
// production; this package provides the hand-written glue those generated
// bindings call into wazero through — the part that is genuinely
// project-specific rather than codegen'd.
package wasmguest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/sandboxrt/sandboxrt/pkg/memlimit"
)

// EngineFingerprint identifies the compiled-artifact format this engine
// produces; bumped whenever a wazero/runtime-config change would make an
// old *.cached file unsafe to trust. It is the "engine_fingerprint"
// cachefile.BuildParams carries.
const EngineFingerprint = "wazero-component-v1"

// CompileOptions are the fixed engine options this engine always runs
// with: component-model enabled, async enabled, epoch interruption
// enabled, optimization for speed, backtraces/address-maps disabled.
type CompileOptions struct {
	MaxMemoryBytes int64
}

// Engine owns one wazero.Runtime and a local epoch counter. It holds no
// epoch-ticker registration; each SandboxTemplate built from it registers
// the engine with the ticker itself.
type Engine struct {
	rt  wazero.Runtime
	ctx context.Context

	mu    sync.Mutex
	epoch uint64
}

// NewEngine constructs an Engine with epoch interruption enabled so every
// instantiated module can be configured to yield cooperatively once per
// tick.
func NewEngine(ctx context.Context) *Engine {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithEpochInterruption(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	return &Engine{rt: rt, ctx: ctx}
}

// IncrementEpoch satisfies epoch.Engine: it advances wazero's epoch
// counter by one tick, causing every instance configured with a
// one-tick deadline to yield back to the host.
func (e *Engine) IncrementEpoch() {
	e.mu.Lock()
	e.epoch++
	e.mu.Unlock()
	e.rt.IncrementEpoch()
}

// Runtime exposes the underlying wazero.Runtime for component
// compilation/instantiation callers that need direct access.
func (e *Engine) Runtime() wazero.Runtime { return e.rt }

// Close tears down the runtime and all modules instantiated against it.
func (e *Engine) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}

// Component is a compiled, reusable guest artifact. Real component-model
// decoding (WIT world, canonical ABI) is handled by the generated bindings
// at Instantiate time; Component here just owns the compiled wazero module
// and the raw bytes needed to re-derive the cache key.
type Component struct {
	engine   *Engine
	compiled wazero.CompiledModule
	wasm     []byte
}

// Compile parses and validates wasmBytes against engine, ready to be
// instantiated many times. This is the pre-initialization pass against a
// "compile host" whose capabilities are unsupported is performed by the
// generated bindings layer before Compile is reached, since it operates on
// the already-linked component graph.
func Compile(ctx context.Context, engine *Engine, wasmBytes []byte) (*Component, error) {
	compiled, err := engine.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("wasmguest: compile: %w", err)
	}
	return &Component{engine: engine, compiled: compiled, wasm: wasmBytes}, nil
}

// Close releases the compiled module's resources.
func (c *Component) Close(ctx context.Context) error {
	return c.compiled.Close(ctx)
}

// InstanceConfig carries the per-instantiation overrides SandboxTemplate
// merges with its base configuration before building a new guest instance.
type InstanceConfig struct {
	Mounts    map[string]string
	Env       []string
	MaxMemory int64
	// Limiter, if set, is installed as the instantiation's memory allocator
	// instead of constructing a fresh one from MaxMemory. pkg/template sets
	// this so the same Limiter instance backs both wazero's actual memory
	// growth and the InstanceState the guest call accounts against.
	Limiter *memlimit.Limiter
	Stdout  func([]byte) (int, error)
	Stderr  func([]byte) (int, error)
}

// LimitedInstance pairs an instantiated wazero module with the memory
// limiter enforcing its linear-memory cap, and the one-tick epoch
// deadline configuration applied at instantiation.
type LimitedInstance struct {
	Module  api.Module
	Limiter *memlimit.Limiter
}

// Instantiate builds a new guest instance from c under cfg. The returned
// module has its epoch deadline armed once, for exactly one tick. Nothing
// in this module re-arms the deadline after a yield; pkg/sandbox bounds a
// call with its wall-clock timeout alone.
func Instantiate(ctx context.Context, c *Component, cfg InstanceConfig) (*LimitedInstance, error) {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = memlimit.New(cfg.MaxMemory)
	}
	ctx = experimental.WithMemoryAllocator(ctx, limiter)

	modCfg := wazero.NewModuleConfig().
		WithStartFunctions() // component initialization is driven explicitly via initialize()
	for _, kv := range cfg.Env {
		modCfg = modCfg.WithEnv(splitEnv(kv))
	}
	if cfg.Stdout != nil {
		modCfg = modCfg.WithStdout(writerFunc(cfg.Stdout))
	}
	if cfg.Stderr != nil {
		modCfg = modCfg.WithStderr(writerFunc(cfg.Stderr))
	}
	fsCfg := wazero.NewFSConfig()
	for guestPath, hostPath := range cfg.Mounts {
		fsCfg = fsCfg.WithDirMount(hostPath, guestPath)
	}
	modCfg = modCfg.WithFSConfig(fsCfg)

	mod, err := c.engine.rt.InstantiateModule(ctx, c.compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("wasmguest: instantiate: %w", err)
	}
	mod.SetEpochDeadline(1)

	return &LimitedInstance{Module: mod, Limiter: limiter}, nil
}

func splitEnv(kv string) (string, string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

type writerFunc func([]byte) (int, error)

func (w writerFunc) Write(p []byte) (int, error) { return w(p) }
