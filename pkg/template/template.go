// Package template implements SandboxTemplate: the immutable, shared,
// compiled artifact a SandboxManager instantiates many sandboxes from.
package template

import (
	"context"
	"fmt"
	"os"

	"github.com/sandboxrt/sandboxrt/internal/compileq"
	"github.com/sandboxrt/sandboxrt/internal/metrics"
	"github.com/sandboxrt/sandboxrt/pkg/cachefile"
	"github.com/sandboxrt/sandboxrt/pkg/epoch"
	"github.com/sandboxrt/sandboxrt/pkg/instance"
	"github.com/sandboxrt/sandboxrt/pkg/memlimit"
	"github.com/sandboxrt/sandboxrt/pkg/sberr"
	"github.com/sandboxrt/sandboxrt/pkg/wasmguest"
)

// BuildOptions are the fixed, per-template construction inputs.
type BuildOptions struct {
	WasmPath          string
	CacheDir          string
	DirectoryMappings map[string]string
	Prelude           string
	MaxMemory         int64
	BaseEnv           []string
}

// Template is a built, shared, immutable SandboxTemplate.
type Template struct {
	engine    *wasmguest.Engine
	component *wasmguest.Component
	epochReg  *epoch.Handle

	baseMounts map[string]string
	baseEnv    []string
	prelude    string
	maxMemory  int64
}

// Build resolves wasmPath, checks the on-disk cache, compiles on a miss via
// the shared compile queue, and registers the resulting engine with the
// epoch ticker.
func Build(ctx context.Context, engine *wasmguest.Engine, ticker *epoch.Ticker, cq *compileq.Queue, m *metrics.Metrics, opts BuildOptions) (*Template, error) {
	wasmBytes, err := os.ReadFile(opts.WasmPath)
	if err != nil {
		return nil, sberr.Wrap(sberr.CodeInvalidArgument, "read wasm file", err)
	}

	params := cachefile.BuildParams{
		EngineFingerprint: wasmguest.EngineFingerprint,
		DirectoryMappings: opts.DirectoryMappings,
		Prelude:           opts.Prelude,
		MaxMemory:         opts.MaxMemory,
	}
	key := cachefile.HashKey(wasmBytes, params)

	var image []byte
	cacheHit := false
	if opts.CacheDir != "" {
		artifactPath := cachefile.PathFor(opts.CacheDir, key)
		cached, ok, mismatches, err := cachefile.ReadIfCompatible(artifactPath, params)
		if err != nil {
			return nil, sberr.Wrap(sberr.CodeHost, "read cache artifact", err)
		}
		if ok {
			image = cached
			cacheHit = true
		} else if len(mismatches) > 0 {
			_ = mismatches // fall through to recompilation; drift is expected after engine upgrades
		}
	}

	var compiled *wasmguest.Component
	if cacheHit {
		compiled, err = wasmguest.Compile(ctx, engine, image)
		if err != nil {
			return nil, err
		}
	} else {
		result, err := cq.Submit(ctx, func() (any, error) {
			return wasmguest.Compile(ctx, engine, wasmBytes)
		})
		if err != nil {
			return nil, err
		}
		compiled = result.(*wasmguest.Component)
		if m != nil {
			m.IncrementCompile()
		}
		if opts.CacheDir != "" {
			artifactPath := cachefile.PathFor(opts.CacheDir, key)
			if err := cachefile.WriteAtomic(artifactPath, wasmBytes, params); err != nil {
				return nil, sberr.Wrap(sberr.CodeHost, "write cache artifact", err)
			}
		}
	}

	reg := ticker.Register(engine)

	baseMounts := make(map[string]string, len(opts.DirectoryMappings))
	for k, v := range opts.DirectoryMappings {
		baseMounts[k] = v
	}

	return &Template{
		engine:     engine,
		component:  compiled,
		epochReg:   reg,
		baseMounts: baseMounts,
		baseEnv:    append([]string(nil), opts.BaseEnv...),
		prelude:    opts.Prelude,
		maxMemory:  opts.MaxMemory,
	}, nil
}

// InstantiateOptions are the per-call overrides merged onto the template's
// base configuration.
type InstantiateOptions struct {
	MaxMemory int64 // 0 means "use template default"
	Mounts    map[string]string
	Env       []string
}

// Instance pairs a freshly instantiated guest module with the InstanceState
// driving it; pkg/sandbox wraps this into a Sandbox.
type Instance struct {
	Module *wasmguest.LimitedInstance
	State  *instance.State
}

// Instantiate merges base configuration with per-call overrides and builds
// a fresh guest instance: max_memory override wins, mounts collide on
// guest path with override replacing, env is last-write-wins.
func (t *Template) Instantiate(ctx context.Context, host instance.Host, policy instance.Policy, opts InstantiateOptions) (*Instance, error) {
	maxMemory := t.maxMemory
	if opts.MaxMemory > 0 {
		maxMemory = opts.MaxMemory
	}

	mounts := make(map[string]string, len(t.baseMounts)+len(opts.Mounts))
	for k, v := range t.baseMounts {
		mounts[k] = v
	}
	for k, v := range opts.Mounts {
		mounts[k] = v
	}

	env := make([]string, 0, len(t.baseEnv)+len(opts.Env))
	env = append(env, t.baseEnv...)
	env = append(env, opts.Env...) // later entries win on lookup in the guest's WASI env table

	// One Limiter is shared between the InstanceState accounting callers
	// read via Sandbox.MemoryUsage and the wazero allocator actually
	// growing the guest's linear memory, so both observe the same cap.
	limiter := memlimit.New(maxMemory)

	state := instance.New(instance.Config{
		Mounts:    mounts,
		Env:       env,
		MaxMemory: maxMemory,
		Host:      host,
		Policy:    policy,
		Limiter:   limiter,
	})

	mod, err := wasmguest.Instantiate(ctx, t.component, wasmguest.InstanceConfig{
		Mounts:    mounts,
		Env:       env,
		MaxMemory: maxMemory,
		Limiter:   limiter,
		Stdout:    stdoutWriter(state),
		Stderr:    stderrWriter(state),
	})
	if err != nil {
		return nil, err
	}

	return &Instance{Module: mod, State: state}, nil
}

func stdoutWriter(state *instance.State) func([]byte) (int, error) {
	return func(p []byte) (int, error) {
		if err := state.Log(instance.LogStdout, "stdout", string(p)); err != nil {
			return 0, err
		}
		return len(p), nil
	}
}

func stderrWriter(state *instance.State) func([]byte) (int, error) {
	return func(p []byte) (int, error) {
		if err := state.Log(instance.LogStderr, "stderr", string(p)); err != nil {
			return 0, err
		}
		return len(p), nil
	}
}

// Close releases the compiled component and the epoch registration. Safe
// to call once the last Sandbox built from this Template has been dropped.
func (t *Template) Close(ctx context.Context) error {
	t.epochReg.Close()
	if err := t.component.Close(ctx); err != nil {
		return fmt.Errorf("template: close component: %w", err)
	}
	return nil
}
