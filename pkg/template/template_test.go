package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandboxrt/sandboxrt/internal/compileq"
	"github.com/sandboxrt/sandboxrt/internal/metrics"
	"github.com/sandboxrt/sandboxrt/pkg/epoch"
	"github.com/sandboxrt/sandboxrt/pkg/wasmguest"
)

// emptyModule is the minimal valid wasm binary: just the magic number and
// version, with no sections. wazero compiles it successfully as a module
// exporting nothing, which is enough to exercise the cache/compile paths
// without a real guest component.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writeWasmFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "guest.wasm")
	if err := os.WriteFile(path, emptyModule, 0o644); err != nil {
		t.Fatalf("write wasm file: %v", err)
	}
	return path
}

func TestBuildCompilesOnColdCacheThenReusesOnWarm(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	wasmPath := writeWasmFile(t, dir)
	cacheDir := filepath.Join(dir, "cache")

	engine := wasmguest.NewEngine(ctx)
	defer engine.Close(ctx)
	ticker := epoch.New(0)
	defer ticker.Stop()
	cq := compileq.New(1)
	defer cq.Stop()
	m := metrics.NewMetrics()

	opts := BuildOptions{WasmPath: wasmPath, CacheDir: cacheDir, MaxMemory: 1 << 20}

	tpl1, err := Build(ctx, engine, ticker, cq, m, opts)
	if err != nil {
		t.Fatalf("cold build: %v", err)
	}
	defer tpl1.Close(ctx)
	if m.Snapshot().Compiles != 1 {
		t.Fatalf("expected 1 compile on cold build, got %+v", m.Snapshot())
	}

	tpl2, err := Build(ctx, engine, ticker, cq, m, opts)
	if err != nil {
		t.Fatalf("warm build: %v", err)
	}
	defer tpl2.Close(ctx)
	if m.Snapshot().Compiles != 1 {
		t.Fatalf("expected no further compile on warm build, got %+v", m.Snapshot())
	}
}

func TestInstantiateSharesOneLimiterBetweenStateAndModule(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	wasmPath := writeWasmFile(t, dir)

	engine := wasmguest.NewEngine(ctx)
	defer engine.Close(ctx)
	ticker := epoch.New(0)
	defer ticker.Stop()
	cq := compileq.New(1)
	defer cq.Stop()

	tpl, err := Build(ctx, engine, ticker, cq, nil, BuildOptions{WasmPath: wasmPath, MaxMemory: 1 << 20})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer tpl.Close(ctx)

	inst, err := tpl.Instantiate(ctx, nil, nil, InstantiateOptions{})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	defer inst.Module.Module.Close(ctx)

	if inst.State.Limiter() != inst.Module.Limiter {
		t.Fatal("expected InstanceState and the instantiated module to share one Limiter instance")
	}
}

func TestBuildRejectsMissingWasmFile(t *testing.T) {
	ctx := context.Background()
	engine := wasmguest.NewEngine(ctx)
	defer engine.Close(ctx)
	ticker := epoch.New(0)
	defer ticker.Stop()
	cq := compileq.New(1)
	defer cq.Stop()

	_, err := Build(ctx, engine, ticker, cq, nil, BuildOptions{WasmPath: "/nonexistent/guest.wasm"})
	if err == nil {
		t.Fatal("expected error for missing wasm file")
	}
}
