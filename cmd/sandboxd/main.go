// Command sandboxd wires a SandboxTemplate, SandboxManager, and the admin
// introspection server together for local smoke-testing. It is not a
// transport adapter: it does not speak any embedder protocol, it only
// proves the pieces link up and shut down cleanly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandboxrt/sandboxrt/internal/adminserver"
	"github.com/sandboxrt/sandboxrt/internal/compileq"
	"github.com/sandboxrt/sandboxrt/internal/config"
	"github.com/sandboxrt/sandboxrt/internal/metrics"
	"github.com/sandboxrt/sandboxrt/internal/sblog"
	"github.com/sandboxrt/sandboxrt/pkg/epoch"
	"github.com/sandboxrt/sandboxrt/pkg/manager"
	"github.com/sandboxrt/sandboxrt/pkg/sandbox"
	"github.com/sandboxrt/sandboxrt/pkg/template"
	"github.com/sandboxrt/sandboxrt/pkg/wasmguest"
)

func main() {
	wasmPath := flag.String("wasm", "", "Path to the compiled guest component")
	adminAddr := flag.String("admin", ":8080", "Address for the admin introspection HTTP server")
	flag.Parse()

	log := sblog.New(sblog.LevelInfo)
	log.Info("sandboxrt starting up")

	if *wasmPath == "" {
		log.Error("missing required -wasm flag")
		os.Exit(1)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}
	log.Infof("configuration loaded: max_memory=%d cache_max_instances=%d cache_ttl=%s",
		cfg.MaxMemoryBytes, cfg.CacheMaxInstances, cfg.CacheTTL)

	ctx := context.Background()
	engine := wasmguest.NewEngine(ctx)
	defer engine.Close(ctx)

	ticker := epoch.New(epoch.DefaultTick)
	defer ticker.Stop()

	cq := compileq.New(0)
	defer cq.Stop()

	m := metrics.NewMetrics()

	tpl, err := template.Build(ctx, engine, ticker, cq, m, template.BuildOptions{
		WasmPath:  *wasmPath,
		CacheDir:  cfg.TemplateCacheDir,
		Prelude:   cfg.TemplatePrelude,
		MaxMemory: cfg.MaxMemoryBytes,
	})
	if err != nil {
		log.Errorf("failed to build sandbox template: %v", err)
		os.Exit(1)
	}
	defer tpl.Close(ctx)
	log.Info("sandbox template built")

	newGuest := func(inst *template.Instance) sandbox.GuestBinding {
		// Production wiring replaces this with the generated component
		// bindings' constructor over inst.Module. The smoke-test build has
		// no real guest component wired in yet.
		return noopGuestBinding{}
	}
	mgr := manager.New(tpl, newGuest, m, manager.CacheConfig{
		MaxInstances: cfg.CacheMaxInstances,
		TTL:          cfg.CacheTTL,
	})

	admin := adminserver.New(m, mgr)

	runCtx, stopLogger := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.Infof("admin server listening on %s", *adminAddr)
		if err := admin.ListenAndServe(*adminAddr); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				snap := m.Snapshot()
				log.Infof("metrics — hits: %d misses: %d compiles: %d calls_ok: %d calls_failed: %d active: %d",
					snap.CacheHits, snap.CacheMisses, snap.Compiles, snap.CallsOK, snap.CallsFailed, snap.ActiveInstances)
			}
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println()
	log.Infof("received signal %s; shutting down", sig)

	stopLogger()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Errorf("admin server shutdown: %v", err)
	}
	cancelShutdown()
	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("background goroutine exited with error: %v", err)
	}

	snap := m.Snapshot()
	log.Infof("final metrics — hits: %d misses: %d compiles: %d calls_ok: %d calls_failed: %d",
		snap.CacheHits, snap.CacheMisses, snap.Compiles, snap.CallsOK, snap.CallsFailed)
	log.Info("sandboxrt shut down cleanly")
}

// noopGuestBinding is a placeholder GuestBinding used only so the smoke
// test binary links without the generated component-model bindings.
type noopGuestBinding struct{}

func (noopGuestBinding) EvalScript(ctx context.Context, code string) error    { return nil }
func (noopGuestBinding) EvalFile(ctx context.Context, guestPath string) error { return nil }
func (noopGuestBinding) CallFunc(ctx context.Context, name string, args []sandbox.GuestArgument) error {
	return nil
}
