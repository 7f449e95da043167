// Package config provides production-grade configuration management for the
// sandbox engine. It supports environment-variable overlay on top of safe
// defaults, the way an embedder wires up a SandboxTemplate/SandboxManager
// pair without the engine itself parsing flags or config files (that
// remains the embedder's job).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults holds all tunable parameters for the engine, sourced from the
// SANDBOX_* environment variables documented by the guest ABI. The struct is
// loaded once at startup and then shared across goroutines as a read-only
// value, making it inherently thread-safe after initialization.
type Defaults struct {
	// MaxMemoryBytes caps the linear memory of any single VM instance.
	// SANDBOX_MAX_MEMORY (bytes). Defaults to 256 MiB.
	MaxMemoryBytes int64 `json:"max_memory_bytes"`

	// CacheMaxInstances bounds the total number of warm instances the
	// SandboxManager keeps across all cache keys. SANDBOX_CACHE_MAX_INSTANCES.
	// Defaults to 64.
	CacheMaxInstances int `json:"cache_max_instances"`

	// CacheTTL is how long an idle cached instance survives before
	// eviction. SANDBOX_CACHE_TTL_MS (milliseconds). Defaults to 5 minutes.
	CacheTTL time.Duration `json:"cache_ttl"`

	// TemplatePrelude is a script prepended to every compiled template
	// before the guest's own source, used for embedder-provided shims.
	// SANDBOX_TEMPLATE_PRELUDE. Empty by default.
	TemplatePrelude string `json:"template_prelude"`

	// TemplateCacheDir is where compiled template artifacts are persisted
	// between process restarts. SANDBOX_TEMPLATE_CACHE_DIR. Empty disables
	// on-disk caching (compile-only-in-memory mode).
	TemplateCacheDir string `json:"template_cache_dir"`
}

const (
	envMaxMemory     = "SANDBOX_MAX_MEMORY"
	envCacheMax      = "SANDBOX_CACHE_MAX_INSTANCES"
	envCacheTTLMs    = "SANDBOX_CACHE_TTL_MS"
	envTemplatePre   = "SANDBOX_TEMPLATE_PRELUDE"
	envTemplateCache = "SANDBOX_TEMPLATE_CACHE_DIR"
)

// DefaultDefaults returns a *Defaults pre-filled with production-sensible
// values. Callers are free to mutate the returned struct before passing it
// on; each call returns a fresh independent copy.
func DefaultDefaults() *Defaults {
	return &Defaults{
		MaxMemoryBytes:    256 << 20,
		CacheMaxInstances: 64,
		CacheTTL:          5 * time.Minute,
		TemplatePrelude:   "",
		TemplateCacheDir:  "",
	}
}

// FromEnv overlays SANDBOX_* environment variables on top of DefaultDefaults.
// It returns an error if a numeric variable is present but malformed.
func FromEnv() (*Defaults, error) {
	d := DefaultDefaults()

	if v, ok := os.LookupEnv(envMaxMemory); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envMaxMemory, err)
		}
		d.MaxMemoryBytes = n
	}
	if v, ok := os.LookupEnv(envCacheMax); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envCacheMax, err)
		}
		d.CacheMaxInstances = n
	}
	if v, ok := os.LookupEnv(envCacheTTLMs); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envCacheTTLMs, err)
		}
		d.CacheTTL = time.Duration(n) * time.Millisecond
	}
	if v, ok := os.LookupEnv(envTemplatePre); ok {
		d.TemplatePrelude = v
	}
	if v, ok := os.LookupEnv(envTemplateCache); ok {
		d.TemplateCacheDir = v
	}
	return d, nil
}
