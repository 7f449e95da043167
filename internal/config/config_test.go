package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{envMaxMemory, envCacheMax, envCacheTTLMs, envTemplatePre, envTemplateCache} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestFromEnvUsesDefaultsWhenUnset(t *testing.T) {
	clearEnv(t)
	d, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	want := DefaultDefaults()
	if *d != *want {
		t.Fatalf("expected defaults %+v, got %+v", want, d)
	}
}

func TestFromEnvOverlaysValidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv(envMaxMemory, "1048576")
	t.Setenv(envCacheMax, "8")
	t.Setenv(envCacheTTLMs, "2000")
	t.Setenv(envTemplatePre, "import shim")
	t.Setenv(envTemplateCache, "/var/cache/sandboxrt")

	d, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if d.MaxMemoryBytes != 1048576 {
		t.Errorf("MaxMemoryBytes = %d, want 1048576", d.MaxMemoryBytes)
	}
	if d.CacheMaxInstances != 8 {
		t.Errorf("CacheMaxInstances = %d, want 8", d.CacheMaxInstances)
	}
	if d.CacheTTL != 2*time.Second {
		t.Errorf("CacheTTL = %s, want 2s", d.CacheTTL)
	}
	if d.TemplatePrelude != "import shim" {
		t.Errorf("TemplatePrelude = %q", d.TemplatePrelude)
	}
	if d.TemplateCacheDir != "/var/cache/sandboxrt" {
		t.Errorf("TemplateCacheDir = %q", d.TemplateCacheDir)
	}
}

func TestFromEnvRejectsMalformedMaxMemory(t *testing.T) {
	clearEnv(t)
	t.Setenv(envMaxMemory, "not-a-number")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error for malformed SANDBOX_MAX_MEMORY")
	}
}

func TestFromEnvRejectsMalformedCacheMax(t *testing.T) {
	clearEnv(t)
	t.Setenv(envCacheMax, "oops")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error for malformed SANDBOX_CACHE_MAX_INSTANCES")
	}
}
