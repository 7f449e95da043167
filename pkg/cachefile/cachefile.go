// Package cachefile implements the on-disk cache-artifact format for a
// compiled SandboxTemplate: content-addressed naming, atomic
// write-then-rename, and a schema-diff compatibility check that decides
// whether a cached artifact may be trusted or must be rebuilt.
//
// The compatibility check reuses the same MISSING_FIELD / ADDED_FIELD /
// TYPE_CHANGE classification an adaptive API-response validator would use
// to detect structural drift, applied here to a cache manifest's recorded
// build parameters instead of an HTTP response body.
package cachefile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// BuildParams are the inputs that determine a SandboxTemplate's compiled
// artifact and cache key.
type BuildParams struct {
	EngineFingerprint string            `json:"engine_fingerprint"`
	DirectoryMappings map[string]string `json:"directory_mappings"`
	Prelude           string            `json:"prelude"`
	MaxMemory         int64             `json:"max_memory"`
}

// HashKey computes the 32-byte cache key over (wasmBytes, engine
// fingerprint, directory mappings, prelude, max_memory). SHA-256 is
// used for the digest, following the original
// implementation's use of sha2::Sha256 for the identical purpose.
func HashKey(wasmBytes []byte, p BuildParams) [32]byte {
	h := sha256.New()
	h.Write(wasmBytes)
	h.Write([]byte(p.EngineFingerprint))
	keys := make([]string, 0, len(p.DirectoryMappings))
	for k := range p.DirectoryMappings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(p.DirectoryMappings[k]))
		h.Write([]byte{0})
	}
	h.Write([]byte(p.Prelude))
	var memBuf [8]byte
	for i := range memBuf {
		memBuf[i] = byte(p.MaxMemory >> (8 * i))
	}
	h.Write(memBuf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PathFor returns {cacheDir}/{hex32(cacheKey)}.cached.
func PathFor(cacheDir string, key [32]byte) string {
	return filepath.Join(cacheDir, hex.EncodeToString(key[:])+".cached")
}

// manifestPathFor returns the on-disk sidecar used to store BuildParams next
// to the serialized component image, so a later process can validate
// compatibility before trusting the image bytes.
func manifestPathFor(artifactPath string) string {
	return artifactPath + ".manifest.json"
}

var tmpSeq int64

// WriteAtomic serializes params as a sidecar manifest and writes image to
// artifactPath, both via a temp-file-then-rename so concurrent readers
// never observe a partially written file. The temp file name embeds the
// pid and a monotonic sequence number to avoid collisions between
// concurrent writers for the same cache key.
func WriteAtomic(artifactPath string, image []byte, params BuildParams) error {
	if err := os.MkdirAll(filepath.Dir(artifactPath), 0o755); err != nil {
		return fmt.Errorf("cachefile: mkdir: %w", err)
	}
	seq := atomic.AddInt64(&tmpSeq, 1)
	tmp := fmt.Sprintf("%s.tmp-%d-%d", artifactPath, os.Getpid(), seq)
	if err := os.WriteFile(tmp, image, 0o644); err != nil {
		return fmt.Errorf("cachefile: write temp artifact: %w", err)
	}
	if err := os.Rename(tmp, artifactPath); err != nil {
		// AlreadyExists-shaped races are treated as success: another
		// writer finished first with equivalent content.
		if os.IsExist(err) {
			_ = os.Remove(tmp)
		} else {
			_ = os.Remove(tmp)
			return fmt.Errorf("cachefile: rename artifact: %w", err)
		}
	}

	manifestBytes, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("cachefile: marshal manifest: %w", err)
	}
	mTmp := fmt.Sprintf("%s.tmp-%d-%d", manifestPathFor(artifactPath), os.Getpid(), seq)
	if err := os.WriteFile(mTmp, manifestBytes, 0o644); err != nil {
		return fmt.Errorf("cachefile: write temp manifest: %w", err)
	}
	if err := os.Rename(mTmp, manifestPathFor(artifactPath)); err != nil && !os.IsExist(err) {
		_ = os.Remove(mTmp)
		return fmt.Errorf("cachefile: rename manifest: %w", err)
	}
	return nil
}

// ReadIfCompatible loads artifactPath and its manifest and returns the
// image bytes only if the file exists and the manifest is compatible with
// expected. Any mismatch (or missing manifest/artifact) is reported via ok
// = false rather than an error, so callers fall through to recompilation
// on any mismatch.
func ReadIfCompatible(artifactPath string, expected BuildParams) (image []byte, ok bool, mismatches []Mismatch, err error) {
	image, err = os.ReadFile(artifactPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil, nil
		}
		return nil, false, nil, fmt.Errorf("cachefile: read artifact: %w", err)
	}

	manifestBytes, err := os.ReadFile(manifestPathFor(artifactPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil, nil
		}
		return nil, false, nil, fmt.Errorf("cachefile: read manifest: %w", err)
	}

	var cached BuildParams
	if err := json.Unmarshal(manifestBytes, &cached); err != nil {
		return nil, false, nil, nil
	}

	mismatches = diff(cached, expected)
	if len(mismatches) > 0 {
		return nil, false, mismatches, nil
	}
	return image, true, nil, nil
}

// MismatchKind classifies the type of schema difference detected between a
// cached manifest and the current expected build parameters.
type MismatchKind string

const (
	// MismatchMissing means a field present in the cached manifest is
	// absent from the current expectation (the cache predates a field
	// that was since removed, or a newer cache was read by older code).
	MismatchMissing MismatchKind = "MISSING_FIELD"
	// MismatchAdded means the current expectation specifies a field the
	// cached manifest does not have (the cache predates a newer build
	// parameter).
	MismatchAdded MismatchKind = "ADDED_FIELD"
	// MismatchTypeChange means both sides have the field but its value
	// differs in a way that changes compiled behavior.
	MismatchTypeChange MismatchKind = "TYPE_CHANGE"
)

// Mismatch describes one structural or value difference between a cached
// manifest and the current build parameters.
type Mismatch struct {
	Kind     MismatchKind
	Field    string
	Cached   string
	Expected string
}

func (m Mismatch) String() string {
	switch m.Kind {
	case MismatchMissing:
		return fmt.Sprintf("cache manifest mismatch [%s] field %q missing (cached had %s)", m.Kind, m.Field, m.Cached)
	case MismatchAdded:
		return fmt.Sprintf("cache manifest mismatch [%s] field %q required (expected %s)", m.Kind, m.Field, m.Expected)
	default:
		return fmt.Sprintf("cache manifest mismatch [%s] field %q: cached=%s expected=%s", m.Kind, m.Field, m.Cached, m.Expected)
	}
}

// diff compares the cached manifest against the current expected
// parameters field by field.
func diff(cached, expected BuildParams) []Mismatch {
	var out []Mismatch

	if cached.EngineFingerprint != expected.EngineFingerprint {
		if cached.EngineFingerprint == "" {
			out = append(out, Mismatch{Kind: MismatchAdded, Field: "engine_fingerprint", Expected: expected.EngineFingerprint})
		} else if expected.EngineFingerprint == "" {
			out = append(out, Mismatch{Kind: MismatchMissing, Field: "engine_fingerprint", Cached: cached.EngineFingerprint})
		} else {
			out = append(out, Mismatch{Kind: MismatchTypeChange, Field: "engine_fingerprint", Cached: cached.EngineFingerprint, Expected: expected.EngineFingerprint})
		}
	}

	if cached.MaxMemory != expected.MaxMemory {
		out = append(out, Mismatch{
			Kind:     MismatchTypeChange,
			Field:    "max_memory",
			Cached:   fmt.Sprintf("%d", cached.MaxMemory),
			Expected: fmt.Sprintf("%d", expected.MaxMemory),
		})
	}

	if cached.Prelude != expected.Prelude {
		out = append(out, Mismatch{Kind: MismatchTypeChange, Field: "prelude", Cached: shortHash(cached.Prelude), Expected: shortHash(expected.Prelude)})
	}

	cKeys := sortedKeys(cached.DirectoryMappings)
	eKeys := sortedKeys(expected.DirectoryMappings)
	for _, k := range cKeys {
		if v, ok := expected.DirectoryMappings[k]; !ok {
			out = append(out, Mismatch{Kind: MismatchMissing, Field: "directory_mappings." + k, Cached: cached.DirectoryMappings[k]})
		} else if v != cached.DirectoryMappings[k] {
			out = append(out, Mismatch{Kind: MismatchTypeChange, Field: "directory_mappings." + k, Cached: cached.DirectoryMappings[k], Expected: v})
		}
	}
	for _, k := range eKeys {
		if _, ok := cached.DirectoryMappings[k]; !ok {
			out = append(out, Mismatch{Kind: MismatchAdded, Field: "directory_mappings." + k, Expected: expected.DirectoryMappings[k]})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortHash(s string) string {
	if s == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

// FormatMismatches produces a multi-line log-ready string from mismatches.
func FormatMismatches(mismatches []Mismatch) string {
	if len(mismatches) == 0 {
		return ""
	}
	lines := make([]string, len(mismatches))
	for i, m := range mismatches {
		lines[i] = m.String()
	}
	return strings.Join(lines, "\n")
}
