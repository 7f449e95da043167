// Package manager implements SandboxManager: the request-level façade that
// hashes a (namespace, source) pair, checks out or builds a cached
// Sandbox, runs the requested function, and returns the sandbox to the
// cache.
package manager

import (
	"context"
	"crypto/sha256"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrt/sandboxrt/internal/adminserver"
	"github.com/sandboxrt/sandboxrt/internal/metrics"
	"github.com/sandboxrt/sandboxrt/pkg/instance"
	"github.com/sandboxrt/sandboxrt/pkg/sandbox"
	"github.com/sandboxrt/sandboxrt/pkg/template"
	"github.com/sandboxrt/sandboxrt/pkg/value"
)

// CacheConfig bounds how many warm instances the manager retains in total,
// across all cache keys, and how long an idle entry survives before TTL
// eviction.
type CacheConfig struct {
	MaxInstances int
	TTL          time.Duration
}

// Source is a (prelude, code) pair identifying what a call evaluates.
type Source struct {
	Prelude string
	Code    string
}

// cacheEntry pairs a warm Sandbox with its last-used timestamp.
type cacheEntry struct {
	box      *sandbox.Sandbox
	lastUsed time.Time
}

// GuestFactory builds the generated-bindings GuestBinding for a freshly
// instantiated template.Instance. Production wiring supplies the real
// wit-bindgen-go constructor; tests supply a fake.
type GuestFactory func(inst *template.Instance) sandbox.GuestBinding

// Manager is the SandboxManager façade.
type Manager struct {
	template *template.Template
	newGuest GuestFactory
	metrics  *metrics.Metrics
	cfg      CacheConfig

	mu    sync.Mutex
	cache map[[32]byte][]*cacheEntry
}

// New constructs a Manager around an already-built template shared across
// every namespace/source hash this manager serves.
func New(tpl *template.Template, newGuest GuestFactory, m *metrics.Metrics, cfg CacheConfig) *Manager {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 64
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Manager{
		template: tpl,
		newGuest: newGuest,
		metrics:  m,
		cfg:      cfg,
		cache:    make(map[[32]byte][]*cacheEntry),
	}
}

// Hash computes the cache key for a (namespace, source) pair.
func Hash(namespace string, source Source) [32]byte {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(source.Prelude))
	h.Write([]byte{0})
	h.Write([]byte(source.Code))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// StreamItem is one event delivered on Exec's result channel, translating
// a call's sink events into a single ordered stream. CallID lets an
// embedder multiplexing several concurrent Exec calls over one transport
// correlate items back to the call that produced them.
type StreamItem struct {
	CallID string
	Data   *value.Value
	End    bool
	// Final holds the completion value when End is true and the call
	// produced one (on_complete(Some)); End true with Final nil corresponds
	// to on_complete(None).
	Final *value.Value
	Log   *StreamLog
	Err   error
}

// StreamLog carries a single forwarded on_log event.
type StreamLog struct {
	Level   instance.LogLevel
	Context string
	Message string
}

type streamSink struct {
	out    chan<- StreamItem
	callID string
}

func (s *streamSink) OnItem(v value.Value) error {
	cp := v
	s.out <- StreamItem{CallID: s.callID, Data: &cp}
	return nil
}

func (s *streamSink) OnComplete(v *value.Value) error {
	s.out <- StreamItem{CallID: s.callID, End: true, Final: v}
	return nil
}

func (s *streamSink) OnLog(level instance.LogLevel, context, message string) error {
	s.out <- StreamItem{CallID: s.callID, Log: &StreamLog{Level: level, Context: context, Message: message}}
	return nil
}

// Exec pops a cached sandbox or builds a fresh one, evaluates prelude +
// code on a miss, then spawns the call and streams items back on the
// returned channel in emission order with completion last.
func (m *Manager) Exec(ctx context.Context, namespace string, source Source, function string, args []sandbox.Argument, host instance.Host, policy instance.Policy, timeout time.Duration) <-chan StreamItem {
	out := make(chan StreamItem, 16)
	hash := Hash(namespace, source)
	callID := uuid.NewString()

	go func() {
		defer close(out)

		box, fresh, err := m.checkout(ctx, hash, source, host, policy)
		if err != nil {
			out <- StreamItem{CallID: callID, Err: err}
			return
		}
		_ = fresh

		sink := &streamSink{out: out, callID: callID}
		err = box.CallWithSink(ctx, function, args, sink, timeout)
		if err != nil {
			out <- StreamItem{CallID: callID, Err: err}
			if m.metrics != nil {
				m.metrics.IncrementCallFailed()
			}
			// A faulted or poisoned sandbox is dropped, never returned to
			// the cache.
			return
		}
		if m.metrics != nil {
			m.metrics.IncrementCallOK()
		}
		m.checkin(hash, box)
	}()

	return out
}

// checkout pops a cached entry for hash after pruning expired ones, or
// builds a fresh sandbox from the template and evaluates its prelude and
// code.
func (m *Manager) checkout(ctx context.Context, hash [32]byte, source Source, host instance.Host, policy instance.Policy) (*sandbox.Sandbox, bool, error) {
	m.mu.Lock()
	m.pruneExpiredLocked(hash)
	entries := m.cache[hash]
	if len(entries) > 0 {
		entry := entries[len(entries)-1]
		m.cache[hash] = entries[:len(entries)-1]
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.IncrementCacheHit()
		}
		return entry.box, false, nil
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.IncrementCacheMiss()
	}

	inst, err := m.template.Instantiate(ctx, host, policy, template.InstantiateOptions{})
	if err != nil {
		return nil, true, err
	}
	guest := m.newGuest(inst)
	box := sandbox.New(guest, inst)

	if source.Prelude != "" {
		if err := box.EvalScript(ctx, source.Prelude, discardSink{}, 0); err != nil {
			return nil, true, err
		}
	}
	if err := box.EvalScript(ctx, source.Code, discardSink{}, 0); err != nil {
		return nil, true, err
	}
	return box, true, nil
}

// checkin returns box to the cache unless it faulted, then prunes expired
// entries and evicts LRU while the total instance count exceeds
// MaxInstances.
func (m *Manager) checkin(hash [32]byte, box *sandbox.Sandbox) {
	if box.Poisoned() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[hash] = append(m.cache[hash], &cacheEntry{box: box, lastUsed: time.Now()})
	m.pruneExpiredLocked(hash)
	m.evictLRULocked()
}

func (m *Manager) pruneExpiredLocked(hash [32]byte) {
	entries := m.cache[hash]
	if len(entries) == 0 {
		return
	}
	cutoff := time.Now().Add(-m.cfg.TTL)
	live := entries[:0]
	for _, e := range entries {
		if e.lastUsed.Before(cutoff) {
			continue
		}
		live = append(live, e)
	}
	if len(live) == 0 {
		delete(m.cache, hash)
		return
	}
	m.cache[hash] = live
}

// evictLRULocked drops the globally-oldest idle entries while the total
// number of cached instances exceeds MaxInstances. Entries currently on
// loan are never in m.cache, so eviction can never reclaim one in use.
func (m *Manager) evictLRULocked() {
	total := 0
	for _, entries := range m.cache {
		total += len(entries)
	}
	if total <= m.cfg.MaxInstances {
		return
	}

	type ref struct {
		hash [32]byte
		idx  int
		when time.Time
	}
	var all []ref
	for hash, entries := range m.cache {
		for i, e := range entries {
			all = append(all, ref{hash: hash, idx: i, when: e.lastUsed})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].when.Before(all[j].when) })

	toEvict := total - m.cfg.MaxInstances
	evicted := make(map[[32]byte]map[int]bool)
	for i := 0; i < toEvict && i < len(all); i++ {
		r := all[i]
		if evicted[r.hash] == nil {
			evicted[r.hash] = make(map[int]bool)
		}
		evicted[r.hash][r.idx] = true
	}
	for hash, idxSet := range evicted {
		entries := m.cache[hash]
		live := entries[:0]
		for i, e := range entries {
			if idxSet[i] {
				continue
			}
			live = append(live, e)
		}
		if len(live) == 0 {
			delete(m.cache, hash)
		} else {
			m.cache[hash] = live
		}
	}
}

// CacheSnapshot implements adminserver.CacheSnapshotter.
func (m *Manager) CacheSnapshot() adminserver.CacheSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := adminserver.CacheSnapshot{PerTemplate: make(map[string]int, len(m.cache))}
	for hash, entries := range m.cache {
		snap.InstanceCount += len(entries)
		snap.PerTemplate[hexKey(hash)] = len(entries)
	}
	snap.TemplateCount = len(m.cache)
	return snap
}

func hexKey(h [32]byte) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 0; i < 4; i++ {
		buf[i*2] = hexDigits[h[i]>>4]
		buf[i*2+1] = hexDigits[h[i]&0xf]
	}
	return string(buf)
}

// discardSink is used for prelude/code evaluation during checkout, where
// no caller is listening yet. Items, completions and logs emitted during
// that evaluation are all discarded; they are not buffered for the later
// call.
type discardSink struct{}

func (discardSink) OnItem(value.Value) error                     { return nil }
func (discardSink) OnComplete(*value.Value) error                { return nil }
func (discardSink) OnLog(instance.LogLevel, string, string) error { return nil }
