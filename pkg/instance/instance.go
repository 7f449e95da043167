// Package instance implements InstanceState: the per-VM store holding
// everything a single Sandbox needs between and during calls — the memory
// limiter, WASI-shaped mounts/env, the shared host handle and policy, the
// per-call output sink, and the log/output assembly buffers.
package instance

import (
	"fmt"
	"sync"

	"github.com/sandboxrt/sandboxrt/pkg/memlimit"
	"github.com/sandboxrt/sandboxrt/pkg/outbuf"
	"github.com/sandboxrt/sandboxrt/pkg/sberr"
	"github.com/sandboxrt/sandboxrt/pkg/streambridge"
	"github.com/sandboxrt/sandboxrt/pkg/value"
)

// LogLevel mirrors the guest ABI's logging levels plus the two synthetic
// levels used when a log line is captured from the guest's stdout/stderr.
type LogLevel string

const (
	LogTrace    LogLevel = "trace"
	LogDebug    LogLevel = "debug"
	LogInfo     LogLevel = "info"
	LogWarn     LogLevel = "warn"
	LogError    LogLevel = "error"
	LogCritical LogLevel = "critical"
	LogStdout   LogLevel = "stdout"
	LogStderr   LogLevel = "stderr"
)

// Sink is the capability the embedder supplies to receive items,
// completion, and logs for a single call. Emission ordering: any number of
// OnItem, followed by exactly one OnComplete. OnLog may interleave with
// OnItem in emission order.
type Sink interface {
	OnItem(v value.Value) error
	OnComplete(final *value.Value) error
	OnLog(level LogLevel, context, message string) error
}

// Host is the shared host-capability handle InstanceState carries; its
// concrete shape (hostcall/http_request/websocket_connect) is provided by
// the hostbridge package. It is declared here as a narrow interface so
// instance does not import hostbridge and create a cycle.
type Host interface {
	Hostcall(kind string, payload value.Value) (value.Value, error)
}

// Policy is the subset of NetworkPolicy's surface InstanceState needs to
// carry a reference to; declared narrowly for the same reason as Host.
type Policy interface {
	Name() string
}

// Config is the immutable construction-time configuration for an
// InstanceState: mounts and env are frozen after construction.
type Config struct {
	Mounts    map[string]string // guest path -> host path
	Env       []string
	MaxMemory int64
	Host      Host
	Policy    Policy
	// Limiter, if set, is installed as the InstanceState's memory limiter
	// instead of constructing a fresh one from MaxMemory. Callers that also
	// instantiate the guest module (pkg/template) must share the same
	// Limiter with wasmguest.InstanceConfig so both sides observe the same
	// linear-memory growth.
	Limiter *memlimit.Limiter
}

// State is the per-VM store. mounts and env are immutable after
// construction; memory_limiter.current never exceeds max_memory; sink is
// non-nil only during the lifetime of a single call.
type State struct {
	mounts map[string]string
	env    []string
	host   Host
	policy Policy

	limiter *memlimit.Limiter
	output  *outbuf.Buffer

	mu        sync.Mutex
	sink      Sink
	logBuffer []logEntry

	resourceMu   sync.Mutex
	argStreams   map[int64]*streambridge.ArgStream
	nextResource int64
}

type logEntry struct {
	level   LogLevel
	context string
	message string
}

// maxLogBuffer bounds how many log lines are retained for later flush if no
// sink was installed when they were emitted (e.g. guest logs during
// initialize(), before the first call's sink is set).
const maxLogBuffer = 1024

// New constructs an InstanceState from cfg. Mounts and env are copied so
// later mutation of the caller's maps/slices cannot violate the
// post-construction immutability invariant.
func New(cfg Config) *State {
	mounts := make(map[string]string, len(cfg.Mounts))
	for k, v := range cfg.Mounts {
		mounts[k] = v
	}
	env := append([]string(nil), cfg.Env...)
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = memlimit.New(cfg.MaxMemory)
	}
	return &State{
		mounts:     mounts,
		env:        env,
		host:       cfg.Host,
		policy:     cfg.Policy,
		limiter:    limiter,
		output:     outbuf.New(0),
		argStreams: make(map[int64]*streambridge.ArgStream),
	}
}

// Mounts returns the (immutable) guest-path to host-path mapping.
func (s *State) Mounts() map[string]string { return s.mounts }

// Env returns the (immutable) environment variable list.
func (s *State) Env() []string { return s.env }

// Host returns the shared host capability handle.
func (s *State) Host() Host { return s.host }

// Policy returns the shared network policy handle.
func (s *State) Policy() Policy { return s.policy }

// Limiter returns the per-VM memory limiter.
func (s *State) Limiter() *memlimit.Limiter { return s.limiter }

// MemoryUsage returns the limiter's current byte usage.
func (s *State) MemoryUsage() int64 { return s.limiter.Current() }

// SinkHandle is a drop-guarded handle returned by SetSink; Close clears the
// sink, matching the RAII requirement that the sink is cleared on every
// exit path including panics, via a deferred Close.
type SinkHandle struct {
	s      *State
	closed sync.Once
}

// Close clears whatever sink is currently installed, whether or not it is
// the one this handle's SetSink installed. Only the first Close has effect.
func (h *SinkHandle) Close() {
	h.closed.Do(func() {
		h.s.mu.Lock()
		h.s.sink = nil
		h.s.mu.Unlock()
	})
}

// SetSink resets the output buffer (preventing cross-call leakage of a
// previous call's unflushed bytes) and installs sink as the active sink. It
// returns a SinkHandle whose Close must be deferred by the caller
// immediately, so the sink is cleared on every exit path.
func (s *State) SetSink(sink Sink) *SinkHandle {
	s.output.Reset()
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	return &SinkHandle{s: s}
}

func (s *State) currentSink() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// EmitContinuation appends a raw chunk to the output buffer without
// forwarding anything to the sink yet.
func (s *State) EmitContinuation(chunk []byte) error {
	return s.output.Append(chunk)
}

// EmitPartialResult appends chunk, then takes the assembled bytes, decodes
// them as a Value, and forwards them to the active sink's OnItem.
func (s *State) EmitPartialResult(chunk []byte) error {
	if err := s.output.Append(chunk); err != nil {
		return err
	}
	assembled := s.output.Take()
	v, err := value.FromEncoded(assembled)
	if err != nil {
		return err
	}
	sink := s.currentSink()
	if sink == nil {
		return sberr.New(sberr.CodeInvalidArgument, "emit with no active sink")
	}
	if err := sink.OnItem(v); err != nil {
		return sberr.Wrap(sberr.CodeHost, "sink OnItem failed", err)
	}
	return nil
}

// EmitEnd appends chunk (if non-empty), takes the assembled bytes, and
// forwards the final completion value (or none) to the active sink's
// OnComplete.
func (s *State) EmitEnd(chunk []byte) error {
	if len(chunk) > 0 {
		if err := s.output.Append(chunk); err != nil {
			return err
		}
	}
	assembled := s.output.Take()
	sink := s.currentSink()
	if sink == nil {
		return sberr.New(sberr.CodeInvalidArgument, "emit with no active sink")
	}
	if len(assembled) == 0 {
		if err := sink.OnComplete(nil); err != nil {
			return sberr.Wrap(sberr.CodeHost, "sink OnComplete failed", err)
		}
		return nil
	}
	v, err := value.FromEncoded(assembled)
	if err != nil {
		return err
	}
	if err := sink.OnComplete(&v); err != nil {
		return sberr.Wrap(sberr.CodeHost, "sink OnComplete failed", err)
	}
	return nil
}

// Log forwards a guest log line to the active sink. Context "stdout" or
// "stderr" forces the level to LogStdout/LogStderr irrespective of the
// level the guest requested; all other contexts preserve the supplied
// level. If no sink is installed, the line is retained in a small ring
// buffer (capped at maxLogBuffer entries) for later inspection rather than
// dropped silently. Errors from the sink propagate as fatal to the call.
func (s *State) Log(level LogLevel, context, message string) error {
	if context == "stdout" {
		level = LogStdout
	} else if context == "stderr" {
		level = LogStderr
	}

	sink := s.currentSink()
	if sink == nil {
		s.mu.Lock()
		if len(s.logBuffer) >= maxLogBuffer {
			s.logBuffer = s.logBuffer[1:]
		}
		s.logBuffer = append(s.logBuffer, logEntry{level: level, context: context, message: message})
		s.mu.Unlock()
		return nil
	}
	if err := sink.OnLog(level, context, message); err != nil {
		return sberr.Wrap(sberr.CodeHost, "sink OnLog failed", err)
	}
	return nil
}

// RegisterArgStream installs stream as a host-side iterator resource in the
// call's resource table and returns the resource id the guest uses to read
// from it, per the Argument{ value: stream<Value> } ABI shape.
func (s *State) RegisterArgStream(stream *streambridge.ArgStream) int64 {
	s.resourceMu.Lock()
	defer s.resourceMu.Unlock()
	s.nextResource++
	id := s.nextResource
	s.argStreams[id] = stream
	return id
}

// ArgStream looks up a stream argument previously installed with
// RegisterArgStream by its resource id.
func (s *State) ArgStream(id int64) (*streambridge.ArgStream, bool) {
	s.resourceMu.Lock()
	defer s.resourceMu.Unlock()
	st, ok := s.argStreams[id]
	return st, ok
}

// ReleaseArgStream drops a stream resource from the table. Called once its
// call completes, since arguments are consumed once and never carried over
// to a later call.
func (s *State) ReleaseArgStream(id int64) {
	s.resourceMu.Lock()
	defer s.resourceMu.Unlock()
	delete(s.argStreams, id)
}

// DrainBufferedLogs flushes any log lines captured while no sink was
// installed to the given sink, in capture order, and clears the buffer.
func (s *State) DrainBufferedLogs(sink Sink) error {
	s.mu.Lock()
	entries := s.logBuffer
	s.logBuffer = nil
	s.mu.Unlock()
	for _, e := range entries {
		if err := sink.OnLog(e.level, e.context, e.message); err != nil {
			return fmt.Errorf("instance: drain buffered logs: %w", err)
		}
	}
	return nil
}
