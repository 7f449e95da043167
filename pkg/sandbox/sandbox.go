// Package sandbox implements Sandbox: one live guest instance exposing
// eval_script, eval_file, call_with_sink, and call, with per-call timeout
// enforcement and a scoped sink lifetime.
package sandbox

import (
	"context"
	"time"

	"github.com/sandboxrt/sandboxrt/pkg/instance"
	"github.com/sandboxrt/sandboxrt/pkg/sberr"
	"github.com/sandboxrt/sandboxrt/pkg/streambridge"
	"github.com/sandboxrt/sandboxrt/pkg/template"
	"github.com/sandboxrt/sandboxrt/pkg/value"
)

// Argument is one parameter passed to a guest function call: either a
// plain Value or a finite host->guest stream of Values, matching the guest
// ABI's `argument = { name: option<string>, value: cbor | cbor_iterator }`.
// An empty Name means the argument is positional. Arguments are consumed
// once: a Stream argument must not be reused across calls.
type Argument struct {
	Name   string
	Value  value.Value
	Stream *streambridge.ArgStream
}

// Arg builds a positional Value argument.
func Arg(v value.Value) Argument { return Argument{Value: v} }

// NamedArg builds a named Value argument.
func NamedArg(name string, v value.Value) Argument { return Argument{Name: name, Value: v} }

// StreamArg builds a positional streaming argument.
func StreamArg(stream *streambridge.ArgStream) Argument { return Argument{Stream: stream} }

// NamedStreamArg builds a named streaming argument.
func NamedStreamArg(name string, stream *streambridge.ArgStream) Argument {
	return Argument{Name: name, Stream: stream}
}

// GuestArgument is an Argument after crossing into guest-ABI form: a
// streaming Argument has already been installed as an iterator resource in
// the instance's resource table, identified by ResourceID. Generated
// bindings read Value directly for a plain argument, or call
// InstanceState.ArgStream(ResourceID) to drive the iterator for a stream
// argument.
type GuestArgument struct {
	Name       string
	IsStream   bool
	Value      value.Value
	ResourceID int64
}

// GuestBinding is the subset of the generated component-model bindings a
// Sandbox drives. Production bindings (wit-bindgen-go output) implement
// this against the real component exports; it is declared here so the
// call-racing and sink-lifetime logic below does not depend on the
// generated code shape.
type GuestBinding interface {
	EvalScript(ctx context.Context, code string) error
	EvalFile(ctx context.Context, guestPath string) error
	CallFunc(ctx context.Context, name string, args []GuestArgument) error
}

// DefaultTimeout bounds a single call when the caller does not specify one.
const DefaultTimeout = 30 * time.Second

// Sandbox is the exclusive owner of one guest Instance's state and
// underlying linear memory.
type Sandbox struct {
	guest    GuestBinding
	instance *template.Instance
	poisoned bool
}

// New wraps an already-instantiated guest Instance as a Sandbox.
func New(guest GuestBinding, inst *template.Instance) *Sandbox {
	return &Sandbox{guest: guest, instance: inst}
}

// Poisoned reports whether the sandbox survived a timeout without the
// guest returning control cleanly during the race. A poisoned sandbox
// must not be reused or returned to a cache.
func (s *Sandbox) Poisoned() bool { return s.poisoned }

// MemoryUsage returns the limiter's current bytes.
func (s *Sandbox) MemoryUsage() int64 { return s.instance.State.MemoryUsage() }

// EvalScript installs sink, evaluates code, and clears the sink on every
// exit path including a timeout or panic.
func (s *Sandbox) EvalScript(ctx context.Context, code string, sink instance.Sink, timeout time.Duration) error {
	return s.racedCall(ctx, sink, timeout, func(ctx context.Context) error {
		return s.guest.EvalScript(ctx, code)
	})
}

// EvalFile is identical to EvalScript but evaluates a file already present
// under one of the sandbox's mounted directories.
func (s *Sandbox) EvalFile(ctx context.Context, guestPath string, sink instance.Sink, timeout time.Duration) error {
	return s.racedCall(ctx, sink, timeout, func(ctx context.Context) error {
		return s.guest.EvalFile(ctx, guestPath)
	})
}

// CallWithSink installs sink, converts each Argument into guest-ABI form —
// pushing a host-side iterator resource into the instance's resource table
// for every streaming argument — invokes the guest function, and clears the
// sink and releases any stream resources regardless of outcome.
func (s *Sandbox) CallWithSink(ctx context.Context, name string, args []Argument, sink instance.Sink, timeout time.Duration) error {
	guestArgs, resourceIDs := s.convertArgs(args)
	defer func() {
		for _, id := range resourceIDs {
			s.instance.State.ReleaseArgStream(id)
		}
	}()
	return s.racedCall(ctx, sink, timeout, func(ctx context.Context) error {
		return s.guest.CallFunc(ctx, name, guestArgs)
	})
}

// convertArgs installs every streaming Argument as a resource-table entry
// and returns the guest-ready argument list alongside the resource ids that
// must be released once the call completes.
func (s *Sandbox) convertArgs(args []Argument) ([]GuestArgument, []int64) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]GuestArgument, len(args))
	var resourceIDs []int64
	for i, a := range args {
		if a.Stream != nil {
			id := s.instance.State.RegisterArgStream(a.Stream)
			resourceIDs = append(resourceIDs, id)
			out[i] = GuestArgument{Name: a.Name, IsStream: true, ResourceID: id}
			continue
		}
		out[i] = GuestArgument{Name: a.Name, Value: a.Value}
	}
	return out, resourceIDs
}

// collectingSink is the built-in sink Call uses to gather items and the
// final result for a caller that wants a single synchronous return value
// instead of a streamed one.
type collectingSink struct {
	items []value.Value
	final *value.Value
	logs  []CallLog
}

// CallLog is one log line captured by Call's built-in collecting sink.
type CallLog struct {
	Level   instance.LogLevel
	Context string
	Message string
}

func (c *collectingSink) OnItem(v value.Value) error { c.items = append(c.items, v); return nil }
func (c *collectingSink) OnComplete(v *value.Value) error {
	c.final = v
	return nil
}
func (c *collectingSink) OnLog(level instance.LogLevel, context, message string) error {
	c.logs = append(c.logs, CallLog{Level: level, Context: context, Message: message})
	return nil
}

// CallResult is the aggregate outcome Call returns once the guest call has
// fully completed.
type CallResult struct {
	Items []value.Value
	Final *value.Value
	Logs  []CallLog
}

// Call is identical to CallWithSink but uses a built-in collecting sink,
// returning every item and the final result to the caller synchronously.
func (s *Sandbox) Call(ctx context.Context, name string, args []Argument, timeout time.Duration) (CallResult, error) {
	sink := &collectingSink{}
	if err := s.CallWithSink(ctx, name, args, sink, timeout); err != nil {
		return CallResult{}, err
	}
	return CallResult{Items: sink.items, Final: sink.final, Logs: sink.logs}, nil
}

// racedCall installs sink, races fn against timeout, and guarantees the
// sink is cleared and buffered logs flushed on every exit path including a
// panic.
func (s *Sandbox) racedCall(ctx context.Context, sink instance.Sink, timeout time.Duration, fn func(context.Context) error) (err error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if s.poisoned {
		return sberr.New(sberr.CodeRuntime, "sandbox is poisoned from a prior timeout")
	}

	handle := s.instance.State.SetSink(sink)
	defer handle.Close()
	defer func() {
		if flushErr := s.instance.State.DrainBufferedLogs(sink); flushErr != nil && err == nil {
			err = flushErr
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- sberr.New(sberr.CodeRuntime, "guest call panicked")
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err = <-done:
		return err
	case <-callCtx.Done():
		s.poisoned = true
		return sberr.New(sberr.CodeTimeout, "Timeout")
	}
}
