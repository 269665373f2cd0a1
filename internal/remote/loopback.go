package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Invocation is one recorded Invoke call.
type Invocation struct {
	Command string
	Arg     json.RawMessage
}

// CommandFunc answers an invoked command inside a Loopback.
type CommandFunc func(ctx context.Context, arg json.RawMessage) error

// Loopback is an in-process Owner. It records every invocation, dispatches
// commands to registered CommandFuncs and lets the caller emit events to
// listeners synchronously.
type Loopback struct {
	mu        sync.Mutex
	calls     []Invocation
	commands  map[string]CommandFunc
	listeners map[string]map[uint64]Handler
	nextID    uint64
	strict    bool

	// deliver serializes event deliveries so a handler never runs concurrently.
	deliver sync.Mutex
}

// NewLoopback returns an empty Loopback.
func NewLoopback() *Loopback {
	return &Loopback{
		commands:  make(map[string]CommandFunc),
		listeners: make(map[string]map[uint64]Handler),
	}
}

// Strict makes Invoke fail with ErrNoHandler for commands without a handler.
func (l *Loopback) Strict(on bool) {
	l.mu.Lock()
	l.strict = on
	l.mu.Unlock()
}

// Handle registers fn for command, replacing any earlier handler.
func (l *Loopback) Handle(command string, fn CommandFunc) {
	l.mu.Lock()
	l.commands[command] = fn
	l.mu.Unlock()
}

// Fail makes every later invocation of command return err. A nil err clears it.
func (l *Loopback) Fail(command string, err error) {
	if err == nil {
		l.mu.Lock()
		delete(l.commands, command)
		l.mu.Unlock()
		return
	}
	l.Handle(command, func(context.Context, json.RawMessage) error { return err })
}

// Invoke implements Owner.
func (l *Loopback) Invoke(ctx context.Context, command string, arg json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.calls = append(l.calls, Invocation{Command: command, Arg: append(json.RawMessage(nil), arg...)})
	fn, ok := l.commands[command]
	strict := l.strict
	l.mu.Unlock()

	if !ok {
		if strict {
			return fmt.Errorf("%w %q", ErrNoHandler, command)
		}
		return nil
	}
	return fn(ctx, arg)
}

// Listen implements Owner.
func (l *Loopback) Listen(_ context.Context, event string, h Handler) (Unsubscribe, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	if l.listeners[event] == nil {
		l.listeners[event] = make(map[uint64]Handler)
	}
	l.listeners[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.listeners[event], id)
			l.mu.Unlock()
		})
	}, nil
}

// Emit marshals v and delivers it to every listener of event before returning.
func (l *Loopback) Emit(event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("remote.Emit: %w", err)
	}
	l.EmitRaw(event, payload)
	return nil
}

// EmitRaw delivers payload unchanged, which lets tests send malformed data.
func (l *Loopback) EmitRaw(event string, payload json.RawMessage) {
	l.mu.Lock()
	hs := make([]Handler, 0, len(l.listeners[event]))
	for _, h := range l.listeners[event] {
		hs = append(hs, h)
	}
	l.mu.Unlock()

	l.deliver.Lock()
	defer l.deliver.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

// Calls returns a copy of the recorded invocations in call order.
func (l *Loopback) Calls() []Invocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Invocation(nil), l.calls...)
}

// CallsTo returns the recorded arguments sent to command.
func (l *Loopback) CallsTo(command string) []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []json.RawMessage
	for _, c := range l.calls {
		if c.Command == command {
			out = append(out, c.Arg)
		}
	}
	return out
}

// Listeners reports how many handlers are attached to event.
func (l *Loopback) Listeners(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners[event])
}
