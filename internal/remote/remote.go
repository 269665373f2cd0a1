// Package remote defines the port to the Remote Owner: the process that holds
// its own copy of each synced value and exchanges commands and events with
// synced stores.
package remote

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNoHandler is returned by Loopback.Invoke when strict mode is on and the
// command has no registered handler.
var ErrNoHandler = errors.New("remote: no handler for command")

// Handler receives the payload of one event delivery. Deliveries to a single
// handler are never concurrent.
type Handler func(payload json.RawMessage)

// Unsubscribe detaches a Listen registration. Calling it more than once is safe.
type Unsubscribe func()

// Owner is the Remote Owner port.
type Owner interface {
	// Invoke sends arg to the named command and waits for its acknowledgement.
	Invoke(ctx context.Context, command string, arg json.RawMessage) error
	// Listen registers h for deliveries of event.
	Listen(ctx context.Context, event string, h Handler) (Unsubscribe, error)
}

// Discard is an Owner that accepts every command and never delivers events.
var Discard Owner = discard{}

type discard struct{}

func (discard) Invoke(context.Context, string, json.RawMessage) error { return nil }

func (discard) Listen(context.Context, string, Handler) (Unsubscribe, error) {
	return func() {}, nil
}
