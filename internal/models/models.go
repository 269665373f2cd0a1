// Package models defines the shared data types for synced state: the persisted
// envelope, the wire frame exchanged with the remote owner, and the naming
// conventions derived from a store's identity.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// RecordKey is the key the synced value is stored under inside a record set.
const RecordKey = "object"

// ErrInvalidName is returned when a store name cannot be used to derive file,
// command, and event names.
var ErrInvalidName = errors.New("invalid store name")

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateName reports whether name is usable as a store identity.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// CommandName returns the remote command that receives local changes.
func CommandName(name string) string { return "set_" + name }

// GetCommandName returns the remote command that answers the owner's current value.
func GetCommandName(name string) string { return "get_" + name }

// EventName returns the remote event that carries owner-originated updates.
func EventName(name string) string { return name + "_update" }

// FileName returns the on-disk file for a record set.
func FileName(name string) string { return name + ".json" }

// Envelope wraps a persisted value: {"value": <T>}.
type Envelope[T any] struct {
	Value T `json:"value"`
}

// ---------------------------------------------------------------------------
// Wire frames
// ---------------------------------------------------------------------------

// Frame kinds.
const (
	KindInvoke = "invoke"
	KindResult = "result"
	KindEvent  = "event"
)

// Frame is a single message exchanged between a store process and the hub.
//
// An invoke frame names a command and carries its argument in Data; the hub
// answers with a result frame echoing ID. Event frames are pushed by the hub
// and name the event. A result with IsError set carries the error message as a
// JSON string in Data.
type Frame struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// NewInvoke builds an invoke frame with a fresh ID.
func NewInvoke(command string, arg json.RawMessage) Frame {
	return Frame{Kind: KindInvoke, ID: uuid.NewString(), Name: command, Data: arg}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload json.RawMessage) Frame {
	return Frame{Kind: KindEvent, Name: event, Data: payload}
}

// Reply builds the result frame answering f.
func (f Frame) Reply(data json.RawMessage) Frame {
	return Frame{Kind: KindResult, ID: f.ID, Name: f.Name, Data: data}
}

// ReplyError builds an error result frame answering f.
func (f Frame) ReplyError(err error) Frame {
	msg, _ := json.Marshal(err.Error())
	return Frame{Kind: KindResult, ID: f.ID, Name: f.Name, Data: msg, IsError: true}
}

// Err returns the error carried by a result frame, or nil.
func (f Frame) Err() error {
	if !f.IsError {
		return nil
	}
	var msg string
	if err := json.Unmarshal(f.Data, &msg); err != nil || msg == "" {
		msg = string(f.Data)
	}
	return errors.New(msg)
}
