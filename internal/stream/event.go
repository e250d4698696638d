// Package stream maintains the single long-lived connection to the rule
// authority and turns its messages into typed change events.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("stream: client closed")

// errMalformed wraps frames that cannot be turned into an Event.
var errMalformed = errors.New("malformed stream message")

// EventType names a rule change.
type EventType string

const (
	EventCreate   EventType = "create"
	EventUpdate   EventType = "update"
	EventDelete   EventType = "delete"
	EventSnapshot EventType = "snapshot"
)

func (t EventType) valid() bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete, EventSnapshot:
		return true
	}
	return false
}

// Event is one change notification. Data holds the raw rule JSON (an array
// of rules for snapshots, an id/path reference for deletes).
type Event struct {
	Type EventType
	Data json.RawMessage
	ID   string
}

// envelope is the authority broadcaster's message shape.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeFrame turns a named message into an Event. ok is false for frames
// that carry nothing to apply (handshakes, heartbeats, unknown names).
func decodeFrame(name string, data []byte, id string) (ev Event, ok bool, err error) {
	switch name {
	case "", "message":
		return decodeEnvelope(data, id)
	}
	t := EventType(name)
	if !t.valid() {
		return Event{}, false, nil
	}
	if len(data) == 0 {
		return Event{}, false, fmt.Errorf("%w: empty %s payload", errMalformed, name)
	}
	return Event{Type: t, Data: json.RawMessage(data), ID: id}, true, nil
}

func decodeEnvelope(data []byte, id string) (Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if env.Type == "connected" || env.Type == "ping" {
		return Event{}, false, nil
	}
	t := EventType(env.Type)
	if !t.valid() {
		return Event{}, false, fmt.Errorf("%w: unknown type %q", errMalformed, env.Type)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Event{}, false, fmt.Errorf("%w: %s without data", errMalformed, env.Type)
	}
	return Event{Type: t, Data: env.Data, ID: id}, true, nil
}
