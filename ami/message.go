// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package ami

import (
	"fmt"
	"strings"

	"github.com/voxhollow/asterwire/frame"
)

// A Response is a reply from the manager to a single action, correlated by
// the ActionID the engine assigned when the action was sent.
type Response struct {
	// Type is the raw value of the Response header, typically one of
	// "Success", "Error", "Follows" or "Goodbye".
	Type string

	// Headers holds the response headers in wire order.
	Headers *frame.Block

	// Payload holds the raw body lines of a "Follows" response, up to but
	// not including the --END COMMAND-- sentinel.
	Payload []string

	// Events holds the follow-up events of a list-style action, in wire
	// order. It is nil for plain actions.
	Events []*Event
}

// ActionID returns the ActionID header echoed back by the manager.
func (r *Response) ActionID() string { return r.Headers.Get("ActionID") }

// Message returns the Message header, or "" if none was sent.
func (r *Response) Message() string { return r.Headers.Get("Message") }

// Body returns the payload of a "Follows" response as a single string with
// lines joined by newlines.
func (r *Response) Body() string { return strings.Join(r.Payload, "\n") }

// String returns a human-friendly rendering of the response.
func (r *Response) String() string {
	return fmt.Sprintf("Response(%s, ActionID=%s, %d events)", r.Type, r.ActionID(), len(r.Events))
}

// An Event is an asynchronous notification from the manager. Events that
// belong to a pending list action are accumulated into its response; all
// others are dispatched through the event registry.
type Event struct {
	Name    string // the value of the Event header
	Headers *frame.Block
}

// ActionID returns the ActionID header of the event, or "" if the event is
// not correlated with an action.
func (e *Event) ActionID() string { return e.Headers.Get("ActionID") }

// Get returns the named header of the event, without regard to case.
func (e *Event) Get(key string) string { return e.Headers.Get(key) }

// String returns a human-friendly rendering of the event.
func (e *Event) String() string { return fmt.Sprintf("Event(%s)", e.Name) }

// An ActionError is reported to an action's handle when the manager
// answers it with "Response: Error". The complete response is attached.
type ActionError struct {
	Response *Response
}

// Error satisfies the error interface.
func (a *ActionError) Error() string {
	if msg := a.Response.Message(); msg != "" {
		return "action failed: " + msg
	}
	return "action failed"
}

// An UnhandledEvent is delivered to the fault sink when an event arrives
// for which no handler is registered. It is informational only.
type UnhandledEvent struct {
	Event *Event
}

// Error satisfies the error interface.
func (u *UnhandledEvent) Error() string { return "unhandled event " + u.Event.Name }
