// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package calls tracks originated calls over an AMI engine. A [Manager]
// issues Originate actions and correlates the channel events that follow
// them back to per-call notification callbacks.
//
// The correlation strategy follows the manager convention: each originate
// carries a per-manager tracking variable with a per-call value, and the
// VarSet event that echoes it reveals the Uniqueid of the first channel
// allocated for the call. Related channels are adopted from LocalBridge
// events, and the call ends when its last channel hangs up.
package calls

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/voxhollow/asterwire/ami"
	"github.com/voxhollow/asterwire/frame"
	"github.com/voxhollow/asterwire/handle"
)

// Status is the coarse lifecycle of a tracked call.
type Status int

const (
	Unplaced Status = iota // not yet originated
	Queued                 // Originate accepted, no channel yet
	Dialing                // dialing in progress
	Up                     // a channel reached the Up state
	Ended                  // all channels hung up
	Failed                 // originate rejected or failed
)

func (s Status) String() string {
	switch s {
	case Unplaced:
		return "unplaced"
	case Queued:
		return "queued"
	case Dialing:
		return "dialing"
	case Up:
		return "up"
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// An OriginateError reports an OriginateResponse event of type "Failure".
type OriginateError struct {
	Reason int // numeric reason reported by the manager
}

// Error satisfies the error interface.
func (o *OriginateError) Error() string {
	return fmt.Sprintf("originate failed with reason %d", o.Reason)
}

// A Call is one tracked call. Set the notification callbacks before
// passing the call to [Manager.Originate]; they are invoked on the
// engine's driving goroutine. A Call cannot be reused.
type Call struct {
	// OnQueued is called when the Originate action is accepted.
	OnQueued func()

	// OnFailed is called when the call fails early: the Originate action
	// was rejected, or a failed OriginateResponse event followed it.
	OnFailed func(error)

	// OnStateChanged is called when a channel of the call changes state,
	// with the numeric state and its textual description.
	OnStateChanged func(state int, desc string)

	// OnDialingStarted and OnDialingFinished bracket the dial attempt.
	OnDialingStarted  func()
	OnDialingFinished func(status string)

	// OnEnded is called when the last channel of the call hangs up, with
	// the numeric hangup cause and its description.
	OnEnded func(cause int, desc string)

	mgr       *Manager
	callID    string
	actionID  string
	status    Status
	chanState int
	uniqueIDs map[string]bool
}

// Status reports the coarse status of the call.
func (c *Call) Status() Status {
	if c.mgr == nil {
		return Unplaced
	}
	c.mgr.μ.Lock()
	defer c.mgr.μ.Unlock()
	return c.status
}

// UniqueIDs returns the unique ids of the channels currently associated
// with the call, sorted.
func (c *Call) UniqueIDs() []string {
	if c.mgr == nil {
		return nil
	}
	c.mgr.μ.Lock()
	defer c.mgr.μ.Unlock()
	ids := make([]string, 0, len(c.uniqueIDs))
	for id := range c.uniqueIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// A Manager originates calls on an AMI engine and tracks their lifecycle.
// Construct one with New; call Close to detach its event handlers.
type Manager struct {
	eng      *ami.Engine
	trackVar string
	cancels  []func()

	μ         sync.Mutex
	nextCall  uint64
	actions   map[string]*Call // ActionID → call queued but not yet tracked
	calls     map[string]*Call // call id → call
	uniqueIDs map[string]*Call // channel unique id → call
}

// New constructs a manager riding eng and installs its event handlers.
func New(eng *ami.Engine) *Manager {
	m := &Manager{
		eng:       eng,
		trackVar:  "X_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
		actions:   make(map[string]*Call),
		calls:     make(map[string]*Call),
		uniqueIDs: make(map[string]*Call),
	}
	for name, fn := range map[string]ami.EventHandler{
		"VarSet":            m.onVarSet,
		"LocalBridge":       m.onLocalBridge,
		"Dial":              m.onDial,
		"Newstate":          m.onNewState,
		"Hangup":            m.onHangup,
		"OriginateResponse": m.onOriginateResponse,
	} {
		m.cancels = append(m.cancels, eng.HandleEvent(name, fn))
	}
	return m
}

// Close detaches the manager's event handlers from the engine. Tracked
// calls receive no further notifications.
func (m *Manager) Close() {
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
}

// TrackingVariable reports the channel variable the manager plants on
// originated calls. Useful for building server-side event filters.
func (m *Manager) TrackingVariable() string { return m.trackVar }

// Originate places c with the given Originate headers and optional
// call-specific variables. The tracking variable is appended to the
// variable bindings. Acceptance and failure are reported through the
// call's callbacks.
func (m *Manager) Originate(c *Call, headers, variables []frame.Pair) error {
	if c.mgr != nil {
		return fmt.Errorf("call already originated, need a fresh Call")
	}
	m.μ.Lock()
	m.nextCall++
	callID := strconv.FormatUint(m.nextCall, 10)
	c.mgr = m
	c.callID = callID
	c.status = Unplaced
	c.uniqueIDs = make(map[string]bool)
	m.μ.Unlock()

	vars := append(variables[:len(variables):len(variables)],
		frame.Pair{Key: m.trackVar, Value: callID})
	a := m.eng.SendAction("Originate", headers, vars)
	a.OnResult(func(rsp *ami.Response) {
		m.μ.Lock()
		c.actionID = rsp.ActionID()
		c.status = Queued
		m.actions[c.actionID] = c
		m.calls[callID] = c
		m.μ.Unlock()
		if c.OnQueued != nil {
			c.OnQueued()
		}
	})
	a.OnReject(func(err error) {
		m.μ.Lock()
		c.status = Failed
		m.μ.Unlock()
		if c.OnFailed != nil {
			c.OnFailed(err)
		}
	})
	return nil
}

// Queued returns the calls that have been accepted and not yet ended.
func (m *Manager) Queued() []*Call {
	m.μ.Lock()
	defer m.μ.Unlock()
	out := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c)
	}
	return out
}

// SetupFilters installs server-side whitelist filters tuned for call
// tracking: call-class events plus any event mentioning the tracking
// variable. Not required for correct operation, but it spares the engine
// bursts of unrelated traffic on busy servers.
func (m *Manager) SetupFilters() *handle.Handle[[]*ami.Response] {
	var hs []*handle.Handle[*ami.Response]
	for _, filter := range []string{
		"Privilege: call,all",
		"Variable: " + m.trackVar,
	} {
		hs = append(hs, m.eng.SendAction("Filter", []frame.Pair{
			{Key: "Operation", Value: "Add"},
			{Key: "Filter", Value: filter},
		}, nil))
	}
	return handle.All(nil, hs...)
}

func (m *Manager) onOriginateResponse(evt *ami.Event) {
	if !strings.EqualFold(evt.Get("Response"), "Failure") {
		return
	}
	m.μ.Lock()
	c := m.actions[evt.ActionID()]
	if c != nil {
		delete(m.actions, c.actionID)
		delete(m.calls, c.callID)
		c.status = Failed
	}
	m.μ.Unlock()
	if c != nil && c.OnFailed != nil {
		reason, _ := strconv.Atoi(evt.Get("Reason"))
		c.OnFailed(&OriginateError{Reason: reason})
	}
}

func (m *Manager) onVarSet(evt *ami.Event) {
	if evt.Get("Variable") != m.trackVar {
		return
	}
	uniqueID := evt.Get("Uniqueid")
	m.μ.Lock()
	c := m.calls[evt.Get("Value")]
	if c == nil {
		m.μ.Unlock()
		return // stale or foreign call id
	}
	delete(m.actions, c.actionID)
	c.uniqueIDs[uniqueID] = true
	m.uniqueIDs[uniqueID] = c
	m.μ.Unlock()
}

func (m *Manager) onLocalBridge(evt *ami.Event) {
	m.μ.Lock()
	c := m.uniqueIDs[evt.Get("Uniqueid1")]
	if c != nil {
		id2 := evt.Get("Uniqueid2")
		if other := m.uniqueIDs[id2]; other == nil {
			c.uniqueIDs[id2] = true
			m.uniqueIDs[id2] = c
		}
	}
	m.μ.Unlock()
}

func (m *Manager) onDial(evt *ami.Event) {
	m.μ.Lock()
	c := m.uniqueIDs[evt.Get("UniqueID")] // note the casing on this event
	if c == nil {
		m.μ.Unlock()
		return
	}
	sub := evt.Get("SubEvent")
	if sub == "Begin" && c.status == Queued {
		c.status = Dialing
	}
	m.μ.Unlock()
	switch sub {
	case "Begin":
		if c.OnDialingStarted != nil {
			c.OnDialingStarted()
		}
	case "End":
		if c.OnDialingFinished != nil {
			c.OnDialingFinished(evt.Get("DialStatus"))
		}
	}
}

func (m *Manager) onNewState(evt *ami.Event) {
	const stateUp = 6

	m.μ.Lock()
	c := m.uniqueIDs[evt.Get("Uniqueid")]
	if c == nil {
		m.μ.Unlock()
		return
	}
	state, _ := strconv.Atoi(evt.Get("ChannelState"))
	desc := evt.Get("ChannelStateDesc")
	changed := state != c.chanState
	if changed {
		c.chanState = state
		if state == stateUp {
			c.status = Up
		}
	}
	m.μ.Unlock()
	if changed && c.OnStateChanged != nil {
		c.OnStateChanged(state, desc)
	}
}

func (m *Manager) onHangup(evt *ami.Event) {
	uniqueID := evt.Get("Uniqueid")
	m.μ.Lock()
	c := m.uniqueIDs[uniqueID]
	last := false
	if c != nil {
		delete(m.uniqueIDs, uniqueID)
		delete(c.uniqueIDs, uniqueID)
		if len(c.uniqueIDs) == 0 {
			delete(m.calls, c.callID)
			c.status = Ended
			last = true
		}
	}
	m.μ.Unlock()
	if last && c.OnEnded != nil {
		cause, _ := strconv.Atoi(evt.Get("Cause"))
		c.OnEnded(cause, evt.Get("Cause-txt"))
	}
}
