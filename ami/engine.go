// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package ami implements the manager side of the Asterisk Manager
// Interface (AMI). An [Engine] is a protocol state machine driven by an
// external I/O loop: it validates the server banner, tracks the login
// lifecycle, correlates responses with pending actions by ActionID,
// accumulates list-style responses, and dispatches asynchronous events
// through a registry. It owns no socket of its own.
package ami

import (
	"expvar"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/encoding"

	"github.com/voxhollow/asterwire"
	"github.com/voxhollow/asterwire/frame"
	"github.com/voxhollow/asterwire/handle"
)

// bannerPrefix is the fixed name part of the greeting line the server
// sends immediately after connect.
const bannerPrefix = "Asterisk Call Manager/"

// endCommand terminates the raw body of a "Follows" response.
const endCommand = "--END COMMAND--"

// eol is the AMI line terminator. Inbound frames also tolerate bare LF.
const eol = "\r\n"

// State enumerates the lifecycle states of an AMI engine.
type State int

const (
	Disconnected   State = iota // no transport yet
	AwaitingBanner              // connected, greeting line not yet seen
	Unauthenticated             // banner seen, Login not yet accepted
	Authenticated               // steady state
	Closing                     // Close requested, teardown pending
	Closed                      // connection gone
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingBanner:
		return "awaiting-banner"
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// Config carries the options of an Engine. The zero value is ready for
// use.
type Config struct {
	// Encoding is the text codec for both directions. A nil encoding means
	// UTF-8, validated on input.
	Encoding encoding.Encoding

	// StrictHeaders makes a malformed header line fatal to the connection.
	// When false (the default) such lines are skipped and reported to the
	// fault sink.
	StrictHeaders bool

	// ListTerminators seeds the list-action classifier: actions named here
	// are treated as list-style by SendAction, terminated by the named
	// event. An empty event name means "<action>Complete".
	ListTerminators map[string]string

	// OmitCompleteEvent excludes the terminating event from the Events
	// slice of a list response. By default it is included.
	OmitCompleteEvent bool

	// Fault receives non-fatal protocol anomalies: unknown ActionIDs,
	// handler panics, unhandled events, skipped malformed headers. A nil
	// sink discards them.
	Fault func(error)

	// OnClose is invoked exactly once when the connection is torn down,
	// with the underlying cause (nil for an orderly close).
	OnClose func(error)

	// Logger receives debug traces of wire traffic. A nil logger disables
	// tracing.
	Logger *slog.Logger
}

// An EventHandler consumes a dispatched event.
type EventHandler func(*Event)

// Wildcard is the registry name that receives every event, after any
// handlers registered for the event's own name.
const Wildcard = "*"

// pendingAction records one in-flight action awaiting its response.
type pendingAction struct {
	id     string
	action string // the action name, for Login tracking
	h      *handle.Handle[*Response]
	list   bool   // accumulate events until the terminator
	term   string // terminating event name for a list action
	resp   *Response
	events []*Event
}

// eventReg is one registered event handler with its cancellation key.
type eventReg struct {
	id uint64
	fn EventHandler
}

// An Engine implements the manager side of an AMI connection. It must be
// fed by a single driving goroutine through the asterwire.Engine contract;
// requests may be issued from any goroutine, including from inside event
// handlers and handle sinks.
//
// Use New to construct an engine.
type Engine struct {
	cfg Config
	log *slog.Logger

	μ        sync.Mutex
	state    State
	version  string
	tr       asterwire.Transport
	fr       *frame.Framer
	nextID   uint64
	pending  map[string]*pendingAction
	handlers map[string][]eventReg
	nextReg  uint64

	// A "Follows" response switches the engine to line mode until the
	// --END COMMAND-- sentinel; these hold the response being filled.
	body    *Response
	bodyFor *pendingAction // nil when the ActionID was unknown
	inBody  bool
}

// New constructs an engine with the given configuration.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		pending:  make(map[string]*pendingAction),
		handlers: make(map[string][]eventReg),
	}
}

// Metrics returns a metrics map shared by all engines in the process. It
// is safe for the caller to add additional metrics to the map.
func (e *Engine) Metrics() *expvar.Map { return engineMetrics.emap }

// State reports the engine's lifecycle state.
func (e *Engine) State() State {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.state
}

// Version reports the version string from the server banner, e.g.
// "2.10.3". It is empty until the banner has been received.
func (e *Engine) Version() string {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.version
}

// ConnectionMade records the transport and starts waiting for the server
// banner. It implements part of the asterwire.Engine contract.
func (e *Engine) ConnectionMade(t asterwire.Transport) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.state != Disconnected {
		panic("engine is already connected")
	}
	e.tr = t
	e.fr = frame.NewFramer(e.cfg.Encoding)
	e.state = AwaitingBanner
}

// DataReceived feeds received bytes into the engine. It implements part of
// the asterwire.Engine contract.
func (e *Engine) DataReceived(data []byte) {
	e.μ.Lock()
	if e.state == Closed || e.state == Disconnected {
		e.μ.Unlock()
		return
	}
	if err := e.fr.Append(data); err != nil {
		cbs := e.failLocked(&asterwire.ProtocolError{Reason: err.Error()})
		e.μ.Unlock()
		run(cbs)
		return
	}
	e.μ.Unlock()

	// Frames are consumed one at a time so that anything a callback sends
	// is on the wire before the next inbound frame is examined.
	for {
		cbs, progress := e.step()
		run(cbs)
		if !progress {
			return
		}
	}
}

// step consumes at most one inbound frame (a line in banner or body mode,
// a header block otherwise) and returns the callbacks it produced plus
// whether any input was consumed.
func (e *Engine) step() (cbs []func(), progress bool) {
	e.μ.Lock()
	defer e.μ.Unlock()

	switch {
	case e.state == Closed:
		return nil, false

	case e.state == AwaitingBanner:
		line, ok := e.fr.NextLine()
		if !ok {
			return nil, false
		}
		version, found := strings.CutPrefix(line, bannerPrefix)
		if !found {
			return e.failLocked(&asterwire.ProtocolError{Reason: "invalid greeting", Line: line}), true
		}
		e.version = version
		e.state = Unauthenticated
		e.debug("banner received", "version", version)
		return nil, true

	case e.inBody:
		line, ok := e.fr.NextLine()
		if !ok {
			return nil, false
		}
		return e.bodyLineLocked(line), true

	default:
		blk, err := e.fr.NextBlock()
		if blk == nil {
			return nil, false
		}
		if err != nil {
			if e.cfg.StrictHeaders {
				return e.failLocked(&asterwire.ProtocolError{Reason: err.Error()}), true
			}
			engineMetrics.faults.Add(1)
			cbs = append(cbs, e.faultCB(err))
		}
		more, fatal := e.blockLocked(blk)
		if fatal != nil {
			return append(cbs, e.failLocked(fatal)...), true
		}
		return append(cbs, more...), true
	}
}

// blockLocked classifies one completed header block. A non-nil fatal error
// tears down the connection.
func (e *Engine) blockLocked(blk *frame.Block) (cbs []func(), fatal error) {
	if blk.Len() == 0 {
		return nil, nil // stray keepalive blank line
	}
	// The opening line decides the block kind. Presence elsewhere is not
	// enough: an OriginateResponse event carries a Response header too.
	first := blk.Pairs()[0]
	if strings.EqualFold(first.Key, "Response") {
		return e.responseLocked(first.Value, blk), nil
	}
	if strings.EqualFold(first.Key, "Event") {
		return e.eventLocked(first.Value, blk), nil
	}
	return nil, &asterwire.ProtocolError{Reason: "block is neither response nor event", Line: first.Key + ": " + first.Value}
}

// responseLocked handles a block opening with a Response header.
func (e *Engine) responseLocked(rtype string, blk *frame.Block) []func() {
	engineMetrics.responses.Add(1)
	resp := &Response{Type: rtype, Headers: blk}
	rec := e.pending[blk.Get("ActionID")]

	var cbs []func()
	if rec == nil {
		engineMetrics.faults.Add(1)
		cbs = append(cbs, e.faultCB(&asterwire.ProtocolError{
			Reason: "response for unknown action " + strconv.Quote(blk.Get("ActionID")),
		}))
	}
	if strings.EqualFold(rtype, "Follows") {
		// Switch to line mode until --END COMMAND--. An unknown ActionID
		// still consumes the body, which is then discarded.
		e.inBody = true
		e.body = resp
		e.bodyFor = rec
		return cbs
	}
	if rec == nil {
		return cbs
	}
	return append(cbs, e.finishResponseLocked(rec, resp)...)
}

// bodyLineLocked accumulates one raw line of a "Follows" body. A line
// equal to the end sentinel, or carrying it as a suffix, terminates the
// body; the suffix form keeps its prefix, since Asterisk sometimes omits
// the final newline before the sentinel.
func (e *Engine) bodyLineLocked(line string) []func() {
	if rest, found := strings.CutSuffix(line, endCommand); found {
		if rest != "" {
			e.body.Payload = append(e.body.Payload, rest)
		}
		resp, rec := e.body, e.bodyFor
		e.inBody, e.body, e.bodyFor = false, nil, nil
		if rec == nil {
			return nil // unknown ActionID; body discarded
		}
		return e.finishResponseLocked(rec, resp)
	}
	e.body.Payload = append(e.body.Payload, line)
	return nil
}

// finishResponseLocked settles a pending record against its complete
// (headers plus any body) response.
func (e *Engine) finishResponseLocked(rec *pendingAction, resp *Response) []func() {
	if strings.EqualFold(resp.Type, "Error") {
		delete(e.pending, rec.id)
		cbs := []func(){e.rejectCB(rec.h, &ActionError{Response: resp})}
		if isLoginAction(rec.action) {
			// A rejected login is terminal for the whole connection.
			cbs = append(cbs, e.failLocked(nil)...)
		}
		return cbs
	}

	// The real manager marks list responses with "EventList: start" even
	// when the caller did not classify the action; promote the record.
	if strings.EqualFold(resp.Headers.Get("EventList"), "start") {
		rec.list = true
	}
	if rec.list {
		rec.resp = resp
		return nil // events accumulate until the terminator
	}

	delete(e.pending, rec.id)
	if isLoginAction(rec.action) && e.state == Unauthenticated {
		e.state = Authenticated
		e.debug("authenticated")
	}
	return []func(){e.resolveCB(rec.h, resp)}
}

// eventLocked handles a block opening with an Event header.
func (e *Engine) eventLocked(name string, blk *frame.Block) []func() {
	evt := &Event{Name: name, Headers: blk}

	if id, ok := blk.Lookup("ActionID"); ok {
		if rec := e.pending[id]; rec != nil && rec.list {
			return e.listEventLocked(rec, evt)
		}
		// An uncorrelated or non-list ActionID dispatches as an ordinary
		// event.
	}
	return e.dispatchLocked(evt)
}

// listEventLocked accumulates one follow-up event of a list action and
// settles the record when the terminator arrives.
func (e *Engine) listEventLocked(rec *pendingAction, evt *Event) []func() {
	terminal := strings.EqualFold(evt.Headers.Get("EventList"), "complete") ||
		(rec.term != "" && strings.EqualFold(evt.Name, rec.term))
	if !terminal {
		rec.events = append(rec.events, evt)
		return nil
	}
	if !e.cfg.OmitCompleteEvent {
		rec.events = append(rec.events, evt)
	}
	delete(e.pending, rec.id)
	resp := rec.resp
	if resp == nil {
		// Events outran the response; deliver what we have.
		resp = &Response{Type: "Success", Headers: frame.NewBlock()}
	}
	resp.Events = rec.events
	return []func(){e.resolveCB(rec.h, resp)}
}

// dispatchLocked snapshots the handlers for an event: first those bound to
// its name in registration order, then the wildcard handlers.
func (e *Engine) dispatchLocked(evt *Event) []func() {
	regs := e.handlers[evt.Name]
	if evt.Name != Wildcard {
		regs = append(regs[:len(regs):len(regs)], e.handlers[Wildcard]...)
	}
	if len(regs) == 0 {
		engineMetrics.eventsDropped.Add(1)
		return []func(){e.faultCB(&UnhandledEvent{Event: evt})}
	}
	engineMetrics.eventsDispatched.Add(1)
	cbs := make([]func(), len(regs))
	for i, reg := range regs {
		cbs[i] = e.handlerCB(reg.fn, evt)
	}
	return cbs
}

// ConnectionLost tears the engine down: every pending handle is rejected
// with a *asterwire.ConnectionLostError carrying err, and later sends fail
// with asterwire.ErrNotConnected. It implements part of the
// asterwire.Engine contract.
func (e *Engine) ConnectionLost(err error) {
	e.μ.Lock()
	cbs := e.failLocked(err)
	e.μ.Unlock()
	run(cbs)
}

// Close marks the engine closing and asks the transport to close; it does
// not block. Teardown finishes when ConnectionLost is delivered, and
// pending actions stay pending until then.
func (e *Engine) Close() error {
	e.μ.Lock()
	if e.state == Closed || e.state == Disconnected {
		e.μ.Unlock()
		return nil
	}
	e.state = Closing
	tr := e.tr
	e.μ.Unlock()
	return tr.Close()
}

// failLocked finishes the connection: closes the transport, rejects every
// pending handle, and arranges for the close sink to run. Safe to call on
// an already-closed engine.
func (e *Engine) failLocked(cause error) []func() {
	if e.state == Closed {
		return nil
	}
	e.state = Closed
	e.inBody, e.body, e.bodyFor = false, nil, nil

	var cbs []func()
	lost := &asterwire.ConnectionLostError{Cause: cause}
	for _, rec := range e.pending {
		cbs = append(cbs, e.rejectCB(rec.h, lost))
	}
	e.pending = make(map[string]*pendingAction)

	if tr := e.tr; tr != nil {
		cbs = append(cbs, func() { tr.Close() })
	}
	if sink := e.cfg.OnClose; sink != nil {
		cbs = append(cbs, func() { sink(cause) })
	}
	e.debug("connection closed", "cause", cause)
	return cbs
}

// SendAction sends the named action with the given headers and variable
// bindings, both emitted in order, and returns a handle settled by the
// matching response. Actions named in Config.ListTerminators are sent
// list-style.
//
// Only Login (and its MD5 sibling Challenge) may be sent before a login
// has been accepted; anything else pre-fails the handle with
// asterwire.ErrNotConnected.
func (e *Engine) SendAction(name string, headers, variables []frame.Pair) *handle.Handle[*Response] {
	list, term := false, ""
	if t, ok := e.cfg.ListTerminators[name]; ok {
		list, term = true, t
	}
	return e.send(name, headers, variables, list, term)
}

// SendListAction sends the named action marked list-style: its handle is
// settled only once the terminating event arrives, with the accumulated
// events attached to the response. An empty terminator defaults to
// "<name>Complete"; an event carrying "EventList: Complete" terminates
// regardless of its name.
func (e *Engine) SendListAction(name string, headers, variables []frame.Pair, terminator string) *handle.Handle[*Response] {
	return e.send(name, headers, variables, true, terminator)
}

func (e *Engine) send(name string, headers, variables []frame.Pair, list bool, term string) *handle.Handle[*Response] {
	h := handle.New[*Response](e.fault)
	if list && term == "" {
		term = name + "Complete"
	}

	// Phase 1: check state and register the pending record.
	e.μ.Lock()
	switch e.state {
	case Authenticated:
	case Unauthenticated:
		if !isLoginAction(name) && !strings.EqualFold(name, "Challenge") {
			e.μ.Unlock()
			h.Reject(asterwire.ErrNotConnected)
			return h
		}
	default:
		e.μ.Unlock()
		h.Reject(asterwire.ErrNotConnected)
		return h
	}
	e.nextID++
	id := strconv.FormatUint(e.nextID, 10)
	rec := &pendingAction{id: id, action: name, h: h, list: list, term: term}
	e.pending[id] = rec

	pairs := make([]frame.Pair, 0, 2+len(headers)+len(variables))
	pairs = append(pairs, frame.Pair{Key: "Action", Value: name}, frame.Pair{Key: "ActionID", Value: id})
	pairs = append(pairs, headers...)
	for _, v := range variables {
		pairs = append(pairs, frame.Pair{Key: "Variable", Value: v.Key + "=" + v.Value})
	}
	data, err := frame.EncodeBlock(pairs, eol, e.cfg.Encoding)
	tr := e.tr
	e.μ.Unlock()

	// Phase 2: write outside the lock, then unwind on failure.
	if err == nil {
		e.debug("sending action", "action", name, "id", id)
		err = tr.Write(data)
	}
	if err != nil {
		e.μ.Lock()
		delete(e.pending, id)
		e.μ.Unlock()
		h.Reject(err)
		return h
	}
	engineMetrics.actions.Add(1)
	return h
}

// HandleEvent registers fn for events named name; the returned function
// unregisters it. Multiple handlers for a name fire in registration order.
// Registering for [Wildcard] receives every event after its specific
// handlers. Handler panics are recovered and reported to the fault sink.
func (e *Engine) HandleEvent(name string, fn EventHandler) (cancel func()) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.nextReg++
	id := e.nextReg
	e.handlers[name] = append(e.handlers[name], eventReg{id: id, fn: fn})
	return func() {
		e.μ.Lock()
		defer e.μ.Unlock()
		regs := e.handlers[name]
		for i, r := range regs {
			if r.id == id {
				e.handlers[name] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// resolveCB returns a callback resolving h with resp, suppressed if the
// embedder already settled the handle to abandon it.
func (e *Engine) resolveCB(h *handle.Handle[*Response], resp *Response) func() {
	return func() {
		if h.Done() {
			return // abandoned by the caller; discard the reply
		}
		h.Resolve(resp)
	}
}

func (e *Engine) rejectCB(h *handle.Handle[*Response], err error) func() {
	return func() {
		if h.Done() {
			return
		}
		h.Reject(err)
	}
}

func (e *Engine) faultCB(err error) func() { return func() { e.fault(err) } }

func (e *Engine) handlerCB(fn EventHandler, evt *Event) func() {
	return func() {
		defer func() {
			if x := recover(); x != nil {
				engineMetrics.faults.Add(1)
				e.fault(fmt.Errorf("event handler panicked (recovered): %v", x))
			}
		}()
		fn(evt)
	}
}

func (e *Engine) fault(err error) {
	if e.cfg.Fault != nil {
		e.cfg.Fault(err)
	}
}

func (e *Engine) debug(msg string, args ...any) {
	if e.log != nil {
		e.log.Debug(msg, args...)
	}
}

func isLoginAction(name string) bool { return strings.EqualFold(name, "Login") }

func run(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
