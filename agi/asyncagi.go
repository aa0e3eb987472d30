// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package agi

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/voxhollow/asterwire"
	"github.com/voxhollow/asterwire/ami"
	"github.com/voxhollow/asterwire/frame"
)

// An AsyncExecutor dispatches between a single AMI engine and any number
// of Async-AGI sessions tunnelled over it. Asterisk starts a session by
// emitting an AsyncAGI Start event carrying the %-encoded environment;
// the executor reconstitutes the byte stream an ordinary [Engine] expects
// and substitutes a write path that carries each command inside an AGI
// action, correlated by CommandID.
//
// The AGI engine code is shared unchanged between the wire and tunnelled
// forms; only the write path differs.
type AsyncExecutor struct {
	// Fault optionally receives executor-level anomalies: unknown
	// channels or commands, undecodable headers, unexpected subevents.
	// Set it before calling Bind. A nil sink discards them.
	Fault func(error)

	factory func() *Engine

	μ        sync.Mutex
	carrier  *ami.Engine
	cancels  []func()
	sessions map[string]*asyncSession
}

// asyncSession is one tunnelled AGI session bound to a channel.
type asyncSession struct {
	channelID string
	eng       *Engine

	μ        sync.Mutex
	commands map[string]*command // CommandID → command awaiting its Exec event
}

// NewAsyncExecutor constructs an executor that calls factory to obtain a
// fresh engine for each session Asterisk starts. The factory's Config
// callbacks (OnReady, OnClose) are the session lifecycle notifications.
func NewAsyncExecutor(factory func() *Engine) *AsyncExecutor {
	return &AsyncExecutor{
		factory:  factory,
		sessions: make(map[string]*asyncSession),
	}
}

// Bind attaches the executor to an AMI engine. Only one executor may be
// bound to a given engine at a time.
func (x *AsyncExecutor) Bind(carrier *ami.Engine) error {
	x.μ.Lock()
	defer x.μ.Unlock()
	if x.carrier != nil {
		return errors.New("executor already bound")
	}
	x.carrier = carrier
	x.cancels = []func(){
		carrier.HandleEvent("AsyncAGI", x.onAsyncAGI),
		carrier.HandleEvent("Hangup", x.onHangup),
	}
	return nil
}

// Unbind detaches the executor from its carrier and tears down every
// session it is running, failing outstanding commands with a connection
// lost error.
func (x *AsyncExecutor) Unbind() {
	x.μ.Lock()
	for _, cancel := range x.cancels {
		cancel()
	}
	x.cancels = nil
	x.carrier = nil
	sessions := x.sessions
	x.sessions = make(map[string]*asyncSession)
	x.μ.Unlock()

	for _, s := range sessions {
		s.fail(&asterwire.ConnectionLostError{})
		s.eng.ConnectionLost(nil)
	}
}

func (x *AsyncExecutor) onAsyncAGI(evt *ami.Event) {
	switch sub := evt.Get("SubEvent"); sub {
	case "Start":
		x.startSession(evt)
	case "Exec":
		x.execResult(evt)
	case "End":
		x.endSession(evt)
	default:
		x.fault(fmt.Errorf("unknown AsyncAGI subevent %q", sub))
	}
}

// startSession brings up a fresh engine for the channel and feeds it the
// decoded environment block.
func (x *AsyncExecutor) startSession(evt *ami.Event) {
	channelID := evt.Get("Channel")
	env, err := url.PathUnescape(evt.Get("Env"))
	if err != nil {
		x.fault(fmt.Errorf("channel %q: undecodable Env header: %w", channelID, err))
		return
	}

	s := &asyncSession{
		channelID: channelID,
		eng:       x.factory(),
		commands:  make(map[string]*command),
	}
	s.eng.ch = &asyncChannel{x: x, s: s}

	x.μ.Lock()
	if _, ok := x.sessions[channelID]; ok {
		x.μ.Unlock()
		x.fault(fmt.Errorf("AsyncAGI start for already-bound channel %q", channelID))
		return
	}
	x.sessions[channelID] = s
	x.μ.Unlock()

	s.eng.ConnectionMade(asyncTransport{})
	s.eng.DataReceived([]byte(env))
	if st := s.eng.State(); st != Ready {
		x.fault(fmt.Errorf("channel %q: bad state %v after environment (truncated Env header?)", channelID, st))
	}
}

// execResult completes one tunnelled command by replaying its decoded
// result lines through the session's engine.
func (x *AsyncExecutor) execResult(evt *ami.Event) {
	channelID := evt.Get("Channel")
	x.μ.Lock()
	s := x.sessions[channelID]
	x.μ.Unlock()
	if s == nil {
		x.fault(fmt.Errorf("AsyncAGI exec for unknown channel %q", channelID))
		return
	}

	commandID := evt.Get("CommandID")
	s.μ.Lock()
	c := s.commands[commandID]
	delete(s.commands, commandID)
	s.μ.Unlock()
	if c == nil {
		x.fault(fmt.Errorf("AsyncAGI exec for unknown command %q in channel %q", commandID, channelID))
		return
	}

	result, err := url.PathUnescape(evt.Get("Result"))
	if err != nil {
		c.h.Reject(&asterwire.ProtocolError{Reason: "undecodable Result header: " + err.Error()})
		return
	}

	// Put the command in flight on the engine, then replay the result
	// block as if it had arrived on an ordinary wire.
	e := s.eng
	e.μ.Lock()
	if e.st != Ready {
		e.μ.Unlock()
		c.h.Reject(&asterwire.ProtocolError{Reason: fmt.Sprintf("engine not ready for reply (state %v)", e.st)})
		return
	}
	e.cur = c
	e.st = AwaitingReply
	e.μ.Unlock()

	e.DataReceived([]byte(result))
	if st := e.State(); st == AwaitingReply {
		x.fault(fmt.Errorf("channel %q: incomplete AsyncAGI result for command %q", channelID, commandID))
	}
}

// endSession tears down the session for a channel.
func (x *AsyncExecutor) endSession(evt *ami.Event) {
	channelID := evt.Get("Channel")
	x.μ.Lock()
	s := x.sessions[channelID]
	delete(x.sessions, channelID)
	x.μ.Unlock()
	if s == nil {
		x.fault(fmt.Errorf("AsyncAGI end for unknown channel %q", channelID))
		return
	}
	s.fail(&asterwire.ConnectionLostError{})
	s.eng.ConnectionLost(nil)
}

// onHangup translates a carrier Hangup event for a bound channel into the
// same poisoning an on-wire 511 status produces.
func (x *AsyncExecutor) onHangup(evt *ami.Event) {
	x.μ.Lock()
	s := x.sessions[evt.Get("Channel")]
	x.μ.Unlock()
	if s == nil {
		return
	}
	s.fail(ErrChannelDead)
	s.eng.hangup()
}

// fail rejects every command still awaiting its Exec event.
func (s *asyncSession) fail(err error) {
	s.μ.Lock()
	commands := s.commands
	s.commands = make(map[string]*command)
	s.μ.Unlock()
	for _, c := range commands {
		if !c.h.Done() {
			c.h.Reject(err)
		}
	}
}

func (x *AsyncExecutor) fault(err error) {
	if x.Fault != nil {
		x.Fault(err)
	}
}

// asyncChannel carries command lines inside AGI actions on the AMI
// carrier instead of writing them to a transport.
type asyncChannel struct {
	x *AsyncExecutor
	s *asyncSession
}

func (a *asyncChannel) sendLine(e *Engine, c *command) {
	a.x.μ.Lock()
	carrier := a.x.carrier
	a.x.μ.Unlock()
	if carrier == nil {
		c.h.Reject(asterwire.ErrNotConnected)
		return
	}

	commandID := uuid.NewString()
	// The AGI action has a synchronous response; the actual result of the
	// command arrives later as an AsyncAGI Exec event.
	act := carrier.SendAction("AGI", []frame.Pair{
		{Key: "Channel", Value: a.s.channelID},
		{Key: "Command", Value: strings.TrimRight(string(c.line), "\n")},
		{Key: "CommandID", Value: commandID},
	}, nil)
	act.OnResult(func(*ami.Response) {
		a.s.μ.Lock()
		a.s.commands[commandID] = c
		a.s.μ.Unlock()
	})
	act.OnReject(func(err error) {
		if !c.h.Done() {
			c.h.Reject(err)
		}
	})
}

// asyncTransport satisfies the transport contract for a tunnelled
// session; a tunnelled engine never writes to it.
type asyncTransport struct{}

func (asyncTransport) Write([]byte) error {
	return errors.New("async AGI session has no wire transport")
}
func (asyncTransport) Close() error { return nil }
