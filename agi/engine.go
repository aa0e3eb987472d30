// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package agi implements the controlling side of the Asterisk Gateway
// Interface (AGI). An [Engine] ingests the environment block a session
// opens with, then issues commands one at a time and parses the numeric
// reply grammar. The engine owns no socket: the same state machine speaks
// script AGI and FastAGI when driven over a pipe or TCP connection, and
// Async AGI when tunnelled over an AMI engine by an [AsyncExecutor].
package agi

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/creachadair/mds/mlink"
	"golang.org/x/text/encoding"

	"github.com/voxhollow/asterwire"
	"github.com/voxhollow/asterwire/frame"
	"github.com/voxhollow/asterwire/handle"
)

// eol is the AGI line terminator for outbound commands. Inbound lines
// tolerate CRLF as well.
const eol = "\n"

// envPrefix starts every key of the environment block.
const envPrefix = "agi_"

// State enumerates the lifecycle states of an AGI engine.
type State int

const (
	Unstarted     State = iota // no transport yet
	HeaderIngest               // consuming the environment block
	Ready                      // no command in flight
	AwaitingReply              // a command is on the wire
	Dead                       // the channel hung up; commands fail fast
	Closed                     // connection gone
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case HeaderIngest:
		return "header-ingest"
	case Ready:
		return "ready"
	case AwaitingReply:
		return "awaiting-reply"
	case Dead:
		return "awaiting-reply: dead"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// Config carries the options of an Engine. The zero value is ready for
// use.
type Config struct {
	// Encoding is the text codec for both directions. A nil encoding
	// means UTF-8, validated on input.
	Encoding encoding.Encoding

	// Fault receives non-fatal protocol anomalies. A nil sink discards
	// them.
	Fault func(error)

	// OnReady is invoked once, when the environment block is complete and
	// the engine will accept commands.
	OnReady func()

	// OnClose is invoked exactly once when the session is torn down, with
	// the underlying cause (nil for an orderly close).
	OnClose func(error)

	// Logger receives debug traces of wire traffic. A nil logger disables
	// tracing.
	Logger *slog.Logger
}

// command is one queued or in-flight command.
type command struct {
	line []byte // encoded line, terminator included
	h    *handle.Handle[*Reply]
	info []string // 1xx continuations received so far
}

// channel is the engine's write path. The ordinary wire channel writes to
// the transport; the Async-AGI executor substitutes one that carries the
// line inside an AMI action.
type channel interface {
	// sendLine dispatches one encoded command line. The wire channel
	// writes c at once when no command is in flight and otherwise queues
	// it on the engine FIFO; the async channel correlates it by CommandID
	// instead.
	sendLine(e *Engine, c *command)
}

// An Engine implements the controlling side of one AGI session. It must
// be fed by a single driving goroutine through the asterwire.Engine
// contract; commands may be issued from any goroutine, including from
// reply sinks.
//
// Use New to construct an engine.
type Engine struct {
	cfg Config
	log *slog.Logger
	ch  channel

	μ     sync.Mutex
	st    State
	tr    asterwire.Transport
	fr    *frame.Framer
	env   *frame.Block
	args  []string
	cur   *command // in flight
	queue mlink.Queue[*command]

	// 520 bodies span multiple lines; these hold the one being collected.
	inUsage   bool
	usageHead string
	usage     []string
}

// New constructs an engine with the given configuration.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, log: cfg.Logger, ch: wireChannel{}, env: frame.NewBlock()}
}

// State reports the engine's lifecycle state.
func (e *Engine) State() State {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.st
}

// Env returns the session environment: the agi_* headers received before
// the command loop, in wire order, with the agi_ prefix stripped from the
// keys. It fills in as header lines arrive and is complete once the engine
// is Ready.
func (e *Engine) Env() *frame.Block {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.env
}

// Args returns the script arguments passed as agi_arg_1, agi_arg_2, ...
// in order.
func (e *Engine) Args() []string {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.args
}

// ConnectionMade records the transport and starts ingesting the
// environment block. It implements part of the asterwire.Engine contract.
func (e *Engine) ConnectionMade(t asterwire.Transport) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.st != Unstarted {
		panic("engine is already connected")
	}
	e.tr = t
	e.fr = frame.NewFramer(e.cfg.Encoding)
	e.st = HeaderIngest
}

// DataReceived feeds received bytes into the engine. It implements part
// of the asterwire.Engine contract.
func (e *Engine) DataReceived(data []byte) {
	e.μ.Lock()
	if e.st == Closed || e.st == Unstarted {
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

	for {
		cbs, progress := e.step()
		run(cbs)
		if !progress {
			return
		}
	}
}

// step consumes at most one inbound line and returns the callbacks it
// produced plus whether any input was consumed.
func (e *Engine) step() (cbs []func(), progress bool) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.st == Closed {
		return nil, false
	}
	line, ok := e.fr.NextLine()
	if !ok {
		return nil, false
	}
	e.debug("line received", "line", line)

	switch e.st {
	case HeaderIngest:
		return e.envLineLocked(line), true
	case Ready, Dead:
		// The server should not speak unprompted; note it and move on.
		if strings.TrimSpace(line) != "" {
			cbs = append(cbs, e.faultCB(&asterwire.ProtocolError{Reason: "unexpected line while idle", Line: line}))
		}
		return cbs, true
	case AwaitingReply:
		if e.inUsage {
			return e.usageLineLocked(line), true
		}
		return e.statusLineLocked(line), true
	default:
		return nil, false
	}
}

// envLineLocked ingests one line of the environment block.
func (e *Engine) envLineLocked(line string) []func() {
	if line == "" {
		e.st = Ready
		e.debug("environment complete", "vars", e.env.Len(), "args", len(e.args))
		if e.cfg.OnReady != nil {
			ready := e.cfg.OnReady
			return []func(){ready}
		}
		return nil
	}
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return e.failLocked(&asterwire.ProtocolError{Reason: "expected a key/value pair", Line: line})
	}
	value = strings.TrimPrefix(value, " ")
	name, ok := strings.CutPrefix(key, envPrefix)
	if !ok {
		return e.failLocked(&asterwire.ProtocolError{Reason: "invalid AGI variable", Line: line})
	}
	// Script arguments arrive as agi_arg_1, agi_arg_2, ... in order.
	if arg, found := strings.CutPrefix(name, "arg_"); found {
		if n, err := strconv.Atoi(arg); err == nil && n == len(e.args)+1 {
			e.args = append(e.args, value)
			return nil
		}
	}
	if _, dup := e.env.Lookup(name); dup {
		return []func(){e.faultCB(&asterwire.ProtocolError{Reason: "duplicate AGI variable", Line: line})}
	}
	e.env.Add(name, value)
	return nil
}

// statusRE matches the fixed part of a status line: three digits followed
// by a space or dash separator, or nothing.
var statusRE = regexp.MustCompile(`^(\d{3})([ -](.*))?$`)

// statusLineLocked parses one status line for the in-flight command.
func (e *Engine) statusLineLocked(line string) []func() {
	m := statusRE.FindStringSubmatch(line)
	if m == nil || e.cur == nil {
		return e.failLocked(&asterwire.ProtocolError{Reason: "invalid status line", Line: line})
	}
	code, _ := strconv.Atoi(m[1])
	tail := strings.TrimRight(m[3], "\r")

	switch {
	case code < 200:
		// Informational continuation; the command stays pending.
		e.cur.info = append(e.cur.info, tail)
		return nil

	case code < 300:
		result, value, extra := parseResult(tail)
		reply := &Reply{Code: code, Result: result, Value: value, Extra: extra, Info: e.cur.info}
		return e.completeLocked(func(c *command) func() { return e.resolveCB(c.h, reply) })

	case code == statusDead:
		// The channel hung up: the in-flight command, everything queued,
		// and every later send all fail with the same error. Nothing more
		// is written to the wire.
		cbs := []func(){e.rejectCB(e.cur.h, ErrChannelDead)}
		return append(cbs, e.poisonLocked()...)

	case code == statusUsage && strings.Contains(tail, "follows"):
		e.inUsage = true
		e.usageHead = tail
		e.usage = nil
		return nil

	default:
		return e.completeLocked(func(c *command) func() {
			if code == statusUsage {
				return e.rejectCB(c.h, &UsageError{Message: tail})
			}
			return e.rejectCB(c.h, &CommandError{Code: code, Message: tail})
		})
	}
}

const (
	statusDead  = 511
	statusUsage = 520
)

// usageLineLocked collects one line of a 520 usage body. A line opening
// with "520 " ends the body.
func (e *Engine) usageLineLocked(line string) []func() {
	if strings.HasPrefix(line, "520 ") || line == "520" {
		err := &UsageError{Message: e.usageHead, Usage: e.usage}
		e.inUsage, e.usageHead, e.usage = false, "", nil
		return e.completeLocked(func(c *command) func() { return e.rejectCB(c.h, err) })
	}
	e.usage = append(e.usage, line)
	return nil
}

// completeLocked settles the in-flight command with the callback fin
// produces for it, then puts the next queued command on the wire.
func (e *Engine) completeLocked(fin func(*command) func()) []func() {
	c := e.cur
	e.cur = nil
	cbs := []func(){fin(c)}

	next, ok := e.queue.Pop()
	if !ok {
		e.st = Ready
		return cbs
	}
	e.cur = next
	tr := e.tr
	return append(cbs, func() {
		if err := tr.Write(next.line); err != nil {
			e.writeFailed(next, err)
		}
	})
}

// writeFailed unwinds a queued command whose deferred write failed.
func (e *Engine) writeFailed(c *command, err error) {
	e.μ.Lock()
	if e.cur == c {
		e.cur = nil
		if e.st == AwaitingReply {
			e.st = Ready
		}
	}
	e.μ.Unlock()
	if !c.h.Done() {
		c.h.Reject(err)
	}
}

// poisonLocked fails every queued command with ErrChannelDead and pins
// the engine in the dead state until the transport closes.
func (e *Engine) poisonLocked() []func() {
	e.st = Dead
	e.cur = nil
	var cbs []func()
	for {
		c, ok := e.queue.Pop()
		if !ok {
			break
		}
		cbs = append(cbs, e.rejectCB(c.h, ErrChannelDead))
	}
	return cbs
}

// SendCommand issues the command assembled from words, escaping and
// quoting each word as needed, and returns a handle settled by its reply.
// Commands are serviced strictly in order: at most one is on the wire,
// and the rest wait in a FIFO.
func (e *Engine) SendCommand(words ...string) *handle.Handle[*Reply] {
	h := handle.New[*Reply](e.fault)
	line, err := encodeCommand(words, e.cfg.Encoding)
	if err != nil {
		h.Reject(err)
		return h
	}
	c := &command{line: line, h: h}

	e.μ.Lock()
	switch e.st {
	case Dead:
		e.μ.Unlock()
		h.Reject(ErrChannelDead)
		return h
	case Ready, AwaitingReply:
		ch := e.ch
		e.μ.Unlock()
		ch.sendLine(e, c)
		return h
	default:
		e.μ.Unlock()
		h.Reject(asterwire.ErrNotConnected)
		return h
	}
}

// wireChannel is the ordinary write path: the command goes straight to
// the transport, one at a time.
type wireChannel struct{}

func (wireChannel) sendLine(e *Engine, c *command) {
	e.μ.Lock()
	switch e.st {
	case Ready:
		e.cur = c
		e.st = AwaitingReply
		tr := e.tr
		e.μ.Unlock()
		e.debug("sending command", "line", string(c.line))
		if err := tr.Write(c.line); err != nil {
			e.writeFailed(c, err)
		}
	case AwaitingReply:
		e.queue.Add(c)
		e.μ.Unlock()
	case Dead:
		e.μ.Unlock()
		if !c.h.Done() {
			c.h.Reject(ErrChannelDead)
		}
	default:
		e.μ.Unlock()
		if !c.h.Done() {
			c.h.Reject(asterwire.ErrNotConnected)
		}
	}
}

// ConnectionLost tears the session down: the in-flight command and every
// queued one are rejected with a *asterwire.ConnectionLostError carrying
// err. It implements part of the asterwire.Engine contract.
func (e *Engine) ConnectionLost(err error) {
	e.μ.Lock()
	cbs := e.failLocked(err)
	e.μ.Unlock()
	run(cbs)
}

// Close asks the transport to close; it does not block. Teardown finishes
// when ConnectionLost is delivered.
func (e *Engine) Close() error {
	e.μ.Lock()
	tr := e.tr
	e.μ.Unlock()
	if tr == nil {
		return nil
	}
	return tr.Close()
}

// failLocked finishes the session. Safe to call on an already-closed
// engine.
func (e *Engine) failLocked(cause error) []func() {
	if e.st == Closed {
		return nil
	}
	e.st = Closed
	e.inUsage, e.usageHead, e.usage = false, "", nil

	lost := &asterwire.ConnectionLostError{Cause: cause}
	var cbs []func()
	if e.cur != nil {
		cbs = append(cbs, e.rejectCB(e.cur.h, lost))
		e.cur = nil
	}
	for {
		c, ok := e.queue.Pop()
		if !ok {
			break
		}
		cbs = append(cbs, e.rejectCB(c.h, lost))
	}
	if tr := e.tr; tr != nil {
		cbs = append(cbs, func() { tr.Close() })
	}
	if sink := e.cfg.OnClose; sink != nil {
		cbs = append(cbs, func() { sink(cause) })
	}
	e.debug("session closed", "cause", cause)
	return cbs
}

// hangup poisons the session as if a 511 status had arrived on the wire:
// the Async-AGI executor calls this when the carrier reports the channel
// hung up.
func (e *Engine) hangup() {
	e.μ.Lock()
	if e.st == Closed || e.st == Dead {
		e.μ.Unlock()
		return
	}
	var cbs []func()
	if e.cur != nil {
		cbs = append(cbs, e.rejectCB(e.cur.h, ErrChannelDead))
	}
	cbs = append(cbs, e.poisonLocked()...)
	e.μ.Unlock()
	run(cbs)
}

func (e *Engine) resolveCB(h *handle.Handle[*Reply], r *Reply) func() {
	return func() {
		if h.Done() {
			return // abandoned by the caller; discard the reply
		}
		h.Resolve(r)
	}
}

func (e *Engine) rejectCB(h *handle.Handle[*Reply], err error) func() {
	return func() {
		if h.Done() {
			return
		}
		h.Reject(err)
	}
}

func (e *Engine) faultCB(err error) func() { return func() { e.fault(err) } }

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

// escapeRE marks the characters that need a backslash inside a quoted
// argument.
var escapeRE = regexp.MustCompile(`([\\"])`)

// escapeWord renders one command word for the wire: backslashes and
// quotes are escaped, and words that are empty or contain whitespace are
// quoted.
func escapeWord(word string) (string, error) {
	if strings.ContainsAny(word, "\x00\n") {
		return "", fmt.Errorf("forbidden character in AGI argument %q", word)
	}
	escaped := escapeRE.ReplaceAllString(word, `\$1`)
	if word == "" || escaped != word || strings.ContainsAny(word, " \t") {
		return `"` + escaped + `"`, nil
	}
	return escaped, nil
}

// encodeCommand assembles and encodes one command line from words.
func encodeCommand(words []string, enc encoding.Encoding) ([]byte, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("empty AGI command")
	}
	escaped := make([]string, len(words))
	for i, w := range words {
		var err error
		if escaped[i], err = escapeWord(w); err != nil {
			return nil, err
		}
	}
	return frame.EncodeText(strings.Join(escaped, " ")+eol, enc)
}

func run(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
