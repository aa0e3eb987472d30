// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package agi

import (
	"strconv"

	"github.com/voxhollow/asterwire/handle"
)

// This file provides typed veneers over SendCommand for the common AGI
// commands. Each returns the same handle SendCommand would; commands with
// richer arguments can always be sent directly.

// Answer answers the channel.
func (e *Engine) Answer() *handle.Handle[*Reply] {
	return e.SendCommand("ANSWER")
}

// Hangup hangs up the current channel, or the named one if given.
func (e *Engine) Hangup(channel ...string) *handle.Handle[*Reply] {
	return e.SendCommand(append([]string{"HANGUP"}, channel...)...)
}

// Noop does nothing on the server, echoing its arguments into the AGI
// debug log.
func (e *Engine) Noop(args ...string) *handle.Handle[*Reply] {
	return e.SendCommand(append([]string{"NOOP"}, args...)...)
}

// Verbose logs message at the given verbosity level.
func (e *Engine) Verbose(message string, level int) *handle.Handle[*Reply] {
	return e.SendCommand("VERBOSE", message, strconv.Itoa(level))
}

// ChannelStatus reports the status of the current channel, or the named
// one if given; the numeric status is in the reply's Result.
func (e *Engine) ChannelStatus(channel ...string) *handle.Handle[*Reply] {
	return e.SendCommand(append([]string{"CHANNEL", "STATUS"}, channel...)...)
}

// GetVariable fetches a channel variable; its value is in the reply's
// Value when set.
func (e *Engine) GetVariable(name string) *handle.Handle[*Reply] {
	return e.SendCommand("GET", "VARIABLE", name)
}

// SetVariable sets a channel variable.
func (e *Engine) SetVariable(name, value string) *handle.Handle[*Reply] {
	return e.SendCommand("SET", "VARIABLE", name, value)
}

// StreamFile plays the named sound file, interruptible by any of the
// escape digits.
func (e *Engine) StreamFile(name, escapeDigits string) *handle.Handle[*Reply] {
	return e.SendCommand("STREAM", "FILE", name, escapeDigits)
}

// SayDigits says the digits of n.
func (e *Engine) SayDigits(n int, escapeDigits string) *handle.Handle[*Reply] {
	return e.SendCommand("SAY", "DIGITS", strconv.Itoa(n), escapeDigits)
}

// SayNumber says n as a number.
func (e *Engine) SayNumber(n int, escapeDigits string) *handle.Handle[*Reply] {
	return e.SendCommand("SAY", "NUMBER", strconv.Itoa(n), escapeDigits)
}

// SayAlpha spells out the characters of text.
func (e *Engine) SayAlpha(text, escapeDigits string) *handle.Handle[*Reply] {
	return e.SendCommand("SAY", "ALPHA", text, escapeDigits)
}

// WaitForDigit waits up to timeoutMS milliseconds for a DTMF digit; the
// reply's Result carries the ASCII code of the digit, or 0 on timeout.
func (e *Engine) WaitForDigit(timeoutMS int) *handle.Handle[*Reply] {
	return e.SendCommand("WAIT", "FOR", "DIGIT", strconv.Itoa(timeoutMS))
}

// Exec runs a dialplan application with the given options.
func (e *Engine) Exec(app string, options ...string) *handle.Handle[*Reply] {
	return e.SendCommand(append([]string{"EXEC", app}, options...)...)
}
