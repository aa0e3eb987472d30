// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package agi_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/voxhollow/asterwire"
	"github.com/voxhollow/asterwire/agi"
)

// fakeTransport records what the engine writes.
type fakeTransport struct {
	μ      sync.Mutex
	writes []string
	closed bool
	fail   error
}

func (t *fakeTransport) Write(data []byte) error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.writes = append(t.writes, string(data))
	return nil
}

func (t *fakeTransport) Close() error {
	t.μ.Lock()
	defer t.μ.Unlock()
	t.closed = true
	return nil
}

const testEnv = "agi_request: /tmp/hello.sh\n" +
	"agi_channel: SIP/x-0001\n" +
	"agi_uniqueid: 123.45\n" +
	"agi_arg_1: first\n" +
	"agi_arg_2: second\n" +
	"\n"

// startEngine returns an engine that has ingested the test environment.
func startEngine(t *testing.T, cfg agi.Config) (*agi.Engine, *fakeTransport) {
	t.Helper()
	eng := agi.New(cfg)
	tr := new(fakeTransport)
	eng.ConnectionMade(tr)
	eng.DataReceived([]byte(testEnv))
	if got := eng.State(); got != agi.Ready {
		t.Fatalf("State after environment: got %v, want %v", got, agi.Ready)
	}
	return eng, tr
}

func TestEnvironment(t *testing.T) {
	var ready bool
	eng, _ := startEngine(t, agi.Config{OnReady: func() { ready = true }})

	if !ready {
		t.Error("OnReady did not fire")
	}
	if got := eng.Env().Get("channel"); got != "SIP/x-0001" {
		t.Errorf("Env(channel): got %q, want SIP/x-0001", got)
	}
	if got := eng.Env().Get("uniqueid"); got != "123.45" {
		t.Errorf("Env(uniqueid): got %q, want 123.45", got)
	}
	if diff := cmp.Diff([]string{"first", "second"}, eng.Args()); diff != "" {
		t.Errorf("Args (-want, +got):\n%s", diff)
	}
	// Script arguments are not duplicated into the environment.
	if _, ok := eng.Env().Lookup("arg_1"); ok {
		t.Error("arg_1 leaked into the environment")
	}
}

func TestCommand(t *testing.T) {
	eng, tr := startEngine(t, agi.Config{})

	h := eng.SendCommand("ANSWER")
	if got := strings.Join(tr.writes, ""); got != "ANSWER\n" {
		t.Fatalf("Wire bytes: got %q, want %q", got, "ANSWER\n")
	}
	if got := eng.State(); got != agi.AwaitingReply {
		t.Fatalf("State: got %v, want %v", got, agi.AwaitingReply)
	}

	eng.DataReceived([]byte("200 result=0\n"))
	reply, err := h.Result()
	if err != nil {
		t.Fatalf("ANSWER: unexpected error: %v", err)
	}
	if reply.Code != 200 || reply.Result != "0" {
		t.Errorf("Reply: got %+v, want code 200 result 0", reply)
	}
	if got := eng.State(); got != agi.Ready {
		t.Errorf("State: got %v, want %v", got, agi.Ready)
	}
}

func TestResultParsing(t *testing.T) {
	eng, _ := startEngine(t, agi.Config{})

	h := eng.SendCommand("STREAM", "FILE", "beep", `""`)
	eng.DataReceived([]byte("200 result=1 (timeout) endpos=221\n"))

	reply, err := h.Result()
	if err != nil {
		t.Fatalf("STREAM FILE: unexpected error: %v", err)
	}
	if reply.Result != "1" {
		t.Errorf("Result: got %q, want 1", reply.Result)
	}
	if reply.Value != "timeout" {
		t.Errorf("Value: got %q, want timeout", reply.Value)
	}
	if got := reply.Extra["endpos"]; got != "221" {
		t.Errorf("Extra[endpos]: got %q, want 221", got)
	}
}

func TestCommandQueue(t *testing.T) {
	eng, tr := startEngine(t, agi.Config{})

	h1 := eng.SendCommand("ANSWER")
	h2 := eng.SendCommand("HANGUP")

	// Only the head may be on the wire.
	if got := strings.Join(tr.writes, ""); got != "ANSWER\n" {
		t.Fatalf("Wire bytes: got %q, want head only", got)
	}

	eng.DataReceived([]byte("200 result=0\n"))
	if _, err := h1.Result(); err != nil {
		t.Fatalf("ANSWER: unexpected error: %v", err)
	}
	if got := strings.Join(tr.writes, ""); got != "ANSWER\nHANGUP\n" {
		t.Fatalf("Wire bytes: got %q, want queued command written", got)
	}

	eng.DataReceived([]byte("200 result=1\n"))
	if _, err := h2.Result(); err != nil {
		t.Fatalf("HANGUP: unexpected error: %v", err)
	}
	if got := eng.State(); got != agi.Ready {
		t.Errorf("State: got %v, want %v", got, agi.Ready)
	}
}

func TestEscaping(t *testing.T) {
	eng, tr := startEngine(t, agi.Config{})

	eng.SendCommand("SET", "VARIABLE", "greeting", "hello world")
	want := "SET VARIABLE greeting \"hello world\"\n"
	if got := tr.writes[0]; got != want {
		t.Errorf("Wire bytes: got %q, want %q", got, want)
	}

	h := eng.SendCommand("NOOP", "bad\nline")
	if _, err := h.Result(); err == nil {
		t.Error("newline in argument: unexpectedly accepted")
	}
}

func TestInfoLines(t *testing.T) {
	eng, _ := startEngine(t, agi.Config{})

	h := eng.SendCommand("GOSUB", "ctx", "ext", "1")
	eng.DataReceived([]byte("100 result=0 Trying...\n"))
	if h.Done() {
		t.Fatal("informational line settled the command")
	}
	eng.DataReceived([]byte("200 result=0\n"))

	reply, err := h.Result()
	if err != nil {
		t.Fatalf("GOSUB: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"result=0 Trying..."}, reply.Info); diff != "" {
		t.Errorf("Info (-want, +got):\n%s", diff)
	}
}

func TestUnknownCommand(t *testing.T) {
	eng, _ := startEngine(t, agi.Config{})

	h := eng.SendCommand("FROBNICATE")
	eng.DataReceived([]byte("510 Invalid or unknown command\n"))

	_, err := h.Result()
	var cerr *agi.CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("FROBNICATE: got error %v, want CommandError", err)
	}
	if cerr.Code != 510 {
		t.Errorf("Code: got %d, want 510", cerr.Code)
	}
	// The engine remains usable.
	if got := eng.State(); got != agi.Ready {
		t.Errorf("State: got %v, want %v", got, agi.Ready)
	}
}

func TestDeadChannel(t *testing.T) {
	eng, tr := startEngine(t, agi.Config{})

	h1 := eng.SendCommand("ANSWER")
	h2 := eng.SendCommand("HANGUP") // queued behind h1
	eng.DataReceived([]byte("511 result=-1 Command Not Permitted on a dead channel\n"))

	if _, err := h1.Result(); !errors.Is(err, agi.ErrChannelDead) {
		t.Errorf("in-flight: got error %v, want ErrChannelDead", err)
	}
	if _, err := h2.Result(); !errors.Is(err, agi.ErrChannelDead) {
		t.Errorf("queued: got error %v, want ErrChannelDead", err)
	}

	// Later sends fail immediately, touching no bytes.
	before := strings.Join(tr.writes, "")
	h3 := eng.SendCommand("NOOP")
	if _, err := h3.Result(); !errors.Is(err, agi.ErrChannelDead) {
		t.Errorf("after death: got error %v, want ErrChannelDead", err)
	}
	if got := strings.Join(tr.writes, ""); got != before {
		t.Errorf("Wire bytes changed after death: %q", got)
	}
	if got := eng.State(); got != agi.Dead {
		t.Errorf("State: got %v, want %v", got, agi.Dead)
	}
}

func TestUsageError(t *testing.T) {
	eng, _ := startEngine(t, agi.Config{})

	h := eng.SendCommand("RECORD", "FILE")
	eng.DataReceived([]byte(
		"520-Invalid command syntax. Proper usage follows:\n" +
			"Usage: RECORD FILE <filename> <format> ...\n" +
			"records the channel to the given file\n" +
			"520 End of proper usage.\n"))

	_, err := h.Result()
	var uerr *agi.UsageError
	if !errors.As(err, &uerr) {
		t.Fatalf("RECORD: got error %v, want UsageError", err)
	}
	want := []string{
		"Usage: RECORD FILE <filename> <format> ...",
		"records the channel to the given file",
	}
	if diff := cmp.Diff(want, uerr.Usage); diff != "" {
		t.Errorf("Usage (-want, +got):\n%s", diff)
	}
	// A usage error is not fatal to the session.
	if got := eng.State(); got != agi.Ready {
		t.Errorf("State: got %v, want %v", got, agi.Ready)
	}
}

func TestSplitDelivery(t *testing.T) {
	eng := agi.New(agi.Config{})
	eng.ConnectionMade(new(fakeTransport))
	for _, b := range []byte(testEnv) {
		eng.DataReceived([]byte{b})
	}
	if got := eng.State(); got != agi.Ready {
		t.Fatalf("State: got %v, want %v", got, agi.Ready)
	}

	h := eng.SendCommand("ANSWER")
	for _, b := range []byte("200 result=0\n") {
		eng.DataReceived([]byte{b})
	}
	if _, err := h.Result(); err != nil {
		t.Errorf("ANSWER: unexpected error: %v", err)
	}
}

func TestConnectionLost(t *testing.T) {
	var cause error
	eng, _ := startEngine(t, agi.Config{OnClose: func(err error) { cause = err }})

	h1 := eng.SendCommand("ANSWER")
	h2 := eng.SendCommand("HANGUP")
	errReset := errors.New("reset")
	eng.ConnectionLost(errReset)

	for i, h := range []interface{ Result() (*agi.Reply, error) }{h1, h2} {
		_, err := h.Result()
		var lost *asterwire.ConnectionLostError
		if !errors.As(err, &lost) {
			t.Errorf("handle %d: got error %v, want ConnectionLostError", i, err)
		}
	}
	if !errors.Is(cause, errReset) {
		t.Errorf("OnClose cause: got %v, want reset", cause)
	}
	if got := eng.State(); got != agi.Closed {
		t.Errorf("State: got %v, want %v", got, agi.Closed)
	}

	h := eng.SendCommand("NOOP")
	if _, err := h.Result(); !errors.Is(err, asterwire.ErrNotConnected) {
		t.Errorf("send after close: got error %v, want ErrNotConnected", err)
	}
}

func TestBadEnvironment(t *testing.T) {
	eng := agi.New(agi.Config{})
	eng.ConnectionMade(new(fakeTransport))
	eng.DataReceived([]byte("not an agi header\n"))
	if got := eng.State(); got != agi.Closed {
		t.Errorf("State: got %v, want %v", got, agi.Closed)
	}
}

func TestTypedCommands(t *testing.T) {
	eng, tr := startEngine(t, agi.Config{})

	tests := []struct {
		send func()
		want string
	}{
		{func() { eng.Answer() }, "ANSWER\n"},
		{func() { eng.Hangup() }, "HANGUP\n"},
		{func() { eng.GetVariable("CALLERID") }, "GET VARIABLE CALLERID\n"},
		{func() { eng.SetVariable("X", "y z") }, "SET VARIABLE X \"y z\"\n"},
		{func() { eng.SayDigits(42, "#") }, "SAY DIGITS 42 #\n"},
		{func() { eng.WaitForDigit(5000) }, "WAIT FOR DIGIT 5000\n"},
		{func() { eng.Verbose("hi there", 1) }, "VERBOSE \"hi there\" 1\n"},
	}
	for _, test := range tests {
		n := len(tr.writes)
		test.send()
		if len(tr.writes) != n+1 {
			t.Fatalf("command %q was not written", test.want)
		}
		if got := tr.writes[n]; got != test.want {
			t.Errorf("Wire bytes: got %q, want %q", got, test.want)
		}
		eng.DataReceived([]byte("200 result=0\n"))
	}
}
