// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package agi_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/voxhollow/asterwire/agi"
	"github.com/voxhollow/asterwire/handle"
)

// settle blocks until h settles and returns its outcome, with a timeout
// so a broken test fails instead of hanging.
func settle[T any](t *testing.T, h *handle.Handle[T]) (T, error) {
	t.Helper()
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	h.OnResult(func(v T) { ch <- outcome{v: v} })
	h.OnReject(func(err error) { ch <- outcome{err: err} })
	select {
	case o := <-ch:
		return o.v, o.err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handle")
		panic("unreachable")
	}
}

func TestServe(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	sessions := make(chan *agi.Engine, 1)
	srvDone := make(chan error, 1)
	go func() {
		srvDone <- agi.Serve(lst, func() *agi.Engine {
			var e *agi.Engine
			e = agi.New(agi.Config{OnReady: func() { sessions <- e }})
			return e
		})
	}()

	conn, err := net.Dial("tcp", lst.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// Play the Asterisk side: send the environment, answer one command.
	if _, err := conn.Write([]byte("agi_channel: SIP/x-0001\nagi_uniqueid: 9.9\n\n")); err != nil {
		t.Fatalf("Write environment: %v", err)
	}

	var eng *agi.Engine
	select {
	case eng = <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for session")
	}
	if got := eng.Env().Get("uniqueid"); got != "9.9" {
		t.Errorf("Env(uniqueid): got %q, want 9.9", got)
	}

	h := eng.Answer()
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("Read command: %v", err)
	}
	if line != "ANSWER\n" {
		t.Errorf("Command line: got %q, want ANSWER", line)
	}
	if _, err := conn.Write([]byte("200 result=0\n")); err != nil {
		t.Fatalf("Write reply: %v", err)
	}

	reply, err := settle(t, h)
	if err != nil {
		t.Fatalf("ANSWER: unexpected error: %v", err)
	}
	if reply.Code != 200 {
		t.Errorf("Code: got %d, want 200", reply.Code)
	}

	conn.Close()
	lst.Close()
	if err := <-srvDone; err != nil {
		t.Errorf("Serve: unexpected error: %v", err)
	}
}
