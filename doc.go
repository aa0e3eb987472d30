// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package asterwire implements the two text protocols used to control an
// Asterisk telephony switch: the Manager Interface (AMI) and the Gateway
// Interface (AGI).
//
// The package is organized around protocol engines that own no sockets.
// An engine is handed an opaque [Transport] for its outbound frames and is
// fed received bytes through its DataReceived method, so it can be driven
// by any I/O loop. The [Drive] helper pumps a net.Conn into an engine for
// the common case.
//
// # AMI
//
// The [github.com/voxhollow/asterwire/ami] package implements the manager
// side of AMI: it validates the server banner, tracks the login lifecycle,
// correlates responses with pending actions by ActionID, accumulates
// list-style responses that interleave with unrelated traffic, and
// dispatches asynchronous events through a registry.
//
//	m := ami.New(ami.Config{})
//	go asterwire.Drive(m, conn)
//
//	login := m.SendAction("Login", []frame.Pair{
//	    {Key: "Username", Value: user},
//	    {Key: "Secret", Value: secret},
//	}, nil)
//	login.OnResult(func(rsp *ami.Response) { /* authenticated */ })
//
// Requests return a handle, a single-shot deferred result defined in
// [github.com/voxhollow/asterwire/handle] that is settled by subsequent
// input.
//
// The [github.com/voxhollow/asterwire/ami/calls] package layers a small
// call tracker on top of the engine, correlating an Originate action with
// the channel events that follow it.
//
// # AGI
//
// The [github.com/voxhollow/asterwire/agi] package implements the
// controlling side of an AGI session: it ingests the environment block,
// then issues commands one at a time and parses the numeric reply grammar,
// including multi-line usage errors and dead-channel poisoning. The same
// engine speaks FastAGI via [Drive], script AGI when an I/O loop feeds it
// from a pipe, and Async AGI through an executor that tunnels the session
// over an AMI engine.
//
// # Framing
//
// The [github.com/voxhollow/asterwire/frame] package holds the shared
// line framer and the ordered header block used by both engines. It is a
// pure accumulator: bytes in, lines and header blocks out, no I/O.
package asterwire
