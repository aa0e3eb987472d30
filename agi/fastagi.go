// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package agi

import (
	"errors"
	"net"

	"github.com/creachadair/taskgroup"

	"github.com/voxhollow/asterwire"
)

// Port is the conventional FastAGI TCP port.
const Port = 4573

// Serve accepts FastAGI connections from lst and drives one engine per
// connection until the listener closes. For each accepted connection it
// obtains an engine from factory and pumps the connection into it; the
// engine's Config callbacks (OnReady, OnClose) are the session lifecycle
// notifications, so a session handler typically lives in the factory:
//
//	agi.Serve(lst, func() *agi.Engine {
//	    var e *agi.Engine
//	    e = agi.New(agi.Config{OnReady: func() { go answer(e) }})
//	    return e
//	})
//
// Serve blocks until the listener closes, then waits for running
// sessions to finish before returning.
func Serve(lst net.Listener, factory func() *Engine) error {
	g := taskgroup.New(nil)
	for {
		conn, err := lst.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}
		e := factory()
		g.Go(func() error { return asterwire.Drive(e, conn) })
	}
}
