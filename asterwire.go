// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package asterwire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
)

// A Transport is the outbound half of a connection as seen by an engine.
// Engines call Write with fully-encoded frames, terminator included, and
// Close to initiate shutdown. Engines never read from a transport; inbound
// bytes are pushed into them through DataReceived.
type Transport interface {
	// Write the encoded bytes to the peer.
	Write(data []byte) error

	// Close the underlying connection. After Close, the driver is expected
	// to deliver ConnectionLost to the engine once teardown is complete.
	Close() error
}

// An Engine is a protocol state machine driven by an external I/O loop.
// Both the AMI and AGI engines satisfy this contract. All three methods
// must be called from a single driving goroutine.
type Engine interface {
	// ConnectionMade hands the engine its transport.
	ConnectionMade(t Transport)

	// DataReceived feeds received bytes into the engine. Chunk boundaries
	// are arbitrary; the engine reassembles frames itself.
	DataReceived(data []byte)

	// ConnectionLost reports that the connection closed. The error is the
	// underlying cause, or nil for an orderly close.
	ConnectionLost(err error)
}

// ErrNotConnected is reported for requests issued before the engine is
// ready to carry them, or after its connection has closed.
var ErrNotConnected = errors.New("not connected")

// A ProtocolError reports data that violates the wire protocol. Protocol
// errors are fatal to the connection unless otherwise noted.
type ProtocolError struct {
	Reason string // what was violated
	Line   string // the offending line, if any
}

// Error satisfies the error interface.
func (p *ProtocolError) Error() string {
	if p.Line == "" {
		return "protocol error: " + p.Reason
	}
	return fmt.Sprintf("protocol error: %s: %q", p.Reason, p.Line)
}

// A ConnectionLostError is reported to every handle still pending when its
// engine's connection goes away.
type ConnectionLostError struct {
	Cause error // the underlying cause, or nil for an orderly close
}

// Error satisfies the error interface.
func (c *ConnectionLostError) Error() string {
	if c.Cause == nil {
		return "connection lost"
	}
	return "connection lost: " + c.Cause.Error()
}

// Unwrap reports the underlying cause of c, which may be nil.
func (c *ConnectionLostError) Unwrap() error { return c.Cause }

// connTransport adapts a net.Conn to the Transport interface.
type connTransport struct{ conn net.Conn }

func (c connTransport) Write(data []byte) error { _, err := c.conn.Write(data); return err }
func (c connTransport) Close() error            { return c.conn.Close() }

// NewConnTransport adapts conn to the Transport interface.
func NewConnTransport(conn net.Conn) Transport { return connTransport{conn: conn} }

// Drive connects e to conn and pumps received bytes into it until the
// connection closes or ctx-free teardown occurs via the engine closing the
// transport. It delivers ConnectionMade before reading and ConnectionLost
// when the read loop ends, then reports the terminal read error, or nil if
// the connection closed in an orderly way.
//
// Drive blocks; run it in its own goroutine (or a taskgroup task) when the
// caller needs to issue requests concurrently.
func Drive(e Engine, conn net.Conn) error {
	e.ConnectionMade(connTransport{conn: conn})

	buf := make([]byte, 4096)
	br := bufio.NewReader(conn)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			e.DataReceived(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				e.ConnectionLost(nil)
				return nil
			}
			e.ConnectionLost(err)
			return err
		}
	}
}
