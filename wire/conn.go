package wire

import (
	"fmt"
	"net"
)

// Conn is the transport-agnostic interface a peer speaks over, whether
// the underlying link is a raw TCP socket or a websocket.
type Conn interface {
	Send(rec Record) error
	Recv() (Record, error)
	Close() error
	// RemoteAddr identifies the peer for logging; "" if unknown
	// (in-process peering never goes through a Conn at all).
	RemoteAddr() string
}

// tcpConn frames records directly over a net.Conn (closest to
// original_source's CAF middleman: one TCP byte stream per peering).
type tcpConn struct {
	nc net.Conn
}

// DialTCP connects to addr and returns a framed Conn.
func DialTCP(addr string) (Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return &tcpConn{nc: nc}, nil
}

// ListenTCP listens on addr, invoking accept for every inbound
// connection until the listener is closed.
func ListenTCP(addr string, accept func(Conn)) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: listen %s: %w", addr, err)
	}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go accept(&tcpConn{nc: nc})
		}
	}()
	return ln, nil
}

func (c *tcpConn) Send(rec Record) error    { return Encode(c.nc, rec) }
func (c *tcpConn) Recv() (Record, error)    { return Decode(c.nc) }
func (c *tcpConn) Close() error             { return c.nc.Close() }
func (c *tcpConn) RemoteAddr() string       { return c.nc.RemoteAddr().String() }
