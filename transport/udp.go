// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"errors"
	"net"
	"sync"
)

// MaxDatagram is the largest UDP payload the UDP transport sends or receives.
const MaxDatagram = 65507

// ListenUDP constructs a UDP transport bound to address. Until a datagram has
// been received, the transport has no peer and Write reports an error; after
// that, it writes to the sender of the most recent datagram.
func ListenUDP(address string) *UDPTransport {
	return &UDPTransport{local: address}
}

// DialUDP constructs a UDP transport that sends to address from an ephemeral
// local port.
func DialUDP(address string) *UDPTransport {
	return &UDPTransport{remote: address}
}

// A UDPTransport carries a byte stream over UDP datagrams. Writes larger than
// MaxDatagram are split across several datagrams. Each received datagram is
// buffered internally, so a datagram may be consumed by several reads.
//
// UDP does not guarantee delivery or ordering; the transport is suitable for
// local networks and loss-tolerant publishers.
type UDPTransport struct {
	local, remote string
	broadcast     bool

	μ      sync.Mutex
	conn   *net.UDPConn
	peer   *net.UDPAddr
	closed bool

	buf  []byte // datagram receive buffer
	rest []byte // unread portion of buf
}

// Broadcast enables or disables sending to broadcast addresses and returns u
// to permit chaining. It must be called before the transport is opened.
func (u *UDPTransport) Broadcast(enable bool) *UDPTransport { u.broadcast = enable; return u }

// Open implements a method of the [rpcmple.Transport] interface.
func (u *UDPTransport) Open() error {
	var peer *net.UDPAddr
	if u.remote != "" {
		addr, err := net.ResolveUDPAddr("udp", u.remote)
		if err != nil {
			return err
		}
		peer = addr
	}
	var laddr *net.UDPAddr
	if u.local != "" {
		addr, err := net.ResolveUDPAddr("udp", u.local)
		if err != nil {
			return err
		}
		laddr = addr
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	if u.broadcast {
		if err := setBroadcast(conn); err != nil {
			conn.Close()
			return err
		}
	}

	u.μ.Lock()
	defer u.μ.Unlock()
	if u.closed {
		conn.Close()
		return net.ErrClosed
	}
	u.conn, u.peer = conn, peer
	u.buf = make([]byte, MaxDatagram)
	return nil
}

// LocalAddr returns the local address of the transport, or nil if it is not
// open.
func (u *UDPTransport) LocalAddr() net.Addr {
	u.μ.Lock()
	defer u.μ.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// errNoPeer is reported by Write when no peer address is known.
var errNoPeer = errors.New("udp: no peer address")

// Write implements a method of the [rpcmple.Transport] interface.
func (u *UDPTransport) Write(data []byte) error {
	u.μ.Lock()
	conn, peer, closed := u.conn, u.peer, u.closed
	u.μ.Unlock()
	if conn == nil || closed {
		return net.ErrClosed
	} else if peer == nil {
		return errNoPeer
	}
	for len(data) > 0 {
		n := min(len(data), MaxDatagram)
		if _, err := conn.WriteToUDP(data[:n], peer); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Read implements a method of the [rpcmple.Transport] interface.
func (u *UDPTransport) Read(buf []byte) (int, error) {
	for len(u.rest) == 0 {
		u.μ.Lock()
		conn := u.conn
		u.μ.Unlock()
		if conn == nil {
			return 0, net.ErrClosed
		}
		n, from, err := conn.ReadFromUDP(u.buf)
		if err != nil {
			return 0, err
		}
		u.μ.Lock()
		if u.remote == "" {
			u.peer = from
		}
		u.μ.Unlock()
		u.rest = u.buf[:n] // empty datagrams are skipped
	}
	n := copy(buf, u.rest)
	u.rest = u.rest[n:]
	return n, nil
}

// Close implements a method of the [rpcmple.Transport] interface.
func (u *UDPTransport) Close() error {
	u.μ.Lock()
	defer u.μ.Unlock()
	u.closed = true
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}
