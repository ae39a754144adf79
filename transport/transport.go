// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the rpcmple.Transport
// interface.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Pipe constructs a connected pair of in-memory transports. Data written to
// A is read from B and vice versa. Each Write blocks until the data have been
// taken by the peer's reader, but a reader may consume a write in several
// pieces.
func Pipe() (A, B *PipeTransport) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	A = &PipeTransport{out: a2b, in: b2a, done: done, stop: stop}
	B = &PipeTransport{out: b2a, in: a2b, done: done, stop: stop}
	return
}

// A PipeTransport is one end of an in-memory transport created by Pipe.
// Closing either end closes both.
type PipeTransport struct {
	out  chan<- []byte
	in   <-chan []byte
	done chan struct{}
	stop func()

	rest []byte // unread portion of the last chunk received
}

// Open implements a method of the [rpcmple.Transport] interface.
func (*PipeTransport) Open() error { return nil }

// Write implements a method of the [rpcmple.Transport] interface.
func (p *PipeTransport) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	chunk := append([]byte(nil), data...)
	select {
	case <-p.done:
		return net.ErrClosed
	default:
	}
	select {
	case p.out <- chunk:
		return nil
	case <-p.done:
		return net.ErrClosed
	}
}

// Read implements a method of the [rpcmple.Transport] interface.
func (p *PipeTransport) Read(buf []byte) (int, error) {
	if len(p.rest) == 0 {
		select {
		case chunk := <-p.in:
			p.rest = chunk
		case <-p.done:
			return 0, net.ErrClosed
		}
	}
	n := copy(buf, p.rest)
	p.rest = p.rest[n:]
	return n, nil
}

// Close implements a method of the [rpcmple.Transport] interface.
func (p *PipeTransport) Close() error { p.stop(); return nil }

// IO constructs a transport that reads from r and writes to wc. Closing the
// transport closes wc.
func IO(r io.Reader, wc io.WriteCloser) *IOTransport {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &IOTransport{r: r, w: bufio.NewWriter(wc), c: wc}
}

// Conn constructs a transport that reads and writes conn.
func Conn(conn net.Conn) *IOTransport { return IO(conn, conn) }

// Stdio constructs a transport that reads from os.Stdin and writes to
// os.Stdout, for communicating with a parent process.
// Closing the transport closes both.
func Stdio() *IOTransport { return IO(os.Stdin, stdout{}) }

type stdout struct{}

func (stdout) Write(data []byte) (int, error) { return os.Stdout.Write(data) }

func (stdout) Close() error { return errors.Join(os.Stdin.Close(), os.Stdout.Close()) }

// An IOTransport reads from a reader and writes to a buffered writer, which
// is flushed after each write.
type IOTransport struct {
	r io.Reader
	w *bufio.Writer
	c io.Closer
}

// Open implements a method of the [rpcmple.Transport] interface.
func (*IOTransport) Open() error { return nil }

// Write implements a method of the [rpcmple.Transport] interface.
func (t *IOTransport) Write(data []byte) error {
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	return t.w.Flush()
}

// Read implements a method of the [rpcmple.Transport] interface.
func (t *IOTransport) Read(buf []byte) (int, error) { return t.r.Read(buf) }

// Close implements a method of the [rpcmple.Transport] interface.
func (t *IOTransport) Close() error { return t.c.Close() }

// Dial constructs a transport that connects to address on the given network
// when it is opened. The network and address have the same meaning as for
// net.Dial; use SplitAddress to guess a network from an address.
func Dial(network, address string) *DialTransport {
	return &DialTransport{network: network, address: address}
}

// A DialTransport is a network transport that connects when opened.
type DialTransport struct {
	network, address string

	// Timeout, if positive, bounds the time Open waits for the connection.
	Timeout time.Duration

	μ      sync.Mutex
	conn   net.Conn
	closed bool
}

// Open implements a method of the [rpcmple.Transport] interface.
func (d *DialTransport) Open() error {
	conn, err := net.DialTimeout(d.network, d.address, d.Timeout)
	if err != nil {
		return err
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.closed {
		conn.Close()
		return net.ErrClosed
	}
	d.conn = conn
	return nil
}

func (d *DialTransport) getConn() (net.Conn, error) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.conn == nil || d.closed {
		return nil, net.ErrClosed
	}
	return d.conn, nil
}

// Write implements a method of the [rpcmple.Transport] interface.
func (d *DialTransport) Write(data []byte) error {
	conn, err := d.getConn()
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// Read implements a method of the [rpcmple.Transport] interface.
func (d *DialTransport) Read(buf []byte) (int, error) {
	conn, err := d.getConn()
	if err != nil {
		return 0, err
	}
	return conn.Read(buf)
}

// Close implements a method of the [rpcmple.Transport] interface.
func (d *DialTransport) Close() error {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.closed = true
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
