// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package rpcmple

import (
	"expvar"
	"fmt"
	"io"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultReadSize is the default size of the buffer an endpoint reads into.
const DefaultReadSize = 4096

// An Endpoint runs the framing loop that connects a Protocol to a Transport.
//
// The loop reads exactly as many bytes as the protocol asks for, tolerating
// any fragmentation or coalescing of the underlying stream, hands each
// complete message to the protocol, and writes whatever the protocol has to
// send in reply. Any transport, parse, or write failure stops the loop and
// closes the transport.
//
// Call Start to run the loop in a new goroutine, or Run to run it on the
// calling goroutine. An endpoint runs at most once.
type Endpoint struct {
	proto Protocol
	id    uuid.UUID
	name  string

	μ        sync.Mutex
	t        Transport
	done     chan struct{} // closed when the loop exits
	stopped  bool          // Stop has been called
	err      error         // terminal status
	mlog     MessageLogger
	onExit   func(error)
	log      *logrus.Entry
	readSize int
}

// NewEndpoint constructs a new unstarted endpoint for the given protocol.
func NewEndpoint(p Protocol) *Endpoint {
	e := &Endpoint{
		proto:    p,
		id:       uuid.New(),
		name:     protocolName(p),
		readSize: DefaultReadSize,
	}
	e.log = e.newEntry(logrus.StandardLogger())
	if b, ok := p.(binder); ok {
		b.bind(e)
	}
	return e
}

func protocolName(p Protocol) string {
	switch p.(type) {
	case *Server:
		return "server"
	case *Client:
		return "client"
	case *Publisher:
		return "publisher"
	case *Subscriber:
		return "subscriber"
	default:
		return fmt.Sprintf("%T", p)
	}
}

func (e *Endpoint) newEntry(log *logrus.Logger) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"app":      "rpcmple",
		"endpoint": e.id.String(),
		"proto":    e.name,
	})
}

// ID returns the unique identifier of e, which is attached to its logs.
func (e *Endpoint) ID() uuid.UUID { return e.id }

// Protocol returns the protocol driven by e.
func (e *Endpoint) Protocol() Protocol { return e.proto }

// Log returns the log entry used by e and its protocol.
func (e *Endpoint) Log() *logrus.Entry {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.log
}

// Logger sets the logger used by e. If log == nil the standard logger is
// used. Logger returns e to permit chaining.
func (e *Endpoint) Logger(log *logrus.Logger) *Endpoint {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e.μ.Lock()
	defer e.μ.Unlock()
	e.log = e.newEntry(log)
	return e
}

// ReadSize sets the minimum number of bytes e requests from each transport
// read. If n <= 0, DefaultReadSize is used. ReadSize returns e to permit
// chaining.
func (e *Endpoint) ReadSize(n int) *Endpoint {
	if n <= 0 {
		n = DefaultReadSize
	}
	e.μ.Lock()
	defer e.μ.Unlock()
	e.readSize = n
	return e
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the remote endpoint. Passing nil disables message logging.
// The logger is invoked synchronously by the loop, before a message is parsed
// or after it is written. LogMessages returns e to permit chaining.
func (e *Endpoint) LogMessages(log MessageLogger) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.mlog = log
	return e
}

// OnExit registers a callback to be invoked when the loop terminates.  The
// callback is executed exactly once, synchronously during shutdown, with the
// same error value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed. OnExit returns e to permit chaining.
func (e *Endpoint) OnExit(f func(error)) *Endpoint {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.onExit = f
	return e
}

// Metrics returns a metrics map for the endpoint. Metrics are shared among
// all endpoints in the process. It is safe for the caller to add additional
// metrics to the map while the endpoint is active.
func (e *Endpoint) Metrics() *expvar.Map { return Metrics() }

// Start starts the loop running on t in a new goroutine. It does not block;
// call Wait to wait for the loop to exit and report its status. Start panics
// if e has already been started.
func (e *Endpoint) Start(t Transport) *Endpoint {
	e.setup(t)
	taskgroup.Go(func() error { e.run(t); return nil })
	return e
}

// Run runs the loop on t, blocking until it exits, and reports its status as
// Wait does. Run panics if e has already been started.
func (e *Endpoint) Run(t Transport) error {
	e.setup(t)
	e.run(t)
	return e.Wait()
}

func (e *Endpoint) setup(t Transport) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.done != nil {
		panic("endpoint is already started")
	}
	e.t = t
	e.done = make(chan struct{})
}

// Stop stops the loop and closes the transport. It blocks until the loop has
// exited and returns its status. Stop is safe to call more than once and from
// multiple goroutines, but must not be called from within a protocol callback
// running on the loop.
func (e *Endpoint) Stop() error {
	e.μ.Lock()
	t, done, first := e.t, e.done, !e.stopped
	e.stopped = true
	e.μ.Unlock()

	if done == nil {
		// The endpoint was never started. Stop the protocol so that a later
		// Start exits promptly instead of waiting for work.
		if first {
			e.proto.Stop()
		}
		return nil
	}
	if first {
		e.proto.Stop()
		t.Close()
	}
	return e.Wait()
}

// Wait blocks until e terminates and reports the error that caused it to stop.
//
// If e was not started, or stopped because of Stop or a closed transport,
// Wait returns nil; otherwise it returns the error that terminated the loop.
func (e *Endpoint) Wait() error {
	e.μ.Lock()
	done := e.done
	e.μ.Unlock()
	if done == nil {
		return nil // the endpoint is not running
	}
	<-done

	e.μ.Lock()
	defer e.μ.Unlock()
	return e.err
}

func (e *Endpoint) isStopped() bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.stopped
}

// run executes the loop and performs shutdown.
func (e *Endpoint) run(t Transport) {
	err := e.loop(t)
	t.Close()
	e.proto.Stop()

	e.μ.Lock()
	if e.stopped || treatErrorAsSuccess(err) {
		e.err = nil
	} else {
		e.err = err
	}
	status, onExit, log := e.err, e.onExit, e.log
	e.μ.Unlock()

	if status != nil {
		log.WithError(status).Warn("endpoint failed")
	} else {
		log.WithField("reason", err).Info("endpoint closed")
	}
	if onExit != nil {
		onExit(status)
	}
	close(e.done)
}

func (e *Endpoint) loop(t Transport) error {
	if e.isStopped() {
		return ErrStopped
	}
	if err := t.Open(); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	e.μ.Lock()
	r := &reader{t: t, size: e.readSize}
	e.μ.Unlock()

	var out []byte
	send := func() error {
		var err error
		out, err = e.proto.WriteMessage(out[:0])
		if err != nil {
			return err
		} else if len(out) == 0 {
			return nil
		}
		if err := t.Write(out); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		rootMetrics.msgSent.Add(1)
		rootMetrics.bytesSent.Add(int64(len(out)))
		e.logMessage(out, true)
		return nil
	}

	if e.proto.Requester() && !e.isStopped() {
		if err := send(); err != nil {
			return err
		}
	}
	for !e.isStopped() {
		if n := e.proto.MessageLen(); n > 0 {
			msg, err := r.next(n)
			if err != nil {
				return err
			}
			rootMetrics.msgRecv.Add(1)
			rootMetrics.bytesRecv.Add(int64(n))
			e.logMessage(msg, false)
			if err := e.proto.ParseMessage(msg); err != nil {
				return err
			}
		}
		if err := send(); err != nil {
			return err
		}
	}
	return ErrStopped
}

func (e *Endpoint) logMessage(data []byte, sent bool) {
	e.μ.Lock()
	mlog, log := e.mlog, e.log
	e.μ.Unlock()

	info := MessageInfo{Data: data, Sent: sent}
	if mlog != nil {
		mlog(info)
	}
	if log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		log.Trace(info.String())
	}
}

// reader accumulates transport reads into complete messages.
type reader struct {
	t    Transport
	size int    // minimum read request
	buf  []byte // buffered input, buf[pos:] is unconsumed
	pos  int
}

// next returns the next n bytes of input, reading from the transport as
// needed. The result is valid until the following call to next.
func (r *reader) next(n int) ([]byte, error) {
	if len(r.buf)-r.pos >= n {
		msg := r.buf[r.pos : r.pos+n]
		r.pos += n
		return msg, nil
	}

	// Move the unconsumed tail to the front before reading more.
	if r.pos > 0 {
		m := copy(r.buf, r.buf[r.pos:])
		r.buf = r.buf[:m]
		r.pos = 0
	}
	for len(r.buf) < n {
		if free := cap(r.buf) - len(r.buf); free < r.size || cap(r.buf) < n {
			nb := make([]byte, len(r.buf), max(n, len(r.buf)+r.size))
			copy(nb, r.buf)
			r.buf = nb
		}
		k, err := r.t.Read(r.buf[len(r.buf):cap(r.buf)])
		r.buf = r.buf[:len(r.buf)+k]
		if len(r.buf) >= n {
			break // a complete message is available; report err next time
		} else if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		} else if k == 0 {
			return nil, fmt.Errorf("read: %w", io.EOF)
		}
	}
	r.pos = n
	return r.buf[:n], nil
}
