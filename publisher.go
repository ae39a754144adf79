// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package rpcmple

import (
	"context"
	"fmt"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/rpcmple/packet"
	"github.com/creachadair/rpcmple/variant"
	"golang.org/x/time/rate"
)

// BatchSize is the soft limit on the number of bytes a batching publisher
// combines into one write.
const BatchSize = 1024

// A Publisher is the Protocol for the sending side of a one-way message
// stream. Messages passed to Publish are encoded under a fixed signature and
// queued, and the endpoint writes them in order as frames whose header flag
// is 1. A publisher never reads.
type Publisher struct {
	sig   variant.Signature
	order packet.Order
	batch bool
	lim   *rate.Limiter

	μ        sync.Mutex
	q        queue.Queue[[]byte]
	idle     chan struct{} // closed when the queue is empty and written
	isIdle   bool
	ready    chan struct{} // signals the loop that the queue is non-empty
	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewPublisher constructs a publisher for messages with the given signature,
// using little-endian byte order and no batching.
func NewPublisher(sig variant.Signature) *Publisher {
	p := &Publisher{
		sig:    sig,
		order:  packet.LittleEndian,
		idle:   make(chan struct{}),
		isIdle: true,
		ready:  make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	close(p.idle)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Batch enables or disables batching and returns p to permit chaining. When
// batching is enabled, each write combines queued messages until the queue
// is empty or the write reaches BatchSize bytes.
func (p *Publisher) Batch(enable bool) *Publisher { p.batch = enable; return p }

// ByteOrder sets the byte order of the wire encoding and returns p to permit
// chaining. It must be called before the first message is published.
func (p *Publisher) ByteOrder(o packet.Order) *Publisher { p.order = o; return p }

// RateLimit limits the rate at which queued messages are written to r
// messages per second with the given burst, and returns p to permit chaining.
// If r <= 0, the rate is not limited. Publish is not affected; messages wait
// in the queue.
func (p *Publisher) RateLimit(r float64, burst int) *Publisher {
	if r <= 0 {
		p.lim = nil
	} else {
		p.lim = rate.NewLimiter(rate.Limit(r), max(burst, 1))
	}
	return p
}

// Signature returns the message signature of p.
func (p *Publisher) Signature() variant.Signature { return p.sig }

// Publish encodes a message from values and adds it to the queue. It does not
// wait for the message to be written. Publish reports an error if the values
// do not match the signature, the encoded message is too large to frame, or
// p has stopped.
func (p *Publisher) Publish(values ...variant.Value) error {
	select {
	case <-p.stop:
		return ErrStopped
	default:
	}
	payload, err := p.sig.Encode(p.order, values)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	b := packet.NewBuilder(p.order, make([]byte, 0, packet.HeaderLen+len(payload)))
	if err := packet.Frame(b, 1, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	p.μ.Lock()
	if p.isIdle {
		p.idle = make(chan struct{})
		p.isIdle = false
	}
	p.q.Add(b.Bytes())
	p.μ.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
	rootMetrics.published.Add(1)
	publishedTotal.Inc()
	return nil
}

// WaitComplete blocks until every message published so far has been written,
// or p stops.
func (p *Publisher) WaitComplete() error {
	p.μ.Lock()
	idle := p.idle
	p.μ.Unlock()
	select {
	case <-idle:
		return nil
	case <-p.stop:
		return ErrStopped
	}
}

// Requester implements part of the Protocol interface.
func (*Publisher) Requester() bool { return true }

// MessageLen implements part of the Protocol interface. A publisher never
// reads, so it is always 0.
func (*Publisher) MessageLen() int { return 0 }

// ParseMessage implements part of the Protocol interface. It is never called
// by the endpoint, and discards msg.
func (*Publisher) ParseMessage([]byte) error { return nil }

// WriteMessage implements part of the Protocol interface. It blocks until the
// queue is non-empty or p stops.
func (p *Publisher) WriteMessage(buf []byte) ([]byte, error) {
	buf = buf[:0]
	for {
		frame, err := p.next(len(buf) == 0)
		if err != nil {
			return nil, err
		} else if frame == nil {
			return buf, nil
		}
		if p.lim != nil {
			if err := p.lim.Wait(p.ctx); err != nil {
				return nil, ErrStopped
			}
		}
		buf = append(buf, frame...)
		if !p.batch || len(buf) >= BatchSize {
			return buf, nil
		}
	}
}

// next removes and returns the frame at the front of the queue. If the queue
// is empty and wait is false, it returns nil; otherwise it marks the queue
// idle and blocks until a frame arrives or p stops.
func (p *Publisher) next(wait bool) ([]byte, error) {
	for {
		p.μ.Lock()
		if frame, ok := p.q.Pop(); ok {
			p.μ.Unlock()
			return frame, nil
		} else if !wait {
			p.μ.Unlock()
			return nil, nil
		}
		if !p.isIdle {
			close(p.idle)
			p.isIdle = true
		}
		p.μ.Unlock()

		select {
		case <-p.ready:
		case <-p.stop:
			return nil, ErrStopped
		}
	}
}

// Stop implements part of the Protocol interface. After Stop, Publish reports
// ErrStopped and queued messages are not written.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.cancel()
	})
}
