//////////////////////////////////////////////////////////////////////////////
//
// bufferPool owns the fixed set of frame buffers and every state
// transition between them. Critical sections are single-buffer state
// changes only; no I/O or allocation happens inside the lock.
//
// Copyright 2024 linux-cool. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camera

import (
	"sync"
	"time"
)

const (
	minBuffers = 2
	maxBuffers = 4
)

type bufferPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	buffers []*Buffer
	queued  []*Buffer // FIFO of buffers awaiting fill
	ready   []*Buffer // FIFO of completed frames, oldest first

	// flushGen is bumped by flushAll so blocked dequeuers can tell a
	// wakeup-by-flush from a wakeup-by-frame.
	flushGen uint64

	stats *counters
}

func newBufferPool(stats *counters) *bufferPool {
	p := &bufferPool{stats: stats}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// allocate replaces the pool's buffer set. count is clamped to
// [minBuffers, maxBuffers]; size above the platform ceiling fails with
// NoMemory. Fails with DeviceBusy while any existing buffer is outside
// Free, since resizing would yank storage out from under an owner.
func (p *bufferPool) allocate(count, size int) ([]*Buffer, error) {
	if size <= 0 {
		return nil, newError(ErrInvalidParameter, "buffer size %d", size)
	}
	if size > maxFrameSize {
		return nil, newError(ErrNoMemory, "buffer size %d exceeds limit %d", size, maxFrameSize)
	}
	count = clamp(count, minBuffers, maxBuffers)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.buffers {
		if b.state != BufferFree {
			return nil, newError(ErrDeviceBusy, "buffer %d still %s", b.Index, b.state)
		}
	}

	buffers := make([]*Buffer, count)
	for i := range buffers {
		buffers[i] = &Buffer{
			Index: i,
			Data:  make([]byte, size),
			state: BufferFree,
		}
	}
	p.buffers = buffers
	p.queued = nil
	p.ready = nil

	log.Debug("allocated %d buffers of %d bytes", count, size)
	return buffers, nil
}

// queue makes a Free or Dequeued buffer available for filling. This is
// both the initial enqueue and the post-dequeue requeue; ownership
// passes from the caller back to the pool.
func (p *bufferPool) queue(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.owns(b) {
		return newError(ErrInvalidParameter, "buffer does not belong to this device")
	}
	if b.state != BufferFree && b.state != BufferDequeued {
		return newError(ErrInvalidParameter, "buffer %d is %s, not queueable", b.Index, b.state)
	}

	b.state = BufferQueued
	b.BytesUsed = 0
	p.queued = append(p.queued, b)
	return nil
}

// acquireFilling pops the oldest queued buffer and hands it to the
// assembler. Returns nil when the pool is exhausted; the caller must
// drop rather than block (completion contexts never block).
func (p *bufferPool) acquireFilling() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queued) == 0 {
		return nil
	}
	b := p.queued[0]
	p.queued = p.queued[1:]
	b.state = BufferFilling
	b.BytesUsed = 0
	return b
}

// markReady completes a Filling buffer and appends it to the ready
// FIFO. A payload exceeding the buffer's capacity is rejected and
// counted as a dropped frame; the buffer stays with the assembler.
func (p *bufferPool) markReady(b *Buffer, used int, ts time.Time, seq uint64) bool {
	p.mu.Lock()

	if b.state != BufferFilling {
		p.mu.Unlock()
		log.Warn("markReady on buffer %d in state %s", b.Index, b.state)
		return false
	}
	if used > len(b.Data) {
		p.mu.Unlock()
		log.Warn("frame of %d bytes overflows buffer %d (%d bytes), dropping", used, b.Index, len(b.Data))
		p.stats.addDropped()
		return false
	}

	b.BytesUsed = used
	b.Timestamp = ts
	b.Sequence = seq
	b.state = BufferReady
	p.ready = append(p.ready, b)
	p.mu.Unlock()

	p.stats.addFrame()
	p.cond.Broadcast()
	return true
}

// dequeueReady pops the oldest Ready buffer, blocking up to timeout.
// A flush during the wait fails the call with IOError so the caller
// can re-examine device state.
func (p *bufferPool) dequeueReady(timeout time.Duration) (*Buffer, error) {
	deadline := time.Now().Add(timeout)

	// The condition variable has no timed wait; a timer broadcast wakes
	// the loop so it can notice the deadline. The callback must hold
	// p.mu: a bare broadcast could land between the deadline check and
	// cond.Wait and be lost, leaving the waiter blocked past its
	// timeout.
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	gen := p.flushGen
	for len(p.ready) == 0 {
		if p.flushGen != gen {
			return nil, newError(ErrIO, "stream stopped while waiting for frame")
		}
		if !time.Now().Before(deadline) {
			return nil, newError(ErrTimeout, "no frame within %v", timeout)
		}
		p.cond.Wait()
	}

	b := p.ready[0]
	p.ready = p.ready[1:]
	b.state = BufferDequeued
	return b, nil
}

// flushAll forces every buffer back to Free and wakes all blocked
// dequeuers. Buffers held by the caller are reclaimed too; the handles
// remain valid and may be queued again before the next start.
func (p *bufferPool) flushAll() {
	p.mu.Lock()
	for _, b := range p.buffers {
		b.state = BufferFree
		b.BytesUsed = 0
	}
	p.queued = nil
	p.ready = nil
	p.flushGen++
	p.mu.Unlock()

	p.cond.Broadcast()
}

// release drops the buffer set entirely (device close).
func (p *bufferPool) release() {
	p.mu.Lock()
	p.buffers = nil
	p.queued = nil
	p.ready = nil
	p.flushGen++
	p.mu.Unlock()

	p.cond.Broadcast()
}

func (p *bufferPool) queuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

// busy reports whether any buffer is outside Free.
func (p *bufferPool) busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buffers {
		if b.state != BufferFree {
			return true
		}
	}
	return false
}

// owns must be called with p.mu held.
func (p *bufferPool) owns(b *Buffer) bool {
	return b != nil && b.Index < len(p.buffers) && p.buffers[b.Index] == b
}
