//////////////////////////////////////////////////////////////////////////////
//
// frameAssembler turns the stream of transfer completions into whole
// frames. YUYV frames are fixed-size and assembled by byte counting;
// MJPEG frames are delimited by the JPEG SOI/EOI markers, which may
// straddle transfer boundaries.
//
// Copyright 2024 linux-cool. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camera

import (
	"sync"
	"time"
)

// JPEG stream markers.
const (
	jpegMarker = 0xFF
	jpegSOI    = 0xD8 // start of image
	jpegEOI    = 0xD9 // end of image
)

type frameAssembler struct {
	pool  *bufferPool
	stats *counters

	// onFrame fires after each completed frame, onStarved when the pool
	// had no buffer for a new frame. Both run in completion context and
	// must not block.
	onFrame   func()
	onStarved func()

	// Completions may arrive on several transport goroutines, but
	// assembly is inherently serial: one buffer is being filled at a
	// time. The critical section never blocks or allocates.
	mu sync.Mutex

	format FormatDescriptor
	cur    *Buffer
	seq    uint64

	// YUYV: bytes of a dropped frame still to discard.
	skip int

	// MJPEG scanner state: the single byte of lookback carried across
	// spans, and whether we are inside a frame.
	prev     byte
	havePrev bool
	inFrame  bool
}

func newFrameAssembler(pool *bufferPool, stats *counters) *frameAssembler {
	return &frameAssembler{pool: pool, stats: stats}
}

// reset arms the assembler for a new streaming session.
func (a *frameAssembler) reset(f FormatDescriptor) {
	a.mu.Lock()
	a.format = f
	a.cur = nil
	a.seq = 0
	a.skip = 0
	a.prev = 0
	a.havePrev = false
	a.inFrame = false
	a.mu.Unlock()
}

// consume appends one transfer's payload to the frame being assembled.
// Called from completion context; never blocks.
func (a *frameAssembler) consume(p []byte, ts time.Time) {
	if len(p) == 0 {
		return
	}
	a.stats.addBytes(len(p))

	a.mu.Lock()
	if a.format.PixelFormat == PixelFormatYUYV {
		a.consumeYUYV(p, ts)
	} else {
		a.consumeMJPEG(p, ts)
	}
	a.mu.Unlock()
}

func (a *frameAssembler) consumeYUYV(p []byte, ts time.Time) {
	for len(p) > 0 {
		// Discard the remainder of a frame dropped for backpressure.
		if a.skip > 0 {
			n := a.skip
			if n > len(p) {
				n = len(p)
			}
			a.skip -= n
			p = p[n:]
			continue
		}

		if a.cur == nil && !a.nextBuffer() {
			// No free buffer: skip this frame entirely.
			a.stats.addDropped()
			a.skip = a.format.ImageSize
			continue
		}

		remain := a.format.ImageSize - a.cur.BytesUsed
		if len(p) > remain {
			// More bytes than the frame has room for means we lost
			// sync with the source. Complete the frame at its
			// expected boundary and discard the overflow.
			copy(a.cur.Data[a.cur.BytesUsed:], p[:remain])
			a.cur.BytesUsed += remain
			a.stats.addDropped()
			log.Debug("yuyv: discarding %d overflow bytes", len(p)-remain)
			p = nil
		} else {
			copy(a.cur.Data[a.cur.BytesUsed:], p)
			a.cur.BytesUsed += len(p)
			p = nil
		}

		if a.cur.BytesUsed == a.format.ImageSize {
			a.complete(ts)
		}
	}
}

func (a *frameAssembler) consumeMJPEG(p []byte, ts time.Time) {
	for _, c := range p {
		prev, havePrev := a.prev, a.havePrev
		a.prev, a.havePrev = c, true

		if !a.inFrame {
			// Bytes before a start marker are discarded. They still
			// count toward bytesReceived, handled in consume.
			if havePrev && prev == jpegMarker && c == jpegSOI {
				if a.cur == nil && !a.nextBuffer() {
					// Pool exhausted: this frame is lost; keep
					// scanning for the next start marker.
					a.stats.addDropped()
					continue
				}
				a.cur.BytesUsed = 0
				a.append(jpegMarker)
				a.append(jpegSOI)
				a.inFrame = true
			}
			continue
		}

		if !a.append(c) {
			// Buffer filled without an end marker: corrupt frame.
			// Reuse the buffer and resynchronize on the next SOI.
			a.stats.addDropped()
			a.cur.BytesUsed = 0
			a.inFrame = false
			log.Debug("mjpeg: frame exceeded %d bytes, resyncing", len(a.cur.Data))
			continue
		}

		if prev == jpegMarker && c == jpegEOI {
			a.inFrame = false
			a.complete(ts)
		}
	}
}

// append writes one byte to the current buffer, reporting false when
// the buffer is out of space.
func (a *frameAssembler) append(c byte) bool {
	if a.cur.BytesUsed >= len(a.cur.Data) {
		return false
	}
	a.cur.Data[a.cur.BytesUsed] = c
	a.cur.BytesUsed++
	return true
}

// nextBuffer pulls a queued buffer from the pool for the next frame.
func (a *frameAssembler) nextBuffer() bool {
	a.cur = a.pool.acquireFilling()
	if a.cur == nil {
		if a.onStarved != nil {
			a.onStarved()
		}
		return false
	}
	return true
}

// complete hands the current buffer to the ready queue. MJPEG frames
// complete at their actual encoded size, not the ImageSize estimate.
func (a *frameAssembler) complete(ts time.Time) {
	b := a.cur
	a.cur = nil
	if a.pool.markReady(b, b.BytesUsed, ts, a.seq) {
		a.seq++
		if a.onFrame != nil {
			a.onFrame()
		}
	} else {
		// Rejected by the pool; reuse the buffer for the next frame.
		b.BytesUsed = 0
		a.cur = b
	}
}
