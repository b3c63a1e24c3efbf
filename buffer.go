//////////////////////////////////////////////////////////////////////////////
//
// Buffer is one fixed-capacity frame buffer owned by the device's pool.
//
// Copyright 2024 linux-cool. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camera

import (
	"time"
)

// BufferState tracks where a buffer sits in its lifecycle. At any
// instant exactly one of {pool, assembler, caller} holds logical
// ownership; state changes happen only through pool transitions.
//
//	Free → Queued → Filling → Ready → Dequeued → Queued → ...
//
// A stream stop or device failure forces every buffer back to Free.
type BufferState int

const (
	BufferFree     BufferState = iota // allocated, owned by the pool, not fillable
	BufferQueued                      // caller handed it to the device for filling
	BufferFilling                     // assembler is writing frame data into it
	BufferReady                       // holds a complete frame, waiting for dequeue
	BufferDequeued                    // owned by the caller
)

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "free"
	case BufferQueued:
		return "queued"
	case BufferFilling:
		return "filling"
	case BufferReady:
		return "ready"
	case BufferDequeued:
		return "dequeued"
	}
	return "invalid"
}

// Buffer holds one video frame. The caller may only touch Data,
// BytesUsed, Timestamp and Sequence between DequeueBuffer and
// QueueBuffer; the engine owns the buffer at all other times.
type Buffer struct {
	// Index identifies the buffer within its pool.
	Index int

	// Data is the full fixed-capacity storage region.
	Data []byte

	// BytesUsed is the length of the captured frame. For YUYV this
	// equals the format's ImageSize; for MJPEG it is the compressed
	// frame length.
	BytesUsed int

	// Timestamp records when the frame's final bytes arrived.
	Timestamp time.Time

	// Sequence numbers frames in completion order, starting at zero
	// each time streaming starts.
	Sequence uint64

	state BufferState
}

// Bytes returns the captured frame payload.
func (b *Buffer) Bytes() []byte {
	return b.Data[:b.BytesUsed]
}

// State reports the buffer's lifecycle state. Only meaningful to the
// caller for buffers it currently owns, or while the stream is stopped.
func (b *Buffer) State() BufferState {
	return b.state
}
