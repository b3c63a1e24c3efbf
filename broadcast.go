//////////////////////////////////////////////////////////////////////////////
//
// Broadcast completed frames from the capture pump to multiple
// consumers.
//
// Each subscriber has its own buffered channel. Publishing adds the
// frame to every subscriber channel; the payload slice is shared, not
// copied, so publishers handing off pool-owned memory must copy first.
// When a subscriber falls behind, its oldest frame is dropped to make
// room for the newest.
//
// Copyright 2024 linux-cool. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camera

import (
	"sync"
	"time"
)

// Frame is one published capture result: the payload plus the capture
// metadata the engine stamped on the buffer it came from.
type Frame struct {
	// Sequence numbers frames in completion order for the stream they
	// were captured on.
	Sequence uint64

	// Timestamp records when the frame's final bytes arrived.
	Timestamp time.Time

	// Data is the frame payload, detached from pool memory.
	Data []byte
}

type Subscriber interface {
	Subscribe(n int) <-chan Frame
	Unsubscribe(s <-chan Frame) error
}

// Broadcaster fans completed frames out to subscribers without ever
// blocking the publisher.
type Broadcaster struct {
	mutex       sync.RWMutex
	subscribers []chan Frame
}

// NewBroadcaster instantiates a new one-to-many frame broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: []chan Frame{},
	}
}

// Close the broadcaster. All subscribers receive a channel closed
// message, their channels are drained, and the subscribers are deleted.
func (b *Broadcaster) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, subscriber := range b.subscribers {
		close(subscriber)
		for len(subscriber) > 0 {
			<-subscriber // Drain
		}
	}

	// Allow subscriber channels to be garbage collected
	b.subscribers = nil

	return nil
}

// Subscribe to published frames, buffering up to n for the subscriber
func (b *Broadcaster) Subscribe(n int) <-chan Frame {
	if n < 1 {
		panic("malformed buffer size")
	}

	channel := make(chan Frame, n)
	b.mutex.Lock()
	b.subscribers = append(b.subscribers, channel)
	b.mutex.Unlock()
	return channel
}

// Unsubscribe from the broadcaster by providing the read-only channel
// returned by Subscribe().
func (b *Broadcaster) Unsubscribe(s <-chan Frame) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, subscriber := range b.subscribers {
		if s == subscriber {
			// Remove subscriber from slice (order not preserved)
			subs := b.subscribers
			close(subs[i])
			subs[len(subs)-1], subs[i] = subs[i], subs[len(subs)-1]
			b.subscribers = subs[:len(subs)-1]
			return nil
		}
	}

	return newError(ErrInvalidParameter, "no such subscriber")
}

// Publish a frame to all subscribers. Never blocks: a backlogged
// subscriber loses its oldest frame instead. The read lock covers the
// subscriber list only; channel operations need no further locking.
func (b *Broadcaster) Publish(f Frame) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for _, subscriber := range b.subscribers {
		select {
		case subscriber <- f:
			// Added frame to subscriber
		default:
			// Subscriber backlogged. Drop its oldest frame, then try
			// once more; losing the race to a concurrent drain just
			// means the channel has room now.
			select {
			case <-subscriber:
			default:
			}
			select {
			case subscriber <- f:
			default:
			}
		}
	}
}
