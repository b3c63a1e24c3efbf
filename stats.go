package camera

import (
	"sync/atomic"
)

// Statistics is a point-in-time snapshot of the streaming counters.
// All counters are monotonic for the lifetime of the device, across
// stream start/stop cycles, until ResetStatistics.
type Statistics struct {
	FramesReceived uint64 // complete frames handed to the ready queue
	FramesDropped  uint64 // frames lost to desync, corruption or backpressure
	BytesReceived  uint64 // raw bytes delivered by the transport
	Errors         uint64 // transport-level transfer failures
}

// counters is the mutable backing store for Statistics. Updated from
// completion contexts, so everything is atomic.
type counters struct {
	framesReceived uint64
	framesDropped  uint64
	bytesReceived  uint64
	errors         uint64
}

func (c *counters) addFrame()      { atomic.AddUint64(&c.framesReceived, 1) }
func (c *counters) addDropped()    { atomic.AddUint64(&c.framesDropped, 1) }
func (c *counters) addBytes(n int) { atomic.AddUint64(&c.bytesReceived, uint64(n)) }
func (c *counters) addError()      { atomic.AddUint64(&c.errors, 1) }

func (c *counters) snapshot() Statistics {
	return Statistics{
		FramesReceived: atomic.LoadUint64(&c.framesReceived),
		FramesDropped:  atomic.LoadUint64(&c.framesDropped),
		BytesReceived:  atomic.LoadUint64(&c.bytesReceived),
		Errors:         atomic.LoadUint64(&c.errors),
	}
}

func (c *counters) reset() {
	atomic.StoreUint64(&c.framesReceived, 0)
	atomic.StoreUint64(&c.framesDropped, 0)
	atomic.StoreUint64(&c.bytesReceived, 0)
	atomic.StoreUint64(&c.errors, 0)
}
