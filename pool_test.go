package camera

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestPool(t *testing.T, count, size int) (*bufferPool, []*Buffer) {
	var stats counters
	p := newBufferPool(&stats)
	buffers, err := p.allocate(count, size)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	return p, buffers
}

func TestPoolAllocateClampsCount(t *testing.T) {
	_, buffers := newTestPool(t, 100, 1024)
	assert.Equal(t, maxBuffers, len(buffers))

	_, buffers = newTestPool(t, 0, 1024)
	assert.Equal(t, minBuffers, len(buffers))
}

func TestPoolAllocateRejectsBadSize(t *testing.T) {
	var stats counters
	p := newBufferPool(&stats)

	_, err := p.allocate(4, 0)
	assert.Equal(t, ErrInvalidParameter, CodeOf(err))

	_, err = p.allocate(4, maxFrameSize+1)
	assert.Equal(t, ErrNoMemory, CodeOf(err))
}

func TestPoolAllocateFailsWhileBusy(t *testing.T) {
	p, buffers := newTestPool(t, 4, 1024)
	if err := p.queue(buffers[0]); err != nil {
		t.Fatal(err)
	}

	_, err := p.allocate(4, 1024)
	assert.Equal(t, ErrDeviceBusy, CodeOf(err))
}

func TestPoolQueueRejectsForeignBuffer(t *testing.T) {
	p, _ := newTestPool(t, 4, 1024)
	err := p.queue(&Buffer{Index: 0, Data: make([]byte, 1024)})
	assert.Equal(t, ErrInvalidParameter, CodeOf(err))
}

func TestPoolQueueRejectsDoubleQueue(t *testing.T) {
	p, buffers := newTestPool(t, 4, 1024)
	if err := p.queue(buffers[0]); err != nil {
		t.Fatal(err)
	}
	err := p.queue(buffers[0])
	assert.Equal(t, ErrInvalidParameter, CodeOf(err))
}

func TestPoolFIFOOrder(t *testing.T) {
	p, buffers := newTestPool(t, 4, 1024)
	for _, b := range buffers {
		if err := p.queue(b); err != nil {
			t.Fatal(err)
		}
	}

	// Fill and complete in queue order.
	for i := range buffers {
		b := p.acquireFilling()
		if b == nil {
			t.Fatal("pool exhausted early")
		}
		assert.Equal(t, i, b.Index)
		if !p.markReady(b, 100, time.Now(), uint64(i)) {
			t.Fatalf("markReady rejected buffer %d", i)
		}
	}

	// Dequeue must observe the same order.
	for i := range buffers {
		b, err := p.dequeueReady(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, i, b.Index)
		assert.Equal(t, uint64(i), b.Sequence)
		assert.Equal(t, BufferDequeued, b.State())
	}
}

func TestPoolAcquireExhausted(t *testing.T) {
	p, _ := newTestPool(t, 2, 1024)
	if b := p.acquireFilling(); b != nil {
		t.Errorf("expected nil from empty queue, got buffer %d", b.Index)
	}
}

func TestPoolMarkReadyRejectsOversizedFrame(t *testing.T) {
	var stats counters
	p := newBufferPool(&stats)
	buffers, err := p.allocate(2, 1024)
	if err != nil {
		t.Fatal(err)
	}
	p.queue(buffers[0])

	b := p.acquireFilling()
	assert.False(t, p.markReady(b, 2048, time.Now(), 0))
	assert.Equal(t, uint64(1), stats.snapshot().FramesDropped)
	// The buffer remains with the caller for reuse.
	assert.Equal(t, BufferFilling, b.State())
}

func TestPoolDequeueTimeout(t *testing.T) {
	p, _ := newTestPool(t, 2, 1024)

	start := time.Now()
	_, err := p.dequeueReady(50 * time.Millisecond)
	assert.Equal(t, ErrTimeout, CodeOf(err))
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("dequeue returned after %v, before the timeout", elapsed)
	}
}

// Contending waiters with tight timeouts exercise the window between
// the deadline check and cond.Wait. Every waiter must still observe
// its deadline; a timeout broadcast delivered outside the pool lock
// can be lost in that window and leave a waiter blocked indefinitely.
func TestPoolDequeueTimeoutNotLostUnderContention(t *testing.T) {
	p, _ := newTestPool(t, 2, 1024)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := p.dequeueReady(time.Millisecond)
				if CodeOf(err) != ErrTimeout {
					t.Errorf("expected timeout, got %v", err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue waiters blocked past their timeouts")
	}
}

func TestPoolFlushWakesBlockedDequeue(t *testing.T) {
	p, buffers := newTestPool(t, 2, 1024)
	for _, b := range buffers {
		p.queue(b)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := p.dequeueReady(5 * time.Second)
		errc <- err
	}()

	// Let the dequeuer block, then flush.
	time.Sleep(20 * time.Millisecond)
	p.flushAll()

	select {
	case err := <-errc:
		assert.Equal(t, ErrIO, CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("dequeue still blocked after flush")
	}

	for _, b := range buffers {
		assert.Equal(t, BufferFree, b.State())
	}
}

func TestPoolFlushReclaimsAllStates(t *testing.T) {
	p, buffers := newTestPool(t, 4, 1024)
	p.queue(buffers[0])
	p.queue(buffers[1])
	p.queue(buffers[2])

	filling := p.acquireFilling()
	p.markReady(filling, 100, time.Now(), 0)
	ready, err := p.dequeueReady(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, BufferDequeued, ready.State())

	p.flushAll()
	for _, b := range buffers {
		assert.Equal(t, BufferFree, b.State())
		assert.Equal(t, 0, b.BytesUsed)
	}
	assert.Equal(t, 0, p.queuedCount())
	assert.False(t, p.busy())

	// Flushed handles queue again without a fresh allocate.
	assert.NoError(t, p.queue(buffers[0]))
}
