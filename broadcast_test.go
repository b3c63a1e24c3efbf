package camera

import (
	"sync"
	"testing"
	"time"
)

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)

	want := Frame{Sequence: 7, Timestamp: time.Now(), Data: []byte{1, 2, 3}}
	b.Publish(want)

	for i, s := range []<-chan Frame{s1, s2} {
		got := <-s
		if got.Sequence != want.Sequence {
			t.Errorf("subscriber %d: sequence %d, want %d", i, got.Sequence, want.Sequence)
		}
		if len(got.Data) != len(want.Data) {
			t.Errorf("subscriber %d: got %d bytes, want %d", i, len(got.Data), len(want.Data))
		}
	}
}

func TestBroadcasterDropsOldestWhenBacklogged(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	s := b.Subscribe(2)
	b.Publish(Frame{Sequence: 1})
	b.Publish(Frame{Sequence: 2})
	b.Publish(Frame{Sequence: 3}) // displaces sequence 1

	if got := <-s; got.Sequence != 2 {
		t.Errorf("expected oldest frame dropped, got sequence %d", got.Sequence)
	}
	if got := <-s; got.Sequence != 3 {
		t.Errorf("expected newest frame retained, got sequence %d", got.Sequence)
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	s := b.Subscribe(1)
	if err := b.Unsubscribe(s); err != nil {
		t.Fatal(err)
	}
	if _, open := <-s; open {
		t.Error("channel still open after unsubscribe")
	}

	if err := b.Unsubscribe(s); err == nil {
		t.Error("expected error unsubscribing twice")
	}
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	s := b.Subscribe(2)
	b.Publish(Frame{Sequence: 1})

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, open := <-s; open {
		t.Error("channel still open after close")
	}
}

// Subscribers come and go from handler goroutines while the capture
// pump keeps publishing. Run with the race detector to verify the
// subscriber list is consistently locked.
func TestBroadcasterConcurrentSubscribePublish(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		var seq uint64
		for {
			select {
			case <-done:
				return
			default:
				b.Publish(Frame{Sequence: seq, Data: []byte{0}})
				seq++
			}
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s := b.Subscribe(2)
				// Drain a little, then leave.
				select {
				case <-s:
				default:
				}
				if err := b.Unsubscribe(s); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	// Let publishers and subscribers overlap, then wind down.
	time.Sleep(50 * time.Millisecond)
	close(done)
	wg.Wait()
}
