//////////////////////////////////////////////////////////////////////////////
//
// transferManager keeps a fixed number of asynchronous reads
// continuously outstanding against the transport while streaming.
// Each completion immediately resubmits its slot (with a swapped
// buffer) before the received bytes are forwarded, so the endpoint is
// never left starved waiting on frame assembly.
//
// Copyright 2024 linux-cool. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camera

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// TransferConfig tunes the asynchronous transfer pool.
type TransferConfig struct {
	// Slots is the number of concurrent requests kept in flight.
	Slots int

	// TransferSize is the read size per request, in bytes.
	TransferSize int

	// SlotFailureLimit is the number of consecutive errors on a single
	// slot before the failure is reported for recovery instead of
	// being silently retried.
	SlotFailureLimit int
}

func (c *TransferConfig) setDefaults() {
	if c.Slots <= 0 {
		c.Slots = 8
	}
	if c.TransferSize <= 0 {
		c.TransferSize = 16 * 1024
	}
	if c.SlotFailureLimit <= 0 {
		c.SlotFailureLimit = 5
	}
}

type transferSlot struct {
	index int

	// Double buffering: active is in flight (or about to be); spare
	// holds the previous payload while it is forwarded downstream.
	active []byte
	spare  []byte

	inflight    bool
	consecutive int // consecutive transfer errors on this slot
}

type transferManager struct {
	transport Transport
	cfg       TransferConfig
	stats     *counters

	// onData forwards a completed payload to the assembler. onError and
	// onSlotFailure feed the recovery policy. All run in completion
	// context and must not block.
	onData        func(p []byte, ts time.Time)
	onError       func(slot int)
	onSlotFailure func(slot int)

	mu       sync.Mutex
	slots    []*transferSlot
	running  bool
	inflight sync.WaitGroup
}

func newTransferManager(t Transport, cfg TransferConfig, stats *counters) *transferManager {
	cfg.setDefaults()
	return &transferManager{
		transport: t,
		cfg:       cfg,
		stats:     stats,
	}
}

// start submits the initial batch of transfers.
func (tm *transferManager) start() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.running {
		return newError(ErrDeviceBusy, "transfers already running")
	}

	tm.slots = make([]*transferSlot, tm.cfg.Slots)
	for i := range tm.slots {
		tm.slots[i] = &transferSlot{
			index:  i,
			active: make([]byte, tm.cfg.TransferSize),
			spare:  make([]byte, tm.cfg.TransferSize),
		}
	}
	tm.running = true

	for _, s := range tm.slots {
		if err := tm.submitLocked(s); err != nil {
			log.Warn("slot %d: initial submit failed: %v", s.index, err)
		}
	}

	log.Debug("streaming with %d transfer slots of %d bytes", tm.cfg.Slots, tm.cfg.TransferSize)
	return nil
}

// submitLocked submits one slot's active buffer. Called with tm.mu
// held; Submit is non-blocking per the Transport contract.
func (tm *transferManager) submitLocked(s *transferSlot) error {
	tm.inflight.Add(1)
	s.inflight = true
	err := tm.transport.Submit(s.index, s.active, func(n int, err error) {
		tm.complete(s, n, err)
	})
	if err != nil {
		s.inflight = false
		tm.inflight.Done()
		tm.stats.addError()
		return wrapError(ErrIO, err, "submit transfer")
	}
	return nil
}

// complete handles one finished transfer. It resubmits the slot first,
// then forwards the payload, and finally reports errors to recovery.
func (tm *transferManager) complete(s *transferSlot, n int, err error) {
	defer tm.inflight.Done()

	tm.mu.Lock()
	s.inflight = false
	if !tm.running {
		// Stop is draining; do not resubmit, do not forward.
		tm.mu.Unlock()
		return
	}

	if err != nil {
		tm.stats.addError()
		s.consecutive++
		persistent := s.consecutive >= tm.cfg.SlotFailureLimit
		if persistent {
			s.consecutive = 0
		}
		if rerr := tm.submitLocked(s); rerr != nil {
			log.Warn("slot %d: resubmit after error failed: %v", s.index, rerr)
		}
		tm.mu.Unlock()

		if persistent {
			log.Warn("slot %d: %d consecutive transfer errors: %v", s.index, tm.cfg.SlotFailureLimit, err)
			if tm.onSlotFailure != nil {
				tm.onSlotFailure(s.index)
			}
		} else if tm.onError != nil {
			tm.onError(s.index)
		}
		return
	}

	s.consecutive = 0
	payload := s.active[:n]
	// Resubmit with the spare buffer before touching the payload, so
	// the endpoint always has a request waiting.
	s.active, s.spare = s.spare, s.active
	tm.submitLocked(s)
	tm.mu.Unlock()

	if n > 0 && tm.onData != nil {
		tm.onData(payload, time.Now())
	}
}

// kick resubmits any slot that fell out of flight (e.g. after a failed
// submit). Used by the recovery policy as its lightweight reset.
func (tm *transferManager) kick() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.running {
		return
	}
	for _, s := range tm.slots {
		if !s.inflight {
			if err := tm.submitLocked(s); err != nil {
				log.Warn("slot %d: resubmit failed: %v", s.index, err)
			}
		}
	}
}

// stop cancels all outstanding transfers and blocks until every
// completion has landed. After stop returns, no onData/onError/
// onSlotFailure callback will fire.
func (tm *transferManager) stop() {
	tm.mu.Lock()
	if !tm.running {
		tm.mu.Unlock()
		return
	}
	tm.running = false
	slots := tm.slots
	tm.mu.Unlock()

	var g errgroup.Group
	for _, s := range slots {
		s := s
		g.Go(func() error {
			// Cancelling an idle slot is harmless; the transport
			// reports it and we move on.
			if err := tm.transport.Cancel(s.index); err != nil {
				log.Debug("slot %d: cancel: %v", s.index, err)
			}
			return nil
		})
	}
	g.Wait()

	tm.inflight.Wait()
	log.Debug("transfers drained")
}
