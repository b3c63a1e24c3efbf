//////////////////////////////////////////////////////////////////////////////
//
// errorRecovery decides what to do about transfer and assembly
// failures. Isolated glitches only bump counters. A run of consecutive
// errors first triggers one scheduled lightweight recovery (resubmit
// the transfer slots); if errors keep coming, the device is escalated
// to the Error state and stays there until an explicit reset.
//
// Copyright 2024 linux-cool. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camera

import (
	"sync"
	"time"
)

// RecoveryConfig tunes the two-tier error recovery policy.
type RecoveryConfig struct {
	// SoftThreshold is the consecutive-error count that schedules one
	// lightweight recovery attempt.
	SoftThreshold int

	// HardThreshold is the consecutive-error count that escalates the
	// device to the Error state.
	HardThreshold int

	// RetryDelay is how long after crossing SoftThreshold the recovery
	// attempt runs.
	RetryDelay time.Duration
}

func (c *RecoveryConfig) setDefaults() {
	if c.SoftThreshold <= 0 {
		c.SoftThreshold = 5
	}
	if c.HardThreshold <= c.SoftThreshold {
		c.HardThreshold = c.SoftThreshold * 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
}

type errorRecovery struct {
	cfg RecoveryConfig

	// recover runs the lightweight reset; escalate moves the device to
	// Error. Both are invoked from scheduled goroutines, never from a
	// completion context directly.
	recover  func()
	escalate func()

	mu          sync.Mutex
	consecutive int
	softFired   bool
	escalated   bool
	timer       *time.Timer
}

func newErrorRecovery(cfg RecoveryConfig) *errorRecovery {
	cfg.setDefaults()
	return &errorRecovery{cfg: cfg}
}

// reset clears the error window, e.g. on stream start or device reset.
func (r *errorRecovery) reset() {
	r.mu.Lock()
	r.consecutive = 0
	r.softFired = false
	r.escalated = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}

// noteSuccess closes the error window: a completed frame proves the
// pipeline is healthy again.
func (r *errorRecovery) noteSuccess() {
	r.mu.Lock()
	r.consecutive = 0
	r.softFired = false
	r.mu.Unlock()
}

// noteError records one transfer failure and applies the thresholds.
// Runs in completion context: the heavy lifting is pushed onto
// scheduled goroutines.
func (r *errorRecovery) noteError() {
	r.mu.Lock()
	r.consecutive++
	n := r.consecutive

	if n >= r.cfg.HardThreshold {
		if r.escalated {
			r.mu.Unlock()
			return
		}
		r.escalated = true
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		r.mu.Unlock()

		log.Error("persistent transfer errors (%d consecutive), escalating", n)
		go r.escalate()
		return
	}

	if n >= r.cfg.SoftThreshold && !r.softFired {
		r.softFired = true
		r.timer = time.AfterFunc(r.cfg.RetryDelay, func() {
			log.Warn("attempting transfer recovery after %d consecutive errors", n)
			r.recover()
		})
	}
	r.mu.Unlock()
}

// noteSlotFailure records a persistent per-slot failure, which counts
// as a full soft window on its own.
func (r *errorRecovery) noteSlotFailure(slot int) {
	r.mu.Lock()
	if r.consecutive < r.cfg.SoftThreshold {
		r.consecutive = r.cfg.SoftThreshold - 1
	}
	r.mu.Unlock()
	r.noteError()
}

// noteStarved records pool exhaustion. This is backpressure from the
// caller, not a device fault: it never advances the error window.
func (r *errorRecovery) noteStarved() {
	log.Debug("no free buffer for new frame, dropping (caller backpressure)")
}

// stop cancels any pending recovery action.
func (r *errorRecovery) stop() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}
