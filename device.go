//////////////////////////////////////////////////////////////////////////////
//
// Device is the camera capture engine: the device state machine, the
// format negotiation logic, and the control surface callers use to
// exchange buffers with the streaming pipeline.
//
// Copyright 2024 linux-cool. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

// Package camera implements a USB video capture engine: a fixed buffer
// pool, a frame reassembly pipeline fed by asynchronous transfer
// completions, a streaming state machine, and bounded error recovery.
//
// The engine delivers raw, correctly bounded frame buffers. It does not
// decode image content; callers negotiate a format, queue buffers,
// start streaming, and dequeue completed frames.
package camera

import (
	"sync"
	"time"
)

// Driver identity reported by QueryCapabilities.
const (
	DriverName    = "imx6ull_camera"
	DriverVersion = "1.0.0"
	CardName      = "IMX6ULL Camera"
)

// Capability flags (V4L2 encoding).
const (
	CapVideoCapture = 0x00000001
	CapStreaming    = 0x04000000
)

// DeviceState is the device lifecycle state. It is owned exclusively by
// the Device; everything else only reads it.
type DeviceState int

const (
	StateDisconnected DeviceState = iota
	StateConnected
	StateStreaming
	StateError
)

func (s DeviceState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	}
	return "invalid"
}

// Capabilities describes the device to interested callers.
type Capabilities struct {
	Driver  string
	Version string
	Card    string
	BusInfo string
	Flags   uint32
}

// Config carries the tunables for a Device. The zero value selects
// conservative defaults throughout.
type Config struct {
	Transfer TransferConfig
	Recovery RecoveryConfig
}

// Device is an attached camera. All control operations are serialized
// under a single state lock, which is never held across I/O; the
// streaming pipeline (transfer completions and frame assembly) runs
// concurrently and synchronizes through the buffer pool only.
type Device struct {
	transport Transport

	mu     sync.Mutex
	state  DeviceState
	format FormatDescriptor

	stats counters
	pool  *bufferPool
	asm   *frameAssembler
	tm    *transferManager
	rec   *errorRecovery
}

// Open attaches a device over the given transport and brings it to the
// Connected state with the default format and zeroed statistics.
func Open(t Transport, cfg Config) (*Device, error) {
	if t == nil {
		return nil, newError(ErrInvalidParameter, "nil transport")
	}

	d := &Device{
		transport: t,
		state:     StateConnected,
		format:    defaultFormat(),
	}
	d.pool = newBufferPool(&d.stats)
	d.asm = newFrameAssembler(d.pool, &d.stats)
	d.tm = newTransferManager(t, cfg.Transfer, &d.stats)
	d.rec = newErrorRecovery(cfg.Recovery)

	// Producer-side wiring. Every hook runs in completion context and
	// never blocks.
	d.tm.onData = d.asm.consume
	d.tm.onError = func(int) { d.rec.noteError() }
	d.tm.onSlotFailure = d.rec.noteSlotFailure
	d.asm.onFrame = d.rec.noteSuccess
	d.asm.onStarved = d.rec.noteStarved
	d.rec.recover = d.tm.kick
	d.rec.escalate = d.fault

	log.Info("camera attached on %s", t.BusInfo())
	return d, nil
}

// State reports the current device state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// QueryCapabilities reports the driver identity and capability flags.
func (d *Device) QueryCapabilities() Capabilities {
	return Capabilities{
		Driver:  DriverName,
		Version: DriverVersion,
		Card:    CardName,
		BusInfo: d.transport.BusInfo(),
		Flags:   CapVideoCapture | CapStreaming,
	}
}

// EnumFormats lists the supported pixel formats.
func (d *Device) EnumFormats() []PixelFormat {
	out := make([]PixelFormat, len(supportedFormats))
	copy(out, supportedFormats)
	return out
}

// EnumFrameSizes lists the discrete frame sizes for a pixel format.
func (d *Device) EnumFrameSizes(f PixelFormat) []FrameSize {
	var out []FrameSize
	for _, e := range supportedFrameSizes {
		if e.Format == f {
			out = append(out, e.Size)
		}
	}
	return out
}

// GetFormat returns the currently negotiated format.
func (d *Device) GetFormat() FormatDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// SetFormat negotiates a capture format. Dimensions are clamped and
// aligned, unrecognized pixel formats coerced to MJPEG; the returned
// descriptor reflects what was actually applied. Fails with DeviceBusy
// while streaming or while allocated buffers are in use.
func (d *Device) SetFormat(f FormatDescriptor) (FormatDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateStreaming:
		return d.format, newError(ErrDeviceBusy, "cannot change format while streaming")
	case StateError, StateDisconnected:
		return d.format, newError(ErrSystem, "device %s", d.state)
	}
	if d.pool.busy() {
		return d.format, newError(ErrDeviceBusy, "buffers in use")
	}

	d.format = adjustFormat(f)
	log.Info("format set to %s %dx%d (%d bytes)", d.format.PixelFormat, d.format.Width, d.format.Height, d.format.ImageSize)
	return d.format, nil
}

// RequestBuffers allocates the frame buffer pool, sized for the current
// format. count is clamped to [2, 4]. Any previously requested buffers
// must all be Free.
func (d *Device) RequestBuffers(count int) ([]*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateStreaming:
		return nil, newError(ErrDeviceBusy, "cannot reallocate buffers while streaming")
	case StateError, StateDisconnected:
		return nil, newError(ErrSystem, "device %s", d.state)
	}

	return d.pool.allocate(count, d.format.ImageSize)
}

// QueueBuffer hands a buffer to the device for filling. Used both for
// the initial enqueue before start and to return a dequeued buffer.
func (d *Device) QueueBuffer(b *Buffer) error {
	d.mu.Lock()
	if d.state == StateError || d.state == StateDisconnected {
		d.mu.Unlock()
		return newError(ErrSystem, "device %s", d.state)
	}
	d.mu.Unlock()

	return d.pool.queue(b)
}

// DequeueBuffer pops the oldest completed frame, blocking up to
// timeout. The caller owns the returned buffer until it queues it
// again. Transient capture errors never fail this call; once the
// device has escalated to Error it fails with SystemError until Reset.
func (d *Device) DequeueBuffer(timeout time.Duration) (*Buffer, error) {
	d.mu.Lock()
	switch d.state {
	case StateError:
		d.mu.Unlock()
		return nil, newError(ErrSystem, "device in error state")
	case StateStreaming:
	default:
		d.mu.Unlock()
		return nil, newError(ErrIO, "device %s, stream not active", d.state)
	}
	d.mu.Unlock()

	b, err := d.pool.dequeueReady(timeout)
	if err != nil && CodeOf(err) == ErrIO {
		// Woken by a flush: report the device fault if there is one.
		d.mu.Lock()
		if d.state == StateError {
			err = newError(ErrSystem, "device in error state")
		}
		d.mu.Unlock()
	}
	return b, err
}

// StartStreaming commissions the transfer pipeline. At least one
// buffer must be queued.
func (d *Device) StartStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateStreaming:
		return newError(ErrDeviceBusy, "already streaming")
	case StateError, StateDisconnected:
		return newError(ErrSystem, "device %s", d.state)
	}
	if d.pool.queuedCount() == 0 {
		return newError(ErrInvalidParameter, "no buffers queued")
	}

	d.asm.reset(d.format)
	d.rec.reset()
	if err := d.tm.start(); err != nil {
		return wrapError(ErrSystem, err, "start streaming")
	}
	d.state = StateStreaming
	log.Info("streaming started: %s %dx%d", d.format.PixelFormat, d.format.Width, d.format.Height)
	return nil
}

// StopStreaming cancels all outstanding transfers, waits for them to
// drain, and returns every buffer to Free. Idempotent: stopping an
// already stopped device is a no-op. After it returns, no further
// frame or error callbacks occur.
func (d *Device) StopStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateConnected, StateError:
		return nil
	case StateDisconnected:
		return newError(ErrSystem, "device disconnected")
	}

	d.stopPipelineLocked()
	d.state = StateConnected
	log.Info("streaming stopped")
	return nil
}

// stopPipelineLocked tears down the producer side: drains transfers,
// cancels pending recovery, flushes buffers. Caller holds d.mu; the
// drain only waits on completion contexts, which never take d.mu.
func (d *Device) stopPipelineLocked() {
	d.tm.stop()
	d.rec.stop()
	d.pool.flushAll()
}

// fault escalates the device to the Error state after persistent
// failures. Runs on a scheduled goroutine, never in completion context.
func (d *Device) fault() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateStreaming {
		return
	}
	d.stopPipelineLocked()
	d.state = StateError
	log.Error("device entered error state after persistent failures")
}

// Reset recovers a device from the Error state, re-initializing the
// hardware path when the transport supports it. Statistics are
// preserved; the error window is cleared.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateConnected:
		return nil
	case StateStreaming:
		return newError(ErrDeviceBusy, "cannot reset while streaming")
	case StateDisconnected:
		return newError(ErrSystem, "device disconnected")
	}

	if r, ok := d.transport.(Resetter); ok {
		if err := r.Reset(); err != nil {
			return wrapError(ErrIO, err, "reset hardware path")
		}
	}
	d.rec.reset()
	d.state = StateConnected
	log.Info("device reset, back to connected")
	return nil
}

// Statistics returns a snapshot of the streaming counters.
func (d *Device) Statistics() Statistics {
	return d.stats.snapshot()
}

// ResetStatistics zeroes all counters.
func (d *Device) ResetStatistics() {
	d.stats.reset()
}

// Close detaches the device: cancels everything, releases all buffers,
// and closes the transport. The device ends Disconnected; all further
// operations fail.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.state == StateDisconnected {
		d.mu.Unlock()
		return nil
	}
	if d.state == StateStreaming {
		d.stopPipelineLocked()
	} else {
		d.rec.stop()
	}
	d.pool.release()
	d.state = StateDisconnected
	d.mu.Unlock()

	err := d.transport.Close()
	log.Info("camera detached")
	return err
}
