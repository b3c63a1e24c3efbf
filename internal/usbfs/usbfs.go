//////////////////////////////////////////////////////////////////////////////
//
// Linux usbdevfs transport. Submits bulk URBs to the kernel and reaps
// completions on a dedicated goroutine, delivering them through the
// camera.Transport contract.
//
// Copyright 2024 linux-cool. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

//go:build linux
// +build linux

// Package usbfs implements the camera transport over the Linux USB
// device filesystem (/dev/bus/usb).
package usbfs

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	camera "github.com/linux-cool/imx6pull"
)

// usbdevfs ioctl requests
const (
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsSubmitURB        = 0x8038550a
	usbdevfsDiscardURB       = 0x0000550b
	usbdevfsReapURBNDelay    = 0x4008550d
	usbdevfsReset            = 0x00005514
)

// URB transfer types
const (
	urbTypeIso       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3
)

// urb mirrors struct usbdevfs_urb. Layout must match the kernel ABI;
// each slot's urb is heap-allocated once and reused for every submit so
// the pointer identity survives the round trip through the kernel.
type urb struct {
	Type            uint8
	Endpoint        uint8
	Status          int32
	Flags           uint32
	Buffer          unsafe.Pointer
	BufferLength    int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	SignalNumber    uint32
	UserContext     uintptr
}

// Config selects the device node and bulk IN endpoint to read from.
type Config struct {
	// Device node, e.g. /dev/bus/usb/001/004.
	Path string

	// Interface number to claim.
	Interface uint32

	// Bulk IN endpoint address (direction bit set), e.g. 0x81.
	Endpoint uint8
}

type slot struct {
	urb      *urb
	data     []byte
	complete camera.CompletionFunc
	inflight bool
}

// Transport is a camera.Transport backed by usbdevfs bulk URBs.
type Transport struct {
	cfg Config
	fd  int

	mu     sync.Mutex
	slots  map[int]*slot
	byURB  map[uintptr]int
	closed bool

	reaped sync.WaitGroup
}

// Open opens the device node, claims the interface, and starts the
// completion reaper.
func Open(cfg Config) (*Transport, error) {
	if cfg.Endpoint&0x80 == 0 {
		return nil, errors.Errorf("endpoint %#02x is not an IN endpoint", cfg.Endpoint)
	}

	fd, err := unix.Open(cfg.Path, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.Path)
	}

	iface := cfg.Interface
	if errno := ioctl(fd, usbdevfsClaimInterface, uintptr(unsafe.Pointer(&iface))); errno != 0 {
		unix.Close(fd)
		return nil, errors.Wrapf(errno, "claim interface %d", cfg.Interface)
	}

	t := &Transport{
		cfg:   cfg,
		fd:    fd,
		slots: make(map[int]*slot),
		byURB: make(map[uintptr]int),
	}
	t.reaped.Add(1)
	go t.reapLoop()
	return t, nil
}

// Submit queues a bulk read into buf. The completion callback runs on
// the reaper goroutine, never from this call.
func (t *Transport) Submit(index int, buf []byte, complete camera.CompletionFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return syscall.ENODEV
	}

	s := t.slots[index]
	if s == nil {
		s = &slot{urb: new(urb)}
		t.slots[index] = s
		t.byURB[uintptr(unsafe.Pointer(s.urb))] = index
	}
	if s.inflight {
		return syscall.EBUSY
	}

	*s.urb = urb{
		Type:         urbTypeBulk,
		Endpoint:     t.cfg.Endpoint,
		Buffer:       unsafe.Pointer(&buf[0]),
		BufferLength: int32(len(buf)),
	}
	s.data = buf // keep the buffer reachable while the kernel owns it
	s.complete = complete

	if errno := ioctl(t.fd, usbdevfsSubmitURB, uintptr(unsafe.Pointer(s.urb))); errno != 0 {
		s.data = nil
		s.complete = nil
		return errors.Wrapf(errno, "submit urb (slot %d)", index)
	}
	s.inflight = true
	return nil
}

// Cancel discards the in-flight URB for a slot. The kernel still
// delivers the discarded URB through the reaper, with an error status,
// so the completion callback fires exactly once either way.
func (t *Transport) Cancel(index int) error {
	t.mu.Lock()
	s := t.slots[index]
	t.mu.Unlock()

	if s == nil {
		return nil
	}

	errno := ioctl(t.fd, usbdevfsDiscardURB, uintptr(unsafe.Pointer(s.urb)))
	if errno != 0 && errno != syscall.EINVAL {
		// EINVAL means the URB already completed.
		return errors.Wrapf(errno, "discard urb (slot %d)", index)
	}
	return nil
}

// Reset performs a USB port reset, re-enumerating the device.
func (t *Transport) Reset() error {
	if errno := ioctl(t.fd, usbdevfsReset, 0); errno != 0 {
		return errors.Wrap(errno, "reset device")
	}
	return nil
}

// BusInfo reports the bus location in V4L2 style.
func (t *Transport) BusInfo() string {
	return fmt.Sprintf("usb-%s", t.cfg.Path)
}

// Close stops the reaper, releases the interface, and closes the
// device node. Any still in-flight completions are delivered with
// ENODEV before Close returns.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.reaped.Wait()

	iface := t.cfg.Interface
	ioctl(t.fd, usbdevfsReleaseInterface, uintptr(unsafe.Pointer(&iface)))
	return unix.Close(t.fd)
}

// reapLoop polls the device node for completed URBs and dispatches
// them. A blocking REAPURB cannot be interrupted by Close, so the loop
// uses a bounded poll plus the non-blocking reap variant and rechecks
// the closed flag each round.
func (t *Transport) reapLoop() {
	defer t.reaped.Done()

	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLOUT}}
	for {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			t.failPending(syscall.ENODEV)
			return
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, 500)
		if err == syscall.EINTR || n == 0 {
			continue
		}
		gone := err != nil || fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0

		for {
			var done *urb
			errno := ioctl(t.fd, usbdevfsReapURBNDelay, uintptr(unsafe.Pointer(&done)))
			if errno == syscall.EINTR {
				continue
			}
			if errno == syscall.EAGAIN {
				break
			}
			if errno != 0 {
				t.failPending(syscall.ENODEV)
				return
			}
			t.dispatch(done)
		}

		if gone {
			t.failPending(syscall.ENODEV)
			return
		}
	}
}

// dispatch delivers one reaped URB to its slot's completion callback.
func (t *Transport) dispatch(done *urb) {
	t.mu.Lock()
	index, ok := t.byURB[uintptr(unsafe.Pointer(done))]
	if !ok {
		t.mu.Unlock()
		return
	}
	s := t.slots[index]
	complete := s.complete
	n := int(done.ActualLength)
	status := done.Status
	s.inflight = false
	s.data = nil
	s.complete = nil
	t.mu.Unlock()

	if complete == nil {
		return
	}
	if status != 0 {
		complete(0, errors.Errorf("urb failed with status %d (slot %d)", status, index))
	} else {
		complete(n, nil)
	}
}

// failPending delivers a terminal error to every slot still in flight.
func (t *Transport) failPending(err error) {
	t.mu.Lock()
	var pending []camera.CompletionFunc
	for _, s := range t.slots {
		if s.inflight && s.complete != nil {
			pending = append(pending, s.complete)
			s.inflight = false
			s.complete = nil
			s.data = nil
		}
	}
	t.mu.Unlock()

	for _, complete := range pending {
		complete(0, err)
	}
}

func ioctl(fd int, request, arg uintptr) syscall.Errno {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, arg)
	return errno
}
