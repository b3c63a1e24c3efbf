//go:build !linux
// +build !linux

package usbfs

import (
	camera "github.com/linux-cool/imx6pull"
)

// Config selects the device node and bulk IN endpoint to read from.
type Config struct {
	Path      string
	Interface uint32
	Endpoint  uint8
}

type Transport struct{}

func Open(cfg Config) (*Transport, error) {
	panic("usbfs support requires linux")
}

func (t *Transport) Submit(index int, buf []byte, complete camera.CompletionFunc) error {
	panic("usbfs support requires linux")
}

func (t *Transport) Cancel(index int) error {
	panic("usbfs support requires linux")
}

func (t *Transport) BusInfo() string {
	panic("usbfs support requires linux")
}

func (t *Transport) Close() error {
	panic("usbfs support requires linux")
}
