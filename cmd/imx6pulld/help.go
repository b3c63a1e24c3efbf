package main

import (
	"fmt"

	"github.com/fatih/color"
)

const helpString = `USB camera capture daemon for i.MX6ULL devices

Usage: imx6pulld [OPTION]...

Capture device:
  -d, --device=FILE      USB device node (default: /dev/bus/usb/001/004)
  -e, --endpoint=NUM     Bulk IN endpoint address (default: 129)
      --interface=NUM    USB interface to claim (default: 0)

Video format:
  -f, --format=STR       Pixel format, mjpeg or yuyv (default: mjpeg)
  -g, --geometry=WxH     Frame size, in pixels (default: 640x480)
  -n, --buffers=NUM      Number of frame buffers (default: 4)

Network:
  -l, --listen=ADDR      WebSocket listen address (default: :8080)

Miscellaneous:
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits`

// Help information is printed and program exits
func help() {
	c := color.New(color.FgCyan)
	c.Println("imx6pulld")
	fmt.Println(helpString)
}

// Populated via -ldflags="-X ...". See Makefile.
var GitRevisionId string

func version() {
	fmt.Println("imx6pulld", GitRevisionId)
	fmt.Println("Copyright 2024 linux-cool. All rights reserved.")
}
