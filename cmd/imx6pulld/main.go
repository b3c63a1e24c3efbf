//////////////////////////////////////////////////////////////////////////////
//
// imx6pulld captures frames from a USB camera over usbdevfs and fans
// them out to WebSocket subscribers.
//
// Copyright 2024 linux-cool. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	camera "github.com/linux-cool/imx6pull"
	"github.com/linux-cool/imx6pull/internal/logging"
	"github.com/linux-cool/imx6pull/internal/usbfs"
)

var log = logging.DefaultLogger.WithTag("imx6pulld")

var (
	flagDevice    string
	flagEndpoint  int
	flagInterface int
	flagFormat    string
	flagGeometry  string
	flagBuffers   int
	flagListen    string
	flagHelp      bool
	flagVersion   bool
)

func init() {
	flag.StringVarP(&flagDevice, "device", "d", "/dev/bus/usb/001/004", "USB device node")
	flag.IntVarP(&flagEndpoint, "endpoint", "e", 0x81, "Bulk IN endpoint address")
	flag.IntVarP(&flagInterface, "interface", "", 0, "USB interface to claim")
	flag.StringVarP(&flagFormat, "format", "f", "mjpeg", "Pixel format (mjpeg or yuyv)")
	flag.StringVarP(&flagGeometry, "geometry", "g", "640x480", "Frame size, in pixels")
	flag.IntVarP(&flagBuffers, "buffers", "n", 4, "Number of frame buffers")
	flag.StringVarP(&flagListen, "listen", "l", ":8080", "WebSocket listen address")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamHandler relays broadcast frames to one WebSocket client.
func streamHandler(b *camera.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		frames := b.Subscribe(4)
		defer b.Unsubscribe(frames)

		log.Info("client connected: %s", r.RemoteAddr)
		for frame := range frames {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
				log.Info("client disconnected: %s (last frame %d)", r.RemoteAddr, frame.Sequence)
				return
			}
		}
	}
}

func parseFormat(s string) (camera.PixelFormat, error) {
	switch strings.ToLower(s) {
	case "mjpeg":
		return camera.PixelFormatMJPEG, nil
	case "yuyv":
		return camera.PixelFormatYUYV, nil
	}
	return 0, fmt.Errorf("unknown pixel format %q", s)
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	var width, height int
	if n, err := fmt.Sscanf(flagGeometry, "%dx%d", &width, &height); n != 2 || err != nil {
		log.Error("invalid geometry %q", flagGeometry)
		os.Exit(1)
	}
	pixfmt, err := parseFormat(flagFormat)
	if err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}

	transport, err := usbfs.Open(usbfs.Config{
		Path:      flagDevice,
		Interface: uint32(flagInterface),
		Endpoint:  uint8(flagEndpoint),
	})
	if err != nil {
		log.Error("open transport: %v", err)
		os.Exit(1)
	}

	dev, err := camera.Open(transport, camera.Config{})
	if err != nil {
		log.Error("open camera: %v", err)
		os.Exit(1)
	}
	defer dev.Close()

	caps := dev.QueryCapabilities()
	log.Info("%s (%s) on %s", caps.Card, caps.Driver, caps.BusInfo)

	format, err := dev.SetFormat(camera.FormatDescriptor{
		Width:       width,
		Height:      height,
		PixelFormat: pixfmt,
	})
	if err != nil {
		log.Error("set format: %v", err)
		os.Exit(1)
	}
	log.Info("negotiated %s %dx%d", format.PixelFormat, format.Width, format.Height)

	buffers, err := dev.RequestBuffers(flagBuffers)
	if err != nil {
		log.Error("request buffers: %v", err)
		os.Exit(1)
	}
	for _, b := range buffers {
		if err := dev.QueueBuffer(b); err != nil {
			log.Error("queue buffer %d: %v", b.Index, err)
			os.Exit(1)
		}
	}

	if err := dev.StartStreaming(); err != nil {
		log.Error("start streaming: %v", err)
		os.Exit(1)
	}

	broadcaster := camera.NewBroadcaster()
	defer broadcaster.Close()

	http.HandleFunc("/stream", streamHandler(broadcaster))
	go func() {
		if err := http.ListenAndServe(flagListen, nil); err != nil {
			log.Error("listen on %s: %v", flagListen, err)
			os.Exit(1)
		}
	}()
	log.Info("serving websocket frames on %s/stream", flagListen)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	// Capture pump. Frames are copied out of pool memory before being
	// handed to subscribers, then the buffer is requeued immediately.
	for {
		select {
		case <-interrupt:
			log.Info("shutting down")
			dev.StopStreaming()
			return
		case <-statsTicker.C:
			s := dev.Statistics()
			log.Info("frames=%d dropped=%d bytes=%d errors=%d",
				s.FramesReceived, s.FramesDropped, s.BytesReceived, s.Errors)
		default:
		}

		b, err := dev.DequeueBuffer(time.Second)
		if err != nil {
			switch camera.CodeOf(err) {
			case camera.ErrTimeout:
				continue
			case camera.ErrSystem:
				log.Error("device fault: %v", err)
				if err := dev.Reset(); err != nil {
					log.Error("reset failed: %v", err)
					os.Exit(1)
				}
				for _, buf := range buffers {
					dev.QueueBuffer(buf)
				}
				if err := dev.StartStreaming(); err != nil {
					log.Error("restart streaming: %v", err)
					os.Exit(1)
				}
				continue
			default:
				log.Error("dequeue: %v", err)
				os.Exit(1)
			}
		}

		frame := camera.Frame{
			Sequence:  b.Sequence,
			Timestamp: b.Timestamp,
			Data:      append([]byte(nil), b.Bytes()...),
		}
		if err := dev.QueueBuffer(b); err != nil {
			log.Error("requeue buffer %d: %v", b.Index, err)
			os.Exit(1)
		}
		broadcaster.Publish(frame)
	}
}
