package camera

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// yuyvStreamConfig sizes transfers so a 640x480 YUYV frame arrives in
// three equal spans.
func yuyvStreamConfig() Config {
	return Config{
		Transfer: TransferConfig{Slots: 2, TransferSize: 204800},
	}
}

func openTestDevice(t *testing.T, cfg Config) (*Device, *fakeTransport) {
	t.Helper()
	f := newFakeTransport()
	dev, err := Open(f, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return dev, f
}

func TestDeviceOpenState(t *testing.T) {
	dev, _ := openTestDevice(t, Config{})
	defer dev.Close()

	assert.Equal(t, StateConnected, dev.State())
	assert.Equal(t, defaultFormat(), dev.GetFormat())
}

func TestDeviceCapabilities(t *testing.T) {
	dev, _ := openTestDevice(t, Config{})
	defer dev.Close()

	caps := dev.QueryCapabilities()
	assert.Equal(t, "imx6ull_camera", caps.Driver)
	assert.Equal(t, "IMX6ULL Camera", caps.Card)
	assert.Equal(t, "usb-fake", caps.BusInfo)
	assert.NotZero(t, caps.Flags&CapVideoCapture)
	assert.NotZero(t, caps.Flags&CapStreaming)
}

func TestDeviceEnumFormats(t *testing.T) {
	dev, _ := openTestDevice(t, Config{})
	defer dev.Close()

	formats := dev.EnumFormats()
	assert.Contains(t, formats, PixelFormatMJPEG)
	assert.Contains(t, formats, PixelFormatYUYV)

	sizes := dev.EnumFrameSizes(PixelFormatMJPEG)
	assert.Contains(t, sizes, FrameSize{640, 480})
	assert.Contains(t, sizes, FrameSize{1280, 720})

	sizes = dev.EnumFrameSizes(PixelFormatYUYV)
	assert.Equal(t, []FrameSize{{640, 480}}, sizes)
}

func TestDeviceSetFormatAdjusts(t *testing.T) {
	dev, _ := openTestDevice(t, Config{})
	defer dev.Close()

	f, err := dev.SetFormat(FormatDescriptor{Width: 9999, Height: 9999, PixelFormat: PixelFormatYUYV})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 1280, f.Width)
	assert.Equal(t, 720, f.Height)
	assert.Equal(t, f, dev.GetFormat())
}

func TestDeviceSetFormatWhileBuffersInUse(t *testing.T) {
	dev, _ := openTestDevice(t, Config{})
	defer dev.Close()

	buffers, err := dev.RequestBuffers(4)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.QueueBuffer(buffers[0]); err != nil {
		t.Fatal(err)
	}

	_, err = dev.SetFormat(FormatDescriptor{Width: 640, Height: 480, PixelFormat: PixelFormatYUYV})
	assert.Equal(t, ErrDeviceBusy, CodeOf(err))
}

func TestDeviceSetFormatWhileStreaming(t *testing.T) {
	dev, f := openTestDevice(t, yuyvStreamConfig())
	defer dev.Close()
	startYUYVStream(t, dev, f)

	before := dev.GetFormat()
	_, err := dev.SetFormat(FormatDescriptor{Width: 160, Height: 120, PixelFormat: PixelFormatMJPEG})
	assert.Equal(t, ErrDeviceBusy, CodeOf(err))
	assert.Equal(t, before, dev.GetFormat())
}

func TestDeviceStartWithoutBuffers(t *testing.T) {
	dev, _ := openTestDevice(t, Config{})
	defer dev.Close()

	err := dev.StartStreaming()
	assert.Equal(t, ErrInvalidParameter, CodeOf(err))
	assert.Equal(t, StateConnected, dev.State())

	// Requested but unqueued buffers do not count.
	if _, err := dev.RequestBuffers(4); err != nil {
		t.Fatal(err)
	}
	err = dev.StartStreaming()
	assert.Equal(t, ErrInvalidParameter, CodeOf(err))
	assert.Equal(t, StateConnected, dev.State())
}

func TestDeviceDequeueWhileNotStreaming(t *testing.T) {
	dev, _ := openTestDevice(t, Config{})
	defer dev.Close()

	_, err := dev.DequeueBuffer(10 * time.Millisecond)
	assert.Equal(t, ErrIO, CodeOf(err))
}

// startYUYVStream negotiates 640x480 YUYV, queues all buffers, and
// starts streaming.
func startYUYVStream(t *testing.T, dev *Device, f *fakeTransport) []*Buffer {
	t.Helper()

	if _, err := dev.SetFormat(FormatDescriptor{Width: 640, Height: 480, PixelFormat: PixelFormatYUYV}); err != nil {
		t.Fatal(err)
	}
	buffers, err := dev.RequestBuffers(4)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range buffers {
		if err := dev.QueueBuffer(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := dev.StartStreaming(); err != nil {
		t.Fatal(err)
	}
	f.waitSubmits(t, 2)
	return buffers
}

func TestDeviceStreamsYUYVFrame(t *testing.T) {
	dev, f := openTestDevice(t, yuyvStreamConfig())
	defer dev.Close()
	startYUYVStream(t, dev, f)
	assert.Equal(t, StateStreaming, dev.State())

	// One 614400-byte frame delivered as three transfer completions.
	span := make([]byte, 204800)
	for i := 0; i < 3; i++ {
		for j := range span {
			span[j] = byte(i)
		}
		if !f.finishData(0, span) {
			t.Fatalf("no transfer outstanding before span %d", i)
		}
	}

	b, err := dev.DequeueBuffer(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 614400, b.BytesUsed)
	assert.Equal(t, uint64(0), b.Sequence)
	assert.Equal(t, byte(0), b.Bytes()[0])
	assert.Equal(t, byte(2), b.Bytes()[614399])

	s := dev.Statistics()
	assert.Equal(t, uint64(1), s.FramesReceived)
	assert.Equal(t, uint64(614400), s.BytesReceived)
	assert.Equal(t, uint64(0), s.FramesDropped)

	// Requeue and capture a second frame.
	if err := dev.QueueBuffer(b); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if !f.finishData(0, span) {
			t.Fatalf("no transfer outstanding on second frame, span %d", i)
		}
	}
	b, err = dev.DequeueBuffer(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(1), b.Sequence)
}

func TestDeviceStopStreaming(t *testing.T) {
	dev, f := openTestDevice(t, yuyvStreamConfig())
	defer dev.Close()
	buffers := startYUYVStream(t, dev, f)

	if err := dev.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, StateConnected, dev.State())

	// Every buffer is reclaimed to Free.
	for _, b := range buffers {
		assert.Equal(t, BufferFree, b.State())
	}

	// Stopping again is a no-op.
	assert.NoError(t, dev.StopStreaming())

	// Reallocation after stop must not block or fail.
	if _, err := dev.RequestBuffers(2); err != nil {
		t.Fatal(err)
	}
}

func TestDeviceStopWakesBlockedDequeue(t *testing.T) {
	dev, f := openTestDevice(t, yuyvStreamConfig())
	defer dev.Close()
	startYUYVStream(t, dev, f)

	errc := make(chan error, 1)
	go func() {
		_, err := dev.DequeueBuffer(5 * time.Second)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := dev.StopStreaming(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errc:
		assert.Equal(t, ErrIO, CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("dequeue still blocked after stop")
	}
}

func TestDeviceEscalatesToErrorState(t *testing.T) {
	cfg := yuyvStreamConfig()
	cfg.Recovery = RecoveryConfig{
		SoftThreshold: 2,
		HardThreshold: 4,
		RetryDelay:    time.Millisecond,
	}
	dev, f := openTestDevice(t, cfg)
	defer dev.Close()
	startYUYVStream(t, dev, f)

	// Persistent transfer errors push the device into the Error state.
	for i := 0; i < 4; i++ {
		if !f.finish(0, 0, errors.New("protocol stall")) {
			t.Fatalf("no transfer outstanding before failure %d", i)
		}
	}

	deadline := time.Now().Add(time.Second)
	for dev.State() != StateError {
		if time.Now().After(deadline) {
			t.Fatalf("device never escalated, state %s", dev.State())
		}
		time.Sleep(time.Millisecond)
	}

	// Buffer operations now fail with a system error.
	_, err := dev.DequeueBuffer(10 * time.Millisecond)
	assert.Equal(t, ErrSystem, CodeOf(err))
	err = dev.QueueBuffer(&Buffer{})
	assert.Equal(t, ErrSystem, CodeOf(err))
	err = dev.StartStreaming()
	assert.Equal(t, ErrSystem, CodeOf(err))

	// Reset recovers to Connected and streaming can start again.
	if err := dev.Reset(); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, StateConnected, dev.State())

	startYUYVStream(t, dev, f)
	assert.Equal(t, StateStreaming, dev.State())
}

func TestDeviceResetOutsideErrorState(t *testing.T) {
	dev, f := openTestDevice(t, yuyvStreamConfig())
	defer dev.Close()

	// Connected: nothing to do.
	assert.NoError(t, dev.Reset())

	startYUYVStream(t, dev, f)
	err := dev.Reset()
	assert.Equal(t, ErrDeviceBusy, CodeOf(err))
}

func TestDeviceStatisticsReset(t *testing.T) {
	dev, f := openTestDevice(t, yuyvStreamConfig())
	defer dev.Close()
	startYUYVStream(t, dev, f)

	span := make([]byte, 204800)
	f.finishData(0, span)
	assert.NotZero(t, dev.Statistics().BytesReceived)

	dev.ResetStatistics()
	assert.Equal(t, Statistics{}, dev.Statistics())
}

func TestDeviceClose(t *testing.T) {
	dev, f := openTestDevice(t, yuyvStreamConfig())
	startYUYVStream(t, dev, f)

	assert.NoError(t, dev.Close())
	assert.Equal(t, StateDisconnected, dev.State())

	_, err := dev.RequestBuffers(4)
	assert.Equal(t, ErrSystem, CodeOf(err))
	err = dev.StartStreaming()
	assert.Equal(t, ErrSystem, CodeOf(err))

	// Closing twice is harmless.
	assert.NoError(t, dev.Close())
}
