package camera

// CompletionFunc receives the result of one asynchronous transfer:
// the number of bytes read into the submitted buffer, or an error.
type CompletionFunc func(n int, err error)

// Transport abstracts the USB streaming endpoint as an asynchronous
// completion source. The engine keeps a fixed set of numbered slots in
// flight; the transport maps each to one outstanding read request.
//
// Contract:
//   - Submit must not block and must not invoke complete synchronously;
//     completions arrive later, on transport goroutines.
//   - complete is invoked exactly once per accepted Submit, including
//     after Cancel (with an error).
//   - Completion goroutines are never blocked by the engine, and the
//     transport must tolerate Submit being called from them.
type Transport interface {
	// Submit queues one asynchronous read of up to len(buf) bytes on
	// the given slot. The buffer belongs to the transport until the
	// completion fires.
	Submit(slot int, buf []byte, complete CompletionFunc) error

	// Cancel aborts the in-flight request on slot, if any. The pending
	// completion still fires.
	Cancel(slot int) error

	// BusInfo identifies the transport's physical location, e.g.
	// "usb-ci_hdrc.1-1.3".
	BusInfo() string

	// Close releases the transport. All pending completions fire with
	// an error first.
	Close() error
}

// Resetter is optionally implemented by transports that can
// re-initialize the hardware path during device reset.
type Resetter interface {
	Reset() error
}
