package camera

// PixelFormat identifies the on-wire image encoding, as a fourcc code.
type PixelFormat uint32

const (
	PixelFormatMJPEG PixelFormat = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
	PixelFormatYUYV  PixelFormat = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
)

func (f PixelFormat) String() string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// Compressed reports whether frame boundaries are marker-delimited
// rather than fixed-size.
func (f PixelFormat) Compressed() bool {
	return f == PixelFormatMJPEG
}

// Dimension limits and alignment applied during format negotiation.
const (
	minWidth  = 160
	maxWidth  = 1280
	minHeight = 120
	maxHeight = 720

	widthAlign  = 16
	heightAlign = 2

	// Largest image any buffer may hold: 1280x720 YUYV.
	maxFrameSize = maxWidth * maxHeight * 2
)

// FormatDescriptor describes a negotiated capture format.
type FormatDescriptor struct {
	Width       int
	Height      int
	PixelFormat PixelFormat

	// BytesPerLine is zero for compressed formats.
	BytesPerLine int

	// ImageSize is exact for YUYV and an upper-bound pre-allocation
	// estimate for MJPEG, whose compressed size is only known after
	// capture.
	ImageSize int
}

// FrameSize is one discrete capture geometry.
type FrameSize struct {
	Width  int
	Height int
}

var supportedFormats = []PixelFormat{
	PixelFormatMJPEG,
	PixelFormatYUYV,
}

var supportedFrameSizes = []struct {
	Format PixelFormat
	Size   FrameSize
}{
	{PixelFormatMJPEG, FrameSize{640, 480}},
	{PixelFormatMJPEG, FrameSize{1280, 720}},
	{PixelFormatYUYV, FrameSize{640, 480}},
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func align(v, a int) int {
	return v &^ (a - 1)
}

// adjustFormat validates and clamps a requested format, returning the
// descriptor the hardware path will actually use. Unrecognized pixel
// formats are coerced to MJPEG rather than rejected.
func adjustFormat(f FormatDescriptor) FormatDescriptor {
	if f.PixelFormat != PixelFormatMJPEG && f.PixelFormat != PixelFormatYUYV {
		f.PixelFormat = PixelFormatMJPEG
	}

	f.Width = align(clamp(f.Width, minWidth, maxWidth), widthAlign)
	f.Height = align(clamp(f.Height, minHeight, maxHeight), heightAlign)

	if f.PixelFormat == PixelFormatYUYV {
		f.BytesPerLine = f.Width * 2
		f.ImageSize = f.BytesPerLine * f.Height
	} else {
		// Compressed format; size is an estimate.
		f.BytesPerLine = 0
		f.ImageSize = f.Width * f.Height
	}

	return f
}

func defaultFormat() FormatDescriptor {
	return adjustFormat(FormatDescriptor{
		Width:       640,
		Height:      480,
		PixelFormat: PixelFormatMJPEG,
	})
}
