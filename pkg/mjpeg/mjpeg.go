// Package mjpeg splits a raw Motion JPEG byte stream into single JPEG images
// and writes JPEG sequences as a multipart/x-mixed-replace HTTP stream.
package mjpeg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	readChunkSize = 4096
	// MaxFrameSize bounds a single image; a stream without an end marker
	// within this many bytes is resynchronized.
	MaxFrameSize = 10 << 20
)

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// ErrFrameTooLarge is returned by Next when no end of image was found within
// MaxFrameSize bytes. The scanner drops the partial image and can continue.
var ErrFrameTooLarge = errors.New("mjpeg: frame exceeds size limit")

// Scanner reads concatenated JPEG images, as produced by rpicam-vid or
// libcamera-vid with --codec mjpeg.
type Scanner struct {
	r     io.Reader
	chunk []byte
	buf   []byte
	// scanned is the offset in buf up to which no end marker was found.
	scanned int
	err     error
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r, chunk: make([]byte, readChunkSize)}
}

// Next returns the next complete image. The returned slice is owned by the
// caller. At the end of the stream Next returns io.EOF; a trailing partial
// image is discarded.
func (s *Scanner) Next() ([]byte, error) {
	for {
		if frame, ok := s.extract(); ok {
			return frame, nil
		}
		if len(s.buf) > MaxFrameSize {
			s.buf, s.scanned = s.buf[:0], 0
			return nil, ErrFrameTooLarge
		}
		if s.err != nil {
			return nil, s.err
		}

		n, err := s.r.Read(s.chunk)
		s.buf = append(s.buf, s.chunk[:n]...)
		if err != nil {
			s.err = err
		}
	}
}

// extract cuts the first complete image out of buf.
func (s *Scanner) extract() ([]byte, bool) {
	start := bytes.Index(s.buf, soi)
	if start < 0 {
		// Keep a trailing 0xFF, it may start a marker split across reads.
		if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
			s.buf = append(s.buf[:0], 0xFF)
		} else {
			s.buf = s.buf[:0]
		}
		s.scanned = 0
		return nil, false
	}
	if start > 0 {
		s.buf = append(s.buf[:0], s.buf[start:]...)
		s.scanned = 0
	}

	from := max(s.scanned, len(soi))
	end := bytes.Index(s.buf[from:], eoi)
	if end < 0 {
		s.scanned = max(len(s.buf)-1, len(soi))
		return nil, false
	}
	end += from + len(eoi)

	frame := make([]byte, end)
	copy(frame, s.buf[:end])
	s.buf = append(s.buf[:0], s.buf[end:]...)
	s.scanned = 0
	return frame, true
}

// Boundary separates the parts written by Writer.
const Boundary = "kameraframe"

// ContentType is the HTTP content type of a Writer stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// Writer writes JPEG images as parts of a multipart/x-mixed-replace stream.
type Writer struct {
	w io.Writer
}

// NewWriter returns a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes one image as a part, including its boundary line.
func (w *Writer) WriteFrame(jpeg []byte) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(jpeg))
	b.Write(jpeg)
	b.WriteString("\r\n")

	if _, err := w.w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("failed to write mjpeg part: %w", err)
	}
	return nil
}
