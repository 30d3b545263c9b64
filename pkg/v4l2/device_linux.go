package v4l2

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrAgain is returned by Dequeue when no filled buffer is ready yet.
var ErrAgain = errors.New("v4l2: no buffer ready")

// Capability is the result of VIDIOC_QUERYCAP.
type Capability struct {
	Driver       string
	Card         string
	BusInfo      string
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
}

// CanStream reports whether the node supports video capture with streaming
// I/O. Metadata nodes of the same camera do not.
func (c Capability) CanStream() bool {
	caps := c.Capabilities
	if caps&capDeviceCaps != 0 {
		caps = c.DeviceCaps
	}
	return caps&capVideoCapture != 0 && caps&capStreaming != 0
}

// Format is the negotiated single-plane capture format.
type Format struct {
	PixelFormat  uint32
	Width        uint32
	Height       uint32
	BytesPerLine uint32
	SizeImage    uint32
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dx%d stride=%d", FourCCString(f.PixelFormat), f.Width, f.Height, f.BytesPerLine)
}

// FormatDesc is one entry of VIDIOC_ENUM_FMT.
type FormatDesc struct {
	PixelFormat uint32
	Description string
	Compressed  bool
}

// Buffer describes a dequeued, filled buffer.
type Buffer struct {
	Index     uint32
	BytesUsed uint32
	Sequence  uint32
	Timestamp time.Duration
}

// Info is a discovered capture node.
type Info struct {
	Path string
	Card string
	Bus  string
}

// FindDevices lists the /dev/video* nodes that can stream video, in numeric
// order. Nodes that cannot be opened are skipped.
func FindDevices() ([]Info, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Slice(paths, func(i, j int) bool {
		return nodeNumber(paths[i]) < nodeNumber(paths[j])
	})

	var devices []Info
	for _, path := range paths {
		d, err := Open(path)
		if err != nil {
			continue
		}
		caps, err := d.QueryCapability()
		d.Close()
		if err != nil || !caps.CanStream() {
			continue
		}
		devices = append(devices, Info{Path: path, Card: caps.Card, Bus: caps.BusInfo})
	}
	return devices, nil
}

func nodeNumber(path string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "video"))
	if err != nil {
		return 1 << 30
	}
	return n
}

// Device is an open V4L2 node. It is not safe for concurrent use except
// that Queue and Dequeue may run concurrently with each other.
type Device struct {
	fd      int
	path    string
	buffers [][]byte
}

// Open opens a capture node in non-blocking mode.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &Device{fd: fd, path: path}, nil
}

func (d *Device) Path() string { return d.path }

// Close unmaps all buffers and closes the node.
func (d *Device) Close() error {
	d.Unmap()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *Device) QueryCapability() (Capability, error) {
	var caps v4l2Capability
	if err := ioctl(d.fd, vidiocQuerycap, unsafe.Pointer(&caps)); err != nil {
		return Capability{}, fmt.Errorf("VIDIOC_QUERYCAP %s: %w", d.path, err)
	}
	return Capability{
		Driver:       cString(caps.Driver[:]),
		Card:         cString(caps.Card[:]),
		BusInfo:      cString(caps.BusInfo[:]),
		Version:      caps.Version,
		Capabilities: caps.Capabilities,
		DeviceCaps:   caps.DeviceCaps,
	}, nil
}

// Formats lists the pixel formats the node offers for capture.
func (d *Device) Formats() ([]FormatDesc, error) {
	var formats []FormatDesc
	for i := uint32(0); ; i++ {
		desc := v4l2FmtDesc{Index: i, Type: bufTypeVideoCapture}
		if err := ioctl(d.fd, vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return formats, nil
			}
			return formats, fmt.Errorf("VIDIOC_ENUM_FMT %s: %w", d.path, err)
		}
		formats = append(formats, FormatDesc{
			PixelFormat: desc.Pixelformat,
			Description: cString(desc.Description[:]),
			Compressed:  desc.Flags&0x1 != 0,
		})
	}
}

// GetFormat returns the current capture format.
func (d *Device) GetFormat() (Format, error) {
	f := v4l2Format{Type: bufTypeVideoCapture}
	if err := ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, fmt.Errorf("VIDIOC_G_FMT %s: %w", d.path, err)
	}
	return formatFromPix(f.pix()), nil
}

// SetFormat asks for a format and returns what the driver settled on, which
// may differ in pixel format and size.
func (d *Device) SetFormat(want Format) (Format, error) {
	f := v4l2Format{Type: bufTypeVideoCapture}
	pix := f.pix()
	pix.Width = want.Width
	pix.Height = want.Height
	pix.Pixelformat = want.PixelFormat
	pix.Field = fieldAny
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, fmt.Errorf("VIDIOC_S_FMT %s %s: %w", d.path, FourCCString(want.PixelFormat), err)
	}
	return formatFromPix(pix), nil
}

func formatFromPix(pix *v4l2PixFormat) Format {
	got := Format{
		PixelFormat:  pix.Pixelformat,
		Width:        pix.Width,
		Height:       pix.Height,
		BytesPerLine: pix.Bytesperline,
		SizeImage:    pix.Sizeimage,
	}
	if got.BytesPerLine == 0 {
		switch got.PixelFormat {
		case PixFmtRGB24, PixFmtBGR24, PixFmtYUV24:
			got.BytesPerLine = got.Width * 3
		case PixFmtYUYV:
			got.BytesPerLine = got.Width * 2
		case PixFmtNV12, PixFmtGREY:
			got.BytesPerLine = got.Width
		case PixFmtXBGR32, PixFmtABGR32:
			got.BytesPerLine = got.Width * 4
		}
	}
	return got
}

// SetFrameRate requests fps frames per second. Drivers without frame rate
// control return an error that callers may ignore.
func (d *Device) SetFrameRate(fps int) error {
	p := v4l2StreamParm{Type: bufTypeVideoCapture}
	c := p.capture()
	c.Timeperframe = v4l2Fract{Numerator: 1, Denominator: uint32(fps)}
	if err := ioctl(d.fd, vidiocSParm, unsafe.Pointer(&p)); err != nil {
		return fmt.Errorf("VIDIOC_S_PARM %s: %w", d.path, err)
	}
	return nil
}

// RequestBuffers allocates count mmap buffers in the driver and returns how
// many it granted.
func (d *Device) RequestBuffers(count uint32) (uint32, error) {
	req := v4l2RequestBuffers{Count: count, Type: bufTypeVideoCapture, Memory: memoryMMap}
	if err := ioctl(d.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS %s: %w", d.path, err)
	}
	return req.Count, nil
}

// Mmap maps count driver buffers into memory.
func (d *Device) Mmap(count uint32) error {
	d.buffers = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		buf := v4l2Buffer{Type: bufTypeVideoCapture, Memory: memoryMMap, Index: i}
		if err := ioctl(d.fd, vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
			d.Unmap()
			return fmt.Errorf("VIDIOC_QUERYBUF %s index %d: %w", d.path, i, err)
		}
		data, err := unix.Mmap(d.fd, int64(uint32(buf.M)), int(buf.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			d.Unmap()
			return fmt.Errorf("mmap %s buffer %d: %w", d.path, i, err)
		}
		d.buffers = append(d.buffers, data)
	}
	return nil
}

// Unmap releases all mapped buffers. Slices returned by Bytes must not be
// used afterwards.
func (d *Device) Unmap() {
	for _, b := range d.buffers {
		_ = unix.Munmap(b)
	}
	d.buffers = nil
}

// Bytes returns the mapped memory of buffer index, trimmed to n bytes when
// n is within range.
func (d *Device) Bytes(index uint32, n uint32) []byte {
	if int(index) >= len(d.buffers) {
		return nil
	}
	b := d.buffers[index]
	if n > 0 && int(n) <= len(b) {
		b = b[:n]
	}
	return b
}

// Queue hands buffer index back to the driver.
func (d *Device) Queue(index uint32) error {
	buf := v4l2Buffer{Type: bufTypeVideoCapture, Memory: memoryMMap, Index: index}
	if err := ioctl(d.fd, vidiocQBuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF %s index %d: %w", d.path, index, err)
	}
	return nil
}

// Dequeue takes the oldest filled buffer from the driver. It returns
// ErrAgain when none is ready.
func (d *Device) Dequeue() (Buffer, error) {
	buf := v4l2Buffer{Type: bufTypeVideoCapture, Memory: memoryMMap}
	if err := ioctl(d.fd, vidiocDQBuf, unsafe.Pointer(&buf)); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return Buffer{}, ErrAgain
		}
		return Buffer{}, fmt.Errorf("VIDIOC_DQBUF %s: %w", d.path, err)
	}
	return Buffer{
		Index:     buf.Index,
		BytesUsed: buf.Bytesused,
		Sequence:  buf.Sequence,
		Timestamp: time.Duration(buf.Timestamp.Nano()),
	}, nil
}

func (d *Device) StreamOn() error {
	t := uint32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamOn, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON %s: %w", d.path, err)
	}
	return nil
}

// StreamOff stops streaming. The driver drops every queued buffer.
func (d *Device) StreamOff() error {
	t := uint32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamOff, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF %s: %w", d.path, err)
	}
	return nil
}

// WaitReadable polls the node until a buffer can be dequeued or timeout
// passes. It reports false on timeout.
func (d *Device) WaitReadable(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll %s: %w", d.path, err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("poll %s: device error (revents=0x%x)", d.path, fds[0].Revents)
	}
	return true, nil
}
