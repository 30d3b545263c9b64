package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	bufTypeVideoCapture = 1
	fieldAny            = 0
	memoryMMap          = 1
)

const (
	capVideoCapture = 0x00000001
	capStreaming    = 0x04000000
	capDeviceCaps   = 0x80000000
)

type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	Pixelformat  uint32
	Field        uint32
	Bytesperline uint32
	Sizeimage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

type v4l2Format struct {
	Type uint32
	_    [4]byte // the union is 8-byte aligned in C
	fmt  [200]byte
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.fmt[0]))
}

type v4l2FmtDesc struct {
	Index       uint32
	Type        uint32
	Flags       uint32
	Description [32]byte
	Pixelformat uint32
	MbusCode    uint32
	Reserved    [3]uint32
}

type v4l2RequestBuffers struct {
	Count    uint32
	Type     uint32
	Memory   uint32
	Reserved [2]uint32
}

type v4l2Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

type v4l2Buffer struct {
	Index     uint32
	Type      uint32
	Bytesused uint32
	Flags     uint32
	Field     uint32
	Timestamp unix.Timeval
	Timecode  v4l2Timecode
	Sequence  uint32
	Memory    uint32
	// M is the offset/userptr/fd union, an unsigned long in C. The mmap
	// offset lives in its low 32 bits.
	M         uintptr
	Length    uint32
	Reserved2 uint32
	Reserved  uint32
}

type v4l2Fract struct {
	Numerator   uint32
	Denominator uint32
}

type v4l2CaptureParm struct {
	Capability   uint32
	Capturemode  uint32
	Timeperframe v4l2Fract
	Extendedmode uint32
	Readbuffers  uint32
	Reserved     [4]uint32
}

type v4l2StreamParm struct {
	Type uint32
	parm [200]byte
}

func (p *v4l2StreamParm) capture() *v4l2CaptureParm {
	return (*v4l2CaptureParm)(unsafe.Pointer(&p.parm[0]))
}

const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func iow(typ, nr, size uintptr) uintptr  { return ioc(iocWrite, typ, nr, size) }
func ior(typ, nr, size uintptr) uintptr  { return ioc(iocRead, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }

var (
	vidiocQuerycap  = ior('V', 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocEnumFmt   = iowr('V', 2, unsafe.Sizeof(v4l2FmtDesc{}))
	vidiocGFmt      = iowr('V', 4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt      = iowr('V', 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqbufs   = iowr('V', 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQuerybuf  = iowr('V', 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQBuf      = iowr('V', 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDQBuf     = iowr('V', 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamOn  = iow('V', 18, unsafe.Sizeof(uint32(0)))
	vidiocStreamOff = iow('V', 19, unsafe.Sizeof(uint32(0)))
	vidiocSParm     = iowr('V', 22, unsafe.Sizeof(v4l2StreamParm{}))
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
