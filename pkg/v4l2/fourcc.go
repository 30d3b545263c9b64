// Package v4l2 is a small binding to the Video4Linux2 capture API: device
// discovery, format negotiation and mmap streaming.
package v4l2

import "fmt"

// Pixel formats, stored the kernel's way with the first character in the
// lowest byte.
const (
	PixFmtRGB24  uint32 = 0x33424752 // RGB3
	PixFmtBGR24  uint32 = 0x33524742 // BGR3
	PixFmtYUYV   uint32 = 0x56595559 // YUYV
	PixFmtNV12   uint32 = 0x3231564E // NV12
	PixFmtYUV24  uint32 = 0x33565559 // YUV3
	PixFmtGREY   uint32 = 0x59455247 // GREY
	PixFmtMJPEG  uint32 = 0x47504A4D // MJPG
	PixFmtXBGR32 uint32 = 0x34325258 // XR24, BGRx in memory
	PixFmtABGR32 uint32 = 0x34325241 // AR24, BGRA in memory
)

// FourCCString renders a pixel format code, e.g. "YUYV".
func FourCCString(code uint32) string {
	b := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08X", code)
		}
	}
	return string(b)
}

// FourCCCode is the inverse of FourCCString for four printable characters.
func FourCCCode(s string) (uint32, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("v4l2: fourcc %q must have four characters", s)
	}
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24, nil
}
