// Package snapshot encodes camera frames as JPEG or PNG files and keeps a
// directory of timestamped snapshots with an index and a retention period.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"

	"github.com/wachiwi/kamera/pkg/camera"
	"github.com/wachiwi/kamera/pkg/pixfmt"
)

// DefaultQuality is the JPEG quality used when none is given.
const DefaultQuality = 85

// Image converts a frame into an image that does not reference the frame's
// buffer, so the frame can be closed right after.
func Image(f *camera.Frame) (image.Image, error) {
	if err := f.Err(); err != nil {
		return nil, err
	}
	w, h := f.Size()
	return pixfmt.ToImage(f.PixelFormat(), int(w), int(h), f.Stride(), f.Data().Bytes())
}

// EncodeJPEG returns the frame as a JPEG. MJPG frames are returned as they
// are.
func EncodeJPEG(f *camera.Frame, quality int) ([]byte, error) {
	if f.PixelFormat() == "MJPG" {
		data := f.Data().Bytes()
		if data == nil {
			return nil, camera.ErrFrameReleased
		}
		return bytes.Clone(data), nil
	}
	img, err := Image(f)
	if err != nil {
		return nil, err
	}
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// SavePNG writes the frame to path as a PNG.
func SavePNG(f *camera.Frame, path string) error {
	img, err := Image(f)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return writeFile(path, buf.Bytes())
}

// writeFile writes through a temporary file so readers never see a partial
// image.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return nil
}
